package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playbook-sh/playbook/pkg/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "playbook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRun(workflow string) *domain.RunInfo {
	return &domain.RunInfo{
		WorkflowName: workflow,
		StartTime:    time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		Status:       domain.RunRunning,
		Trigger:      domain.TriggerRun,
	}
}

func TestCreateRunAssignsSequentialIDs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id1, err := s.CreateRun(ctx, newRun("deploy"))
	require.NoError(t, err)
	id2, err := s.CreateRun(ctx, newRun("deploy"))
	require.NoError(t, err)
	other, err := s.CreateRun(ctx, newRun("backup"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)
	assert.Equal(t, int64(1), other, "run ids are scoped per workflow")
}

func TestRunRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run := newRun("deploy")
	id, err := s.CreateRun(ctx, run)
	require.NoError(t, err)
	run.RunID = id

	end := run.StartTime.Add(5 * time.Minute)
	run.Status = domain.RunOK
	run.EndTime = &end
	run.NodesOK = 3
	run.Trigger = domain.TriggerResume
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, "deploy", id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.RunOK, got.Status)
	assert.Equal(t, 3, got.NodesOK)
	assert.Equal(t, domain.TriggerResume, got.Trigger)
	require.NotNil(t, got.EndTime)
	assert.True(t, got.EndTime.Equal(end))
	assert.True(t, got.StartTime.Equal(run.StartTime))
}

func TestGetRunMissing(t *testing.T) {
	s := newStore(t)
	got, err := s.GetRun(context.Background(), "deploy", 99)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateRunIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run := newRun("deploy")
	id, err := s.CreateRun(ctx, run)
	require.NoError(t, err)
	run.RunID = id
	run.NodesOK = 2

	require.NoError(t, s.UpdateRun(ctx, run))
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, "deploy", id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.NodesOK)
}

func TestListRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.CreateRun(ctx, newRun("deploy"))
		require.NoError(t, err)
	}
	_, err := s.CreateRun(ctx, newRun("other"))
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx, "deploy")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, run := range runs {
		assert.Equal(t, int64(i+1), run.RunID)
	}
}

func newExecution(workflow string, runID int64, nodeID string, attempt int) *domain.NodeExecution {
	return &domain.NodeExecution{
		WorkflowName: workflow,
		RunID:        runID,
		NodeID:       nodeID,
		Attempt:      attempt,
		StartTime:    time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		Status:       domain.NodeRunning,
	}
}

func TestExecutionRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, newRun("deploy"))
	require.NoError(t, err)

	ex := newExecution("deploy", id, "build", 1)
	require.NoError(t, s.CreateExecution(ctx, ex))

	end := ex.StartTime.Add(2 * time.Second)
	duration := int64(2000)
	exitCode := 0
	ex.EndTime = &end
	ex.Status = domain.NodeOK
	ex.OperatorDecision = domain.DecisionApproved
	ex.ExitCode = &exitCode
	ex.Stdout = "done"
	ex.Stderr = "warning"
	ex.ResultText = "built"
	ex.TimedOut = true
	ex.DurationMS = &duration
	require.NoError(t, s.UpdateExecution(ctx, ex))

	got, err := s.LatestExecution(ctx, "deploy", id, "build")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.NodeOK, got.Status)
	assert.Equal(t, domain.DecisionApproved, got.OperatorDecision)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, "done", got.Stdout)
	assert.Equal(t, "warning", got.Stderr)
	assert.Equal(t, "built", got.ResultText)
	assert.True(t, got.TimedOut)
	require.NotNil(t, got.DurationMS)
	assert.Equal(t, int64(2000), *got.DurationMS)
}

func TestListExecutionsOrderedByNodeAndAttempt(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, newRun("deploy"))
	require.NoError(t, err)

	// Insert out of order on purpose.
	require.NoError(t, s.CreateExecution(ctx, newExecution("deploy", id, "b", 2)))
	require.NoError(t, s.CreateExecution(ctx, newExecution("deploy", id, "a", 1)))
	require.NoError(t, s.CreateExecution(ctx, newExecution("deploy", id, "b", 1)))

	executions, err := s.ListExecutions(ctx, "deploy", id)
	require.NoError(t, err)
	require.Len(t, executions, 3)
	assert.Equal(t, "a", executions[0].NodeID)
	assert.Equal(t, "b", executions[1].NodeID)
	assert.Equal(t, 1, executions[1].Attempt)
	assert.Equal(t, 2, executions[2].Attempt)
}

func TestLatestExecutionPicksHighestAttempt(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, newRun("deploy"))
	require.NoError(t, err)

	first := newExecution("deploy", id, "x", 1)
	first.Status = domain.NodeNOK
	require.NoError(t, s.CreateExecution(ctx, first))

	second := newExecution("deploy", id, "x", 2)
	second.Status = domain.NodeOK
	require.NoError(t, s.CreateExecution(ctx, second))

	got, err := s.LatestExecution(ctx, "deploy", id, "x")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, domain.NodeOK, got.Status)
}

func TestLatestExecutionMissing(t *testing.T) {
	s := newStore(t)
	got, err := s.LatestExecution(context.Background(), "deploy", 1, "never")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDuplicateAttemptRejected(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, newRun("deploy"))
	require.NoError(t, err)

	require.NoError(t, s.CreateExecution(ctx, newExecution("deploy", id, "x", 1)))
	err = s.CreateExecution(ctx, newExecution("deploy", id, "x", 1))
	assert.Error(t, err, "the (workflow, run, node, attempt) key is unique")
}

func TestSetRunStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, newRun("deploy"))
	require.NoError(t, err)

	end := time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetRunStatus(ctx, "deploy", id, domain.RunAborted, &end))

	got, err := s.GetRun(ctx, "deploy", id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunAborted, got.Status)
	require.NotNil(t, got.EndTime)
}

func TestStatisticsQueries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, newRun("deploy"))
	require.NoError(t, err)
	run, err := s.GetRun(ctx, "deploy", id)
	require.NoError(t, err)
	run.Status = domain.RunOK
	require.NoError(t, s.UpdateRun(ctx, run))
	_, err = s.CreateRun(ctx, newRun("deploy"))
	require.NoError(t, err)

	failed := newExecution("deploy", id, "build", 1)
	failed.Status = domain.NodeNOK
	require.NoError(t, s.CreateExecution(ctx, failed))
	retried := newExecution("deploy", id, "build", 2)
	retried.Status = domain.NodeOK
	require.NoError(t, s.CreateExecution(ctx, retried))

	workflows, err := s.WorkflowStatistics(ctx)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	ws := workflows[0]
	assert.Equal(t, "deploy", ws.WorkflowName)
	assert.Equal(t, 2, ws.TotalRuns)
	assert.Equal(t, 1, ws.StatusCounts["ok"])
	assert.Equal(t, 1, ws.StatusCounts["running"])
	assert.Equal(t, "running", ws.LatestStatus)

	nodes, err := s.NodeStatistics(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	ns := nodes[0]
	assert.Equal(t, "build", ns.NodeID)
	assert.Equal(t, 2, ns.Attempts())
	assert.InDelta(t, 0.5, ns.FailureRate(), 1e-9)
}

func TestStatusesPersistLowercase(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, newRun("deploy"))
	require.NoError(t, err)
	require.NoError(t, s.CreateExecution(ctx, newExecution("deploy", id, "x", 1)))

	var runStatus, execStatus string
	require.NoError(t, s.db.QueryRow(`SELECT status FROM runs`).Scan(&runStatus))
	require.NoError(t, s.db.QueryRow(`SELECT status FROM executions`).Scan(&execStatus))
	assert.Equal(t, "running", runStatus)
	assert.Equal(t, "running", execStatus)
}
