// Package engine executes a validated runbook: topological scheduling,
// per-node state machine, attempt accounting, when gating, run-status
// aggregation, and resume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/playbook-sh/playbook/pkg/conditions"
	"github.com/playbook-sh/playbook/pkg/domain"
)

// PluginProvider hands out initialized plugin instances. The concrete
// registry lives in pkg/plugin; per-node config overrides are resolved
// by the provider.
type PluginProvider interface {
	Get(name string, config map[string]any) (domain.Plugin, error)
}

// Engine advances one run at a time. All collaborators are injected;
// the engine itself holds no global state.
type Engine struct {
	runs      domain.RunRepository
	execs     domain.NodeExecutionRepository
	runner    domain.ProcessRunner
	io        domain.IOHandler
	plugins   PluginProvider
	clock     domain.Clock
	evaluator *conditions.Evaluator
	logger    *slog.Logger
}

// Options carries the engine's collaborators.
type Options struct {
	Runs    domain.RunRepository
	Execs   domain.NodeExecutionRepository
	Runner  domain.ProcessRunner
	IO      domain.IOHandler
	Plugins PluginProvider
	Clock   domain.Clock
	Logger  *slog.Logger
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		runs:      opts.Runs,
		execs:     opts.Execs,
		runner:    opts.Runner,
		io:        opts.IO,
		plugins:   opts.Plugins,
		clock:     opts.Clock,
		evaluator: conditions.NewEvaluator(opts.Logger),
		logger:    opts.Logger,
	}
}

// StartRun validates the runbook and opens a new RUNNING run. The
// repository assigns the next run ID for the workflow.
func (e *Engine) StartRun(ctx context.Context, rb *domain.Runbook) (*domain.RunInfo, error) {
	if err := ValidateRunbook(rb); err != nil {
		return nil, err
	}
	run := &domain.RunInfo{
		WorkflowName: rb.Title,
		StartTime:    e.clock.Now(),
		Status:       domain.RunRunning,
		Trigger:      domain.TriggerRun,
	}
	id, err := e.runs.CreateRun(ctx, run)
	if err != nil {
		return nil, err
	}
	run.RunID = id
	e.logger.Info("run started", "workflow", rb.Title, "run_id", id)
	return run, nil
}

// ResumeRun reopens an existing run. Only RUNNING and ABORTED runs are
// resumable; OK and NOK are final. The trigger flips to RESUME.
func (e *Engine) ResumeRun(ctx context.Context, rb *domain.Runbook, runID int64) (*domain.RunInfo, error) {
	if err := ValidateRunbook(rb); err != nil {
		return nil, err
	}
	run, err := e.runs.GetRun(ctx, rb.Title, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, &domain.ValidationError{Problems: []string{
			fmt.Sprintf("run %d not found for workflow %q", runID, rb.Title),
		}}
	}
	if run.Status.Terminal() {
		return nil, &domain.ValidationError{Problems: []string{
			fmt.Sprintf("run %d is %s and cannot be resumed", runID, run.Status),
		}}
	}
	run.Status = domain.RunRunning
	run.Trigger = domain.TriggerResume
	run.EndTime = nil
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	e.logger.Info("run resumed", "workflow", rb.Title, "run_id", runID)
	return run, nil
}

// SelectNodes returns the node IDs still to execute, in topological
// order. With a start node, selection begins at its position; without,
// at the top. A node is selected when its latest attempt is absent or
// not in a success-like terminal state (OK or SKIPPED).
func (e *Engine) SelectNodes(ctx context.Context, rb *domain.Runbook, run *domain.RunInfo, startNode string) ([]string, error) {
	order, err := TopologicalOrder(rb)
	if err != nil {
		return nil, err
	}
	start := 0
	if startNode != "" {
		found := false
		for i, id := range order {
			if id == startNode {
				start, found = i, true
				break
			}
		}
		if !found {
			return nil, &domain.ValidationError{Problems: []string{
				fmt.Sprintf("start node %q does not exist", startNode),
			}}
		}
	}

	executions, err := e.execs.ListExecutions(ctx, run.WorkflowName, run.RunID)
	if err != nil {
		return nil, err
	}
	latest := domain.LatestPerNode(executions)

	var selected []string
	for _, id := range order[start:] {
		if ex, ok := latest[id]; ok && (ex.Status == domain.NodeOK || ex.Status == domain.NodeSkipped) {
			continue
		}
		selected = append(selected, id)
	}
	return selected, nil
}

// ExecuteNode runs one node end to end: skip short-circuit, when
// gating, attempt creation, dispatch, attempt update, run aggregation.
// Work failures land in the returned attempt record, not in the error;
// only persistence failures propagate.
func (e *Engine) ExecuteNode(ctx context.Context, rb *domain.Runbook, run *domain.RunInfo, node *domain.Node, vars map[string]any) (*domain.NodeExecution, error) {
	if node.Skip {
		ex, err := e.recordSkip(ctx, run, node, "Node skipped (skip flag set)")
		if err != nil {
			return nil, err
		}
		return ex, e.UpdateRunStatus(ctx, rb, run)
	}

	execute, err := e.evaluateWhen(ctx, run, node, vars)
	if err != nil {
		return nil, err
	}
	if !execute {
		rationale := fmt.Sprintf("Node skipped due to condition: %s", node.When)
		ex, err := e.recordSkip(ctx, run, node, rationale)
		if err != nil {
			return nil, err
		}
		return ex, e.UpdateRunStatus(ctx, rb, run)
	}

	return e.runAttempt(ctx, rb, run, node)
}

// RetryNode runs a fresh attempt of a node, bypassing the skip and
// when short-circuits: the operator explicitly asked for another try.
func (e *Engine) RetryNode(ctx context.Context, rb *domain.Runbook, run *domain.RunInfo, node *domain.Node) (*domain.NodeExecution, error) {
	return e.runAttempt(ctx, rb, run, node)
}

func (e *Engine) runAttempt(ctx context.Context, rb *domain.Runbook, run *domain.RunInfo, node *domain.Node) (*domain.NodeExecution, error) {
	attempt, err := e.nextAttempt(ctx, run, node.ID)
	if err != nil {
		return nil, err
	}
	ex := &domain.NodeExecution{
		WorkflowName: run.WorkflowName,
		RunID:        run.RunID,
		NodeID:       node.ID,
		Attempt:      attempt,
		StartTime:    e.clock.Now(),
		Status:       domain.NodeRunning,
	}
	if err := e.execs.CreateExecution(ctx, ex); err != nil {
		return nil, err
	}
	e.logger.Info("node started", "node", node.ID, "attempt", attempt, "type", node.Type)

	e.executeWork(ctx, node, ex)

	end := e.clock.Now()
	ex.EndTime = &end
	duration := end.Sub(ex.StartTime).Milliseconds()
	ex.DurationMS = &duration
	if err := e.execs.UpdateExecution(ctx, ex); err != nil {
		return nil, err
	}
	e.logger.Info("node finished", "node", node.ID, "attempt", attempt, "status", ex.Status)

	return ex, e.UpdateRunStatus(ctx, rb, run)
}

// executeWork dispatches by node type and fills the attempt record.
// Every failure is captured into the record; nothing escapes.
func (e *Engine) executeWork(ctx context.Context, node *domain.Node, ex *domain.NodeExecution) {
	if node.PromptBefore != "" {
		approved, err := e.io.Prompt(node.ID, node.Name, node.PromptBefore)
		if err != nil {
			ex.Status = domain.NodeNOK
			ex.Exception = err.Error()
			return
		}
		if !approved {
			ex.Status = domain.NodeNOK
			ex.OperatorDecision = domain.DecisionRejected
			return
		}
	}

	switch node.Type {
	case domain.NodeManual:
		e.executeManual(node, ex)
	case domain.NodeCommand:
		e.executeCommand(ctx, node, ex)
	case domain.NodeFunction:
		e.executeFunction(node, ex)
	default:
		ex.Status = domain.NodeNOK
		ex.Exception = fmt.Sprintf("unknown node type %q", node.Type)
	}
}

func (e *Engine) executeManual(node *domain.Node, ex *domain.NodeExecution) {
	if node.Description != "" {
		e.io.Description(node.ID, node.Name, node.Description)
	}
	approved, err := e.io.Prompt(node.ID, node.Name, node.PromptAfter)
	if err != nil {
		ex.Status = domain.NodeNOK
		ex.Exception = err.Error()
		return
	}
	if approved {
		ex.Status = domain.NodeOK
		ex.OperatorDecision = domain.DecisionApproved
	} else {
		ex.Status = domain.NodeNOK
		ex.OperatorDecision = domain.DecisionRejected
	}
}

func (e *Engine) executeCommand(ctx context.Context, node *domain.Node, ex *domain.NodeExecution) {
	timeout := time.Duration(node.Timeout) * time.Second
	exitCode, stdout, stderr, err := e.runner.Run(ctx, node.CommandName, timeout, node.Interactive)
	ex.ExitCode = &exitCode
	ex.Stdout = stdout
	ex.Stderr = stderr

	e.io.CommandOutput(node.ID, node.Name, node.Description, stdout, stderr)

	if err != nil {
		var execErr *domain.NodeExecutionError
		if errors.As(err, &execErr) && execErr.Timeout {
			execErr.NodeID = node.ID
			ex.TimedOut = true
		}
		ex.Status = domain.NodeNOK
		ex.Exception = err.Error()
		return
	}

	if exitCode != 0 {
		ex.Status = domain.NodeNOK
		return
	}
	ex.Status = domain.NodeOK
	if node.PromptAfter != "" {
		approved, err := e.io.Prompt(node.ID, node.Name, node.PromptAfter)
		if err != nil {
			ex.Status = domain.NodeNOK
			ex.Exception = err.Error()
			return
		}
		if approved {
			ex.OperatorDecision = domain.DecisionApproved
		} else {
			ex.Status = domain.NodeNOK
			ex.OperatorDecision = domain.DecisionRejected
		}
	}
}

func (e *Engine) executeFunction(node *domain.Node, ex *domain.NodeExecution) {
	instance, err := e.plugins.Get(node.Plugin, node.PluginConfig)
	if err != nil {
		ex.Status = domain.NodeNOK
		ex.Exception = err.Error()
		return
	}

	params := make(map[string]any, len(node.FunctionParams))
	for k, v := range node.FunctionParams {
		params[k] = v
	}
	if err := domain.ValidateParams(instance.Metadata(), node.Function, params); err != nil {
		ex.Status = domain.NodeNOK
		ex.Exception = err.Error()
		return
	}

	result, err := instance.Execute(node.Function, params)
	if err != nil {
		perr := &domain.PluginExecutionError{Plugin: node.Plugin, Function: node.Function, Err: err}
		ex.Status = domain.NodeNOK
		ex.Exception = perr.Error()
		return
	}

	if result != nil {
		ex.ResultText = fmt.Sprintf("%v", result)
	}
	e.io.FunctionOutput(node.ID, node.Name, node.Description, ex.ResultText)

	ex.Status = domain.NodeOK
	if node.PromptAfter != "" && ex.ResultText != "" {
		approved, err := e.io.Prompt(node.ID, node.Name, node.PromptAfter)
		if err != nil {
			ex.Status = domain.NodeNOK
			ex.Exception = err.Error()
			return
		}
		if approved {
			ex.OperatorDecision = domain.DecisionApproved
		} else {
			ex.Status = domain.NodeNOK
			ex.OperatorDecision = domain.DecisionRejected
		}
	}
}

// evaluateWhen builds the execution context from the run's latest
// attempts and the workflow variables, then evaluates the node's
// condition. Evaluation failures default to execute.
func (e *Engine) evaluateWhen(ctx context.Context, run *domain.RunInfo, node *domain.Node, vars map[string]any) (bool, error) {
	if node.When == "" || node.When == conditions.DefaultWhen {
		return true, nil
	}
	executions, err := e.execs.ListExecutions(ctx, run.WorkflowName, run.RunID)
	if err != nil {
		return false, err
	}
	evalCtx := conditions.BuildContext(vars, domain.LatestPerNode(executions))
	return e.evaluator.Evaluate(node.When, evalCtx), nil
}

// recordSkip persists a terminal SKIPPED attempt and notifies the
// operator.
func (e *Engine) recordSkip(ctx context.Context, run *domain.RunInfo, node *domain.Node, rationale string) (*domain.NodeExecution, error) {
	attempt, err := e.nextAttempt(ctx, run, node.ID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	duration := int64(0)
	ex := &domain.NodeExecution{
		WorkflowName: run.WorkflowName,
		RunID:        run.RunID,
		NodeID:       node.ID,
		Attempt:      attempt,
		StartTime:    now,
		EndTime:      &now,
		Status:       domain.NodeSkipped,
		ResultText:   rationale,
		DurationMS:   &duration,
	}
	if err := e.execs.CreateExecution(ctx, ex); err != nil {
		return nil, err
	}
	e.logger.Info("node skipped", "node", node.ID, "reason", rationale)
	e.io.Description(node.ID, node.Name, rationale)
	return ex, nil
}

// nextAttempt yields latest+1 for the node, or 1 when it never ran.
// Every path that creates an attempt goes through here, which keeps
// attempt numbers contiguous from 1.
func (e *Engine) nextAttempt(ctx context.Context, run *domain.RunInfo, nodeID string) (int, error) {
	latest, err := e.execs.LatestExecution(ctx, run.WorkflowName, run.RunID, nodeID)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 1, nil
	}
	return latest.Attempt + 1, nil
}

// SkipFailedNode mutates a node's latest attempt to SKIPPED after the
// operator chose to move past a failure, then re-aggregates.
func (e *Engine) SkipFailedNode(ctx context.Context, rb *domain.Runbook, run *domain.RunInfo, nodeID string) error {
	latest, err := e.execs.LatestExecution(ctx, run.WorkflowName, run.RunID, nodeID)
	if err != nil {
		return err
	}
	if latest == nil {
		return &domain.ValidationError{Problems: []string{
			fmt.Sprintf("node %q has no attempt to skip", nodeID),
		}}
	}
	latest.Status = domain.NodeSkipped
	latest.ResultText = "Node skipped by operator after failure"
	if latest.EndTime == nil {
		now := e.clock.Now()
		latest.EndTime = &now
	}
	if err := e.execs.UpdateExecution(ctx, latest); err != nil {
		return err
	}
	return e.UpdateRunStatus(ctx, rb, run)
}

// AbortRun transitions the run to ABORTED. Aborted runs stay resumable.
func (e *Engine) AbortRun(ctx context.Context, run *domain.RunInfo) error {
	run.Status = domain.RunAborted
	now := e.clock.Now()
	run.EndTime = &now
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.logger.Info("run aborted", "workflow", run.WorkflowName, "run_id", run.RunID)
	return nil
}

// UpdateRunStatus recomputes the run's counts and status from the
// latest attempt per node. Counts are always persisted, even when the
// status does not move. An out-of-band ABORTED transition in the store
// wins over any recomputation.
func (e *Engine) UpdateRunStatus(ctx context.Context, rb *domain.Runbook, run *domain.RunInfo) error {
	stored, err := e.runs.GetRun(ctx, run.WorkflowName, run.RunID)
	if err != nil {
		return err
	}
	if stored != nil && stored.Status == domain.RunAborted {
		run.Status = domain.RunAborted
		run.EndTime = stored.EndTime
	}

	executions, err := e.execs.ListExecutions(ctx, run.WorkflowName, run.RunID)
	if err != nil {
		return err
	}
	latest := domain.LatestPerNode(executions)

	var ok, nok, skipped int
	criticalFailure := false
	for id, ex := range latest {
		switch ex.Status {
		case domain.NodeOK:
			ok++
		case domain.NodeNOK:
			nok++
			if node, exists := rb.Nodes[id]; exists && node.Critical {
				criticalFailure = true
			}
		case domain.NodeSkipped:
			skipped++
		}
	}
	run.NodesOK = ok
	run.NodesNOK = nok
	run.NodesSkipped = skipped

	if run.Status != domain.RunAborted {
		allTerminal := true
		for id := range rb.Nodes {
			ex, exists := latest[id]
			if !exists || !ex.Status.Terminal() {
				allTerminal = false
				break
			}
		}

		switch {
		case criticalFailure:
			run.Status = domain.RunNOK
		case allTerminal && nok > 0:
			run.Status = domain.RunNOK
		case allTerminal:
			run.Status = domain.RunOK
		default:
			run.Status = domain.RunRunning
		}

		if run.Status.Terminal() && run.EndTime == nil {
			now := e.clock.Now()
			run.EndTime = &now
		}
		if run.Status == domain.RunRunning {
			run.EndTime = nil
		}
	}

	return e.runs.UpdateRun(ctx, run)
}
