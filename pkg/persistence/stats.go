package persistence

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/playbook-sh/playbook/pkg/domain"
)

// DatabaseInfo describes the database file itself.
type DatabaseInfo struct {
	Path   string
	Exists bool
	SizeKB float64
}

// WorkflowStats aggregates runs of one workflow.
type WorkflowStats struct {
	WorkflowName string
	TotalRuns    int
	StatusCounts map[string]int
	LatestRun    string
	LatestStatus string
}

// NodeStats aggregates all execution attempts of one node across runs.
type NodeStats struct {
	WorkflowName string
	NodeID       string
	StatusCounts map[string]int
}

// Attempts returns the total number of recorded attempts.
func (n NodeStats) Attempts() int {
	total := 0
	for _, c := range n.StatusCounts {
		total += c
	}
	return total
}

// FailureRate is the share of NOK attempts over all terminal attempts.
func (n NodeStats) FailureRate() float64 {
	terminal := n.StatusCounts["ok"] + n.StatusCounts["nok"] + n.StatusCounts["skipped"]
	if terminal == 0 {
		return 0
	}
	return float64(n.StatusCounts["nok"]) / float64(terminal)
}

// DatabaseInfo reports the file behind the store.
func DatabaseFileInfo(path string) DatabaseInfo {
	info := DatabaseInfo{Path: path}
	st, err := os.Stat(path)
	if err != nil {
		return info
	}
	info.Exists = true
	info.SizeKB = float64(st.Size()) / 1024
	return info
}

// WorkflowStatistics summarizes every workflow in the store: run count,
// per-status counts, and the most recent run.
func (s *Store) WorkflowStatistics(ctx context.Context) ([]WorkflowStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_name, status, COUNT(*) FROM runs
		 GROUP BY workflow_name, status`)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "workflow statistics", Err: err}
	}
	defer rows.Close()

	byName := map[string]*WorkflowStats{}
	for rows.Next() {
		var name, status string
		var count int
		if err := rows.Scan(&name, &status, &count); err != nil {
			return nil, &domain.PersistenceError{Op: "scan workflow statistics", Err: err}
		}
		ws, ok := byName[name]
		if !ok {
			ws = &WorkflowStats{WorkflowName: name, StatusCounts: map[string]int{}}
			byName[name] = ws
		}
		ws.StatusCounts[status] = count
		ws.TotalRuns += count
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "workflow statistics", Err: err}
	}

	for name, ws := range byName {
		row := s.db.QueryRowContext(ctx,
			`SELECT start_time, status FROM runs
			 WHERE workflow_name = ? ORDER BY run_id DESC LIMIT 1`, name)
		if err := row.Scan(&ws.LatestRun, &ws.LatestStatus); err != nil {
			return nil, &domain.PersistenceError{Op: "latest run", Err: err}
		}
	}

	stats := make([]WorkflowStats, 0, len(byName))
	for _, ws := range byName {
		stats = append(stats, *ws)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].WorkflowName < stats[j].WorkflowName })
	return stats, nil
}

// NodeStatistics summarizes execution attempts per node across all
// runs of all workflows.
func (s *Store) NodeStatistics(ctx context.Context) ([]NodeStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_name, node_id, status, COUNT(*) FROM executions
		 GROUP BY workflow_name, node_id, status`)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "node statistics", Err: err}
	}
	defer rows.Close()

	type key struct{ workflow, node string }
	byKey := map[key]*NodeStats{}
	for rows.Next() {
		var workflow, node, status string
		var count int
		if err := rows.Scan(&workflow, &node, &status, &count); err != nil {
			return nil, &domain.PersistenceError{Op: "scan node statistics", Err: err}
		}
		k := key{workflow, node}
		ns, ok := byKey[k]
		if !ok {
			ns = &NodeStats{WorkflowName: workflow, NodeID: node, StatusCounts: map[string]int{}}
			byKey[k] = ns
		}
		ns.StatusCounts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "node statistics", Err: err}
	}

	stats := make([]NodeStats, 0, len(byKey))
	for _, ns := range byKey {
		stats = append(stats, *ns)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].WorkflowName != stats[j].WorkflowName {
			return stats[i].WorkflowName < stats[j].WorkflowName
		}
		return stats[i].NodeID < stats[j].NodeID
	})
	return stats, nil
}

// SetRunStatus force-transitions a run out-of-band, e.g. marking a
// crashed run ABORTED so it can be resumed. The engine picks the new
// status up on its next aggregation.
func (s *Store) SetRunStatus(ctx context.Context, workflowName string, runID int64, status domain.RunStatus, endTime *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, end_time = COALESCE(?, end_time)
		 WHERE workflow_name = ? AND run_id = ?`,
		string(status), formatNullableTime(endTime), workflowName, runID)
	if err != nil {
		return &domain.PersistenceError{Op: "set run status", Err: err}
	}
	return nil
}
