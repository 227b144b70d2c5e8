// Package persistence stores runs and node execution attempts in an
// embedded SQLite database. A single write connection serializes run-ID
// allocation per workflow.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/playbook-sh/playbook/pkg/domain"
)

// Compile-time interface assertions.
var (
	_ domain.RunRepository           = (*Store)(nil)
	_ domain.NodeExecutionRepository = (*Store)(nil)
)

// Store is the SQLite-backed implementation of both repositories.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and prepares the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "open database", Err: err}
	}

	// SQLite serializes writes; one connection avoids lock churn and
	// makes read-max-then-insert atomic per connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &domain.PersistenceError{Op: "connect to database", Err: err}
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return &domain.PersistenceError{Op: "configure " + pragma, Err: err}
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			workflow_name TEXT NOT NULL,
			run_id INTEGER NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			status TEXT NOT NULL,
			nodes_ok INTEGER NOT NULL DEFAULT 0,
			nodes_nok INTEGER NOT NULL DEFAULT 0,
			nodes_skipped INTEGER NOT NULL DEFAULT 0,
			trigger_type TEXT NOT NULL,
			PRIMARY KEY (workflow_name, run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			workflow_name TEXT NOT NULL,
			run_id INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			status TEXT NOT NULL,
			operator_decision TEXT,
			result_text TEXT NOT NULL DEFAULT '',
			exit_code INTEGER,
			exception TEXT NOT NULL DEFAULT '',
			timed_out INTEGER NOT NULL DEFAULT 0,
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER,
			PRIMARY KEY (workflow_name, run_id, node_id, attempt)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_run
			ON executions (workflow_name, run_id)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return &domain.PersistenceError{Op: "migrate schema", Err: err}
		}
	}
	return nil
}

const timeLayout = time.RFC3339Nano

// CreateRun assigns the next run ID for the workflow (max existing + 1)
// and inserts the record. The read and the insert share a transaction,
// so concurrent starts on the same workflow cannot collide.
func (s *Store) CreateRun(ctx context.Context, run *domain.RunInfo) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(run_id), 0) + 1 FROM runs WHERE workflow_name = ?`,
		run.WorkflowName,
	).Scan(&next)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "allocate run id", Err: err}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (workflow_name, run_id, start_time, end_time, status,
			nodes_ok, nodes_nok, nodes_skipped, trigger_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.WorkflowName, next, run.StartTime.UTC().Format(timeLayout),
		formatNullableTime(run.EndTime), string(run.Status),
		run.NodesOK, run.NodesNOK, run.NodesSkipped, string(run.Trigger),
	)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "insert run", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &domain.PersistenceError{Op: "commit run", Err: err}
	}
	return next, nil
}

func (s *Store) UpdateRun(ctx context.Context, run *domain.RunInfo) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET end_time = ?, status = ?, nodes_ok = ?, nodes_nok = ?,
			nodes_skipped = ?, trigger_type = ?
		 WHERE workflow_name = ? AND run_id = ?`,
		formatNullableTime(run.EndTime), string(run.Status),
		run.NodesOK, run.NodesNOK, run.NodesSkipped, string(run.Trigger),
		run.WorkflowName, run.RunID,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "update run", Err: err}
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, workflowName string, runID int64) (*domain.RunInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_name, run_id, start_time, end_time, status,
			nodes_ok, nodes_nok, nodes_skipped, trigger_type
		 FROM runs WHERE workflow_name = ? AND run_id = ?`,
		workflowName, runID,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.PersistenceError{Op: "get run", Err: err}
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, workflowName string) ([]*domain.RunInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_name, run_id, start_time, end_time, status,
			nodes_ok, nodes_nok, nodes_skipped, trigger_type
		 FROM runs WHERE workflow_name = ? ORDER BY run_id`,
		workflowName,
	)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list runs", Err: err}
	}
	defer rows.Close()

	var runs []*domain.RunInfo
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "scan run", Err: err}
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "list runs", Err: err}
	}
	return runs, nil
}

func (s *Store) CreateExecution(ctx context.Context, ex *domain.NodeExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (workflow_name, run_id, node_id, attempt,
			start_time, end_time, status, operator_decision, result_text,
			exit_code, exception, timed_out, stdout, stderr, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.WorkflowName, ex.RunID, ex.NodeID, ex.Attempt,
		ex.StartTime.UTC().Format(timeLayout), formatNullableTime(ex.EndTime),
		string(ex.Status), nullableString(ex.OperatorDecision), ex.ResultText,
		nullableInt(ex.ExitCode), ex.Exception, ex.TimedOut, ex.Stdout, ex.Stderr,
		nullableInt64(ex.DurationMS),
	)
	if err != nil {
		return &domain.PersistenceError{Op: "insert execution", Err: err}
	}
	return nil
}

func (s *Store) UpdateExecution(ctx context.Context, ex *domain.NodeExecution) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET end_time = ?, status = ?, operator_decision = ?,
			result_text = ?, exit_code = ?, exception = ?, timed_out = ?,
			stdout = ?, stderr = ?, duration_ms = ?
		 WHERE workflow_name = ? AND run_id = ? AND node_id = ? AND attempt = ?`,
		formatNullableTime(ex.EndTime), string(ex.Status),
		nullableString(ex.OperatorDecision), ex.ResultText,
		nullableInt(ex.ExitCode), ex.Exception, ex.TimedOut, ex.Stdout,
		ex.Stderr, nullableInt64(ex.DurationMS),
		ex.WorkflowName, ex.RunID, ex.NodeID, ex.Attempt,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "update execution", Err: err}
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, workflowName string, runID int64) ([]*domain.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_name, run_id, node_id, attempt, start_time, end_time,
			status, operator_decision, result_text, exit_code, exception,
			timed_out, stdout, stderr, duration_ms
		 FROM executions WHERE workflow_name = ? AND run_id = ?
		 ORDER BY node_id, attempt`,
		workflowName, runID,
	)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list executions", Err: err}
	}
	defer rows.Close()

	var executions []*domain.NodeExecution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "scan execution", Err: err}
		}
		executions = append(executions, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "list executions", Err: err}
	}
	return executions, nil
}

func (s *Store) LatestExecution(ctx context.Context, workflowName string, runID int64, nodeID string) (*domain.NodeExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_name, run_id, node_id, attempt, start_time, end_time,
			status, operator_decision, result_text, exit_code, exception,
			timed_out, stdout, stderr, duration_ms
		 FROM executions
		 WHERE workflow_name = ? AND run_id = ? AND node_id = ?
		 ORDER BY attempt DESC LIMIT 1`,
		workflowName, runID, nodeID,
	)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.PersistenceError{Op: "get latest execution", Err: err}
	}
	return ex, nil
}

// scanning helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.RunInfo, error) {
	var run domain.RunInfo
	var startTime string
	var endTime sql.NullString
	var status, trigger string
	err := row.Scan(&run.WorkflowName, &run.RunID, &startTime, &endTime,
		&status, &run.NodesOK, &run.NodesNOK, &run.NodesSkipped, &trigger)
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	run.Trigger = domain.TriggerType(trigger)
	if run.StartTime, err = time.Parse(timeLayout, startTime); err != nil {
		return nil, fmt.Errorf("malformed start_time %q: %w", startTime, err)
	}
	if run.EndTime, err = parseNullableTime(endTime); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanExecution(row rowScanner) (*domain.NodeExecution, error) {
	var ex domain.NodeExecution
	var startTime string
	var endTime, decision sql.NullString
	var status string
	var exitCode sql.NullInt64
	var duration sql.NullInt64
	err := row.Scan(&ex.WorkflowName, &ex.RunID, &ex.NodeID, &ex.Attempt,
		&startTime, &endTime, &status, &decision, &ex.ResultText,
		&exitCode, &ex.Exception, &ex.TimedOut, &ex.Stdout, &ex.Stderr, &duration)
	if err != nil {
		return nil, err
	}
	ex.Status = domain.NodeStatus(status)
	ex.OperatorDecision = decision.String
	if ex.StartTime, err = time.Parse(timeLayout, startTime); err != nil {
		return nil, fmt.Errorf("malformed start_time %q: %w", startTime, err)
	}
	if ex.EndTime, err = parseNullableTime(endTime); err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		ex.ExitCode = &code
	}
	if duration.Valid {
		ms := duration.Int64
		ex.DurationMS = &ms
	}
	return &ex, nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("malformed end_time %q: %w", s.String, err)
	}
	return &t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullableInt64(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}
