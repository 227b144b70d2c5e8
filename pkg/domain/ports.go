package domain

import (
	"context"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// ProcessRunner executes shell commands for Command nodes. The runner
// must enforce the timeout, terminating the whole process group on
// expiry and returning a non-zero exit code.
type ProcessRunner interface {
	Run(ctx context.Context, command string, timeout time.Duration, interactive bool) (exitCode int, stdout, stderr string, err error)
}

// IOHandler is the port through which the engine talks to an operator.
// Implementations live outside the core (terminal, test fakes, ...).
type IOHandler interface {
	// Prompt asks a yes/no question and returns the operator's decision.
	Prompt(nodeID, nodeName, prompt string) (bool, error)
	// Description presents a node's descriptive text.
	Description(nodeID, nodeName, text string)
	// CommandOutput presents captured stdout/stderr of a Command node.
	CommandOutput(nodeID, nodeName, description, stdout, stderr string)
	// FunctionOutput presents the result of a Function node.
	FunctionOutput(nodeID, nodeName, description, result string)
}

// RunRepository persists run records. CreateRun assigns the next run ID
// for the workflow (max existing + 1) atomically and returns it.
type RunRepository interface {
	CreateRun(ctx context.Context, run *RunInfo) (int64, error)
	UpdateRun(ctx context.Context, run *RunInfo) error
	GetRun(ctx context.Context, workflowName string, runID int64) (*RunInfo, error)
	ListRuns(ctx context.Context, workflowName string) ([]*RunInfo, error)
}

// NodeExecutionRepository persists node execution attempts.
type NodeExecutionRepository interface {
	CreateExecution(ctx context.Context, ex *NodeExecution) error
	UpdateExecution(ctx context.Context, ex *NodeExecution) error
	// ListExecutions returns all attempts for a run ordered by
	// (node_id, attempt).
	ListExecutions(ctx context.Context, workflowName string, runID int64) ([]*NodeExecution, error)
	// LatestExecution returns the highest-attempt record for a node, or
	// nil when the node has no attempts in this run.
	LatestExecution(ctx context.Context, workflowName string, runID int64, nodeID string) (*NodeExecution, error)
}

// Visualizer renders a runbook's dependency graph.
type Visualizer interface {
	ExportDOT(rb *Runbook) (string, error)
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
