// Package domain defines the core entities of the runbook engine: the
// runbook document, its nodes, run records and node execution attempts,
// plus the ports the engine talks to.
package domain

import "time"

// NodeType discriminates the three node variants.
type NodeType string

const (
	NodeManual   NodeType = "Manual"
	NodeFunction NodeType = "Function"
	NodeCommand  NodeType = "Command"
)

// NodeStatus is the lifecycle state of a single execution attempt.
// Persisted in its lowercase string form.
type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeRunning NodeStatus = "running"
	NodeOK      NodeStatus = "ok"
	NodeNOK     NodeStatus = "nok"
	NodeSkipped NodeStatus = "skipped"
)

// Terminal reports whether the status is final for an attempt.
func (s NodeStatus) Terminal() bool {
	return s == NodeOK || s == NodeNOK || s == NodeSkipped
}

// RunStatus is the lifecycle state of a whole run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunOK      RunStatus = "ok"
	RunNOK     RunStatus = "nok"
	RunAborted RunStatus = "aborted"
)

// Terminal reports whether the run can no longer change state.
// Aborted runs are not terminal: they can be resumed.
func (s RunStatus) Terminal() bool {
	return s == RunOK || s == RunNOK
}

// TriggerType records how a run was started.
type TriggerType string

const (
	TriggerRun    TriggerType = "run"
	TriggerResume TriggerType = "resume"
)

// Operator decisions recorded on an attempt after a prompt.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// DefaultTimeoutSeconds is the per-node timeout applied when the
// runbook does not specify one. Meaningful for Command nodes.
const DefaultTimeoutSeconds = 300

// Node is a single unit of work in a runbook. It is a tagged variant:
// Type selects which payload fields are meaningful (CommandName and
// Interactive for Command; Plugin, Function, FunctionParams and
// PluginConfig for Function; Manual carries no extra payload).
type Node struct {
	ID           string
	Type         NodeType
	DependsOn    []string
	Critical     bool
	Name         string
	Description  string
	PromptBefore string
	PromptAfter  string
	Skip         bool
	When         string
	Timeout      int // seconds

	// Command payload.
	CommandName string
	Interactive bool

	// Function payload.
	Plugin         string
	Function       string
	FunctionParams map[string]any
	PluginConfig   map[string]any
}

// Runbook is the validated in-memory representation of a workflow
// document. Immutable after construction; NodeOrder preserves the
// declaration order of the node tables.
type Runbook struct {
	Title       string
	Description string
	Version     string
	Author      string
	CreatedAt   time.Time
	Nodes       map[string]*Node
	NodeOrder   []string
}

// NodesInOrder returns the nodes in declaration order.
func (r *Runbook) NodesInOrder() []*Node {
	nodes := make([]*Node, 0, len(r.NodeOrder))
	for _, id := range r.NodeOrder {
		nodes = append(nodes, r.Nodes[id])
	}
	return nodes
}

// VariableDefinition describes one entry of the [variables] table.
type VariableDefinition struct {
	Default     any
	Required    bool
	Type        string // string, int, float, bool, list
	Choices     []any
	Description string
	Min         *float64
	Max         *float64
	Pattern     string
}

// RunInfo is the persisted record of one run of a workflow. Identity is
// (WorkflowName, RunID); RunID is assigned by the run repository and is
// strictly increasing per workflow.
type RunInfo struct {
	WorkflowName string
	RunID        int64
	StartTime    time.Time
	EndTime      *time.Time
	Status       RunStatus
	NodesOK      int
	NodesNOK     int
	NodesSkipped int
	Trigger      TriggerType
}

// NodeExecution is one attempt at executing a node. Identity is
// (WorkflowName, RunID, NodeID, Attempt); Attempt starts at 1 and a
// retry appends a new record with Attempt+1 rather than overwriting.
type NodeExecution struct {
	WorkflowName     string
	RunID            int64
	NodeID           string
	Attempt          int
	StartTime        time.Time
	EndTime          *time.Time
	Status           NodeStatus
	OperatorDecision string // approved, rejected, or empty
	ResultText       string
	ExitCode         *int
	Exception        string
	TimedOut         bool
	Stdout           string
	Stderr           string
	DurationMS       *int64
}

// LatestPerNode reduces a list of attempts to the highest-attempt record
// for each node. This is the reduction used for run-status aggregation
// and condition evaluation.
func LatestPerNode(executions []*NodeExecution) map[string]*NodeExecution {
	latest := make(map[string]*NodeExecution)
	for _, ex := range executions {
		if prev, ok := latest[ex.NodeID]; !ok || ex.Attempt > prev.Attempt {
			latest[ex.NodeID] = ex
		}
	}
	return latest
}
