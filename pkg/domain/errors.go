package domain

import (
	"fmt"
	"strings"
)

// ConfigurationError signals a malformed or missing variable/config
// file, or impossible values for configuration.
type ConfigurationError struct {
	Message    string
	Suggestion string
}

func (e *ConfigurationError) Error() string { return e.Message }

// ParseError signals problems in the runbook document itself: TOML
// syntax, missing metadata, unknown node type or node field.
type ParseError struct {
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError aggregates structural problems found in a runbook:
// dangling dependencies, cycles, invalid when syntax, contradictory
// node flags.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "runbook validation failed: " + strings.Join(e.Problems, "; ")
}

// VariableValidationError reports every offending variable at once.
type VariableValidationError struct {
	Problems []string
}

func (e *VariableValidationError) Error() string {
	return "variable validation failed: " + strings.Join(e.Problems, "; ")
}

// TemplateRenderError signals a substitution failure: unknown variable
// or a syntax error in an expression.
type TemplateRenderError struct {
	Template string
	Err      error
}

func (e *TemplateRenderError) Error() string {
	return fmt.Sprintf("template rendering failed: %v", e.Err)
}

func (e *TemplateRenderError) Unwrap() error { return e.Err }

// NodeExecutionError marks an attempt that produced NOK. Command nodes
// carry the exit code and stderr; Function nodes carry plugin and
// function names; Timeout distinguishes a timed-out command.
type NodeExecutionError struct {
	NodeID   string
	NodeType NodeType
	ExitCode int
	Stderr   string
	Plugin   string
	Function string
	Timeout  bool
	Err      error
}

func (e *NodeExecutionError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("node %q timed out", e.NodeID)
	case e.NodeType == NodeCommand:
		return fmt.Sprintf("node %q failed with exit code %d", e.NodeID, e.ExitCode)
	case e.NodeType == NodeFunction:
		return fmt.Sprintf("node %q failed executing %s.%s", e.NodeID, e.Plugin, e.Function)
	default:
		return fmt.Sprintf("node %q failed", e.NodeID)
	}
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// PersistenceError wraps an underlying store failure. The engine treats
// these as fatal and propagates them.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
