// Package schema publishes a JSON Schema for the runbook TOML document,
// for editor integration and external validation.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Metadata mirrors the [runbook] table. All fields are mandatory.
type Metadata struct {
	Title       string `json:"title" jsonschema:"description=Workflow name; identifies the workflow's runs in the database"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	CreatedAt   string `json:"created_at" jsonschema:"description=ISO-8601 timestamp or date"`
}

// VariableSpec mirrors one entry of the [variables] table in its long
// form. The shorthand form (a bare scalar) is the variable's default.
type VariableSpec struct {
	Default     any     `json:"default,omitempty"`
	Required    bool    `json:"required,omitempty"`
	Type        string  `json:"type,omitempty" jsonschema:"enum=string,enum=int,enum=float,enum=bool,enum=list"`
	Choices     []any   `json:"choices,omitempty"`
	Description string  `json:"description,omitempty"`
	Min         float64 `json:"min,omitempty"`
	Max         float64 `json:"max,omitempty"`
	Pattern     string  `json:"pattern,omitempty" jsonschema:"description=Regular expression the value must match in full"`
}

// NodeTable mirrors a node table. Which payload fields apply depends on
// type: command_name and interactive for Command; plugin, function,
// function_params and plugin_config for Function.
type NodeTable struct {
	Type           string         `json:"type" jsonschema:"enum=Manual,enum=Command,enum=Function"`
	DependsOn      any            `json:"depends_on,omitempty" jsonschema:"description=Node ID or list of node IDs; supports ^ (previous), * (all previous) and id:success / id:failure"`
	Critical       bool           `json:"critical,omitempty"`
	Name           string         `json:"name,omitempty"`
	Description    string         `json:"description,omitempty"`
	PromptBefore   string         `json:"prompt_before,omitempty"`
	PromptAfter    string         `json:"prompt_after,omitempty"`
	Skip           bool           `json:"skip,omitempty"`
	When           string         `json:"when,omitempty" jsonschema:"description=Condition evaluated at execution time; the node is skipped when it is false"`
	Timeout        int            `json:"timeout,omitempty" jsonschema:"description=Command timeout in seconds"`
	CommandName    string         `json:"command_name,omitempty"`
	Interactive    bool           `json:"interactive,omitempty"`
	Plugin         string         `json:"plugin,omitempty"`
	Function       string         `json:"function,omitempty"`
	FunctionParams map[string]any `json:"function_params,omitempty"`
	PluginConfig   map[string]any `json:"plugin_config,omitempty"`
}

// Document mirrors the top level of a runbook file. Every table other
// than [runbook] and [variables] defines a node; that is expressed via
// additionalProperties in the generated schema.
type Document struct {
	Runbook   Metadata                `json:"runbook"`
	Variables map[string]VariableSpec `json:"variables,omitempty"`
}

// Generate produces a JSON Schema Draft 2020-12 document for runbook
// files using invopop/jsonschema.
func Generate() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = true

	s := r.Reflect(&Document{})
	s.ID = "https://github.com/playbook-sh/playbook/schemas/runbook-v1.json"
	s.Title = "Playbook Runbook v1"
	s.Description = "Schema for playbook runbook TOML documents (Draft 2020-12)"

	node := r.Reflect(&NodeTable{})
	node.Version = ""
	s.AdditionalProperties = node

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}
