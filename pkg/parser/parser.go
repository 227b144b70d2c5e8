// Package parser turns a TOML runbook document into a validated
// Runbook. Parsing is two-pass: variables are extracted and resolved
// first, the source is template-rendered with when lines protected,
// then the node tables are constructed in declaration order.
package parser

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/playbook-sh/playbook/pkg/conditions"
	"github.com/playbook-sh/playbook/pkg/domain"
	"github.com/playbook-sh/playbook/pkg/template"
	"github.com/playbook-sh/playbook/pkg/variables"
)

// Parser builds runbooks from TOML sources.
type Parser struct {
	templates *template.Engine
	manager   *variables.Manager
}

func New(manager *variables.Manager) *Parser {
	return &Parser{
		templates: template.New(),
		manager:   manager,
	}
}

// ParseFile reads and parses a runbook document. fileVars and cliVars
// take part in variable resolution per the fixed priority order. The
// resolved variable set is returned alongside the runbook; the engine
// needs it for execution-time condition evaluation.
func (p *Parser) ParseFile(path string, fileVars, cliVars map[string]any) (*domain.Runbook, map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &domain.ConfigurationError{
			Message:    fmt.Sprintf("cannot read runbook file %s: %v", path, err),
			Suggestion: "check the file path",
		}
	}
	return p.Parse(string(content), fileVars, cliVars)
}

// Parse parses a runbook from TOML text.
func (p *Parser) Parse(source string, fileVars, cliVars map[string]any) (*domain.Runbook, map[string]any, error) {
	// Pass 1: variable definitions from the raw source.
	var raw map[string]any
	if _, err := toml.Decode(source, &raw); err != nil {
		return nil, nil, &domain.ParseError{Message: "invalid TOML", Err: err}
	}

	defs := map[string]*domain.VariableDefinition{}
	if varsRaw, ok := raw["variables"]; ok {
		table, ok := varsRaw.(map[string]any)
		if !ok {
			return nil, nil, &domain.ParseError{Message: "[variables] must be a table"}
		}
		var err error
		defs, err = variables.ParseDefinitions(table)
		if err != nil {
			return nil, nil, err
		}
	}

	vars, err := p.manager.Resolve(defs, fileVars, cliVars)
	if err != nil {
		return nil, nil, err
	}

	// Pass 2: render the source with when lines protected, re-parse,
	// build nodes.
	protected, guards := protectWhenLines(source)
	rendered, err := p.templates.Render(protected, vars)
	if err != nil {
		return nil, nil, err
	}
	rendered = restoreWhenLines(rendered, guards)

	var doc map[string]any
	md, err := toml.Decode(rendered, &doc)
	if err != nil {
		return nil, nil, &domain.ParseError{Message: "invalid TOML after variable substitution", Err: err}
	}

	meta, ok := doc["runbook"].(map[string]any)
	if !ok {
		return nil, nil, &domain.ParseError{Message: "missing [runbook] metadata table"}
	}
	rb, err := parseMetadata(meta)
	if err != nil {
		return nil, nil, err
	}

	for _, id := range topLevelTables(md, doc) {
		if id == "runbook" || id == "variables" {
			continue
		}
		table, ok := doc[id].(map[string]any)
		if !ok {
			return nil, nil, &domain.ParseError{Message: fmt.Sprintf("top-level key %q is not a table; every table except [runbook] and [variables] must define a node", id)}
		}
		node, err := buildNode(id, table, rb.NodeOrder)
		if err != nil {
			return nil, nil, err
		}
		rb.Nodes[id] = node
		rb.NodeOrder = append(rb.NodeOrder, id)
	}

	return rb, vars, nil
}

var whenLineRe = regexp.MustCompile(`(?m)^\s*when\s*=.*$`)

// protectWhenLines swaps every when assignment for an opaque guard so
// variable substitution cannot touch it. when expressions render at
// execution time against the execution context, not at parse time.
func protectWhenLines(source string) (string, []string) {
	var guards []string
	protected := whenLineRe.ReplaceAllStringFunc(source, func(line string) string {
		guards = append(guards, line)
		return fmt.Sprintf("__playbook_when_guard_%d__", len(guards)-1)
	})
	return protected, guards
}

func restoreWhenLines(rendered string, guards []string) string {
	for i, line := range guards {
		rendered = strings.Replace(rendered, fmt.Sprintf("__playbook_when_guard_%d__", i), line, 1)
	}
	return rendered
}

func parseMetadata(meta map[string]any) (*domain.Runbook, error) {
	rb := &domain.Runbook{Nodes: map[string]*domain.Node{}}

	var missing []string
	str := func(key string) string {
		v, ok := meta[key]
		if !ok {
			missing = append(missing, key)
			return ""
		}
		s, ok := v.(string)
		if !ok {
			missing = append(missing, key)
			return ""
		}
		return s
	}
	rb.Title = str("title")
	rb.Description = str("description")
	rb.Version = str("version")
	rb.Author = str("author")

	created, ok := meta["created_at"]
	if !ok {
		missing = append(missing, "created_at")
	} else {
		ts, err := parseTimestamp(created)
		if err != nil {
			return nil, &domain.ParseError{Message: "runbook created_at must be an ISO-8601 timestamp", Err: err}
		}
		rb.CreatedAt = ts
	}

	if len(missing) > 0 {
		return nil, &domain.ParseError{Message: "missing runbook metadata: " + strings.Join(missing, ", ")}
	}
	return rb, nil
}

func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", t)
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp type %T", v)
}

// topLevelTables returns the document's top-level keys in declaration
// order.
func topLevelTables(md toml.MetaData, doc map[string]any) []string {
	var order []string
	seen := map[string]bool{}
	for _, key := range md.Keys() {
		name := key[0]
		if seen[name] {
			continue
		}
		if _, ok := doc[name]; ok {
			seen[name] = true
			order = append(order, name)
		}
	}
	return order
}

func buildNode(id string, table map[string]any, previous []string) (*domain.Node, error) {
	node := &domain.Node{
		ID:      id,
		Name:    id,
		Timeout: domain.DefaultTimeoutSeconds,
	}

	typeRaw, ok := table["type"]
	if !ok {
		return nil, &domain.ParseError{Message: fmt.Sprintf("node %q: missing type", id)}
	}
	typeStr, ok := typeRaw.(string)
	if !ok {
		return nil, &domain.ParseError{Message: fmt.Sprintf("node %q: type must be a string", id)}
	}
	switch domain.NodeType(typeStr) {
	case domain.NodeManual, domain.NodeCommand, domain.NodeFunction:
		node.Type = domain.NodeType(typeStr)
	default:
		return nil, &domain.ParseError{Message: fmt.Sprintf("node %q: unknown type %q", id, typeStr)}
	}

	depsRaw, depsPresent := table["depends_on"]
	deps, clauses, err := conditions.ResolveDependsOn(depsRaw, depsPresent, previous)
	if err != nil {
		return nil, &domain.ParseError{Message: fmt.Sprintf("node %q", id), Err: err}
	}
	node.DependsOn = deps

	explicitWhen := ""
	for key, value := range table {
		switch key {
		case "type", "depends_on":
			// handled above
		case "critical":
			if node.Critical, err = boolField(id, key, value); err != nil {
				return nil, err
			}
		case "name":
			if node.Name, err = stringField(id, key, value); err != nil {
				return nil, err
			}
		case "description":
			if node.Description, err = stringField(id, key, value); err != nil {
				return nil, err
			}
		case "prompt_before":
			if node.PromptBefore, err = stringField(id, key, value); err != nil {
				return nil, err
			}
		case "prompt_after":
			if node.PromptAfter, err = stringField(id, key, value); err != nil {
				return nil, err
			}
		case "skip":
			if node.Skip, err = boolField(id, key, value); err != nil {
				return nil, err
			}
		case "when":
			if explicitWhen, err = stringField(id, key, value); err != nil {
				return nil, err
			}
		case "timeout":
			n, ok := value.(int64)
			if !ok {
				return nil, &domain.ParseError{Message: fmt.Sprintf("node %q: timeout must be an integer", id)}
			}
			node.Timeout = int(n)
		case "command_name":
			if node.Type != domain.NodeCommand {
				return nil, unknownField(id, node.Type, key)
			}
			if node.CommandName, err = stringField(id, key, value); err != nil {
				return nil, err
			}
		case "interactive":
			if node.Type != domain.NodeCommand {
				return nil, unknownField(id, node.Type, key)
			}
			if node.Interactive, err = boolField(id, key, value); err != nil {
				return nil, err
			}
		case "plugin":
			if node.Type != domain.NodeFunction {
				return nil, unknownField(id, node.Type, key)
			}
			if node.Plugin, err = stringField(id, key, value); err != nil {
				return nil, err
			}
		case "function":
			if node.Type != domain.NodeFunction {
				return nil, unknownField(id, node.Type, key)
			}
			if node.Function, err = stringField(id, key, value); err != nil {
				return nil, err
			}
		case "function_params":
			if node.Type != domain.NodeFunction {
				return nil, unknownField(id, node.Type, key)
			}
			m, ok := value.(map[string]any)
			if !ok {
				return nil, &domain.ParseError{Message: fmt.Sprintf("node %q: function_params must be a table", id)}
			}
			node.FunctionParams = m
		case "plugin_config":
			if node.Type != domain.NodeFunction {
				return nil, unknownField(id, node.Type, key)
			}
			m, ok := value.(map[string]any)
			if !ok {
				return nil, &domain.ParseError{Message: fmt.Sprintf("node %q: plugin_config must be a table", id)}
			}
			node.PluginConfig = m
		default:
			return nil, unknownField(id, node.Type, key)
		}
	}

	node.When, err = conditions.FoldWhen(explicitWhen, clauses)
	if err != nil {
		return nil, &domain.ParseError{Message: fmt.Sprintf("node %q", id), Err: err}
	}

	if node.Critical && node.Skip {
		return nil, &domain.ValidationError{Problems: []string{
			fmt.Sprintf("node %q cannot be both critical and skipped", id),
		}}
	}
	switch node.Type {
	case domain.NodeCommand:
		if node.CommandName == "" {
			return nil, &domain.ParseError{Message: fmt.Sprintf("node %q: Command nodes require command_name", id)}
		}
	case domain.NodeFunction:
		if node.Plugin == "" || node.Function == "" {
			return nil, &domain.ParseError{Message: fmt.Sprintf("node %q: Function nodes require plugin and function", id)}
		}
	case domain.NodeManual:
		if node.PromptAfter == "" {
			node.PromptAfter = "Continue with the next step?"
		}
	}
	return node, nil
}

func unknownField(id string, typ domain.NodeType, key string) error {
	return &domain.ParseError{Message: fmt.Sprintf("node %q: unknown field %q for type %s", id, key, typ)}
}

func stringField(id, key string, value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", &domain.ParseError{Message: fmt.Sprintf("node %q: %s must be a string", id, key)}
	}
	return s, nil
}

func boolField(id, key string, value any) (bool, error) {
	b, ok := value.(bool)
	if !ok {
		return false, &domain.ParseError{Message: fmt.Sprintf("node %q: %s must be a boolean", id, key)}
	}
	return b, nil
}
