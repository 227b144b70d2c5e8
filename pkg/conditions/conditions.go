// Package conditions implements the two condition features of a
// runbook: the depends_on sugar rewritten at parse time, and the
// execution-time evaluation of when expressions over prior attempts.
package conditions

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/playbook-sh/playbook/pkg/domain"
	"github.com/playbook-sh/playbook/pkg/template"
)

// DefaultWhen is the condition assigned to nodes that declare none.
const DefaultWhen = "true"

// ResolveDependsOn normalizes a raw depends_on value into plain node
// IDs plus the when clauses produced by :success/:failure suffixes.
//
//	absent        -> previous declared node (empty for the first)
//	"^"           -> previous declared node
//	"*"           -> all previously declared nodes
//	"id"          -> [id]
//	list          -> element-wise, expanding "^" and "*" in place
//	"id:success"  -> id, clause has_succeeded("id")
//	"id:failure"  -> id, clause has_failed("id")
//
// Clauses are bare expression bodies; FoldWhen wraps the conjunction in
// a single template block so it evaluates as one boolean expression.
func ResolveDependsOn(raw any, present bool, previous []string) (deps []string, clauses []string, err error) {
	var entries []string
	if !present {
		if len(previous) > 0 {
			entries = []string{previous[len(previous)-1]}
		}
	} else {
		switch v := raw.(type) {
		case string:
			entries = []string{v}
		case []any:
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, nil, fmt.Errorf("depends_on entries must be strings, got %T", item)
				}
				entries = append(entries, s)
			}
		case []string:
			entries = v
		default:
			return nil, nil, fmt.Errorf("depends_on must be a string or a list of strings, got %T", raw)
		}
	}

	for _, entry := range entries {
		switch entry {
		case "^":
			if len(previous) > 0 {
				deps = append(deps, previous[len(previous)-1])
			}
		case "*":
			deps = append(deps, previous...)
		default:
			id, clause, err := splitConditional(entry)
			if err != nil {
				return nil, nil, err
			}
			deps = append(deps, id)
			if clause != "" {
				clauses = append(clauses, clause)
			}
		}
	}
	return deps, clauses, nil
}

func splitConditional(entry string) (id, clause string, err error) {
	id, suffix, found := strings.Cut(entry, ":")
	if !found {
		return entry, "", nil
	}
	switch suffix {
	case "success":
		return id, fmt.Sprintf("has_succeeded(%q)", id), nil
	case "failure":
		return id, fmt.Sprintf("has_failed(%q)", id), nil
	}
	return "", "", fmt.Errorf("unknown dependency condition %q in %q (use :success or :failure)", suffix, entry)
}

// FoldWhen combines suffix clauses with an explicit when expression
// into one `{{ ... }}` block, so the conjunction evaluates as a single
// boolean expression rather than as concatenated renderings. An
// explicit single-expression condition is ANDed on top; a constant
// condition folds to its truth value at parse time.
func FoldWhen(explicit string, clauses []string) (string, error) {
	if len(clauses) == 0 {
		if explicit == "" {
			return DefaultWhen, nil
		}
		return explicit, nil
	}

	parts := make([]string, len(clauses))
	copy(parts, clauses)

	if e := strings.TrimSpace(explicit); e != "" && e != DefaultWhen {
		body, ok := expressionBody(e)
		switch {
		case ok:
			parts = append(parts, "("+body+")")
		case strings.Contains(e, "{{") || strings.Contains(e, "{%"):
			return "", fmt.Errorf("when %q cannot be combined with conditional dependencies: use a single {{ ... }} expression", explicit)
		case !template.Truthy(e):
			// A constant false when vetoes the node outright.
			return "false", nil
		}
		// A constant truthy when adds nothing to the conjunction.
	}

	return "{{ " + strings.Join(parts, " and ") + " }}", nil
}

// expressionBody unwraps a template that is exactly one expression
// block, returning its inner source.
func expressionBody(s string) (string, bool) {
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	inner := s[2 : len(s)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") || strings.Contains(inner, "{%") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// previousNodeRecord is the shape returned by previous_node(id) inside
// when expressions.
func previousNodeRecord(ex *domain.NodeExecution) map[string]any {
	if ex == nil {
		return map[string]any{
			"exists":      false,
			"status":      "",
			"exit_code":   nil,
			"output":      "",
			"stdout":      "",
			"stderr":      "",
			"result_text": "",
		}
	}
	var exitCode any
	if ex.ExitCode != nil {
		exitCode = *ex.ExitCode
	}
	output := ex.Stdout
	if output == "" {
		output = ex.ResultText
	}
	return map[string]any{
		"exists":      true,
		"status":      string(ex.Status),
		"exit_code":   exitCode,
		"output":      output,
		"stdout":      ex.Stdout,
		"stderr":      ex.Stderr,
		"result_text": ex.ResultText,
	}
}

// BuildContext assembles the evaluation environment for when
// expressions: every workflow variable by name plus the execution
// inspection functions, all reading the latest attempt per node.
func BuildContext(vars map[string]any, latest map[string]*domain.NodeExecution) map[string]any {
	ctx := make(map[string]any, len(vars)+5)
	for k, v := range vars {
		ctx[k] = v
	}
	ctx["previous_node"] = func(id string) map[string]any {
		return previousNodeRecord(latest[id])
	}
	ctx["has_succeeded"] = func(id string) bool {
		ex := latest[id]
		return ex != nil && ex.Status == domain.NodeOK
	}
	ctx["has_failed"] = func(id string) bool {
		ex := latest[id]
		return ex != nil && ex.Status == domain.NodeNOK
	}
	ctx["has_run"] = func(id string) bool {
		return latest[id] != nil
	}
	ctx["is_skipped"] = func(id string) bool {
		ex := latest[id]
		return ex != nil && ex.Status == domain.NodeSkipped
	}
	return ctx
}

// Evaluator decides whether a node's when condition holds.
type Evaluator struct {
	templates *template.Engine
	logger    *slog.Logger
}

func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{templates: template.New(), logger: logger}
}

// Evaluate renders the when expression against ctx and coerces the
// result to a boolean. Evaluation failures log and return true: a
// broken expression must never silently skip work.
func (ev *Evaluator) Evaluate(when string, ctx map[string]any) bool {
	if when == "" || when == DefaultWhen {
		return true
	}
	v, err := ev.templates.Eval(when, ctx)
	if err != nil {
		ev.logger.Warn("condition evaluation failed, executing node",
			"condition", when, "error", err)
		return true
	}
	return template.Truthy(v)
}
