// Package template implements the restricted rendering language used in
// runbook documents: {{ expression }} substitution and a small set of
// {% %} control statements. Expressions are compiled with expr-lang
// against a closed environment, so referencing an undeclared variable is
// a compile error and nothing outside the provided context is reachable.
package template

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/playbook-sh/playbook/pkg/domain"
)

// Engine renders template text against a variable context.
type Engine struct{}

func New() *Engine { return &Engine{} }

// Render substitutes every {{ }} and {% %} construct in text using the
// given context. Returns a TemplateRenderError on unknown variables or
// malformed expressions.
func (e *Engine) Render(text string, ctx map[string]any) (string, error) {
	if !strings.Contains(text, "{{") && !strings.Contains(text, "{%") {
		return text, nil
	}
	tokens, err := lex(text)
	if err != nil {
		return "", &domain.TemplateRenderError{Template: text, Err: err}
	}
	nodes, rest, err := parseNodes(tokens, nil)
	if err != nil {
		return "", &domain.TemplateRenderError{Template: text, Err: err}
	}
	if len(rest) != 0 {
		return "", &domain.TemplateRenderError{Template: text, Err: fmt.Errorf("unexpected %q", rest[0].content)}
	}
	env := buildEnv(ctx)
	var b strings.Builder
	if err := renderNodes(&b, nodes, env); err != nil {
		return "", &domain.TemplateRenderError{Template: text, Err: err}
	}
	return b.String(), nil
}

// RenderValue descends into maps and lists, rendering every string leaf.
// Non-string leaves pass through unchanged.
func (e *Engine) RenderValue(value any, ctx map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return e.Render(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			rendered, err := e.RenderValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := e.RenderValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// Eval evaluates template text and returns the raw result where
// possible: a text that is exactly one {{ }} block yields the
// expression's value with its type intact, anything else renders to a
// string. Condition evaluation uses this so booleans and numbers keep
// their natural truthiness.
func (e *Engine) Eval(text string, ctx map[string]any) (any, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSuffix(strings.TrimPrefix(trimmed, "{{"), "}}")
		if !strings.Contains(inner, "{{") {
			v, err := evalExpr(inner, buildEnv(ctx))
			if err != nil {
				return nil, &domain.TemplateRenderError{Template: text, Err: err}
			}
			return v, nil
		}
	}
	return e.Render(text, ctx)
}

// Validate checks that text parses and that every expression compiles.
// Variable references are not checked; the caller may not know the
// execution-time context yet.
func (e *Engine) Validate(text string) error {
	tokens, err := lex(text)
	if err != nil {
		return &domain.TemplateRenderError{Template: text, Err: err}
	}
	nodes, rest, err := parseNodes(tokens, nil)
	if err != nil {
		return &domain.TemplateRenderError{Template: text, Err: err}
	}
	if len(rest) != 0 {
		return &domain.TemplateRenderError{Template: text, Err: fmt.Errorf("unexpected %q", rest[0].content)}
	}
	if err := validateNodes(nodes); err != nil {
		return &domain.TemplateRenderError{Template: text, Err: err}
	}
	return nil
}

// lexer

type tokenKind int

const (
	tokText tokenKind = iota
	tokExpr           // {{ ... }}
	tokStmt           // {% ... %}
)

type token struct {
	kind    tokenKind
	content string
}

func lex(text string) ([]token, error) {
	var tokens []token
	for len(text) > 0 {
		iExpr := strings.Index(text, "{{")
		iStmt := strings.Index(text, "{%")
		i, open, close := -1, "", ""
		switch {
		case iExpr >= 0 && (iStmt < 0 || iExpr < iStmt):
			i, open, close = iExpr, "{{", "}}"
		case iStmt >= 0:
			i, open, close = iStmt, "{%", "%}"
		}
		if i < 0 {
			tokens = append(tokens, token{tokText, text})
			break
		}
		if i > 0 {
			tokens = append(tokens, token{tokText, text[:i]})
		}
		rest := text[i+len(open):]
		end := strings.Index(rest, close)
		if end < 0 {
			return nil, fmt.Errorf("unclosed %q", open)
		}
		content := strings.TrimSpace(rest[:end])
		if open == "{{" {
			tokens = append(tokens, token{tokExpr, content})
		} else {
			tokens = append(tokens, token{tokStmt, content})
		}
		text = rest[end+len(close):]
	}
	return tokens, nil
}

// parser

type node interface{}

type textNode struct{ text string }

type exprNode struct{ expr string }

type ifBranch struct {
	cond string // empty for else
	body []node
}

type ifNode struct{ branches []ifBranch }

type forNode struct {
	varName string
	iter    string
	body    []node
}

// parseNodes consumes tokens until one of the stop statements appears,
// returning the nodes built so far and the remaining tokens starting at
// the stop token.
func parseNodes(tokens []token, stop []string) ([]node, []token, error) {
	var nodes []node
	for len(tokens) > 0 {
		t := tokens[0]
		switch t.kind {
		case tokText:
			nodes = append(nodes, textNode{t.content})
			tokens = tokens[1:]
		case tokExpr:
			nodes = append(nodes, exprNode{t.content})
			tokens = tokens[1:]
		case tokStmt:
			keyword, _, _ := strings.Cut(t.content, " ")
			for _, s := range stop {
				if keyword == s {
					return nodes, tokens, nil
				}
			}
			switch keyword {
			case "if":
				n, rest, err := parseIf(tokens)
				if err != nil {
					return nil, nil, err
				}
				nodes = append(nodes, n)
				tokens = rest
			case "for":
				n, rest, err := parseFor(tokens)
				if err != nil {
					return nil, nil, err
				}
				nodes = append(nodes, n)
				tokens = rest
			default:
				return nil, nil, fmt.Errorf("unknown statement %q", t.content)
			}
		}
	}
	return nodes, tokens, nil
}

func parseIf(tokens []token) (node, []token, error) {
	n := &ifNode{}
	cond := strings.TrimSpace(strings.TrimPrefix(tokens[0].content, "if"))
	tokens = tokens[1:]
	for {
		body, rest, err := parseNodes(tokens, []string{"elif", "else", "endif"})
		if err != nil {
			return nil, nil, err
		}
		if len(rest) == 0 {
			return nil, nil, fmt.Errorf("missing endif")
		}
		n.branches = append(n.branches, ifBranch{cond: cond, body: body})
		stmt := rest[0].content
		tokens = rest[1:]
		keyword, arg, _ := strings.Cut(stmt, " ")
		switch keyword {
		case "elif":
			cond = strings.TrimSpace(arg)
		case "else":
			body, rest, err := parseNodes(tokens, []string{"endif"})
			if err != nil {
				return nil, nil, err
			}
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("missing endif")
			}
			n.branches = append(n.branches, ifBranch{cond: "", body: body})
			return n, rest[1:], nil
		case "endif":
			return n, tokens, nil
		}
	}
}

func parseFor(tokens []token) (node, []token, error) {
	header := strings.TrimSpace(strings.TrimPrefix(tokens[0].content, "for"))
	varName, iter, ok := strings.Cut(header, " in ")
	if !ok {
		return nil, nil, fmt.Errorf("malformed for statement %q", tokens[0].content)
	}
	body, rest, err := parseNodes(tokens[1:], []string{"endfor"})
	if err != nil {
		return nil, nil, err
	}
	if len(rest) == 0 {
		return nil, nil, fmt.Errorf("missing endfor")
	}
	return &forNode{
		varName: strings.TrimSpace(varName),
		iter:    strings.TrimSpace(iter),
		body:    body,
	}, rest[1:], nil
}

func validateNodes(nodes []node) error {
	for _, n := range nodes {
		switch n := n.(type) {
		case exprNode:
			if _, err := expr.Compile(n.expr, expr.AllowUndefinedVariables()); err != nil {
				return fmt.Errorf("invalid expression %q: %w", n.expr, err)
			}
		case *ifNode:
			for _, br := range n.branches {
				if br.cond != "" {
					if _, err := expr.Compile(br.cond, expr.AllowUndefinedVariables()); err != nil {
						return fmt.Errorf("invalid expression %q: %w", br.cond, err)
					}
				}
				if err := validateNodes(br.body); err != nil {
					return err
				}
			}
		case *forNode:
			if _, err := expr.Compile(n.iter, expr.AllowUndefinedVariables()); err != nil {
				return fmt.Errorf("invalid expression %q: %w", n.iter, err)
			}
			if err := validateNodes(n.body); err != nil {
				return err
			}
		}
	}
	return nil
}

// renderer

func renderNodes(b *strings.Builder, nodes []node, env map[string]any) error {
	for _, n := range nodes {
		switch n := n.(type) {
		case textNode:
			b.WriteString(n.text)
		case exprNode:
			v, err := evalExpr(n.expr, env)
			if err != nil {
				return err
			}
			b.WriteString(formatValue(v))
		case *ifNode:
			if err := renderIf(b, n, env); err != nil {
				return err
			}
		case *forNode:
			if err := renderFor(b, n, env); err != nil {
				return err
			}
		}
	}
	return nil
}

func renderIf(b *strings.Builder, n *ifNode, env map[string]any) error {
	for _, br := range n.branches {
		take := br.cond == ""
		if !take {
			v, err := evalExpr(br.cond, env)
			if err != nil {
				return err
			}
			take = Truthy(v)
		}
		if take {
			return renderNodes(b, br.body, env)
		}
	}
	return nil
}

func renderFor(b *strings.Builder, n *forNode, env map[string]any) error {
	v, err := evalExpr(n.iter, env)
	if err != nil {
		return err
	}
	items, ok := v.([]any)
	if !ok {
		return fmt.Errorf("for loop over non-list value %T", v)
	}
	// The loop variable shadows any outer binding for the body only.
	saved, had := env[n.varName]
	defer func() {
		if had {
			env[n.varName] = saved
		} else {
			delete(env, n.varName)
		}
	}()
	for _, item := range items {
		env[n.varName] = item
		if err := renderNodes(b, n.body, env); err != nil {
			return err
		}
	}
	return nil
}

// evalExpr compiles against the concrete env map, so an identifier not
// present in the context fails at compile time. That is the
// strict-undefined guarantee.
func evalExpr(src string, env map[string]any) (any, error) {
	program, err := expr.Compile(src, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", src, err)
	}
	return out, nil
}

// buildEnv copies the context and adds the fixed filter functions. The
// copy keeps for-loop variable shadowing from leaking into the caller's
// map.
func buildEnv(ctx map[string]any) map[string]any {
	env := make(map[string]any, len(ctx)+5)
	for k, v := range ctx {
		env[k] = v
	}
	env["upper"] = strings.ToUpper
	env["lower"] = strings.ToLower
	env["join"] = func(items []any, sep string) string {
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = formatValue(it)
		}
		return strings.Join(parts, sep)
	}
	env["default"] = func(v, fallback any) any {
		if v == nil || v == "" {
			return fallback
		}
		return v
	}
	env["env"] = func(name, fallback string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return fallback
	}
	return env
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Truthy applies the engine's boolean coercion: strings use the shared
// spellings with empty false and unknown non-empty true; numbers are
// true when non-zero.
func Truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		if b, err := domain.ParseBool(v); err == nil {
			return b
		}
		return strings.TrimSpace(v) != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
