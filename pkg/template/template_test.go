package template

import (
	"errors"
	"strings"
	"testing"

	"github.com/playbook-sh/playbook/pkg/domain"
)

func TestRenderSubstitution(t *testing.T) {
	e := New()
	ctx := map[string]any{
		"name":    "web-01",
		"port":    8080,
		"debug":   true,
		"targets": []any{"a", "b", "c"},
	}

	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"host {{ name }}", "host web-01"},
		{"{{ port + 1 }}", "8081"},
		{"{{ debug }}", "true"},
		{"{{ upper(name) }}", "WEB-01"},
		{"{{ lower(\"ABC\") }}", "abc"},
		{"{{ join(targets, \",\") }}", "a,b,c"},
		{"{{ default(\"\", \"fallback\") }}", "fallback"},
		{"{{ default(name, \"fallback\") }}", "web-01"},
		{"{{ name + \":\" + upper(name) }}", "web-01:WEB-01"},
		{"{{ targets[1] }}", "b"},
		{"{{ port > 80 and debug }}", "true"},
	}
	for _, tt := range tests {
		got, err := e.Render(tt.in, ctx)
		if err != nil {
			t.Errorf("Render(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderUndefinedVariableFails(t *testing.T) {
	e := New()
	_, err := e.Render("{{ missing }}", map[string]any{"present": 1})
	if err == nil {
		t.Fatal("expected error for undefined variable")
	}
	var rerr *domain.TemplateRenderError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected TemplateRenderError, got %T", err)
	}
}

func TestRenderEnvFunction(t *testing.T) {
	e := New()
	t.Setenv("RENDER_TEST_VALUE", "from-env")

	got, err := e.Render("{{ env(\"RENDER_TEST_VALUE\", \"dflt\") }}", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "from-env" {
		t.Errorf("got %q, want from-env", got)
	}

	got, err = e.Render("{{ env(\"RENDER_TEST_UNSET\", \"dflt\") }}", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "dflt" {
		t.Errorf("got %q, want dflt", got)
	}
}

func TestRenderIfStatement(t *testing.T) {
	e := New()
	tmpl := "{% if env_name == \"prod\" %}careful{% elif env_name == \"staging\" %}steady{% else %}loose{% endif %}"

	tests := []struct {
		env  string
		want string
	}{
		{"prod", "careful"},
		{"staging", "steady"},
		{"dev", "loose"},
	}
	for _, tt := range tests {
		got, err := e.Render(tmpl, map[string]any{"env_name": tt.env})
		if err != nil {
			t.Fatalf("env_name=%q: %v", tt.env, err)
		}
		if got != tt.want {
			t.Errorf("env_name=%q: got %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestRenderForStatement(t *testing.T) {
	e := New()
	got, err := e.Render("{% for h in hosts %}[{{ h }}]{% endfor %}", map[string]any{
		"hosts": []any{"a", "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "[a][b]" {
		t.Errorf("got %q, want [a][b]", got)
	}
}

func TestRenderForDoesNotLeakLoopVariable(t *testing.T) {
	e := New()
	ctx := map[string]any{"hosts": []any{"a"}}
	if _, err := e.Render("{% for h in hosts %}{{ h }}{% endfor %}", ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := ctx["h"]; ok {
		t.Error("loop variable leaked into caller context")
	}
}

func TestRenderValueDescends(t *testing.T) {
	e := New()
	out, err := e.RenderValue(map[string]any{
		"cmd":   "deploy {{ name }}",
		"count": 3,
		"list":  []any{"{{ name }}", 42},
	}, map[string]any{"name": "api"})
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if m["cmd"] != "deploy api" {
		t.Errorf("cmd = %q", m["cmd"])
	}
	if m["count"] != 3 {
		t.Errorf("non-string leaf changed: %v", m["count"])
	}
	l := m["list"].([]any)
	if l[0] != "api" || l[1] != 42 {
		t.Errorf("list = %v", l)
	}
}

func TestEvalKeepsTypes(t *testing.T) {
	e := New()
	ctx := map[string]any{"n": 3, "ok": true}

	v, err := e.Eval("{{ ok }}", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b, isBool := v.(bool); !isBool || !b {
		t.Errorf("Eval bool expression: got %T %v", v, v)
	}

	v, err = e.Eval("{{ n > 2 }}", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b, isBool := v.(bool); !isBool || !b {
		t.Errorf("Eval comparison: got %T %v", v, v)
	}

	v, err = e.Eval("result: {{ n }}", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != "result: 3" {
		t.Errorf("mixed template should render to string, got %v", v)
	}
}

func TestValidate(t *testing.T) {
	e := New()
	valid := []string{
		"no templates here",
		"{{ anything }}",
		"{{ a + b * 2 }}",
		"{% if x %}y{% endif %}",
		"{% for i in items %}{{ i }}{% endfor %}",
	}
	for _, s := range valid {
		if err := e.Validate(s); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", s, err)
		}
	}

	invalid := []string{
		"{{ unclosed",
		"{{ a ++ }}",
		"{% if x %}no endif",
		"{% endfor %}",
		"{% frobnicate %}",
	}
	for _, s := range invalid {
		if err := e.Validate(s); err == nil {
			t.Errorf("Validate(%q) = nil, want error", s)
		}
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{true, true},
		{false, false},
		{"true", true},
		{"yes", true},
		{"ON", true},
		{"1", true},
		{"false", false},
		{"no", false},
		{"off", false},
		{"0", false},
		{"", false},
		{"anything else", true},
		{0, false},
		{2, true},
		{0.0, false},
		{1.5, true},
		{nil, false},
		{[]any{}, false},
		{[]any{1}, true},
	}
	for _, tt := range tests {
		if got := Truthy(tt.in); got != tt.want {
			t.Errorf("Truthy(%#v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRenderErrorMentionsExpression(t *testing.T) {
	e := New()
	_, err := e.Render("{{ nope }}", map[string]any{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("error should name the expression: %v", err)
	}
}
