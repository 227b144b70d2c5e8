package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/playbook-sh/playbook/pkg/domain"
)

type echoPlugin struct {
	config      map[string]any
	initialized int
	cleaned     bool
	schema      json.RawMessage
}

func (p *echoPlugin) Metadata() domain.PluginMetadata {
	return domain.PluginMetadata{
		Name:    "echo",
		Version: "1.0.0",
		Functions: map[string]domain.FunctionSignature{
			"say": {
				Name: "say",
				Parameters: map[string]domain.ParameterDef{
					"text": {Type: "str", Required: true},
				},
			},
		},
		ConfigSchema: p.schema,
	}
}

func (p *echoPlugin) Initialize(config map[string]any) error {
	p.config = config
	p.initialized++
	return nil
}

func (p *echoPlugin) Execute(function string, params map[string]any) (any, error) {
	if function != "say" {
		return nil, &domain.FunctionNotFoundError{Plugin: "echo", Function: function}
	}
	return params["text"], nil
}

func (p *echoPlugin) Cleanup() error {
	p.cleaned = true
	return nil
}

func TestGetCachesInstancePerName(t *testing.T) {
	var built int
	r := NewRegistry(nil)
	r.Register("echo", func() domain.Plugin {
		built++
		return &echoPlugin{}
	})

	first, err := r.Get("echo", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Get("echo", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected the cached instance")
	}
	if built != 1 {
		t.Errorf("factory ran %d times, want 1", built)
	}
}

func TestGetUnknownPlugin(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("nope", nil)
	var nferr *domain.PluginNotFoundError
	if !errors.As(err, &nferr) {
		t.Fatalf("expected PluginNotFoundError, got %v", err)
	}
}

func TestGetAppliesConfigOverride(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("echo", func() domain.Plugin { return &echoPlugin{} })
	r.SetConfig("echo", map[string]any{"endpoint": "global", "retries": 3})

	instance, err := r.Get("echo", map[string]any{"endpoint": "per-node"})
	if err != nil {
		t.Fatal(err)
	}
	p := instance.(*echoPlugin)
	if p.config["endpoint"] != "per-node" {
		t.Errorf("override lost: %v", p.config)
	}
	if p.config["retries"] != 3 {
		t.Errorf("global config lost: %v", p.config)
	}

	// The override instance must not replace the cached one.
	cached, err := r.Get("echo", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cached.(*echoPlugin).config["endpoint"] != "global" {
		t.Error("override leaked into the cached instance")
	}
}

type failingPlugin struct{ echoPlugin }

func (p *failingPlugin) Initialize(map[string]any) error {
	return fmt.Errorf("no backend available")
}

func TestInitializationFailure(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("echo", func() domain.Plugin { return &failingPlugin{} })

	_, err := r.Get("echo", nil)
	var ierr *domain.PluginInitializationError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected PluginInitializationError, got %v", err)
	}
}

func TestConfigSchemaValidation(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"endpoint": {"type": "string"}},
		"required": ["endpoint"]
	}`)
	r := NewRegistry(nil)
	r.Register("echo", func() domain.Plugin { return &echoPlugin{schema: schema} })

	_, err := r.Get("echo", nil)
	var ierr *domain.PluginInitializationError
	if !errors.As(err, &ierr) {
		t.Fatalf("missing required config key should fail initialization, got %v", err)
	}

	if _, err := r.Get("echo", map[string]any{"endpoint": "https://example"}); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateParams(t *testing.T) {
	p := &echoPlugin{}
	meta := p.Metadata()

	params := map[string]any{"text": "hello"}
	if err := domain.ValidateParams(meta, "say", params); err != nil {
		t.Fatal(err)
	}

	if err := domain.ValidateParams(meta, "say", map[string]any{}); err == nil {
		t.Error("missing required parameter should fail")
	}
	if err := domain.ValidateParams(meta, "say", map[string]any{"text": "x", "extra": 1}); err == nil {
		t.Error("unknown parameter should fail")
	}

	var nferr *domain.FunctionNotFoundError
	err := domain.ValidateParams(meta, "shout", params)
	if !errors.As(err, &nferr) {
		t.Errorf("expected FunctionNotFoundError, got %v", err)
	}
}

func TestValidateParamsCoercionAndConstraints(t *testing.T) {
	meta := domain.PluginMetadata{
		Name: "deploy",
		Functions: map[string]domain.FunctionSignature{
			"scale": {
				Name: "scale",
				Parameters: map[string]domain.ParameterDef{
					"replicas": {Type: "int", Required: true, MinValue: f(1), MaxValue: f(10)},
					"region":   {Type: "str", Choices: []any{"eu", "us"}, Default: "eu"},
					"hosts":    {Type: "list"},
				},
			},
		},
	}

	params := map[string]any{"replicas": "4", "hosts": `["a","b"]`}
	if err := domain.ValidateParams(meta, "scale", params); err != nil {
		t.Fatal(err)
	}
	if params["replicas"] != 4 {
		t.Errorf("replicas = %#v", params["replicas"])
	}
	if params["region"] != "eu" {
		t.Errorf("default not applied: %#v", params["region"])
	}
	if list, ok := params["hosts"].([]any); !ok || len(list) != 2 {
		t.Errorf("hosts = %#v", params["hosts"])
	}

	if err := domain.ValidateParams(meta, "scale", map[string]any{"replicas": 11}); err == nil {
		t.Error("range violation should fail")
	}
	if err := domain.ValidateParams(meta, "scale", map[string]any{"replicas": 2, "region": "ap"}); err == nil {
		t.Error("choices violation should fail")
	}
}

func f(v float64) *float64 { return &v }

func TestListAndCleanup(t *testing.T) {
	r := NewRegistry(nil)
	b := &echoPlugin{}
	r.Register("b", func() domain.Plugin { return b })
	r.Register("a", func() domain.Plugin { return &echoPlugin{} })

	names := r.List()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("List() = %v", names)
	}

	if _, err := r.Get("b", nil); err != nil {
		t.Fatal(err)
	}
	r.CleanupAll()
	if !b.cleaned {
		t.Error("cached instance not cleaned up")
	}
}
