// Package plugin implements the registry that Function nodes dispatch
// through: factory registration, lazy initialization with config
// overrides, instance caching, and config-schema validation.
package plugin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/playbook-sh/playbook/pkg/domain"
)

// Factory builds a fresh, uninitialized plugin instance.
type Factory func() domain.Plugin

// Registry maps plugin names to factories and caches one initialized
// instance per name. Pass a registry explicitly; tests can build
// independent ones.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]domain.Plugin
	configs   map[string]map[string]any // global config per plugin
	logger    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: map[string]Factory{},
		instances: map[string]domain.Plugin{},
		configs:   map[string]map[string]any{},
		logger:    logger,
	}
}

// Register adds a plugin factory under a name. Re-registering a name
// replaces the factory and drops any cached instance.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	delete(r.instances, name)
}

// SetConfig supplies the global configuration for a plugin, applied on
// first initialization beneath any per-node overrides.
func (r *Registry) SetConfig(name string, config map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = config
}

// Get returns an initialized plugin. Without an override the instance
// is cached per name; a per-node config override always initializes a
// fresh instance so the override cannot leak into later nodes.
func (r *Registry) Get(name string, override map[string]any) (domain.Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(override) == 0 {
		if instance, ok := r.instances[name]; ok {
			return instance, nil
		}
	}

	factory, ok := r.factories[name]
	if !ok {
		return nil, &domain.PluginNotFoundError{Name: name}
	}

	config := mergeConfig(r.configs[name], override)
	instance := factory()

	if err := validateConfig(instance.Metadata(), config); err != nil {
		return nil, &domain.PluginInitializationError{Name: name, Err: err}
	}
	if err := instance.Initialize(config); err != nil {
		return nil, &domain.PluginInitializationError{Name: name, Err: err}
	}
	r.logger.Debug("plugin initialized", "plugin", name, "override", len(override) > 0)

	if len(override) == 0 {
		r.instances[name] = instance
	}
	return instance, nil
}

// Metadata returns a plugin's metadata without caching an instance.
func (r *Registry) Metadata(name string) (domain.PluginMetadata, error) {
	r.mu.Lock()
	factory, ok := r.factories[name]
	r.mu.Unlock()
	if !ok {
		return domain.PluginMetadata{}, &domain.PluginNotFoundError{Name: name}
	}
	return factory().Metadata(), nil
}

// List returns the registered plugin names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CleanupAll tears down every cached instance. Cleanup failures are
// logged, not propagated; shutdown must finish.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, instance := range r.instances {
		if err := instance.Cleanup(); err != nil {
			r.logger.Error("plugin cleanup failed", "plugin", name, "error", err)
		}
	}
	r.instances = map[string]domain.Plugin{}
}

func mergeConfig(global, override map[string]any) map[string]any {
	merged := make(map[string]any, len(global)+len(override))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// validateConfig checks the merged config against the plugin's declared
// JSON schema, when it declares one.
func validateConfig(meta domain.PluginMetadata, config map[string]any) error {
	if len(meta.ConfigSchema) == 0 {
		return nil
	}

	var schemaDoc any
	if err := json.Unmarshal(meta.ConfigSchema, &schemaDoc); err != nil {
		return fmt.Errorf("invalid config schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("%s-config.json", meta.Name)
	if err := compiler.AddResource(resource, schemaDoc); err != nil {
		return fmt.Errorf("add config schema: %w", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	// Round-trip through JSON so typed values match what the schema
	// validator expects.
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}
