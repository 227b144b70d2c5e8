package plugin

import "log/slog"

// defaultRegistry serves binaries that register plugins at init time,
// the way database/sql drivers do. Embedders who want isolation build
// their own Registry instead.
var defaultRegistry = NewRegistry(slog.Default())

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register adds a plugin factory to the process-wide registry.
// Typically called from an init function of the plugin's package.
func Register(name string, factory Factory) {
	defaultRegistry.Register(name, factory)
}

// SetConfig stores the global configuration for a plugin in the
// process-wide registry.
func SetConfig(name string, config map[string]any) {
	defaultRegistry.SetConfig(name, config)
}
