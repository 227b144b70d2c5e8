package variables

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/playbook-sh/playbook/pkg/domain"
)

// DefaultEnvPrefix marks environment variables that feed the workflow.
const DefaultEnvPrefix = "PLAYBOOK_VAR_"

// Prompter asks the operator for a missing required variable. The
// terminal implementation lives in pkg/console.
type Prompter interface {
	AskValue(prompt string) (string, error)
}

// Manager resolves the final variable set for a run.
type Manager struct {
	envPrefix string
	prompter  Prompter // nil disables interactive prompting
}

func NewManager(envPrefix string, prompter Prompter) *Manager {
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}
	return &Manager{envPrefix: envPrefix, prompter: prompter}
}

// FromEnv collects variables from the process environment. The prefix
// is stripped; values starting with [ or { are attempted as JSON and
// kept as strings when that fails.
func (m *Manager) FromEnv() map[string]any {
	vars := make(map[string]any)
	for _, entry := range os.Environ() {
		key, value, _ := strings.Cut(entry, "=")
		if !strings.HasPrefix(key, m.envPrefix) {
			continue
		}
		vars[strings.TrimPrefix(key, m.envPrefix)] = parseMaybeJSON(value)
	}
	return vars
}

// ParseCLI parses KEY=VALUE overrides from the command line.
func (m *Manager) ParseCLI(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, &domain.ConfigurationError{
				Message:    fmt.Sprintf("invalid variable format: %s", pair),
				Suggestion: "use KEY=VALUE, e.g. --var environment=production",
			}
		}
		vars[strings.TrimSpace(key)] = parseMaybeJSON(strings.TrimSpace(value))
	}
	return vars, nil
}

func parseMaybeJSON(value string) any {
	if strings.HasPrefix(value, "[") || strings.HasPrefix(value, "{") {
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			return parsed
		}
	}
	return value
}

// Merge combines sources in increasing priority: defaults, env, file,
// CLI.
func Merge(defaults, envVars, fileVars, cliVars map[string]any) map[string]any {
	merged := make(map[string]any)
	for _, source := range []map[string]any{defaults, envVars, fileVars, cliVars} {
		for k, v := range source {
			merged[k] = v
		}
	}
	return merged
}

// Resolve produces the validated variable set for a run: merge all
// sources, prompt for missing required values when a prompter is
// available, then coerce and validate.
func (m *Manager) Resolve(defs map[string]*domain.VariableDefinition, fileVars, cliVars map[string]any) (map[string]any, error) {
	merged := Merge(Defaults(defs), m.FromEnv(), fileVars, cliVars)

	missing := MissingRequired(defs, merged)
	if len(missing) > 0 && m.prompter != nil {
		prompted, err := m.promptMissing(missing, defs)
		if err != nil {
			return nil, err
		}
		for k, v := range prompted {
			merged[k] = v
		}
	}

	if err := Validate(merged, defs); err != nil {
		return nil, err
	}
	return merged, nil
}

func (m *Manager) promptMissing(missing []string, defs map[string]*domain.VariableDefinition) (map[string]any, error) {
	prompted := make(map[string]any, len(missing))
	for _, name := range missing {
		def := defs[name]
		msg := fmt.Sprintf("Enter value for %s", name)
		if def.Description != "" {
			msg += fmt.Sprintf(" (%s)", def.Description)
		}
		if len(def.Choices) > 0 {
			parts := make([]string, len(def.Choices))
			for i, c := range def.Choices {
				parts[i] = fmt.Sprintf("%v", c)
			}
			msg += fmt.Sprintf(" [choices: %s]", strings.Join(parts, ", "))
		}
		value, err := m.prompter.AskValue(msg)
		if err != nil {
			return nil, err
		}
		prompted[name] = value
	}
	return prompted, nil
}
