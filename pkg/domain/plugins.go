package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParameterDef describes one parameter of a plugin function.
type ParameterDef struct {
	Type        string `json:"type"` // str, int, float, bool, list, dict
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Choices     []any  `json:"choices,omitempty"`
	MinValue    *float64
	MaxValue    *float64
	Pattern     string `json:"pattern,omitempty"`
}

// ReturnDef describes a function's return value.
type ReturnDef struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// FunctionSignature declares a callable exposed by a plugin.
type FunctionSignature struct {
	Name        string
	Description string
	Parameters  map[string]ParameterDef
	Returns     ReturnDef
}

// PluginMetadata identifies a plugin and enumerates its functions.
type PluginMetadata struct {
	Name         string
	Version      string
	Author       string
	Description  string
	Functions    map[string]FunctionSignature
	ConfigSchema json.RawMessage // optional JSON schema for the plugin config
}

// Plugin is the contract a Function node dispatches through.
// Implementations need not be thread-safe; the engine invokes them
// sequentially from a single executor.
type Plugin interface {
	Metadata() PluginMetadata
	Initialize(config map[string]any) error
	Execute(function string, params map[string]any) (any, error)
	Cleanup() error
}

// Plugin dispatch errors.

// PluginNotFoundError is returned when no plugin is registered under
// the requested name.
type PluginNotFoundError struct{ Name string }

func (e *PluginNotFoundError) Error() string {
	return fmt.Sprintf("plugin %q not found", e.Name)
}

// PluginInitializationError wraps a failure in Plugin.Initialize.
type PluginInitializationError struct {
	Name string
	Err  error
}

func (e *PluginInitializationError) Error() string {
	return fmt.Sprintf("failed to initialize plugin %q: %v", e.Name, e.Err)
}

func (e *PluginInitializationError) Unwrap() error { return e.Err }

// PluginExecutionError wraps a failure in Plugin.Execute.
type PluginExecutionError struct {
	Plugin   string
	Function string
	Err      error
}

func (e *PluginExecutionError) Error() string {
	return fmt.Sprintf("plugin %s.%s failed: %v", e.Plugin, e.Function, e.Err)
}

func (e *PluginExecutionError) Unwrap() error { return e.Err }

// FunctionNotFoundError is returned when a plugin has no function with
// the requested name.
type FunctionNotFoundError struct {
	Plugin   string
	Function string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function %q not found in plugin %q", e.Function, e.Plugin)
}

// ValidateParams checks params against a function signature, coercing
// string values to the declared types in place. Validation failures
// raise before the plugin's Execute runs.
func ValidateParams(meta PluginMetadata, function string, params map[string]any) error {
	sig, ok := meta.Functions[function]
	if !ok {
		return &FunctionNotFoundError{Plugin: meta.Name, Function: function}
	}

	for name, def := range sig.Parameters {
		if _, present := params[name]; !present {
			if def.Required {
				return fmt.Errorf("required parameter %q missing for function %q", name, function)
			}
			if def.Default != nil {
				params[name] = def.Default
			}
		}
	}

	for name, value := range params {
		def, ok := sig.Parameters[name]
		if !ok {
			return fmt.Errorf("unknown parameter %q for function %q", name, function)
		}
		converted, err := CoerceValue(value, def.Type)
		if err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
		params[name] = converted
		if err := CheckConstraints("parameter "+strconv.Quote(name), converted, def.Type, def.Choices, def.MinValue, def.MaxValue, def.Pattern); err != nil {
			return err
		}
	}
	return nil
}

// CoerceValue converts a value to the target type using the same rules
// as variable coercion: strings parse to int/float/bool, lists and
// dicts accept JSON-encoded strings, anything stringifies to str.
func CoerceValue(value any, target string) (any, error) {
	switch strings.ToLower(target) {
	case "str", "string":
		switch v := value.(type) {
		case string:
			return v, nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	case "int":
		switch v := value.(type) {
		case bool:
			return nil, fmt.Errorf("expected int, got bool")
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == float64(int(v)) {
				return int(v), nil
			}
			return nil, fmt.Errorf("expected int, got float %v", v)
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to int", v)
			}
			return n, nil
		}
	case "float":
		switch v := value.(type) {
		case bool:
			return nil, fmt.Errorf("expected float, got bool")
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to float", v)
			}
			return f, nil
		}
	case "bool":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return ParseBool(v)
		}
	case "list":
		switch v := value.(type) {
		case []any:
			return v, nil
		case string:
			var out []any
			if err := json.Unmarshal([]byte(v), &out); err != nil {
				return nil, fmt.Errorf("cannot convert %q to list", v)
			}
			return out, nil
		}
	case "dict":
		switch v := value.(type) {
		case map[string]any:
			return v, nil
		case string:
			var out map[string]any
			if err := json.Unmarshal([]byte(v), &out); err != nil {
				return nil, fmt.Errorf("cannot convert %q to dict", v)
			}
			return out, nil
		}
	default:
		return nil, fmt.Errorf("unknown type: %s", target)
	}
	return nil, fmt.Errorf("cannot convert %T to %s", value, target)
}

// ParseBool interprets the boolean spellings accepted throughout the
// engine: true/1/yes/on and false/0/no/off, case-insensitive.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("cannot convert %q to bool", s)
}

// CheckConstraints validates an already-coerced value against choices,
// numeric range, and pattern. Shared by variable validation and plugin
// parameter validation; label names the offender in error messages.
func CheckConstraints(label string, value any, typ string, choices []any, min, max *float64, pattern string) error {
	if len(choices) > 0 {
		found := false
		for _, c := range choices {
			if equalScalar(c, value) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s value %v not in allowed choices %v", label, value, choices)
		}
	}

	t := strings.ToLower(typ)
	if t == "int" || t == "float" {
		n := toFloat(value)
		if min != nil && n < *min {
			return fmt.Errorf("%s value %v is below minimum %v", label, value, *min)
		}
		if max != nil && n > *max {
			return fmt.Errorf("%s value %v is above maximum %v", label, value, *max)
		}
	}

	if (t == "str" || t == "string") && pattern != "" {
		s, _ := value.(string)
		re, err := regexp.Compile(anchored(pattern))
		if err != nil {
			return fmt.Errorf("%s has invalid pattern %q: %w", label, pattern, err)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("%s value %q does not match pattern %q", label, s, pattern)
		}
	}
	return nil
}

// equalScalar compares choice members against a coerced value, letting
// TOML int64 choices match coerced ints.
func equalScalar(a, b any) bool {
	if a == b {
		return true
	}
	fa, fb := toFloat(a), toFloat(b)
	if isNumeric(a) && isNumeric(b) {
		return fa == fb
	}
	return false
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int64, float64:
		return true
	}
	return false
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// anchored wraps a pattern so it must match the whole string.
func anchored(pattern string) string {
	return "^(?:" + pattern + ")$"
}
