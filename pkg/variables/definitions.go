// Package variables handles typed variable definitions from the
// [variables] table, multi-source merging with fixed priority, type
// coercion, constraint validation, and variable files.
package variables

import (
	"fmt"
	"sort"

	"github.com/playbook-sh/playbook/pkg/domain"
)

// ParseDefinitions converts a decoded [variables] table into typed
// definitions. An entry is either a table matching VariableDefinition
// or a bare scalar, which is shorthand for a definition with only a
// default. Types omitted from table entries are inferred from the
// default value.
func ParseDefinitions(raw map[string]any) (map[string]*domain.VariableDefinition, error) {
	defs := make(map[string]*domain.VariableDefinition, len(raw))

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := raw[name]
		table, isTable := value.(map[string]any)
		if !isTable {
			defs[name] = &domain.VariableDefinition{
				Default: value,
				Type:    inferType(value),
			}
			continue
		}
		def, err := parseDefinitionTable(name, table)
		if err != nil {
			return nil, err
		}
		defs[name] = def
	}
	return defs, nil
}

func parseDefinitionTable(name string, table map[string]any) (*domain.VariableDefinition, error) {
	def := &domain.VariableDefinition{}
	for key, value := range table {
		switch key {
		case "default":
			def.Default = value
		case "required":
			b, ok := value.(bool)
			if !ok {
				return nil, &domain.ParseError{Message: fmt.Sprintf("variable %q: required must be a boolean", name)}
			}
			def.Required = b
		case "type":
			s, ok := value.(string)
			if !ok {
				return nil, &domain.ParseError{Message: fmt.Sprintf("variable %q: type must be a string", name)}
			}
			def.Type = s
		case "choices":
			list, ok := value.([]any)
			if !ok {
				return nil, &domain.ParseError{Message: fmt.Sprintf("variable %q: choices must be a list", name)}
			}
			def.Choices = list
		case "description":
			s, ok := value.(string)
			if !ok {
				return nil, &domain.ParseError{Message: fmt.Sprintf("variable %q: description must be a string", name)}
			}
			def.Description = s
		case "min":
			f, ok := asFloat(value)
			if !ok {
				return nil, &domain.ParseError{Message: fmt.Sprintf("variable %q: min must be numeric", name)}
			}
			def.Min = &f
		case "max":
			f, ok := asFloat(value)
			if !ok {
				return nil, &domain.ParseError{Message: fmt.Sprintf("variable %q: max must be numeric", name)}
			}
			def.Max = &f
		case "pattern":
			s, ok := value.(string)
			if !ok {
				return nil, &domain.ParseError{Message: fmt.Sprintf("variable %q: pattern must be a string", name)}
			}
			def.Pattern = s
		default:
			return nil, &domain.ParseError{Message: fmt.Sprintf("variable %q: unknown field %q", name, key)}
		}
	}

	if def.Type == "" {
		if def.Default != nil {
			def.Type = inferType(def.Default)
		} else {
			def.Type = "string"
		}
	}
	if !validType(def.Type) {
		return nil, &domain.ParseError{Message: fmt.Sprintf("variable %q: unknown type %q", name, def.Type)}
	}

	numeric := def.Type == "int" || def.Type == "float"
	if (def.Min != nil || def.Max != nil) && !numeric {
		return nil, &domain.ParseError{Message: fmt.Sprintf("variable %q: min/max only apply to numeric types", name)}
	}
	if def.Pattern != "" && def.Type != "string" {
		return nil, &domain.ParseError{Message: fmt.Sprintf("variable %q: pattern only applies to string type", name)}
	}
	for _, c := range def.Choices {
		if !matchesType(c, def.Type) {
			return nil, &domain.ParseError{Message: fmt.Sprintf("variable %q: choice %v does not match type %s", name, c, def.Type)}
		}
	}
	return def, nil
}

func validType(t string) bool {
	switch t {
	case "string", "int", "float", "bool", "list":
		return true
	}
	return false
}

// inferType maps a TOML scalar to a variable type name.
func inferType(v any) string {
	switch v.(type) {
	case bool:
		return "bool"
	case int, int64:
		return "int"
	case float64:
		return "float"
	case []any:
		return "list"
	default:
		return "string"
	}
}

func matchesType(v any, t string) bool {
	switch t {
	case "string":
		_, ok := v.(string)
		return ok
	case "int":
		switch v.(type) {
		case int, int64:
			return true
		}
		return false
	case "float":
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "list":
		_, ok := v.([]any)
		return ok
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Defaults extracts the default values from a definition set.
func Defaults(defs map[string]*domain.VariableDefinition) map[string]any {
	out := make(map[string]any)
	for name, def := range defs {
		if def.Default != nil {
			out[name] = def.Default
		}
	}
	return out
}

// coerceType is the variable flavor of value coercion. It shares the
// scalar rules with plugin parameters; "string" is the spelling used by
// variable definitions.
func coerceType(value any, typ string) (any, error) {
	if typ == "string" {
		typ = "str"
	}
	return domain.CoerceValue(value, typ)
}

// MissingRequired lists required variables with no value, sorted.
func MissingRequired(defs map[string]*domain.VariableDefinition, provided map[string]any) []string {
	var missing []string
	for name, def := range defs {
		if def.Required {
			if _, ok := provided[name]; !ok {
				missing = append(missing, name)
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// Validate coerces every provided variable to its declared type and
// checks constraints. All offenders are reported in one error.
func Validate(variables map[string]any, defs map[string]*domain.VariableDefinition) error {
	var problems []string

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := defs[name]
		value, ok := variables[name]
		if !ok {
			if def.Required {
				problems = append(problems, fmt.Sprintf("required variable %q is missing", name))
			}
			continue
		}

		coerced, err := coerceType(value, def.Type)
		if err != nil {
			problems = append(problems, fmt.Sprintf("variable %q: %v", name, err))
			continue
		}
		variables[name] = coerced

		if err := domain.CheckConstraints(fmt.Sprintf("variable %q", name), coerced, def.Type, def.Choices, def.Min, def.Max, def.Pattern); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return &domain.VariableValidationError{Problems: problems}
	}
	return nil
}
