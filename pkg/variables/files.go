package variables

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/playbook-sh/playbook/pkg/domain"
)

// LoadFile reads a variable file, detecting the format by extension:
// .toml, .json, .yaml/.yml, or .env (KEY=value lines, # comments,
// surrounding quotes stripped).
func LoadFile(path string) (map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &domain.ConfigurationError{
				Message:    fmt.Sprintf("variable file not found: %s", path),
				Suggestion: "check the file path",
			}
		}
		return nil, &domain.ConfigurationError{
			Message: fmt.Sprintf("cannot read variable file %s: %v", path, err),
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var vars map[string]any
		if err := toml.Unmarshal(content, &vars); err != nil {
			return nil, parseFileError(path, err)
		}
		return vars, nil
	case ".json":
		var vars map[string]any
		if err := json.Unmarshal(content, &vars); err != nil {
			return nil, parseFileError(path, err)
		}
		return vars, nil
	case ".yaml", ".yml":
		var vars map[string]any
		if err := yaml.Unmarshal(content, &vars); err != nil {
			return nil, parseFileError(path, err)
		}
		if vars == nil {
			vars = map[string]any{}
		}
		return vars, nil
	case ".env":
		return ParseDotEnv(string(content)), nil
	}
	return nil, &domain.ConfigurationError{
		Message:    fmt.Sprintf("unknown variable file format: %s", path),
		Suggestion: "use a .toml, .json, .yaml, or .env extension",
	}
}

func parseFileError(path string, err error) error {
	return &domain.ConfigurationError{
		Message:    fmt.Sprintf("cannot parse variable file %s: %v", path, err),
		Suggestion: "check the file syntax",
	}
}

// ParseDotEnv reads KEY=value lines, ignoring blanks and # comments.
// Matching single or double quotes around the value are stripped.
func ParseDotEnv(content string) map[string]any {
	vars := make(map[string]any)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		vars[strings.TrimSpace(key)] = value
	}
	return vars
}
