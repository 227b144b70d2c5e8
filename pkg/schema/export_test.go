package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	data, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("generated schema is not valid JSON: %v", err)
	}
	if doc["$id"] != "https://github.com/playbook-sh/playbook/schemas/runbook-v1.json" {
		t.Errorf("$id = %v", doc["$id"])
	}

	out := string(data)
	for _, want := range []string{
		`"runbook"`,
		`"created_at"`,
		`"variables"`,
		`"additionalProperties"`,
		`"command_name"`,
		`"function_params"`,
		`"Manual"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("schema missing %q", want)
		}
	}
}
