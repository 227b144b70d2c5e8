package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/playbook-sh/playbook/pkg/domain"
)

func TestExitCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"parse error", &domain.ParseError{Message: "bad toml"}, 1},
		{"validation error", &domain.ValidationError{Problems: []string{"cycle"}}, 1},
		{"plain error", errors.New("run 3 ended nok"), 1},
		{"node failure", &domain.NodeExecutionError{NodeID: "deploy", NodeType: domain.NodeCommand, ExitCode: 7}, 1},
		{"node timeout", &domain.NodeExecutionError{NodeID: "slow", NodeType: domain.NodeCommand, ExitCode: 1, Timeout: true}, 1},
		{"configuration error", &domain.ConfigurationError{Message: "no such file"}, 2},
		{"missing plugin", &domain.PluginNotFoundError{Name: "slack"}, 2},
		{"persistence error", &domain.PersistenceError{Op: "create run", Err: errors.New("disk full")}, 3},
		{"wrapped persistence error", fmt.Errorf("starting: %w", &domain.PersistenceError{Op: "open", Err: errors.New("locked")}), 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestNodeFailureErrorCarriesTimeout(t *testing.T) {
	exitCode := 1
	node := &domain.Node{ID: "slow", Type: domain.NodeCommand}
	ex := &domain.NodeExecution{
		NodeID:   "slow",
		Status:   domain.NodeNOK,
		ExitCode: &exitCode,
		Stderr:   "Command timed out after 5 seconds",
		TimedOut: true,
	}

	failure := nodeFailureError(node, ex)
	if !failure.Timeout {
		t.Error("timed-out attempt must surface Timeout on the failure error")
	}
	if failure.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", failure.ExitCode)
	}
	if want := `node "slow" timed out`; failure.Error() != want {
		t.Errorf("Error() = %q, want %q", failure.Error(), want)
	}
}
