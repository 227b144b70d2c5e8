package console

import (
	"bytes"
	"strings"
	"testing"
)

func TestNonInteractivePromptAutoApproves(t *testing.T) {
	var buf bytes.Buffer
	h := New(WithOutput(&buf), NonInteractive())

	approved, err := h.Prompt("restart", "Restart service", "Proceed?")
	if err != nil {
		t.Fatal(err)
	}
	if !approved {
		t.Error("non-interactive prompt must auto-approve")
	}
	if !strings.Contains(buf.String(), "auto-approved") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestNonInteractiveAskChoiceReturnsLastOption(t *testing.T) {
	h := New(NonInteractive())

	choice, err := h.AskChoice("Node failed. What now?", []string{"retry", "skip", "abort"})
	if err != nil {
		t.Fatal(err)
	}
	if choice != "abort" {
		t.Errorf("choice = %q, want the last (safe) option", choice)
	}
}

func TestNonInteractiveAskValueErrors(t *testing.T) {
	h := New(NonInteractive())

	if _, err := h.AskValue("environment"); err == nil {
		t.Error("AskValue must fail without a terminal to ask on")
	}
}

func TestCommandOutputSections(t *testing.T) {
	var buf bytes.Buffer
	h := New(WithOutput(&buf))

	h.CommandOutput("scale", "Scale up", "bump replicas", "deployment scaled\n", "warning: slow rollout\n")

	out := buf.String()
	for _, want := range []string{"Scale up", "bump replicas", "stdout:", "deployment scaled", "stderr:", "warning: slow rollout"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCommandOutputOmitsEmptySections(t *testing.T) {
	var buf bytes.Buffer
	h := New(WithOutput(&buf))

	h.CommandOutput("check", "check", "", "all good\n", "")

	out := buf.String()
	if strings.Contains(out, "stderr:") {
		t.Errorf("empty stderr should be omitted:\n%s", out)
	}
}

func TestFunctionOutput(t *testing.T) {
	var buf bytes.Buffer
	h := New(WithOutput(&buf))

	h.FunctionOutput("notify", "notify", "", "message sent to #ops")

	if !strings.Contains(buf.String(), "message sent to #ops") {
		t.Errorf("output = %q", buf.String())
	}
}
