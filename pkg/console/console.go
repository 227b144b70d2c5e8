// Package console is the terminal implementation of the IO handler
// port: survey prompts for operator decisions, lipgloss for output
// styling.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/playbook-sh/playbook/pkg/domain"
)

var (
	nodeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	resultStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	stderrStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	descBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("4")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderLeft(true).
			PaddingLeft(1)
)

var _ domain.IOHandler = (*Handler)(nil)

// Handler talks to the operator on the terminal. NonInteractive makes
// every prompt auto-approve, for unattended runs.
type Handler struct {
	out            io.Writer
	nonInteractive bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithOutput redirects display output, mainly for tests.
func WithOutput(w io.Writer) Option {
	return func(h *Handler) { h.out = w }
}

// NonInteractive auto-approves every prompt.
func NonInteractive() Option {
	return func(h *Handler) { h.nonInteractive = true }
}

func New(opts ...Option) *Handler {
	h := &Handler{out: os.Stdout}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Prompt asks a yes/no question about a node.
func (h *Handler) Prompt(nodeID, nodeName, prompt string) (bool, error) {
	if h.nonInteractive {
		fmt.Fprintf(h.out, "%s %s (auto-approved)\n", h.header(nodeID, nodeName), prompt)
		return true, nil
	}
	var approved bool
	q := &survey.Confirm{
		Message: fmt.Sprintf("[%s] %s", nodeName, prompt),
		Default: true,
	}
	if err := survey.AskOne(q, &approved); err != nil {
		return false, fmt.Errorf("prompt for node %s: %w", nodeID, err)
	}
	return approved, nil
}

// Description presents a node's descriptive text.
func (h *Handler) Description(nodeID, nodeName, text string) {
	fmt.Fprintln(h.out, h.header(nodeID, nodeName))
	fmt.Fprintln(h.out, descBarStyle.Render(strings.TrimRight(text, "\n")))
}

// CommandOutput presents captured command output.
func (h *Handler) CommandOutput(nodeID, nodeName, description, stdout, stderr string) {
	fmt.Fprintln(h.out, h.header(nodeID, nodeName))
	if description != "" {
		fmt.Fprintln(h.out, descBarStyle.Render(strings.TrimRight(description, "\n")))
	}
	if strings.TrimSpace(stdout) != "" {
		fmt.Fprintln(h.out, labelStyle.Render("stdout:"))
		fmt.Fprintln(h.out, strings.TrimRight(stdout, "\n"))
	}
	if strings.TrimSpace(stderr) != "" {
		fmt.Fprintln(h.out, stderrStyle.Render("stderr:"))
		fmt.Fprintln(h.out, strings.TrimRight(stderr, "\n"))
	}
}

// FunctionOutput presents the result of a plugin function.
func (h *Handler) FunctionOutput(nodeID, nodeName, description, result string) {
	fmt.Fprintln(h.out, h.header(nodeID, nodeName))
	if description != "" {
		fmt.Fprintln(h.out, descBarStyle.Render(strings.TrimRight(description, "\n")))
	}
	if result != "" {
		fmt.Fprintln(h.out, resultStyle.Render("result: ")+result)
	}
}

// AskValue collects a free-form value, e.g. a missing required
// variable. Implements the variables.Prompter interface.
func (h *Handler) AskValue(prompt string) (string, error) {
	if h.nonInteractive {
		return "", fmt.Errorf("cannot prompt for %q in non-interactive mode", prompt)
	}
	var value string
	if err := survey.AskOne(&survey.Input{Message: prompt}, &value); err != nil {
		return "", fmt.Errorf("prompt for value: %w", err)
	}
	return value, nil
}

// AskChoice asks the operator to pick one of the options. The run
// orchestrator uses this for the retry/skip/abort decision.
func (h *Handler) AskChoice(message string, options []string) (string, error) {
	if h.nonInteractive {
		return options[len(options)-1], nil
	}
	var choice string
	q := &survey.Select{
		Message: message,
		Options: options,
	}
	if err := survey.AskOne(q, &choice); err != nil {
		return "", fmt.Errorf("prompt for choice: %w", err)
	}
	return choice, nil
}

func (h *Handler) header(nodeID, nodeName string) string {
	if nodeName != "" && nodeName != nodeID {
		return nodeStyle.Render(nodeName) + labelStyle.Render(" ("+nodeID+")")
	}
	return nodeStyle.Render(nodeID)
}
