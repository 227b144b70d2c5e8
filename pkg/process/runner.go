// Package process implements the ProcessRunner port on top of /bin/sh.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/playbook-sh/playbook/pkg/domain"
)

var _ domain.ProcessRunner = (*ShellRunner)(nil)

// ShellRunner executes command strings through `/bin/sh -c` in a
// dedicated process group, so a timeout can take the whole pipeline
// down, not just the shell.
type ShellRunner struct{}

func NewShellRunner() *ShellRunner { return &ShellRunner{} }

// Run executes the command with the given timeout. On expiry the
// process group receives SIGTERM, then SIGKILL shortly after, and the
// call returns exit code 1, a timeout message on stderr, and a
// NodeExecutionError with the Timeout flag set. Interactive commands
// inherit the terminal and capture nothing.
func (r *ShellRunner) Run(ctx context.Context, command string, timeout time.Duration, interactive bool) (int, string, string, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	if interactive {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	if err := cmd.Start(); err != nil {
		return 1, "", "", fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-done:
		exitCode := 0
		if err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				return 1, stdout.String(), stderr.String(), fmt.Errorf("wait for command: %w", err)
			}
			exitCode = exitErr.ExitCode()
		}
		return exitCode, stdout.String(), stderr.String(), nil

	case <-timeoutCh:
		r.killGroup(cmd)
		<-done
		message := fmt.Sprintf("Command timed out after %d seconds", int(timeout.Seconds()))
		return 1, stdout.String(), stderr.String() + message, &domain.NodeExecutionError{
			NodeType: domain.NodeCommand,
			ExitCode: 1,
			Stderr:   message,
			Timeout:  true,
		}

	case <-ctx.Done():
		r.killGroup(cmd)
		<-done
		return 1, stdout.String(), stderr.String(), ctx.Err()
	}
}

// killGroup terminates the command's process group: SIGTERM first for a
// graceful stop, SIGKILL after a short grace period.
func (r *ShellRunner) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			_ = syscall.Kill(pgid, syscall.SIGKILL)
			return
		case <-tick.C:
			// Signal 0 probes whether the group still exists.
			if err := syscall.Kill(pgid, syscall.Signal(0)); err != nil {
				return
			}
		}
	}
}
