package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/playbook-sh/playbook/pkg/console"
	"github.com/playbook-sh/playbook/pkg/domain"
	"github.com/playbook-sh/playbook/pkg/engine"
	"github.com/playbook-sh/playbook/pkg/plugin"
	"github.com/playbook-sh/playbook/pkg/variables"
)

var (
	runVars       []string
	runVarFile    string
	runStartNode  string
	runMaxRetries int
	resumeRunID   int64
)

var runCmd = &cobra.Command{
	Use:   "run [runbook.toml]",
	Short: "Execute a runbook from the start",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [runbook.toml]",
	Short: "Resume an aborted or interrupted run",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, resumeCmd} {
		cmd.Flags().StringArrayVar(&runVars, "var", nil, "workflow variable as KEY=VALUE (repeatable)")
		cmd.Flags().StringVar(&runVarFile, "var-file", "", "variable file (.toml, .json, .yaml, .env)")
		cmd.Flags().StringVar(&runStartNode, "start-node", "", "start execution at this node")
		cmd.Flags().IntVar(&runMaxRetries, "max-retries", 3, "retries offered per failed node")
	}
	resumeCmd.Flags().Int64Var(&resumeRunID, "run-id", 0, "run to resume")
	resumeCmd.MarkFlagRequired("run-id")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	h := newConsole()

	rb, vars, err := parseWithVars(h, args[0])
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	defer plugin.Default().CleanupAll()

	eng := newEngine(store, h)
	run, err := eng.StartRun(ctx, rb)
	if err != nil {
		return err
	}
	fmt.Printf("Starting run %d of %q (%d nodes)\n", run.RunID, rb.Title, len(rb.Nodes))

	return orchestrate(ctx, eng, h, rb, run, vars)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	h := newConsole()

	rb, vars, err := parseWithVars(h, args[0])
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	defer plugin.Default().CleanupAll()

	eng := newEngine(store, h)
	run, err := eng.ResumeRun(ctx, rb, resumeRunID)
	if err != nil {
		return err
	}
	fmt.Printf("Resuming run %d of %q\n", run.RunID, rb.Title)

	return orchestrate(ctx, eng, h, rb, run, vars)
}

func parseWithVars(h *console.Handler, path string) (*domain.Runbook, map[string]any, error) {
	manager := variables.NewManager(cfg.EnvPrefix, h)

	var fileVars map[string]any
	if runVarFile != "" {
		var err error
		fileVars, err = variables.LoadFile(runVarFile)
		if err != nil {
			return nil, nil, err
		}
	}
	cliVars, err := manager.ParseCLI(runVars)
	if err != nil {
		return nil, nil, err
	}

	return newParser(h).ParseFile(path, fileVars, cliVars)
}

// orchestrate walks the pending nodes in topological order. A failed
// non-critical node puts the decision to the operator: retry (bounded
// by --max-retries), skip, or abort.
func orchestrate(ctx context.Context, eng *engine.Engine, h *console.Handler, rb *domain.Runbook, run *domain.RunInfo, vars map[string]any) error {
	selected, err := eng.SelectNodes(ctx, rb, run, runStartNode)
	if err != nil {
		return err
	}

	var failure *domain.NodeExecutionError
	for _, id := range selected {
		node := rb.Nodes[id]
		ex, err := eng.ExecuteNode(ctx, rb, run, node, vars)
		if err != nil {
			return err
		}

		if ex.Status == domain.NodeNOK {
			failure = nodeFailureError(node, ex)
			if node.Critical {
				fmt.Fprintf(os.Stderr, "Critical node %q failed; stopping the run\n", id)
				break
			}
			proceed, err := handleFailure(ctx, eng, h, rb, run, node)
			if err != nil {
				return err
			}
			if !proceed {
				break
			}
			// The operator retried to success or skipped past it.
			failure = nil
		}
		if run.Status == domain.RunAborted {
			break
		}
	}

	return finishRun(run, failure)
}

// nodeFailureError surfaces a failed attempt as the typed execution
// error, so callers can tell a timeout from an ordinary failure.
func nodeFailureError(node *domain.Node, ex *domain.NodeExecution) *domain.NodeExecutionError {
	failure := &domain.NodeExecutionError{
		NodeID:   node.ID,
		NodeType: node.Type,
		Stderr:   ex.Stderr,
		Plugin:   node.Plugin,
		Function: node.Function,
		Timeout:  ex.TimedOut,
	}
	if ex.ExitCode != nil {
		failure.ExitCode = *ex.ExitCode
	}
	return failure
}

// handleFailure loops on the operator's decision for one failed node.
// Returns false when the run should stop.
func handleFailure(ctx context.Context, eng *engine.Engine, h *console.Handler, rb *domain.Runbook, run *domain.RunInfo, node *domain.Node) (bool, error) {
	retries := 0
	for {
		options := []string{"skip", "abort"}
		if retries < runMaxRetries {
			options = append([]string{"retry"}, options...)
		}
		choice, err := h.AskChoice(fmt.Sprintf("Node %q failed. What do you want to do?", node.ID), options)
		if err != nil {
			return false, err
		}

		switch choice {
		case "retry":
			retries++
			ex, err := eng.RetryNode(ctx, rb, run, node)
			if err != nil {
				return false, err
			}
			if ex.Status != domain.NodeNOK {
				return true, nil
			}
		case "skip":
			return true, eng.SkipFailedNode(ctx, rb, run, node.ID)
		case "abort":
			return false, eng.AbortRun(ctx, run)
		}
	}
}

func finishRun(run *domain.RunInfo, failure *domain.NodeExecutionError) error {
	fmt.Printf("Run %d finished: %s (ok=%d nok=%d skipped=%d)\n",
		run.RunID, run.Status, run.NodesOK, run.NodesNOK, run.NodesSkipped)
	if run.Status == domain.RunOK {
		return nil
	}
	if failure != nil {
		return failure
	}
	return fmt.Errorf("run %d ended %s", run.RunID, run.Status)
}
