package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/playbook-sh/playbook/pkg/domain"
	"github.com/playbook-sh/playbook/pkg/engine"
	"github.com/playbook-sh/playbook/pkg/persistence"
	"github.com/playbook-sh/playbook/pkg/plugin"
	"github.com/playbook-sh/playbook/pkg/schema"
	"github.com/playbook-sh/playbook/pkg/visualize"
)

var validateCmd = &cobra.Command{
	Use:   "validate [runbook.toml]",
	Short: "Parse and validate a runbook without executing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rb, _, err := parseWithVars(newConsole(), args[0])
		if err != nil {
			return err
		}
		if err := engine.ValidateRunbook(rb); err != nil {
			return err
		}
		fmt.Printf("✓ %s is valid (%d nodes)\n", rb.Title, len(rb.Nodes))
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show [runbook.toml]",
	Short: "Show runbook metadata, variables and nodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rb, vars, err := parseWithVars(newConsole(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s (v%s) by %s\n", rb.Title, rb.Version, rb.Author)
		if rb.Description != "" {
			fmt.Println(rb.Description)
		}
		fmt.Printf("created: %s\n\n", rb.CreatedAt.Format("2006-01-02"))

		if len(vars) > 0 {
			fmt.Println("Variables:")
			names := make([]string, 0, len(vars))
			for name := range vars {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %s = %v\n", name, vars[name])
			}
			fmt.Println()
		}

		fmt.Println("Nodes:")
		for _, node := range rb.NodesInOrder() {
			fmt.Printf("  %s [%s]", node.ID, node.Type)
			if node.Critical {
				fmt.Print(" critical")
			}
			if node.Skip {
				fmt.Print(" skip")
			}
			if len(node.DependsOn) > 0 {
				fmt.Printf(" <- %s", strings.Join(node.DependsOn, ", "))
			}
			fmt.Println()
			if node.When != "" && node.When != "true" {
				fmt.Printf("    when: %s\n", node.When)
			}
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs [workflow-name]",
	Short: "List the recorded runs of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ListRuns(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Printf("no runs recorded for %q\n", args[0])
			return nil
		}

		for _, run := range runs {
			end := "-"
			if run.EndTime != nil {
				end = run.EndTime.Format(time.RFC3339)
			}
			fmt.Printf("%4d  %-8s  %-7s  started %s  ended %s  ok=%d nok=%d skipped=%d\n",
				run.RunID, run.Status, run.Trigger,
				run.StartTime.Format(time.RFC3339), end,
				run.NodesOK, run.NodesNOK, run.NodesSkipped)
		}
		return nil
	},
}

var setStatusCmd = &cobra.Command{
	Use:   "set-status [workflow-name] [run-id] [status]",
	Short: "Force a run into a status (e.g. aborted, to make it resumable)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return &domain.ConfigurationError{Message: fmt.Sprintf("invalid run id %q", args[1])}
		}
		status := domain.RunStatus(args[2])
		switch status {
		case domain.RunRunning, domain.RunOK, domain.RunNOK, domain.RunAborted:
		default:
			return &domain.ConfigurationError{
				Message:    fmt.Sprintf("invalid status %q", args[2]),
				Suggestion: "use one of: running, ok, nok, aborted",
			}
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		run, err := store.GetRun(cmd.Context(), args[0], runID)
		if err != nil {
			return err
		}
		if run == nil {
			return &domain.ConfigurationError{Message: fmt.Sprintf("run %d not found for workflow %q", runID, args[0])}
		}

		var endTime *time.Time
		if status != domain.RunRunning {
			now := time.Now()
			endTime = &now
		}
		if err := store.SetRunStatus(cmd.Context(), args[0], runID, status, endTime); err != nil {
			return err
		}
		fmt.Printf("run %d of %q is now %s\n", runID, args[0], status)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database, workflow and node statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := persistence.DatabaseFileInfo(cfg.DatabasePath)
		fmt.Printf("Database: %s", info.Path)
		if info.Exists {
			fmt.Printf(" (%.1f KB)\n", info.SizeKB)
		} else {
			fmt.Println(" (not created yet)")
			return nil
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		workflows, err := store.WorkflowStatistics(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println("\nWorkflows:")
		for _, ws := range workflows {
			fmt.Printf("  %-30s %3d runs  latest %s (%s)\n",
				ws.WorkflowName, ws.TotalRuns, ws.LatestStatus, ws.LatestRun)
			for _, status := range []string{"running", "ok", "nok", "aborted"} {
				if count := ws.StatusCounts[status]; count > 0 {
					fmt.Printf("      %-8s %d\n", status, count)
				}
			}
		}

		nodes, err := store.NodeStatistics(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println("\nNodes:")
		for _, ns := range nodes {
			fmt.Printf("  %s/%s: %d attempts, %.0f%% failure rate\n",
				ns.WorkflowName, ns.NodeID, ns.Attempts(), ns.FailureRate()*100)
		}
		return nil
	},
}

var dagCmd = &cobra.Command{
	Use:   "dag [runbook.toml]",
	Short: "Export the dependency graph as Graphviz DOT",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rb, _, err := parseWithVars(newConsole(), args[0])
		if err != nil {
			return err
		}
		dot, err := visualize.NewDOTExporter().ExportDOT(rb)
		if err != nil {
			return err
		}
		fmt.Print(dot)
		return nil
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema for runbook documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := schema.Generate()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the registered plugins and their functions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := plugin.Default()
		names := registry.List()
		if len(names) == 0 {
			fmt.Println("no plugins registered")
			return nil
		}
		for _, name := range names {
			meta, err := registry.Metadata(name)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", meta.Name, meta.Version)
			if meta.Description != "" {
				fmt.Printf("  %s\n", meta.Description)
			}
			functions := make([]string, 0, len(meta.Functions))
			for fn := range meta.Functions {
				functions = append(functions, fn)
			}
			sort.Strings(functions)
			for _, fn := range functions {
				sig := meta.Functions[fn]
				params := make([]string, 0, len(sig.Parameters))
				for p := range sig.Parameters {
					params = append(params, p)
				}
				sort.Strings(params)
				fmt.Printf("  %s(%s)\n", fn, strings.Join(params, ", "))
			}
		}
		return nil
	},
}
