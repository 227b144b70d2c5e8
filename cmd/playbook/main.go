package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/playbook-sh/playbook/pkg/config"
	"github.com/playbook-sh/playbook/pkg/console"
	"github.com/playbook-sh/playbook/pkg/domain"
	"github.com/playbook-sh/playbook/pkg/engine"
	"github.com/playbook-sh/playbook/pkg/log"
	"github.com/playbook-sh/playbook/pkg/parser"
	"github.com/playbook-sh/playbook/pkg/persistence"
	"github.com/playbook-sh/playbook/pkg/plugin"
	"github.com/playbook-sh/playbook/pkg/process"
	"github.com/playbook-sh/playbook/pkg/variables"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var cfg config.Config

var (
	flagDB             string
	flagNonInteractive bool
	flagLogLevel       string
	flagLogFormat      string
)

func main() {
	loadDotEnv()
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(exitCode(err))
	}
}

// loadDotEnv reads a .env file from the working directory and sets any
// variables that are not already set in the environment. The .env file
// is gitignored so secrets never end up in source control.
func loadDotEnv() {
	content, err := os.ReadFile(".env")
	if err != nil {
		return // no .env file, that's fine
	}
	for key, value := range variables.ParseDotEnv(string(content)) {
		if os.Getenv(key) == "" {
			os.Setenv(key, fmt.Sprintf("%v", value))
		}
	}
}

// Exit codes: 0 success, 1 parse/validation/execution failure,
// 2 configuration problem or missing dependency, 3 persistence failure.
func exitCode(err error) int {
	var (
		confErr    *domain.ConfigurationError
		notFound   *domain.PluginNotFoundError
		persistErr *domain.PersistenceError
	)
	switch {
	case errors.As(err, &confErr), errors.As(err, &notFound):
		return 2
	case errors.As(err, &persistErr):
		return 3
	default:
		return 1
	}
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	var confErr *domain.ConfigurationError
	if errors.As(err, &confErr) && confErr.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", confErr.Suggestion)
	}
}

var rootCmd = &cobra.Command{
	Use:           "playbook",
	Short:         "TOML-driven runbook engine",
	Long:          "playbook — run operational runbooks defined as TOML documents: manual steps, shell commands and plugin functions wired into a dependency graph, with every attempt persisted.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("db") {
			cfg.DatabasePath = flagDB
		}
		if cmd.Flags().Changed("non-interactive") {
			cfg.NonInteractive = flagNonInteractive
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = flagLogLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.LogFormat = flagLogFormat
		}
		log.Setup(cfg.LogLevel, cfg.LogFormat)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "path to the run database (default ~/.playbook/playbook.db)")
	rootCmd.PersistentFlags().BoolVar(&flagNonInteractive, "non-interactive", false, "auto-approve every prompt")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(runCmd, resumeCmd, validateCmd, showCmd, runsCmd,
		setStatusCmd, statsCmd, dagCmd, schemaCmd, pluginsCmd, versionCmd)
}

func openStore() (*persistence.Store, error) {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &domain.ConfigurationError{
				Message:    fmt.Sprintf("cannot create database directory %s: %v", dir, err),
				Suggestion: "check permissions or pass --db",
			}
		}
	}
	return persistence.Open(cfg.DatabasePath)
}

func newConsole() *console.Handler {
	if cfg.NonInteractive {
		return console.New(console.NonInteractive())
	}
	return console.New()
}

func newParser(h *console.Handler) *parser.Parser {
	return parser.New(variables.NewManager(cfg.EnvPrefix, h))
}

func newEngine(store *persistence.Store, h *console.Handler) *engine.Engine {
	return engine.New(engine.Options{
		Runs:    store,
		Execs:   store,
		Runner:  process.NewShellRunner(),
		IO:      h,
		Plugins: plugin.Default(),
	})
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("playbook %s (%s)\n", version, commit)
	},
}
