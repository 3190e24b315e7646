package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yairfalse/terradrift/internal/config"
	"github.com/yairfalse/terradrift/internal/telemetry"
	"github.com/yairfalse/terradrift/pkg/drift"
)

// cli carries the global flags and output streams shared by all commands.
type cli struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	logFormat  string
}

// exitError carries a process exit code without an error message of its own.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "terradrift",
		Short: "Detect drift between Terraform state and live infrastructure",
		Long: `terradrift - Terraform drift detection

terradrift lists every workspace state file in a storage backend (local,
S3, GCS or Azure Blob), runs a full terraform plan with refresh against
each one in parallel, and reports which workspaces have pending changes
because live infrastructure or configuration no longer match the state.

Exit codes: 0 clean, 2 drift detected, 1 error.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.setupLogging()
		},
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	root.SetVersionTemplate("terradrift {{.Version}}\n")

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Config file (default: terradrift.toml searched upward from the working directory)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from config, else info)")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "Log format: console, json (default from config, else console)")

	root.AddCommand(
		newDiffCmd(c),
		newWatchCmd(c),
		newHistoryCmd(c),
		newVersionCmd(c),
	)
	return root
}

// setupLogging applies flag values now; config values are applied once the
// config is loaded, unless a flag was given.
func (c *cli) setupLogging() error {
	level, format := c.logLevel, c.logFormat
	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "console"
	}
	return telemetry.SetupLogging(level, format, c.stderr)
}

// loadConfig loads and validates the config, then re-applies logging
// settings from it where no flag overrides them.
func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDiscover(c.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfg.Path(), err)
	}

	level, format := c.logLevel, c.logFormat
	if level == "" {
		level = cfg.Log.Level
	}
	if format == "" {
		format = cfg.Log.Format
	}
	if err := telemetry.SetupLogging(level, format, c.stderr); err != nil {
		return nil, err
	}
	return cfg, nil
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{stdout: stdout, stderr: stderr}
	root := newRootCmd(c)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return drift.ExitClean
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return drift.ExitError
}
