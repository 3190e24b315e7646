package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/terradrift/internal/config"
	"github.com/yairfalse/terradrift/pkg/drift"
)

type diffOptions struct {
	profile  string
	jobs     int
	output   string
	partial  bool
	timeout  time.Duration
	noNotify bool
}

func newDiffCmd(c *cli) *cobra.Command {
	opts := &diffOptions{}
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Scan every workspace of a profile for drift",
		Long: `Scan every workspace of a profile for drift.

Each workspace state is fetched from the profile's storage backend and
planned in parallel. A plan is stopped as soon as its first resource change
is seen.

Exit codes: 0 clean, 2 drift detected, 1 any workspace failed.`,
		Example: `  terradrift diff -p prod                 # Scan the prod profile
  terradrift diff -p prod -j 8            # Up to 8 plans at once
  terradrift diff -p prod --output json   # Machine-readable results
  terradrift diff -p prod --partial       # Show results even if some workspaces failed
  terradrift diff -p prod --timeout 20m   # Cancel the whole scan after 20 minutes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runDiff(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.profile, "profile", "p", "", "Profile to scan")
	cmd.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "Maximum concurrent plans (default: profile jobs, else number of CPUs)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", outputTable, "Output format: table, json")
	cmd.Flags().BoolVar(&opts.partial, "partial", false, "Render results of the workspaces that succeeded when others failed")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Overall scan timeout (overrides the profile timeout)")
	cmd.Flags().BoolVar(&opts.noNotify, "no-notify", false, "Skip Slack and webhook notifications")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func (c *cli) runDiff(ctx context.Context, opts *diffOptions) error {
	if err := validateOutput(opts.output); err != nil {
		return err
	}
	if opts.jobs < 0 {
		return fmt.Errorf("jobs must not be negative (got %d)", opts.jobs)
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	profile, err := cfg.Profile(opts.profile)
	if err != nil {
		return err
	}
	if opts.timeout > 0 {
		profile.Timeout = opts.timeout
	}

	s, err := newScanner(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()

	return c.diff(ctx, s, opts, profile)
}

func (c *cli) diff(ctx context.Context, s *scanner, opts *diffOptions, profile config.Profile) error {
	outcome, err := s.scan(ctx, opts.profile, profile, opts.jobs)
	if outcome == nil {
		return err
	}
	_ = s.record(ctx, outcome)

	if err != nil && !opts.partial {
		return &exitError{code: drift.ExitError, err: err}
	}

	if renderErr := renderOutcome(c.stdout, outcome, opts.output); renderErr != nil {
		return renderErr
	}

	if !opts.noNotify {
		// the scan context may already be cancelled by a timeout
		_ = s.notify(context.WithoutCancel(ctx), outcome)
	}

	code := outcome.ExitCode()
	if err != nil {
		code = drift.ExitError
	}
	if code != drift.ExitClean {
		return &exitError{code: code, err: err}
	}
	return nil
}
