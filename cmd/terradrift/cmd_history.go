package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/terradrift/internal/history"
)

type historyOptions struct {
	profile string
	limit   int
	output  string
	compact int
}

func newHistoryCmd(c *cli) *cobra.Command {
	opts := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded scans of a profile",
		Long: `Show recorded scans of a profile and the current drift status of each
workspace, including the revision at which its ongoing drift started.

Requires [history] path in the config.`,
		Example: `  terradrift history -p prod            # Last 20 scans
  terradrift history -p prod -n 5       # Last 5 scans
  terradrift history -p prod --compact 100  # Keep only the newest 100 scans`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.runHistory(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.profile, "profile", "p", "", "Profile to show")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "Number of scans to show (0 for all)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", outputTable, "Output format: table, json")
	cmd.Flags().IntVar(&opts.compact, "compact", 0, "Delete all but the newest N scans of every profile before showing")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func (c *cli) runHistory(opts *historyOptions) (err error) {
	if err := validateOutput(opts.output); err != nil {
		return err
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if cfg.History.Path == "" {
		return fmt.Errorf("history is disabled: set [history] path in %s", cfg.Path())
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, store.Close()) }()

	if opts.compact > 0 {
		if err := store.Compact(opts.compact); err != nil {
			return fmt.Errorf("compact history: %w", err)
		}
	}

	entries, err := store.Recent(opts.profile, opts.limit)
	if err != nil {
		return err
	}
	view := historyView{
		Scans:      entries,
		Workspaces: store.Workspaces(opts.profile),
	}
	return renderHistory(c.stdout, opts.profile, view, opts.output)
}
