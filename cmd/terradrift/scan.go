package main

import (
	"context"
	"errors"
	"fmt"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/yairfalse/terradrift/internal/config"
	"github.com/yairfalse/terradrift/internal/history"
	"github.com/yairfalse/terradrift/internal/notify"
	"github.com/yairfalse/terradrift/internal/orchestrator"
	"github.com/yairfalse/terradrift/internal/plan"
	"github.com/yairfalse/terradrift/internal/telemetry"
	"github.com/yairfalse/terradrift/internal/terraform"
	"github.com/yairfalse/terradrift/pkg/drift"
)

// scanner wires the orchestrator and its collaborators for one invocation.
type scanner struct {
	orch     *orchestrator.Orchestrator
	provider *telemetry.Provider
	history  *history.Store
	sinks    *notify.MultiSink
	logger   *telemetry.Logger
}

func newScanner(ctx context.Context, cfg *config.Config, readers ...sdkmetric.Reader) (*scanner, error) {
	provider, err := telemetry.NewProvider(ctx, cfg.OTEL, readers...)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	metrics, err := telemetry.NewScanMetrics(provider.Meter())
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("init scan metrics: %w", err)
	}

	s := &scanner{
		orch: orchestrator.NewOrchestrator(terraform.NewManager(), plan.NewRunner()).
			WithMetrics(metrics).
			WithTracer(provider.Tracer()),
		provider: provider,
		sinks:    notify.FromConfig(cfg.Notify),
		logger:   telemetry.NewLogger("cli"),
	}

	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			_ = provider.Shutdown(ctx)
			return nil, err
		}
		s.history = store
	}
	return s, nil
}

// scan runs one profile scan.
func (s *scanner) scan(ctx context.Context, name string, profile config.Profile, jobs int) (*drift.Outcome, error) {
	return s.orch.RunProfile(ctx, name, profile, jobs)
}

// record stores outcome in the history database when one is configured.
func (s *scanner) record(_ context.Context, outcome *drift.Outcome) error {
	if s.history == nil || outcome == nil {
		return nil
	}
	rev, err := s.history.Record(outcome)
	if err != nil {
		s.logger.Error().Err(err).Str("profile", outcome.Profile).Msg("failed to record scan history")
		return nil
	}
	s.logger.Debug().Int64("revision", rev).Str("profile", outcome.Profile).Msg("scan recorded")
	return nil
}

// notify delivers outcome to the configured sinks, bounded and best effort.
func (s *scanner) notify(ctx context.Context, outcome *drift.Outcome) error {
	if s.sinks.Len() == 0 {
		return nil
	}
	notify.Deliver(ctx, s.sinks, outcome, notify.DefaultTimeout)
	return nil
}

// Close flushes telemetry and closes the history database.
func (s *scanner) Close(ctx context.Context) error {
	var errs []error
	if s.history != nil {
		errs = append(errs, s.history.Close())
	}
	errs = append(errs, s.provider.Shutdown(ctx))
	return errors.Join(errs...)
}
