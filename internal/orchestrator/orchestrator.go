// Package orchestrator runs drift scans of every workspace in a profile with
// bounded concurrency.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/yairfalse/terradrift/internal/config"
	"github.com/yairfalse/terradrift/internal/filter"
	"github.com/yairfalse/terradrift/internal/plan"
	"github.com/yairfalse/terradrift/internal/source"
	"github.com/yairfalse/terradrift/internal/telemetry"
	"github.com/yairfalse/terradrift/pkg/drift"
)

// Resolver guarantees a terraform binary and reports its version.
type Resolver interface {
	Resolve(ctx context.Context, version string) (string, error)
	Version(ctx context.Context, bin string) (string, error)
}

// Planner runs a single plan.
type Planner interface {
	Run(ctx context.Context, req plan.Request) (*plan.Result, error)
}

// SourceFactory builds the state source of a profile.
type SourceFactory func(cfg config.Storage) (source.Source, error)

// Orchestrator coordinates resolve → list → fetch → plan for a profile
type Orchestrator struct {
	resolver  Resolver
	planner   Planner
	newSource SourceFactory
	metrics   *telemetry.ScanMetrics
	tracer    trace.Tracer
	logger    *telemetry.Logger
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(resolver Resolver, planner Planner) *Orchestrator {
	return &Orchestrator{
		resolver:  resolver,
		planner:   planner,
		newSource: source.New,
		tracer:    otel.Tracer(telemetry.InstrumentationName),
		logger:    telemetry.NewLogger("orchestrator"),
	}
}

// WithSourceFactory sets how state sources are built
func (o *Orchestrator) WithSourceFactory(f SourceFactory) *Orchestrator {
	o.newSource = f
	return o
}

// WithMetrics sets the per-workspace instruments
func (o *Orchestrator) WithMetrics(m *telemetry.ScanMetrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithTracer sets the tracer used for scan spans
func (o *Orchestrator) WithTracer(t trace.Tracer) *Orchestrator {
	o.tracer = t
	return o
}

// ResolveJobs picks the concurrency limit: an explicit override, then the
// profile setting, then max(NumCPU, 2).
func ResolveJobs(override int, profile config.Profile) int {
	switch {
	case override > 0:
		return override
	case profile.Jobs > 0:
		return profile.Jobs
	default:
		return max(runtime.NumCPU(), 2)
	}
}

// RunProfile scans every workspace of the profile. Resolve and list failures
// are fatal and return a nil Outcome. Task failures never cancel sibling
// tasks; they are collected in the Outcome and joined into the returned error.
func (o *Orchestrator) RunProfile(ctx context.Context, name string, profile config.Profile, jobs int) (*drift.Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.RunProfile",
		trace.WithAttributes(attribute.String("profile", name)))
	defer span.End()

	if profile.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, profile.Timeout)
		defer cancel()
	}

	outcome, err := o.runProfile(ctx, name, profile, jobs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (o *Orchestrator) runProfile(ctx context.Context, name string, profile config.Profile, jobs int) (*drift.Outcome, error) {
	logger := o.logger.With("profile", name)
	outcome := &drift.Outcome{Profile: name, StartedAt: time.Now()}

	f, err := filter.New(profile.Include, profile.Exclude)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", name, err)
	}

	bin, err := o.resolver.Resolve(ctx, profile.TerraformVersion)
	if err != nil {
		return nil, fmt.Errorf("resolve terraform: %w", err)
	}

	src, err := o.newSource(profile.Storage)
	if err != nil {
		return nil, fmt.Errorf("create state source: %w", err)
	}
	if c, ok := src.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				logger.Warn().Err(err).Str("source", src.Name()).Msg("failed to close state source")
			}
		}()
	}

	all, err := src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	workspaces := f.Apply(all)

	limit := ResolveJobs(jobs, profile)
	logger.WithContext(ctx).Info().
		Str("source", src.Name()).
		Str("terraform", bin).
		Int("workspaces", len(workspaces)).
		Int("filtered", len(all)-len(workspaces)).
		Int("jobs", limit).
		Msg("starting drift scan")

	var (
		sem = semaphore.NewWeighted(int64(limit))
		wg  sync.WaitGroup
		mu  sync.Mutex
	)
	for _, ws := range workspaces {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			outcome.Failures = append(outcome.Failures, drift.WorkspaceError{Workspace: ws, Err: err})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			report, err := o.scanWorkspace(ctx, name, bin, profile, src, ws)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcome.Failures = append(outcome.Failures, drift.WorkspaceError{
					Workspace: ws,
					NotFound:  source.IsNotFound(err),
					Err:       err,
				})
				return
			}
			outcome.Reports = append(outcome.Reports, report)
		}()
	}
	wg.Wait()

	outcome.Duration = time.Since(outcome.StartedAt)
	outcome.Sort()

	logger.WithContext(ctx).Info().
		Int("scanned", len(outcome.Reports)).
		Int("drifted", len(outcome.Drifted())).
		Int("failed", len(outcome.Failures)).
		Dur("duration", outcome.Duration).
		Msg("drift scan complete")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome, fmt.Errorf("scan %s interrupted: %w", name, errors.Join(ctxErr, outcome.Err()))
	}
	if err := outcome.Err(); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (o *Orchestrator) scanWorkspace(ctx context.Context, profileName, bin string, profile config.Profile, src source.Source, ws string) (drift.Report, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.scanWorkspace",
		trace.WithAttributes(attribute.String("workspace", ws)))
	defer span.End()

	if o.metrics != nil {
		o.metrics.TaskStarted(ctx, profileName)
		defer o.metrics.TaskFinished(ctx, profileName)
	}

	logger := o.logger.With("profile", profileName).With("workspace", ws)

	report, err := o.planWorkspace(ctx, bin, profile, src, ws)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WithContext(ctx).Error().Err(err).Msg("workspace scan failed")
		o.record(ctx, profileName, telemetry.StatusError, 0, false)
		return drift.Report{}, err
	}

	span.SetAttributes(
		attribute.Bool("drift", report.Drift),
		attribute.Int("changed_resources", report.ChangedResources),
	)
	status := telemetry.StatusClean
	if report.Drift {
		status = telemetry.StatusDrift
	}
	o.record(ctx, profileName, status, report.Duration, report.EarlyExit)

	logger.WithContext(ctx).Info().
		Bool("drift", report.Drift).
		Int("changed", report.ChangedResources).
		Bool("early_exit", report.EarlyExit).
		Dur("duration", report.Duration).
		Msg("workspace scanned")
	return report, nil
}

func (o *Orchestrator) planWorkspace(ctx context.Context, bin string, profile config.Profile, src source.Source, ws string) (drift.Report, error) {
	st, err := src.Fetch(ctx, ws)
	if err != nil {
		return drift.Report{}, err
	}
	defer func() {
		if err := st.Close(); err != nil {
			o.logger.Warn().Err(err).Str("workspace", ws).Msg("failed to remove state file")
		}
	}()

	res, err := o.planner.Run(ctx, plan.Request{
		Binary:     bin,
		StatePath:  st.Path,
		WorkingDir: profile.WorkingDir,
		Workspace:  ws,
	})
	if err != nil {
		return drift.Report{}, err
	}

	version, err := o.resolver.Version(ctx, bin)
	if err != nil {
		o.logger.Warn().Err(err).Str("workspace", ws).Msg("terraform version unavailable")
		version = ""
	}

	return drift.Report{
		Workspace:        ws,
		Drift:            res.Drift,
		ChangedResources: res.ChangedResources,
		Duration:         res.Duration,
		TerraformVersion: version,
		ExitCode:         res.ExitCode,
		EarlyExit:        res.EarlyExit,
	}, nil
}

func (o *Orchestrator) record(ctx context.Context, profile, status string, d time.Duration, earlyExit bool) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordWorkspace(ctx, profile, status, d, earlyExit)
}
