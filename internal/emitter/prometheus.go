package emitter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/terradrift/internal/telemetry"
	"github.com/yairfalse/terradrift/pkg/drift"
)

// PrometheusEmitter emits outcome metrics via OTEL. Served on /metrics
// through the OTEL Prometheus exporter in watch mode.
type PrometheusEmitter struct {
	meter  metric.Meter
	logger *telemetry.Logger

	// Metrics
	workspaceInfo      metric.Int64ObservableGauge
	driftedWorkspaces  metric.Int64ObservableGauge
	scanDuration       metric.Float64Histogram
	scansTotal         metric.Int64Counter
	scanErrorsTotal    metric.Int64Counter
	driftChangesTotal  metric.Int64Counter
	changedResourceSum metric.Int64ObservableGauge

	// State for observable gauges, latest outcome per profile
	mu     sync.RWMutex
	latest map[string]*drift.Outcome

	// Diff tracking, per profile
	trackers map[string]*DiffTracker
}

// PrometheusOption configures a PrometheusEmitter.
type PrometheusOption func(*PrometheusEmitter)

// WithMeter records on meter instead of the global meter provider.
func WithMeter(meter metric.Meter) PrometheusOption {
	return func(e *PrometheusEmitter) { e.meter = meter }
}

// NewPrometheusEmitter creates a Prometheus emitter.
func NewPrometheusEmitter(opts ...PrometheusOption) (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{
		meter:    otel.Meter(telemetry.InstrumentationName),
		logger:   telemetry.NewLogger("emitter"),
		latest:   make(map[string]*drift.Outcome),
		trackers: make(map[string]*DiffTracker),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	// Workspace info gauge - one series per workspace of the latest scan
	e.workspaceInfo, err = e.meter.Int64ObservableGauge(
		"terradrift_workspace_info",
		metric.WithDescription("Latest scan status per workspace"),
		metric.WithInt64Callback(e.observeWorkspaces),
	)
	if err != nil {
		return fmt.Errorf("create workspace_info gauge: %w", err)
	}

	e.driftedWorkspaces, err = e.meter.Int64ObservableGauge(
		"terradrift_drifted_workspaces",
		metric.WithDescription("Workspaces with drift in the latest scan"),
		metric.WithInt64Callback(e.observeDrifted),
	)
	if err != nil {
		return fmt.Errorf("create drifted_workspaces gauge: %w", err)
	}

	e.changedResourceSum, err = e.meter.Int64ObservableGauge(
		"terradrift_changed_resources",
		metric.WithDescription("Changed resources seen in the latest scan"),
		metric.WithInt64Callback(e.observeChanged),
	)
	if err != nil {
		return fmt.Errorf("create changed_resources gauge: %w", err)
	}

	// Scan duration histogram
	e.scanDuration, err = e.meter.Float64Histogram(
		"terradrift_scan_duration_seconds",
		metric.WithDescription("Time taken to scan a profile"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create scan_duration histogram: %w", err)
	}

	e.scansTotal, err = e.meter.Int64Counter(
		"terradrift_scans_total",
		metric.WithDescription("Profile scans, by result"),
	)
	if err != nil {
		return fmt.Errorf("create scans counter: %w", err)
	}

	// Scan errors counter
	e.scanErrorsTotal, err = e.meter.Int64Counter(
		"terradrift_scan_errors_total",
		metric.WithDescription("Workspace tasks that failed"),
	)
	if err != nil {
		return fmt.Errorf("create scan_errors counter: %w", err)
	}

	// Drift transitions counter
	e.driftChangesTotal, err = e.meter.Int64Counter(
		"terradrift_drift_changes_total",
		metric.WithDescription("Workspace drift transitions detected between scans"),
	)
	if err != nil {
		return fmt.Errorf("create drift_changes counter: %w", err)
	}

	return nil
}

// Emit records the outcome as metrics.
func (e *PrometheusEmitter) Emit(ctx context.Context, outcome *drift.Outcome) error {
	if outcome == nil {
		return nil
	}
	profile := attribute.String("profile", outcome.Profile)

	e.scanDuration.Record(ctx, outcome.Duration.Seconds(), metric.WithAttributes(profile))
	e.scansTotal.Add(ctx, 1, metric.WithAttributes(profile, attribute.String("result", resultLabel(outcome))))

	if n := len(outcome.Failures); n > 0 {
		e.scanErrorsTotal.Add(ctx, int64(n), metric.WithAttributes(profile))
		e.logger.WithContext(ctx).Error().
			Err(outcome.Err()).
			Str("profile", outcome.Profile).
			Int("failed", n).
			Msg("scan errors")
	}

	e.emitDiffs(ctx, outcome)

	e.mu.Lock()
	e.latest[outcome.Profile] = outcome
	e.mu.Unlock()

	e.logger.WithContext(ctx).Info().
		Str("profile", outcome.Profile).
		Int("workspaces", len(outcome.Reports)+len(outcome.Failures)).
		Int("drifted", len(outcome.Drifted())).
		Dur("duration", outcome.Duration).
		Msg("scan complete")

	return nil
}

func (e *PrometheusEmitter) tracker(profile string) *DiffTracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trackers[profile]
	if !ok {
		t = NewDiffTracker()
		e.trackers[profile] = t
	}
	return t
}

// emitDiffs computes transitions and emits metrics/logs for them.
func (e *PrometheusEmitter) emitDiffs(ctx context.Context, outcome *drift.Outcome) {
	tracker := e.tracker(outcome.Profile)
	defer tracker.Update(outcome)

	transitions := tracker.ComputeDiff(outcome)
	if transitions == nil {
		// First scan - baseline established
		return
	}

	for _, tr := range transitions {
		e.driftChangesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("profile", outcome.Profile),
			attribute.String("change_type", string(tr.Type)),
		))

		e.logger.WithContext(ctx).Info().
			Str("profile", outcome.Profile).
			Str("workspace", tr.Workspace).
			Str("change", string(tr.Type)).
			Bool("drift", tr.Drift).
			Int("changed_resources", tr.ChangedResources).
			Msg("workspace changed")
	}
}

func resultLabel(outcome *drift.Outcome) string {
	switch outcome.ExitCode() {
	case drift.ExitError:
		return telemetry.StatusError
	case drift.ExitDrift:
		return telemetry.StatusDrift
	default:
		return telemetry.StatusClean
	}
}

// snapshot returns the latest outcomes ordered by profile.
func (e *PrometheusEmitter) snapshot() []*drift.Outcome {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*drift.Outcome, 0, len(e.latest))
	for _, o := range e.latest {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile < out[j].Profile })
	return out
}

// observeWorkspaces is the callback for the workspace_info gauge.
func (e *PrometheusEmitter) observeWorkspaces(_ context.Context, o metric.Int64Observer) error {
	for _, outcome := range e.snapshot() {
		for _, r := range outcome.Reports {
			status := telemetry.StatusClean
			if r.Drift {
				status = telemetry.StatusDrift
			}
			attrs := []attribute.KeyValue{
				attribute.String("profile", outcome.Profile),
				attribute.String("workspace", r.Workspace),
				attribute.String("status", status),
			}
			if r.TerraformVersion != "" {
				attrs = append(attrs, attribute.String("terraform_version", r.TerraformVersion))
			}
			o.Observe(1, metric.WithAttributes(attrs...))
		}
		for _, f := range outcome.Failures {
			o.Observe(1, metric.WithAttributes(
				attribute.String("profile", outcome.Profile),
				attribute.String("workspace", f.Workspace),
				attribute.String("status", telemetry.StatusError),
			))
		}
	}
	return nil
}

func (e *PrometheusEmitter) observeDrifted(_ context.Context, o metric.Int64Observer) error {
	for _, outcome := range e.snapshot() {
		o.Observe(int64(len(outcome.Drifted())), metric.WithAttributes(attribute.String("profile", outcome.Profile)))
	}
	return nil
}

func (e *PrometheusEmitter) observeChanged(_ context.Context, o metric.Int64Observer) error {
	for _, outcome := range e.snapshot() {
		var total int64
		for _, r := range outcome.Reports {
			total += int64(r.ChangedResources)
		}
		o.Observe(total, metric.WithAttributes(attribute.String("profile", outcome.Profile)))
	}
	return nil
}

// Close is a no-op for Prometheus emitter.
func (e *PrometheusEmitter) Close() error {
	return nil
}
