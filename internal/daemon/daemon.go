// Package daemon runs profile scans on an interval for watch mode.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/terradrift/internal/emitter"
	"github.com/yairfalse/terradrift/internal/telemetry"
	"github.com/yairfalse/terradrift/pkg/drift"
)

// Health states.
const (
	StatusStarting = "starting"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// ScanFunc performs one profile scan.
type ScanFunc func(ctx context.Context) (*drift.Outcome, error)

// Config holds daemon configuration
type Config struct {
	Profile  string
	Interval time.Duration
}

// Daemon manages continuous drift scanning
type Daemon struct {
	profile   string
	interval  time.Duration
	scan      ScanFunc
	emitter   emitter.Emitter
	metrics   *DaemonMetrics
	logger    *telemetry.Logger
	startTime time.Time
	scanCount atomic.Int64

	mu       sync.RWMutex
	lastScan time.Time
	lastErr  error
	drifted  int
}

// NewDaemon creates a new daemon instance. A nil emitter discards outcomes
// and nil metrics record nothing.
func NewDaemon(config Config, scan ScanFunc, emit emitter.Emitter, metrics *DaemonMetrics) (*Daemon, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive (got %s)", config.Interval)
	}
	if scan == nil {
		return nil, fmt.Errorf("scan function is required")
	}
	if emit == nil {
		emit = emitter.NewMultiEmitter()
	}
	return &Daemon{
		profile:   config.Profile,
		interval:  config.Interval,
		scan:      scan,
		emitter:   emit,
		metrics:   metrics,
		logger:    telemetry.NewLogger("daemon").With("profile", config.Profile),
		startTime: time.Now(),
	}, nil
}

// Start scans immediately and then once per interval until ctx is done.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info().Dur("interval", d.interval).Msg("watch started")

	d.runScan(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Int64("scans", d.ScanCount()).Msg("watch stopped")
			return nil
		case <-ticker.C:
			d.runScan(ctx)
		}
	}
}

func (d *Daemon) runScan(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.scanCount.Add(1)
	start := time.Now()

	outcome, err := d.scan(ctx)
	if err == nil && outcome != nil {
		err = outcome.Err()
	}

	status := telemetry.StatusClean
	drifted := 0
	switch {
	case err != nil:
		status = telemetry.StatusError
	case outcome != nil && outcome.HasDrift():
		status = telemetry.StatusDrift
	}
	if outcome != nil {
		drifted = len(outcome.Drifted())
		if emitErr := d.emitter.Emit(ctx, outcome); emitErr != nil {
			d.logger.WithContext(ctx).Error().Err(emitErr).Msg("emit outcome")
		}
	}

	elapsed := time.Since(start)
	d.metrics.RecordScan(ctx, d.profile, status, elapsed)

	d.mu.Lock()
	d.lastScan = start
	d.lastErr = err
	d.drifted = drifted
	d.mu.Unlock()

	if err != nil {
		d.logger.WithContext(ctx).Error().Err(err).Dur("duration", elapsed).Msg("scan failed")
		return
	}
	d.logger.WithContext(ctx).Info().
		Str("status", status).
		Int("drifted", drifted).
		Dur("duration", elapsed).
		Msg("scan finished")
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h := HealthStatus{
		Status:  StatusHealthy,
		Profile: d.profile,
		Uptime:  int64(time.Since(d.startTime).Seconds()),
		Scans:   d.scanCount.Load(),
		Drifted: d.drifted,
	}
	switch {
	case d.lastScan.IsZero():
		h.Status = StatusStarting
	case d.lastErr != nil:
		h.Status = StatusDegraded
		h.LastError = d.lastErr.Error()
	}
	if !d.lastScan.IsZero() {
		last := d.lastScan
		h.LastScan = &last
	}
	return h
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status    string     `json:"status"`
	Profile   string     `json:"profile"`
	Uptime    int64      `json:"uptime_seconds"`
	Scans     int64      `json:"scans"`
	Drifted   int        `json:"drifted"`
	LastScan  *time.Time `json:"last_scan,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// HealthHandler serves Health as JSON. A degraded daemon answers 503.
func (d *Daemon) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h := d.Health()
		w.Header().Set("Content-Type", "application/json")
		if h.Status == StatusDegraded {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
}

// ScanCount returns total scans run
func (d *Daemon) ScanCount() int64 {
	return d.scanCount.Load()
}
