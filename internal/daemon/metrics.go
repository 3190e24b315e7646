package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/terradrift/internal/telemetry"
)

// DaemonMetrics holds watch loop metrics using OTEL semantic conventions
type DaemonMetrics struct {
	scans        metric.Int64Counter
	scanDuration metric.Float64Histogram
	lastScan     metric.Int64Gauge
}

// NewDaemonMetrics creates watch loop metrics on meter. A nil meter uses the
// global meter provider.
func NewDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	if meter == nil {
		meter = otel.Meter(telemetry.InstrumentationName + ".daemon")
	}

	scans, err := meter.Int64Counter(
		"terradrift.daemon.scans",
		metric.WithDescription("Number of watch loop scans"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		return nil, err
	}

	scanDuration, err := meter.Float64Histogram(
		"terradrift.daemon.scan.duration",
		metric.WithDescription("Duration of watch loop scans"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastScan, err := meter.Int64Gauge(
		"terradrift.daemon.last_scan",
		metric.WithDescription("Unix time of the most recent scan"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		scans:        scans,
		scanDuration: scanDuration,
		lastScan:     lastScan,
	}, nil
}

// RecordScan records one scan with its status. Safe on a nil receiver.
func (m *DaemonMetrics) RecordScan(ctx context.Context, profile, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.String("status", status),
	)
	m.scans.Add(ctx, 1, attrs)
	m.scanDuration.Record(ctx, d.Seconds(), attrs)
	m.lastScan.Record(ctx, time.Now().Unix(), metric.WithAttributes(attribute.String("profile", profile)))
}
