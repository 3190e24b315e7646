// Package notify delivers scan outcomes to chat and webhook endpoints.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/yairfalse/terradrift/internal/config"
	"github.com/yairfalse/terradrift/internal/telemetry"
	"github.com/yairfalse/terradrift/pkg/drift"
)

// DefaultTimeout bounds a best-effort delivery.
const DefaultTimeout = 10 * time.Second

// Sink receives a finished scan outcome.
type Sink interface {
	// Notify delivers the outcome. Sinks decide for themselves whether an
	// outcome is worth sending.
	Notify(ctx context.Context, outcome *drift.Outcome) error
}

// MultiSink fans out to multiple sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that delivers to every backend.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Notify delivers to all sinks and joins their errors. One failing sink does
// not stop the others.
func (m *MultiSink) Notify(ctx context.Context, outcome *drift.Outcome) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of configured sinks.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

// FromConfig builds the sinks enabled in cfg.
func FromConfig(cfg config.NotifyConfig) *MultiSink {
	var sinks []Sink
	if cfg.Slack.WebhookURL != "" {
		sinks = append(sinks, NewSlackSink(cfg.Slack.WebhookURL, cfg.Slack.PlanURL))
	}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, NewWebhookSink(cfg.Webhook.URL, WithMaxRetries(cfg.Webhook.MaxRetries)))
	}
	return NewMultiSink(sinks...)
}

// Deliver notifies sink within timeout. Errors are logged, never returned,
// so notification can not change the result of a scan.
func Deliver(ctx context.Context, sink Sink, outcome *drift.Outcome, timeout time.Duration) {
	if sink == nil || outcome == nil {
		return
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := sink.Notify(ctx, outcome); err != nil {
		telemetry.NewLogger("notify").WithContext(ctx).Warn().
			Err(err).
			Str("profile", outcome.Profile).
			Msg("notification failed")
	}
}
