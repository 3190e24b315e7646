package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/yairfalse/terradrift/pkg/drift"
)

const defaultWebhookRetries = 3

// WebhookSink posts every outcome as JSON to a generic HTTP endpoint.
type WebhookSink struct {
	url    string
	poster poster
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithMaxRetries sets how many times a failed delivery is retried.
// Values <= 0 keep the default.
func WithMaxRetries(n int) WebhookOption {
	return func(s *WebhookSink) {
		if n > 0 {
			s.poster.maxRetries = n
		}
	}
}

// WithInitialBackoff sets the wait before the first retry.
func WithInitialBackoff(d time.Duration) WebhookOption {
	return func(s *WebhookSink) { s.poster.initialWait = d }
}

// WithHTTPClient sets the client used for delivery.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSink) { s.poster.client = c }
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url string, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		url: url,
		poster: poster{
			client:      &http.Client{Timeout: 30 * time.Second},
			maxRetries:  defaultWebhookRetries,
			initialWait: time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify posts the outcome regardless of whether drift was found.
func (s *WebhookSink) Notify(ctx context.Context, outcome *drift.Outcome) error {
	if err := s.poster.postJSON(ctx, s.url, outcome); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}
