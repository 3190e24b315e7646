package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/yairfalse/terradrift/pkg/drift"
)

// SlackSink posts a message to a Slack incoming webhook when drift is found.
type SlackSink struct {
	webhookURL string
	planURL    string
	poster     poster
}

// NewSlackSink creates a Slack sink. planURL, when set, is linked from the
// message.
func NewSlackSink(webhookURL, planURL string) *SlackSink {
	return &SlackSink{
		webhookURL: webhookURL,
		planURL:    planURL,
		poster: poster{
			client:      &http.Client{Timeout: 10 * time.Second},
			initialWait: 500 * time.Millisecond,
		},
	}
}

// Notify posts only when at least one workspace drifted.
func (s *SlackSink) Notify(ctx context.Context, outcome *drift.Outcome) error {
	text := SlackText(outcome, s.planURL)
	if text == "" {
		return nil
	}
	if err := s.poster.postJSON(ctx, s.webhookURL, map[string]string{"text": text}); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

// SlackText renders the drift message, or "" when nothing drifted.
func SlackText(outcome *drift.Outcome, planURL string) string {
	count := len(outcome.Drifted())
	if count == 0 {
		return ""
	}
	text := fmt.Sprintf(":rotating_light: Terradrift detected drift in %d workspace(s) for profile *%s*.", count, outcome.Profile)
	if planURL != "" {
		text += fmt.Sprintf(" <%s|View plan>", planURL)
	}
	return text
}
