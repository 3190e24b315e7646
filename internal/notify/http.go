package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// StatusError is returned when an endpoint answers with a non-2xx status.
type StatusError struct {
	URL    string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("post %s: status %d", e.URL, e.Code)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// retryable reports whether the status may succeed on a later attempt.
func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type poster struct {
	client      *http.Client
	maxRetries  int
	initialWait time.Duration
}

// postJSON sends payload as JSON, retrying transient failures with
// exponential backoff.
func (p *poster) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialWait

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := p.send(ctx, url, body)
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.maxRetries)+1),
	)
	return err
}

func (p *poster) send(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "terradrift")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: url, Code: resp.StatusCode, Detail: string(bytes.TrimSpace(detail))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
