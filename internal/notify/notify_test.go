package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/terradrift/internal/config"
	"github.com/yairfalse/terradrift/pkg/drift"
)

func outcomeWithDrift(n int) *drift.Outcome {
	o := &drift.Outcome{Profile: "prod"}
	for i := 0; i < 3; i++ {
		o.Reports = append(o.Reports, drift.Report{
			Workspace: string(rune('a' + i)),
			Drift:     i < n,
		})
	}
	return o
}

type capture struct {
	hits   atomic.Int32
	bodies chan []byte
}

func newCaptureServer(t *testing.T, statuses ...int) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{bodies: make(chan []byte, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(c.hits.Add(1))
		body, _ := io.ReadAll(r.Body)
		c.bodies <- body
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		status := http.StatusOK
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestSlackText(t *testing.T) {
	assert.Equal(t, "", SlackText(outcomeWithDrift(0), ""))
	assert.Equal(t,
		":rotating_light: Terradrift detected drift in 2 workspace(s) for profile *prod*.",
		SlackText(outcomeWithDrift(2), ""))
	assert.Equal(t,
		":rotating_light: Terradrift detected drift in 1 workspace(s) for profile *prod*. <https://ci.example.com/run/42|View plan>",
		SlackText(outcomeWithDrift(1), "https://ci.example.com/run/42"))
}

func TestSlackSink_PostsOnDrift(t *testing.T) {
	srv, c := newCaptureServer(t)
	sink := NewSlackSink(srv.URL, "")

	require.NoError(t, sink.Notify(context.Background(), outcomeWithDrift(1)))
	require.Equal(t, int32(1), c.hits.Load())

	var payload map[string]string
	require.NoError(t, json.Unmarshal(<-c.bodies, &payload))
	assert.Contains(t, payload["text"], "drift in 1 workspace(s)")
}

func TestSlackSink_SilentWithoutDrift(t *testing.T) {
	srv, c := newCaptureServer(t)
	sink := NewSlackSink(srv.URL, "")

	require.NoError(t, sink.Notify(context.Background(), outcomeWithDrift(0)))
	assert.Zero(t, c.hits.Load())
}

func TestSlackSink_Error(t *testing.T) {
	srv, c := newCaptureServer(t, http.StatusForbidden)
	sink := NewSlackSink(srv.URL, "")

	err := sink.Notify(context.Background(), outcomeWithDrift(1))
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, int32(1), c.hits.Load())
}

func TestWebhookSink_PostsOutcome(t *testing.T) {
	srv, c := newCaptureServer(t)
	sink := NewWebhookSink(srv.URL)

	require.NoError(t, sink.Notify(context.Background(), outcomeWithDrift(0)))

	var got drift.Outcome
	require.NoError(t, json.Unmarshal(<-c.bodies, &got))
	assert.Equal(t, "prod", got.Profile)
	assert.Len(t, got.Reports, 3)
}

func TestWebhookSink_RetriesTransientFailures(t *testing.T) {
	srv, c := newCaptureServer(t, http.StatusBadGateway, http.StatusTooManyRequests)
	sink := NewWebhookSink(srv.URL, WithMaxRetries(3), WithInitialBackoff(time.Millisecond))

	require.NoError(t, sink.Notify(context.Background(), outcomeWithDrift(1)))
	assert.Equal(t, int32(3), c.hits.Load())
}

func TestWebhookSink_GivesUp(t *testing.T) {
	srv, c := newCaptureServer(t, 500, 500, 500, 500, 500)
	sink := NewWebhookSink(srv.URL, WithMaxRetries(2), WithInitialBackoff(time.Millisecond))

	err := sink.Notify(context.Background(), outcomeWithDrift(1))
	require.Error(t, err)
	assert.Equal(t, int32(3), c.hits.Load())
}

func TestWebhookSink_ClientErrorNotRetried(t *testing.T) {
	srv, c := newCaptureServer(t, http.StatusBadRequest)
	sink := NewWebhookSink(srv.URL, WithMaxRetries(5), WithInitialBackoff(time.Millisecond))

	err := sink.Notify(context.Background(), outcomeWithDrift(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), c.hits.Load())
}

type mockSink struct {
	calls atomic.Int32
	err   error
	block bool
}

func (m *mockSink) Notify(ctx context.Context, _ *drift.Outcome) error {
	m.calls.Add(1)
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.err
}

func TestMultiSink(t *testing.T) {
	failing := &mockSink{err: errors.New("boom")}
	ok := &mockSink{}
	multi := NewMultiSink(failing, ok)

	err := multi.Notify(context.Background(), outcomeWithDrift(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int32(1), failing.calls.Load())
	assert.Equal(t, int32(1), ok.calls.Load())
	assert.Equal(t, 2, multi.Len())
}

func TestMultiSink_Empty(t *testing.T) {
	assert.NoError(t, NewMultiSink().Notify(context.Background(), outcomeWithDrift(1)))
}

func TestFromConfig(t *testing.T) {
	assert.Equal(t, 0, FromConfig(config.NotifyConfig{}).Len())

	cfg := config.NotifyConfig{
		Slack:   config.SlackConfig{WebhookURL: "https://hooks.slack.com/x"},
		Webhook: config.WebhookConfig{URL: "https://example.com/hook", MaxRetries: 1},
	}
	assert.Equal(t, 2, FromConfig(cfg).Len())
}

func TestDeliver_BoundedAndSilent(t *testing.T) {
	sink := &mockSink{block: true}

	start := time.Now()
	Deliver(context.Background(), sink, outcomeWithDrift(1), 50*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int32(1), sink.calls.Load())

	// nil outcome and nil sink are ignored
	Deliver(context.Background(), sink, nil, time.Second)
	Deliver(context.Background(), nil, outcomeWithDrift(1), time.Second)
	assert.Equal(t, int32(1), sink.calls.Load())
}
