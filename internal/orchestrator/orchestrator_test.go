package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/yairfalse/terradrift/internal/config"
	"github.com/yairfalse/terradrift/internal/plan"
	"github.com/yairfalse/terradrift/internal/source"
	"github.com/yairfalse/terradrift/internal/telemetry"
	"github.com/yairfalse/terradrift/pkg/drift"
)

// mockResolver implements Resolver for testing.
type mockResolver struct {
	path       string
	err        error
	version    string
	versionErr error

	resolveCalls atomic.Int32
	gotVersion   string
}

func (m *mockResolver) Resolve(_ context.Context, version string) (string, error) {
	m.resolveCalls.Add(1)
	m.gotVersion = version
	if m.err != nil {
		return "", m.err
	}
	return m.path, nil
}

func (m *mockResolver) Version(context.Context, string) (string, error) {
	return m.version, m.versionErr
}

// mockPlanner implements Planner for testing.
type mockPlanner struct {
	RunFunc func(ctx context.Context, req plan.Request) (*plan.Result, error)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	mu          sync.Mutex
	requests    []plan.Request
}

func (m *mockPlanner) Run(ctx context.Context, req plan.Request) (*plan.Result, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.RunFunc != nil {
		return m.RunFunc(ctx, req)
	}
	return &plan.Result{Duration: time.Millisecond}, nil
}

// mockSource implements source.Source for testing.
type mockSource struct {
	workspaces []string
	listErr    error
	fetchErrs  map[string]error

	listCalls atomic.Int32
	mu        sync.Mutex
	paths     []string
}

func (m *mockSource) Name() string { return "mock" }

func (m *mockSource) List(context.Context) ([]string, error) {
	m.listCalls.Add(1)
	return m.workspaces, m.listErr
}

func (m *mockSource) Fetch(_ context.Context, ws string) (*source.State, error) {
	if err := m.fetchErrs[ws]; err != nil {
		return nil, err
	}
	st, err := source.Materialize(ws, strings.NewReader(`{"version":4}`))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.paths = append(m.paths, st.Path)
	m.mu.Unlock()
	return st, nil
}

func newTestOrchestrator(res *mockResolver, planner *mockPlanner, src *mockSource) *Orchestrator {
	return NewOrchestrator(res, planner).
		WithSourceFactory(func(config.Storage) (source.Source, error) { return src, nil })
}

func driftFor(workspaces ...string) func(context.Context, plan.Request) (*plan.Result, error) {
	set := make(map[string]bool)
	for _, ws := range workspaces {
		set[ws] = true
	}
	return func(_ context.Context, req plan.Request) (*plan.Result, error) {
		if set[req.Workspace] {
			return &plan.Result{Drift: true, ChangedResources: 1, ExitCode: -1, EarlyExit: true, Duration: time.Millisecond}, nil
		}
		return &plan.Result{Duration: time.Millisecond}, nil
	}
}

func TestRunProfile_Clean(t *testing.T) {
	res := &mockResolver{path: "/bin/terraform", version: "1.7.5"}
	planner := &mockPlanner{}
	src := &mockSource{workspaces: []string{"ws3", "ws1", "ws2"}}

	outcome, err := newTestOrchestrator(res, planner, src).
		RunProfile(context.Background(), "prod", config.Profile{Jobs: 2}, 0)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.Equal(t, "prod", outcome.Profile)
	assert.Equal(t, []string{"ws1", "ws2", "ws3"}, outcome.Workspaces())
	assert.Empty(t, outcome.Failures)
	assert.False(t, outcome.HasDrift())
	assert.Equal(t, drift.ExitClean, outcome.ExitCode())
	for _, r := range outcome.Reports {
		assert.Equal(t, "1.7.5", r.TerraformVersion)
		assert.False(t, r.Drift)
	}
	assert.Equal(t, int32(1), res.resolveCalls.Load())
	assert.Equal(t, int32(1), src.listCalls.Load())
}

func TestRunProfile_SingleDrift(t *testing.T) {
	res := &mockResolver{path: "/bin/terraform", version: "1.7.5"}
	planner := &mockPlanner{RunFunc: driftFor("ws2")}
	src := &mockSource{workspaces: []string{"ws1", "ws2", "ws3"}}

	outcome, err := newTestOrchestrator(res, planner, src).
		RunProfile(context.Background(), "prod", config.Profile{}, 0)
	require.NoError(t, err)

	drifted := outcome.Drifted()
	require.Len(t, drifted, 1)
	assert.Equal(t, "ws2", drifted[0].Workspace)
	assert.Equal(t, 1, drifted[0].ChangedResources)
	assert.True(t, drifted[0].EarlyExit)
	assert.Equal(t, drift.ExitDrift, outcome.ExitCode())
}

func TestRunProfile_MissingState(t *testing.T) {
	res := &mockResolver{path: "/bin/terraform"}
	planner := &mockPlanner{}
	src := &mockSource{
		workspaces: []string{"ws1", "ws2"},
		fetchErrs:  map[string]error{"ws2": fmt.Errorf("fetch ws2: %w", source.ErrNotFound)},
	}

	outcome, err := newTestOrchestrator(res, planner, src).
		RunProfile(context.Background(), "prod", config.Profile{}, 0)
	require.Error(t, err)
	require.NotNil(t, outcome)

	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, "ws2", outcome.Failures[0].Workspace)
	assert.True(t, outcome.Failures[0].NotFound)
	assert.True(t, source.IsNotFound(err))

	require.Len(t, outcome.Reports, 1)
	assert.Equal(t, "ws1", outcome.Reports[0].Workspace)
	assert.Equal(t, []string{"ws1", "ws2"}, outcome.Workspaces())
	assert.Equal(t, drift.ExitError, outcome.ExitCode())
}

func TestRunProfile_PlanFailureDoesNotCancelSiblings(t *testing.T) {
	res := &mockResolver{path: "/bin/terraform"}
	planner := &mockPlanner{RunFunc: func(ctx context.Context, req plan.Request) (*plan.Result, error) {
		if req.Workspace == "broken" {
			return nil, &plan.ExitError{Code: 1, Stderr: "Error: Invalid provider configuration"}
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &plan.Result{}, nil
	}}
	src := &mockSource{workspaces: []string{"a", "b", "broken", "c"}}

	outcome, err := newTestOrchestrator(res, planner, src).
		RunProfile(context.Background(), "prod", config.Profile{}, 4)
	require.Error(t, err)

	var exitErr *plan.ExitError
	assert.True(t, errors.As(err, &exitErr))

	require.Len(t, outcome.Failures, 1)
	assert.False(t, outcome.Failures[0].NotFound)
	assert.Len(t, outcome.Reports, 3)
}

func TestRunProfile_ConcurrencyBound(t *testing.T) {
	const limit = 3
	res := &mockResolver{path: "/bin/terraform"}
	planner := &mockPlanner{RunFunc: func(context.Context, plan.Request) (*plan.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return &plan.Result{}, nil
	}}

	var workspaces []string
	for i := 0; i < 20; i++ {
		workspaces = append(workspaces, fmt.Sprintf("ws%02d", i))
	}
	src := &mockSource{workspaces: workspaces}

	outcome, err := newTestOrchestrator(res, planner, src).
		RunProfile(context.Background(), "prod", config.Profile{Jobs: 10}, limit)
	require.NoError(t, err)

	assert.Len(t, outcome.Reports, 20)
	assert.LessOrEqual(t, planner.maxInFlight.Load(), int32(limit))
	assert.GreaterOrEqual(t, planner.maxInFlight.Load(), int32(2))
}

func TestRunProfile_ResolveFailureIsFatal(t *testing.T) {
	res := &mockResolver{err: errors.New("unsupported platform")}
	planner := &mockPlanner{}
	src := &mockSource{workspaces: []string{"ws1"}}

	outcome, err := newTestOrchestrator(res, planner, src).
		RunProfile(context.Background(), "prod", config.Profile{}, 0)
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Contains(t, err.Error(), "resolve terraform")
	assert.Zero(t, src.listCalls.Load())
	assert.Empty(t, planner.requests)
}

func TestRunProfile_ListFailureIsFatal(t *testing.T) {
	res := &mockResolver{path: "/bin/terraform"}
	planner := &mockPlanner{}
	src := &mockSource{listErr: errors.New("AccessDenied")}

	outcome, err := newTestOrchestrator(res, planner, src).
		RunProfile(context.Background(), "prod", config.Profile{}, 0)
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Contains(t, err.Error(), "list workspaces")
	assert.Empty(t, planner.requests)
}

// closingSource records Close, like backends holding SDK clients.
type closingSource struct {
	mockSource
	closeCalls atomic.Int32
	closeErr   error
}

func (c *closingSource) Close() error {
	c.closeCalls.Add(1)
	return c.closeErr
}

func TestRunProfile_ClosesSource(t *testing.T) {
	tests := []struct {
		name   string
		src    *closingSource
		wantOK bool
	}{
		{
			name:   "after scan",
			src:    &closingSource{mockSource: mockSource{workspaces: []string{"a", "b"}}},
			wantOK: true,
		},
		{
			name:   "after list failure",
			src:    &closingSource{mockSource: mockSource{listErr: errors.New("AccessDenied")}},
			wantOK: false,
		},
		{
			name: "close error does not fail the scan",
			src: &closingSource{
				mockSource: mockSource{workspaces: []string{"a"}},
				closeErr:   errors.New("close failed"),
			},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOrchestrator(&mockResolver{path: "/bin/terraform"}, &mockPlanner{}).
				WithSourceFactory(func(config.Storage) (source.Source, error) { return tt.src, nil })

			_, err := o.RunProfile(context.Background(), "prod", config.Profile{}, 0)
			if tt.wantOK {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
			assert.Equal(t, int32(1), tt.src.closeCalls.Load())
		})
	}
}

func TestRunProfile_SourceFactoryFailure(t *testing.T) {
	o := NewOrchestrator(&mockResolver{path: "/bin/terraform"}, &mockPlanner{}).
		WithSourceFactory(func(config.Storage) (source.Source, error) {
			return nil, errors.New("unknown storage provider")
		})

	outcome, err := o.RunProfile(context.Background(), "prod", config.Profile{}, 0)
	require.Error(t, err)
	assert.Nil(t, outcome)
}

func TestRunProfile_InvalidFilter(t *testing.T) {
	res := &mockResolver{path: "/bin/terraform"}
	outcome, err := newTestOrchestrator(res, &mockPlanner{}, &mockSource{}).
		RunProfile(context.Background(), "prod", config.Profile{Include: []string{"["}}, 0)
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Zero(t, res.resolveCalls.Load())
}

func TestRunProfile_FilterAndRequestFields(t *testing.T) {
	res := &mockResolver{path: "/opt/terraform", version: "1.6.6"}
	planner := &mockPlanner{}
	src := &mockSource{workspaces: []string{"app-dev", "app-prod", "app-sandbox", "network"}}

	profile := config.Profile{
		Include:          []string{"app-*"},
		Exclude:          []string{"*-sandbox"},
		TerraformVersion: "1.6.6",
		WorkingDir:       "/srv/infra",
	}
	outcome, err := newTestOrchestrator(res, planner, src).
		RunProfile(context.Background(), "prod", profile, 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"app-dev", "app-prod"}, outcome.Workspaces())
	assert.Equal(t, "1.6.6", res.gotVersion)
	require.Len(t, planner.requests, 2)
	for _, req := range planner.requests {
		assert.Equal(t, "/opt/terraform", req.Binary)
		assert.Equal(t, "/srv/infra", req.WorkingDir)
		assert.NotEmpty(t, req.StatePath)
	}
}

func TestRunProfile_StateFilesRemoved(t *testing.T) {
	res := &mockResolver{path: "/bin/terraform"}
	planner := &mockPlanner{RunFunc: func(_ context.Context, req plan.Request) (*plan.Result, error) {
		if req.Workspace == "bad" {
			return nil, &plan.ExitError{Code: 1}
		}
		return &plan.Result{}, nil
	}}
	src := &mockSource{workspaces: []string{"good", "bad"}}

	_, err := newTestOrchestrator(res, planner, src).
		RunProfile(context.Background(), "prod", config.Profile{}, 0)
	require.Error(t, err)

	require.Len(t, src.paths, 2)
	for _, p := range src.paths {
		_, statErr := os.Stat(p)
		assert.True(t, os.IsNotExist(statErr), "state file %s left behind", p)
	}
}

func TestRunProfile_VersionFailureDegrades(t *testing.T) {
	res := &mockResolver{path: "/bin/terraform", versionErr: errors.New("exec format error")}
	src := &mockSource{workspaces: []string{"ws1"}}

	outcome, err := newTestOrchestrator(res, &mockPlanner{}, src).
		RunProfile(context.Background(), "prod", config.Profile{}, 0)
	require.NoError(t, err)
	require.Len(t, outcome.Reports, 1)
	assert.Equal(t, "", outcome.Reports[0].TerraformVersion)
}

func TestRunProfile_Timeout(t *testing.T) {
	res := &mockResolver{path: "/bin/terraform"}
	planner := &mockPlanner{RunFunc: func(ctx context.Context, _ plan.Request) (*plan.Result, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("plan interrupted: %w", ctx.Err())
	}}
	src := &mockSource{workspaces: []string{"ws1", "ws2", "ws3"}}

	start := time.Now()
	outcome, err := newTestOrchestrator(res, planner, src).
		RunProfile(context.Background(), "prod", config.Profile{Timeout: 50 * time.Millisecond}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	require.NotNil(t, outcome)
	assert.Equal(t, []string{"ws1", "ws2", "ws3"}, outcome.Workspaces())
	assert.Len(t, outcome.Failures, 3)
}

func TestRunProfile_EmptyProfile(t *testing.T) {
	outcome, err := newTestOrchestrator(&mockResolver{path: "/bin/terraform"}, &mockPlanner{}, &mockSource{}).
		RunProfile(context.Background(), "empty", config.Profile{}, 0)
	require.NoError(t, err)
	assert.Empty(t, outcome.Reports)
	assert.Equal(t, drift.ExitClean, outcome.ExitCode())
}

func TestRunProfile_RecordsTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()
	metrics, err := telemetry.NewScanMetrics(mp.Meter("test"))
	require.NoError(t, err)

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	src := &mockSource{
		workspaces: []string{"clean", "drifted", "missing"},
		fetchErrs:  map[string]error{"missing": source.ErrNotFound},
	}
	o := newTestOrchestrator(&mockResolver{path: "/bin/terraform"}, &mockPlanner{RunFunc: driftFor("drifted")}, src).
		WithMetrics(metrics).
		WithTracer(tp.Tracer("test"))

	_, err = o.RunProfile(context.Background(), "prod", config.Profile{}, 0)
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	statuses := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "terradrift_workspaces_scanned_total" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				status, _ := dp.Attributes.Value("status")
				statuses[status.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"clean": 1, "drift": 1, "error": 1}, statuses)

	// one profile span plus one span per workspace
	assert.Len(t, exporter.GetSpans(), 4)
}

func TestResolveJobs(t *testing.T) {
	defaultJobs := max(runtime.NumCPU(), 2)

	tests := []struct {
		name     string
		override int
		profile  int
		want     int
	}{
		{"override wins", 4, 8, 4},
		{"profile setting", 0, 8, 8},
		{"default", 0, 0, defaultJobs},
		{"negative ignored", -1, -1, defaultJobs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveJobs(tt.override, config.Profile{Jobs: tt.profile}))
		})
	}
}
