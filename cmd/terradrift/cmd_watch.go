package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"

	"github.com/yairfalse/terradrift/internal/daemon"
	"github.com/yairfalse/terradrift/internal/emitter"
	"github.com/yairfalse/terradrift/pkg/drift"
)

type watchOptions struct {
	profile     string
	jobs        int
	interval    time.Duration
	metricsAddr string
	timeout     time.Duration
}

func newWatchCmd(c *cli) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Scan a profile on an interval and export drift metrics",
		Long: `Run terradrift continuously.

The profile is scanned immediately and then once per interval. Results are
exported as Prometheus metrics, recorded in the history database when one is
configured, and sent to the configured notification sinks.

Endpoints:
- /metrics  Prometheus metrics
- /healthz  watch loop health (503 when the last scan failed)`,
		Example: `  terradrift watch -p prod                        # Scan hourly, metrics on :9090
  terradrift watch -p prod --interval 15m         # Scan every 15 minutes
  terradrift watch -p prod --metrics 127.0.0.1:2112`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runWatch(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.profile, "profile", "p", "", "Profile to scan")
	cmd.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "Maximum concurrent plans (default: profile jobs, else number of CPUs)")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Hour, "Scan interval")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics", ":9090", "Metrics server address")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Per-scan timeout (overrides the profile timeout)")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func (c *cli) runWatch(ctx context.Context, opts *watchOptions) error {
	if opts.interval <= 0 {
		return fmt.Errorf("interval must be positive (got %s)", opts.interval)
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	profile, err := cfg.Profile(opts.profile)
	if err != nil {
		return err
	}
	if opts.timeout > 0 {
		profile.Timeout = opts.timeout
	}

	// Initialize OTEL metrics with a Prometheus exporter on a private registry
	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}

	s, err := newScanner(ctx, cfg, promExporter)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()

	prom, err := emitter.NewPrometheusEmitter(emitter.WithMeter(s.provider.Meter()))
	if err != nil {
		return fmt.Errorf("create emitter: %w", err)
	}
	emit := emitter.NewMultiEmitter(prom, emitter.Func(s.record), emitter.Func(s.notify))
	defer func() { _ = emit.Close() }()

	daemonMetrics, err := daemon.NewDaemonMetrics(s.provider.Meter())
	if err != nil {
		return fmt.Errorf("create daemon metrics: %w", err)
	}

	scan := func(ctx context.Context) (*drift.Outcome, error) {
		return s.scan(ctx, opts.profile, profile, opts.jobs)
	}
	d, err := daemon.NewDaemon(daemon.Config{Profile: opts.profile, Interval: opts.interval}, scan, emit, daemonMetrics)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	ln, err := net.Listen("tcp", opts.metricsAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.metricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", d.HealthHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.logger.Info().
		Str("profile", opts.profile).
		Str("addr", ln.Addr().String()).
		Dur("interval", opts.interval).
		Msg("terradrift watch starting")

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	{
		watchCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(watchCtx)
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) || errors.Is(err, context.Canceled) {
		s.logger.Info().Msg("shutting down")
		return nil
	}
	return err
}
