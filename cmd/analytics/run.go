package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgp/pulse/internal/analytics"
	"github.com/sgp/pulse/internal/config"
	"github.com/sgp/pulse/internal/kv"
	"github.com/sgp/pulse/internal/storage/sqlite"
	"github.com/sgp/pulse/internal/telemetry"
	"github.com/sgp/pulse/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting pulse-analytics", "version", version, "addr", cfg.Server.Addr)

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(context.Background(), "pulse-analytics",
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	// Storage closes last, after the cache client: the sink may still be
	// draining into it during shutdown.
	store, err := sqlite.New(cfg.Analytics.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb := kv.NewClient(cfg.Redis)
	defer rdb.Close()
	if err := kv.Ping(context.Background(), rdb); err != nil {
		slog.Warn("redis unreachable at startup, aggregates will not be cached", "error", err)
	}
	metricCache := kv.NewMetricCache(rdb)

	sink := analytics.NewSink(store, metrics,
		cfg.Analytics.Queue.Capacity,
		cfg.Analytics.Batch.Size,
		cfg.Analytics.Batch.FlushInterval,
		cfg.Analytics.Workers,
	)
	engine := analytics.NewEngine(metricCache, analytics.NewDigestRegistry(), metrics,
		time.Duration(cfg.Analytics.Metrics.WindowSeconds)*time.Second,
		cfg.Analytics.Metrics.AggregationInterval,
	)

	handler := analytics.NewServer(analytics.Deps{
		Sink:       sink,
		Engine:     engine,
		Cache:      metricCache,
		Store:      store,
		Metrics:    metrics,
		ReadyCheck: store.Ping,
	})

	mux := http.NewServeMux()
	if cfg.Telemetry.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	runner := worker.NewRunner(sink, engine)
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("pulse-analytics ready", "addr", cfg.Server.Addr,
		"workers", cfg.Analytics.Workers,
		"window_seconds", cfg.Analytics.Metrics.WindowSeconds,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	// Stop ingest first, then drain the sink and compute pools.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	cancelWorkers()
	if err := <-runnerDone; err != nil {
		return err
	}

	slog.Info("pulse-analytics stopped")
	return nil
}
