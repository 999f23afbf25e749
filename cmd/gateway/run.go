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
	"github.com/rs/dnscache"

	"github.com/sgp/pulse/internal/config"
	"github.com/sgp/pulse/internal/gateway"
	"github.com/sgp/pulse/internal/kv"
	"github.com/sgp/pulse/internal/telemetry"
	"github.com/sgp/pulse/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateGateway(); err != nil {
		return err
	}

	slog.Info("starting pulse-gateway", "version", version, "addr", cfg.Server.Addr)

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(context.Background(), "pulse-gateway",
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	// Shared key-value store for rate-limit counters. An unreachable store
	// is not fatal: the rate-limit filter fails open.
	rdb := kv.NewClient(cfg.Redis)
	defer rdb.Close()
	if err := kv.Ping(context.Background(), rdb); err != nil {
		slog.Warn("redis unreachable at startup, rate limiting fails open", "error", err)
	}
	counter := kv.NewCounterStore(rdb)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				resolver.Refresh(true)
			case <-workerCtx.Done():
				return
			}
		}
	}()

	deps := gateway.Deps{
		Config:  cfg.Gateway,
		Counter: counter,
		Client: &http.Client{
			Transport: gateway.NewTransport(resolver),
			Timeout:   60 * time.Second,
		},
		Metrics: metrics,
		ReadyCheck: func(ctx context.Context) error {
			return kv.Ping(ctx, rdb)
		},
	}

	var emitter *gateway.TelemetryEmitter
	if cfg.Gateway.Emitter.IsEnabled() {
		emitter = gateway.NewTelemetryEmitter(cfg.Gateway.Emitter, &http.Client{
			Transport: gateway.NewTransport(resolver),
			Timeout:   10 * time.Second,
		}, metrics)
		deps.Emitter = emitter
	}

	handler := gateway.New(deps)

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

	runnerDone := make(chan error, 1)
	if emitter != nil {
		runner := worker.NewRunner(emitter)
		go func() { runnerDone <- runner.Run(workerCtx) }()
	} else {
		close(runnerDone)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("pulse-gateway ready", "addr", cfg.Server.Addr, "routes", len(cfg.Gateway.Routes))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	// Stop accepting requests first, then let the emitter drain its queue
	// with one final flush.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	cancelWorkers()
	if err := <-runnerDone; err != nil {
		return err
	}

	slog.Info("pulse-gateway stopped")
	return nil
}
