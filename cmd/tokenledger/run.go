package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eugener/tokenledger/internal/config"
	"github.com/eugener/tokenledger/internal/enforcer"
	"github.com/eugener/tokenledger/internal/server"
	"github.com/eugener/tokenledger/internal/storage"
	"github.com/eugener/tokenledger/internal/telemetry"
	"github.com/eugener/tokenledger/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log))

	slog.Info("starting tokenledger", "version", version, "addr", cfg.Server.Addr, "driver", cfg.Database.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.WithoutCancel(ctx))
	}

	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	store, err := config.BuildStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	named, err := config.BuildLimiters(ctx, cfg, store, metrics)
	if err != nil {
		return err
	}

	var workers []worker.Worker
	opts := []enforcer.Option{enforcer.WithMetrics(metrics)}
	if us, ok := store.(storage.UsageStore); ok && cfg.Usage.Enabled {
		recorder := worker.NewUsageRecorder(us, metrics)
		opts = append(opts, enforcer.WithUsageSink(recorder))
		workers = append(workers, recorder)
	}

	enf, err := enforcer.New(named, opts...)
	if err != nil {
		return err
	}
	if err := config.Bootstrap(ctx, cfg, enf); err != nil {
		return err
	}

	if schedules := config.Schedules(cfg, named); len(schedules) > 0 {
		scheduler, err := worker.NewQuotaScheduler(store, schedules...)
		if err != nil {
			return err
		}
		workers = append(workers, scheduler)
	}

	handler := server.New(server.Deps{
		Quotas:         enf,
		Rows:           store,
		ReadyCheck:     store.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Workers outlive the signal context so the usage recorder can drain
	// after the server stops accepting requests.
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()
	var workersDone chan error
	if len(workers) > 0 {
		workersDone = make(chan error, 1)
		go func() { workersDone <- worker.NewRunner(workers...).Run(workerCtx) }()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("tokenledger ready", "addr", cfg.Server.Addr, "limiters", len(named))

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case serveErr = <-errCh:
	case serveErr = <-workersDone:
		workersDone = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}

	cancelWorkers()
	if workersDone != nil {
		if err := <-workersDone; err != nil && serveErr == nil {
			serveErr = err
		}
	}

	slog.Info("tokenledger stopped")
	return serveErr
}

func newLogger(c config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
