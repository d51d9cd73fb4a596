package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zanewnch/aiot-scheduler/internal/broker"
	"github.com/zanewnch/aiot-scheduler/internal/config"
	"github.com/zanewnch/aiot-scheduler/internal/db"
	httpx "github.com/zanewnch/aiot-scheduler/internal/http"
	"github.com/zanewnch/aiot-scheduler/internal/kv"
	"github.com/zanewnch/aiot-scheduler/internal/monitoring"
	"github.com/zanewnch/aiot-scheduler/internal/notify"
	"github.com/zanewnch/aiot-scheduler/internal/notify/providers"
	"github.com/zanewnch/aiot-scheduler/internal/observability"
	"github.com/zanewnch/aiot-scheduler/internal/repo/postgres"
	"github.com/zanewnch/aiot-scheduler/internal/scheduler"
)

const forceExitAfter = 30 * time.Second

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	// Root context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// tracing first so all spans/logs can attach
	shutdownTracer, err := observability.InitTracer(context.Background(), "aiot-scheduler", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	logger := observability.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	pool, err := db.NewPool(cfg.DBURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	tasksRepo := postgres.NewTasksRepo(pool, prom)
	telemetryRepo := postgres.NewTelemetryRepo(pool, prom)

	kvClient := kv.New(kv.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer kvClient.Close()

	adapter := broker.New(broker.Config{
		URL:                  cfg.BrokerURL,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Prefetch:             cfg.Prefetch,
	}, prom)

	if err := adapter.Connect(ctx); err != nil {
		logger.Error("broker connection failed", "err", err)
		os.Exit(1)
	}
	defer adapter.Close()

	// notification channels; unconfigured providers simply stay unregistered
	registry := providers.NewRegistry()
	if cfg.SMTPHost != "" {
		registry.Register(providers.NewEmailProvider(providers.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}))
	}
	if cfg.WebhookURL != "" {
		registry.Register(providers.NewWebhookProvider(providers.WebhookConfig{
			URL:           cfg.WebhookURL,
			RetryAttempts: cfg.NotifyMaxRetries,
			RetryDelay:    cfg.NotifyRetryDelay,
			Environment:   cfg.Env,
		}))
	}
	if cfg.SlackToken != "" {
		registry.Register(providers.NewSlackProvider(providers.SlackConfig{
			Token:          cfg.SlackToken,
			DefaultChannel: cfg.SlackChannel,
		}))
	}

	engine := notify.NewEngine(notify.Config{
		MaxRetries: cfg.NotifyMaxRetries,
	}, notify.DefaultRules(cfg.AlertEmails), notify.NewTemplateStore(nil), registry, kvClient, prom)

	if err := engine.Start(ctx); err != nil {
		logger.Error("notification engine start failed", "err", err)
		os.Exit(1)
	}

	alertCenter := monitoring.NewAlertCenter(engine, prom)

	probes := []monitoring.Probe{
		{
			Name:  "database",
			Check: func(ctx context.Context) error { return pool.Ping(ctx) },
			Slow:  time.Second,
		},
		{
			Name: "broker",
			Check: func(ctx context.Context) error {
				if !adapter.Connected() {
					return broker.ErrNotConnected
				}
				return nil
			},
		},
		{
			Name:  "kv",
			Check: kvClient.Ping,
			Slow:  500 * time.Millisecond,
		},
	}

	collector := monitoring.NewCollector(monitoring.CollectorConfig{
		Thresholds: monitoring.DefaultThresholds(),
	}, kvClient, tasksRepo, adapter, alertCenter, probes)

	if err := collector.Start(ctx); err != nil {
		logger.Error("monitoring collector start failed", "err", err)
		os.Exit(1)
	}

	metrics := observability.NewSchedMetrics()

	loc, err := time.LoadLocation(cfg.CronTZ)
	if err != nil {
		logger.Error("invalid cron timezone", "tz", cfg.CronTZ, "err", err)
		os.Exit(1)
	}

	archiveProducer, err := scheduler.NewArchiveProducer(scheduler.ArchiveProducerConfig{
		CronSpec:      cfg.ArchiveCron,
		Location:      loc,
		RetentionDays: cfg.RetentionDays,
		BatchSize:     cfg.BatchSize,
		MaxRetries:    cfg.MaxRetries,
	}, tasksRepo, telemetryRepo, adapter, metrics, prom)
	if err != nil {
		logger.Error("archive producer init failed", "err", err)
		os.Exit(1)
	}

	cleanupProducer, err := scheduler.NewCleanupProducer(scheduler.CleanupProducerConfig{
		CronSpec:      cfg.CleanupCron,
		Location:      loc,
		DaysThreshold: cfg.CleanupAfterDays,
		BatchSize:     cfg.BatchSize,
	}, adapter, tasksRepo, prom)
	if err != nil {
		logger.Error("cleanup producer init failed", "err", err)
		os.Exit(1)
	}

	monitor := scheduler.NewMonitor(scheduler.MonitorConfig{
		TimeoutSweepEvery: cfg.TimeoutSweepEvery,
		RetrySweepEvery:   cfg.RetrySweepEvery,
		TaskTimeout:       cfg.TaskTimeout,
		RetryCooldown:     cfg.RetryCooldown,
		MaxRetries:        cfg.MaxRetries,
		BatchSize:         cfg.BatchSize,
	}, tasksRepo, adapter, metrics, prom)

	resultHandler := scheduler.NewResultHandler(tasksRepo, adapter, cfg.Prefetch, metrics, prom)

	coordinator := scheduler.NewCoordinator(
		resultHandler, archiveProducer, cleanupProducer, monitor,
		adapter.Reconnected(), metrics,
	)

	if err := coordinator.Start(ctx); err != nil {
		logger.Error("coordinator start failed", "err", err)
		os.Exit(1)
	}

	router := httpx.NewRouter(httpx.Deps{
		Env:           cfg.Env,
		Health:        collector,
		Tasks:         tasksRepo,
		Archive:       archiveProducer,
		Cleanup:       cleanupProducer,
		Coordinator:   coordinator,
		Requeuer:      monitor,
		Alerts:        alertCenter,
		Notifications: engine,
		KV:            kvClient,
		Prom:          prom,
		PromRegistry:  reg,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	// Block until we get SIGINT/SIGTERM
	<-ctx.Done()

	logger.Info("shutdown signal received")

	// a stuck dependency must not keep the process alive forever
	go func() {
		time.Sleep(forceExitAfter)
		logger.Error("forced shutdown: grace period exceeded")
		os.Exit(1)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server graceful shutdown failed", "err", err)
		_ = srv.Close() // last resort
	}

	if err := coordinator.Stop(shutdownCtx); err != nil {
		logger.Error("coordinator stop failed", "err", err)
	}
	if err := collector.Stop(shutdownCtx); err != nil {
		logger.Error("collector stop failed", "err", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("notification engine shutdown failed", "err", err)
	}

	logger.Info("scheduler stopped gracefully.")
}
