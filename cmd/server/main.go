package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dropwatch/dropwatch/internal/aggregation"
	"github.com/dropwatch/dropwatch/internal/config"
	"github.com/dropwatch/dropwatch/internal/database"
	"github.com/dropwatch/dropwatch/internal/discovery"
	"github.com/dropwatch/dropwatch/internal/feed"
	"github.com/dropwatch/dropwatch/internal/handler"
	"github.com/dropwatch/dropwatch/internal/notify"
	"github.com/dropwatch/dropwatch/internal/provider"
	"github.com/dropwatch/dropwatch/internal/server"
	"github.com/dropwatch/dropwatch/internal/store"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := initLogger(cfg.Logging)
	logger.Info("starting dropwatch server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"window_days", cfg.Discovery.WindowDays,
		"time_slots", cfg.Discovery.TimeSlots,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("DB init failed: %v", err)
	}
	defer pool.Close()

	if err := database.RunMigrations(pool); err != nil {
		log.Fatalf("Migrations failed: %v", err)
	}

	db := store.NewStore(pool, logger)

	registry := provider.NewRegistry(cfg.Provider.Default, logger)
	registry.Register(provider.NewResy(cfg.Provider, logger))
	registry.Register(provider.NewOpenTable(cfg.Provider, logger))

	agg := aggregation.New(db, logger)
	heartbeat := discovery.NewHeartbeat()
	worker := discovery.NewWorker(db, registry, agg, cfg.Discovery.PartySizes, cfg.Discovery.GetDedupeTTL(), logger)

	scheduler, err := discovery.NewScheduler(db, worker, heartbeat, cfg.Discovery, logger)
	if err != nil {
		log.Fatalf("Failed to initialize scheduler: %v", err)
	}
	retention, err := discovery.NewRetention(db, worker, agg, cfg.Discovery, cfg.Retention, logger)
	if err != nil {
		log.Fatalf("Failed to initialize retention: %v", err)
	}

	// Notification transports are optional: a missing APNs key or SMTP
	// account disables that transport, the rest of the service runs.
	var pusher notify.Pusher
	if p, err := notify.NewAPNsPusher(cfg.Notify, logger); err != nil {
		logger.Warn("apns push disabled", "reason", err)
	} else {
		pusher = p
	}
	var mailer notify.Mailer
	if m, err := notify.NewSMTPMailer(cfg.Notify, logger); err != nil {
		logger.Warn("email digest disabled", "reason", err)
	} else {
		mailer = m
	}
	fanout := notify.NewFanout(db, pusher, mailer, cfg.Notify, logger)

	feedSvc, err := feed.NewService(db, cfg.Discovery, logger)
	if err != nil {
		log.Fatalf("Failed to initialize feed service: %v", err)
	}

	srv := server.New(cfg, server.Handlers{
		Health: handler.NewHealthHandler(heartbeat, feedSvc),
		Feed:   handler.NewFeedHandler(feedSvc),
		Notify: handler.NewNotifyHandler(db),
		Admin:  handler.NewAdminHandler(retention),
	}, logger)

	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler error", "error", err)
		}
	}()
	go func() {
		if err := retention.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("retention error", "error", err)
		}
	}()
	go func() {
		if err := fanout.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("notification fan-out error", "error", err)
		}
	}()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped gracefully")
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h)
}
