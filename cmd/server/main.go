// ccbridge - Telegram to coding-agent bridge server
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

	"github.com/joho/godotenv"

	"github.com/ashureev/ccbridge/internal/adapter"
	"github.com/ashureev/ccbridge/internal/api"
	"github.com/ashureev/ccbridge/internal/config"
	"github.com/ashureev/ccbridge/internal/dockerx"
	"github.com/ashureev/ccbridge/internal/guard"
	"github.com/ashureev/ccbridge/internal/health"
	"github.com/ashureev/ccbridge/internal/registry"
	"github.com/ashureev/ccbridge/internal/session"
	"github.com/ashureev/ccbridge/internal/telegram"
	"github.com/ashureev/ccbridge/internal/tmux"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})))
	}

	slog.Info("Starting bridge", "port", cfg.Port, "project", cfg.ProjectName, "docker_enabled", cfg.DockerEnabled)

	// Instance registry.
	reg, err := registry.New(cfg.InstancesPath)
	if err != nil {
		slog.Error("Failed to open instance registry", "error", err)
		os.Exit(1)
	}
	slog.Info("Instance registry loaded", "instances", len(reg.List()), "path", cfg.InstancesPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Docker engine client and container discovery (optional).
	var docker dockerx.APIClient
	if cfg.DockerEnabled {
		cli, err := dockerx.NewClient()
		if err != nil {
			slog.Error("Failed to create docker client", "error", err)
			os.Exit(1)
		}
		docker = cli

		discoverer := registry.NewDiscoverer(docker, registry.DiscoveryConfig{
			Label:         "ccbridge.instance",
			ImagePatterns: []string{cfg.ProjectName + "-agent"},
		})
		found, err := discoverer.Discover(ctx)
		if err != nil {
			slog.Warn("Container discovery failed", "error", err)
		}
		for _, inst := range found {
			if err := reg.Create(inst); err == nil {
				slog.Info("Discovered agent container", "instance", inst.Name, "image", inst.ImageName)
			}
		}
	}

	// Session tracking with background watchdog.
	tracker := session.NewTracker(
		session.WithMaxHistory(cfg.Limits.MaxHistory),
		session.WithRequestTimeout(cfg.Timeout.RequestTimeout),
		session.WithIdleTimeout(cfg.Timeout.IdleTimeout),
		session.WithMaxInactive(cfg.Timeout.MaxInactive),
	)
	tracker.StartMonitor(ctx, 30*time.Second)

	// Transport adapters.
	pool := adapter.NewPool(adapter.Deps{
		Tmux:    tmux.NewClient(nil),
		Docker:  docker,
		Tracker: tracker,
		Config:  cfg,
	})
	defer pool.CleanupAll()

	// Health monitoring for container instances.
	var healthSource api.HealthSource
	if docker != nil {
		monitor := health.NewMonitor(docker, reg, tracker, cfg.PipeDir,
			health.WithInterval(cfg.Timeout.HealthInterval),
			health.WithRecoveryDelay(cfg.Timeout.RecoveryDelay))
		monitor.Start(ctx)
		healthSource = monitor
		slog.Info("Health monitor started", "interval", cfg.Timeout.HealthInterval)
	}

	// Telegram client and webhook registration.
	bot, err := telegram.New(cfg.BotToken)
	if err != nil {
		slog.Error("Failed to connect to Telegram", "error", err)
		os.Exit(1)
	}
	if cfg.WebhookURL != "" {
		if err := bot.SetWebhook(ctx, cfg.WebhookURL); err != nil {
			slog.Error("Failed to register webhook", "error", err)
			os.Exit(1)
		}
		slog.Info("Webhook registered", "url", cfg.WebhookURL)
	}

	gate := guard.NewShutdownGate()
	handler := api.NewHandler(cfg, bot, reg, tracker, pool, healthSource, gate)
	handler.StartSweepers(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket console needs long-lived writes
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Stop accepting work, then let in-flight agent requests finish.
	gate.Shutdown()
	if !gate.WaitForDrain(cfg.Timeout.Shutdown) {
		slog.Warn("Shutdown drain timed out", "pending", gate.Pending())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
