// Command fallguardd turns person detections from MQTT into fall and
// stillness events.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/care/fallguard/internal/config"
	"github.com/care/fallguard/internal/core"
)

const defaultConfigPath = "config/fallguard.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	os.Exit(run(*configPath))
}

func run(configPath string) int {
	slog.Info("starting fallguard service", "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	svc, err := core.NewService(cfg)
	if err != nil {
		slog.Error("failed to create fallguard service", "error", err)
		return 1
	}

	if err := svc.StartHealthServer(cfg.HealthPort); err != nil {
		slog.Error("failed to start health check server", "error", err)
		return 1
	}

	// SIGINT/SIGTERM and the control plane shutdown command both end Run
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := 0
	if err := svc.Run(ctx); err != nil {
		slog.Error("service error", "error", err)
		code = 1
	} else if ctx.Err() == nil {
		slog.Info("service stopped by control plane")
	} else {
		slog.Info("received shutdown signal")
	}

	timeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return 1
	}

	slog.Info("fallguard service stopped")
	return code
}
