package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	audioimpl "github.com/foxseedlab/namahousou/external/audio"
	configloader "github.com/foxseedlab/namahousou/external/config"
	discordimpl "github.com/foxseedlab/namahousou/external/discord"
	encoderimpl "github.com/foxseedlab/namahousou/external/encoder"
	"github.com/foxseedlab/namahousou/external/httpserver"
	repositoryimpl "github.com/foxseedlab/namahousou/external/repository"
	transcriberimpl "github.com/foxseedlab/namahousou/external/transcriber"
	webhookimpl "github.com/foxseedlab/namahousou/external/webhook"
	"github.com/foxseedlab/namahousou/internal/anonmic"
	"github.com/foxseedlab/namahousou/internal/census"
	"github.com/foxseedlab/namahousou/internal/config"
	discordpkg "github.com/foxseedlab/namahousou/internal/discord"
	"github.com/foxseedlab/namahousou/internal/metrics"
	"github.com/foxseedlab/namahousou/internal/presence"
	"github.com/foxseedlab/namahousou/internal/pubsub"
	"github.com/foxseedlab/namahousou/internal/radio"
	"github.com/foxseedlab/namahousou/internal/transcribe"
	"github.com/foxseedlab/namahousou/internal/watchdog"
	"github.com/samber/do/v2"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: launching broadcast")
	run(injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	metrics.RegisterDI(injector)
	pubsub.RegisterDI(injector)
	census.RegisterDI(injector)
	repositoryimpl.RegisterDI(injector)
	audioimpl.RegisterDI(injector)
	discordimpl.RegisterDI(injector)
	transcriberimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	encoderimpl.RegisterDI(injector)
	presence.RegisterDI(injector)
	transcribe.RegisterDI(injector)
	radio.RegisterDI(injector)
	anonmic.RegisterDI(injector)
	watchdog.RegisterDI(injector)
	httpserver.RegisterDI(injector)

	return injector
}

func run(injector do.Injector) {
	manager, err := do.Invoke[*radio.Manager](injector)
	if err != nil {
		slog.Error("failed to resolve radio manager", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	if err := manager.Start(ctx); err != nil {
		cancel()
		slog.Error("failed to start broadcast", "error", err)
		os.Exit(1)
	}
	cancel()
	slog.Info("startup: broadcast running")

	guard, err := do.Invoke[*watchdog.Watchdog](injector)
	if err != nil {
		slog.Error("failed to resolve watchdog", "error", err)
		os.Exit(1)
	}
	guard.Start()

	server, err := do.Invoke[*httpserver.Server](injector)
	if err != nil {
		slog.Error("failed to resolve http server", "error", err)
		os.Exit(1)
	}
	server.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	guard.Close()

	if slot, err := do.Invoke[*anonmic.Manager](injector); err == nil {
		slot.Close()
	}
	manager.Close()

	if events, err := do.Invoke[*pubsub.Broadcaster](injector); err == nil {
		events.Close()
	}
	if listeners, err := do.Invoke[*census.Census](injector); err == nil {
		listeners.Close()
	}
	if dc, err := do.Invoke[discordpkg.Client](injector); err == nil {
		if closeErr := dc.Close(); closeErr != nil {
			slog.Error("discord close failed", "error", closeErr)
		}
	}
}
