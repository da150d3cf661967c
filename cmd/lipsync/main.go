// Command lipsync serves real-time lip-synced avatar sessions over HTTP and
// WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/MrWong99/lipsync/internal/app"
	"github.com/MrWong99/lipsync/internal/config"
	"github.com/MrWong99/lipsync/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	listen := flag.String("listen", "", "listen address, overrides server.listen_addr")
	device := flag.String("device", "", "inference device (CPU, GPU, NPU, AUTO), overrides providers.lipsync.device")
	ttsURL := flag.String("tts-url", "", "TTS server base URL, overrides providers.tts.base_url")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lipsync: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lipsync: %v\n", err)
		}
		return 1
	}
	applyFlags(cfg, *listen, *device, *ttsURL)

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("lipsync starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"tts", cfg.Providers.TTS.Name,
		"llm", cfg.Providers.LLM.Name,
		"device", cfg.Providers.Lipsync.Device,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	opts := []app.Option{
		app.WithLogger(logger, level),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler),
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// applyFlags overrides config values with the non-empty command-line values.
func applyFlags(cfg *config.Config, listen, device, ttsURL string) {
	if listen != "" {
		cfg.Server.ListenAddr = listen
	}
	if device != "" {
		cfg.Providers.Lipsync.Device = device
	}
	if ttsURL != "" {
		cfg.Providers.TTS.BaseURL = ttsURL
	}
}
