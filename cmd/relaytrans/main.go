// Command relaytrans is the main entry point for the speech-transcription
// relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaytrans/relaytrans/internal/app"
	"github.com/relaytrans/relaytrans/internal/config"
	"github.com/relaytrans/relaytrans/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	overridesPath := flag.String("config", "config.yaml", "path to the optional YAML overrides file (ignored if absent)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*overridesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaytrans: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("relaytrans starting",
		"stream_port", cfg.PortTCP,
		"datagram_port", cfg.PortUDP,
		"log_level", cfg.LogLevel,
	)

	// ── Telemetry providers ───────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "relaytrans",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Application wiring ────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       relaytrans — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Stream port", fmt.Sprintf("%d", cfg.PortTCP))
	printRow("Datagram port", fmt.Sprintf("%d", cfg.PortUDP))
	printRow("External host", cfg.ExternalHost)
	printRow("Task", cfg.Task)
	printRow("Model", cfg.ModelSelector())
	printRow("Workers", fmt.Sprintf("%d", cfg.WorkerCount))
	printRow("Phrase window", cfg.RecordTimeout.String())
	printRow("Health port", fmt.Sprintf("%d", cfg.HealthCheckPort))
	printRow("Metrics port", fmt.Sprintf("%d", cfg.MetricsPort))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(name, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
