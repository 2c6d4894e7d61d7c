// Command vaani is the main entry point for the Vaani voice banking server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/vaani/internal/app"
	"github.com/MrWong99/vaani/internal/config"
	"github.com/MrWong99/vaani/internal/observe"
	"github.com/MrWong99/vaani/pkg/provider/stt/deepgram"
	"github.com/MrWong99/vaani/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file expanded into ${VAR} references")
	flag.Parse()

	// A missing dotenv file is fine; the environment may already be set.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "vaani: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vaani: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vaani: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server, level))

	slog.Info("vaani starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: cfg.Telemetry.ServiceName})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Speech providers ──────────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build speech providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithTelemetry(tel.Metrics, tel.MetricsHandler))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(d config.ConfigDiff, _ *config.Config) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		application.Reload(d)
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	watcher.Stop()

	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the speech providers named in cfg.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	ps := &app.Providers{}

	if entry := cfg.Speech.STT; entry.Name != "" {
		opts := []deepgram.Option{deepgram.WithSampleRate(cfg.Audio.SampleRate)}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		p, err := deepgram.New(entry.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", entry.Name)
	}

	if entry := cfg.Speech.TTS; entry.Name != "" {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		p, err := elevenlabs.New(entry.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", entry.Name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Vaani — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Backend", cfg.Backend.BaseURL)
	printRow("Audio", fmt.Sprintf("%s %dHz x%d", cfg.Audio.Codec, cfg.Audio.SampleRate, cfg.Audio.Channels))
	printRow("STT", providerLabel(cfg.Speech.STT))
	printRow("TTS", providerLabel(cfg.Speech.TTS))
	if cfg.Devices.PostgresDSN != "" {
		printRow("Devices", "postgres")
	} else {
		printRow("Devices", "(in memory)")
	}
	if cfg.Prefs.Path != "" {
		printRow("Prefs", cfg.Prefs.Path)
	} else {
		printRow("Prefs", "(in memory)")
	}
	printRow("Language", cfg.Conversation.DefaultLanguage)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(p config.ProviderEntry) string {
	switch {
	case p.Name == "":
		return "(not configured)"
	case p.Model != "":
		return p.Name + " / " + p.Model
	default:
		return p.Name
	}
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger logs text to stderr, or JSON to a size-rotated file when
// server.log_file is set.
func newLogger(sc config.ServerConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if sc.LogFile == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	var w io.Writer = &lumberjack.Logger{
		Filename:   sc.LogFile,
		MaxSize:    sc.LogFileMaxSizeMB,
		MaxBackups: 5,
		Compress:   true,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
