// ABOUTME: Entry point for agentgram.
// ABOUTME: Wires config, runtime, registry, frontends, and status endpoint together.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/agentgram/agentgram/internal/bridge"
	"github.com/agentgram/agentgram/internal/config"
	"github.com/agentgram/agentgram/internal/dedupe"
	"github.com/agentgram/agentgram/internal/matrix"
	"github.com/agentgram/agentgram/internal/runtime"
	"github.com/agentgram/agentgram/internal/status"
	"github.com/agentgram/agentgram/internal/telegram"
)

const banner = `
    ╭────────────────────────────────────╮
    │                                    │
    │   ┏━┓┏━╸┏━╸┏┓╻╺┳╸┏━╸┏━┓┏━┓┏┳┓      │
    │   ┣━┫┃╺┓┣╸ ┃┗┫ ┃ ┃╺┓┣┳┛┣━┫┃┃┃      │
    │   ╹ ╹┗━┛┗━╸╹ ╹ ╹ ┗━┛╹┗╸╹ ╹╹ ╹      │
    │                                    │
    │     chat ⇄ agent streaming bot     │
    │                                    │
    ╰────────────────────────────────────╯
`

// dedupeTTL is how long platform message IDs are remembered.
const dedupeTTL = 10 * time.Minute

// getConfigPath returns the path to the agentgram config file.
// Priority: AGENTGRAM_CONFIG env var > XDG_CONFIG_HOME/agentgram/config.yaml >
// ~/.config/agentgram/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENTGRAM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agentgram", "config.yaml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Backend:  %s\n", cfg.Agent.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Telegram: %v\n", cfg.Telegram.Enabled)
	green.Print("    ▶ ")
	fmt.Printf("Matrix:   %v\n", cfg.Matrix.Enabled)
	fmt.Println()

	rt, err := buildRuntime(cfg.Agent, logger)
	if err != nil {
		return fmt.Errorf("building agent runtime: %w", err)
	}

	dd := dedupe.New(dedupeTTL)
	defer dd.Close()

	// The Telegram API client is shared by the frontend and the tool-progress
	// reporter, so it is created ahead of the registry.
	var api *tgbotapi.BotAPI
	var reporter *telegram.StatusReporter
	if cfg.Telegram.Enabled {
		api, err = tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("connecting to telegram: %w", err)
		}
		reporter = telegram.NewStatusReporter(api, logger)
	}

	opts := bridge.Options{ChunkBuffer: cfg.Bridge.ChunkBuffer, Logger: logger}
	if reporter != nil {
		opts.Tools = reporter
	}
	registry := bridge.NewRegistry(rt, opts)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Telegram.Enabled {
		bot := telegram.New(api, cfg.Telegram, registry, dd, logger)
		g.Go(func() error { return bot.Run(gctx) })
	}

	if cfg.Matrix.Enabled {
		mb, err := matrix.New(cfg.Matrix, registry, dd, logger)
		if err != nil {
			return fmt.Errorf("creating matrix frontend: %w", err)
		}
		g.Go(func() error { return mb.Run(gctx) })
	}

	if cfg.Status.Enabled {
		srv := status.New(cfg.Status.Addr, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	logger.Info("agentgram running")
	runErr := g.Wait()

	// Frontends are down; release every conversation before exiting.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Bridge.ShutdownGrace)
	defer cancelShutdown()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", "error", err)
	}

	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	logger.Info("agentgram stopped")
	return nil
}

// buildRuntime constructs the configured agent runtime backend.
func buildRuntime(cfg config.AgentConfig, logger *slog.Logger) (runtime.Runtime, error) {
	switch cfg.Backend {
	case "scripted":
		var steps []runtime.Step
		if cfg.ScriptPath != "" {
			var err error
			steps, err = runtime.LoadScript(cfg.ScriptPath)
			if err != nil {
				return nil, err
			}
		}
		return runtime.NewScripted(steps, cfg.ChunkDelay, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
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
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
