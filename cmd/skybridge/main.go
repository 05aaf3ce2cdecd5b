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

	"github.com/MasonRambo/skybridge/internal/app"
	"github.com/MasonRambo/skybridge/internal/config"
	"github.com/MasonRambo/skybridge/internal/logging"
)

var version = "dev"

const appName = "skybridge"

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/skybridge/config.yaml)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.SlogLevel(), cfg.AppEnv, appName, version)
	slog.SetDefault(logger)

	slog.Info("starting",
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
		"location", cfg.Weather.Location,
		"interval", cfg.Weather.PollInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}

	slog.Info("shutting down")
}

// loadConfig loads the config from the specified path, falling back to the
// default config path, then to built-in defaults plus environment overrides.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	cfg := config.Default()
	cfg.ApplyEnv()
	return cfg, nil
}
