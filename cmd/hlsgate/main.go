// SPDX-License-Identifier: MIT

// Package main implements the hlsgate daemon: an RTSP→HLS ingest gateway
// built for 24/7 unattended operation.
//
// Usage:
//
//	hlsgate [options]
//
// Options:
//
//	--config=PATH     Path to config file (default: /etc/hlsgate/config.yaml)
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--diagnose        Run preflight checks and exit
//	--help            Show this help message
//
// The daemon loads configuration (YAML + HLSGATE_* environment overrides),
// runs preflight diagnostics, serves the stream API and the health/metrics
// endpoints, and shuts down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/diagnostics"
	"github.com/hlsgate/hlsgate/internal/health"
	"github.com/hlsgate/hlsgate/internal/service"
)

// Build information (set by ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	diagnose   = flag.Bool("diagnose", false, "Run preflight checks and exit")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	logger := newLogger(*logLevel)
	logger.Info("hlsgate starting", "version", Version, "commit", Commit, "built", BuildTime)

	cfg, err := loadConfiguration(*configPath, logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if *diagnose {
		report := diagnostics.NewRunner(cfg).Run(context.Background())
		report.Print(os.Stdout)
		if !report.Healthy {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Preflight: refuse to start when any check reports a failure.
	report := diagnostics.NewRunner(cfg).Run(context.Background())
	if !report.Healthy {
		report.Print(os.Stderr)
		logger.Error("preflight checks failed")
		os.Exit(1)
	}

	gw, err := service.New(cfg, nil, logger)
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		return gw.Run(grpCtx)
	})

	grp.Go(func() error {
		logger.Info("stream API listening", "addr", cfg.API.Addr)
		return serveAPI(grpCtx, cfg.API.Addr, gw, logger)
	})

	grp.Go(func() error {
		logger.Info("health endpoint listening", "addr", cfg.API.HealthAddr)
		return health.ListenAndServe(grpCtx, cfg.API.HealthAddr, health.NewHandler(gw))
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("hlsgate stopped")
}

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

// loadConfiguration prefers the koanf loader (file + env); a missing file is
// not an error — defaults plus HLSGATE_* variables carry a containerized
// deployment.
func loadConfiguration(path string, logger *slog.Logger) (*config.Config, error) {
	opts := []config.Option{}
	if _, err := os.Stat(path); err == nil {
		opts = append(opts, config.WithYAMLFile(path))
		logger.Info("using configuration file", "path", path)
	} else {
		logger.Info("no configuration file, using defaults + environment", "path", path)
	}

	kc, err := config.NewKoanfConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("configuration loader: %w", err)
	}
	return kc.Load()
}

func serveAPI(ctx context.Context, addr string, gw *service.Gateway, logger *slog.Logger) error {
	mux := http.NewServeMux()
	registerRoutes(mux, gw, logger)
	return health.ListenAndServe(ctx, addr, mux)
}
