// Package main implements the strata binary. It serves the HTTP API, runs the
// background job scheduler, or both, depending on --mode. With --run-job it runs
// one job once and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/strata/strata/internal/app"
	"github.com/strata/strata/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		httpAddr    string
		runJob      string
		regionName  string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, api, worker")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API listen address")
	flag.StringVar(&runJob, "run-job", "", "Run one background job once and exit")
	flag.StringVar(&regionName, "region", "", "Region for --run-job (default: all regions)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Strata - tiered audit event store\n\n")
		fmt.Fprintf(os.Stderr, "Usage: strata [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  strata --data-dir /data/strata\n")
		fmt.Fprintf(os.Stderr, "  strata --mode worker --config /etc/strata/config.yaml\n")
		fmt.Fprintf(os.Stderr, "  strata --run-job archival-packer --region eu-west-1\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  STRATA_MODE           Service mode (all, api, worker)\n")
		fmt.Fprintf(os.Stderr, "  STRATA_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  STRATA_HTTP_ADDR      HTTP API listen address\n")
		fmt.Fprintf(os.Stderr, "  STRATA_STORAGE_TYPE   Storage type of the first region (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  STRATA_NOTIFY_TYPE    Webhook trigger notifier (none, bus, kafka, redis)\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("strata version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, mode, httpAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, runJob, regionName); err != nil {
		logger.Error("strata exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, runJob, regionName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := application.Close(closeCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	if runJob != "" {
		logger.Info("running job", "job", runJob, "region", regionName)
		return application.RunJob(ctx, runJob, regionName)
	}

	logger.Info("starting strata",
		"version", version,
		"mode", cfg.Mode,
		"data_dir", cfg.DataDir,
		"http_addr", cfg.HTTP.Addr,
	)
	return application.Run(ctx)
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mode, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags have the highest priority.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
