package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"copy_trader/internal/bootstrap"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("copy_trader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Env vars override flags and file values
	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configPath = envConfig
	}

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.System.LogLevel = level
	}
	if dryRun := os.Getenv("DRY_RUN"); dryRun != "" {
		v, err := strconv.ParseBool(dryRun)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid DRY_RUN value %q: %v\n", dryRun, err)
			os.Exit(1)
		}
		cfg.App.DryRun = v
	}

	ctx := context.Background()
	app, err := bootstrap.NewApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	app.Logger.Info("Starting copy_trader",
		"version", version,
		"dry_run", cfg.App.DryRun,
		"persistence", cfg.Persistence.Driver,
		"metrics_port", cfg.Telemetry.MetricsPort)

	if err := app.Run(ctx); err != nil {
		os.Exit(1)
	}
}
