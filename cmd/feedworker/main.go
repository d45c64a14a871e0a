// Package main runs the live feed worker as a standalone process. It streams
// ticks for the configured instruments into the Tick Snapshot until it
// receives SIGTERM or SIGINT, then writes a final snapshot and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"market-data-pipeline/internal/bootstrap"
	"market-data-pipeline/internal/config"
	"market-data-pipeline/internal/livefeed"
	"market-data-pipeline/internal/logging"
)

var configPath = flag.String("config", os.Getenv("MARKETDATA_CONFIG"), "Path to YAML config file")

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(2)
		}
		cfg = loaded
	}

	logger, err := logging.Configure(cfg.Logging.Format, cfg.Logging.Level, "feedworker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}
	logger = logger.WithField("pid", os.Getpid())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticks, cleanup, err := bootstrap.TickStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("open tick store: %v", err)
	}
	defer cleanup()

	src, err := bootstrap.TickSource(cfg, logger)
	if err != nil {
		logger.Fatalf("tick source: %v", err)
	}

	worker, err := livefeed.NewWorker(livefeed.WorkerOptions{
		Source:         src,
		Store:          ticks,
		Instruments:    cfg.DomainInstruments(),
		WriteInterval:  cfg.Feed.WriteInterval,
		InitialBackoff: cfg.Feed.InitialBackoff,
		MaxBackoff:     cfg.Feed.MaxBackoff,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatalf("create worker: %v", err)
	}

	if err := worker.Run(ctx); err != nil {
		logger.Fatalf("worker: %v", err)
	}
}
