package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mmengine/internal/config"
	"mmengine/internal/mock"
	"mmengine/internal/supervisor"
	"mmengine/pkg/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	logLevel := flag.String("log-level", "", "override configured log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.System.LogLevel = *logLevel
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// The concrete venue SDK and transaction signer are wired by the
	// deployment; the in-memory pair keeps paper runs self-contained.
	venue := mock.NewVenue()
	signer := mock.Signer{}

	sup, err := supervisor.New(cfg, venue, signer, logger)
	if err != nil {
		logger.Fatal("bootstrap failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		logger.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}
}
