package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"swapmesh/observability/logging"
	"swapmesh/services/webhookd/config"
	"swapmesh/services/webhookd/dispatcher"
)

func main() {
	configPath := flag.String("config", "./webhookd.yaml", "Path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "webhookd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup("webhookd", cfg.Environment, logging.Options{
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	d, err := dispatcher.New(dispatcher.Config{
		RuntimeBaseURL: cfg.RuntimeBaseURL,
		ConsumerID:     cfg.ConsumerID,
		ActorID:        cfg.ActorID,
		AuthScopes:     cfg.AuthScopes,
		Subscriptions:  cfg.Subscriptions,
		BatchLimit:     cfg.BatchLimit,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("webhookd polling",
		"runtime", cfg.RuntimeBaseURL,
		"consumer", cfg.ConsumerID,
		"subscriptions", len(cfg.Subscriptions))
	d.Start(ctx, cfg.PollInterval.Duration)
	logger.Info("webhookd stopped")
	return nil
}
