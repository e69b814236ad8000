package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"swapmesh/observability/logging"
	"swapmesh/services/liquidityd/config"
	"swapmesh/services/liquidityd/models"
	"swapmesh/services/liquidityd/recon"
	"swapmesh/services/liquidityd/server"
	"swapmesh/services/liquidityd/store"
)

func main() {
	configPath := flag.String("config", "./liquidityd.yaml", "Path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "liquidityd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup("liquidityd", cfg.Environment, logging.Options{
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	st := store.New(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Recon.Enabled {
		reconciler, err := recon.NewReconciler(recon.Config{
			Store:          st,
			RuntimeBaseURL: cfg.Recon.RuntimeBaseURL,
			ActorID:        cfg.Recon.ActorID,
			AuthScopes:     cfg.Recon.AuthScopes,
			OutputDir:      cfg.Recon.OutputDir,
		})
		if err != nil {
			return err
		}
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Interval:   cfg.Recon.Interval.Duration,
			Logger:     logger,
		})
		go scheduler.Start(ctx)
	}

	srv := server.New(st, cfg.Policy, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("liquidityd listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("liquidityd stopped")
	return nil
}
