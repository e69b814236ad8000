package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"swapmesh/config"
	"swapmesh/core/node"
	"swapmesh/core/types"
	"swapmesh/crypto"
	"swapmesh/gateway/auth"
	"swapmesh/gateway/middleware"
	"swapmesh/gateway/server"
	"swapmesh/native/matching"
	"swapmesh/observability/logging"
	"swapmesh/observability/otel"
	"swapmesh/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "Path to the TOML config file")
	allowAutogenesis := flag.Bool("allow-autogenesis", true, "Create data dir and keystore when missing")
	flag.Parse()

	if err := run(*configPath, *allowAutogenesis); err != nil {
		fmt.Fprintf(os.Stderr, "swapmeshd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, allowAutogenesis bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("swapmeshd", cfg.Environment, logging.Options{
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Level:      parseLevel(cfg.Logging.Level),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Otel.Enabled {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "swapmeshd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Otel.Endpoint,
			Insecure:    cfg.Otel.Insecure,
			Headers:     otel.ParseHeaders(cfg.Otel.Headers),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("init otel: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("otel shutdown", "error", err)
			}
		}()
	}

	if allowAutogenesis {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	keys, err := crypto.LoadKeystore(cfg.KeystorePath)
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	checkpointTTLs := map[string]time.Duration{}
	for stream, seconds := range cfg.Exports.CheckpointTTLSeconds {
		checkpointTTLs[stream] = time.Duration(seconds) * time.Second
	}
	n, err := node.New(backend, keys, node.Config{
		Canary: matching.CanaryConfig{
			Enabled:                    cfg.Canary.Enabled,
			RoutePartners:              cfg.Canary.RoutePartners,
			MinSamples:                 cfg.Canary.MinSamples,
			MaxErrorRateBps:            cfg.Canary.MaxErrorRateBps,
			MaxTimeoutRateBps:          cfg.Canary.MaxTimeoutRateBps,
			MaxLimitedRateBps:          cfg.Canary.MaxLimitedRateBps,
			MaxNonNegativeDeltaRateBps: cfg.Canary.MaxNonNegativeDeltaRateBps,
		},
		AllowUnsignedConsent: cfg.AllowUnsignedConsent,
		CheckpointTTLs:       checkpointTTLs,
	})
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		return err
	}
	if authenticator != nil {
		nonceTTL := time.Duration(cfg.Gateway.NonceTTLSeconds) * time.Second
		if nonceTTL <= 0 {
			nonceTTL = 10 * time.Minute
		}
		if err := authenticator.Hydrate(ctx, time.Now().UTC().Add(-nonceTTL)); err != nil {
			logger.Warn("hydrate nonce window", "error", err)
		}
	}

	srv := server.New(n, logger, server.Config{
		AllowNowOverride: cfg.Gateway.AllowNowOverride,
		Authenticator:    authenticator,
		RateLimits:       rateLimits(cfg),
		Observability: middleware.ObservabilityConfig{
			Enabled:     true,
			ServiceName: "swapmesh-gateway",
		},
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go runSweeps(ctx, logger, n, cfg.Sweeps)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "address", cfg.ListenAddress, "backend", cfg.Backend)
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
	logger.Info("swapmeshd stopped")
	return nil
}

func openBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		backend, err := storage.NewSQLiteBackend(filepath.Join(cfg.DataDir, "state.db"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		return backend, nil
	default:
		return storage.NewJSONBackend(filepath.Join(cfg.DataDir, "state.json")), nil
	}
}

func buildAuthenticator(cfg *config.Config) (*auth.Authenticator, error) {
	if len(cfg.Gateway.Partners) == 0 {
		return nil, nil
	}
	secrets := make(map[string]string, len(cfg.Gateway.Partners))
	for _, partner := range cfg.Gateway.Partners {
		secrets[partner.PartnerID] = partner.Secret
	}
	var persistence auth.NoncePersistence
	if cfg.Gateway.NonceStorePath != "" {
		store, err := auth.NewLevelDBNoncePersistence(cfg.Gateway.NonceStorePath)
		if err != nil {
			return nil, fmt.Errorf("open nonce store: %w", err)
		}
		persistence = store
	}
	skew := time.Duration(cfg.Gateway.TimestampSkewSeconds) * time.Second
	nonceTTL := time.Duration(cfg.Gateway.NonceTTLSeconds) * time.Second
	return auth.NewAuthenticator(secrets, skew, nonceTTL, 0, nil, persistence), nil
}

func rateLimits(cfg *config.Config) map[string]middleware.RateLimit {
	out := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for group, rl := range cfg.RateLimits {
		out[group] = middleware.RateLimit{
			RatePerSecond: rl.RatePerSecond,
			Burst:         rl.Burst,
			DefaultTokens: rl.DefaultTokens,
			Tokens:        rl.Tokens,
		}
	}
	return out
}

// runSweeps expires stale accept phases and deposit windows in the
// background so abandoned cycles release their reservations.
func runSweeps(ctx context.Context, logger *slog.Logger, n *node.Node, cfg config.Sweeps) {
	sweeper := types.ActorRef{Type: "system", ID: "sweeper"}
	acceptTicker := time.NewTicker(time.Duration(cfg.AcceptPhaseSeconds) * time.Second)
	depositTicker := time.NewTicker(time.Duration(cfg.DepositWindowSeconds) * time.Second)
	defer acceptTicker.Stop()
	defer depositTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-acceptTicker.C:
			err := n.Write(ctx, func() error {
				if expired := n.Commitments.ExpireAcceptPhase(sweeper, time.Now().UTC()); expired > 0 {
					logger.Info("expired accept phases", "count", expired)
				}
				return nil
			})
			if err != nil {
				logger.Warn("accept phase sweep", "error", err)
			}
		case <-depositTicker.C:
			err := n.Write(ctx, func() error {
				if expired := n.Settlement.ExpireDepositWindow(sweeper, time.Now().UTC()); expired > 0 {
					logger.Info("expired deposit windows", "count", expired)
				}
				return nil
			})
			if err != nil {
				logger.Warn("deposit window sweep", "error", err)
			}
		}
	}
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
