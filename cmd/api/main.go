// Package main is the entry point for the Autoluzes API server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/autoluzes/autoluzes/internal/cache"
	"github.com/autoluzes/autoluzes/internal/config"
	"github.com/autoluzes/autoluzes/internal/database"
	"github.com/autoluzes/autoluzes/internal/metrics"
	"github.com/autoluzes/autoluzes/internal/ratelimit"
	"github.com/autoluzes/autoluzes/internal/repository"
	"github.com/autoluzes/autoluzes/internal/server"
	"github.com/autoluzes/autoluzes/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(os.Stdout, cfg.App.LogLevel).With("env", cfg.App.Env)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, sweep, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	limiter := ratelimit.New(store,
		ratelimit.WithTimeout(cfg.Rate.CheckTimeout),
		ratelimit.WithObserver(func(action string, res *ratelimit.Result, err error) {
			metrics.RecordCheck(action, res != nil && res.Success, err, ratelimit.ErrInvalidArgument)
		}),
	)

	srv := server.New(cfg, log, limiter)
	if cfg.Server.AdminToken == "" {
		log.Info("ADMIN_TOKEN not set; rate limit admin API disabled")
	}
	for _, p := range srv.Policies().All() {
		log.Info("rate limit policy", "policy", p.String())
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	if sweep {
		sweeper := ratelimit.NewSweeper(store, cfg.Rate.SweepInterval, log.With("component", "sweeper"))
		sweeper.OnSweep(metrics.RecordSweep)
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore connects the configured backend. sweep reports whether
// expired records need periodic deletion; Redis expires keys itself.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (ratelimit.Store, bool, func(), error) {
	switch cfg.Rate.Store {
	case config.StorePostgres:
		router, err := database.NewShardRouterFromConfig(ctx, cfg.Database)
		if err != nil {
			return nil, false, nil, fmt.Errorf("connect postgres: %w", err)
		}
		applied, err := router.Migrate(ctx)
		if err != nil {
			router.Close()
			return nil, false, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		log.Info("rate limit store ready",
			"store", config.StorePostgres,
			"shards", router.ShardCount(),
			"migrations_applied", applied,
		)
		return repository.NewShardedRateLimitRepository(router), true, router.Close, nil

	case config.StoreRedis:
		rc, err := cache.NewRedisCache(ctx, &cfg.Redis)
		if err != nil {
			return nil, false, nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Info("rate limit store ready", "store", config.StoreRedis, "address", cfg.Redis.Address())
		cleanup := func() {
			if err := rc.Close(); err != nil {
				log.Error("failed to close redis", "error", err)
			}
		}
		return repository.NewRedisRateLimitRepository(rc.Client(), repository.DefaultRedisKeyPrefix), false, cleanup, nil

	default:
		log.Warn("using in-memory rate limit store; limits are not shared between instances")
		mem := ratelimit.NewMemoryStore()
		return mem, true, func() { _ = mem.Close() }, nil
	}
}
