package repository

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autoluzes/autoluzes/internal/database"
	"github.com/autoluzes/autoluzes/internal/models"
	"github.com/autoluzes/autoluzes/internal/ratelimit"
)

var _ ratelimit.Store = (*ShardedRateLimitRepository)(nil)

// ShardedRateLimitRepository spreads records across PostgreSQL shards.
// Every (identifier, action) pair lives on exactly one shard, so the
// single-statement atomicity of each shard still holds.
type ShardedRateLimitRepository struct {
	router *database.ShardRouter
}

// NewShardedRateLimitRepository creates a sharded repository.
func NewShardedRateLimitRepository(router *database.ShardRouter) *ShardedRateLimitRepository {
	return &ShardedRateLimitRepository{router: router}
}

func (r *ShardedRateLimitRepository) shard(identifier, action string) *PostgresRateLimitRepository {
	return NewPostgresRateLimitRepository(r.router.GetShard(database.ShardKey(identifier, action)))
}

// Hit records an attempt on the owning shard.
func (r *ShardedRateLimitRepository) Hit(ctx context.Context, identifier, action string, limit int, window time.Duration, now time.Time) (ratelimit.Hit, error) {
	return r.shard(identifier, action).Hit(ctx, identifier, action, limit, window, now)
}

// Get reads the record from the owning shard.
func (r *ShardedRateLimitRepository) Get(ctx context.Context, identifier, action string) (*models.RateLimitRecord, error) {
	return r.shard(identifier, action).Get(ctx, identifier, action)
}

// Reset deletes the record from the owning shard.
func (r *ShardedRateLimitRepository) Reset(ctx context.Context, identifier, action string) error {
	return r.shard(identifier, action).Reset(ctx, identifier, action)
}

// DeleteExpired sweeps all shards concurrently. The count includes shards
// that succeeded even when another one failed.
func (r *ShardedRateLimitRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)

	for i, pool := range r.router.GetAllShards() {
		g.Go(func() error {
			deleted, err := NewPostgresRateLimitRepository(pool).DeleteExpired(gctx, now)
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			total.Add(deleted)
			return nil
		})
	}

	err := g.Wait()
	return total.Load(), err
}

// Ping checks every shard.
func (r *ShardedRateLimitRepository) Ping(ctx context.Context) error {
	return r.router.HealthCheck(ctx)
}

// ShardCount returns the number of shards.
func (r *ShardedRateLimitRepository) ShardCount() int {
	return r.router.ShardCount()
}

// Close is a no-op; the router is closed by its owner.
func (r *ShardedRateLimitRepository) Close() error {
	return nil
}
