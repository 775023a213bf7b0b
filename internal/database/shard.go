package database

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/autoluzes/autoluzes/internal/config"
)

const defaultVirtualNodes = 150

// ShardConfig represents configuration for a single shard.
type ShardConfig struct {
	ID     int
	Config *config.DatabaseConfig
}

// hashRing maps keys to shard indexes with consistent hashing.
type hashRing struct {
	points  []uint32
	owner   map[uint32]int
	buckets int
}

func newHashRing(buckets, virtualNodes int) *hashRing {
	r := &hashRing{
		points:  make([]uint32, 0, buckets*virtualNodes),
		owner:   make(map[uint32]int, buckets*virtualNodes),
		buckets: buckets,
	}
	for b := 0; b < buckets; b++ {
		for vn := 0; vn < virtualNodes; vn++ {
			h := hashKey("shard-" + strconv.Itoa(b) + "-vn-" + strconv.Itoa(vn))
			if _, taken := r.owner[h]; taken {
				continue
			}
			r.points = append(r.points, h)
			r.owner[h] = b
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
	return r
}

// locate returns the bucket owning key.
func (r *hashRing) locate(key string) int {
	if r.buckets == 1 {
		return 0
	}
	h := hashKey(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx >= len(r.points) {
		idx = 0
	}
	return r.owner[r.points[idx]]
}

// ShardRouter routes keys to PostgreSQL shards.
type ShardRouter struct {
	mu     sync.RWMutex
	shards []*Pool
	ring   *hashRing
}

// NewShardRouter opens one pool per shard configuration.
func NewShardRouter(ctx context.Context, configs []ShardConfig) (*ShardRouter, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("at least one shard configuration is required")
	}

	shards := make([]*Pool, 0, len(configs))
	for _, cfg := range configs {
		pool, err := NewPool(ctx, cfg.Config)
		if err != nil {
			for _, opened := range shards {
				opened.Close()
			}
			return nil, fmt.Errorf("failed to create pool for shard %d: %w", cfg.ID, err)
		}
		shards = append(shards, pool)
	}

	return &ShardRouter{
		shards: shards,
		ring:   newHashRing(len(shards), defaultVirtualNodes),
	}, nil
}

// NewShardRouterFromConfig opens the primary host and every DB_SHARD_HOSTS entry.
func NewShardRouterFromConfig(ctx context.Context, cfg config.DatabaseConfig) (*ShardRouter, error) {
	hosts := cfg.Shards()
	configs := make([]ShardConfig, len(hosts))
	for i := range hosts {
		configs[i] = ShardConfig{ID: i, Config: &hosts[i]}
	}
	return NewShardRouter(ctx, configs)
}

// SingleShardRouter creates a router with a single shard.
func SingleShardRouter(ctx context.Context, cfg *config.DatabaseConfig) (*ShardRouter, error) {
	return NewShardRouter(ctx, []ShardConfig{{ID: 0, Config: cfg}})
}

// ShardKey is the routing key for one rate limit record.
func ShardKey(identifier, action string) string {
	return action + "\x00" + identifier
}

// GetShard returns the pool owning key.
func (r *ShardRouter) GetShard(key string) *Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shards[r.ring.locate(key)]
}

// GetShardIndex returns the index of the shard owning key.
func (r *ShardRouter) GetShardIndex(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ring.locate(key)
}

// GetAllShards returns all shard pools.
func (r *ShardRouter) GetAllShards() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shards := make([]*Pool, len(r.shards))
	copy(shards, r.shards)
	return shards
}

// ShardCount returns the number of shards.
func (r *ShardRouter) ShardCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shards)
}

// HealthCheck pings every shard.
func (r *ShardRouter) HealthCheck(ctx context.Context) error {
	for i, shard := range r.GetAllShards() {
		if err := shard.Ping(ctx); err != nil {
			return fmt.Errorf("shard %d health check failed: %w", i, err)
		}
	}
	return nil
}

// Migrate applies the rate_limits schema to every shard.
func (r *ShardRouter) Migrate(ctx context.Context) (int, error) {
	total := 0
	for i, shard := range r.GetAllShards() {
		migrator, err := NewSchemaMigrator(shard)
		if err != nil {
			return total, err
		}
		n, err := migrator.Up(ctx)
		total += n
		if err != nil {
			return total, fmt.Errorf("shard %d: %w", i, err)
		}
	}
	return total, nil
}

// Close closes all shard connections.
func (r *ShardRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, shard := range r.shards {
		shard.Close()
	}
}

func hashKey(key string) uint32 {
	return murmur3.Sum32([]byte(key))
}
