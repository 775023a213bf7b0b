package repository

import (
	"context"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoluzes/autoluzes/internal/config"
	"github.com/autoluzes/autoluzes/internal/database"
	"github.com/autoluzes/autoluzes/internal/models"
	"github.com/autoluzes/autoluzes/internal/ratelimit"
)

func skipIfNoPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_POSTGRES") != "true" {
		t.Skip("Skipping: TEST_POSTGRES not set. Run with docker-compose up -d")
	}
}

func skipIfNoRedis(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_REDIS") != "true" {
		t.Skip("Skipping: TEST_REDIS not set. Run with docker-compose up -d")
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func testDBConfig() *config.DatabaseConfig {
	return &config.DatabaseConfig{
		Host:     envOr("DB_HOST", "localhost"),
		Port:     5432,
		User:     envOr("DB_USER", "autoluzes"),
		Password: envOr("DB_PASSWORD", "autoluzes_dev_password"),
		DBName:   envOr("DB_NAME", "autoluzes"),
		SSLMode:  "disable",
	}
}

func newPostgresStore(t *testing.T) ratelimit.Store {
	t.Helper()
	skipIfNoPostgres(t)

	ctx := context.Background()
	pool, err := database.NewPool(ctx, testDBConfig())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	migrator, err := database.NewSchemaMigrator(pool)
	require.NoError(t, err)
	_, err = migrator.Up(ctx)
	require.NoError(t, err)

	return NewPostgresRateLimitRepository(pool)
}

func newShardedStore(t *testing.T) ratelimit.Store {
	t.Helper()
	skipIfNoPostgres(t)

	ctx := context.Background()
	cfg := testDBConfig()
	// Two logical shards on one server; routing is still exercised.
	router, err := database.NewShardRouter(ctx, []database.ShardConfig{
		{ID: 0, Config: cfg},
		{ID: 1, Config: cfg},
	})
	require.NoError(t, err)
	t.Cleanup(router.Close)

	_, err = router.Migrate(ctx)
	require.NoError(t, err)

	return NewShardedRateLimitRepository(router)
}

func newRedisStore(t *testing.T) ratelimit.Store {
	t.Helper()
	skipIfNoRedis(t)

	client := redis.NewClient(&redis.Options{
		Addr: envOr("REDIS_HOST", "localhost") + ":" + envOr("REDIS_PORT", "6379"),
		DB:   15,
	})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	return NewRedisRateLimitRepository(client, "test_rate_limits_"+uuid.NewString())
}

// uniqueID keeps runs against a shared database independent.
func uniqueID(t *testing.T) string {
	t.Helper()
	return "id-" + uuid.NewString()
}

func TestStores(t *testing.T) {
	stores := map[string]func(*testing.T) ratelimit.Store{
		"postgres": newPostgresStore,
		"sharded":  newShardedStore,
		"redis":    newRedisStore,
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			testStoreContract(t, newStore)
		})
	}
}

func testStoreContract(t *testing.T, newStore func(*testing.T) ratelimit.Store) {
	ctx := context.Background()
	// Millisecond precision is what every backend keeps.
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("hit opens and counts a window", func(t *testing.T) {
		store := newStore(t)
		id := uniqueID(t)

		hit, err := store.Hit(ctx, id, "register", 3, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, hit.Counted)
		assert.Equal(t, 1, hit.Record.Count)
		assert.True(t, now.Add(time.Minute).Equal(hit.Record.ResetAt))

		hit, err = store.Hit(ctx, id, "register", 3, time.Minute, now.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, hit.Counted)
		assert.Equal(t, 2, hit.Record.Count)
		assert.True(t, now.Add(time.Minute).Equal(hit.Record.ResetAt))
	})

	t.Run("denial leaves the record unchanged", func(t *testing.T) {
		store := newStore(t)
		id := uniqueID(t)

		for i := 0; i < 2; i++ {
			_, err := store.Hit(ctx, id, "verify_code", 2, time.Minute, now)
			require.NoError(t, err)
		}

		for i := 0; i < 3; i++ {
			hit, err := store.Hit(ctx, id, "verify_code", 2, time.Minute, now.Add(time.Second))
			require.NoError(t, err)
			assert.False(t, hit.Counted)
			assert.Equal(t, 2, hit.Record.Count)
			assert.True(t, now.Add(time.Minute).Equal(hit.Record.ResetAt))
		}

		record, err := store.Get(ctx, id, "verify_code")
		require.NoError(t, err)
		assert.Equal(t, 2, record.Count)
	})

	t.Run("expired window is replaced", func(t *testing.T) {
		store := newStore(t)
		id := uniqueID(t)

		_, err := store.Hit(ctx, id, "report_submit", 1, time.Minute, now)
		require.NoError(t, err)

		later := now.Add(time.Minute)
		hit, err := store.Hit(ctx, id, "report_submit", 1, time.Minute, later)
		require.NoError(t, err)
		assert.True(t, hit.Counted)
		assert.Equal(t, 1, hit.Record.Count)
		assert.True(t, later.Add(time.Minute).Equal(hit.Record.ResetAt))
	})

	t.Run("actions are independent", func(t *testing.T) {
		store := newStore(t)
		id := uniqueID(t)

		_, err := store.Hit(ctx, id, "register", 1, time.Minute, now)
		require.NoError(t, err)

		hit, err := store.Hit(ctx, id, "verify_code", 1, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, hit.Counted)
	})

	t.Run("get missing record", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(ctx, uniqueID(t), "register")
		assert.ErrorIs(t, err, models.ErrRecordNotFound)
	})

	t.Run("reset", func(t *testing.T) {
		store := newStore(t)
		id := uniqueID(t)

		_, err := store.Hit(ctx, id, "register", 1, time.Minute, now)
		require.NoError(t, err)
		require.NoError(t, store.Reset(ctx, id, "register"))
		require.NoError(t, store.Reset(ctx, id, "register"))

		_, err = store.Get(ctx, id, "register")
		assert.ErrorIs(t, err, models.ErrRecordNotFound)

		hit, err := store.Hit(ctx, id, "register", 1, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, hit.Counted)
	})

	t.Run("delete expired", func(t *testing.T) {
		store := newStore(t)
		id := uniqueID(t)

		_, err := store.Hit(ctx, id, "register", 5, time.Minute, now)
		require.NoError(t, err)

		_, err = store.DeleteExpired(ctx, now.Add(30*time.Second))
		require.NoError(t, err)
		_, err = store.Get(ctx, id, "register")
		require.NoError(t, err, "active record must survive a sweep")
	})

	t.Run("ping", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.Ping(ctx))
	})

	t.Run("concurrent callers never exceed the limit", func(t *testing.T) {
		store := newStore(t)
		limiter := ratelimit.New(store)
		id := uniqueID(t)

		const (
			limit   = 10
			callers = 50
		)

		var allowed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := limiter.Check(ctx, id, "register", limit, time.Minute)
				if assert.NoError(t, err) && result.Success {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(limit), allowed.Load())

		record, err := store.Get(ctx, id, "register")
		require.NoError(t, err)
		assert.Equal(t, limit, record.Count)
	})
}

func TestPostgresRateLimitRepository_DeleteExpired(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	id := uniqueID(t)

	_, err := store.Hit(ctx, id, "register", 5, time.Minute, now)
	require.NoError(t, err)

	deleted, err := store.DeleteExpired(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	_, err = store.Get(ctx, id, "register")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestPostgresRateLimitRepository_LimitAboveInt32(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	id := uniqueID(t)
	limit := math.MaxInt32 + 1

	for i := 1; i <= 2; i++ {
		hit, err := store.Hit(ctx, id, "register", limit, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, hit.Counted)
		assert.Equal(t, i, hit.Record.Count)
	}
}

func TestRedisRateLimitRepository_NativeExpiry(t *testing.T) {
	skipIfNoRedis(t)

	client := redis.NewClient(&redis.Options{
		Addr: envOr("REDIS_HOST", "localhost") + ":" + envOr("REDIS_PORT", "6379"),
		DB:   15,
	})
	defer client.Close()

	repo := NewRedisRateLimitRepository(client, "test_rate_limits_"+uuid.NewString())
	ctx := context.Background()
	id := uniqueID(t)

	_, err := repo.Hit(ctx, id, "register", 5, 200*time.Millisecond, time.Now())
	require.NoError(t, err)

	ttl, err := client.PTTL(ctx, repo.Key(id, "register")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	assert.Eventually(t, func() bool {
		n, err := client.Exists(ctx, repo.Key(id, "register")).Result()
		return err == nil && n == 0
	}, 2*time.Second, 50*time.Millisecond)

	deleted, err := repo.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestRedisRateLimitRepository_Key(t *testing.T) {
	repo := NewRedisRateLimitRepository(nil, "")

	assert.Equal(t, "rate_limits:8:register:1.2.3.4", repo.Key("1.2.3.4", "register"))
	assert.NotEqual(t, repo.Key("b:c", "a"), repo.Key("c", "a:b"))

	custom := NewRedisRateLimitRepository(nil, "app")
	assert.Equal(t, "app:11:verify_code:ip", custom.Key("ip", "verify_code"))
}

func TestRedisRateLimitRepository_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	limiter := ratelimit.New(NewRedisRateLimitRepository(client, ""))
	_, err := limiter.Check(context.Background(), "ip", "register", 5, time.Minute)
	assert.ErrorIs(t, err, ratelimit.ErrStorageUnavailable)
}
