package cache

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoluzes/autoluzes/internal/config"
)

func skipIfNoRedis(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_REDIS") != "true" {
		t.Skip("Skipping: TEST_REDIS not set. Run with docker-compose up -d")
	}
}

func testRedisConfig() *config.RedisConfig {
	port := 6379
	if v, err := strconv.Atoi(os.Getenv("REDIS_PORT")); err == nil {
		port = v
	}
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	return &config.RedisConfig{Host: host, Port: port, DB: 15, PoolSize: 5}
}

func TestOptions(t *testing.T) {
	opts := Options(&config.RedisConfig{
		Host:     "cache",
		Port:     6380,
		Password: "secret",
		DB:       2,
		PoolSize: 20,
	})

	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 20, opts.PoolSize)
	assert.Equal(t, 5*time.Second, opts.DialTimeout)
}

func TestOptions_DefaultPoolSize(t *testing.T) {
	opts := Options(&config.RedisConfig{Host: "localhost", Port: 6379})
	assert.Zero(t, opts.PoolSize, "zero lets go-redis pick its default")
}

func TestNewRedisCache_InvalidHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisCache(ctx, &config.RedisConfig{Host: "invalid-host-that-does-not-exist", Port: 6379})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid-host-that-does-not-exist:6379")
}

func TestNewFromClient_ClosedClient(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1"})
	c := NewFromClient(client)
	assert.Same(t, client, c.Client())

	require.NoError(t, c.Close())
	assert.Error(t, c.Ping(context.Background()))
}

func TestNewRedisCache(t *testing.T) {
	skipIfNoRedis(t)

	ctx := context.Background()
	c, err := NewRedisCache(ctx, testRedisConfig())
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.Ping(ctx))
	assert.NotNil(t, c.PoolStats())
}
