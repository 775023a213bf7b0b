package repository

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/autoluzes/autoluzes/internal/models"
	"github.com/autoluzes/autoluzes/internal/ratelimit"
)

var _ ratelimit.Store = (*RedisRateLimitRepository)(nil)

// DefaultRedisKeyPrefix namespaces rate limit hashes.
const DefaultRedisKeyPrefix = "rate_limits"

// hitScript runs the whole fixed-window decision on the server. Times are
// unix milliseconds supplied by the caller. Returns {counted, count, reset_at}.
var hitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'count', 'reset_at')
local count = tonumber(state[1])
local reset = tonumber(state[2])

if count == nil or reset == nil or reset <= now then
	reset = now + window
	redis.call('HSET', key, 'count', 1, 'reset_at', string.format('%.0f', reset))
	redis.call('PEXPIREAT', key, string.format('%.0f', reset))
	return {1, 1, reset}
end

if count >= limit then
	return {0, count, reset}
end

count = redis.call('HINCRBY', key, 'count', 1)
return {1, count, reset}
`)

// RedisRateLimitRepository stores each record as a hash that Redis
// expires at reset_at.
type RedisRateLimitRepository struct {
	client redis.Cmdable
	prefix string
}

// NewRedisRateLimitRepository creates a repository on top of client.
// The caller owns client and closes it.
func NewRedisRateLimitRepository(client redis.Cmdable, prefix string) *RedisRateLimitRepository {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisRateLimitRepository{client: client, prefix: prefix}
}

// Key returns the Redis key for a record. The action is length-prefixed so
// separators inside either part cannot collide.
func (r *RedisRateLimitRepository) Key(identifier, action string) string {
	return r.prefix + ":" + strconv.Itoa(len(action)) + ":" + action + ":" + identifier
}

// Hit records one attempt atomically.
func (r *RedisRateLimitRepository) Hit(ctx context.Context, identifier, action string, limit int, window time.Duration, now time.Time) (ratelimit.Hit, error) {
	res, err := hitScript.Run(ctx, r.client,
		[]string{r.Key(identifier, action)},
		now.UnixMilli(), window.Milliseconds(), limit,
	).Int64Slice()
	if err != nil {
		return ratelimit.Hit{}, errors.WithMessage(err, "record rate limit attempt")
	}
	if len(res) != 3 {
		return ratelimit.Hit{}, errors.Errorf("unexpected script reply of length %d", len(res))
	}

	return ratelimit.Hit{
		Counted: res[0] == 1,
		Record: models.RateLimitRecord{
			Identifier: identifier,
			Action:     action,
			Count:      int(res[1]),
			ResetAt:    time.UnixMilli(res[2]).UTC(),
		},
	}, nil
}

// Get returns the stored record.
func (r *RedisRateLimitRepository) Get(ctx context.Context, identifier, action string) (*models.RateLimitRecord, error) {
	vals, err := r.client.HMGet(ctx, r.Key(identifier, action), "count", "reset_at").Result()
	if err != nil {
		return nil, errors.WithMessage(err, "get rate limit record")
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, models.ErrRecordNotFound
	}

	count, err := strconv.Atoi(vals[0].(string))
	if err != nil {
		return nil, errors.WithMessage(err, "parse count")
	}
	resetMs, err := strconv.ParseInt(vals[1].(string), 10, 64)
	if err != nil {
		return nil, errors.WithMessage(err, "parse reset_at")
	}

	return &models.RateLimitRecord{
		Identifier: identifier,
		Action:     action,
		Count:      count,
		ResetAt:    time.UnixMilli(resetMs).UTC(),
	}, nil
}

// Reset deletes the record.
func (r *RedisRateLimitRepository) Reset(ctx context.Context, identifier, action string) error {
	err := r.client.Del(ctx, r.Key(identifier, action)).Err()
	if err != nil && !stderrors.Is(err, redis.Nil) {
		return errors.WithMessage(err, "reset rate limit record")
	}
	return nil
}

// DeleteExpired is a no-op: Redis expires keys at reset_at.
func (r *RedisRateLimitRepository) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Ping checks the Redis connection.
func (r *RedisRateLimitRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close is a no-op; the client is closed by its owner.
func (r *RedisRateLimitRepository) Close() error {
	return nil
}
