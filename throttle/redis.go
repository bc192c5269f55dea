package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow evicts expired hits, records a new one and returns the count
// in a single atomic step.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
redis.call('ZADD', key, now, ARGV[3])
local count = redis.call('ZCARD', key)
redis.call('PEXPIRE', key, window)
return count
`)

// RedisConfig holds the connection settings for RedisCounter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisCounter shares sliding windows across hub nodes.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisCounter.
type RedisOption func(*RedisCounter)

// WithRedisClock overrides the counter clock.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(c *RedisCounter) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRedisPrefix overrides the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(c *RedisCounter) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// NewRedisCounter wraps an existing client.
func NewRedisCounter(client redis.UniversalClient, opts ...RedisOption) *RedisCounter {
	c := &RedisCounter{client: client, prefix: "hub:throttle:", now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// DialRedis connects and pings a client for cfg.
func DialRedis(ctx context.Context, cfg RedisConfig, opts ...RedisOption) (*RedisCounter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if cfg.Prefix != "" {
		opts = append(opts, WithRedisPrefix(cfg.Prefix))
	}
	return NewRedisCounter(rdb, opts...), nil
}

func (c *RedisCounter) Count(ctx context.Context, scope Scope, interval time.Duration) (int, error) {
	now := c.now().UnixMilli()
	window := interval.Milliseconds()
	if window <= 0 {
		window = 1
	}
	n, err := slidingWindow.Run(ctx, c.client, []string{c.prefix + scope.Key()}, now, window, uuid.NewString()).Int()
	if err != nil {
		return 0, fmt.Errorf("throttle redis count %s: %w", scope.Key(), err)
	}
	return n, nil
}

// Close closes the underlying client.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
