package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript deletes a key only when it still holds the expected
// value. Running this server-side keeps release atomic: a GET followed by a
// client-side DEL would race with TTL expiry and a new holder.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndExpireScript refreshes a key's TTL only when it still holds the
// expected value.
var compareAndExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisConfig contains connection settings for the Redis-backed store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is the optional AUTH password.
	Password string

	// DB is the logical database index.
	DB int

	// KeyPrefix is prepended to every key, isolating multiple deployments
	// sharing one Redis instance.
	KeyPrefix string

	// DialTimeout bounds the initial connection attempt (default: 5s).
	DialTimeout time.Duration
}

// RedisStore implements Store on a shared Redis instance. All operations map
// onto single atomic commands (SET NX PX, GET, SET PX, DEL) or single-key
// scripts, so the store never needs client-side transactions.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisWithClient wraps an existing client. Used by tests (miniredis).
func NewRedisWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	acquired, err := s.client.SetNX(ctx, s.keyPrefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return acquired, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	deleted, err := compareAndDeleteScript.Run(ctx, s.client, []string{s.keyPrefix + key}, expect).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %q: %w", key, err)
	}
	return deleted == 1, nil
}

func (s *RedisStore) CompareAndExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	refreshed, err := compareAndExpireScript.Run(ctx, s.client, []string{s.keyPrefix + key}, expect, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-expire %q: %w", key, err)
	}
	return refreshed == 1, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
