// Package redis provides Redis-backed coordination for the billing engine: a
// distributed per-key lock, processed webhook event dedup and a fixed-window
// rate limiter. Every mutation runs as a single command or Lua script.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

// ErrLockNotAcquired is returned when a lock could not be taken before the
// context ended.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Config holds Redis coordination configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subtrack:")
	KeyPrefix string

	// LockTTL bounds how long a crashed holder can keep a lock (default: 30s)
	LockTTL time.Duration

	// LockRetryInterval is the pause between acquisition attempts (default: 50ms)
	LockRetryInterval time.Duration

	// DedupTTL is how long processed event ids are remembered (default: 72h)
	DedupTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "subtrack:",
		LockTTL:           30 * time.Second,
		LockRetryInterval: 50 * time.Millisecond,
		DedupTTL:          72 * time.Hour,
	}
}

// Storage implements billing.Locker and billing.Dedup using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// New creates a new Redis coordination adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.LockRetryInterval <= 0 {
		config.LockRetryInterval = defaults.LockRetryInterval
	}
	if config.DedupTTL <= 0 {
		config.DedupTTL = defaults.DedupTTL
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// Delete the lock only when the caller still owns it
	s.scripts["release"] = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)

	// Fixed window counter; the window starts with the first hit
	s.scripts["fixedWindow"] = redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return count
	`)
}

// Lock acquires key, retrying until ctx is done. The lock expires after
// LockTTL even if release is never called.
func (s *Storage) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := s.lockKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(s.config.LockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := s.client.SetNX(ctx, lockKey, token, s.config.LockTTL).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return s.releaser(lockKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Storage) releaser(lockKey, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The acquiring context may already be done.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.scripts["release"].Run(ctx, s.client, []string{lockKey}, token).Err()
	}
}

// MarkProcessed records id and reports whether it was already recorded.
func (s *Storage) MarkProcessed(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.dedupKey(id), time.Now().UTC().Unix(), s.config.DedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event %s: %w", id, err)
	}
	return !ok, nil
}

// Forget removes id so the event can be processed again.
func (s *Storage) Forget(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.dedupKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to forget event %s: %w", id, err)
	}
	return nil
}

// Allow counts one hit for key in the current window and reports whether the
// count is within limit.
func (s *Storage) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := s.scripts["fixedWindow"].Run(ctx, s.client, []string{s.rateLimitKey(key)}, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to execute rate limit script: %w", err)
	}
	return count <= int64(limit), nil
}

func (s *Storage) lockKey(key string) string {
	return s.config.KeyPrefix + "lock:" + key
}

func (s *Storage) dedupKey(id string) string {
	return s.config.KeyPrefix + "webhook:" + id
}

func (s *Storage) rateLimitKey(key string) string {
	return s.config.KeyPrefix + "ratelimit:" + key
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var (
	_ billing.Locker = (*Storage)(nil)
	_ billing.Dedup  = (*Storage)(nil)
)
