package httputil

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter is a per-key fixed-window limiter for a single process.
type MemoryLimiter struct {
	mu            sync.Mutex
	requests      map[string]*bucket
	limit         int
	window        time.Duration
	requestCount  int
	cleanupEvery  int
	cleanupAtSize int
	now           func() time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter allows limit requests per key in each window.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		requests:      make(map[string]*bucket),
		limit:         limit,
		window:        window,
		cleanupEvery:  100,
		cleanupAtSize: 200,
		now:           time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	return l.allow(key), nil
}

func (l *MemoryLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// Sweep expired buckets every cleanupEvery calls or once the map grows.
	l.requestCount++
	if l.requestCount%l.cleanupEvery == 0 || len(l.requests) > l.cleanupAtSize {
		l.cleanupExpired(now)
		if l.requestCount >= l.cleanupEvery*10 {
			l.requestCount = 0
		}
	}

	b, ok := l.requests[key]
	if !ok || now.After(b.resetAt) {
		l.requests[key] = &bucket{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if b.count >= l.limit {
		return false
	}
	b.count++
	return true
}

func (l *MemoryLimiter) cleanupExpired(now time.Time) {
	for key, b := range l.requests {
		if now.After(b.resetAt) {
			delete(l.requests, key)
		}
	}
}

// Cleanup removes all expired buckets.
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupExpired(l.now())
}

// WindowStore is a shared fixed-window counter, such as the Redis storage.
type WindowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type storeLimiter struct {
	store  WindowStore
	limit  int
	window time.Duration
}

// NewStoreLimiter adapts a shared window counter to a Limiter so limits hold
// across replicas.
func NewStoreLimiter(store WindowStore, limit int, window time.Duration) Limiter {
	return &storeLimiter{store: store, limit: limit, window: window}
}

func (l *storeLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.store.Allow(ctx, key, l.limit, l.window)
}

// RateLimit limits requests per client IP. Requests over the limit are passed
// to rejected. A limiter error lets the request through.
func RateLimit(l Limiter, rejected http.Handler, logger billing.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r)
			ok, err := l.Allow(r.Context(), ip)
			if err != nil {
				logger.Warn("rate limiter unavailable, allowing request", billing.F("ip", ip), billing.Err(err))
				ok = true
			}
			if !ok {
				rejected.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
