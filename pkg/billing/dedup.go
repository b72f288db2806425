package billing

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryDedup remembers processed ids in a bounded, expiring LRU.
type MemoryDedup struct {
	mu    sync.Mutex
	cache *lru.LRU[string, struct{}]
}

// NewMemoryDedup creates a dedup set holding up to size ids for ttl.
func NewMemoryDedup(size int, ttl time.Duration) *MemoryDedup {
	if size <= 0 {
		size = 10000
	}
	return &MemoryDedup{cache: lru.NewLRU[string, struct{}](size, nil, ttl)}
}

func (d *MemoryDedup) MarkProcessed(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache.Contains(id) {
		return true, nil
	}
	d.cache.Add(id, struct{}{})
	return false, nil
}

func (d *MemoryDedup) Forget(_ context.Context, id string) error {
	d.cache.Remove(id)
	return nil
}
