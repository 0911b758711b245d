package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"clinicbooking/internal/domain"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a process-local cache, used when redis is not configured or is down.
type MemoryCache struct {
	entries sync.Map
	now     func() time.Time
}

var _ domain.AvailabilityCache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, ok := c.entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	entry := val.(*memoryEntry)
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.entries.CompareAndDelete(key, val)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := &memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries.Store(key, entry)
	return nil
}

func (c *MemoryCache) InvalidatePrefix(_ context.Context, prefix string) error {
	c.entries.Range(func(key, _ any) bool {
		if strings.HasPrefix(key.(string), prefix) {
			c.entries.Delete(key)
		}
		return true
	})
	return nil
}

// NopCache never stores anything.
type NopCache struct{}

var _ domain.AvailabilityCache = NopCache{}

func (NopCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (NopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NopCache) InvalidatePrefix(context.Context, string) error           { return nil }
