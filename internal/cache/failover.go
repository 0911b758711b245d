package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"clinicbooking/internal/domain"

	"github.com/rs/zerolog"
)

const defaultRecoveryInterval = time.Minute

// FailoverCache serves from primary until it errors, then from fallback. Prefixes invalidated
// while primary is down are replayed on it before it is trusted again, so entries written
// before the outage cannot resurface.
type FailoverCache struct {
	primary  domain.AvailabilityCache
	fallback domain.AvailabilityCache
	logger   *zerolog.Logger

	recoveryInterval time.Duration
	isDown           atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
	pending   map[string]struct{}
}

var _ domain.AvailabilityCache = (*FailoverCache)(nil)

func NewFailoverCache(primary, fallback domain.AvailabilityCache, logger *zerolog.Logger) *FailoverCache {
	return &FailoverCache{
		primary:          primary,
		fallback:         fallback,
		logger:           logger,
		recoveryInterval: defaultRecoveryInterval,
		pending:          make(map[string]struct{}),
	}
}

// Degraded reports whether calls are currently served by the fallback.
func (c *FailoverCache) Degraded() bool {
	return c.isDown.Load()
}

func (c *FailoverCache) markDown(err error) {
	if !c.isDown.Swap(true) {
		c.logger.Error().Err(err).Msg("Primary cache failed, falling back")
	}
	c.mu.Lock()
	c.lastCheck = time.Now()
	c.mu.Unlock()
}

// tryRecover replays pending invalidations on primary once the recovery interval has passed.
func (c *FailoverCache) tryRecover(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastCheck) <= c.recoveryInterval {
		return false
	}
	c.lastCheck = time.Now()

	for prefix := range c.pending {
		if err := c.primary.InvalidatePrefix(ctx, prefix); err != nil {
			c.logger.Debug().Err(err).Msg("Primary cache still unavailable")
			return false
		}
		delete(c.pending, prefix)
	}

	c.isDown.Store(false)
	c.logger.Info().Msg("Primary cache recovered")
	return true
}

func (c *FailoverCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.isDown.Load() {
		c.tryRecover(ctx)
	}

	if !c.isDown.Load() {
		val, ok, err := c.primary.Get(ctx, key)
		if err == nil {
			return val, ok, nil
		}
		c.markDown(err)
	}

	return c.fallback.Get(ctx, key)
}

func (c *FailoverCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.isDown.Load() {
		err := c.primary.Set(ctx, key, value, ttl)
		if err == nil {
			return nil
		}
		c.markDown(err)
	}

	return c.fallback.Set(ctx, key, value, ttl)
}

// InvalidatePrefix always clears the fallback, which may hold answers from an earlier outage.
func (c *FailoverCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	fallbackErr := c.fallback.InvalidatePrefix(ctx, prefix)

	if !c.isDown.Load() {
		err := c.primary.InvalidatePrefix(ctx, prefix)
		if err == nil {
			return fallbackErr
		}
		c.markDown(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDown.Load() {
		c.pending[prefix] = struct{}{}
		return fallbackErr
	}

	// recovered concurrently; pending was already drained
	if err := c.primary.InvalidatePrefix(ctx, prefix); err != nil {
		c.isDown.Store(true)
		c.lastCheck = time.Now()
		c.pending[prefix] = struct{}{}
	}
	return fallbackErr
}
