package api

import (
	"sync"
	"sync/atomic"
	"time"

	"clinicbooking/internal/config"

	"golang.org/x/time/rate"
)

const (
	defaultBurst  = 5
	bucketIdleTTL = 10 * time.Minute
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64
}

// rateLimiter keeps one token bucket per client key. Clients keyed by IP come and go, so
// buckets idle for bucketIdleTTL are dropped on a later call.
type rateLimiter struct {
	buckets   sync.Map
	cfg       config.APIRateLimitConfig
	now       func() time.Time
	lastSweep atomic.Int64
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	l := &rateLimiter{cfg: cfg, now: time.Now}
	l.lastSweep.Store(l.now().UnixNano())
	return l
}

func (l *rateLimiter) enabled() bool {
	return l.cfg.RPS > 0
}

func (l *rateLimiter) allow(key string) bool {
	if !l.enabled() {
		return true
	}
	now := l.now()
	l.maybeSweep(now)

	b := l.bucketFor(key)
	b.lastSeen.Store(now.UnixNano())
	return b.lim.AllowN(now, 1)
}

func (l *rateLimiter) bucketFor(key string) *bucket {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket)
	}

	burst := l.cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	b := &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.RPS), burst)}
	actual, _ := l.buckets.LoadOrStore(key, b)
	return actual.(*bucket)
}

// maybeSweep runs at most once per bucketIdleTTL, on whichever request wins the CAS.
func (l *rateLimiter) maybeSweep(now time.Time) {
	last := l.lastSweep.Load()
	if now.UnixNano()-last < int64(bucketIdleTTL) {
		return
	}
	if !l.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	cutoff := now.Add(-bucketIdleTTL).UnixNano()
	l.buckets.Range(func(k, v any) bool {
		if v.(*bucket).lastSeen.Load() < cutoff {
			l.buckets.Delete(k)
		}
		return true
	})
}

func (l *rateLimiter) size() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
