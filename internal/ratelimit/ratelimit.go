// Package ratelimit implements the per-tenant token bucket that gates every
// outbound upstream call. Buckets refill lazily from elapsed time; writes
// cost more tokens than reads to bias capacity toward reads.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/xenking/orderdesk-bridge/internal/fault"
)

// Default token costs per operation class.
const (
	ReadCost  = 1
	WriteCost = 2
)

// Config configures the per-tenant token buckets.
type Config struct {
	// Capacity is the maximum tokens a bucket holds (burst allowance).
	Capacity float64
	// Rate is the sustained refill rate in tokens per second.
	Rate float64
}

// bucket tracks the token state for one tenant.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter holds one token bucket per tenant. Safe for concurrent use.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket

	// now is replaceable in tests for deterministic refill behavior.
	now func() time.Time
}

// New creates a Limiter with the given configuration.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// TryConsume attempts to take cost tokens from the tenant's bucket and
// reports whether enough were available.
func (l *Limiter) TryConsume(tenantID string, cost int) bool {
	ok, _ := l.consume(tenantID, cost)
	return ok
}

// Require takes cost tokens from the tenant's bucket, or returns a
// fault.RateLimit carrying an estimate of when the tokens will be available.
func (l *Limiter) Require(tenantID string, cost int) error {
	ok, retryAfter := l.consume(tenantID, cost)
	if !ok {
		return &fault.RateLimit{TenantID: tenantID, RetryAfter: retryAfter}
	}
	return nil
}

func (l *Limiter) consume(tenantID string, cost int) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[tenantID]
	if !ok {
		// New buckets start full.
		b = &bucket{tokens: l.cfg.Capacity, lastRefill: now}
		l.buckets[tenantID] = b
	}

	// Lazy refill from elapsed time, capped at capacity.
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(l.cfg.Capacity, b.tokens+elapsed*l.cfg.Rate)
	b.lastRefill = now

	need := float64(cost)
	if b.tokens >= need {
		b.tokens -= need
		return true, 0
	}

	missing := need - b.tokens
	retryAfter = time.Duration(math.Ceil(missing/l.cfg.Rate)) * time.Second
	return false, retryAfter
}

// Reset drops the bucket for tenantID, or all buckets when tenantID is "".
func (l *Limiter) Reset(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tenantID == "" {
		l.buckets = make(map[string]*bucket)
		return
	}
	delete(l.buckets, tenantID)
}

// StartCleanup launches a goroutine that evicts buckets idle long enough to
// have refilled completely. It stops when ctx is cancelled.
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.cleanup(now)
			}
		}
	}()
}

func (l *Limiter) cleanup(now time.Time) {
	// A bucket idle for at least a full refill period carries no state worth
	// keeping: recreating it full is equivalent.
	idle := time.Duration(l.cfg.Capacity/l.cfg.Rate) * time.Second

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		if now.Sub(b.lastRefill) >= idle {
			delete(l.buckets, id)
		}
	}
}
