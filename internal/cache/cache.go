// Package cache implements the short-TTL read-through cache in front of the
// upstream API. Entries are keyed by tenant, store, resource family, and a
// fingerprint of the query parameters; mutations invalidate by prefix so
// stale list pages can never survive a write.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// DefaultFingerprint is the fingerprint used for parameterless lookups.
const DefaultFingerprint = "default"

// Key identifies one cached value.
type Key struct {
	TenantID    string
	StoreID     string
	Resource    string
	Fingerprint string
}

// String renders the key in its canonical colon-joined form.
func (k Key) String() string {
	fp := k.Fingerprint
	if fp == "" {
		fp = DefaultFingerprint
	}
	return k.TenantID + ":" + k.StoreID + ":" + k.Resource + ":" + fp
}

// Prefix returns the invalidation prefix covering every fingerprint of the
// key's resource family.
func (k Key) Prefix() string {
	return k.TenantID + ":" + k.StoreID + ":" + k.Resource + ":"
}

// Fingerprint computes a stable digest of query parameters: keys are sorted,
// encoded canonically, and hashed. Empty parameters collapse to
// DefaultFingerprint so cache keys stay readable in logs.
func Fingerprint(params map[string]string) string {
	if len(params) == 0 {
		return DefaultFingerprint
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var e jx.Encoder
	e.ObjStart()
	for _, k := range keys {
		e.FieldStart(k)
		e.Str(params[k])
	}
	e.ObjEnd()

	sum := sha256.Sum256(e.Bytes())
	return hex.EncodeToString(sum[:8])
}

// TTLPolicy maps resource families to their cache lifetime. Families change
// at very different rates, so this is configuration, not a constant.
type TTLPolicy struct {
	Default    time.Duration
	ByResource map[string]time.Duration
}

// TTL returns the lifetime for the given resource family.
func (p TTLPolicy) TTL(resource string) time.Duration {
	if d, ok := p.ByResource[resource]; ok {
		return d
	}
	return p.Default
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is an in-memory read-through cache, safe for concurrent use across
// all sessions of the process.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group

	hits   metric.Int64Counter
	misses metric.Int64Counter

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an empty cache. The meter may be nil (metrics disabled).
func New(meter metric.Meter) (*Cache, error) {
	c := &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	if meter != nil {
		var err error
		if c.hits, err = meter.Int64Counter("cache.hits",
			metric.WithDescription("Read-through cache hits")); err != nil {
			return nil, errors.Wrap(err, "create hits counter")
		}
		if c.misses, err = meter.Int64Counter("cache.misses",
			metric.WithDescription("Read-through cache misses")); err != nil {
			return nil, errors.Wrap(err, "create misses counter")
		}
	}
	return c, nil
}

// FetchFunc produces the value on a cache miss, typically an upstream read.
type FetchFunc func(ctx context.Context) (any, error)

// GetOrFetch returns the cached value for key when present and fresh, or
// invokes fetch, stores the result for ttl, and returns it. The second
// return value reports whether the value came from the cache. Concurrent
// misses for the same key are collapsed into a single fetch.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, ttl time.Duration, fetch FetchFunc) (any, bool, error) {
	ks := key.String()

	if v, ok := c.lookup(ks); ok {
		c.count(ctx, c.hits)
		return v, true, nil
	}
	c.count(ctx, c.misses)

	v, err, _ := c.group.Do(ks, func() (any, error) {
		// Another caller may have populated the entry while we waited on
		// the flight group.
		if v, ok := c.lookup(ks); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			c.mu.Lock()
			c.entries[ks] = entry{value: v, expiresAt: c.now().Add(ttl)}
			c.mu.Unlock()
		}
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

func (c *Cache) lookup(ks string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[ks]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check: a fresh entry may have replaced the expired one.
		if cur, ok := c.entries[ks]; ok && c.now().After(cur.expiresAt) {
			delete(c.entries, ks)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Invalidate removes the exact entry for key.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	delete(c.entries, key.String())
	c.mu.Unlock()
}

// InvalidatePrefix removes every entry whose key starts with prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// InvalidateResource removes the single-resource entry and every list page
// of its family. Both must go: a stale list page is a correctness bug.
func (c *Cache) InvalidateResource(tenantID, storeID, resource, id string) {
	c.InvalidatePrefix(tenantID + ":" + storeID + ":" + resource + "/" + id + ":")
	c.InvalidatePrefix(tenantID + ":" + storeID + ":" + resource + ":")
}

// InvalidateStore removes every entry for one store.
func (c *Cache) InvalidateStore(tenantID, storeID string) {
	c.InvalidatePrefix(tenantID + ":" + storeID + ":")
}

// InvalidateTenant removes every entry for one tenant.
func (c *Cache) InvalidateTenant(tenantID string) {
	c.InvalidatePrefix(tenantID + ":")
}

// Sweep drops all expired entries.
func (c *Cache) Sweep() {
	now := c.now()
	c.mu.Lock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// StartSweeper launches a goroutine that periodically drops expired entries.
// It stops when ctx is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Len reports the number of live entries, expired included until swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) count(ctx context.Context, counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(ctx, 1)
	}
}
