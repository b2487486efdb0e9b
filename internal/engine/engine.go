// Package engine implements the safe mutation workflow against an upstream
// API that only supports whole-object replacement: fetch the current
// representation, merge the caller's partial changes, upload the complete
// result, and retry the whole cycle on optimistic-concurrency conflicts.
// Without this loop, concurrent writers would silently clobber each other's
// unrelated fields.
package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orderdesk-bridge/internal/fault"
	"github.com/xenking/orderdesk-bridge/internal/upstream"
)

// DefaultMaxAttempts bounds the fetch→merge→upload cycles per mutation.
const DefaultMaxAttempts = 5

// ResourceClient is the slice of the upstream client the engine needs.
// Satisfied by *upstream.Client.
type ResourceClient interface {
	GetResource(ctx context.Context, fam upstream.Family, id string) (map[string]any, error)
	PutResource(ctx context.Context, fam upstream.Family, id string, body map[string]any) (map[string]any, error)
	CreateResource(ctx context.Context, fam upstream.Family, body map[string]any) (map[string]any, error)
	DeleteResource(ctx context.Context, fam upstream.Family, id string) error
}

// Invalidator drops cache entries made stale by a successful write.
// Satisfied by *cache.Cache.
type Invalidator interface {
	InvalidateResource(tenantID, storeID, resource, id string)
}

// Config tunes the conflict-retry loop.
type Config struct {
	// MaxAttempts is the total number of fetch→merge→upload cycles before a
	// mutation gives up with fault.Conflict. DefaultMaxAttempts when <= 0.
	MaxAttempts int
	// Backoff is the delay strategy between conflict retries;
	// upstream.DefaultBackoff when nil.
	Backoff upstream.BackoffFunc
}

// Engine orchestrates mutations. Stateless apart from configuration; safe
// for concurrent use.
type Engine struct {
	cfg   Config
	cache Invalidator
}

// New creates an Engine invalidating through the given cache.
func New(cfg Config, cache Invalidator) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = upstream.DefaultBackoff
	}
	return &Engine{cfg: cfg, cache: cache}
}

// Mutate applies changes to the identified resource with the full
// fetch→merge→upload cycle. Every attempt fetches fresh state from upstream,
// never from cache. On success the resource's cache entries (item and list
// pages) are invalidated before returning the uploaded representation.
func (e *Engine) Mutate(
	ctx context.Context,
	client ResourceClient,
	tenantID, storeID string,
	fam upstream.Family,
	id string,
	changes map[string]any,
) (map[string]any, error) {
	lg := zctx.From(ctx).With(
		zap.String("resource", fam.Name),
		zap.String("resource_id", id),
	)

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		current, err := client.GetResource(ctx, fam, id)
		if err != nil {
			return nil, errors.Wrap(err, "fetch current representation")
		}

		merged := Merge(current, changes)

		updated, err := client.PutResource(ctx, fam, id, merged)
		if err == nil {
			e.cache.InvalidateResource(tenantID, storeID, fam.Name, id)
			if len(updated) == 0 {
				// Some upstream endpoints acknowledge without echoing the
				// resource; the uploaded representation is authoritative.
				updated = merged
			}
			return updated, nil
		}

		var conflict *fault.Conflict
		if !errors.As(err, &conflict) {
			return nil, err
		}

		if attempt < e.cfg.MaxAttempts {
			lg.Warn("mutation conflict, retrying from fresh fetch",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", e.cfg.MaxAttempts))
			if err := e.wait(ctx, e.cfg.Backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
	}

	return nil, &fault.Conflict{Resource: fam.Name, ID: id, Attempts: e.cfg.MaxAttempts}
}

// Create posts a new resource and invalidates the family's list pages.
func (e *Engine) Create(
	ctx context.Context,
	client ResourceClient,
	tenantID, storeID string,
	fam upstream.Family,
	body map[string]any,
) (map[string]any, error) {
	created, err := client.CreateResource(ctx, fam, body)
	if err != nil {
		return nil, err
	}
	e.cache.InvalidateResource(tenantID, storeID, fam.Name, resourceID(created))
	return created, nil
}

// Delete removes a resource and invalidates its cache entries.
func (e *Engine) Delete(
	ctx context.Context,
	client ResourceClient,
	tenantID, storeID string,
	fam upstream.Family,
	id string,
) error {
	if err := client.DeleteResource(ctx, fam, id); err != nil {
		return err
	}
	e.cache.InvalidateResource(tenantID, storeID, fam.Name, id)
	return nil
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// resourceID extracts the upstream id from a resource representation, "" when
// absent. Upstream ids may arrive as strings or JSON numbers.
func resourceID(resource map[string]any) string {
	switch v := resource["id"].(type) {
	case string:
		return v
	case float64:
		// Upstream numeric ids are integral.
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}
