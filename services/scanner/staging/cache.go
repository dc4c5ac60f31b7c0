// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package staging

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sentinelops/backscan/services/scanner/config"
)

// Stats summarizes live cache contents.
type Stats struct {
	Total      int
	ByCategory map[string]int
	ByStage    map[string]int
}

// ResultCache stages intermediate per-rule, per-stage results between scan
// chunks and the correlation/aggregation stages.
//
// # Description
//
// The cache owns read/write semantics and TTL defaults; the EntryStore
// owns storage, expiry-on-read, and capacity eviction. Absence is an
// explicit (value, false) return, never an error. Capacity pressure is
// handled internally by eviction and never surfaces to callers.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives behind the store's own
// synchronization.
type ResultCache struct {
	store  EntryStore
	cfg    config.CacheConfig
	nowFn  func() time.Time
	flight singleflight.Group
}

// CacheOption is a functional option for NewResultCache.
type CacheOption func(*ResultCache)

// WithCacheClock overrides the cache's time source. Intended for tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *ResultCache) {
		if now != nil {
			c.nowFn = now
		}
	}
}

// NewResultCache creates a ResultCache over the given store.
//
// # Outputs
//
//   - *ResultCache: Ready for use.
//   - error: Non-nil for a nil store or non-positive TTL default.
func NewResultCache(store EntryStore, cfg config.CacheConfig, opts ...CacheOption) (*ResultCache, error) {
	if store == nil {
		return nil, fmt.Errorf("result cache: store must not be nil")
	}
	if cfg.DefaultTTLHours <= 0 {
		return nil, fmt.Errorf("result cache: default ttl hours must be positive, got %d", cfg.DefaultTTLHours)
	}

	c := &ResultCache{
		store: store,
		cfg:   cfg,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Put stages a result under the given id.
//
// # Inputs
//
//   - id: Caller-assigned identifier, unique per logical result.
//   - category, stage: Classification used for reads and invalidation.
//   - payload: Opaque staged value.
//   - metadata: Optional annotations; may be nil.
//   - ttl: Entry lifetime. Zero or negative takes the configured default.
func (c *ResultCache) Put(id, category, stage string, payload any, metadata map[string]string, ttl time.Duration) error {
	if id == "" {
		return fmt.Errorf("cache put: id must not be empty")
	}
	if category == "" || stage == "" {
		return fmt.Errorf("cache put %s: category and stage must not be empty", id)
	}
	if ttl <= 0 {
		ttl = time.Duration(c.cfg.DefaultTTLHours) * time.Hour
	}

	now := c.nowFn()
	return c.store.Put(Entry{
		ID:        id,
		Category:  category,
		Stage:     stage,
		Payload:   payload,
		Metadata:  metadata,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, now)
}

// Get returns the staged payload for id. When stage is non-empty the
// entry must also match that stage. Expired entries are evicted and
// reported absent.
func (c *ResultCache) Get(id, stage string) (any, bool) {
	e, ok := c.store.Get(id, c.nowFn())
	if !ok || (stage != "" && e.Stage != stage) {
		missesTotal.Inc()
		return nil, false
	}
	hitsTotal.Inc()
	return e.Payload, true
}

// GetEntry returns the full entry for id, regardless of stage.
func (c *ResultCache) GetEntry(id string) (Entry, bool) {
	e, ok := c.store.Get(id, c.nowFn())
	if ok {
		hitsTotal.Inc()
	} else {
		missesTotal.Inc()
	}
	return e, ok
}

// GetOrCompute returns the staged payload for id, computing and staging
// it on a miss. Concurrent computations for the same id are deduplicated
// with singleflight: one compute runs, all waiters share the result.
func (c *ResultCache) GetOrCompute(
	ctx context.Context,
	id, category, stage string,
	metadata map[string]string,
	ttl time.Duration,
	compute func(ctx context.Context) (any, error),
) (any, error) {
	if payload, ok := c.Get(id, stage); ok {
		return payload, nil
	}

	payload, err, _ := c.flight.Do(id, func() (any, error) {
		// Another waiter may have staged it while we queued.
		if payload, ok := c.Get(id, stage); ok {
			return payload, nil
		}
		payload, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Put(id, category, stage, payload, metadata, ttl); err != nil {
			return nil, err
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// ListByCategory returns live entries for a category ordered newest
// first, optionally narrowed by stage and maximum age.
//
// # Inputs
//
//   - category: Required category.
//   - stage: Optional stage; empty matches all stages.
//   - maxAge: Optional; entries created earlier than now-maxAge are
//     excluded. Zero disables the age filter.
func (c *ResultCache) ListByCategory(category, stage string, maxAge time.Duration) []Entry {
	now := c.nowFn()
	entries := c.store.List(Filter{Category: category, Stage: stage}, now)
	if maxAge <= 0 {
		return entries
	}

	cutoff := now.Add(-maxAge)
	out := entries[:0]
	for _, e := range entries {
		if !e.CreatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Delete removes the entry for id, reporting whether a live entry existed.
func (c *ResultCache) Delete(id string) bool {
	return c.store.Delete(id, c.nowFn())
}

// Clear removes all entries for a category, or everything when category
// is empty, returning the number of live entries removed.
func (c *ResultCache) Clear(category string) int {
	return c.store.RemoveMatching(Filter{Category: category}, c.nowFn())
}

// Stats returns live entry counts, total and broken down by category and
// stage.
func (c *ResultCache) Stats() Stats {
	entries := c.store.List(Filter{}, c.nowFn())
	stats := Stats{
		Total:      len(entries),
		ByCategory: make(map[string]int),
		ByStage:    make(map[string]int),
	}
	for _, e := range entries {
		stats.ByCategory[e.Category]++
		stats.ByStage[e.Stage]++
	}
	return stats
}

// Close releases the underlying store.
func (c *ResultCache) Close() error {
	return c.store.Close()
}

// removeMatching exposes filtered removal to the invalidator without
// widening the public API.
func (c *ResultCache) removeMatching(f Filter) int {
	return c.store.RemoveMatching(f, c.nowFn())
}

// now exposes the cache clock to the invalidator so both sides agree on
// expiry under test clocks.
func (c *ResultCache) now() time.Time {
	return c.nowFn()
}

// defaultTTL returns the configured default entry lifetime.
func (c *ResultCache) defaultTTL() time.Duration {
	return time.Duration(c.cfg.DefaultTTLHours) * time.Hour
}
