// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package staging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/backscan/services/scanner/config"
)

// testClock is a mutable time source shared between a test and its cache.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t *testing.T) *testClock {
	return &testClock{t: baseTime(t)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCache(t *testing.T, clock *testClock) *ResultCache {
	t.Helper()
	cache, err := NewResultCache(NewMemoryStore(100), config.Default().Cache,
		WithCacheClock(clock.Now))
	require.NoError(t, err)
	return cache
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewResultCache_Validation(t *testing.T) {
	cfg := config.Default().Cache

	_, err := NewResultCache(nil, cfg)
	assert.Error(t, err, "nil store rejected")

	bad := cfg
	bad.DefaultTTLHours = 0
	_, err = NewResultCache(NewMemoryStore(10), bad)
	assert.Error(t, err, "non-positive TTL rejected")
}

// =============================================================================
// Put / Get Tests
// =============================================================================

func TestResultCache_PutGet(t *testing.T) {
	clock := newTestClock(t)
	cache := newTestCache(t, clock)

	err := cache.Put("r1", "audit", StageInitialScan, map[string]int{"rows": 42}, nil, time.Hour)
	require.NoError(t, err)

	payload, ok := cache.Get("r1", StageInitialScan)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"rows": 42}, payload)

	_, ok = cache.Get("r1", StageCorrelation)
	assert.False(t, ok, "stage mismatch is a miss")

	_, ok = cache.Get("missing", "")
	assert.False(t, ok)
}

func TestResultCache_PutValidation(t *testing.T) {
	clock := newTestClock(t)
	cache := newTestCache(t, clock)

	assert.Error(t, cache.Put("", "audit", StageInitialScan, nil, nil, 0))
	assert.Error(t, cache.Put("r1", "", StageInitialScan, nil, nil, 0))
	assert.Error(t, cache.Put("r1", "audit", "", nil, nil, 0))
}

func TestResultCache_DefaultTTLApplied(t *testing.T) {
	clock := newTestClock(t)
	cache := newTestCache(t, clock)

	require.NoError(t, cache.Put("r1", "audit", StageInitialScan, "v", nil, 0))

	e, ok := cache.GetEntry("r1")
	require.True(t, ok)
	assert.True(t, e.ExpiresAt.Equal(clock.Now().Add(24*time.Hour)),
		"zero ttl takes the 24h default")
}

func TestResultCache_ExpiryIsAbsence(t *testing.T) {
	clock := newTestClock(t)
	cache := newTestCache(t, clock)

	require.NoError(t, cache.Put("r1", "audit", StageInitialScan, "v", nil, time.Hour))

	_, ok := cache.Get("r1", "")
	assert.True(t, ok)

	clock.Advance(time.Hour)
	_, ok = cache.Get("r1", "")
	assert.False(t, ok, "expired entry must read as absent, not as an error")
	assert.Equal(t, 0, cache.Stats().Total)
}

// =============================================================================
// GetOrCompute Tests
// =============================================================================

func TestGetOrCompute_ComputesOnceThenCaches(t *testing.T) {
	clock := newTestClock(t)
	cache := newTestCache(t, clock)

	var computes atomic.Int32
	compute := func(ctx context.Context) (any, error) {
		computes.Add(1)
		return "computed", nil
	}

	got, err := cache.GetOrCompute(context.Background(), "r1", "audit", StageInitialScan, nil, time.Hour, compute)
	require.NoError(t, err)
	assert.Equal(t, "computed", got)

	got, err = cache.GetOrCompute(context.Background(), "r1", "audit", StageInitialScan, nil, time.Hour, compute)
	require.NoError(t, err)
	assert.Equal(t, "computed", got)
	assert.Equal(t, int32(1), computes.Load(), "second call must be served from cache")
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	clock := newTestClock(t)
	cache := newTestCache(t, clock)

	boom := errors.New("query failed")
	_, err := cache.GetOrCompute(context.Background(), "r1", "audit", StageInitialScan, nil, time.Hour,
		func(ctx context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	got, err := cache.GetOrCompute(context.Background(), "r1", "audit", StageInitialScan, nil, time.Hour,
		func(ctx context.Context) (any, error) { return "recovered", nil })
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
}

func TestGetOrCompute_ConcurrentCallsDeduplicated(t *testing.T) {
	clock := newTestClock(t)
	cache := newTestCache(t, clock)

	var computes atomic.Int32
	gate := make(chan struct{})
	compute := func(ctx context.Context) (any, error) {
		computes.Add(1)
		<-gate
		return "shared", nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]any, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := cache.GetOrCompute(context.Background(), "r1", "audit", StageInitialScan, nil, time.Hour, compute)
			if err == nil {
				results[i] = got
			}
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.LessOrEqual(t, computes.Load(), int32(2),
		"concurrent misses share a flight instead of each computing")
	for i, got := range results {
		assert.Equal(t, "shared", got, "caller %d", i)
	}
}

// =============================================================================
// List / Clear / Stats Tests
// =============================================================================

func TestListByCategory(t *testing.T) {
	clock := newTestClock(t)
	cache := newTestCache(t, clock)

	require.NoError(t, cache.Put("a", "audit", StageInitialScan, "v", nil, time.Hour))
	clock.Advance(time.Minute)
	require.NoError(t, cache.Put("b", "audit", StageCorrelation, "v", nil, time.Hour))
	clock.Advance(time.Minute)
	require.NoError(t, cache.Put("c", "system", StageInitialScan, "v", nil, time.Hour))

	audit := cache.ListByCategory("audit", "", 0)
	require.Len(t, audit, 2)
	assert.Equal(t, "b", audit[0].ID, "newest first")
	assert.Equal(t, "a", audit[1].ID)

	correlation := cache.ListByCategory("audit", StageCorrelation, 0)
	require.Len(t, correlation, 1)
	assert.Equal(t, "b", correlation[0].ID)
}

func TestListByCategory_MaxAge(t *testing.T) {
	clock := newTestClock(t)
	cache := newTestCache(t, clock)

	require.NoError(t, cache.Put("old", "audit", StageInitialScan, "v", nil, 10*time.Hour))
	clock.Advance(2 * time.Hour)
	require.NoError(t, cache.Put("recent", "audit", StageInitialScan, "v", nil, 10*time.Hour))
	clock.Advance(30 * time.Minute)

	within := cache.ListByCategory("audit", "", time.Hour)
	require.Len(t, within, 1)
	assert.Equal(t, "recent", within[0].ID)
}

func TestResultCache_Clear(t *testing.T) {
	clock := newTestClock(t)
	cache := newTestCache(t, clock)

	require.NoError(t, cache.Put("a", "audit", StageInitialScan, "v", nil, time.Hour))
	require.NoError(t, cache.Put("b", "audit", StageCorrelation, "v", nil, time.Hour))
	require.NoError(t, cache.Put("c", "system", StageInitialScan, "v", nil, time.Hour))

	assert.Equal(t, 2, cache.Clear("audit"))
	assert.Equal(t, 1, cache.Stats().Total)

	assert.Equal(t, 1, cache.Clear(""))
	assert.Equal(t, 0, cache.Stats().Total)
}

func TestResultCache_Stats(t *testing.T) {
	clock := newTestClock(t)
	cache := newTestCache(t, clock)

	require.NoError(t, cache.Put("a", "audit", StageInitialScan, "v", nil, time.Hour))
	require.NoError(t, cache.Put("b", "audit", StageCorrelation, "v", nil, time.Hour))
	require.NoError(t, cache.Put("c", "system", StageInitialScan, "v", nil, time.Hour))

	stats := cache.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, map[string]int{"audit": 2, "system": 1}, stats.ByCategory)
	assert.Equal(t, map[string]int{StageInitialScan: 2, StageCorrelation: 1}, stats.ByStage)
}

func TestResultCache_Delete(t *testing.T) {
	clock := newTestClock(t)
	cache := newTestCache(t, clock)

	require.NoError(t, cache.Put("a", "audit", StageInitialScan, "v", nil, time.Hour))
	assert.True(t, cache.Delete("a"))
	assert.False(t, cache.Delete("a"))
}
