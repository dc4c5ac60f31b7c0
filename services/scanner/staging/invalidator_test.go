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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/backscan/services/scanner/config"
)

func newTestInvalidator(t *testing.T, clock *testClock, mutate func(*config.InvalidationConfig)) (*Invalidator, *ResultCache) {
	t.Helper()
	cache := newTestCache(t, clock)

	cfg := config.Default().Invalidation
	if mutate != nil {
		mutate(&cfg)
	}
	inv, err := NewInvalidator(cache, cfg, 6*time.Hour)
	require.NoError(t, err)
	return inv, cache
}

func seedCache(t *testing.T, cache *ResultCache) {
	t.Helper()
	seeds := []struct{ id, category, stage string }{
		{"a1", "audit", StageInitialScan},
		{"a2", "audit", StageCorrelation},
		{"d1", "data_access", StageInitialScan},
		{"d2", "data_access", StageAggregation},
		{"s1", "system", StageInitialScan},
	}
	for _, s := range seeds {
		require.NoError(t, cache.Put(s.id, s.category, s.stage, "v", nil, time.Hour))
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewInvalidator_Validation(t *testing.T) {
	clock := newTestClock(t)
	cache := newTestCache(t, clock)

	_, err := NewInvalidator(nil, config.Default().Invalidation, time.Hour)
	assert.Error(t, err)

	_, err = NewInvalidator(cache, config.Default().Invalidation, 0)
	assert.Error(t, err)
}

// =============================================================================
// Event Tests
// =============================================================================

func TestOnRuleChange_RemovesCategoryOnly(t *testing.T) {
	clock := newTestClock(t)
	inv, cache := newTestInvalidator(t, clock, nil)
	seedCache(t, cache)

	removed := inv.OnRuleChange(context.Background(), "audit")

	assert.Equal(t, 2, removed)
	assert.Equal(t, 3, cache.Stats().Total)
	assert.Empty(t, cache.ListByCategory("audit", "", 0))

	records := inv.Records()
	require.Len(t, records, 1)
	assert.Equal(t, EventRuleChange, records[0].Kind)
	assert.Equal(t, 2, records[0].Entries)
	assert.Equal(t, "audit", records[0].Category)
	assert.NotEmpty(t, records[0].ID)
}

func TestOnConfigChange_RemovesEverything(t *testing.T) {
	clock := newTestClock(t)
	inv, cache := newTestInvalidator(t, clock, nil)
	seedCache(t, cache)

	removed := inv.OnConfigChange(context.Background())

	assert.Equal(t, 5, removed)
	assert.Equal(t, 0, cache.Stats().Total)
}

func TestOnManualClear(t *testing.T) {
	clock := newTestClock(t)
	inv, cache := newTestInvalidator(t, clock, nil)
	seedCache(t, cache)

	assert.Equal(t, 1, inv.OnManualClear(context.Background(), "system"))
	assert.Equal(t, 4, inv.OnManualClear(context.Background(), ""), "empty category clears everything")
	assert.Equal(t, 0, cache.Stats().Total)
}

func TestOnScheduled_SweepsOldEntries(t *testing.T) {
	clock := newTestClock(t)
	inv, cache := newTestInvalidator(t, clock, nil)

	// One entry created now with a long TTL; it outlives the default TTL
	// cutoff and must be swept anyway.
	require.NoError(t, cache.Put("old", "audit", StageInitialScan, "v", nil, 72*time.Hour))
	clock.Advance(25 * time.Hour)
	require.NoError(t, cache.Put("fresh", "audit", StageInitialScan, "v", nil, 72*time.Hour))

	removed := inv.OnScheduled(context.Background())

	assert.Equal(t, 1, removed)
	_, ok := cache.Get("fresh", "")
	assert.True(t, ok)
	_, ok = cache.Get("old", "")
	assert.False(t, ok)

	records := inv.Records()
	require.Len(t, records, 1)
	assert.Equal(t, EventScheduled, records[0].Kind)
	assert.Contains(t, records[0].Metadata, "cutoff")
}

func TestOnScheduled_UpdatesShouldRun(t *testing.T) {
	clock := newTestClock(t)
	inv, _ := newTestInvalidator(t, clock, nil)

	assert.True(t, inv.ShouldRunScheduled(), "first sweep is always due")

	inv.OnScheduled(context.Background())
	assert.False(t, inv.ShouldRunScheduled())

	clock.Advance(5 * time.Hour)
	assert.False(t, inv.ShouldRunScheduled(), "interval is 6h")

	clock.Advance(time.Hour)
	assert.True(t, inv.ShouldRunScheduled())
}

// =============================================================================
// Detection Severity Tests
// =============================================================================

func TestOnDetection_MediumClearsCategoryOnly(t *testing.T) {
	clock := newTestClock(t)
	inv, cache := newTestInvalidator(t, clock, nil)
	seedCache(t, cache)

	removed := inv.OnDetection(context.Background(), "audit", map[string]string{"severity": "medium"})

	assert.Equal(t, 2, removed)
	stats := cache.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 0, stats.ByCategory["audit"])
}

func TestOnDetection_AbsentSeverityTreatedAsMedium(t *testing.T) {
	clock := newTestClock(t)
	inv, cache := newTestInvalidator(t, clock, nil)
	seedCache(t, cache)

	removed := inv.OnDetection(context.Background(), "audit", nil)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 3, cache.Stats().Total)
}

func TestOnDetection_HighAlsoClearsDownstreamStages(t *testing.T) {
	clock := newTestClock(t)
	inv, cache := newTestInvalidator(t, clock, nil)
	seedCache(t, cache)

	removed := inv.OnDetection(context.Background(), "audit", map[string]string{"severity": "high"})

	// audit (a1, a2) plus the cross-category aggregation entry (d2).
	assert.Equal(t, 3, removed)
	stats := cache.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 0, stats.ByStage[StageCorrelation])
	assert.Equal(t, 0, stats.ByStage[StageAggregation])
	_, ok := cache.Get("d1", "")
	assert.True(t, ok, "other categories' initial-scan results survive high severity")
}

func TestOnDetection_CriticalClearsEverything(t *testing.T) {
	clock := newTestClock(t)
	inv, cache := newTestInvalidator(t, clock, nil)
	seedCache(t, cache)

	removed := inv.OnDetection(context.Background(), "audit", map[string]string{"severity": "critical"})

	assert.Equal(t, 5, removed)
	assert.Equal(t, 0, cache.Stats().Total)
}

// =============================================================================
// Toggle Tests
// =============================================================================

func TestDisabledEventsAreNoOps(t *testing.T) {
	clock := newTestClock(t)
	inv, cache := newTestInvalidator(t, clock, func(c *config.InvalidationConfig) {
		c.OnRuleChange = false
		c.OnConfigChange = false
		c.OnManualClear = false
		c.OnScheduled = false
		c.OnDetection = false
	})
	seedCache(t, cache)
	clock.Advance(30 * time.Hour)
	seedCache(t, cache)

	ctx := context.Background()
	assert.Equal(t, 0, inv.OnRuleChange(ctx, "audit"))
	assert.Equal(t, 0, inv.OnConfigChange(ctx))
	assert.Equal(t, 0, inv.OnManualClear(ctx, ""))
	assert.Equal(t, 0, inv.OnScheduled(ctx))
	assert.Equal(t, 0, inv.OnDetection(ctx, "audit", map[string]string{"severity": "critical"}))

	assert.Empty(t, inv.Records(), "disabled events record nothing")
	assert.Equal(t, 5, cache.Stats().Total, "disabled events remove nothing")
}

// =============================================================================
// Audit Ring Tests
// =============================================================================

func TestRecords_RingBoundedToMostRecent(t *testing.T) {
	clock := newTestClock(t)
	inv, cache := newTestInvalidator(t, clock, nil)

	for i := 0; i < 150; i++ {
		category := fmt.Sprintf("cat%d", i)
		require.NoError(t, cache.Put(fmt.Sprintf("e%d", i), category, StageInitialScan, "v", nil, time.Hour))
		inv.OnRuleChange(context.Background(), category)
	}

	records := inv.Records()
	require.Len(t, records, 100, "ring keeps only the most recent 100")
	assert.Equal(t, "cat50", records[0].Category, "oldest surviving record")
	assert.Equal(t, "cat149", records[99].Category, "newest record last")
}
