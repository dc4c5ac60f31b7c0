// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badgerstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/backscan/services/scanner/staging"
)

func openTestStore(t *testing.T, maxEntries int) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig(maxEntries))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(id, category, stage string, created time.Time) staging.Entry {
	return staging.Entry{
		ID:        id,
		Category:  category,
		Stage:     stage,
		Payload:   map[string]any{"rows": float64(42)},
		Metadata:  map[string]string{"rule": "r-100"},
		CreatedAt: created,
		ExpiresAt: created.Add(24 * time.Hour),
	}
}

func TestOpen_PersistentRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(DefaultConfig(dir, 10))
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	require.NoError(t, s.Put(testEntry("e1", "audit", staging.StageInitialScan, now), now))
	_, ok := s.Get("e1", now)
	assert.True(t, ok)
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := openTestStore(t, 10)
	now := time.Now().UTC().Truncate(time.Second)

	e := testEntry("e1", "audit", staging.StageCorrelation, now)
	require.NoError(t, s.Put(e, now))

	got, ok := s.Get("e1", now)
	require.True(t, ok)
	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, "audit", got.Category)
	assert.Equal(t, staging.StageCorrelation, got.Stage)
	assert.Equal(t, map[string]any{"rows": float64(42)}, got.Payload)
	assert.Equal(t, map[string]string{"rule": "r-100"}, got.Metadata)
	assert.True(t, got.CreatedAt.Equal(now))
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t, 10)
	_, ok := s.Get("absent", time.Now())
	assert.False(t, ok)
}

func TestStore_ExpiredEntryAbsent(t *testing.T) {
	s := openTestStore(t, 10)
	now := time.Now()

	e := testEntry("e1", "audit", staging.StageInitialScan, now)
	require.NoError(t, s.Put(e, now))

	_, ok := s.Get("e1", now.Add(25*time.Hour))
	assert.False(t, ok, "expired entry must read as absent")
	assert.Equal(t, 0, s.Len(now.Add(25*time.Hour)))
}

func TestStore_CapacityEvictsOldest(t *testing.T) {
	s := openTestStore(t, 3)
	now := time.Now()

	for i := 0; i < 5; i++ {
		created := now.Add(time.Duration(i) * time.Minute)
		e := testEntry(fmt.Sprintf("e%d", i), "audit", staging.StageInitialScan, created)
		require.NoError(t, s.Put(e, created))
	}

	final := now.Add(5 * time.Minute)
	assert.Equal(t, 3, s.Len(final))
	for _, id := range []string{"e2", "e3", "e4"} {
		_, ok := s.Get(id, final)
		assert.True(t, ok, "newest entry %s should survive", id)
	}
	for _, id := range []string{"e0", "e1"} {
		_, ok := s.Get(id, final)
		assert.False(t, ok, "oldest entry %s should be evicted", id)
	}
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t, 10)
	now := time.Now()

	require.NoError(t, s.Put(testEntry("e1", "audit", staging.StageInitialScan, now), now))
	assert.True(t, s.Delete("e1", now))
	assert.False(t, s.Delete("e1", now))
}

func TestStore_ListFiltersAndOrders(t *testing.T) {
	s := openTestStore(t, 10)
	now := time.Now()

	require.NoError(t, s.Put(testEntry("a", "audit", staging.StageInitialScan, now), now))
	require.NoError(t, s.Put(testEntry("b", "audit", staging.StageCorrelation, now.Add(time.Minute)), now))
	require.NoError(t, s.Put(testEntry("c", "system", staging.StageInitialScan, now.Add(2*time.Minute)), now))

	audit := s.List(staging.Filter{Category: "audit"}, now.Add(3*time.Minute))
	require.Len(t, audit, 2)
	assert.Equal(t, "b", audit[0].ID, "newest first")
	assert.Equal(t, "a", audit[1].ID)
}

func TestStore_RemoveMatching(t *testing.T) {
	s := openTestStore(t, 10)
	now := time.Now()

	require.NoError(t, s.Put(testEntry("a", "audit", staging.StageInitialScan, now), now))
	require.NoError(t, s.Put(testEntry("b", "audit", staging.StageCorrelation, now), now))
	require.NoError(t, s.Put(testEntry("c", "system", staging.StageInitialScan, now), now))

	assert.Equal(t, 2, s.RemoveMatching(staging.Filter{Category: "audit"}, now))
	assert.Equal(t, 1, s.Len(now))
}

// The badger backend must satisfy the same contract the in-memory store
// does, so the staging cache can run on either.
func TestStore_CacheContract(t *testing.T) {
	s := openTestStore(t, 100)
	now := time.Now()

	for i := 0; i < 10; i++ {
		category := "audit"
		if i%2 == 0 {
			category = "data_access"
		}
		e := testEntry(fmt.Sprintf("e%d", i), category, staging.StageInitialScan, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Put(e, now))
	}

	assert.Equal(t, 10, s.Len(now))
	assert.Len(t, s.List(staging.Filter{Category: "audit"}, now), 5)
	assert.Equal(t, 5, s.RemoveMatching(staging.Filter{Category: "data_access"}, now))
	assert.Equal(t, 5, s.Len(now))
}
