// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package staging provides the TTL-bounded staging store for intermediate
// per-rule, per-stage detection results, and the event-driven invalidator
// that keeps it coherent. Multi-stage rules (initial scan, correlation,
// aggregation) share work through this cache instead of re-querying.
package staging

import (
	"sort"
	"sync"
	"time"
)

// Well-known pipeline stages. The stage field is free-form; these are the
// values the detection pipeline itself uses.
const (
	StageInitialScan = "initial_scan"
	StageCorrelation = "correlation"
	StageAggregation = "aggregation"
)

// Entry is one staged intermediate or cached result.
//
// An entry is visible to reads only while now < ExpiresAt. A read that
// finds an expired entry treats it as absent and evicts it; no read ever
// returns expired data.
type Entry struct {
	// ID is the caller-assigned identifier, unique per logical result.
	ID string `json:"id"`

	// Category is the log category the result belongs to.
	Category string `json:"category"`

	// Stage is the pipeline stage that produced the result.
	Stage string `json:"stage"`

	// Payload is the opaque staged value.
	Payload any `json:"payload"`

	// Metadata carries caller-defined key/value annotations.
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its lifetime at the given time.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Filter selects entries for List and RemoveMatching. Zero fields match
// everything.
type Filter struct {
	// Category matches entries of one category when non-empty.
	Category string

	// Stage matches entries of one stage when non-empty.
	Stage string

	// CreatedBefore matches entries created strictly before this time,
	// when non-zero.
	CreatedBefore time.Time
}

// Matches reports whether the entry satisfies the filter.
func (f Filter) Matches(e Entry) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Stage != "" && e.Stage != f.Stage {
		return false
	}
	if !f.CreatedBefore.IsZero() && !e.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// EntryStore is the storage seam behind the result cache. Implementations
// own the entry map and its synchronization; keeping the surface this
// small lets a durable backend substitute for the in-memory default
// without touching scheduler or optimizer logic.
//
// All methods take the caller's notion of now so expiry stays
// deterministic under test clocks.
type EntryStore interface {
	// Put stores an entry, enforcing the capacity invariant: expired
	// entries are purged first, and if the store is still at capacity
	// the entry with the oldest CreatedAt is evicted.
	Put(e Entry, now time.Time) error

	// Get returns a live entry by ID. Expired entries are evicted and
	// reported absent.
	Get(id string, now time.Time) (Entry, bool)

	// Delete removes an entry, reporting whether it existed and was live.
	Delete(id string, now time.Time) bool

	// List returns live entries matching the filter, newest first.
	List(f Filter, now time.Time) []Entry

	// RemoveMatching deletes live entries matching the filter and
	// returns how many were removed. Expired entries are purged as a
	// side effect but not counted.
	RemoveMatching(f Filter, now time.Time) int

	// Len returns the number of live entries.
	Len(now time.Time) int

	// Close releases backend resources.
	Close() error
}

// MemoryStore is the default in-memory EntryStore.
//
// # Thread Safety
//
// Safe for concurrent use; the entry map is mutated only under the
// store's own mutex.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]Entry
	maxEntries int
	evictions  int64
}

// NewMemoryStore creates a MemoryStore holding at most maxEntries live
// entries. A non-positive capacity falls back to 1000.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryStore{
		entries:    make(map[string]Entry),
		maxEntries: maxEntries,
	}
}

// Put implements EntryStore.
func (s *MemoryStore) Put(e Entry, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.ID]; !exists && len(s.entries) >= s.maxEntries {
		s.purgeExpiredLocked(now)
		for len(s.entries) >= s.maxEntries {
			if !s.evictOldestLocked() {
				break
			}
		}
	}
	s.entries[e.ID] = e
	return nil
}

// Get implements EntryStore.
func (s *MemoryStore) Get(id string, now time.Time) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	if e.Expired(now) {
		delete(s.entries, id)
		return Entry{}, false
	}
	return e, true
}

// Delete implements EntryStore.
func (s *MemoryStore) Delete(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	delete(s.entries, id)
	return !e.Expired(now)
}

// List implements EntryStore.
func (s *MemoryStore) List(f Filter, now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(now)

	var out []Entry
	for _, e := range s.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// RemoveMatching implements EntryStore.
func (s *MemoryStore) RemoveMatching(f Filter, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(now)

	removed := 0
	for id, e := range s.entries {
		if f.Matches(e) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Len implements EntryStore.
func (s *MemoryStore) Len(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(now)
	return len(s.entries)
}

// Close implements EntryStore. The memory store holds no resources.
func (s *MemoryStore) Close() error { return nil }

// purgeExpiredLocked drops expired entries. Caller must hold the mutex.
func (s *MemoryStore) purgeExpiredLocked(now time.Time) {
	for id, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, id)
		}
	}
}

// evictOldestLocked evicts the entry with the oldest CreatedAt. Eviction
// is strictly by creation time, not access time. Caller must hold the
// mutex.
func (s *MemoryStore) evictOldestLocked() bool {
	var oldestID string
	var oldest time.Time
	for id, e := range s.entries {
		if oldestID == "" || e.CreatedAt.Before(oldest) {
			oldestID = id
			oldest = e.CreatedAt
		}
	}
	if oldestID == "" {
		return false
	}
	delete(s.entries, oldestID)
	s.evictions++
	evictionsTotal.Inc()
	return true
}

var _ EntryStore = (*MemoryStore)(nil)
