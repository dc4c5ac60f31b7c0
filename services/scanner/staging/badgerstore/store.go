// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badgerstore provides a BadgerDB-backed EntryStore so staged
// results can survive a scanner restart. It implements the same
// semantics as the in-memory store: lazy expiry on read and strict
// eviction by creation time at capacity.
//
// Payloads are serialized as JSON; callers staging through this backend
// must use JSON-representable payload values.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badgerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sentinelops/backscan/services/scanner/staging"
)

// entryPrefix namespaces staged entries within the database.
const entryPrefix = "staging/"

// Config holds configuration for the badger-backed store.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless
	// InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful
	// for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// MaxEntries caps total live entries, enforced with the same
	// oldest-by-creation eviction as the memory store.
	MaxEntries int

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration
}

// DefaultConfig returns production defaults for the given path.
func DefaultConfig(path string, maxEntries int) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		MaxEntries: maxEntries,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no GC.
func InMemoryConfig(maxEntries int) Config {
	return Config{
		InMemory:   true,
		MaxEntries: maxEntries,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a durable EntryStore backed by BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
type Store struct {
	db         *badger.DB
	maxEntries int
	gcDone     chan struct{}
}

// Open creates and opens a badger-backed store.
//
// # Outputs
//
//   - *Store: The opened store. Caller must Close() when done.
//   - error: Non-nil if the path is missing for a persistent store or
//     the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required for persistent store")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	s := &Store{db: db, maxEntries: cfg.MaxEntries, gcDone: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// runGC periodically reclaims value log space until the store is closed.
func (s *Store) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcDone:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
				// Keep collecting while there is garbage to reclaim.
			}
		}
	}
}

// Put implements staging.EntryStore.
func (s *Store) Put(e staging.Entry, now time.Time) error {
	live := s.liveEntries(now)
	if _, exists := s.find(live, e.ID); !exists && len(live) >= s.maxEntries {
		sort.Slice(live, func(i, j int) bool {
			return live[i].CreatedAt.Before(live[j].CreatedAt)
		})
		for i := 0; len(live)-i >= s.maxEntries; i++ {
			if err := s.deleteKey(live[i].ID); err != nil {
				return err
			}
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", e.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		item := badger.NewEntry([]byte(entryPrefix+e.ID), data)
		if ttl := e.ExpiresAt.Sub(now); ttl > 0 {
			item = item.WithTTL(ttl)
		}
		return txn.SetEntry(item)
	})
}

// Get implements staging.EntryStore.
func (s *Store) Get(id string, now time.Time) (staging.Entry, bool) {
	var e staging.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(entryPrefix + id))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return staging.Entry{}, false
	}
	if e.Expired(now) {
		_ = s.deleteKey(id)
		return staging.Entry{}, false
	}
	return e, true
}

// Delete implements staging.EntryStore.
func (s *Store) Delete(id string, now time.Time) bool {
	e, ok := s.Get(id, now)
	if !ok {
		return false
	}
	if err := s.deleteKey(id); err != nil {
		return false
	}
	return !e.Expired(now)
}

// List implements staging.EntryStore.
func (s *Store) List(f staging.Filter, now time.Time) []staging.Entry {
	var out []staging.Entry
	for _, e := range s.liveEntries(now) {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// RemoveMatching implements staging.EntryStore.
func (s *Store) RemoveMatching(f staging.Filter, now time.Time) int {
	removed := 0
	for _, e := range s.liveEntries(now) {
		if f.Matches(e) {
			if err := s.deleteKey(e.ID); err == nil {
				removed++
			}
		}
	}
	return removed
}

// Len implements staging.EntryStore.
func (s *Store) Len(now time.Time) int {
	return len(s.liveEntries(now))
}

// Close implements staging.EntryStore.
func (s *Store) Close() error {
	close(s.gcDone)
	return s.db.Close()
}

// liveEntries scans all staged entries, dropping expired ones. The scan
// is O(n) per call, acceptable at the configured capacities (~1000).
func (s *Store) liveEntries(now time.Time) []staging.Entry {
	var out []staging.Entry
	var expired []string

	_ = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(entryPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var e staging.Entry
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			if e.Expired(now) {
				expired = append(expired, e.ID)
				continue
			}
			out = append(out, e)
		}
		return nil
	})

	for _, id := range expired {
		_ = s.deleteKey(id)
	}
	return out
}

func (s *Store) find(entries []staging.Entry, id string) (staging.Entry, bool) {
	for _, e := range entries {
		if e.ID == id {
			return e, true
		}
	}
	return staging.Entry{}, false
}

func (s *Store) deleteKey(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(entryPrefix + id))
	})
}

var _ staging.EntryStore = (*Store)(nil)
