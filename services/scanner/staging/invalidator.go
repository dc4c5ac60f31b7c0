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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sentinelops/backscan/services/scanner/config"
)

// maxInvalidationRecords bounds the audit ring to the most recent events.
const maxInvalidationRecords = 100

// EventKind names an invalidation trigger.
type EventKind string

const (
	EventRuleChange   EventKind = "rule_change"
	EventConfigChange EventKind = "config_change"
	EventManualClear  EventKind = "manual_clear"
	EventScheduled    EventKind = "scheduled"
	EventDetection    EventKind = "detection"
)

// Severity grades a fresh detection. Higher severities purge related and
// adjacent staged results more aggressively.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// InvalidationRecord is one append-only audit record of an invalidation
// event.
type InvalidationRecord struct {
	ID        string
	Kind      EventKind
	Entries   int
	Category  string
	Metadata  map[string]string
	Timestamp time.Time
}

// Invalidator evicts staged results in response to pipeline events.
//
// # Description
//
// The cache owns storage; the invalidator owns eviction policy. Each
// event kind is independently toggleable; a disabled kind is a no-op that
// removes nothing and records nothing. Every effective event appends an
// InvalidationRecord to a ring bounded to the most recent 100.
//
// # Thread Safety
//
// Safe for concurrent use.
type Invalidator struct {
	cache    *ResultCache
	cfg      config.InvalidationConfig
	interval time.Duration

	mu            sync.Mutex
	records       []InvalidationRecord
	lastScheduled time.Time
}

// NewInvalidator creates an Invalidator over the given cache.
//
// # Inputs
//
//   - cache: The staging cache to evict from. Must not be nil.
//   - cfg: Per-event-kind toggles.
//   - scheduledInterval: Minimum spacing between scheduled sweeps;
//     mirrors the scheduler's interval check.
func NewInvalidator(cache *ResultCache, cfg config.InvalidationConfig, scheduledInterval time.Duration) (*Invalidator, error) {
	if cache == nil {
		return nil, fmt.Errorf("invalidator: cache must not be nil")
	}
	if scheduledInterval <= 0 {
		return nil, fmt.Errorf("invalidator: scheduled interval must be positive, got %s", scheduledInterval)
	}
	return &Invalidator{
		cache:    cache,
		cfg:      cfg,
		interval: scheduledInterval,
	}, nil
}

// OnRuleChange clears staged entries for the category whose rule changed.
// Returns the number of entries removed.
func (inv *Invalidator) OnRuleChange(ctx context.Context, category string) int {
	if !inv.cfg.OnRuleChange {
		return 0
	}
	_, span := tracer.Start(ctx, "staging.invalidate.rule_change")
	defer span.End()

	removed := inv.cache.removeMatching(Filter{Category: category})
	span.SetAttributes(attribute.String("category", category), attribute.Int("removed", removed))
	inv.record(EventRuleChange, removed, category, nil)
	return removed
}

// OnConfigChange clears the entire cache. Returns the number of entries
// removed.
func (inv *Invalidator) OnConfigChange(ctx context.Context) int {
	if !inv.cfg.OnConfigChange {
		return 0
	}
	_, span := tracer.Start(ctx, "staging.invalidate.config_change")
	defer span.End()

	removed := inv.cache.removeMatching(Filter{})
	span.SetAttributes(attribute.Int("removed", removed))
	inv.record(EventConfigChange, removed, "", nil)
	return removed
}

// OnManualClear clears one category, or everything when category is
// empty. Returns the number of entries removed.
func (inv *Invalidator) OnManualClear(ctx context.Context, category string) int {
	if !inv.cfg.OnManualClear {
		return 0
	}
	_, span := tracer.Start(ctx, "staging.invalidate.manual_clear")
	defer span.End()

	removed := inv.cache.removeMatching(Filter{Category: category})
	span.SetAttributes(attribute.String("category", category), attribute.Int("removed", removed))
	inv.record(EventManualClear, removed, category, nil)
	return removed
}

// OnScheduled sweeps entries older than the cache's default TTL (expired
// entries go with them) and updates the last-scheduled timestamp. Returns
// the number of live entries removed.
func (inv *Invalidator) OnScheduled(ctx context.Context) int {
	if !inv.cfg.OnScheduled {
		return 0
	}
	_, span := tracer.Start(ctx, "staging.invalidate.scheduled")
	defer span.End()

	now := inv.cache.now()
	cutoff := now.Add(-inv.cache.defaultTTL())
	removed := inv.cache.removeMatching(Filter{CreatedBefore: cutoff})

	inv.mu.Lock()
	inv.lastScheduled = now
	inv.mu.Unlock()

	span.SetAttributes(attribute.Int("removed", removed))
	inv.record(EventScheduled, removed, "", map[string]string{
		"cutoff": cutoff.UTC().Format(time.RFC3339),
	})
	return removed
}

// OnDetection clears staged entries for the category a fresh detection
// fired in. Severity in metadata scales how aggressively related entries
// are also purged:
//
//   - medium (or absent): the category's entries only.
//   - high: additionally all cross-category correlation and aggregation
//     results, which may embed the now-stale category state.
//   - critical: the entire cache.
//
// Returns the number of entries removed.
func (inv *Invalidator) OnDetection(ctx context.Context, category string, metadata map[string]string) int {
	if !inv.cfg.OnDetection {
		return 0
	}
	_, span := tracer.Start(ctx, "staging.invalidate.detection")
	defer span.End()

	severity := Severity(metadata["severity"])
	var removed int
	switch severity {
	case SeverityCritical:
		removed = inv.cache.removeMatching(Filter{})
	case SeverityHigh:
		removed = inv.cache.removeMatching(Filter{Category: category})
		removed += inv.cache.removeMatching(Filter{Stage: StageCorrelation})
		removed += inv.cache.removeMatching(Filter{Stage: StageAggregation})
	default:
		removed = inv.cache.removeMatching(Filter{Category: category})
	}

	span.SetAttributes(
		attribute.String("category", category),
		attribute.String("severity", string(severity)),
		attribute.Int("removed", removed),
	)
	inv.record(EventDetection, removed, category, metadata)
	return removed
}

// ShouldRunScheduled reports whether a scheduled sweep is due: no sweep
// has run within the configured interval.
func (inv *Invalidator) ShouldRunScheduled() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.lastScheduled.IsZero() {
		return true
	}
	return inv.cache.now().Sub(inv.lastScheduled) >= inv.interval
}

// Records returns a copy of the audit ring, oldest first.
func (inv *Invalidator) Records() []InvalidationRecord {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]InvalidationRecord, len(inv.records))
	copy(out, inv.records)
	return out
}

// record appends an audit record, trimming the ring to the most recent
// maxInvalidationRecords.
func (inv *Invalidator) record(kind EventKind, removed int, category string, metadata map[string]string) {
	invalidationsTotal.WithLabelValues(string(kind)).Add(float64(removed))

	inv.mu.Lock()
	inv.records = append(inv.records, InvalidationRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		Entries:   removed,
		Category:  category,
		Metadata:  metadata,
		Timestamp: inv.cache.now(),
	})
	if overflow := len(inv.records) - maxInvalidationRecords; overflow > 0 {
		inv.records = inv.records[overflow:]
	}
	inv.mu.Unlock()

	slog.Debug("staging entries invalidated",
		"event", string(kind),
		"category", category,
		"removed", removed,
	)
}
