// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catchup

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sentinelops/backscan/services/scanner/config"
)

// GapFindings summarizes one gap-analysis pass for logging and metrics.
type GapFindings struct {
	// Scheduled lists categories that produced a recovery task.
	Scheduled []string

	// Skipped lists categories whose gap was within the recent window.
	Skipped []string

	// Clamped lists categories whose window was clamped to the maximum
	// lookback.
	Clamped []string
}

// GapAnalyzer computes which log categories need backlog recovery and how
// far back to look.
//
// # Description
//
// Pure function of its inputs: given per-category last-successful-scan
// timestamps and the current time, it produces prioritized ScanTasks
// bounded by the configured maximum lookback. It performs no I/O and holds
// no mutable state.
//
// # Thread Safety
//
// Safe for concurrent use; the analyzer is immutable after construction.
type GapAnalyzer struct {
	cfg config.CatchupConfig
}

// NewGapAnalyzer creates a GapAnalyzer.
//
// # Inputs
//
//   - cfg: Catch-up configuration. Out-of-range settings are rejected
//     here rather than surfacing later during analysis.
//
// # Outputs
//
//   - *GapAnalyzer: Ready for use.
//   - error: Non-nil for non-positive lookback, chunk size, or recent
//     window settings.
func NewGapAnalyzer(cfg config.CatchupConfig) (*GapAnalyzer, error) {
	if cfg.MaxCatchupHours <= 0 {
		return nil, fmt.Errorf("gap analyzer: max catchup hours must be positive, got %d", cfg.MaxCatchupHours)
	}
	if cfg.DefaultChunkMinutes <= 0 {
		return nil, fmt.Errorf("gap analyzer: default chunk minutes must be positive, got %d", cfg.DefaultChunkMinutes)
	}
	if cfg.RecentWindowMinutes <= 0 {
		return nil, fmt.Errorf("gap analyzer: recent window minutes must be positive, got %d", cfg.RecentWindowMinutes)
	}
	return &GapAnalyzer{cfg: cfg}, nil
}

// IdentifyCatchupNeeds computes recovery tasks for all categories whose
// last successful scan is older than the recent window.
//
// # Description
//
// For each category the recovery window is
// [max(lastScan, now-maxLookback), now). Categories scanned within the
// recent window are skipped. Priorities come from the per-category table
// with the configured fallback for unknown categories.
//
// # Inputs
//
//   - lastScans: Category to last-successful-scan timestamp.
//   - now: The current time, passed in so analysis stays deterministic.
//
// # Outputs
//
//   - []ScanTask: Sorted priority-descending; equal priorities keep
//     lexical category order so results are stable across runs.
//   - GapFindings: Per-category disposition for logging.
func (g *GapAnalyzer) IdentifyCatchupNeeds(lastScans map[string]time.Time, now time.Time) ([]ScanTask, GapFindings) {
	recent := time.Duration(g.cfg.RecentWindowMinutes) * time.Minute
	maxLookback := time.Duration(g.cfg.MaxCatchupHours) * time.Hour

	// Map iteration order is random; fix category order up front so the
	// priority tie-break is reproducible.
	categories := make([]string, 0, len(lastScans))
	for category := range lastScans {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var findings GapFindings
	tasks := make([]ScanTask, 0, len(categories))
	for _, category := range categories {
		lastScan := lastScans[category]
		gap := now.Sub(lastScan)
		if gap <= recent {
			findings.Skipped = append(findings.Skipped, category)
			continue
		}

		start := lastScan
		if earliest := now.Add(-maxLookback); start.Before(earliest) {
			start = earliest
			findings.Clamped = append(findings.Clamped, category)
		}

		tasks = append(tasks, ScanTask{
			Category:     category,
			Start:        start,
			End:          now,
			Priority:     g.priorityFor(category),
			ChunkMinutes: g.cfg.DefaultChunkMinutes,
		})
		findings.Scheduled = append(findings.Scheduled, category)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})

	slog.Debug("gap analysis completed",
		"scheduled", len(findings.Scheduled),
		"skipped", len(findings.Skipped),
		"clamped", len(findings.Clamped),
	)
	return tasks, findings
}

// priorityFor returns the configured priority for a category, falling back
// to the default for unknown categories.
func (g *GapAnalyzer) priorityFor(category string) int {
	if p, ok := g.cfg.CategoryPriorities[category]; ok {
		return p
	}
	return g.cfg.DefaultPriority
}
