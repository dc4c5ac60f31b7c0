// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package catchup implements recovery of log windows missed while the
// regular scanner was offline: gap analysis across log categories,
// conversion of gaps into prioritized time-chunked scan tasks, and
// bounded-concurrency execution of those tasks.
package catchup

import (
	"fmt"
	"time"
)

// TaskState tracks a scan task through its lifecycle.
type TaskState string

const (
	// TaskPending means the task has been scheduled but not dispatched.
	TaskPending TaskState = "pending"

	// TaskActive means a worker is currently processing the task's chunks.
	// A task cancelled mid-flight remains active, never completed.
	TaskActive TaskState = "active"

	// TaskCompleted means every chunk has been attempted, successfully
	// or not. A task is never partially completed.
	TaskCompleted TaskState = "completed"
)

// Chunk is a half-open [Start, End) sub-window of a task's recovery range,
// sized to keep individual queries small.
type Chunk struct {
	Start time.Time
	End   time.Time
}

// Duration returns the chunk's width.
func (c Chunk) Duration() time.Duration {
	return c.End.Sub(c.Start)
}

// ScanTask is a unit of recovery work covering one log category over a
// half-open [Start, End) window.
//
// # Lifecycle
//
// Created by the GapAnalyzer from a (lastScan, now) pair, consumed by the
// Scheduler which may merge tasks sharing a category (keeping the higher
// priority), and moved to the completed list once every chunk has been
// attempted. The Scheduler owns task lifecycles exclusively.
type ScanTask struct {
	// Category is the log category being recovered (e.g. "audit").
	Category string

	// Start is the inclusive lower bound of the recovery window.
	Start time.Time

	// End is the exclusive upper bound of the recovery window.
	End time.Time

	// Priority orders execution; higher runs first.
	Priority int

	// ChunkMinutes is the maximum width of a single executable chunk.
	ChunkMinutes int
}

// Validate checks the task for construction errors.
func (t ScanTask) Validate() error {
	if t.Category == "" {
		return fmt.Errorf("scan task: category must not be empty")
	}
	if t.ChunkMinutes <= 0 {
		return fmt.Errorf("scan task %s: chunk minutes must be positive, got %d", t.Category, t.ChunkMinutes)
	}
	if t.End.Before(t.Start) {
		return fmt.Errorf("scan task %s: window end precedes start", t.Category)
	}
	return nil
}

// Window returns the task's total covered duration.
func (t ScanTask) Window() time.Duration {
	if !t.Start.Before(t.End) {
		return 0
	}
	return t.End.Sub(t.Start)
}

// Chunks splits the task window into an ordered, contiguous sequence of
// half-open [start, end) sub-windows covering the window exactly, each at
// most ChunkMinutes wide. The last chunk may be shorter. A zero-width
// window yields no chunks.
func (t ScanTask) Chunks() []Chunk {
	if !t.Start.Before(t.End) {
		return nil
	}

	width := time.Duration(t.ChunkMinutes) * time.Minute
	if width <= 0 {
		width = time.Hour
	}

	chunks := make([]Chunk, 0, int(t.Window()/width)+1)
	for cur := t.Start; cur.Before(t.End); cur = cur.Add(width) {
		end := cur.Add(width)
		if end.After(t.End) {
			end = t.End
		}
		chunks = append(chunks, Chunk{Start: cur, End: end})
	}
	return chunks
}
