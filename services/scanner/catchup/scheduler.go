// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catchup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sentinelops/backscan/services/scanner/config"
)

// ScanFunc executes one optimized recovery query for a single chunk and
// reports whether the chunk was processed without data loss.
//
// The scheduler imposes no timeout of its own; callers must enforce
// deadlines inside the callback. A false return or a non-nil error both
// count as a chunk failure; the error text is captured in the failure
// record. A panic in the callback is recovered and treated as an error.
type ScanFunc func(ctx context.Context, category string, start, end time.Time) (bool, error)

// Progress carries running totals, delivered after every chunk attempt.
// Calls are strictly ordered within a task but may interleave across
// concurrently executing tasks.
type Progress struct {
	CompletedChunks int
	FailedChunks    int
	TotalChunks     int
	CurrentCategory string
}

// ProgressFunc receives progress updates during execution.
type ProgressFunc func(Progress)

// ChunkFailure records one failed chunk attempt with its full bounds.
type ChunkFailure struct {
	Category string
	Start    time.Time
	End      time.Time

	// Reason is the error text when the callback returned an error or
	// panicked; empty when it simply returned false.
	Reason string
}

// Status distinguishes "nothing needed" from "everything ran".
type Status string

const (
	// StatusNoWork means the pending set was empty; no callback ran.
	StatusNoWork Status = "no_work"

	// StatusCompleted means every dispatched task reached completion.
	StatusCompleted Status = "completed"

	// StatusCancelled means cancellation stopped dispatch; undispatched
	// tasks remain pending and interrupted tasks remain active.
	StatusCancelled Status = "cancelled"
)

// Summary is the structured result of an execution pass. It is always
// returned, even when every chunk fails.
type Summary struct {
	RunID           string
	Status          Status
	TotalTasks      int
	TotalChunks     int
	CompletedChunks int
	FailedChunks    int
	Duration        time.Duration
	Failures        []ChunkFailure
}

// trackedTask pairs a task with its lifecycle state. Owned exclusively by
// the Scheduler and mutated only under its mutex.
type trackedTask struct {
	task  ScanTask
	state TaskState
}

// Scheduler converts gap findings into prioritized recovery work and
// executes it with a bounded worker pool.
//
// # Description
//
// Tasks move pending -> active -> completed. A task enters active only
// when one of MaxConcurrentCatchup slots is free; inside a slot its chunks
// run strictly sequentially in chronological order, so total in-flight
// queries never exceed the configured cap regardless of task or chunk
// count. Chunk failures are recorded and never fatal; retry policy is a
// caller concern.
//
// # Thread Safety
//
// Safe for concurrent use. Task lists are mutated only under the
// scheduler's own mutex; collaborators interact solely through method
// calls and returned values.
type Scheduler struct {
	cfg   config.CatchupConfig
	nowFn func() time.Time

	mu            sync.Mutex
	pending       []*trackedTask
	active        map[string]*trackedTask
	completed     []*trackedTask
	lastScheduled time.Time
	disabled      bool
}

// SchedulerOption is a functional option for NewScheduler.
type SchedulerOption func(*Scheduler)

// WithClock overrides the scheduler's time source. Intended for tests.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// NewScheduler creates a Scheduler.
//
// # Outputs
//
//   - *Scheduler: Ready to Schedule and Execute.
//   - error: Non-nil for a non-positive concurrency cap, chunk size, or
//     scheduled interval.
func NewScheduler(cfg config.CatchupConfig, opts ...SchedulerOption) (*Scheduler, error) {
	if cfg.MaxConcurrentCatchup <= 0 {
		return nil, fmt.Errorf("scheduler: max concurrent catchup must be positive, got %d", cfg.MaxConcurrentCatchup)
	}
	if cfg.DefaultChunkMinutes <= 0 {
		return nil, fmt.Errorf("scheduler: default chunk minutes must be positive, got %d", cfg.DefaultChunkMinutes)
	}
	if cfg.ScheduledIntervalHours <= 0 {
		return nil, fmt.Errorf("scheduler: scheduled interval hours must be positive, got %d", cfg.ScheduledIntervalHours)
	}

	s := &Scheduler{
		cfg:    cfg,
		nowFn:  time.Now,
		active: make(map[string]*trackedTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Schedule appends tasks to the pending set.
//
// # Description
//
// Tasks sharing a category with an already-pending task are merged: the
// higher-priority task wins, the other is dropped. The pending set is then
// re-sorted by priority descending (stable, so earlier insertions keep
// their relative order on ties).
//
// # Outputs
//
//   - error: Non-nil if any task fails validation; valid tasks scheduled
//     before the invalid one remain scheduled.
func (s *Scheduler) Schedule(tasks []ScanTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byCategory := make(map[string]*trackedTask, len(s.pending))
	for _, tt := range s.pending {
		byCategory[tt.task.Category] = tt
	}

	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		if existing, ok := byCategory[task.Category]; ok {
			if task.Priority > existing.task.Priority {
				existing.task = task
			}
			continue
		}
		tt := &trackedTask{task: task, state: TaskPending}
		s.pending = append(s.pending, tt)
		byCategory[task.Category] = tt
	}

	sort.SliceStable(s.pending, func(i, j int) bool {
		return s.pending[i].task.Priority > s.pending[j].task.Priority
	})
	pendingTasks.Set(float64(len(s.pending)))

	slog.Debug("tasks scheduled", "pending", len(s.pending))
	return nil
}

// Execute runs all pending tasks with the configured worker pool.
//
// # Description
//
// Returns immediately with StatusNoWork when nothing is pending. Tasks are
// dispatched in priority order; each occupies one concurrency slot and
// walks its chunks sequentially, invoking scan per chunk. Failures are
// recorded and execution continues. When ctx is cancelled, no further
// tasks or chunks are dispatched; in-flight callbacks finish on their own
// deadline, interrupted tasks stay active and undispatched tasks stay
// pending.
//
// # Inputs
//
//   - ctx: Cancellation signal for dispatch.
//   - scan: Per-chunk callback. Must not be nil.
//   - progress: Optional; invoked after every chunk attempt.
//
// # Outputs
//
//   - Summary: Aggregate counts and failure records; always populated.
//   - error: ctx.Err() when cancelled, nil otherwise. Chunk failures are
//     never surfaced as errors.
func (s *Scheduler) Execute(ctx context.Context, scan ScanFunc, progress ProgressFunc) (Summary, error) {
	if scan == nil {
		return Summary{}, fmt.Errorf("execute: scan callback must not be nil")
	}

	s.mu.Lock()
	queue := make([]*trackedTask, len(s.pending))
	copy(queue, s.pending)
	s.mu.Unlock()

	summary := Summary{RunID: uuid.NewString()}
	if len(queue) == 0 {
		summary.Status = StatusNoWork
		slog.Info("catch-up execution skipped, no pending tasks", "run_id", summary.RunID)
		return summary, nil
	}

	ctx, span := tracer.Start(ctx, "catchup.execute")
	defer span.End()
	span.SetAttributes(attribute.Int("tasks", len(queue)))

	totalChunks := 0
	for _, tt := range queue {
		totalChunks += len(tt.task.Chunks())
	}
	summary.TotalTasks = len(queue)
	summary.TotalChunks = totalChunks

	slog.Info("catch-up execution starting",
		"run_id", summary.RunID,
		"tasks", len(queue),
		"chunks", totalChunks,
		"max_concurrent", s.cfg.MaxConcurrentCatchup,
	)

	start := s.nowFn()
	counters := &runCounters{total: totalChunks, progress: progress}
	sem := make(chan struct{}, s.cfg.MaxConcurrentCatchup)
	var wg sync.WaitGroup

dispatch:
	for _, tt := range queue {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}

		s.markActive(tt)
		wg.Add(1)
		go func(tt *trackedTask) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runTask(ctx, tt, scan, counters)
		}(tt)
	}
	wg.Wait()

	summary.Duration = s.nowFn().Sub(start)
	summary.CompletedChunks, summary.FailedChunks, summary.Failures = counters.snapshot()
	if ctx.Err() != nil {
		summary.Status = StatusCancelled
		span.SetStatus(codes.Error, "execution cancelled")
	} else {
		summary.Status = StatusCompleted
	}
	span.SetAttributes(
		attribute.Int("chunks_completed", summary.CompletedChunks),
		attribute.Int("chunks_failed", summary.FailedChunks),
	)
	executeDuration.Observe(summary.Duration.Seconds())

	s.mu.Lock()
	pendingTasks.Set(float64(len(s.pending)))
	s.mu.Unlock()

	slog.Info("catch-up execution finished",
		"run_id", summary.RunID,
		"status", string(summary.Status),
		"completed_chunks", summary.CompletedChunks,
		"failed_chunks", summary.FailedChunks,
		"duration_ms", summary.Duration.Milliseconds(),
	)
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

// runTask walks one task's chunks sequentially. On cancellation the task
// is left active; otherwise it is moved to completed after every chunk has
// been attempted.
func (s *Scheduler) runTask(ctx context.Context, tt *trackedTask, scan ScanFunc, counters *runCounters) {
	category := tt.task.Category
	for _, chunk := range tt.task.Chunks() {
		if ctx.Err() != nil {
			slog.Warn("task interrupted by cancellation", "category", category)
			return
		}

		ok, err := invokeChunk(ctx, scan, category, chunk)
		if ok && err == nil {
			chunksTotal.WithLabelValues(category, "completed").Inc()
			counters.recordSuccess(category)
			continue
		}

		failure := ChunkFailure{Category: category, Start: chunk.Start, End: chunk.End}
		if err != nil {
			failure.Reason = err.Error()
		}
		chunksTotal.WithLabelValues(category, "failed").Inc()
		counters.recordFailure(failure)
		slog.Warn("chunk scan failed",
			"category", category,
			"chunk_start", chunk.Start.Format(time.RFC3339),
			"chunk_end", chunk.End.Format(time.RFC3339),
			"reason", failure.Reason,
		)
	}

	s.markCompleted(tt)
	tasksCompletedTotal.WithLabelValues(category).Inc()
}

// invokeChunk calls the scan callback with panic recovery. A panic is
// reported as a chunk failure carrying the panic text.
func invokeChunk(ctx context.Context, scan ScanFunc, category string, c Chunk) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("scan callback panic: %v", r)
		}
	}()
	return scan(ctx, category, c.Start, c.End)
}

func (s *Scheduler) markActive(tt *trackedTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt.state = TaskActive
	s.active[tt.task.Category] = tt
	for i, p := range s.pending {
		if p == tt {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
}

func (s *Scheduler) markCompleted(tt *trackedTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt.state = TaskCompleted
	delete(s.active, tt.task.Category)
	s.completed = append(s.completed, tt)
}

// ShouldRunScheduled reports whether a scheduled catch-up pass is due:
// no scheduled run has occurred within the configured interval and
// scheduled runs are not disabled.
func (s *Scheduler) ShouldRunScheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return false
	}
	if s.lastScheduled.IsZero() {
		return true
	}
	interval := time.Duration(s.cfg.ScheduledIntervalHours) * time.Hour
	return s.nowFn().Sub(s.lastScheduled) >= interval
}

// MarkScheduledRun records that a scheduled pass just ran.
func (s *Scheduler) MarkScheduledRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastScheduled = s.nowFn()
}

// SetDisabled enables or disables scheduled runs.
func (s *Scheduler) SetDisabled(disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = disabled
}

// ShouldPauseRegularScans reports whether any currently active task has a
// priority at or above the pause threshold, signaling that normal
// (non-catch-up) scanning should yield.
func (s *Scheduler) ShouldPauseRegularScans() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tt := range s.active {
		if tt.task.Priority >= s.cfg.PausePriorityThreshold {
			return true
		}
	}
	return false
}

// EstimateDuration approximates parallel wall-clock time for a set of
// tasks: one minute of scan time per hour of logs covered, divided by the
// effective parallelism min(concurrency cap, task count).
func (s *Scheduler) EstimateDuration(tasks []ScanTask) time.Duration {
	if len(tasks) == 0 {
		return 0
	}

	var hours float64
	for _, t := range tasks {
		hours += t.Window().Hours()
	}

	parallelism := s.cfg.MaxConcurrentCatchup
	if len(tasks) < parallelism {
		parallelism = len(tasks)
	}
	return time.Duration(hours / float64(parallelism) * float64(time.Minute))
}

// PendingCount returns the number of pending tasks.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CompletedCount returns the number of completed tasks.
func (s *Scheduler) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// ActiveCategories returns the categories of currently active tasks.
func (s *Scheduler) ActiveCategories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	categories := make([]string, 0, len(s.active))
	for category := range s.active {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories
}

// runCounters aggregates chunk outcomes across workers and drives the
// progress callback. Progress calls within one task are ordered because a
// task runs on a single goroutine.
type runCounters struct {
	mu        sync.Mutex
	total     int
	completed int
	failed    int
	failures  []ChunkFailure
	progress  ProgressFunc
}

func (c *runCounters) recordSuccess(category string) {
	c.mu.Lock()
	c.completed++
	p := Progress{
		CompletedChunks: c.completed,
		FailedChunks:    c.failed,
		TotalChunks:     c.total,
		CurrentCategory: category,
	}
	c.mu.Unlock()
	if c.progress != nil {
		c.progress(p)
	}
}

func (c *runCounters) recordFailure(failure ChunkFailure) {
	c.mu.Lock()
	c.failed++
	c.failures = append(c.failures, failure)
	p := Progress{
		CompletedChunks: c.completed,
		FailedChunks:    c.failed,
		TotalChunks:     c.total,
		CurrentCategory: failure.Category,
	}
	c.mu.Unlock()
	if c.progress != nil {
		c.progress(p)
	}
}

func (c *runCounters) snapshot() (completed, failed int, failures []ChunkFailure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChunkFailure, len(c.failures))
	copy(out, c.failures)
	return c.completed, c.failed, out
}
