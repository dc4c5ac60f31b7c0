// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinelops/backscan/services/scanner/catchup"
	scannercfg "github.com/sentinelops/backscan/services/scanner/config"
	"github.com/sentinelops/backscan/services/scanner/queryopt"
	"github.com/sentinelops/backscan/services/scanner/staging"
)

// runCatchup identifies scan gaps from the state file and executes the
// resulting catch-up tasks.
//
// The scan callback here is a dry-run executor: it renders the optimized
// recovery query for each chunk and logs it. The detection pipeline embeds
// the scheduler with a real executor; the CLI never connects to the query
// engine itself.
func runCatchup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lastScans, err := loadLastScans(statePath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	analyzer, err := catchup.NewGapAnalyzer(cfg.Catchup)
	if err != nil {
		return err
	}
	scheduler, err := catchup.NewScheduler(cfg.Catchup)
	if err != nil {
		return err
	}
	optimizer, err := queryopt.NewOptimizer(cfg.Optimizer)
	if err != nil {
		return err
	}

	store, err := openStore(cfg.Cache)
	if err != nil {
		return err
	}
	cache, err := staging.NewResultCache(store, cfg.Cache)
	if err != nil {
		return err
	}
	defer cache.Close()

	invalidator, err := staging.NewInvalidator(cache, cfg.Invalidation,
		time.Duration(cfg.Catchup.ScheduledIntervalHours)*time.Hour)
	if err != nil {
		return err
	}

	if watchConfig && configPath != "" {
		watcher, err := scannercfg.NewWatcher(configPath, func(path string) {
			removed := invalidator.OnConfigChange(ctx)
			logger.Info("config rewritten, staged results invalidated",
				"path", path, "removed", removed)
		}, scannercfg.DefaultWatcherOptions())
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	now := time.Now().UTC()
	tasks, findings := analyzer.IdentifyCatchupNeeds(lastScans, now)
	logger.Info("gap analysis complete",
		"scheduled", findings.Scheduled,
		"skipped", findings.Skipped,
		"clamped", findings.Clamped,
	)
	if len(tasks) == 0 {
		fmt.Println("All categories are current; nothing to recover.")
		return nil
	}

	if err := scheduler.Schedule(tasks); err != nil {
		return err
	}
	logger.Info("catch-up scheduled",
		"tasks", len(tasks),
		"estimated_duration", scheduler.EstimateDuration(tasks).String(),
	)

	if invalidator.ShouldRunScheduled() {
		removed := invalidator.OnScheduled(ctx)
		logger.Info("scheduled cache sweep", "removed", removed)
	}

	scan := func(ctx context.Context, category string, start, end time.Time) (bool, error) {
		template := fmt.Sprintf(
			`SELECT * FROM logs.%s WHERE timestamp >= "%s" AND timestamp < "%s"`,
			category,
			start.UTC().Format("2006-01-02 15:04:05"),
			end.UTC().Format("2006-01-02 15:04:05"),
		)
		res := optimizer.Optimize(template, start, end, queryopt.RuleNone)
		logger.Info("recovery query rendered",
			"category", category,
			"chunk_start", start.Format(time.RFC3339),
			"applied", res.Applied,
			"estimated_bytes", optimizer.EstimateBytes(res.Query, res.Start, res.End),
		)
		logger.Debug("optimized query", "query", res.Query)
		return true, nil
	}

	progress := func(p catchup.Progress) {
		logger.Debug("catch-up progress",
			"completed", p.CompletedChunks,
			"failed", p.FailedChunks,
			"total", p.TotalChunks,
			"category", p.CurrentCategory,
		)
	}

	summary, execErr := scheduler.Execute(ctx, scan, progress)
	if jsonOutput {
		if err := printJSON(summary); err != nil {
			return err
		}
	} else {
		printSummary(summary)
	}
	if execErr != nil {
		return fmt.Errorf("catch-up interrupted: %w", execErr)
	}
	return nil
}

func printSummary(s catchup.Summary) {
	fmt.Printf("Run %s: %s\n", s.RunID, s.Status)
	fmt.Printf("  tasks:            %d\n", s.TotalTasks)
	fmt.Printf("  chunks completed: %d/%d\n", s.CompletedChunks, s.TotalChunks)
	fmt.Printf("  chunks failed:    %d\n", s.FailedChunks)
	fmt.Printf("  duration:         %s\n", s.Duration)
	for _, f := range s.Failures {
		fmt.Fprintf(os.Stderr, "  failed: %s [%s, %s): %s\n",
			f.Category, f.Start.Format(time.RFC3339), f.End.Format(time.RFC3339), f.Reason)
	}
}
