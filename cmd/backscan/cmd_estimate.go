// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinelops/backscan/services/scanner/catchup"
	"github.com/sentinelops/backscan/services/scanner/queryopt"
)

// taskEstimate is the per-task line of the estimate report.
type taskEstimate struct {
	Category       string `json:"category"`
	Priority       int    `json:"priority"`
	Start          string `json:"start"`
	End            string `json:"end"`
	Chunks         int    `json:"chunks"`
	EstimatedBytes int64  `json:"estimated_bytes"`
}

type estimateReport struct {
	Tasks             []taskEstimate `json:"tasks"`
	EstimatedDuration string         `json:"estimated_duration"`
	TotalBytes        int64          `json:"total_bytes"`
}

// runEstimate performs gap analysis and prints what a catch-up run would
// cost without executing any scans.
func runEstimate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lastScans, err := loadLastScans(statePath)
	if err != nil {
		return err
	}

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

	now := time.Now().UTC()
	tasks, findings := analyzer.IdentifyCatchupNeeds(lastScans, now)
	if len(tasks) == 0 {
		fmt.Println("All categories are current; nothing to recover.")
		return nil
	}

	report := estimateReport{
		EstimatedDuration: scheduler.EstimateDuration(tasks).String(),
	}
	for _, task := range tasks {
		template := fmt.Sprintf(
			`SELECT * FROM logs.%s WHERE timestamp >= "%s" AND timestamp < "%s"`,
			task.Category,
			task.Start.UTC().Format("2006-01-02 15:04:05"),
			task.End.UTC().Format("2006-01-02 15:04:05"),
		)
		res := optimizer.Optimize(template, task.Start, task.End, queryopt.RuleNone)
		bytes := optimizer.EstimateBytes(res.Query, res.Start, res.End)

		report.Tasks = append(report.Tasks, taskEstimate{
			Category:       task.Category,
			Priority:       task.Priority,
			Start:          task.Start.Format(time.RFC3339),
			End:            task.End.Format(time.RFC3339),
			Chunks:         len(task.Chunks()),
			EstimatedBytes: bytes,
		})
		report.TotalBytes += bytes
	}

	if jsonOutput {
		return printJSON(report)
	}

	fmt.Printf("Categories scheduled: %v (skipped: %v, clamped: %v)\n",
		findings.Scheduled, findings.Skipped, findings.Clamped)
	for _, t := range report.Tasks {
		fmt.Printf("  %-14s priority %d  %s .. %s  %d chunks  ~%d bytes\n",
			t.Category, t.Priority, t.Start, t.End, t.Chunks, t.EstimatedBytes)
	}
	fmt.Printf("Estimated duration: %s\n", report.EstimatedDuration)
	fmt.Printf("Estimated total bytes scanned: %d\n", report.TotalBytes)
	return nil
}
