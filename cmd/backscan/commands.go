// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"

	"github.com/sentinelops/backscan/pkg/logging"
)

// --- Global Command Variables ---
var (
	configPath  string
	logDir      string
	jsonOutput  bool
	verbose     bool
	statePath   string
	watchConfig bool

	optimizeQuery     string
	optimizeQueryFile string
	optimizeCategory  string
	optimizeStart     string
	optimizeEnd       string

	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "backscan",
		Short: "Log-scan backlog recovery and query optimization for the detection pipeline",
		Long: `Backscan recovers log windows missed while the regular scanner was
offline. It identifies per-category scan gaps, schedules prioritized
catch-up scans in bounded-size chunks, rewrites recovery queries to
minimize data scanned, and stages intermediate results between the
detection pipeline's stages.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logging.LevelInfo
			if verbose {
				level = logging.LevelDebug
			}
			logger = logging.New(logging.Config{
				Level:   level,
				LogDir:  logDir,
				Service: "backscan",
				JSON:    jsonOutput,
			})
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Identify scan gaps and execute catch-up scans",
		RunE:  runCatchup, // Defined in cmd_run.go
	}

	estimateCmd = &cobra.Command{
		Use:   "estimate",
		Short: "Estimate catch-up duration and bytes scanned without executing",
		RunE:  runEstimate, // Defined in cmd_estimate.go
	}

	optimizeCmd = &cobra.Command{
		Use:   "optimize",
		Short: "Rewrite one query through the optimization pipeline and print it",
		RunE:  runOptimize, // Defined in cmd_optimize.go
	}

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the staging cache",
	}

	cacheStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print live staging cache contents by category and stage",
		RunE:  runCacheStats, // Defined in cmd_cache.go
	}

	cacheClearCmd = &cobra.Command{
		Use:   "clear [category]",
		Short: "Manually invalidate staged results, optionally for one category",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCacheClear, // Defined in cmd_cache.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to scanner config YAML (defaults apply when omitted)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Directory for JSON log files")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit logs and results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	runCmd.Flags().StringVar(&statePath, "state", "", "Path to the last-scan state file (YAML, category -> RFC3339 timestamp)")
	runCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Watch the config file and invalidate staged results on rewrite")
	_ = runCmd.MarkFlagRequired("state")

	estimateCmd.Flags().StringVar(&statePath, "state", "", "Path to the last-scan state file (YAML, category -> RFC3339 timestamp)")
	_ = estimateCmd.MarkFlagRequired("state")

	optimizeCmd.Flags().StringVar(&optimizeQuery, "query", "", "Query text to optimize")
	optimizeCmd.Flags().StringVar(&optimizeQueryFile, "query-file", "", "File containing the query to optimize")
	optimizeCmd.Flags().StringVar(&optimizeCategory, "category", "", "Detection rule category for predicate injection")
	optimizeCmd.Flags().StringVar(&optimizeStart, "start", "", "Range start (RFC3339); default now-24h")
	optimizeCmd.Flags().StringVar(&optimizeEnd, "end", "", "Range end (RFC3339); default now")

	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
	rootCmd.AddCommand(runCmd, estimateCmd, optimizeCmd, cacheCmd)
}
