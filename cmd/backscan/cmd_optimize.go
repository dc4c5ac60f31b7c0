// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinelops/backscan/services/scanner/queryopt"
)

// runOptimize rewrites a single query through the optimization pipeline
// and prints the result with the list of applied transforms.
func runOptimize(cmd *cobra.Command, args []string) error {
	query, err := resolveQueryInput()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	optimizer, err := queryopt.NewOptimizer(cfg.Optimizer)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	start := now.Add(-24 * time.Hour)
	end := now
	if optimizeStart != "" {
		if start, err = time.Parse(time.RFC3339, optimizeStart); err != nil {
			return fmt.Errorf("parse --start: %w", err)
		}
	}
	if optimizeEnd != "" {
		if end, err = time.Parse(time.RFC3339, optimizeEnd); err != nil {
			return fmt.Errorf("parse --end: %w", err)
		}
	}

	category := queryopt.RuleNone
	if optimizeCategory != "" {
		parsed, ok := queryopt.ParseRuleCategory(optimizeCategory)
		if !ok {
			return fmt.Errorf("unknown rule category %q", optimizeCategory)
		}
		category = parsed
	}

	res := optimizer.Optimize(query, start, end, category)

	if jsonOutput {
		return printJSON(struct {
			Query   string   `json:"query"`
			Start   string   `json:"start"`
			End     string   `json:"end"`
			Applied []string `json:"applied"`
		}{
			Query:   res.Query,
			Start:   res.Start.Format(time.RFC3339),
			End:     res.End.Format(time.RFC3339),
			Applied: res.Applied,
		})
	}

	fmt.Println(res.Query)
	if len(res.Applied) > 0 {
		fmt.Fprintf(os.Stderr, "applied: %s\n", strings.Join(res.Applied, ", "))
	}
	if !res.Start.Equal(start) {
		fmt.Fprintf(os.Stderr, "range clamped to start at %s\n", res.Start.Format(time.RFC3339))
	}
	return nil
}

// resolveQueryInput returns the query text from --query or --query-file,
// rejecting both-or-neither.
func resolveQueryInput() (string, error) {
	switch {
	case optimizeQuery != "" && optimizeQueryFile != "":
		return "", fmt.Errorf("--query and --query-file are mutually exclusive")
	case optimizeQuery != "":
		return optimizeQuery, nil
	case optimizeQueryFile != "":
		data, err := os.ReadFile(optimizeQueryFile)
		if err != nil {
			return "", fmt.Errorf("read query file: %w", err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("one of --query or --query-file is required")
	}
}
