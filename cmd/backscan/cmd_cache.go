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
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinelops/backscan/services/scanner/staging"
)

// openCache wires the configured backend into a result cache. Cache
// subcommands are only meaningful against the badger backend, where state
// survives across processes; against the memory backend they operate on an
// empty store and say so.
func openCache() (*staging.ResultCache, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg.Cache)
	if err != nil {
		return nil, nil, err
	}
	cache, err := staging.NewResultCache(store, cfg.Cache)
	if err != nil {
		return nil, nil, err
	}
	return cache, func() { _ = cache.Close() }, nil
}

// runCacheStats prints live staging cache contents grouped by category
// and pipeline stage.
func runCacheStats(cmd *cobra.Command, args []string) error {
	cache, closeCache, err := openCache()
	if err != nil {
		return err
	}
	defer closeCache()

	stats := cache.Stats()
	if jsonOutput {
		return printJSON(stats)
	}

	fmt.Printf("Live entries: %d\n", stats.Total)
	if stats.Total == 0 {
		return nil
	}
	fmt.Println("By category:")
	for _, k := range sortedKeys(stats.ByCategory) {
		fmt.Printf("  %-16s %d\n", k, stats.ByCategory[k])
	}
	fmt.Println("By stage:")
	for _, k := range sortedKeys(stats.ByStage) {
		fmt.Printf("  %-16s %d\n", k, stats.ByStage[k])
	}
	return nil
}

// runCacheClear manually invalidates staged results, optionally scoped to
// a single category, and records the clear in the audit trail.
func runCacheClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cache, closeCache, err := openCache()
	if err != nil {
		return err
	}
	defer closeCache()

	invalidator, err := staging.NewInvalidator(cache, cfg.Invalidation,
		time.Duration(cfg.Catchup.ScheduledIntervalHours)*time.Hour)
	if err != nil {
		return err
	}

	category := ""
	if len(args) == 1 {
		category = args[0]
	}

	removed := invalidator.OnManualClear(context.Background(), category)
	if category == "" {
		fmt.Printf("Cleared %d staged entries.\n", removed)
	} else {
		fmt.Printf("Cleared %d staged entries for category %q.\n", removed, category)
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
