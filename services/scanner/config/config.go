// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config provides configuration for the log-scan recovery subsystem.
//
// Configuration is an immutable value constructed once (from defaults or a
// YAML file) and passed into each component's constructor. No component reads
// ambient or global state. Malformed or out-of-range settings fail at load
// time, not at execution time.
//
// Thread Safety:
//
//	A Config is never mutated after construction and is safe to share
//	across goroutines.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize is the maximum allowed config file size (1MB).
// Prevents memory issues from oversized or hostile files.
const MaxConfigFileSize = 1024 * 1024

// =============================================================================
// Types
// =============================================================================

// Config is the root configuration for the scanner subsystem.
type Config struct {
	Catchup      CatchupConfig      `yaml:"catchup"`
	Optimizer    OptimizerConfig    `yaml:"optimizer"`
	Cache        CacheConfig        `yaml:"cache"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
}

// CatchupConfig configures gap analysis and catch-up scan scheduling.
type CatchupConfig struct {
	// MaxCatchupHours bounds how far back a recovery window may reach.
	MaxCatchupHours int `yaml:"max_catchup_hours" validate:"gt=0,lte=720"`

	// DefaultChunkMinutes is the maximum width of a single scan chunk.
	DefaultChunkMinutes int `yaml:"default_chunk_minutes" validate:"gt=0,lte=1440"`

	// MaxConcurrentCatchup caps how many tasks execute at once.
	// Chunks within one task always run sequentially.
	MaxConcurrentCatchup int `yaml:"max_concurrent_catchup" validate:"gt=0,lte=64"`

	// CategoryPriorities overrides scan priority per log category.
	// Higher runs first. Unknown categories fall back to DefaultPriority.
	CategoryPriorities map[string]int `yaml:"category_priorities" validate:"dive,gte=0,lte=10"`

	// DefaultPriority is used for categories without an override.
	DefaultPriority int `yaml:"default_priority" validate:"gte=0,lte=10"`

	// RecentWindowMinutes is the gap below which a category is considered
	// current and produces no recovery task.
	RecentWindowMinutes int `yaml:"recent_window_minutes" validate:"gt=0"`

	// ScheduledIntervalHours is the minimum spacing between scheduled
	// catch-up runs.
	ScheduledIntervalHours int `yaml:"scheduled_interval_hours" validate:"gt=0"`

	// PausePriorityThreshold is the task priority at or above which
	// regular (non-catch-up) scanning should yield. Flagged for product
	// confirmation; the value is inherited, not derived.
	PausePriorityThreshold int `yaml:"pause_priority_threshold" validate:"gte=0,lte=10"`
}

// OptimizerConfig configures the query rewrite pipeline. Each transform is
// individually toggleable.
type OptimizerConfig struct {
	// EnableTimePartitioning enables time-range clamping and partition
	// predicate injection.
	EnableTimePartitioning bool `yaml:"enable_time_partitioning"`

	// MaxScanDays clamps the widest allowed query time range.
	MaxScanDays int `yaml:"max_scan_days" validate:"gt=0,lte=365"`

	// EnableResultLimit enables row-limit insertion and clamping.
	EnableResultLimit bool `yaml:"enable_result_limit"`

	// DefaultLimit is the row limit appended when none exists. Existing
	// limits above it are clamped down; limits are never raised.
	DefaultLimit int `yaml:"default_limit" validate:"gt=0"`

	// EnableSampling injects a statistical sample clause on wide ranges.
	EnableSampling bool `yaml:"enable_sampling"`

	// SamplePercentage is the sample rate for wide-range queries.
	SamplePercentage int `yaml:"sample_percentage" validate:"gte=1,lte=100"`

	// SamplingThresholdHours is the range width above which sampling
	// applies. Flagged for product confirmation; inherited value.
	SamplingThresholdHours int `yaml:"sampling_threshold_hours" validate:"gt=0"`

	// EnableColumnPruning replaces wildcard projections with
	// RequiredColumns.
	EnableColumnPruning bool `yaml:"enable_column_pruning"`

	// RequiredColumns is the explicit projection used when pruning.
	RequiredColumns []string `yaml:"required_columns"`

	// EnableJoinShaping enables predicate-pushdown and join-order hints.
	EnableJoinShaping bool `yaml:"enable_join_shaping"`

	// LargeTables lists table names that warrant hash-join hints.
	LargeTables []string `yaml:"large_tables"`

	// EnableClusteringHints rewrites prefix and equality predicates on
	// clustered columns into range form.
	EnableClusteringHints bool `yaml:"enable_clustering_hints"`

	// ClusteredColumns lists the physically clustered columns.
	ClusteredColumns []string `yaml:"clustered_columns"`

	// EnableRulePredicates injects per-rule-category keyword filters.
	EnableRulePredicates bool `yaml:"enable_rule_predicates"`

	// TimestampColumn is the event-time column referenced by queries.
	TimestampColumn string `yaml:"timestamp_column" validate:"required"`
}

// CacheConfig configures the interim-result staging cache.
type CacheConfig struct {
	// MaxEntries caps total live entries. At capacity the store purges
	// expired entries first, then evicts the oldest by creation time.
	MaxEntries int `yaml:"max_entries" validate:"gt=0"`

	// DefaultTTLHours is the entry lifetime when a put specifies none.
	DefaultTTLHours int `yaml:"default_ttl_hours" validate:"gt=0"`

	// Backend selects the entry store: "memory" or "badger".
	Backend string `yaml:"backend" validate:"oneof=memory badger"`

	// BadgerPath is the on-disk location for the badger backend.
	// Ignored for the memory backend.
	BadgerPath string `yaml:"badger_path"`
}

// InvalidationConfig toggles each invalidation event kind independently.
// A disabled event kind is a no-op that removes nothing and records nothing.
type InvalidationConfig struct {
	OnRuleChange   bool `yaml:"on_rule_change"`
	OnConfigChange bool `yaml:"on_config_change"`
	OnManualClear  bool `yaml:"on_manual_clear"`
	OnScheduled    bool `yaml:"on_scheduled"`
	OnDetection    bool `yaml:"on_detection"`
}

// =============================================================================
// Construction
// =============================================================================

// Default returns the production default configuration.
func Default() Config {
	return Config{
		Catchup: CatchupConfig{
			MaxCatchupHours:      24,
			DefaultChunkMinutes:  60,
			MaxConcurrentCatchup: 2,
			CategoryPriorities: map[string]int{
				"audit":       8,
				"data_access": 6,
				"system":      4,
			},
			DefaultPriority:        5,
			RecentWindowMinutes:    5,
			ScheduledIntervalHours: 6,
			PausePriorityThreshold: 8,
		},
		Optimizer: OptimizerConfig{
			EnableTimePartitioning: true,
			MaxScanDays:            7,
			EnableResultLimit:      true,
			DefaultLimit:           10000,
			EnableSampling:         true,
			SamplePercentage:       10,
			SamplingThresholdHours: 24,
			EnableColumnPruning:    true,
			RequiredColumns: []string{
				"timestamp", "severity", "log_name",
				"principal_email", "method_name", "resource_name",
			},
			EnableJoinShaping: true,
			LargeTables: []string{
				"cloudaudit_activity",
				"cloudaudit_data_access",
			},
			EnableClusteringHints: true,
			ClusteredColumns:      []string{"timestamp", "log_name"},
			EnableRulePredicates:  true,
			TimestampColumn:       "timestamp",
		},
		Cache: CacheConfig{
			MaxEntries:      1000,
			DefaultTTLHours: 24,
			Backend:         "memory",
		},
		Invalidation: InvalidationConfig{
			OnRuleChange:   true,
			OnConfigChange: true,
			OnManualClear:  true,
			OnScheduled:    true,
			OnDetection:    true,
		},
	}
}

var validate = validator.New()

// Validate checks all settings against their allowed ranges.
//
// # Outputs
//
//   - error: Non-nil describing the first invalid field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid scanner config: %w", err)
	}
	if c.Cache.Backend == "badger" && c.Cache.BadgerPath == "" {
		return fmt.Errorf("invalid scanner config: badger backend requires badger_path")
	}
	return nil
}

// LoadFile loads configuration from a YAML file, applying defaults for
// absent keys.
//
// # Inputs
//
//   - path: YAML file path. File must be under MaxConfigFileSize.
//
// # Outputs
//
//   - Config: Validated configuration.
//   - error: Non-nil if the file is missing, oversized, malformed, or
//     fails validation.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	info, err := os.Stat(path)
	if err != nil {
		return cfg, fmt.Errorf("stat config file %s: %w", path, err)
	}
	if info.Size() > MaxConfigFileSize {
		return cfg, fmt.Errorf("config file %s exceeds %d bytes", path, MaxConfigFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
