// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinelops/backscan/services/scanner/config"
	"github.com/sentinelops/backscan/services/scanner/staging"
	"github.com/sentinelops/backscan/services/scanner/staging/badgerstore"
)

// loadConfig returns the effective configuration: file-based when --config
// is given, defaults otherwise.
func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.LoadFile(configPath)
}

// loadLastScans reads the last-scan state file: a YAML mapping of
// category names to RFC3339 timestamps of the last successful scan.
func loadLastScans(path string) (map[string]time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}

	lastScans := make(map[string]time.Time, len(raw))
	for category, value := range raw {
		ts, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("state file %s: category %q: %w", path, category, err)
		}
		lastScans[category] = ts
	}
	return lastScans, nil
}

// openStore opens the configured staging backend.
func openStore(cfg config.CacheConfig) (staging.EntryStore, error) {
	switch cfg.Backend {
	case "badger":
		return badgerstore.Open(badgerstore.DefaultConfig(cfg.BadgerPath, cfg.MaxEntries))
	default:
		return staging.NewMemoryStore(cfg.MaxEntries), nil
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
