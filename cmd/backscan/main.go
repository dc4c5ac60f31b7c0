// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command backscan manages log-scan backlog recovery for the detection
// pipeline: gap analysis, prioritized catch-up scans, query optimization,
// and the staging cache between pipeline stages.
//
// Usage:
//
//	backscan run --state state.yaml
//	backscan estimate --state state.yaml
//	backscan optimize --query-file q.sql --category privilege_escalation
//	backscan cache stats
//	backscan cache clear audit
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
