// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package staging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// Package-level tracer for invalidation event spans.
var tracer = otel.Tracer("backscan.staging")

// Prometheus metrics for the staging cache and invalidator.
var (
	hitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backscan_staging_hits_total",
		Help: "Total staging cache hits",
	})

	missesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backscan_staging_misses_total",
		Help: "Total staging cache misses",
	})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backscan_staging_evictions_total",
		Help: "Total capacity evictions from the staging store",
	})

	invalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backscan_staging_invalidations_total",
		Help: "Entries invalidated, by event kind",
	}, []string{"event"})
)
