// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catchup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// Package-level tracer for catch-up execution spans.
var tracer = otel.Tracer("backscan.catchup")

// Prometheus metrics for catch-up scheduling and execution.
var (
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backscan_catchup_chunks_total",
		Help: "Total catch-up chunks attempted, by category and result",
	}, []string{"category", "result"})

	tasksCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backscan_catchup_tasks_completed_total",
		Help: "Total catch-up tasks completed, by category",
	}, []string{"category"})

	executeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backscan_catchup_execute_duration_seconds",
		Help:    "Wall-clock duration of catch-up execution passes",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})

	pendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backscan_catchup_pending_tasks",
		Help: "Number of catch-up tasks currently pending",
	})
)
