// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taskqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verge_tasks_scheduled_total",
		Help: "Total tasks admitted to a queue, by admission mode",
	}, []string{"mode"})

	tasksCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verge_tasks_completed_total",
		Help: "Total tasks finished, by outcome",
	}, []string{"outcome"})

	taskQueuesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "verge_task_queues_active",
		Help: "Number of keys with a live task queue",
	})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "verge_task_duration_seconds",
		Help:    "Wall time spent running task operations",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	})
)
