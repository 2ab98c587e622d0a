// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package derived

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	projectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verge_derived_projections_total",
			Help: "Upstream snapshots seen by derived stores, by result",
		},
		[]string{"result"},
	)

	registryLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verge_derived_registry_lookups_total",
			Help: "Derived registry lookups, by hit or miss",
		},
		[]string{"result"},
	)
)

const (
	resultDropped   = "dropped"
	resultUnchanged = "unchanged"
	resultStale     = "stale"
	resultCommitted = "committed"
)
