// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// refineActionsTotal counts refinement actions by kind and result.
	//
	// Labels:
	//   - kind: "add", "modify" or "remove"
	//   - status: "applied", "rejected", "invalidated" or "advisory_dropped"
	refineActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reasoncore",
			Subsystem: "refine",
			Name:      "actions_total",
			Help:      "Total refinement actions by kind and result",
		},
		[]string{"kind", "status"},
	)

	// fragmentsFrozenTotal counts fragments frozen by the limiters.
	fragmentsFrozenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reasoncore",
			Subsystem: "refine",
			Name:      "fragments_frozen_total",
			Help:      "Total plan fragments frozen for manual intervention",
		},
	)

	// invariantViolationsTotal counts batches aborted by the frozen-field check.
	invariantViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reasoncore",
			Subsystem: "refine",
			Name:      "invariant_violations_total",
			Help:      "Total refinement batches aborted for mutating finalized steps",
		},
	)
)
