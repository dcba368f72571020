// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call names used for metric labels and span names.
const (
	CallInferProfile       = "infer_profile"
	CallRecalibrateProfile = "recalibrate_profile"
	CallGeneratePlan       = "generate_plan"
	CallCreateSubplan      = "create_subplan"
	CallValidate           = "validate"
	CallAssessConvergence  = "assess_convergence"
	CallRefine             = "refine"
	CallSynthesize         = "synthesize"
	CallExecuteBatch       = "execute_step_batch"
)

// knownCalls guards label cardinality.
var knownCalls = map[string]bool{
	CallInferProfile:       true,
	CallRecalibrateProfile: true,
	CallGeneratePlan:       true,
	CallCreateSubplan:      true,
	CallValidate:           true,
	CallAssessConvergence:  true,
	CallRefine:             true,
	CallSynthesize:         true,
	CallExecuteBatch:       true,
}

func sanitizeCall(name string) string {
	if knownCalls[name] {
		return name
	}
	return "unknown"
}

// Call outcomes.
const (
	outcomeOK          = "ok"
	outcomeRepaired    = "repaired"
	outcomeUnavailable = "unavailable"
	outcomeMalformed   = "malformed"
	outcomeCanceled    = "canceled"
	outcomeError       = "error"
)

var (
	// collabCallsTotal counts collaborator calls by outcome.
	//
	// Labels:
	//   - call: Collaborator operation (sanitized against knownCalls)
	//   - outcome: "ok", "repaired", "unavailable", "malformed", "canceled" or "error"
	collabCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reasoncore",
			Subsystem: "collab",
			Name:      "calls_total",
			Help:      "Total collaborator calls by operation and outcome",
		},
		[]string{"call", "outcome"},
	)

	// collabAttempts tracks attempts per call, retries included.
	collabAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reasoncore",
			Subsystem: "collab",
			Name:      "call_attempts",
			Help:      "Attempts per collaborator call including retries",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"call"},
	)

	// collabRepairsTotal counts repair attempts.
	//
	// Labels:
	//   - call: Collaborator operation whose output was repaired
	//   - outcome: "ok" or "error"
	collabRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reasoncore",
			Subsystem: "collab",
			Name:      "repairs_total",
			Help:      "Total repair attempts by operation and outcome",
		},
		[]string{"call", "outcome"},
	)
)
