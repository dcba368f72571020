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

// Reason codes emitted by Thresholds.Assess.
const (
	ReasonCompletenessBelowThreshold = "completeness_below_threshold"
	ReasonCoherenceBelowThreshold    = "coherence_below_threshold"
	ReasonConsistencyBelowThreshold  = "consistency_below_threshold"
	ReasonBlockingIssues             = "blocking_issues"
)

// Thresholds is the reference convergence gate.
//
// Description:
//
//	A pass converges only when all three scores meet their threshold and
//	no issue is error or critical. Assessors may use it or apply their
//	own judgement; the controller never recomputes convergence.
type Thresholds struct {
	Completeness float64 `yaml:"completeness" json:"completeness"`
	Coherence    float64 `yaml:"coherence" json:"coherence"`
	Consistency  float64 `yaml:"consistency" json:"consistency"`
}

// DefaultThresholds returns completeness 0.95, coherence 0.90 and
// consistency 0.90.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Completeness: 0.95,
		Coherence:    0.90,
		Consistency:  0.90,
	}
}

// Assess builds a ConvergenceAssessment from raw scores.
//
// Inputs:
//
//	completeness, coherence, consistency - Scores in [0, 1].
//	issues - Issues found in the pass. Copied into the assessment.
//
// Outputs:
//
//	ConvergenceAssessment - Converged with no reason codes, or not
//	converged with one reason code per failed criterion.
func (t Thresholds) Assess(completeness, coherence, consistency float64, issues []Issue) ConvergenceAssessment {
	a := ConvergenceAssessment{
		Completeness:  completeness,
		Coherence:     coherence,
		Consistency:   consistency,
		ConsistencyOK: consistency >= t.Consistency,
	}
	if len(issues) > 0 {
		a.Issues = append([]Issue(nil), issues...)
	}

	if completeness < t.Completeness {
		a.ReasonCodes = append(a.ReasonCodes, ReasonCompletenessBelowThreshold)
	}
	if coherence < t.Coherence {
		a.ReasonCodes = append(a.ReasonCodes, ReasonCoherenceBelowThreshold)
	}
	if !a.ConsistencyOK {
		a.ReasonCodes = append(a.ReasonCodes, ReasonConsistencyBelowThreshold)
	}
	for _, is := range issues {
		if is.Severity.AtLeast(SeverityError) {
			a.ReasonCodes = append(a.ReasonCodes, ReasonBlockingIssues)
			break
		}
	}

	a.Converged = len(a.ReasonCodes) == 0
	return a
}
