// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package synth produces the FinalAnswer of a run.
//
// The Wrapper is total: for every input, including a nil one, it returns a
// FinalAnswer with non-empty text and a non-nil metadata map. Collaborator
// failures and panics are converted into a locally built degraded answer.
package synth

import (
	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/AleutianAI/reasoncore/services/reasoning/history"
	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
)

// Input is the synthesis snapshot handed to the collaborator.
type Input = collab.SynthesisInput

// Snapshot is the controller state a synthesis input is built from.
// Every pointer field may be nil.
type Snapshot struct {
	Request       string
	CorrelationID string
	Converged     bool
	TTLRemaining  int
	TTLExhausted  bool
	Plan          *plan.Plan
	Results       []collab.StepResult
	Assessment    *collab.ConvergenceAssessment
	Validation    *collab.ValidationReport
	Profile       *collab.TaskProfile
	History       *history.Recorder
}

// Build assembles an Input from a snapshot.
//
// Description:
//
//	Pass and refinement counts and the per-pass digests come from the
//	history. Everything is copied; the Input shares no memory with the
//	controller.
func Build(s Snapshot) *Input {
	in := &Input{
		Request:       s.Request,
		CorrelationID: s.CorrelationID,
		Converged:     s.Converged,
		TTLRemaining:  s.TTLRemaining,
		TTLExhausted:  s.TTLExhausted,
		Plan:          s.Plan.Clone(),
	}
	if s.Results != nil {
		in.Results = append([]collab.StepResult(nil), s.Results...)
	}
	if s.Assessment != nil {
		a := *s.Assessment
		a.ReasonCodes = append([]string(nil), s.Assessment.ReasonCodes...)
		a.Issues = append([]collab.Issue(nil), s.Assessment.Issues...)
		in.Assessment = &a
	}
	if s.Validation != nil {
		v := *s.Validation
		v.Issues = append([]collab.Issue(nil), s.Validation.Issues...)
		in.Validation = &v
	}
	if s.Profile != nil {
		p := *s.Profile
		in.Profile = &p
	}
	if s.History != nil {
		stats := s.History.Stats()
		in.TotalPasses = stats.TotalPasses
		in.RefinementCount = stats.TotalRefinements
		in.History = s.History.Digests()
	}
	return in
}

// Missing returns the names of optional fields absent from in.
func Missing(in *Input) []string {
	if in == nil {
		return []string{"input"}
	}
	var missing []string
	if in.Plan == nil {
		missing = append(missing, "plan")
	}
	if len(in.Results) == 0 {
		missing = append(missing, "results")
	}
	if in.Assessment == nil {
		missing = append(missing, "assessment")
	}
	if len(in.History) == 0 {
		missing = append(missing, "history")
	}
	if in.Validation == nil {
		missing = append(missing, "validation")
	}
	if in.Profile == nil {
		missing = append(missing, "profile")
	}
	return missing
}

func cloneInput(in *Input) Input {
	c := *in
	c.Plan = in.Plan.Clone()
	if in.Results != nil {
		c.Results = append([]collab.StepResult(nil), in.Results...)
	}
	if in.History != nil {
		c.History = make([]collab.PassDigest, len(in.History))
		for i, d := range in.History {
			d.Failures = append([]string(nil), d.Failures...)
			c.History[i] = d
		}
	}
	if in.Assessment != nil {
		a := *in.Assessment
		a.ReasonCodes = append([]string(nil), in.Assessment.ReasonCodes...)
		a.Issues = append([]collab.Issue(nil), in.Assessment.Issues...)
		c.Assessment = &a
	}
	if in.Validation != nil {
		v := *in.Validation
		v.Issues = append([]collab.Issue(nil), in.Validation.Issues...)
		c.Validation = &v
	}
	if in.Profile != nil {
		p := *in.Profile
		c.Profile = &p
	}
	return c
}
