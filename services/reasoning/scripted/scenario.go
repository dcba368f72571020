// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scripted provides deterministic collaborators driven by a YAML
// scenario. Scenarios let a whole run be replayed without model calls:
// every collaborator answer is read from the script.
package scripted

import (
	"errors"
	"fmt"
	"os"

	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
	"github.com/AleutianAI/reasoncore/services/reasoning/refine"
	"gopkg.in/yaml.v3"
)

// ErrInvalidScenario indicates a scenario that cannot drive a run.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario is a scripted run.
//
// Per-pass lists (ResultIssues, Assessments) advance one entry per call
// and repeat their last entry once exhausted. Refinements advance one
// batch per refine call and yield nothing once exhausted.
type Scenario struct {
	// Name labels the scenario in logs.
	Name string `yaml:"name"`

	// Task is the request text.
	Task string `yaml:"task"`

	// Profile is returned by InferProfile. Nil makes inference fail.
	Profile *collab.TaskProfile `yaml:"profile"`

	// Recalibrated is returned by RecalibrateProfile. Nil disables the
	// recalibration hook.
	Recalibrated *collab.TaskProfile `yaml:"recalibrated_profile"`

	// Plan is the initial plan. Nil makes plan generation fail.
	Plan *plan.Plan `yaml:"plan"`

	// Subplans maps a step id to its expansion.
	Subplans map[string]*plan.Plan `yaml:"subplans"`

	// Executions maps a step id to its results, one per dispatch. Steps
	// without a script complete with a generated output.
	Executions map[string][]collab.StepResult `yaml:"executions"`

	// PlanIssues are reported when the initial plan is validated.
	PlanIssues []collab.Issue `yaml:"plan_issues"`

	// ResultIssues are reported per results validation.
	ResultIssues [][]collab.Issue `yaml:"result_issues"`

	// Assessments are scored per pass. Empty derives completeness from the
	// share of complete steps.
	Assessments []Scores `yaml:"assessments"`

	// Refinements are returned per refine call.
	Refinements [][]refine.Action `yaml:"refinements"`

	// Answer is returned by Synthesize. Empty composes one from outputs.
	Answer string `yaml:"answer"`

	// Fail names collaborator calls (collab.Call* names) that always
	// return ErrCollaboratorUnavailable.
	Fail []string `yaml:"fail"`
}

// Scores are the per-pass convergence scores.
type Scores struct {
	Completeness float64 `yaml:"completeness"`
	Coherence    float64 `yaml:"coherence"`
	Consistency  float64 `yaml:"consistency"`
}

// LoadScenario reads and parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario decodes and validates YAML scenario data.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that the scenario can drive a run.
func (s *Scenario) Validate() error {
	if s.Task == "" {
		return fmt.Errorf("%w: task is required", ErrInvalidScenario)
	}
	if s.Plan != nil {
		if err := collab.CheckSchema(s.Plan); err != nil {
			return fmt.Errorf("%w: plan: %v", ErrInvalidScenario, err)
		}
	}
	for id, sub := range s.Subplans {
		if sub == nil {
			return fmt.Errorf("%w: subplan %s is empty", ErrInvalidScenario, id)
		}
	}
	for i, sc := range s.Assessments {
		for _, v := range []float64{sc.Completeness, sc.Coherence, sc.Consistency} {
			if v < 0 || v > 1 {
				return fmt.Errorf("%w: assessment %d: scores must be within [0, 1]", ErrInvalidScenario, i)
			}
		}
	}
	return nil
}
