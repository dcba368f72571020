// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// New creates a normalized plan from a goal and steps.
//
// Description:
//
//	Steps without a status become pending, dependency and provides sets
//	are deduplicated and sorted, and Index/TotalCount are recomputed.
//	The input steps are cloned; the caller keeps ownership of its slice.
//
// Inputs:
//
//	goal - The plan goal.
//	steps - The initial steps, in order.
//
// Outputs:
//
//	*Plan - The normalized plan. Never nil.
func New(goal string, steps []*Step) *Plan {
	p := &Plan{
		Goal:          goal,
		Steps:         make([]*Step, 0, len(steps)),
		SchemaVersion: CurrentSchemaVersion,
	}
	for _, s := range steps {
		if s == nil {
			continue
		}
		p.Steps = append(p.Steps, s.Clone())
	}
	p.Normalize()
	return p
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	c.Dependencies = cloneStrings(s.Dependencies)
	c.Provides = cloneStrings(s.Provides)
	return &c
}

// DependsOn returns true if id is one of the step's dependencies.
func (s *Step) DependsOn(id string) bool {
	for _, d := range s.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the plan.
//
// Thread Safety: Safe to call concurrently with other readers.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := &Plan{
		Goal:          p.Goal,
		SchemaVersion: p.SchemaVersion,
		Revision:      p.Revision,
		Steps:         make([]*Step, len(p.Steps)),
	}
	for i, s := range p.Steps {
		c.Steps[i] = s.Clone()
	}
	return c
}

// Normalize fills defaults and canonicalizes sets in place.
func (p *Plan) Normalize() {
	if p.SchemaVersion == 0 {
		p.SchemaVersion = CurrentSchemaVersion
	}
	for _, s := range p.Steps {
		if s.Status == "" {
			s.Status = StatusPending
		}
		s.Dependencies = normalizeSet(s.Dependencies)
		s.Provides = normalizeSet(s.Provides)
	}
	p.Reindex()
}

// Reindex recomputes Index and TotalCount for every step.
func (p *Plan) Reindex() {
	for i, s := range p.Steps {
		s.Index = i
		s.TotalCount = len(p.Steps)
	}
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (*Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Has returns true if a step with the id exists.
func (p *Plan) Has(id string) bool {
	_, ok := p.Step(id)
	return ok
}

// IDs returns the step ids in plan order.
func (p *Plan) IDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

// ReadySteps returns every pending step whose dependencies are all complete,
// in plan order.
//
// Description:
//
//	Batch membership is a pure function of plan state: the same plan always
//	yields the same batch.
func (p *Plan) ReadySteps() []*Step {
	status := p.statusByID()
	var ready []*Step
	for _, s := range p.Steps {
		if s.Status != StatusPending {
			continue
		}
		ok := true
		for _, d := range s.Dependencies {
			if status[d] != StatusComplete {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// ExecutedIDs returns ids of steps whose status is complete or failed.
func (p *Plan) ExecutedIDs() []string {
	var ids []string
	for _, s := range p.Steps {
		if s.Status.IsFinal() {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// BlockedSteps returns ids of steps whose clarity is blocked.
func (p *Plan) BlockedSteps() []string {
	var ids []string
	for _, s := range p.Steps {
		if s.Clarity == ClarityBlocked {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Dependents returns the steps that list id as a dependency.
func (p *Plan) Dependents(id string) []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if s.DependsOn(id) {
			out = append(out, s)
		}
	}
	return out
}

// CountByStatus returns the number of steps in each status.
func (p *Plan) CountByStatus() map[StepStatus]int {
	counts := make(map[StepStatus]int)
	for _, s := range p.Steps {
		counts[s.Status]++
	}
	return counts
}

// Validate checks structural invariants: non-empty unique ids, resolvable
// dependencies, and an acyclic dependency graph.
//
// Outputs:
//
//	error - Wraps ErrEmptyStepID, ErrDuplicateStepID, ErrUnknownDependency
//	        or ErrCycle. Nil if the plan is well-formed.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return ErrEmptyStepID
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range p.Steps {
		for _, d := range s.Dependencies {
			if !seen[d] {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, s.ID, d)
			}
		}
	}
	if cycle := p.FindCycle(); len(cycle) > 0 {
		return fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
	}
	return nil
}

// FindCycle returns one dependency cycle as a closed id path, or nil if the
// graph is acyclic. Unknown dependencies are ignored.
//
// Description:
//
//	Iterative three-colour DFS over steps in plan order, so the reported
//	cycle is deterministic for a given plan.
func (p *Plan) FindCycle() []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	deps := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		deps[s.ID] = s.Dependencies
	}
	color := make(map[string]int, len(p.Steps))

	type frame struct {
		id   string
		next int
	}

	for _, root := range p.Steps {
		if color[root.ID] != white {
			continue
		}
		stack := []frame{{id: root.ID}}
		color[root.ID] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			children := deps[top.id]
			if top.next >= len(children) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			child := children[top.next]
			top.next++
			if _, known := deps[child]; !known {
				continue
			}
			switch color[child] {
			case white:
				color[child] = grey
				stack = append(stack, frame{id: child})
			case grey:
				path := []string{child}
				for i := len(stack) - 1; i >= 0; i-- {
					path = append(path, stack[i].id)
					if stack[i].id == child {
						break
					}
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
		}
	}
	return nil
}

// FrozenDigest fingerprints the frozen fields of a step (id, description,
// dependencies, output).
//
// Outputs:
//
//	string - Hex SHA-256 of the canonical JSON encoding.
func FrozenDigest(s *Step) string {
	frozen := struct {
		ID           string   `json:"id"`
		Description  string   `json:"description"`
		Dependencies []string `json:"dependencies"`
		Output       string   `json:"output"`
	}{s.ID, s.Description, normalizeSet(s.Dependencies), s.Output}
	data, _ := json.Marshal(frozen)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FinalDigests returns FrozenDigest for every final step, keyed by id.
func (p *Plan) FinalDigests() map[string]string {
	out := make(map[string]string)
	for _, s := range p.Steps {
		if s.Status.IsFinal() {
			out[s.ID] = FrozenDigest(s)
		}
	}
	return out
}

func (p *Plan) statusByID() map[string]StepStatus {
	m := make(map[string]StepStatus, len(p.Steps))
	for _, s := range p.Steps {
		m[s.ID] = s.Status
	}
	return m
}

// normalizeSet returns the sorted, deduplicated, non-empty members of in.
func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// NormalizeSet is the exported form of the set canonicalization used by
// Normalize.
func NormalizeSet(in []string) []string {
	return normalizeSet(in)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
