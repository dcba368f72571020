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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
	"github.com/google/uuid"
)

// Limits bounds refinement per run.
type Limits struct {
	// PerFragment is the maximum attempts against one fragment.
	// Default: 3
	PerFragment int `yaml:"per_fragment" json:"per_fragment"`

	// Global is the maximum attempts across the run.
	// Default: 10
	Global int `yaml:"global" json:"global"`

	// MaxDepth is the maximum subplan nesting depth.
	// Default: 5
	MaxDepth int `yaml:"max_depth" json:"max_depth"`
}

// DefaultLimits returns the default refinement limits.
func DefaultLimits() Limits {
	return Limits{
		PerFragment: 3,
		Global:      10,
		MaxDepth:    5,
	}
}

// Applier applies refinement batches and tracks the run's limiters.
type Applier struct {
	limits   Limits
	attempts map[string]int
	global   int
	frozen   map[string]bool
	logger   *slog.Logger
	newID    func() string
}

// Option configures an Applier.
type Option func(*Applier)

// WithLimits sets the limiter configuration.
func WithLimits(l Limits) Option {
	return func(a *Applier) {
		a.limits = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithIDGenerator sets the generator for ids of added steps.
func WithIDGenerator(fn func() string) Option {
	return func(a *Applier) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// NewApplier creates an Applier with fresh limiters.
func NewApplier(opts ...Option) *Applier {
	a := &Applier{
		limits:   DefaultLimits(),
		attempts: make(map[string]int),
		frozen:   make(map[string]bool),
		logger:   slog.Default(),
		newID: func() string {
			return "step-" + uuid.NewString()
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Limits returns the configured limits.
func (a *Applier) Limits() Limits {
	return a.limits
}

// Frozen returns true if edits to the fragment are refused.
func (a *Applier) Frozen(fragment string) bool {
	return a.frozen[fragment]
}

// FrozenFragments returns the frozen fragment keys, sorted.
func (a *Applier) FrozenFragments() []string {
	out := make([]string, 0, len(a.frozen))
	for k := range a.frozen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GlobalExhausted returns true once the global limiter is spent.
func (a *Applier) GlobalExhausted() bool {
	return a.global >= a.limits.Global
}

// Attempts returns the attempts counted against a fragment.
func (a *Applier) Attempts(fragment string) int {
	return a.attempts[fragment]
}

// TotalAttempts returns the attempts counted by the global limiter.
func (a *Applier) TotalAttempts() int {
	return a.global
}

// Apply applies a batch of actions to a copy of p.
//
// Description:
//
//	Actions are processed in order. Advisory (repair) actions that share
//	a fragment with a structural action in the same batch are dropped
//	first. Each remaining action then passes the limiters and the rules:
//
//	  1. Actions targeting a complete or failed step are rejected, unless
//	     rule 5 applies.
//	  2. Actions that would create a cycle or reference an unknown step
//	     are rejected.
//	  3. Remove detaches the removed id from its pending dependents.
//	  4. Add and modify assign or preserve a stable id and set pending.
//	  5. ConflictsWithExecuted against a complete step marks it invalid
//	     and keeps its output.
//
//	After the batch, every step that was final in p must still exist with
//	an unchanged frozen digest. If not, the batch is aborted and an
//	unchanged copy of p is returned.
//
// Inputs:
//
//	p - The live plan. Never mutated.
//	actions - The batch, in planner order.
//
// Outputs:
//
//	*plan.Plan - The committed working copy (or an unchanged copy).
//	Outcome - Per-action results and summary.
func (a *Applier) Apply(p *plan.Plan, actions []Action) (*plan.Plan, Outcome) {
	var out Outcome
	if p == nil {
		return nil, out
	}
	work := p.Clone()
	digests := p.FinalDigests()
	actions = a.assignIDs(actions)
	charged := a.global
	attempts := make(map[string]int, len(a.attempts))
	for k, v := range a.attempts {
		attempts[k] = v
	}

	structural := make(map[string]bool)
	for _, act := range actions {
		if !act.IsAdvisory() {
			structural[FragmentKey(act)] = true
		}
	}

	for i, act := range actions {
		key := FragmentKey(act)
		res := ActionResult{Index: i, Action: act.clone(), Fragment: key}

		if act.IsAdvisory() && structural[key] {
			res.Status = StatusAdvisoryDropped
			out.AdvisoryDropped++
			out.Results = append(out.Results, res)
			a.logger.Info("Advisory repair suggestion dropped",
				slog.String("fragment", key),
				slog.String("kind", string(act.Kind)),
				slog.String("reason", act.Reason),
			)
			refineActionsTotal.WithLabelValues(string(act.Kind), string(StatusAdvisoryDropped)).Inc()
			continue
		}

		if err := a.admit(key); err != nil {
			a.reject(&out, res, err)
			continue
		}

		status, err := a.applyOne(work, act, &out, digests)
		if err != nil {
			a.reject(&out, res, err)
			if errors.Is(err, ErrNestingDepthExceeded) && !a.frozen[key] {
				a.freeze(work, key, &out)
			}
		} else {
			res.Status = status
			out.Applied++
			out.Results = append(out.Results, res)
			refineActionsTotal.WithLabelValues(string(act.Kind), string(status)).Inc()
		}

		if a.attempts[key] >= a.limits.PerFragment && !a.frozen[key] {
			a.freeze(work, key, &out)
		}
	}

	if violated := verifyFrozen(work, digests); len(violated) > 0 {
		reason := fmt.Sprintf("%s: finalized steps changed: %s", ErrInvariantViolation, strings.Join(violated, ", "))
		a.logger.Error("Refinement batch aborted",
			slog.String("reason", reason),
		)
		invariantViolationsTotal.Inc()
		unchanged := p.Clone()
		for _, key := range out.Frozen {
			if s, ok := unchanged.Step(key); ok {
				s.ManualIntervention = true
			}
		}
		out.Aborted = true
		out.AbortReason = reason
		out.Applied = 0
		a.global = charged
		a.attempts = attempts
		return unchanged, out
	}

	if out.Applied > 0 {
		work.Reindex()
		work.Revision = p.Revision + 1
	}
	return work, out
}

// assignIDs gives every add action without an id a generated one, so
// each added step is its own fragment. The input slice is not modified.
func (a *Applier) assignIDs(actions []Action) []Action {
	out := make([]Action, len(actions))
	for i, act := range actions {
		if act.Kind == KindAdd && act.Payload.ID == "" {
			act.Payload.ID = a.newID()
		}
		out[i] = act
	}
	return out
}

// admit runs the limiters for one action and counts the attempt.
func (a *Applier) admit(key string) error {
	if a.frozen[key] {
		return fmt.Errorf("%w: fragment %s frozen", ErrRefinementLimitExceeded, key)
	}
	if a.GlobalExhausted() {
		return fmt.Errorf("%w: global limit %d reached", ErrRefinementLimitExceeded, a.limits.Global)
	}
	a.attempts[key]++
	a.global++
	return nil
}

func (a *Applier) reject(out *Outcome, res ActionResult, err error) {
	res.Status = StatusRejected
	res.err = err
	res.Error = err.Error()
	out.Rejected++
	out.Results = append(out.Results, res)
	a.logger.Warn("Refinement action rejected",
		slog.Int("index", res.Index),
		slog.String("fragment", res.Fragment),
		slog.String("kind", string(res.Action.Kind)),
		slog.String("error", err.Error()),
	)
	refineActionsTotal.WithLabelValues(string(res.Action.Kind), string(StatusRejected)).Inc()
}

// freeze stops further edits to a fragment and flags it for manual
// intervention. Execution proceeds with the last accepted version.
func (a *Applier) freeze(work *plan.Plan, key string, out *Outcome) {
	a.frozen[key] = true
	out.Frozen = append(out.Frozen, key)
	if s, ok := work.Step(key); ok {
		s.ManualIntervention = true
	}
	a.logger.Warn("Refinement fragment frozen",
		slog.String("fragment", key),
		slog.Int("attempts", a.attempts[key]),
	)
	fragmentsFrozenTotal.Inc()
}

func (a *Applier) applyOne(work *plan.Plan, act Action, out *Outcome, sealed map[string]string) (Status, error) {
	if err := act.Validate(); err != nil {
		return "", err
	}
	if act.Target.Section != "" {
		return a.applySection(work, act, out)
	}
	switch act.Kind {
	case KindAdd:
		return a.applyAdd(work, act, out)
	case KindModify:
		return a.applyModify(work, act, out, sealed)
	default:
		return a.applyRemove(work, act, out, sealed)
	}
}

func (a *Applier) applySection(work *plan.Plan, act Action, out *Outcome) (Status, error) {
	if act.Target.Section != SectionGoal {
		return "", fmt.Errorf("%w: section %q", ErrUnknownTarget, act.Target.Section)
	}
	if act.Kind != KindModify || strings.TrimSpace(act.Payload.Goal) == "" {
		return "", fmt.Errorf("%w: goal section only supports modify with a goal", ErrInvalidAction)
	}
	work.Goal = act.Payload.Goal
	out.Modified = append(out.Modified, "section:"+SectionGoal)
	return StatusApplied, nil
}

// finalGuard enforces rules 1 and 5 for an action targeting s. A step
// that was final when the batch started stays guarded even after rule 5
// invalidated it earlier in the same batch.
//
// Outputs:
//
//	handled - True if rule 5 invalidated the step and nothing else applies.
//	err - Non-nil if rule 1 rejects the action.
func finalGuard(s *plan.Step, act Action, out *Outcome, sealed map[string]string) (handled bool, err error) {
	if _, ok := sealed[s.ID]; !ok && !s.Status.IsFinal() {
		return false, nil
	}
	if act.ConflictsWithExecuted && s.Status == plan.StatusComplete {
		s.Status = plan.StatusInvalid
		out.Invalidated = append(out.Invalidated, s.ID)
		return true, nil
	}
	return false, fmt.Errorf("%w: step %s is %s", ErrInvariantViolation, s.ID, s.Status)
}

func (a *Applier) applyAdd(work *plan.Plan, act Action, out *Outcome) (Status, error) {
	id := act.Payload.ID
	if id == "" {
		id = a.newID()
	}
	if work.Has(id) {
		return "", fmt.Errorf("%w: %s", plan.ErrDuplicateStepID, id)
	}
	deps := plan.NormalizeSet(act.Payload.Dependencies)
	for _, d := range deps {
		if !work.Has(d) {
			return "", fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, id, d)
		}
	}

	step := &plan.Step{
		ID:           id,
		Description:  act.Payload.Description,
		Dependencies: deps,
		Provides:     plan.NormalizeSet(act.Payload.Provides),
		Status:       plan.StatusPending,
	}

	pos := len(work.Steps)
	if act.Target.StepID != "" {
		anchor, ok := work.Step(act.Target.StepID)
		if !ok {
			return "", fmt.Errorf("%w: anchor %s", ErrUnknownTarget, act.Target.StepID)
		}
		pos = anchor.Index + 1
		step.Depth = anchor.Depth
		step.ParentID = anchor.ParentID
	}
	work.Steps = append(work.Steps, nil)
	copy(work.Steps[pos+1:], work.Steps[pos:])
	work.Steps[pos] = step
	work.Reindex()

	out.Added = append(out.Added, id)
	return StatusApplied, nil
}

func (a *Applier) applyModify(work *plan.Plan, act Action, out *Outcome, sealed map[string]string) (Status, error) {
	s, ok := work.Step(act.Target.StepID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTarget, act.Target.StepID)
	}
	if handled, err := finalGuard(s, act, out, sealed); err != nil {
		return "", err
	} else if handled {
		return StatusInvalidated, nil
	}

	if act.Payload.Expand {
		return a.applyExpand(work, s, act, out)
	}

	if act.Payload.Dependencies != nil {
		deps := plan.NormalizeSet(act.Payload.Dependencies)
		for _, d := range deps {
			if !work.Has(d) {
				return "", fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, s.ID, d)
			}
		}
		prev := s.Dependencies
		s.Dependencies = deps
		if cycle := work.FindCycle(); len(cycle) > 0 {
			s.Dependencies = prev
			return "", fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
		}
	}
	if act.Payload.Description != "" {
		s.Description = act.Payload.Description
	}
	if act.Payload.Provides != nil {
		s.Provides = plan.NormalizeSet(act.Payload.Provides)
	}
	s.Status = plan.StatusPending
	s.Output = ""
	s.HandoffContext = ""
	s.Clarity = plan.ClarityUnset

	out.Modified = append(out.Modified, s.ID)
	return StatusApplied, nil
}

func (a *Applier) applyRemove(work *plan.Plan, act Action, out *Outcome, sealed map[string]string) (Status, error) {
	s, ok := work.Step(act.Target.StepID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTarget, act.Target.StepID)
	}
	if handled, err := finalGuard(s, act, out, sealed); err != nil {
		return "", err
	} else if handled {
		return StatusInvalidated, nil
	}

	dependents := work.Dependents(s.ID)
	for _, d := range dependents {
		if _, ok := sealed[d.ID]; ok || d.Status.IsFinal() {
			return "", fmt.Errorf("%w: %s has finalized dependent %s", ErrInvariantViolation, s.ID, d.ID)
		}
	}
	for _, d := range dependents {
		d.Dependencies = without(d.Dependencies, s.ID)
	}

	kept := work.Steps[:0]
	for _, st := range work.Steps {
		if st.ID != s.ID {
			kept = append(kept, st)
		}
	}
	work.Steps = kept
	work.Reindex()

	out.Removed = append(out.Removed, act.Target.StepID)
	return StatusApplied, nil
}

// applyExpand inserts a subplan before its parent step.
//
// Description:
//
//	Children are namespaced "<parent>/<id>", get Depth parent+1 and
//	ParentID parent, inherit the parent's dependencies when they have
//	none of their own, and the parent is made to depend on every child.
func (a *Applier) applyExpand(work *plan.Plan, parent *plan.Step, act Action, out *Outcome) (Status, error) {
	depth := parent.Depth + 1
	if depth > a.limits.MaxDepth {
		parent.ManualIntervention = true
		return "", fmt.Errorf("%w: depth %d > %d for %s", ErrNestingDepthExceeded, depth, a.limits.MaxDepth, parent.ID)
	}
	sub := act.Payload.Subplan
	if sub == nil || len(sub.Steps) == 0 {
		return "", fmt.Errorf("%w: expansion of %s carries no subplan", ErrInvalidAction, parent.ID)
	}

	prefix := parent.ID + "/"
	rename := make(map[string]string, len(sub.Steps))
	for _, cs := range sub.Steps {
		id := cs.ID
		if !strings.HasPrefix(id, prefix) {
			id = prefix + id
		}
		if work.Has(id) {
			return "", fmt.Errorf("%w: %s", plan.ErrDuplicateStepID, id)
		}
		rename[cs.ID] = id
	}

	children := make([]*plan.Step, 0, len(sub.Steps))
	for _, cs := range sub.Steps {
		c := cs.Clone()
		c.ID = rename[cs.ID]
		var deps []string
		for _, d := range cs.Dependencies {
			switch {
			case rename[d] != "":
				deps = append(deps, rename[d])
			case work.Has(d) && d != parent.ID:
				deps = append(deps, d)
			default:
				return "", fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, c.ID, d)
			}
		}
		if len(deps) == 0 {
			deps = append(deps, parent.Dependencies...)
		}
		c.Dependencies = plan.NormalizeSet(deps)
		c.Status = plan.StatusPending
		c.Output = ""
		c.HandoffContext = ""
		c.Clarity = plan.ClarityUnset
		c.Depth = depth
		c.ParentID = parent.ID
		children = append(children, c)
	}

	prevDeps := parent.Dependencies
	prevSteps := work.Steps

	childIDs := make([]string, len(children))
	for i, c := range children {
		childIDs[i] = c.ID
	}
	steps := make([]*plan.Step, 0, len(work.Steps)+len(children))
	for _, st := range work.Steps {
		if st.ID == parent.ID {
			steps = append(steps, children...)
		}
		steps = append(steps, st)
	}
	work.Steps = steps
	parent.Dependencies = plan.NormalizeSet(append(append([]string(nil), parent.Dependencies...), childIDs...))

	if cycle := work.FindCycle(); len(cycle) > 0 {
		parent.Dependencies = prevDeps
		work.Steps = prevSteps
		return "", fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
	}
	work.Reindex()

	out.Added = append(out.Added, childIDs...)
	out.Modified = append(out.Modified, parent.ID)
	return StatusApplied, nil
}

// verifyFrozen returns ids of finalized steps that vanished or changed.
func verifyFrozen(work *plan.Plan, digests map[string]string) []string {
	var violated []string
	for id, want := range digests {
		s, ok := work.Step(id)
		if !ok || plan.FrozenDigest(s) != want {
			violated = append(violated, id)
		}
	}
	sort.Strings(violated)
	return violated
}

func without(in []string, id string) []string {
	var out []string
	for _, v := range in {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
