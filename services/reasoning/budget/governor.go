// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package budget computes and enforces the execution-pass budget of a run.
//
// The budget is a host-side number derived deterministically from the
// TaskProfile; collaborator output never sets it directly. One unit is
// consumed per completed execution pass. Plan preparation (pass 0) is free.
package budget

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
)

// Allocation bounds.
const (
	// MinPasses is the smallest budget ever allocated.
	MinPasses = 1

	// MaxPasses is the largest budget ever allocated.
	MaxPasses = 16
)

// Boundary is a point in the pass loop where the budget may be checked.
type Boundary int

const (
	// BetweenPasses is after a pass is sealed and before the next starts.
	BetweenPasses Boundary = iota

	// BeforeAtomic is just before an atomic collaborator call.
	BeforeAtomic

	// AfterAtomic is just after an atomic collaborator call returned.
	AfterAtomic

	// BeforePureStep is before a pure (side-effect-free) computation.
	BeforePureStep

	// AfterPureStep is after a pure computation.
	AfterPureStep
)

// String returns the boundary name.
func (b Boundary) String() string {
	switch b {
	case BetweenPasses:
		return "between_passes"
	case BeforeAtomic:
		return "before_atomic"
	case AfterAtomic:
		return "after_atomic"
	case BeforePureStep:
		return "before_pure_step"
	case AfterPureStep:
		return "after_pure_step"
	default:
		return fmt.Sprintf("boundary(%d)", int(b))
	}
}

var (
	toolWeight = map[collab.ToolUsage]int{
		collab.ToolUsageNone:      0,
		collab.ToolUsageMinimal:   0,
		collab.ToolUsageModerate:  1,
		collab.ToolUsageExtensive: 2,
	}
	breadthWeight = map[collab.OutputBreadth]int{
		collab.BreadthNarrow:   0,
		collab.BreadthModerate: 1,
		collab.BreadthBroad:    2,
	}
	confidenceWeight = map[collab.ConfidenceRequirement]int{
		collab.ConfidenceLow:    0,
		collab.ConfidenceMedium: 1,
		collab.ConfidenceHigh:   2,
	}
)

// Allocate maps a profile to a pass budget.
//
// Description:
//
//	raw = 2 + depth + ceil((1 - sufficiency) * 3)
//	      + tool{none:0, minimal:0, moderate:1, extensive:2}
//	      + breadth{narrow:0, moderate:1, broad:2}
//	      + confidence{low:0, medium:1, high:2}
//
//	The result is clamped to [MinPasses, MaxPasses] and, when ceiling > 0,
//	capped at ceiling. Depth is clamped to [1, 5] and sufficiency to [0, 1]
//	first, and unknown enum values weigh 0, so the mapping is total.
//
// Inputs:
//
//	profile - The task profile.
//	ceiling - Optional hard cap. Zero or negative means none.
//
// Outputs:
//
//	int - The budget, in execution passes.
func Allocate(profile collab.TaskProfile, ceiling int) int {
	depth := clampInt(profile.ReasoningDepth, 1, 5)
	sufficiency := profile.InformationSufficiency
	if math.IsNaN(sufficiency) {
		sufficiency = 0
	}
	sufficiency = math.Max(0, math.Min(1, sufficiency))

	// The epsilon keeps values like (1-1/3)*3 from rounding up past 2.
	gap := int(math.Ceil((1-sufficiency)*3 - 1e-9))

	raw := 2 + depth + gap +
		toolWeight[profile.ToolUsage] +
		breadthWeight[profile.OutputBreadth] +
		confidenceWeight[profile.ConfidenceRequirement]

	n := clampInt(raw, MinPasses, MaxPasses)
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n
}

// Governor tracks the budget of one run.
//
// Thread Safety: Safe for concurrent use.
type Governor struct {
	mu       sync.Mutex
	ceiling  int
	total    int
	consumed int
	inFlight int
	logger   *slog.Logger
}

// NewGovernor creates a Governor with no budget allocated.
//
// Inputs:
//
//	ceiling - Optional hard cap applied to every allocation.
//	logger - Logger. Nil uses slog.Default.
func NewGovernor(ceiling int, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{ceiling: ceiling, logger: logger}
}

// Allocate sets the run budget from a profile and returns it.
//
// Consumed units are kept, so calling Allocate again behaves like
// Recalibrate.
func (g *Governor) Allocate(profile collab.TaskProfile) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.total = Allocate(profile, g.ceiling)
	g.logger.Info("Budget allocated",
		slog.Int("total", g.total),
		slog.Int("ceiling", g.ceiling),
		slog.Int("profile_version", profile.Version),
	)
	return g.total
}

// Consume charges n units and returns the remaining budget.
//
// Non-positive n is a no-op.
func (g *Governor) Consume(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > 0 {
		g.consumed += n
	}
	return g.remainingLocked()
}

// Recalibrate recomputes the total from a new profile.
//
// Description:
//
//	Consumed budget is never restored: remaining becomes
//	max(0, newTotal - consumed).
//
// Outputs:
//
//	int - The remaining budget after recalibration.
func (g *Governor) Recalibrate(profile collab.TaskProfile) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.total
	g.total = Allocate(profile, g.ceiling)
	remaining := g.remainingLocked()
	g.logger.Info("Budget recalibrated",
		slog.Int("previous_total", prev),
		slog.Int("new_total", g.total),
		slog.Int("consumed", g.consumed),
		slog.Int("remaining", remaining),
		slog.Int("profile_version", profile.Version),
	)
	return remaining
}

// Remaining returns the unconsumed budget, never negative.
func (g *Governor) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remainingLocked()
}

// Consumed returns the units charged so far.
func (g *Governor) Consumed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consumed
}

// Total returns the current allocation.
func (g *Governor) Total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// IsExhausted returns true once the remaining budget is zero or less.
func (g *Governor) IsExhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total-g.consumed <= 0
}

// BeginAtomic marks the start of an atomic collaborator call.
func (g *Governor) BeginAtomic() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight++
}

// EndAtomic marks the end of an atomic collaborator call.
func (g *Governor) EndAtomic() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight > 0 {
		g.inFlight--
	}
}

// InFlight returns the number of atomic calls in progress.
func (g *Governor) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// IsAtSafeBoundary returns true if b is a declared safe boundary and no
// atomic call is in flight.
func (g *Governor) IsAtSafeBoundary(b Boundary) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight > 0 {
		return false
	}
	switch b {
	case BetweenPasses, BeforeAtomic, AfterAtomic, BeforePureStep, AfterPureStep:
		return true
	default:
		return false
	}
}

func (g *Governor) remainingLocked() int {
	if r := g.total - g.consumed; r > 0 {
		return r
	}
	return 0
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
