// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/stretchr/testify/assert"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAllocate_DefaultProfile(t *testing.T) {
	assert.Equal(t, 10, Allocate(collab.DefaultProfile(), 0))
	assert.Equal(t, 4, Allocate(collab.DefaultProfile(), 4))
}

func TestAllocate_Bounds(t *testing.T) {
	smallest := collab.TaskProfile{
		ReasoningDepth:         1,
		InformationSufficiency: 1,
		ToolUsage:              collab.ToolUsageNone,
		OutputBreadth:          collab.BreadthNarrow,
		ConfidenceRequirement:  collab.ConfidenceLow,
	}
	largest := collab.TaskProfile{
		ReasoningDepth:         5,
		InformationSufficiency: 0,
		ToolUsage:              collab.ToolUsageExtensive,
		OutputBreadth:          collab.BreadthBroad,
		ConfidenceRequirement:  collab.ConfidenceHigh,
	}
	assert.Equal(t, 3, Allocate(smallest, 0))
	assert.Equal(t, MaxPasses, Allocate(largest, 0))

	wild := collab.TaskProfile{ReasoningDepth: 99, InformationSufficiency: -4, ToolUsage: "lots"}
	n := Allocate(wild, 0)
	assert.GreaterOrEqual(t, n, MinPasses)
	assert.LessOrEqual(t, n, MaxPasses)

	nan := collab.DefaultProfile()
	nan.InformationSufficiency = math.NaN()
	assert.LessOrEqual(t, Allocate(nan, 0), MaxPasses)
}

func TestAllocate_Monotonic(t *testing.T) {
	base := collab.DefaultProfile()

	prev := 0
	for d := 1; d <= 5; d++ {
		p := base
		p.ReasoningDepth = d
		n := Allocate(p, 0)
		assert.GreaterOrEqual(t, n, prev, "depth %d", d)
		prev = n
	}

	prev = math.MaxInt
	for _, s := range []float64{0, 0.1, 0.33, 1.0 / 3, 0.5, 0.67, 0.9, 1} {
		p := base
		p.InformationSufficiency = s
		n := Allocate(p, 0)
		assert.LessOrEqual(t, n, prev, "sufficiency %v", s)
		prev = n
	}

	prev = 0
	for _, tu := range []collab.ToolUsage{collab.ToolUsageNone, collab.ToolUsageMinimal, collab.ToolUsageModerate, collab.ToolUsageExtensive} {
		p := base
		p.ToolUsage = tu
		n := Allocate(p, 0)
		assert.GreaterOrEqual(t, n, prev, "tool usage %s", tu)
		prev = n
	}

	prev = 0
	for _, c := range []collab.ConfidenceRequirement{collab.ConfidenceLow, collab.ConfidenceMedium, collab.ConfidenceHigh} {
		p := base
		p.ConfidenceRequirement = c
		n := Allocate(p, 0)
		assert.GreaterOrEqual(t, n, prev, "confidence %s", c)
		prev = n
	}
}

func TestAllocate_Deterministic(t *testing.T) {
	p := collab.DefaultProfile()
	first := Allocate(p, 0)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Allocate(p, 0))
	}
}

func TestGovernor_ConsumeAndExhaust(t *testing.T) {
	g := NewGovernor(2, quiet())
	assert.True(t, g.IsExhausted(), "no allocation yet")

	assert.Equal(t, 2, g.Allocate(collab.DefaultProfile()))
	assert.False(t, g.IsExhausted())

	assert.Equal(t, 1, g.Consume(1))
	assert.False(t, g.IsExhausted())
	assert.Equal(t, 0, g.Consume(1))
	assert.True(t, g.IsExhausted())

	assert.Equal(t, 0, g.Consume(1), "remaining never negative")
	assert.Equal(t, 3, g.Consumed())
	assert.Equal(t, 0, g.Consume(0))
	assert.Equal(t, 0, g.Consume(-5))
	assert.Equal(t, 3, g.Consumed())
}

func TestGovernor_RecalibrateNeverRestoresConsumed(t *testing.T) {
	g := NewGovernor(0, quiet())
	g.Allocate(collab.DefaultProfile())
	g.Consume(4)

	deeper := collab.DefaultProfile()
	deeper.ReasoningDepth = 5
	deeper.Version = 2
	assert.Equal(t, 12-4, g.Recalibrate(deeper))
	assert.Equal(t, 12, g.Total())
	assert.Equal(t, 4, g.Consumed())

	shallow := collab.TaskProfile{
		Version:                3,
		ReasoningDepth:         1,
		InformationSufficiency: 1,
		ToolUsage:              collab.ToolUsageNone,
		OutputBreadth:          collab.BreadthNarrow,
		ConfidenceRequirement:  collab.ConfidenceLow,
	}
	assert.Equal(t, 0, g.Recalibrate(shallow))
	assert.True(t, g.IsExhausted())
}

func TestGovernor_SafeBoundaries(t *testing.T) {
	g := NewGovernor(0, quiet())

	for _, b := range []Boundary{BetweenPasses, BeforeAtomic, AfterAtomic, BeforePureStep, AfterPureStep} {
		assert.True(t, g.IsAtSafeBoundary(b), b.String())
	}
	assert.False(t, g.IsAtSafeBoundary(Boundary(42)))

	g.BeginAtomic()
	assert.Equal(t, 1, g.InFlight())
	assert.False(t, g.IsAtSafeBoundary(BetweenPasses))
	g.EndAtomic()
	assert.True(t, g.IsAtSafeBoundary(AfterAtomic))

	g.EndAtomic()
	assert.Equal(t, 0, g.InFlight())
}
