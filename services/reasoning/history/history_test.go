// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
	"github.com/AleutianAI/reasoncore/services/reasoning/refine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pass(n int, converged bool) ExecutionPass {
	start := time.Date(2026, 1, 1, 0, 0, n, 0, time.UTC)
	return ExecutionPass{
		PassNumber:   n,
		PhaseAtEntry: "C_EXECUTE",
		PlanSnapshot: plan.New("g", []*plan.Step{{ID: "a", Description: "a"}}),
		ExecutionResults: []collab.StepResult{
			{StepID: "a", Status: plan.StatusComplete, Output: "out"},
		},
		EvaluationResults: Evaluation{
			Validation: &collab.ValidationReport{Issues: []collab.Issue{{Code: "x"}}},
			Assessment: &collab.ConvergenceAssessment{Converged: converged, ReasonCodes: []string{"r"}},
		},
		Refinements:        &refine.Outcome{Applied: 1, Added: []string{"b"}},
		RefinementsApplied: 1,
		TTLRemainingAfter:  5 - n,
		StartedAt:          start,
		EndedAt:            start.Add(500 * time.Millisecond),
		Failures:           []string{"validate: unavailable"},
	}
}

func TestRecorder_SealOrdering(t *testing.T) {
	r := NewRecorder(nil)

	require.NoError(t, r.Seal(pass(0, false)))
	require.NoError(t, r.Seal(pass(1, false)))

	tests := []struct {
		name string
		num  int
	}{
		{"gap", 3},
		{"repeat", 1},
		{"backwards", 0},
		{"negative", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Seal(pass(tt.num, false))
			assert.ErrorIs(t, err, ErrPassOrder)
			assert.Equal(t, 2, r.Len())
		})
	}

	assert.NoError(t, r.Seal(pass(2, true)))
	assert.Equal(t, 3, r.NextPassNumber())
}

func TestRecorder_FirstPassMustBeZero(t *testing.T) {
	r := NewRecorder(nil)
	assert.ErrorIs(t, r.Seal(pass(1, false)), ErrPassOrder)
}

func TestRecorder_SealedRecordsAreImmutable(t *testing.T) {
	r := NewRecorder(nil)
	p := pass(0, false)
	require.NoError(t, r.Seal(p))

	// Mutating the caller's value after sealing must not leak in.
	p.PlanSnapshot.Steps[0].Description = "changed"
	p.ExecutionResults[0].Output = "changed"
	p.EvaluationResults.Assessment.ReasonCodes[0] = "changed"
	p.Refinements.Added[0] = "changed"
	p.Failures[0] = "changed"

	got, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, "a", got.PlanSnapshot.Steps[0].Description)
	assert.Equal(t, "out", got.ExecutionResults[0].Output)
	assert.Equal(t, "r", got.EvaluationResults.Assessment.ReasonCodes[0])
	assert.Equal(t, "b", got.Refinements.Added[0])
	assert.Equal(t, "validate: unavailable", got.Failures[0])

	// Mutating a returned copy must not leak in either.
	got.PlanSnapshot.Steps[0].Description = "changed again"
	passes := r.Passes()
	passes[0].EvaluationResults.Validation.Issues[0].Code = "changed"
	again, _ := r.Last()
	assert.Equal(t, "a", again.PlanSnapshot.Steps[0].Description)
	assert.Equal(t, "x", again.EvaluationResults.Validation.Issues[0].Code)
}

func TestRecorder_Stats(t *testing.T) {
	r := NewRecorder(nil)
	assert.Equal(t, Stats{}, r.Stats())

	require.NoError(t, r.Seal(pass(0, false)))
	require.NoError(t, r.Seal(pass(1, false)))
	require.NoError(t, r.Seal(pass(2, true)))

	s := r.Stats()
	assert.Equal(t, 2, s.TotalPasses)
	assert.Equal(t, 3, s.TotalRefinements)
	assert.True(t, s.ConvergenceAchieved)
	assert.Equal(t, 1500*time.Millisecond, s.TotalWallTime)
}

func TestRecorder_Digests(t *testing.T) {
	r := NewRecorder(nil)
	assert.Nil(t, r.Digests())

	require.NoError(t, r.Seal(pass(0, false)))
	require.NoError(t, r.Seal(pass(1, true)))

	d := r.Digests()
	require.Len(t, d, 2)
	assert.Equal(t, 1, d[1].PassNumber)
	assert.True(t, d[1].Converged)
	assert.Equal(t, 1, d[1].StepsExecuted)
	assert.Equal(t, int64(500), d[1].DurationMs)
	assert.Equal(t, 4, d[1].TTLRemainingAfter)
}

func TestRecorder_LastEmpty(t *testing.T) {
	_, ok := NewRecorder(nil).Last()
	assert.False(t, ok)
}

func TestRecorder_ConcurrentReaders(t *testing.T) {
	r := NewRecorder(nil)
	require.NoError(t, r.Seal(pass(0, false)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Passes()
			_ = r.Stats()
			_, _ = r.Last()
		}()
	}
	for n := 1; n <= 5; n++ {
		require.NoError(t, r.Seal(pass(n, false)))
	}
	wg.Wait()
	assert.Equal(t, 6, r.Len())
}

func TestExecutionPass_Duration(t *testing.T) {
	now := time.Now()
	assert.Equal(t, time.Duration(0), ExecutionPass{StartedAt: now, EndedAt: now.Add(-time.Second)}.Duration())
	assert.False(t, ExecutionPass{}.Converged())
}
