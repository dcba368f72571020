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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  1.0,
	}
}

type fakeRepairer struct {
	responses []string
	calls     int
	schemas   []string
	raws      []string
}

func (f *fakeRepairer) RepairMalformedOutput(_ context.Context, raw string, schema string) (string, error) {
	f.calls++
	f.raws = append(f.raws, raw)
	f.schemas = append(f.schemas, schema)
	if len(f.responses) == 0 {
		return "", errors.New("cannot repair")
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

func TestCall_Success(t *testing.T) {
	b := NewBoundary(WithRetry(fastRetry()))
	res := Call(context.Background(), b, CallInferProfile, func(ctx context.Context) (TaskProfile, error) {
		return DefaultProfile(), nil
	})

	require.True(t, res.OK)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, res.Repairs)
	assert.Equal(t, 3, res.Value.ReasoningDepth)
}

func TestCall_RetriesUnavailable(t *testing.T) {
	b := NewBoundary(WithRetry(fastRetry()))
	calls := 0
	res := Call(context.Background(), b, CallInferProfile, func(ctx context.Context) (TaskProfile, error) {
		calls++
		if calls < 2 {
			return TaskProfile{}, Unavailable(errors.New("timeout"))
		}
		return DefaultProfile(), nil
	})

	require.True(t, res.OK)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, res.Attempts)
}

func TestCall_UnavailableExhausted(t *testing.T) {
	b := NewBoundary(WithRetry(fastRetry()))
	calls := 0
	res := Call(context.Background(), b, CallGeneratePlan, func(ctx context.Context) (*plan.Plan, error) {
		calls++
		return nil, ErrCollaboratorUnavailable
	})

	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrCollaboratorUnavailable)
	assert.Equal(t, 3, calls)
	assert.Nil(t, res.Value)
}

func TestCall_NonRetryableStopsImmediately(t *testing.T) {
	b := NewBoundary(WithRetry(fastRetry()))
	calls := 0
	res := Call(context.Background(), b, CallValidate, func(ctx context.Context) (ValidationReport, error) {
		calls++
		return ValidationReport{}, errors.New("bad request")
	})

	assert.False(t, res.OK)
	assert.Equal(t, 1, calls)
}

func TestCall_SchemaViolationRoutesToRepair(t *testing.T) {
	rep := &fakeRepairer{responses: []string{
		`{"version":1,"reasoning_depth":2,"information_sufficiency":0.7,"tool_usage":"none","output_breadth":"narrow","confidence_requirement":"low"}`,
	}}
	b := NewBoundary(WithRetry(fastRetry()), WithRepairer(rep))
	calls := 0
	res := Call(context.Background(), b, CallInferProfile, func(ctx context.Context) (TaskProfile, error) {
		calls++
		return TaskProfile{ReasoningDepth: 9, ToolUsage: "lots"}, nil
	})

	require.True(t, res.OK, "error: %v", res.Err)
	assert.Equal(t, 1, calls, "original collaborator must not be re-invoked for malformed output")
	assert.Equal(t, 1, rep.calls)
	assert.Equal(t, 1, res.Repairs)
	assert.Equal(t, 2, res.Value.ReasoningDepth)
	assert.Equal(t, "collab.TaskProfile", rep.schemas[0])
	assert.Contains(t, rep.raws[0], `"reasoning_depth":9`)
}

func TestCall_MalformedErrorCarriesRawPayload(t *testing.T) {
	rep := &fakeRepairer{responses: []string{`[{"code":"missing_step","severity":"warning"}]`}}
	b := NewBoundary(WithRetry(fastRetry()), WithRepairer(rep))
	res := Call(context.Background(), b, CallValidate, func(ctx context.Context) ([]Issue, error) {
		return nil, Malformed(`issues: [oops`, errors.New("unexpected token"))
	})

	require.True(t, res.OK)
	assert.Equal(t, `issues: [oops`, rep.raws[0])
	require.Len(t, res.Value, 1)
	assert.Equal(t, "missing_step", res.Value[0].Code)
}

func TestCall_RepairExhausted(t *testing.T) {
	rep := &fakeRepairer{responses: []string{`not json`, `{"answer_text":"   "}`, `{"answer_text":"never reached"}`}}
	b := NewBoundary(WithRetry(fastRetry()), WithRepairer(rep))
	calls := 0
	res := Call(context.Background(), b, CallSynthesize, func(ctx context.Context) (FinalAnswer, error) {
		calls++
		return FinalAnswer{}, nil
	})

	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrRepairExhausted)
	assert.Equal(t, 1, calls)
	assert.Equal(t, DefaultRepairAttempts, rep.calls)
	assert.Equal(t, `not json`, rep.raws[1], "second repair sees the latest payload")
}

func TestCall_RepairAttemptsAreCapped(t *testing.T) {
	rep := &fakeRepairer{}
	b := NewBoundary(WithRetry(fastRetry()), WithRepairer(rep), WithRepairAttempts(5))
	res := Call(context.Background(), b, CallSynthesize, func(ctx context.Context) (FinalAnswer, error) {
		return FinalAnswer{}, nil
	})

	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrRepairExhausted)
	assert.Equal(t, MaxRepairAttempts, rep.calls)
	assert.Equal(t, MaxRepairAttempts, res.Repairs)
}

func TestCall_MalformedIsNotRetried(t *testing.T) {
	b := NewBoundary(WithRetry(fastRetry()))
	calls := 0
	res := Call(context.Background(), b, CallValidate, func(ctx context.Context) (ValidationReport, error) {
		calls++
		return ValidationReport{}, Malformed(`{"issues": 7}`, errors.New("bad type"))
	})

	assert.False(t, res.OK)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, ErrNoRepairer)
}

func TestCall_NoRepairer(t *testing.T) {
	b := NewBoundary(WithRetry(fastRetry()))
	res := Call(context.Background(), b, CallGeneratePlan, func(ctx context.Context) (*plan.Plan, error) {
		return nil, nil
	})

	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrNoRepairer)
	assert.ErrorIs(t, res.Err, ErrMalformedOutput)
}

func TestCall_PlanStructureIsChecked(t *testing.T) {
	b := NewBoundary(WithRetry(fastRetry()))
	res := Call(context.Background(), b, CallGeneratePlan, func(ctx context.Context) (*plan.Plan, error) {
		return plan.New("g", []*plan.Step{
			{ID: "a", Description: "a", Dependencies: []string{"b"}},
			{ID: "b", Description: "b", Dependencies: []string{"a"}},
		}), nil
	})

	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrMalformedOutput)
}

func TestCall_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	res := Call(ctx, NewBoundary(WithRetry(fastRetry())), CallRefine, func(ctx context.Context) (TaskProfile, error) {
		calls++
		return DefaultProfile(), nil
	})

	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestCall_RateLimited(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Millisecond), 1)
	b := NewBoundary(WithRetry(fastRetry()), WithRateLimiter(limiter))
	for i := 0; i < 3; i++ {
		res := Call(context.Background(), b, CallInferProfile, func(ctx context.Context) (TaskProfile, error) {
			return DefaultProfile(), nil
		})
		assert.True(t, res.OK)
	}
}

func TestCall_NilBoundaryUsesDefaults(t *testing.T) {
	res := Call(context.Background(), nil, CallInferProfile, func(ctx context.Context) (TaskProfile, error) {
		return DefaultProfile(), nil
	})
	assert.True(t, res.OK)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", ErrCollaboratorUnavailable, true},
		{"wrapped unavailable", Unavailable(errors.New("503")), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"malformed", Malformed("x", nil), false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetryConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultRetryConfig().Validate())
	assert.Error(t, RetryConfig{}.Validate())

	tests := []struct {
		name   string
		mutate func(*RetryConfig)
		field  string
	}{
		{"no attempts", func(c *RetryConfig) { c.MaxAttempts = 0 }, "max_attempts"},
		{"zero backoff", func(c *RetryConfig) { c.InitialBackoff = 0 }, "initial_backoff"},
		{"max below initial", func(c *RetryConfig) { c.MaxBackoff = time.Microsecond }, "max_backoff"},
		{"shrinking factor", func(c *RetryConfig) { c.BackoffFactor = 0.5 }, "backoff_factor"},
		{"jitter above one", func(c *RetryConfig) { c.JitterFactor = 1.5 }, "jitter_factor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRetryConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidRetryConfig)
			assert.ErrorContains(t, err, tt.field)
		})
	}
}

func TestRetryConfig_Wait(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		BackoffFactor:  2,
	}
	assert.Equal(t, 100*time.Millisecond, cfg.wait(1))
	assert.Equal(t, 200*time.Millisecond, cfg.wait(2))
	assert.Equal(t, 300*time.Millisecond, cfg.wait(3))
	assert.Equal(t, 300*time.Millisecond, cfg.wait(4))

	cfg.JitterFactor = 0.5
	for i := 0; i < 20; i++ {
		d := cfg.wait(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
