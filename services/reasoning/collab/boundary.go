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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

const collabTracerName = "reasoncore.collab"

// Repair calls per malformed output.
const (
	DefaultRepairAttempts = 2
	MaxRepairAttempts     = 2
)

// Boundary wraps every collaborator call with retry, rate limiting,
// schema validation and repair routing.
//
// Thread Safety: Safe for concurrent use.
type Boundary struct {
	retry          RetryConfig
	repairer       Repairer
	repairAttempts int
	limiter        *rate.Limiter
	logger         *slog.Logger
	tracer         trace.Tracer
	tracing        bool
}

// BoundaryOption configures a Boundary.
type BoundaryOption func(*Boundary)

// WithRetry sets the retry configuration.
func WithRetry(cfg RetryConfig) BoundaryOption {
	return func(b *Boundary) {
		b.retry = cfg
	}
}

// WithRepairer sets the repair collaborator.
func WithRepairer(r Repairer) BoundaryOption {
	return func(b *Boundary) {
		b.repairer = r
	}
}

// WithRepairAttempts sets the repair calls per malformed output, at most
// MaxRepairAttempts. Negative values are ignored.
func WithRepairAttempts(n int) BoundaryOption {
	return func(b *Boundary) {
		if n >= 0 {
			b.repairAttempts = min(n, MaxRepairAttempts)
		}
	}
}

// WithRateLimiter throttles every attempt, retries included.
func WithRateLimiter(l *rate.Limiter) BoundaryOption {
	return func(b *Boundary) {
		b.limiter = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BoundaryOption {
	return func(b *Boundary) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans per call.
func WithTracing(enabled bool) BoundaryOption {
	return func(b *Boundary) {
		b.tracing = enabled
	}
}

// NewBoundary creates a Boundary.
//
// Inputs:
//
//	opts - Optional configuration.
//
// Outputs:
//
//	*Boundary - Ready to use. Defaults: DefaultRetryConfig, 2 repair
//	            attempts, no rate limit, slog.Default, tracing off.
func NewBoundary(opts ...BoundaryOption) *Boundary {
	b := &Boundary{
		retry:          DefaultRetryConfig(),
		repairAttempts: DefaultRepairAttempts,
		logger:         slog.Default(),
		tracer:         otel.Tracer(collabTracerName),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Result is the typed outcome of a collaborator call.
//
// Exactly one of OK and Err is meaningful: if OK, Value passed schema
// validation; otherwise Value is the zero value and Err says why.
type Result[T any] struct {
	Value    T
	OK       bool
	Attempts int
	Repairs  int
	Err      error
}

// Call invokes a collaborator operation through the boundary.
//
// Description:
//
//	1. Each attempt waits on the rate limiter (if any) and calls fn.
//	2. Transient failures (IsRetryable) are retried with backoff.
//	3. A successful value is schema-checked (CheckSchema). A violation, or
//	   a *MalformedOutputError returned by fn, is routed to the repair
//	   collaborator. fn is never re-invoked to fix its own output.
//	4. Repaired payloads are decoded as JSON into T and re-checked.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	b - The boundary. Nil uses NewBoundary defaults.
//	name - Operation name (one of the Call* constants).
//	fn - The collaborator invocation.
//
// Outputs:
//
//	Result[T] - Never panics on collaborator errors.
func Call[T any](ctx context.Context, b *Boundary, name string, fn func(ctx context.Context) (T, error)) Result[T] {
	if b == nil {
		b = NewBoundary()
	}
	ctx, span := b.startSpan(ctx, name)
	defer span.End()

	var value T
	attempts, err := b.attempt(ctx, name, func(ctx context.Context) error {
		v, ferr := fn(ctx)
		if ferr == nil {
			value = v
		}
		return ferr
	})

	res := Result[T]{Attempts: attempts}

	if err == nil {
		if serr := CheckSchema(value); serr != nil {
			err = &MalformedOutputError{Call: name, Raw: encodeRaw(value), Cause: serr}
		}
	}

	outcome := outcomeOK
	var mal *MalformedOutputError
	if err != nil && errors.As(err, &mal) {
		if mal.Call == "" {
			mal.Call = name
		}
		b.logger.Warn("Malformed collaborator output, routing to repair",
			slog.String("call", name),
			slog.String("error", mal.Error()),
		)
		repaired, n, rerr := repairOutput[T](ctx, b, name, mal)
		res.Repairs = n
		if rerr == nil {
			value = repaired
			err = nil
			outcome = outcomeRepaired
		} else {
			err = rerr
		}
	}

	if err != nil {
		var zero T
		value = zero
		outcome = classifyOutcome(err)
		b.logger.Warn("Collaborator call failed",
			slog.String("call", name),
			slog.Int("attempts", res.Attempts),
			slog.Int("repairs", res.Repairs),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(
		attribute.Int("collab.attempts", res.Attempts),
		attribute.Int("collab.repairs", res.Repairs),
		attribute.String("collab.outcome", outcome),
	)
	label := sanitizeCall(name)
	collabCallsTotal.WithLabelValues(label, outcome).Inc()
	collabAttempts.WithLabelValues(label).Observe(float64(res.Attempts))

	res.Value = value
	res.Err = err
	res.OK = err == nil
	return res
}

// repairOutput drives the repair collaborator for a malformed payload.
func repairOutput[T any](ctx context.Context, b *Boundary, name string, mal *MalformedOutputError) (T, int, error) {
	var zero T
	if b.repairer == nil {
		return zero, 0, fmt.Errorf("%s: %w: %w", name, ErrNoRepairer, mal)
	}
	if b.repairAttempts == 0 {
		return zero, 0, fmt.Errorf("%s: %w: %w", name, ErrRepairExhausted, mal)
	}

	schema := SchemaName[T]()
	raw := mal.Raw
	var lastErr error = mal
	label := sanitizeCall(name)

	for i := 1; i <= b.repairAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, i - 1, err
		}
		fixed, err := b.repairer.RepairMalformedOutput(ctx, raw, schema)
		if err != nil {
			lastErr = err
			collabRepairsTotal.WithLabelValues(label, outcomeError).Inc()
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(fixed), &v); err != nil {
			lastErr = err
			raw = fixed
			collabRepairsTotal.WithLabelValues(label, outcomeError).Inc()
			continue
		}
		if err := CheckSchema(v); err != nil {
			lastErr = err
			raw = fixed
			collabRepairsTotal.WithLabelValues(label, outcomeError).Inc()
			continue
		}
		collabRepairsTotal.WithLabelValues(label, outcomeOK).Inc()
		b.logger.Info("Collaborator output repaired",
			slog.String("call", name),
			slog.Int("repair_attempts", i),
		)
		return v, i, nil
	}
	return zero, b.repairAttempts, fmt.Errorf("%s: %w: %v", name, ErrRepairExhausted, lastErr)
}

func classifyOutcome(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return outcomeCanceled
	case errors.Is(err, ErrRepairExhausted), errors.Is(err, ErrMalformedOutput), errors.Is(err, ErrNoRepairer):
		return outcomeMalformed
	case errors.Is(err, ErrCollaboratorUnavailable), errors.Is(err, context.DeadlineExceeded):
		return outcomeUnavailable
	default:
		return outcomeError
	}
}

func encodeRaw(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}

func (b *Boundary) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if !b.tracing {
		return ctx, noop.Span{}
	}
	return b.tracer.Start(ctx, "collab."+name,
		trace.WithAttributes(attribute.String("collab.call", name)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
