// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/AleutianAI/reasoncore/services/reasoning/plan"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const synthTracerName = "reasoncore.synth"

// maxOutputExcerpt bounds step output quoted in a degraded answer.
const maxOutputExcerpt = 200

// Metadata keys stamped by the wrapper.
const (
	MetaDegraded          = "degraded"
	MetaMissing           = "missing"
	MetaFailed            = "failed"
	MetaTerminationReason = "termination_reason"
	MetaCorrelationID     = "correlation_id"
	MetaTotalPasses       = "total_passes"
	MetaRefinementCount   = "refinement_count"
	MetaConverged         = "converged"
)

// TerminationReason says why the run reached synthesis.
type TerminationReason string

const (
	ReasonConverged       TerminationReason = "converged"
	ReasonBudgetExhausted TerminationReason = "budget_exhausted"
	ReasonCanceled        TerminationReason = "canceled"
	ReasonUnrecoverable   TerminationReason = "unrecoverable_failure"
)

// describe returns a sentence fragment for answer text.
func (r TerminationReason) describe() string {
	switch r {
	case ReasonConverged:
		return "the result converged"
	case ReasonBudgetExhausted:
		return "the pass budget was exhausted before convergence"
	case ReasonCanceled:
		return "the run was canceled"
	case ReasonUnrecoverable:
		return "a collaborator failed repeatedly"
	default:
		return "the run ended"
	}
}

var synthesisTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reasoncore",
		Subsystem: "synth",
		Name:      "answers_total",
		Help:      "Total final answers by outcome (ok or degraded) and termination reason",
	},
	[]string{"outcome", "reason"},
)

// Wrapper calls the synthesis collaborator and guarantees an answer.
//
// Thread Safety: Safe for concurrent use if the Synthesizer is.
type Wrapper struct {
	synth    collab.Synthesizer
	boundary *collab.Boundary
	logger   *slog.Logger
	tracer   trace.Tracer
	tracing  bool
}

// Option configures a Wrapper.
type Option func(*Wrapper)

// WithBoundary sets the collaborator boundary.
func WithBoundary(b *collab.Boundary) Option {
	return func(w *Wrapper) {
		w.boundary = b
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Wrapper) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithTracing enables a span around synthesis.
func WithTracing(enabled bool) Option {
	return func(w *Wrapper) {
		w.tracing = enabled
	}
}

// NewWrapper creates a Wrapper. s may be nil, in which case every answer
// is the local degraded one.
func NewWrapper(s collab.Synthesizer, opts ...Option) *Wrapper {
	w := &Wrapper{
		synth:  s,
		logger: slog.Default(),
		tracer: otel.Tracer(synthTracerName),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.boundary == nil {
		w.boundary = collab.NewBoundary(collab.WithLogger(w.logger))
	}
	return w
}

// Synthesize produces the final answer. It never panics and never fails.
//
// Inputs:
//
//	ctx - Context for the collaborator call.
//	in - The snapshot. May be nil.
//	reason - Why the run is ending.
//
// Outputs:
//
//	collab.FinalAnswer - Non-empty AnswerText and non-nil Metadata, with
//	                     ttl_exhausted, termination_reason and
//	                     correlation_id stamped by the host.
func (w *Wrapper) Synthesize(ctx context.Context, in *Input, reason TerminationReason) (answer collab.FinalAnswer) {
	if in == nil {
		in = &Input{}
		w.logger.Warn("Synthesis called without input")
	}
	ctx, span := w.startSpan(ctx, in, reason)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Synthesis panicked, using degraded answer",
				slog.String("panic", fmt.Sprint(r)),
			)
			answer = w.degraded(in, reason, []string{fmt.Sprintf("synthesizer: panic: %v", r)})
		}
		span.SetAttributes(
			attribute.Bool("synth.degraded", isDegraded(answer)),
			attribute.String("synth.termination_reason", string(reason)),
		)
	}()

	if w.synth == nil {
		return w.degraded(in, reason, []string{"synthesizer: not configured"})
	}

	snapshot := cloneInput(in)
	res := collab.Call(ctx, w.boundary, collab.CallSynthesize, func(ctx context.Context) (collab.FinalAnswer, error) {
		return w.synth.Synthesize(ctx, snapshot)
	})
	if !res.OK {
		return w.degraded(in, reason, []string{"synthesizer: " + res.Err.Error()})
	}

	answer = res.Value
	if answer.Metadata == nil {
		answer.Metadata = make(map[string]any)
	}
	if _, ok := answer.Metadata[MetaDegraded]; !ok {
		answer.Metadata[MetaDegraded] = false
	}
	stamp(&answer, in, reason)
	synthesisTotal.WithLabelValues("ok", string(reason)).Inc()
	return answer
}

// degraded builds a local answer that states what happened.
func (w *Wrapper) degraded(in *Input, reason TerminationReason, failed []string) collab.FinalAnswer {
	var b strings.Builder
	b.WriteString("Degraded answer: synthesis failed, so this summary was assembled locally. ")
	fmt.Fprintf(&b, "The run stopped because %s after %d execution pass(es)", reason.describe(), in.TotalPasses)
	if in.TTLExhausted {
		b.WriteString(" with no budget remaining")
	}
	b.WriteString(".")

	var used []string
	if in.Plan != nil {
		counts := in.Plan.CountByStatus()
		fmt.Fprintf(&b, " %d of %d step(s) completed", counts[plan.StatusComplete], len(in.Plan.Steps))
		if counts[plan.StatusFailed] > 0 {
			fmt.Fprintf(&b, ", %d failed", counts[plan.StatusFailed])
		}
		b.WriteString(".")
		for _, s := range in.Plan.Steps {
			if s.Status != plan.StatusComplete {
				continue
			}
			used = append(used, s.ID)
			if s.Output != "" {
				fmt.Fprintf(&b, "\n- %s: %s", s.ID, excerpt(s.Output))
			}
		}
	} else {
		b.WriteString(" No plan state is available.")
	}

	missing := Missing(in)
	if missing == nil {
		missing = []string{}
	}
	answer := collab.FinalAnswer{
		AnswerText:  b.String(),
		UsedStepIDs: used,
		Notes:       "partial result; see metadata.failed",
		Metadata: map[string]any{
			MetaDegraded: true,
			MetaMissing:  missing,
			MetaFailed:   append([]string(nil), failed...),
		},
	}
	stamp(&answer, in, reason)

	w.logger.Warn("Degraded final answer",
		slog.String("termination_reason", string(reason)),
		slog.Any("missing", missing),
		slog.Any("failed", failed),
	)
	synthesisTotal.WithLabelValues("degraded", string(reason)).Inc()
	return answer
}

// stamp writes the host-owned fields.
func stamp(a *collab.FinalAnswer, in *Input, reason TerminationReason) {
	a.TTLExhausted = in.TTLExhausted
	a.Metadata[MetaTerminationReason] = string(reason)
	a.Metadata[MetaCorrelationID] = in.CorrelationID
	a.Metadata[MetaTotalPasses] = in.TotalPasses
	a.Metadata[MetaRefinementCount] = in.RefinementCount
	a.Metadata[MetaConverged] = in.Converged
}

func isDegraded(a collab.FinalAnswer) bool {
	d, _ := a.Metadata[MetaDegraded].(bool)
	return d
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutputExcerpt {
		return s
	}
	cut := maxOutputExcerpt
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func (w *Wrapper) startSpan(ctx context.Context, in *Input, reason TerminationReason) (context.Context, trace.Span) {
	if !w.tracing {
		return ctx, noop.Span{}
	}
	return w.tracer.Start(ctx, "synth.synthesize",
		trace.WithAttributes(
			attribute.String("synth.correlation_id", in.CorrelationID),
			attribute.Int("synth.total_passes", in.TotalPasses),
			attribute.String("synth.termination_reason", string(reason)),
		),
	)
}
