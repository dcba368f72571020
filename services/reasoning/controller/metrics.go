// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reasoncore",
			Subsystem: "controller",
			Name:      "runs_total",
			Help:      "Total completed runs by termination reason",
		},
		[]string{"reason"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "reasoncore",
			Subsystem: "controller",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a run from profile to final answer",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reasoncore",
			Subsystem: "controller",
			Name:      "active_runs",
			Help:      "Runs currently in progress",
		},
	)

	// Both labels are State values, a closed set.
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reasoncore",
			Subsystem: "controller",
			Name:      "transitions_total",
			Help:      "Total state transitions",
		},
		[]string{"from", "to"},
	)

	budgetRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reasoncore",
			Subsystem: "controller",
			Name:      "budget_remaining",
			Help:      "Pass budget remaining in the most recently updated run",
		},
	)

	stepsExecutedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reasoncore",
			Subsystem: "controller",
			Name:      "steps_dispatched_total",
			Help:      "Total steps dispatched to the batch executor",
		},
	)

	recalibrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reasoncore",
			Subsystem: "controller",
			Name:      "recalibrations_total",
			Help:      "Total profile recalibrations",
		},
	)

	refinementsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reasoncore",
			Subsystem: "controller",
			Name:      "refinements_skipped_total",
			Help:      "Refinement phases skipped because every targeted fragment was frozen",
		},
	)
)

func (c *Controller) startPhaseSpan(ctx context.Context, r *run) (context.Context, trace.Span) {
	if !c.cfg.Tracing {
		return ctx, noop.Span{}
	}
	return c.tracer.Start(ctx, "controller.phase",
		trace.WithAttributes(
			attribute.String("phase.state", string(r.state)),
			attribute.Int("phase.pass_number", r.rec.NextPassNumber()),
			attribute.Int("phase.budget_remaining", r.gov.Remaining()),
		),
	)
}
