// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/reasoncore/pkg/logging"
	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/AleutianAI/reasoncore/services/reasoning/config"
	"github.com/AleutianAI/reasoncore/services/reasoning/controller"
	"github.com/AleutianAI/reasoncore/services/reasoning/history"
	"github.com/AleutianAI/reasoncore/services/reasoning/scripted"
	"github.com/AleutianAI/reasoncore/services/reasoning/synth"
	"github.com/AleutianAI/reasoncore/services/reasoning/telemetry"
	"github.com/spf13/cobra"
)

type runOptions struct {
	scenario string
	task     string
	timeout  time.Duration
	full     bool
}

// runSummary is the default run output.
type runSummary struct {
	CorrelationID     string                   `json:"correlation_id"`
	TerminationReason synth.TerminationReason  `json:"termination_reason"`
	FinalAnswer       collab.FinalAnswer       `json:"final_answer"`
	Stats             history.Stats            `json:"stats"`
	Budget            controller.BudgetSummary `json:"budget"`
	Recalibrations    int                      `json:"recalibrations"`
	States            []controller.State       `json:"states"`
}

func newRunCmd(configPath *string) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scripted scenario to a final answer",
		Example: `  reasoncore run --scenario scenarios/refine.yaml
  reasoncore run --scenario scenarios/converge.yaml --config reasoncore.yaml --full`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd, *configPath, opts)
		},
	}
	cmd.Flags().StringVar(&opts.scenario, "scenario", "", "Path to the scenario YAML file")
	cmd.Flags().StringVar(&opts.task, "task", "", "Override the scenario task text")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Cancel the run after this long (0 disables)")
	cmd.Flags().BoolVar(&opts.full, "full", false, "Print the full run result including pass history")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func runScenario(cmd *cobra.Command, configPath string, opts runOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Writer = cmd.ErrOrStderr()
	logs := logging.New(logCfg)
	defer logs.Close()
	logger := logs.Slog()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	telCfg := cfg.TelemetryConfig()
	telCfg.Output = cmd.ErrOrStderr()
	shutdown, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	sc, err := scripted.LoadScenario(opts.scenario)
	if err != nil {
		return err
	}
	task := sc.Task
	if opts.task != "" {
		task = opts.task
	}

	script, err := scripted.NewScript(sc,
		scripted.WithThresholds(cfg.Convergence),
		scripted.WithConcurrency(cfg.Executor.Concurrency),
		scripted.WithStepTimeout(cfg.Executor.StepTimeout),
		scripted.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	ctrl, err := controller.New(script.Collaborators(),
		controller.WithConfig(cfg.ControllerConfig()),
		controller.WithLogger(logger.With(slog.String("scenario", sc.Name))),
		controller.WithRateLimiter(cfg.RateLimiter()),
	)
	if err != nil {
		return err
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	res, err := ctrl.Run(ctx, task)
	if err != nil {
		return err
	}

	if opts.full {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	return writeJSON(cmd.OutOrStdout(), runSummary{
		CorrelationID:     res.CorrelationID,
		TerminationReason: res.TerminationReason,
		FinalAnswer:       res.FinalAnswer,
		Stats:             res.Stats,
		Budget:            res.Budget,
		Recalibrations:    res.Recalibrations,
		States:            res.States,
	})
}
