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
	"fmt"

	"github.com/AleutianAI/reasoncore/services/reasoning/budget"
	"github.com/AleutianAI/reasoncore/services/reasoning/collab"
	"github.com/AleutianAI/reasoncore/services/reasoning/config"
	"github.com/spf13/cobra"
)

type budgetReport struct {
	Profile collab.TaskProfile `json:"profile"`
	Ceiling int                `json:"ceiling"`
	Total   int                `json:"total"`
}

func newBudgetCmd(configPath *string) *cobra.Command {
	p := collab.DefaultProfile()
	var (
		tool, breadth, confidence string
		ceiling                   int
	)
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Print the pass budget allocated to a task profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ceiling") {
				ceiling = cfg.Budget.Ceiling
			}

			p.ToolUsage = collab.ToolUsage(tool)
			p.OutputBreadth = collab.OutputBreadth(breadth)
			p.ConfidenceRequirement = collab.ConfidenceRequirement(confidence)
			p.Rationale = ""
			if err := collab.CheckSchema(p); err != nil {
				return fmt.Errorf("invalid profile: %w", err)
			}

			return writeJSON(cmd.OutOrStdout(), budgetReport{
				Profile: p,
				Ceiling: ceiling,
				Total:   budget.Allocate(p, ceiling),
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&p.ReasoningDepth, "depth", p.ReasoningDepth, "Reasoning depth, 1 to 5")
	f.Float64Var(&p.InformationSufficiency, "sufficiency", p.InformationSufficiency, "Information sufficiency, 0 to 1")
	f.StringVar(&tool, "tool", string(p.ToolUsage), "Tool usage: none, minimal, moderate or extensive")
	f.StringVar(&breadth, "breadth", string(p.OutputBreadth), "Output breadth: narrow, moderate or broad")
	f.StringVar(&confidence, "confidence", string(p.ConfidenceRequirement), "Confidence requirement: low, medium or high")
	f.IntVar(&ceiling, "ceiling", 0, "Budget ceiling (defaults to the configured ceiling; 0 disables)")
	return cmd
}
