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
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Each call returns fresh commands and
// flag state.
func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "reasoncore",
		Short: "Budgeted plan-execute-refine reasoning engine",
		Long: `reasoncore runs a task through profiling, planning, bounded
execution passes and a final synthesis, replaying collaborator answers
from a scenario file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML or JSON config file")

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newBudgetCmd(&configPath),
		newConfigCmd(&configPath),
	)
	return rootCmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
