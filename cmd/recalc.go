package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/coveragecheck/trust-api/internal/trust"
)

var (
	recalcDryRun bool
	recalcLimit  int
)

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Recompute every aggregate so decayed scores and verdicts catch up",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Sweeper.Sweep(cmd.Context(), trust.Options{
			DryRun: recalcDryRun,
			Limit:  recalcLimit,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	recalcCmd.Flags().BoolVar(&recalcDryRun, "dry-run", false, "recompute without persisting")
	recalcCmd.Flags().IntVar(&recalcLimit, "limit", 0, "max aggregates to process (0 = all)")
	rootCmd.AddCommand(recalcCmd)
}
