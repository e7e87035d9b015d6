package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maauso/speechprep/internal/manifest"
)

func newFixTimingCommand(ctx *commandContext) *cobra.Command {
	var tolerance float64

	cmd := &cobra.Command{
		Use:   "fix-timing <input> <output>",
		Short: "Truncate supervisions that run past the end of their cut",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tol := tolerance
			if !cmd.Flags().Changed("tolerance") {
				if cfg, err := ctx.ensureConfig(); err == nil {
					tol = cfg.Tolerance
				}
			}
			if tol < 0 {
				return fmt.Errorf("tolerance must not be negative, got %g", tol)
			}

			result, err := manifest.RepairTiming(args[0], args[1], tol, ctx.logger(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fixed %d supervisions in %d of %d cuts\n", result.FixedSups, result.FixedCuts, result.Cuts)
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", result.OutputPath)
			return nil
		},
	}

	cmd.Flags().Float64Var(&tolerance, "tolerance", manifest.DefaultTolerance, "Allowed overrun in seconds")
	return cmd
}
