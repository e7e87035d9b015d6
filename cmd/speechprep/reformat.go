package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/maauso/speechprep/internal/jsonl"
)

func newReformatCommand(ctx *commandContext) *cobra.Command {
	var toArray bool

	cmd := &cobra.Command{
		Use:   "reformat <input> <output>",
		Short: "Convert a JSON array file to JSON lines, or back with --to-array",
		Long: "Convert a JSON array file to one JSON value per line. With --to-array the\n" +
			"conversion runs the other way. Paths ending in .gz are gzip compressed.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			convert, format := jsonl.ArrayToLines, "JSON lines"
			if toArray {
				convert, format = jsonl.LinesToArray, "JSON array"
			}

			n, err := convert(args[0], args[1])
			if err != nil {
				return err
			}
			ctx.logger(cmd).Debug("reformatted",
				slog.String("input", args[0]),
				slog.String("output", args[1]),
				slog.Int("records", n),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d records to %s as %s\n", n, args[1], format)
			return nil
		},
	}

	cmd.Flags().BoolVar(&toArray, "to-array", false, "Convert JSON lines to a JSON array")
	return cmd
}
