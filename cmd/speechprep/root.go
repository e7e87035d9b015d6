package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var logLevelFlag string
	var logFormatFlag string

	ctx := newCommandContext(&logLevelFlag, &logFormatFlag)

	rootCmd := &cobra.Command{
		Use:           "speechprep",
		Short:         "Build ASR manifests and extract filterbank features",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(newPrepareCommand(ctx))
	rootCmd.AddCommand(newExtractCommand(ctx))
	rootCmd.AddCommand(newFixTimingCommand(ctx))
	rootCmd.AddCommand(newReformatCommand(ctx))

	return rootCmd
}

// shouldSkipConfig reports whether cmd runs without the environment
// configuration, as help and completion do.
func shouldSkipConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "completion", "speechprep":
		return true
	}
	if parent := cmd.Parent(); parent != nil && parent.Name() == "completion" {
		return true
	}
	return false
}
