package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/maauso/speechprep/internal/audio"
	"github.com/maauso/speechprep/internal/builder"
	"github.com/maauso/speechprep/internal/corpus"
	"github.com/maauso/speechprep/internal/manifest"
)

func newPrepareCommand(ctx *commandContext) *cobra.Command {
	var (
		csvPath        string
		dataDir        string
		manifestDir    string
		language       string
		prefix         string
		probeJobs      int
		tolerance      float64
		probeDurations bool
		overwrite      bool
	)

	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Build train/dev/test manifests from a CSV corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("manifest-dir") {
				cfg.ManifestDir = manifestDir
			}
			if flags.Changed("language") {
				cfg.Language = language
			}
			if flags.Changed("prefix") {
				cfg.ManifestPrefix = prefix
			}
			if flags.Changed("nj") {
				cfg.ProbeJobs = probeJobs
			}
			if flags.Changed("tolerance") {
				cfg.Tolerance = tolerance
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := ctx.logger(cmd)
			rows, stats, err := corpus.NewReader(logger).ReadFile(csvPath)
			if err != nil {
				return err
			}
			logger.Info("corpus read",
				slog.String("csv", csvPath),
				slog.Int("rows", stats.Rows),
				slog.Int("accepted", stats.Accepted),
				slog.Int("unknown_split", stats.UnknownSplit),
				slog.Int("malformed", stats.Malformed),
			)

			opts := []builder.Option{
				builder.WithLanguage(cfg.Language),
				builder.WithTolerance(cfg.Tolerance),
				builder.WithLogger(logger),
			}
			if probeDurations {
				opts = append(opts, builder.WithProber(audio.NewFFprobe(cfg.FFprobePath), cfg.ProbeJobs))
			}

			result, err := builder.New(dataDir, opts...).Build(cmd.Context(), rows)
			if err != nil {
				return err
			}

			outcomes, err := builder.WriteManifests(result, cfg.ManifestDir, cfg.ManifestPrefix, overwrite, logger)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderPrepareSummary(stats, result, outcomes))
			return nil
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "Path to the corpus CSV file")
	cmd.Flags().StringVar(&dataDir, "data-dir", ".", "Directory relative audio paths are resolved against")
	cmd.Flags().StringVar(&manifestDir, "manifest-dir", "", "Output directory for manifests (default $SPEECHPREP_MANIFEST_DIR)")
	cmd.Flags().StringVar(&language, "language", "", "Language tag for supervisions")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Manifest file prefix")
	cmd.Flags().IntVar(&probeJobs, "nj", 0, "Parallel duration probes")
	cmd.Flags().Float64Var(&tolerance, "tolerance", 0, "Allowed overrun of a supervision past its recording, in seconds")
	cmd.Flags().BoolVar(&probeDurations, "probe-durations", false, "Probe missing durations with ffprobe")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace existing manifests")
	_ = cmd.MarkFlagRequired("csv")

	return cmd
}

func renderPrepareSummary(stats corpus.Stats, result builder.Result, outcomes []builder.WriteOutcome) string {
	headers := []string{"Split", "Rows", "Duplicates", "Truncated", "Dropped", "Cuts", "Hours", "Manifest"}
	aligns := []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft}

	written := make(map[manifest.Split]builder.WriteOutcome, len(outcomes))
	for _, o := range outcomes {
		written[o.Split] = o
	}

	rows := make([][]string, 0, len(manifest.Splits)+1)
	for _, split := range manifest.Splits {
		r := result.Reports[split]
		status := written[split].Path
		if written[split].Skipped {
			status += " (exists, skipped)"
		}
		rows = append(rows, []string{
			string(split),
			strconv.Itoa(r.Rows),
			strconv.Itoa(r.Duplicates),
			strconv.Itoa(r.Fix.Truncated),
			strconv.Itoa(r.Fix.Dropped()),
			strconv.Itoa(r.Cuts),
			formatHours(r.Hours),
			status,
		})
	}
	rows = append(rows, []string{
		"skipped rows",
		strconv.Itoa(stats.Skipped()),
		"", "", "", "", "",
		fmt.Sprintf("%d unknown split, %d malformed", stats.UnknownSplit, stats.Malformed),
	})
	return renderTable(headers, rows, aligns)
}
