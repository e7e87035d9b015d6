package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/maauso/speechprep/internal/bootstrap"
	"github.com/maauso/speechprep/internal/extract"
	"github.com/maauso/speechprep/internal/job"
	"github.com/maauso/speechprep/internal/manifest"
)

func newExtractCommand(ctx *commandContext) *cobra.Command {
	var (
		bpeModel     string
		perturbSpeed bool
		srcDir       string
		outputDir    string
		workers      int
		cutTimeout   time.Duration
		splitNames   []string
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Compute filterbank features for every split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("bpe-model") {
				cfg.BPEModel = bpeModel
			}
			if flags.Changed("perturb-speed") {
				cfg.PerturbSpeed = perturbSpeed
			}
			if flags.Changed("src-dir") {
				cfg.ManifestDir = srcDir
			}
			if flags.Changed("output-dir") {
				cfg.FbankDir = outputDir
			}
			if flags.Changed("workers") {
				cfg.Workers = workers
			}
			if flags.Changed("cut-timeout") {
				cfg.CutTimeout = cutTimeout
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			splits, err := parseSplits(splitNames)
			if err != nil {
				return err
			}

			logger := ctx.logger(cmd)
			deps, err := bootstrap.NewDependencies(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			orch := deps.Orchestrator(cfg, newProgress(cmd.ErrOrStderr()))
			reports, runErr := orch.Run(cmd.Context(), splits)
			if len(reports) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), renderExtractSummary(reports))
			}
			jobs, err := orch.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			if failures := renderFailures(jobs); failures != "" {
				fmt.Fprintln(cmd.OutOrStdout(), failures)
			}
			if runErr != nil {
				return runErr
			}
			deps.Logger.Info("extraction finished", slog.Int("splits", len(reports)))
			return nil
		},
	}

	cmd.Flags().StringVar(&bpeModel, "bpe-model", "", "SentencePiece model enabling the token/frame length filter")
	cmd.Flags().BoolVar(&perturbSpeed, "perturb-speed", true, "Add 0.9x and 1.1x speed copies of the train split")
	cmd.Flags().StringVar(&srcDir, "src-dir", "", "Directory holding the input manifests (default $SPEECHPREP_MANIFEST_DIR)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory for feature shards and output manifests (default $SPEECHPREP_FBANK_DIR)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Parallel extraction workers (0 picks a default)")
	cmd.Flags().DurationVar(&cutTimeout, "cut-timeout", extract.DefaultCutTimeout, "Time budget for a single cut (0 disables)")
	cmd.Flags().StringSliceVar(&splitNames, "split", nil, "Splits to process (default train,dev,test)")

	return cmd
}

func parseSplits(names []string) ([]manifest.Split, error) {
	if len(names) == 0 {
		return manifest.Splits, nil
	}
	splits := make([]manifest.Split, 0, len(names))
	for _, name := range names {
		split, ok := manifest.SplitFromLabel(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown split %q", name)
		}
		splits = append(splits, split)
	}
	return splits, nil
}

func newProgress(w io.Writer) extract.Progress {
	if file, ok := w.(*os.File); ok {
		fd := file.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			return extract.NewBarProgress(w)
		}
	}
	return extract.NopProgress{}
}

func renderExtractSummary(reports []extract.SplitReport) string {
	headers := []string{"Split", "Status", "Input", "Filtered", "Cuts", "Done", "Failed", "Timed out", "Frames", "Hours", "Elapsed", "Manifest"}
	aligns := []columnAlignment{
		alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight,
		alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft,
	}

	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		status := string(r.Status)
		if r.Reason != "" {
			status += " (" + r.Reason + ")"
		}
		location := r.ManifestPath
		if r.ManifestURL != "" {
			location = r.ManifestURL
		}
		rows = append(rows, []string{
			string(r.Split),
			status,
			strconv.Itoa(r.InputCuts),
			strconv.Itoa(r.Filter.Dropped()),
			strconv.Itoa(r.Cuts),
			strconv.Itoa(r.Completed),
			strconv.Itoa(r.Failed),
			strconv.Itoa(r.TimedOut),
			strconv.Itoa(r.Frames),
			formatHours(r.Hours),
			r.Elapsed.Round(time.Millisecond).String(),
			location,
		})
	}
	return renderTable(headers, rows, aligns)
}

// renderFailures lists the cuts left out of the manifests and the splits
// that failed outright, or "" when every job succeeded.
func renderFailures(jobs []*job.Job) string {
	var rows [][]string
	for _, j := range jobs {
		for _, t := range j.Failures() {
			rows = append(rows, []string{string(j.Split), j.ID, t.CutID, string(t.Status), t.Error})
		}
		if j.Status == job.StatusFailed {
			rows = append(rows, []string{string(j.Split), j.ID, "", string(j.Status), j.Error})
		}
	}
	if len(rows) == 0 {
		return ""
	}
	return renderTable([]string{"Split", "Job", "Cut", "Status", "Error"}, rows, nil)
}
