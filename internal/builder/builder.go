// Package builder turns corpus rows into per-split cut manifests.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/speechprep/internal/audio"
	"github.com/maauso/speechprep/internal/corpus"
	"github.com/maauso/speechprep/internal/manifest"
)

// DefaultLanguage tags every supervision unless overridden.
const DefaultLanguage = "Spanish"

// ErrRootNotFound is returned when the audio root directory does not exist.
var ErrRootNotFound = errors.New("builder: audio root not found")

// SplitReport summarizes how one split was built.
type SplitReport struct {
	Rows        int
	Duplicates  int
	Probed      int
	ProbeFailed int
	Fix         manifest.FixReport
	Cuts        int
	Hours       float64
}

// Result holds the cuts of every split, in source order.
type Result struct {
	Cuts    map[manifest.Split]manifest.CutSet
	Reports map[manifest.Split]SplitReport
}

// Builder creates Recording, Supervision and Cut records from corpus rows.
type Builder struct {
	root      string
	language  string
	tolerance float64
	prober    audio.Prober
	probeJobs int
	logger    *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithLanguage sets the language tag of every supervision.
func WithLanguage(lang string) Option {
	return func(b *Builder) {
		if lang != "" {
			b.language = lang
		}
	}
}

// WithTolerance sets the slack allowed between supervision and recording ends.
func WithTolerance(tol float64) Option {
	return func(b *Builder) {
		if tol >= 0 {
			b.tolerance = tol
		}
	}
}

// WithProber measures rows that carry neither a duration nor a sample
// count, running up to jobs probes at once.
func WithProber(p audio.Prober, jobs int) Option {
	return func(b *Builder) {
		b.prober = p
		b.probeJobs = max(1, jobs)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Builder resolving relative audio paths against root.
func New(root string, opts ...Option) *Builder {
	b := &Builder{
		root:      root,
		language:  DefaultLanguage,
		tolerance: manifest.DefaultTolerance,
		probeJobs: 1,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build groups rows by split, makes each split's recordings and
// supervisions consistent and pairs them into cuts. Every known split is
// present in the result, possibly empty.
func (b *Builder) Build(ctx context.Context, rows []corpus.Row) (Result, error) {
	info, err := os.Stat(b.root)
	if err != nil || !info.IsDir() {
		return Result{}, fmt.Errorf("%w: %s", ErrRootNotFound, b.root)
	}

	result := Result{
		Cuts:    make(map[manifest.Split]manifest.CutSet, len(manifest.Splits)),
		Reports: make(map[manifest.Split]SplitReport, len(manifest.Splits)),
	}

	recs := make(map[manifest.Split][]manifest.Recording, len(manifest.Splits))
	sups := make(map[manifest.Split][]manifest.Supervision, len(manifest.Splits))
	seen := make(map[string]manifest.Split, len(rows))

	for _, row := range rows {
		report := result.Reports[row.Split]
		report.Rows++

		// Ids are global: a split is assigned once per recording.
		if first, dup := seen[row.ID]; dup {
			report.Duplicates++
			result.Reports[row.Split] = report
			b.logger.Warn("skipping duplicate recording id",
				slog.String("recording_id", row.ID),
				slog.Int("line", row.Line),
				slog.String("split", string(row.Split)),
				slog.String("first_split", string(first)),
			)
			continue
		}
		seen[row.ID] = row.Split
		result.Reports[row.Split] = report

		recs[row.Split] = append(recs[row.Split], b.recording(row))
		sups[row.Split] = append(sups[row.Split], b.supervision(row))
	}

	if b.prober != nil {
		if err := b.probeMissing(ctx, recs, sups, result.Reports); err != nil {
			return Result{}, err
		}
	}

	for _, split := range manifest.Splits {
		report := result.Reports[split]
		fixedRecs, fixedSups, fix := manifest.Fix(recs[split], sups[split], b.tolerance, b.logger.With(slog.String("split", string(split))))
		cuts := manifest.CutsFromManifests(fixedRecs, fixedSups)

		report.Fix = fix
		report.Cuts = len(cuts)
		report.Hours = cuts.TotalDuration() / 3600
		result.Cuts[split] = cuts
		result.Reports[split] = report

		b.logger.Info("split built",
			slog.String("split", string(split)),
			slog.Int("rows", report.Rows),
			slog.Int("cuts", report.Cuts),
			slog.Int("dropped", fix.Dropped()),
			slog.Int("truncated", fix.Truncated),
			slog.Float64("hours", report.Hours),
		)
	}
	return result, nil
}

// ResolvePath joins relative audio paths onto root.
func (b *Builder) ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	abs, err := filepath.Abs(filepath.Join(b.root, p))
	if err != nil {
		return filepath.Join(b.root, p)
	}
	return abs
}

func (b *Builder) recording(row corpus.Row) manifest.Recording {
	return manifest.Recording{
		ID: row.ID,
		Sources: []manifest.AudioSource{{
			Type:     "file",
			Channels: []int{0},
			Source:   b.ResolvePath(row.AudioPath),
		}},
		SamplingRate: row.SampleRate,
		NumSamples:   row.NumSamples,
		Duration:     row.Duration,
		ChannelIDs:   []int{0},
	}
}

func (b *Builder) supervision(row corpus.Row) manifest.Supervision {
	return manifest.Supervision{
		ID:          row.ID,
		RecordingID: row.ID,
		Start:       row.Start,
		Duration:    row.Duration,
		Channel:     0,
		Text:        row.Text,
		Language:    b.language,
		Speaker:     row.Speaker,
	}
}

// probeMissing fills in the duration of recordings whose row had none.
// Probe failures leave the duration at zero so the consistency pass drops
// the recording.
func (b *Builder) probeMissing(ctx context.Context, recs map[manifest.Split][]manifest.Recording, sups map[manifest.Split][]manifest.Supervision, reports map[manifest.Split]SplitReport) error {
	for _, split := range manifest.Splits {
		rs := recs[split]
		probed := make([]bool, len(rs))
		failed := make([]bool, len(rs))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.probeJobs)
		for i := range rs {
			if rs[i].Duration > 0 {
				continue
			}
			g.Go(func() error {
				src, _ := rs[i].Source()
				d, err := b.prober.Duration(gctx, src)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					failed[i] = true
					b.logger.Warn("could not probe duration",
						slog.String("recording_id", rs[i].ID),
						slog.String("error", err.Error()),
					)
					return nil
				}
				rs[i].Duration = d
				rs[i].NumSamples = manifest.NumSamplesFor(d, rs[i].SamplingRate)
				probed[i] = true
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("probe durations: %w", err)
		}

		report := reports[split]
		ss := sups[split]
		for i := range rs {
			if probed[i] {
				report.Probed++
				// Supervisions share their recording's index and span it.
				if ss[i].Duration == 0 {
					ss[i].Duration = rs[i].Duration - ss[i].Start
				}
			}
			if failed[i] {
				report.ProbeFailed++
			}
		}
		reports[split] = report
	}
	return nil
}
