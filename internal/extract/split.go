package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/speechprep/internal/audio"
	"github.com/maauso/speechprep/internal/augment"
	"github.com/maauso/speechprep/internal/featstore"
	"github.com/maauso/speechprep/internal/features"
	"github.com/maauso/speechprep/internal/job"
	"github.com/maauso/speechprep/internal/manifest"
	"github.com/maauso/speechprep/internal/metrics"
)

// errCutTimeout marks a cut that exceeded CutTimeout.
var errCutTimeout = errors.New("extract: cut timed out")

// result is what a worker hands to the coordinator.
type result struct {
	index   int
	matrix  features.Matrix
	err     error
	elapsed time.Duration
}

// ProcessSplit extracts features for one split. A split whose input is
// missing or whose output manifest already exists is skipped.
func (o *Orchestrator) ProcessSplit(ctx context.Context, split manifest.Split) (report SplitReport, err error) {
	started := time.Now()
	report = SplitReport{Split: split}
	logger := o.logger.With(slog.String("split", string(split)))

	j := job.New(split)
	defer func() {
		report.Status = j.GetStatus()
		report.Elapsed = time.Since(started)
		_ = o.repo.Save(context.WithoutCancel(ctx), j)
	}()

	in := manifest.Path(o.cfg.SourceDir, o.cfg.ManifestPrefix, split)
	out := manifest.Path(o.store.Root(), o.cfg.ManifestPrefix, split)

	exists, err := manifest.Exists(in)
	if err != nil {
		_ = j.Fail(err.Error())
		return report, err
	}
	if !exists {
		logger.Warn("input manifest not found, skipping", slog.String("path", in))
		report.Reason = "input missing"
		_ = j.Skip("")
		return report, nil
	}

	exists, err = manifest.Exists(out)
	if err != nil {
		_ = j.Fail(err.Error())
		return report, err
	}
	if exists {
		logger.Info("output manifest already exists, skipping", slog.String("path", out))
		report.Reason = "output exists"
		report.ManifestPath = out
		_ = j.Skip(out)
		return report, nil
	}

	cuts, err := o.prepareCuts(split, in, &report, logger)
	if err != nil {
		_ = j.Fail(err.Error())
		return report, err
	}

	name := fmt.Sprintf("%s_%s", o.cfg.FeatsPrefix, split)
	if err := o.removeStaleShards(ctx, name); err != nil {
		_ = j.Fail(err.Error())
		return report, err
	}

	j.SetCuts(cuts)
	_ = j.Start()
	_ = o.repo.Save(ctx, j)

	writer, err := featstore.NewWriter(o.store.Root(), name,
		featstore.WithChunkFrames(o.cfg.ChunkFrames),
		featstore.WithMaxShardBytes(o.cfg.MaxShardBytes),
	)
	if err != nil {
		_ = j.Fail(err.Error())
		return report, err
	}

	logger.Info("processing split", slog.Int("cuts", len(cuts)), slog.Int("workers", o.cfg.Workers))
	bar := o.progress.Start(string(split), len(cuts))

	refs, err := o.extractAll(ctx, split, cuts, j, writer, bar, logger)
	closeErr := writer.Close()
	report.Shards = writer.Paths()
	if err != nil {
		bar.Abort()
		_ = j.Cancel()
		// Shards of an interrupted split are never referenced by a manifest.
		_ = o.store.Cleanup(context.WithoutCancel(ctx), report.Shards)
		report.Shards = nil
		o.metrics.SplitDone(string(split), string(job.StatusCancelled), time.Since(started), time.Now())
		return report, err
	}
	bar.Done()
	if closeErr != nil {
		_ = j.Fail(closeErr.Error())
		return report, closeErr
	}

	kept := make(manifest.CutSet, 0, len(cuts))
	for i, c := range cuts {
		if refs[i] == nil {
			continue
		}
		c.Features = refs[i]
		kept = append(kept, c)
		report.Frames += refs[i].NumFrames
	}

	if err := manifest.WriteFile(out, kept); err != nil {
		_ = j.Fail(err.Error())
		return report, fmt.Errorf("write manifest: %w", err)
	}
	report.ManifestPath = out
	report.Hours = kept.TotalDuration() / 3600

	counts := j.Counts()
	report.Completed = counts.Completed
	report.Failed = counts.Failed
	report.TimedOut = counts.TimedOut
	report.Failures = j.Failures()

	url := o.publish(ctx, out, kept, report.Shards, logger)
	report.ManifestURL = url
	j.SetOutput(out, url, report.Shards)
	_ = j.Complete()

	o.metrics.SplitDone(string(split), string(job.StatusCompleted), time.Since(started), time.Now())
	logger.Info("split saved",
		slog.String("path", out),
		slog.Int("cuts", len(kept)),
		slog.Int("failed", report.Failed+report.TimedOut),
		slog.Int("frames", report.Frames),
		slog.Float64("hours", report.Hours),
	)
	if n := len(report.Failures); n > 0 {
		logger.Warn("cuts excluded from manifest", slog.Int("count", n))
	}
	return report, nil
}

// prepareCuts reads the split, applies the length filter and, for train,
// speed perturbation.
func (o *Orchestrator) prepareCuts(split manifest.Split, in string, report *SplitReport, logger *slog.Logger) (manifest.CutSet, error) {
	cuts, err := manifest.ReadFile(in)
	if err != nil {
		return nil, err
	}
	report.InputCuts = len(cuts)

	if o.filter.Enabled() {
		logger.Info("filtering cuts by length")
		cuts, report.Filter = o.filter.Apply(cuts)
		for range report.Filter.Dropped() {
			o.metrics.ObserveCut(string(split), metrics.OutcomeFiltered, 0)
		}
	}

	if split == manifest.SplitTrain && o.cfg.PerturbSpeed {
		factors := o.cfg.SpeedFactors
		if len(factors) == 0 {
			factors = augment.DefaultFactors
		}
		logger.Info("speed perturbing train set", slog.Any("factors", factors))
		cuts, err = augment.Speed(cuts, factors)
		if err != nil {
			return nil, err
		}
	}
	report.Cuts = len(cuts)
	return cuts, nil
}

// removeStaleShards deletes shards left by an interrupted earlier run.
func (o *Orchestrator) removeStaleShards(ctx context.Context, name string) error {
	stale, err := o.store.Glob(name + ".*.zst")
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	o.logger.Info("removing stale shards", slog.String("name", name), slog.Int("count", len(stale)))
	return o.store.Cleanup(ctx, stale)
}

// extractAll runs the worker pool and the coordinator. It returns one
// reference per cut, nil for cuts that failed. An error is returned only
// when ctx is cancelled.
func (o *Orchestrator) extractAll(ctx context.Context, split manifest.Split, cuts manifest.CutSet, j *job.Job, writer *featstore.Writer, bar Bar, logger *slog.Logger) ([]*manifest.FeatureRef, error) {
	refs := make([]*manifest.FeatureRef, len(cuts))
	results := make(chan result, o.cfg.Workers)
	coordDone := make(chan struct{})

	go func() {
		defer close(coordDone)
		for r := range results {
			o.record(split, cuts[r.index], r, refs, j, writer, logger)
			bar.Increment()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i := range cuts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			_ = j.StartTask(i)
			t0 := time.Now()
			m, err := o.computeCut(gctx, cuts[i])
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			results <- result{index: i, matrix: m, err: err, elapsed: time.Since(t0)}
			return nil
		})
	}
	err := g.Wait()
	close(results)
	<-coordDone

	if err == nil {
		err = ctx.Err()
	}
	return refs, err
}

// record stores one worker result. Only the coordinator goroutine calls it.
func (o *Orchestrator) record(split manifest.Split, c manifest.Cut, r result, refs []*manifest.FeatureRef, j *job.Job, writer *featstore.Writer, logger *slog.Logger) {
	err := r.err
	var ref manifest.FeatureRef
	if err == nil {
		ref, err = writer.Write(r.matrix)
	}
	if err != nil {
		timedOut := errors.Is(err, errCutTimeout)
		_ = j.FailTask(r.index, err.Error(), timedOut)
		outcome := metrics.OutcomeFailed
		if timedOut {
			outcome = metrics.OutcomeTimedOut
		}
		o.metrics.ObserveCut(string(split), outcome, r.elapsed)
		logger.Warn("cut failed",
			slog.String("cut_id", c.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	cfg := o.extractor.Config()
	ref.Type = o.extractor.Type()
	ref.FrameShift = cfg.FrameShift
	ref.SamplingRate = cfg.SampleRate
	ref.Start = c.Start
	ref.Duration = c.Duration
	refs[r.index] = &ref

	_ = j.CompleteTask(r.index)
	o.metrics.ObserveCut(string(split), metrics.OutcomeCompleted, r.elapsed)
	o.metrics.ObserveFeatures(string(split), c.Duration, ref.NumFrames, chunkBytes(ref))
}

// computeCut loads and extracts one cut under the per-cut timeout. A stalled
// load or extraction is abandoned when the timeout fires.
func (o *Orchestrator) computeCut(ctx context.Context, c manifest.Cut) (features.Matrix, error) {
	if o.cfg.CutTimeout <= 0 {
		return o.loadAndExtract(ctx, c)
	}

	cctx, cancel := context.WithTimeout(ctx, o.cfg.CutTimeout)
	defer cancel()

	type outcome struct {
		m   features.Matrix
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		m, err := o.loadAndExtract(cctx, c)
		done <- outcome{m, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return features.Matrix{}, fmt.Errorf("%w after %s: %v", errCutTimeout, o.cfg.CutTimeout, res.err)
		}
		return res.m, res.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return features.Matrix{}, ctx.Err()
		}
		return features.Matrix{}, fmt.Errorf("%w after %s", errCutTimeout, o.cfg.CutTimeout)
	}
}

func (o *Orchestrator) loadAndExtract(ctx context.Context, c manifest.Cut) (features.Matrix, error) {
	src, err := c.Recording.Source()
	if err != nil {
		return features.Matrix{}, err
	}
	rate := o.extractor.Config().SampleRate
	samples, err := o.loader.Load(ctx, src, audio.LoadOpts{
		SampleRate: rate,
		Speed:      c.Recording.SpeedFactor(),
		Channel:    c.Channel,
	})
	if err != nil {
		return features.Matrix{}, fmt.Errorf("load %s: %w", filepath.Base(src), err)
	}
	return o.extractor.Extract(ctx, window(samples, rate, c.Start, c.Duration))
}

// window returns the samples of [start, start+duration) seconds, clamped
// to the loaded audio.
func window(samples []float32, rate int, start, duration float64) []float32 {
	first := int(manifest.NumSamplesFor(start, rate))
	last := first + int(manifest.NumSamplesFor(duration, rate))
	first = min(max(first, 0), len(samples))
	last = min(max(last, first), len(samples))
	return samples[first:last]
}

func chunkBytes(ref manifest.FeatureRef) int64 {
	var n int64
	for _, s := range ref.ChunkSizes {
		n += int64(s)
	}
	return n
}
