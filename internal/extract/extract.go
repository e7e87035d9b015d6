// Package extract computes features for every cut of each split and
// writes the feature-enriched manifests.
//
// Splits are processed one after another. Inside a split, a bounded pool
// of workers loads audio and computes features; a single coordinator
// goroutine owns the shard writer, so feature offsets are allocated by one
// owner only. The split manifest is written after every cut has finished
// and lists only cuts whose features were stored.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/maauso/speechprep/internal/audio"
	"github.com/maauso/speechprep/internal/features"
	"github.com/maauso/speechprep/internal/job"
	"github.com/maauso/speechprep/internal/lengthfilter"
	"github.com/maauso/speechprep/internal/manifest"
	"github.com/maauso/speechprep/internal/metrics"
	"github.com/maauso/speechprep/internal/storage"
)

// Defaults for Config.
const (
	DefaultManifestPrefix = "spa_cuts"
	DefaultFeatsPrefix    = "spa_feats"
	DefaultCutTimeout     = 5 * time.Minute
	// LocalWorkerCap bounds the local pool regardless of CPU count.
	LocalWorkerCap = 15
	// RemoteWorkers is the pool size when a remote executor computes features.
	RemoteWorkers = 80
)

// Static errors for the orchestrator.
var (
	// ErrSourceDirNotFound is returned when the input manifest directory is missing.
	ErrSourceDirNotFound = errors.New("extract: source directory not found")
	// ErrOutputLocked is returned when another run holds the output directory.
	ErrOutputLocked = errors.New("extract: output directory locked by another run")
)

// DefaultWorkers returns min(LocalWorkerCap, NumCPU) for local extraction,
// or RemoteWorkers when features are computed remotely.
func DefaultWorkers(remote bool) int {
	if remote {
		return RemoteWorkers
	}
	return min(LocalWorkerCap, runtime.NumCPU())
}

// Store is where shards and manifests are written.
type Store interface {
	storage.Storage
	Root() string
	Glob(pattern string) ([]string, error)
}

// Config holds the orchestrator settings.
type Config struct {
	// SourceDir holds the input manifests.
	SourceDir string
	// ManifestPrefix names input and output manifests: <prefix>_<split>.jsonl.gz.
	ManifestPrefix string
	// FeatsPrefix names shard files: <prefix>_<split>.NNN.zst.
	FeatsPrefix string
	// Workers is the pool size. Zero picks DefaultWorkers.
	Workers int
	// CutTimeout bounds loading plus extraction of one cut. Zero disables it.
	CutTimeout time.Duration
	// PerturbSpeed adds speed-perturbed copies of the train split.
	PerturbSpeed bool
	// SpeedFactors are the perturbation factors applied to train.
	SpeedFactors []float64
	// ChunkFrames and MaxShardBytes tune the shard writer; zero keeps defaults.
	ChunkFrames   int
	MaxShardBytes int64
	// MetricsFile, when set, receives the run's metrics in text format.
	MetricsFile string
}

// SplitReport summarizes the extraction of one split.
type SplitReport struct {
	Split        manifest.Split
	Status       job.Status
	Reason       string
	InputCuts    int
	Filter       lengthfilter.Report
	Cuts         int
	Completed    int
	Failed       int
	TimedOut     int
	Frames       int
	Hours        float64
	ManifestPath string
	ManifestURL  string
	Shards       []string
	Failures     []job.Task
	Elapsed      time.Duration
}

// Orchestrator runs feature extraction split by split.
type Orchestrator struct {
	cfg       Config
	store     Store
	loader    audio.Loader
	extractor features.Extractor
	filter    *lengthfilter.Filter
	repo      job.Repository
	metrics   *metrics.Metrics
	progress  Progress
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFilter sets the length filter applied before augmentation.
func WithFilter(f *lengthfilter.Filter) Option {
	return func(o *Orchestrator) {
		o.filter = f
	}
}

// WithRepository records every split's job in repo.
func WithRepository(repo job.Repository) Option {
	return func(o *Orchestrator) {
		if repo != nil {
			o.repo = repo
		}
	}
}

// WithMetrics sets the collectors updated during the run.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithProgress sets the progress display.
func WithProgress(p Progress) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.progress = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator creates an Orchestrator writing into store.
func NewOrchestrator(cfg Config, store Store, loader audio.Loader, extractor features.Extractor, opts ...Option) *Orchestrator {
	if cfg.ManifestPrefix == "" {
		cfg.ManifestPrefix = DefaultManifestPrefix
	}
	if cfg.FeatsPrefix == "" {
		cfg.FeatsPrefix = DefaultFeatsPrefix
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers(false)
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		loader:    loader,
		extractor: extractor,
		repo:      job.NewMemoryRepository(),
		metrics:   metrics.New(""),
		progress:  NopProgress{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.metrics.Workers.Set(float64(cfg.Workers))
	return o
}

// Run processes splits in order. The output directory is locked for the
// whole run. Per-cut failures are reported, not returned; an error means
// the run could not continue.
func (o *Orchestrator) Run(ctx context.Context, splits []manifest.Split) ([]SplitReport, error) {
	if err := checkDir(o.cfg.SourceDir); err != nil {
		return nil, err
	}

	unlock, err := lockDir(o.store.Root())
	if err != nil {
		return nil, err
	}
	defer unlock()

	o.logger.Info("extraction started",
		slog.String("source_dir", o.cfg.SourceDir),
		slog.String("output_dir", o.store.Root()),
		slog.Int("workers", o.cfg.Workers),
		slog.String("extractor", o.extractor.Type()),
		slog.Bool("perturb_speed", o.cfg.PerturbSpeed),
		slog.Bool("filter", o.filter.Enabled()),
	)

	reports := make([]SplitReport, 0, len(splits))
	var runErr error
	for _, split := range splits {
		report, err := o.ProcessSplit(ctx, split)
		reports = append(reports, report)
		if err != nil {
			runErr = fmt.Errorf("split %s: %w", split, err)
			break
		}
	}
	o.progress.Wait()

	if o.cfg.MetricsFile != "" {
		if err := o.metrics.WriteTextfile(o.cfg.MetricsFile); err != nil {
			o.logger.Warn("could not write metrics", slog.String("error", err.Error()))
		}
	}
	return reports, runErr
}

// Jobs returns the recorded split jobs, oldest first.
func (o *Orchestrator) Jobs(ctx context.Context) ([]*job.Job, error) {
	return o.repo.List(ctx)
}
