// Package bootstrap provides dependency initialization for the pipeline commands.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/maauso/speechprep/internal/audio"
	"github.com/maauso/speechprep/internal/config"
	"github.com/maauso/speechprep/internal/extract"
	"github.com/maauso/speechprep/internal/features"
	"github.com/maauso/speechprep/internal/job"
	"github.com/maauso/speechprep/internal/lengthfilter"
	"github.com/maauso/speechprep/internal/metrics"
	"github.com/maauso/speechprep/internal/runpod"
	"github.com/maauso/speechprep/internal/storage"
)

// Dependencies holds everything the extract command needs.
type Dependencies struct {
	RunID     string
	Logger    *slog.Logger
	Store     extract.Store
	Loader    audio.Loader
	Extractor features.Extractor
	Filter    *lengthfilter.Filter
	Metrics   *metrics.Metrics
	Jobs      job.Repository
	Workers   int
}

// FeatureConfig returns the filterbank configuration described by cfg.
func FeatureConfig(cfg *config.Config) features.Config {
	fc := features.DefaultConfig()
	fc.SampleRate = cfg.SampleRate
	fc.NumMelBins = cfg.NumMelBins
	return fc
}

// NewDependencies creates and initializes all dependencies for feature
// extraction. Configuration problems, such as an unreadable tokenizer,
// are reported here before any work starts.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	runID := uuid.NewString()
	logger = logger.With(slog.String("run_id", runID))

	filter, err := initFilter(cfg, logger)
	if err != nil {
		return nil, err
	}

	extractor, err := initExtractor(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = extract.DefaultWorkers(cfg.RemoteEnabled())
	}

	return &Dependencies{
		RunID:     runID,
		Logger:    logger,
		Store:     store,
		Loader:    audio.NewAutoLoader(cfg.FFmpegPath, cfg.FFmpegThreads),
		Extractor: extractor,
		Filter:    filter,
		Metrics:   metrics.New(runID),
		Jobs:      job.NewMemoryRepository(),
		Workers:   workers,
	}, nil
}

// Orchestrator builds the extraction orchestrator from the dependencies.
func (d *Dependencies) Orchestrator(cfg *config.Config, progress extract.Progress) *extract.Orchestrator {
	return extract.NewOrchestrator(extract.Config{
		SourceDir:      cfg.ManifestDir,
		ManifestPrefix: cfg.ManifestPrefix,
		FeatsPrefix:    cfg.FeatsPrefix,
		Workers:        d.Workers,
		CutTimeout:     cfg.CutTimeout,
		PerturbSpeed:   cfg.PerturbSpeed,
		ChunkFrames:    cfg.ChunkFrames,
		MaxShardBytes:  cfg.MaxShardBytes(),
		MetricsFile:    cfg.MetricsFile,
	},
		d.Store,
		d.Loader,
		d.Extractor,
		extract.WithFilter(d.Filter),
		extract.WithRepository(d.Jobs),
		extract.WithMetrics(d.Metrics),
		extract.WithProgress(progress),
		extract.WithLogger(d.Logger),
	)
}

func initFilter(cfg *config.Config, logger *slog.Logger) (*lengthfilter.Filter, error) {
	opts := []lengthfilter.Option{
		lengthfilter.WithDurationBounds(cfg.MinDuration, cfg.MaxDuration),
		lengthfilter.WithFrameShift(FeatureConfig(cfg).FrameShift),
		lengthfilter.WithLogger(logger),
	}
	if cfg.BPEModel == "" {
		return lengthfilter.New(nil, opts...), nil
	}

	sp, err := lengthfilter.LoadSentencePiece(cfg.BPEModel)
	if err != nil {
		return nil, err
	}
	logger.Info("tokenizer loaded", slog.String("bpe_model", cfg.BPEModel))
	return lengthfilter.New(sp, opts...), nil
}

func initExtractor(cfg *config.Config, logger *slog.Logger) (features.Extractor, error) {
	fc := FeatureConfig(cfg)
	if !cfg.RemoteEnabled() {
		fbank, err := features.NewFbank(fc)
		if err != nil {
			return nil, fmt.Errorf("create fbank: %w", err)
		}
		return fbank, nil
	}

	client, err := runpod.NewClient(cfg.RunPodEndpointID, runpod.WithAPIKey(cfg.RunPodAPIKey))
	if err != nil {
		return nil, fmt.Errorf("create RunPod client: %w", err)
	}
	extractor, err := runpod.NewExtractor(client, fc, runpod.WithPollInterval(cfg.RunPodPollInterval))
	if err != nil {
		return nil, fmt.Errorf("create RunPod extractor: %w", err)
	}
	logger.Info("RunPod executor configured", slog.String("endpoint_id", cfg.RunPodEndpointID))
	return extractor, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (extract.Store, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(ctx, cfg.FbankDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.FbankDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("fbank_dir", cfg.FbankDir),
	)
	return localStore, nil
}
