package runpod

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maauso/speechprep/internal/features"
)

// Static errors for remote extraction.
var (
	// ErrJobFailed is returned when the endpoint reports a failed, cancelled or timed-out job.
	ErrJobFailed = errors.New("runpod: job did not complete")
	// ErrBadOutput is returned when the completed job's features cannot be decoded.
	ErrBadOutput = errors.New("runpod: malformed features output")
)

// cancelTimeout bounds the request cancelling an abandoned job.
const cancelTimeout = 5 * time.Second

// TypeRemoteFbank tags feature references computed on the endpoint. The
// endpoint runs the same filterbank as features.Fbank.
const TypeRemoteFbank = features.TypeFbank

// Extractor computes features on a RunPod endpoint.
type Extractor struct {
	client       Client
	cfg          features.Config
	pollInterval time.Duration
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithPollInterval sets how often job status is polled.
func WithPollInterval(d time.Duration) ExtractorOption {
	return func(e *Extractor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// NewExtractor creates an Extractor submitting jobs through client.
func NewExtractor(client Client, cfg features.Config, opts ...ExtractorOption) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Extractor{
		client:       client,
		cfg:          cfg,
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the analysis configuration sent with every job.
func (e *Extractor) Config() features.Config { return e.cfg }

// Type returns the feature type tag.
func (e *Extractor) Type() string { return TypeRemoteFbank }

// Extract submits samples and blocks until the job reaches a terminal
// state or ctx is done. A job abandoned because ctx ended is cancelled on
// the endpoint.
func (e *Extractor) Extract(ctx context.Context, samples []float32) (features.Matrix, error) {
	want := e.cfg.NumFrames(len(samples))
	if want == 0 {
		return features.Matrix{}, features.ErrTooShort
	}

	jobID, err := e.client.Submit(ctx, Request{Samples: samples, Config: e.cfg})
	if err != nil {
		return features.Matrix{}, err
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		result, err := e.client.Poll(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				e.abandon(ctx, jobID)
			}
			return features.Matrix{}, err
		}

		switch {
		case result.Status == StatusCompleted:
			if m := result.Features; m.NumFeatures != e.cfg.NumMelBins {
				return features.Matrix{}, fmt.Errorf("%w: %d features, want %d", ErrBadOutput, m.NumFeatures, e.cfg.NumMelBins)
			}
			return result.Features, nil
		case result.Status.IsTerminal():
			return features.Matrix{}, fmt.Errorf("%w: job %s %s: %s", ErrJobFailed, jobID, result.Status, result.Error)
		}

		select {
		case <-ctx.Done():
			e.abandon(ctx, jobID)
			return features.Matrix{}, fmt.Errorf("runpod: waiting for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// abandon cancels jobID after ctx ended so the endpoint stops working on it.
func (e *Extractor) abandon(ctx context.Context, jobID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	_ = e.client.Cancel(cctx, jobID)
}

// Compile-time check that Extractor implements features.Extractor.
var _ features.Extractor = (*Extractor)(nil)
