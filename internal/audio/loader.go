// Package audio loads recordings as mono float32 waveforms, applying the
// resampling and speed transforms recorded in a manifest.
package audio

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// Static errors for audio loading.
var (
	// ErrInvalidWAV is returned when a file is not a decodable RIFF/WAVE file.
	ErrInvalidWAV = errors.New("audio: not a valid wav file")
	// ErrInvalidRate is returned when a target sample rate is not positive.
	ErrInvalidRate = errors.New("audio: sample rate must be positive")
	// ErrInvalidSpeed is returned when a speed factor is not positive.
	ErrInvalidSpeed = errors.New("audio: speed factor must be positive")
	// ErrRateMismatch is returned by a rate-strict WAVLoader for files that
	// would need resampling.
	ErrRateMismatch = errors.New("audio: sample rate differs from target")
	// ErrFFprobeExecution is returned when the ffprobe command fails.
	ErrFFprobeExecution = errors.New("audio: ffprobe execution failed")
)

// LoadOpts configures how a recording is decoded.
type LoadOpts struct {
	// SampleRate is the rate of the returned waveform in Hz.
	SampleRate int
	// Speed is the speed perturbation factor; 0 and 1 mean unchanged.
	// A factor f shortens the waveform to len/f samples at SampleRate.
	Speed float64
	// Channel selects the channel to keep from multi-channel sources.
	Channel int
}

func (o LoadOpts) speed() float64 {
	if o.Speed == 0 {
		return 1
	}
	return o.Speed
}

func (o LoadOpts) validate() error {
	if o.SampleRate <= 0 {
		return ErrInvalidRate
	}
	if o.Speed < 0 {
		return ErrInvalidSpeed
	}
	return nil
}

// Loader decodes an audio source into samples normalized to [-1, 1].
type Loader interface {
	Load(ctx context.Context, src string, opts LoadOpts) ([]float32, error)
}

// Prober reports the duration of an audio source in seconds.
type Prober interface {
	Duration(ctx context.Context, src string) (float64, error)
}

// AutoLoader decodes .wav files at the target rate natively and everything
// else, including wav files that need resampling, through ffmpeg.
type AutoLoader struct {
	WAV    Loader
	FFmpeg Loader
}

// NewAutoLoader creates an AutoLoader using ffmpegPath for non-wav sources.
// numThreads is forwarded to ffmpeg; 0 leaves the choice to ffmpeg.
func NewAutoLoader(ffmpegPath string, numThreads int) *AutoLoader {
	return &AutoLoader{
		WAV:    &WAVLoader{RequireRate: true},
		FFmpeg: NewFFmpegLoader(ffmpegPath, numThreads),
	}
}

// Load implements Loader.
func (a *AutoLoader) Load(ctx context.Context, src string, opts LoadOpts) ([]float32, error) {
	if strings.EqualFold(filepath.Ext(src), ".wav") {
		samples, err := a.WAV.Load(ctx, src, opts)
		// Compressed wav payloads and other rates go through ffmpeg.
		if (errors.Is(err, ErrInvalidWAV) || errors.Is(err, ErrRateMismatch)) && a.FFmpeg != nil {
			return a.FFmpeg.Load(ctx, src, opts)
		}
		return samples, err
	}
	return a.FFmpeg.Load(ctx, src, opts)
}

var _ Loader = (*AutoLoader)(nil)
