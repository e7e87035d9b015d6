// Package features computes log-mel filterbank features from waveforms.
package features

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Static errors for feature extraction.
var (
	// ErrTooShort is returned when a waveform is shorter than one analysis window.
	ErrTooShort = errors.New("features: waveform shorter than one frame")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("features: invalid config")
)

// TypeFbank tags feature references produced by Fbank.
const TypeFbank = "kaldi-fbank"

// Config describes the analysis performed on each waveform.
type Config struct {
	SampleRate  int     `json:"sampling_rate"`
	NumMelBins  int     `json:"num_mel_bins"`
	FrameLength float64 `json:"frame_length"`
	FrameShift  float64 `json:"frame_shift"`
	PreEmphasis float64 `json:"preemph_coeff"`
	LowFreq     float64 `json:"low_freq"`
	// HighFreq of zero or less is relative to the Nyquist frequency.
	HighFreq float64 `json:"high_freq"`
}

// DefaultConfig returns 80-bin fbank features over 25 ms windows every 10 ms.
func DefaultConfig() Config {
	return Config{
		SampleRate:  16000,
		NumMelBins:  80,
		FrameLength: 0.025,
		FrameShift:  0.01,
		PreEmphasis: 0.97,
		LowFreq:     20,
		HighFreq:    0,
	}
}

// Validate checks that the configuration describes a usable filterbank.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrInvalidConfig, c.SampleRate)
	case c.NumMelBins < 3:
		return fmt.Errorf("%w: %d mel bins", ErrInvalidConfig, c.NumMelBins)
	case c.FrameShift <= 0 || c.FrameLength < c.FrameShift:
		return fmt.Errorf("%w: frame length %.4f shift %.4f", ErrInvalidConfig, c.FrameLength, c.FrameShift)
	case c.LowFreq < 0 || c.nyquistHigh() <= c.LowFreq:
		return fmt.Errorf("%w: frequency range [%.1f, %.1f]", ErrInvalidConfig, c.LowFreq, c.nyquistHigh())
	}
	return nil
}

func (c Config) nyquistHigh() float64 {
	nyquist := float64(c.SampleRate) / 2
	if c.HighFreq <= 0 {
		return nyquist + c.HighFreq
	}
	return math.Min(c.HighFreq, nyquist)
}

func (c Config) windowSize() int { return int(math.Round(c.FrameLength * float64(c.SampleRate))) }
func (c Config) hopSize() int    { return int(math.Round(c.FrameShift * float64(c.SampleRate))) }

// NumFrames returns the number of frames produced for numSamples samples.
// Frames are centred on multiples of the shift, so a signal of d seconds
// yields about d/shift frames.
func (c Config) NumFrames(numSamples int) int {
	hop := c.hopSize()
	if hop <= 0 || numSamples < c.windowSize() {
		return 0
	}
	return (numSamples + hop/2) / hop
}

// Matrix holds a row-major frames × features array.
type Matrix struct {
	NumFrames   int
	NumFeatures int
	Data        []float32
}

// NewMatrix allocates a zeroed matrix.
func NewMatrix(frames, dim int) Matrix {
	return Matrix{NumFrames: frames, NumFeatures: dim, Data: make([]float32, frames*dim)}
}

// Row returns frame i.
func (m Matrix) Row(i int) []float32 {
	return m.Data[i*m.NumFeatures : (i+1)*m.NumFeatures]
}

// Extractor turns a waveform sampled at Config().SampleRate into features.
type Extractor interface {
	Extract(ctx context.Context, samples []float32) (Matrix, error)
	Config() Config
	Type() string
}
