package audio

import (
	"context"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVLoader decodes PCM wav files without external tools.
type WAVLoader struct {
	// RequireRate rejects files whose sample rate differs from the target
	// with ErrRateMismatch. Otherwise they are resampled by linear
	// interpolation, which aliases when downsampling.
	RequireRate bool
}

// NewWAVLoader creates a WAVLoader that resamples natively.
func NewWAVLoader() *WAVLoader {
	return &WAVLoader{}
}

// Load implements Loader.
func (l *WAVLoader) Load(ctx context.Context, src string, opts LoadOpts) ([]float32, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	f, err := os.Open(src) // #nosec G304 - path comes from the manifest
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWAV, src)
	}
	// go-audio only understands integer PCM.
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: %s: audio format %d", ErrInvalidWAV, src, dec.WavAudioFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rate := buf.Format.SampleRate
	if l.RequireRate && rate != opts.SampleRate {
		return nil, fmt.Errorf("%w: %s is %d Hz, want %d Hz", ErrRateMismatch, src, rate, opts.SampleRate)
	}

	mono := channel(buf, opts.Channel)
	return Resample(mono, float64(rate)*opts.speed(), opts.SampleRate), nil
}

// channel extracts one channel from an interleaved buffer and scales it to
// [-1, 1] according to the source bit depth.
func channel(buf *goaudio.IntBuffer, ch int) []float32 {
	n := buf.Format.NumChannels
	if n <= 0 {
		n = 1
	}
	if ch < 0 || ch >= n {
		ch = 0
	}

	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int64(1) << (depth - 1))

	out := make([]float32, 0, len(buf.Data)/n)
	for i := ch; i < len(buf.Data); i += n {
		out = append(out, float32(buf.Data[i])/scale)
	}
	return out
}

var _ Loader = (*WAVLoader)(nil)

// WriteWAV stores mono samples in [-1, 1] as a 16-bit PCM wav file.
func WriteWAV(path string, samples []float32, rate int) error {
	f, err := os.Create(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}

	data := make([]int, len(samples))
	for i, s := range samples {
		s = max(-1, min(1, s))
		data[i] = int(s * 32767)
	}

	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return f.Close()
}
