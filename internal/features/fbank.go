package features

import (
	"context"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// energyFloor keeps log() finite on silent frames.
const energyFloor = 1.1920929e-07

// Fbank computes Kaldi-compatible log-mel filterbank energies.
// It is safe for concurrent use.
type Fbank struct {
	cfg     Config
	window  []float64
	fftSize int
	banks   []melBank
	plans   sync.Pool
}

// plan carries the per-goroutine FFT state; fourier.FFT is not safe for
// concurrent use.
type plan struct {
	fft    *fourier.FFT
	frame  []float64
	coeffs []complex128
	power  []float64
}

type melBank struct {
	first   int
	weights []float64
}

// NewFbank creates an Fbank for cfg.
func NewFbank(cfg Config) (*Fbank, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	size := cfg.windowSize()
	fftSize := 1
	for fftSize < size {
		fftSize <<= 1
	}

	f := &Fbank{
		cfg:     cfg,
		window:  poveyWindow(size),
		fftSize: fftSize,
		banks:   melBanks(cfg, fftSize),
	}
	f.plans.New = func() any {
		return &plan{
			fft:    fourier.NewFFT(fftSize),
			frame:  make([]float64, fftSize),
			coeffs: make([]complex128, fftSize/2+1),
			power:  make([]float64, fftSize/2+1),
		}
	}
	return f, nil
}

// Config implements Extractor.
func (f *Fbank) Config() Config { return f.cfg }

// Type implements Extractor.
func (f *Fbank) Type() string { return TypeFbank }

// Extract implements Extractor. Samples are expected in [-1, 1].
func (f *Fbank) Extract(ctx context.Context, samples []float32) (Matrix, error) {
	frames := f.cfg.NumFrames(len(samples))
	if frames == 0 {
		return Matrix{}, ErrTooShort
	}

	p := f.plans.Get().(*plan)
	defer f.plans.Put(p)

	out := NewMatrix(frames, f.cfg.NumMelBins)
	hop := f.cfg.hopSize()
	size := len(f.window)
	for i := 0; i < frames; i++ {
		// Check for cancellation every second of audio.
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return Matrix{}, err
			}
		}
		start := i*hop + hop/2 - size/2
		f.frame(p, samples, start)
		f.powerSpectrum(p)
		f.applyBanks(p.power, out.Row(i))
	}
	return out, nil
}

// frame copies one analysis window into p.frame, reflecting at the signal
// edges, and applies DC removal, pre-emphasis and the window function.
func (f *Fbank) frame(p *plan, samples []float32, start int) {
	n := len(samples)
	size := len(f.window)
	buf := p.frame

	var mean float64
	for k := 0; k < size; k++ {
		s := start + k
		if s < 0 {
			s = -s - 1
		} else if s >= n {
			s = 2*n - 1 - s
		}
		buf[k] = float64(samples[s])
		mean += buf[k]
	}
	mean /= float64(size)
	for k := 0; k < size; k++ {
		buf[k] -= mean
	}

	if pe := f.cfg.PreEmphasis; pe != 0 {
		for k := size - 1; k > 0; k-- {
			buf[k] -= pe * buf[k-1]
		}
		buf[0] -= pe * buf[0]
	}

	for k := 0; k < size; k++ {
		buf[k] *= f.window[k]
	}
	for k := size; k < len(buf); k++ {
		buf[k] = 0
	}
}

func (f *Fbank) powerSpectrum(p *plan) {
	p.coeffs = p.fft.Coefficients(p.coeffs, p.frame)
	for k, c := range p.coeffs {
		p.power[k] = real(c)*real(c) + imag(c)*imag(c)
	}
}

func (f *Fbank) applyBanks(power []float64, dst []float32) {
	for b, bank := range f.banks {
		var e float64
		for j, w := range bank.weights {
			e += w * power[bank.first+j]
		}
		dst[b] = float32(math.Log(math.Max(e, energyFloor)))
	}
}

// poveyWindow is a Hann window raised to 0.85, as used by Kaldi.
func poveyWindow(n int) []float64 {
	w := make([]float64, n)
	a := 2 * math.Pi / float64(n-1)
	for i := range w {
		w[i] = math.Pow(0.5-0.5*math.Cos(a*float64(i)), 0.85)
	}
	return w
}

func melScale(hz float64) float64 {
	return 1127 * math.Log(1+hz/700)
}

// melBanks builds triangular filters equally spaced on the mel scale
// between LowFreq and HighFreq.
func melBanks(cfg Config, fftSize int) []melBank {
	numBins := fftSize / 2
	binWidth := float64(cfg.SampleRate) / float64(fftSize)

	melLow := melScale(cfg.LowFreq)
	melHigh := melScale(cfg.nyquistHigh())
	delta := (melHigh - melLow) / float64(cfg.NumMelBins+1)

	banks := make([]melBank, cfg.NumMelBins)
	for b := range banks {
		left := melLow + float64(b)*delta
		center := left + delta
		right := center + delta

		first, last := -1, -1
		weights := make([]float64, numBins)
		for i := 0; i < numBins; i++ {
			mel := melScale(binWidth * float64(i))
			if mel <= left || mel >= right {
				continue
			}
			if mel <= center {
				weights[i] = (mel - left) / (center - left)
			} else {
				weights[i] = (right - mel) / (right - center)
			}
			if first < 0 {
				first = i
			}
			last = i
		}
		if first < 0 {
			banks[b] = melBank{first: 0}
			continue
		}
		banks[b] = melBank{first: first, weights: weights[first : last+1]}
	}
	return banks
}

var _ Extractor = (*Fbank)(nil)
