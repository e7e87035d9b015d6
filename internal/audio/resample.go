package audio

import "math"

// Resample converts samples taken at rate from to rate to by linear
// interpolation. The source rate may be fractional: playing a 16 kHz
// signal at speed f is the same as resampling from 16000·f to 16000.
func Resample(samples []float32, from float64, to int) []float32 {
	if len(samples) == 0 || from <= 0 || to <= 0 {
		return samples
	}
	if math.Abs(from-float64(to)) < 1e-9 {
		return samples
	}

	ratio := from / float64(to)
	n := int(math.Round(float64(len(samples)) / ratio))
	if n <= 0 {
		return nil
	}

	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*frac
	}
	return out
}
