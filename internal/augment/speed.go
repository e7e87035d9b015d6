// Package augment derives time-scaled copies of training cuts.
package augment

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/maauso/speechprep/internal/manifest"
)

// DefaultFactors are the speed perturbation factors applied to the train split.
var DefaultFactors = []float64{0.9, 1.1}

// ErrInvalidFactor is returned for non-positive speed factors.
var ErrInvalidFactor = errors.New("augment: speed factor must be positive")

// SuffixFor returns the id suffix of cuts perturbed by factor, e.g. "_sp0.9".
func SuffixFor(factor float64) string {
	return "_sp" + strconv.FormatFloat(factor, 'f', -1, 64)
}

// PerturbSpeed returns a copy of c played at factor times the original
// speed: durations and supervision offsets are divided by factor and the
// recording carries a Speed transform so the audio is resampled on load.
func PerturbSpeed(c manifest.Cut, factor float64) (manifest.Cut, error) {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return manifest.Cut{}, fmt.Errorf("%w: %v", ErrInvalidFactor, factor)
	}
	suffix := SuffixFor(factor)

	rec := c.Recording
	rec.ID += suffix
	rec.Duration = rec.Duration / factor
	rec.NumSamples = int64(math.Round(float64(rec.NumSamples) / factor))
	rec.Sources = append([]manifest.AudioSource(nil), rec.Sources...)
	rec.ChannelIDs = append([]int(nil), rec.ChannelIDs...)
	rec.Transforms = append(append([]manifest.Transform(nil), rec.Transforms...), manifest.Transform{
		Name:   manifest.TransformSpeed,
		Kwargs: map[string]float64{"factor": factor},
	})

	out := c
	out.ID = c.ID + suffix
	out.Start = c.Start / factor
	out.Duration = c.Duration / factor
	out.Recording = rec
	out.Features = nil

	out.Supervisions = make([]manifest.Supervision, len(c.Supervisions))
	for i, s := range c.Supervisions {
		s.ID += suffix
		s.RecordingID = rec.ID
		s.Start = s.Start / factor
		s.Duration = s.Duration / factor
		// Rounding must never push a supervision past the cut end.
		if s.End() > out.Duration {
			s.Duration = out.Duration - s.Start
		}
		out.Supervisions[i] = s
	}
	return out, nil
}

// Speed expands cuts with one perturbed copy per factor. The result holds
// the originals first, then every cut at factors[0], then every cut at
// factors[1], and so on, so its size is len(cuts)·(1+len(factors)).
func Speed(cuts manifest.CutSet, factors []float64) (manifest.CutSet, error) {
	out := make(manifest.CutSet, 0, len(cuts)*(1+len(factors)))
	out = append(out, cuts...)
	for _, f := range factors {
		for _, c := range cuts {
			p, err := PerturbSpeed(c, f)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}
