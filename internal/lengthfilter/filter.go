// Package lengthfilter drops cuts whose transcript cannot be aligned with
// the number of encoder frames their audio produces.
package lengthfilter

import (
	"errors"
	"log/slog"
	"math"

	"github.com/maauso/speechprep/internal/manifest"
)

// ErrTokenizerUnavailable is returned when a tokenizer was requested but
// could not be loaded.
var ErrTokenizerUnavailable = errors.New("lengthfilter: tokenizer unavailable")

// DefaultFrameShift is the feature frame shift in seconds.
const DefaultFrameShift = 0.01

// TokenCounter predicts how many output tokens a transcript produces.
type TokenCounter interface {
	CountTokens(text string) int
}

// Report counts the outcome of a filtering pass.
type Report struct {
	Kept      int
	TooShort  int
	TooLong   int
	TooMany   int
	NoFrames  int
	KeptHours float64
}

// Dropped returns the number of rejected cuts.
func (r Report) Dropped() int {
	return r.TooShort + r.TooLong + r.TooMany + r.NoFrames
}

// Filter keeps cuts whose duration and token count fit the model.
// A Filter with no TokenCounter and no duration bounds keeps everything.
type Filter struct {
	counter     TokenCounter
	minDuration float64
	maxDuration float64
	frameShift  float64
	logger      *slog.Logger
}

// Option configures a Filter.
type Option func(*Filter)

// WithDurationBounds rejects cuts shorter than minSec or longer than maxSec.
// Zero disables a bound.
func WithDurationBounds(minSec, maxSec float64) Option {
	return func(f *Filter) {
		f.minDuration = minSec
		f.maxDuration = maxSec
	}
}

// WithFrameShift sets the feature frame shift in seconds.
func WithFrameShift(sec float64) Option {
	return func(f *Filter) {
		if sec > 0 {
			f.frameShift = sec
		}
	}
}

// WithLogger sets the logger used for per-cut and summary messages.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Filter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New creates a Filter. counter may be nil.
func New(counter TokenCounter, opts ...Option) *Filter {
	f := &Filter{
		counter:    counter,
		frameShift: DefaultFrameShift,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Enabled reports whether the filter can reject anything.
func (f *Filter) Enabled() bool {
	return f != nil && (f.counter != nil || f.minDuration > 0 || f.maxDuration > 0)
}

// SubsampledFrames returns the number of encoder frames left after the
// two stride-2 convolutions of the conv front end for a cut of the given
// duration: T = ((frames - 7) / 2 + 1) / 2.
func (f *Filter) SubsampledFrames(duration float64) int {
	frames := int(math.Floor(duration/f.frameShift + 0.5))
	return ((frames-7)/2 + 1) / 2
}

// Apply returns the cuts that pass the filter, preserving order.
func (f *Filter) Apply(cuts manifest.CutSet) (manifest.CutSet, Report) {
	var report Report
	if !f.Enabled() {
		report.Kept = len(cuts)
		report.KeptHours = cuts.TotalDuration() / 3600
		return cuts, report
	}

	kept := make(manifest.CutSet, 0, len(cuts))
	for _, c := range cuts {
		if reason := f.reject(c, &report); reason != "" {
			f.logger.Debug("excluding cut",
				slog.String("cut_id", c.ID),
				slog.Float64("duration", c.Duration),
				slog.String("reason", reason),
			)
			continue
		}
		kept = append(kept, c)
	}

	report.Kept = len(kept)
	report.KeptHours = kept.TotalDuration() / 3600
	f.logger.Info("length filter applied",
		slog.Int("kept", report.Kept),
		slog.Int("dropped", report.Dropped()),
		slog.Float64("kept_hours", report.KeptHours),
	)
	return kept, report
}

func (f *Filter) reject(c manifest.Cut, report *Report) string {
	if f.minDuration > 0 && c.Duration < f.minDuration {
		report.TooShort++
		return "too short"
	}
	if f.maxDuration > 0 && c.Duration > f.maxDuration {
		report.TooLong++
		return "too long"
	}
	if f.counter == nil {
		return ""
	}

	t := f.SubsampledFrames(c.Duration)
	if t <= 0 {
		report.NoFrames++
		return "no frames after subsampling"
	}
	if tokens := f.counter.CountTokens(c.Text()); tokens > t {
		report.TooMany++
		return "more tokens than frames"
	}
	return ""
}
