// Package manifest defines the Recording, Supervision and Cut records that
// make up a speech corpus manifest, together with their line-delimited JSON
// serialization and the consistency rules that tie them together.
package manifest

import (
	"fmt"
	"math"
)

// DefaultTolerance is the slack, in seconds, allowed between the end of a
// supervision and the end of its recording or cut.
const DefaultTolerance = 0.001

// Split partitions the corpus.
type Split string

// Known splits, in processing order.
const (
	SplitTrain Split = "train"
	SplitDev   Split = "dev"
	SplitTest  Split = "test"
)

// Splits lists every split in the order the pipeline processes them.
var Splits = []Split{SplitTrain, SplitDev, SplitTest}

// SplitFromLabel maps a source split label to its manifest split.
// "validation" (and its short form "dev") map to SplitDev.
func SplitFromLabel(label string) (Split, bool) {
	switch label {
	case "train":
		return SplitTrain, true
	case "validation", "dev":
		return SplitDev, true
	case "test":
		return SplitTest, true
	default:
		return "", false
	}
}

// IsValid returns true if s is one of the known splits.
func (s Split) IsValid() bool {
	return s == SplitTrain || s == SplitDev || s == SplitTest
}

// AudioSource locates the audio of a recording.
type AudioSource struct {
	Type     string `json:"type"`
	Channels []int  `json:"channels"`
	Source   string `json:"source"`
}

// Transform is a deferred audio transformation applied when the recording
// is loaded. Speed perturbation is the only one the pipeline produces.
type Transform struct {
	Name   string             `json:"name"`
	Kwargs map[string]float64 `json:"kwargs"`
}

// TransformSpeed names the speed perturbation transform.
const TransformSpeed = "Speed"

// Recording describes one audio file.
type Recording struct {
	ID           string        `json:"id"`
	Sources      []AudioSource `json:"sources"`
	SamplingRate int           `json:"sampling_rate"`
	NumSamples   int64         `json:"num_samples"`
	Duration     float64       `json:"duration"`
	ChannelIDs   []int         `json:"channel_ids"`
	Transforms   []Transform   `json:"transforms,omitempty"`
}

// SpeedFactor returns the combined speed factor of all Speed transforms,
// or 1 when the recording is unperturbed.
func (r Recording) SpeedFactor() float64 {
	factor := 1.0
	for _, t := range r.Transforms {
		if t.Name == TransformSpeed {
			if f, ok := t.Kwargs["factor"]; ok && f > 0 {
				factor *= f
			}
		}
	}
	return factor
}

// Source returns the locator of the first audio source.
func (r Recording) Source() (string, error) {
	if len(r.Sources) == 0 {
		return "", fmt.Errorf("recording %s: no audio sources", r.ID)
	}
	return r.Sources[0].Source, nil
}

// NumSamplesFor returns round(duration × rate).
func NumSamplesFor(duration float64, rate int) int64 {
	return int64(math.Round(duration * float64(rate)))
}

// Supervision is a timed transcript segment anchored to a recording.
// Start is relative to the recording (or to the cut, once inside one).
type Supervision struct {
	ID          string  `json:"id"`
	RecordingID string  `json:"recording_id"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     int     `json:"channel"`
	Text        string  `json:"text"`
	Language    string  `json:"language"`
	Speaker     string  `json:"speaker"`
}

// End returns the end offset of the supervision.
func (s Supervision) End() float64 {
	return s.Start + s.Duration
}

// FeatureRef points at a feature matrix stored in a shard file.
type FeatureRef struct {
	Type         string  `json:"type"`
	NumFrames    int     `json:"num_frames"`
	NumFeatures  int     `json:"num_features"`
	FrameShift   float64 `json:"frame_shift"`
	SamplingRate int     `json:"sampling_rate"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	StorageType  string  `json:"storage_type"`
	StoragePath  string  `json:"storage_path"`
	Shard        int     `json:"shard"`
	Offset       int64   `json:"offset"`
	ChunkFrames  int     `json:"chunk_frames"`
	ChunkSizes   []int   `json:"chunk_sizes"`
}

// CutType is the type tag written for every cut.
const CutType = "MonoCut"

// Cut is a time window over one recording plus the supervisions inside it.
type Cut struct {
	ID           string        `json:"id"`
	Start        float64       `json:"start"`
	Duration     float64       `json:"duration"`
	Channel      int           `json:"channel"`
	Supervisions []Supervision `json:"supervisions"`
	Features     *FeatureRef   `json:"features,omitempty"`
	Recording    Recording     `json:"recording"`
	Type         string        `json:"type"`
}

// End returns the end offset of the cut within its recording.
func (c Cut) End() float64 {
	return c.Start + c.Duration
}

// CheckTiming returns an error if any supervision falls outside the cut
// beyond tol.
func (c Cut) CheckTiming(tol float64) error {
	for _, s := range c.Supervisions {
		if s.Start < -tol || s.End() > c.Duration+tol {
			return fmt.Errorf("cut %s: supervision %s [%.3f, %.3f] outside [0, %.3f]",
				c.ID, s.ID, s.Start, s.End(), c.Duration)
		}
	}
	return nil
}

// Text joins the transcripts of all supervisions with a single space.
func (c Cut) Text() string {
	switch len(c.Supervisions) {
	case 0:
		return ""
	case 1:
		return c.Supervisions[0].Text
	}
	out := c.Supervisions[0].Text
	for _, s := range c.Supervisions[1:] {
		out += " " + s.Text
	}
	return out
}

// CutSet is an ordered collection of cuts.
type CutSet []Cut

// IDs returns the cut ids in order.
func (cs CutSet) IDs() []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
	}
	return ids
}

// TotalDuration returns the summed duration of all cuts in seconds.
func (cs CutSet) TotalDuration() float64 {
	var total float64
	for _, c := range cs {
		total += c.Duration
	}
	return total
}
