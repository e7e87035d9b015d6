// Package corpus reads the tabular index of a speech corpus: one row per
// audio file with its transcript, split label and timing.
package corpus

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/speechprep/internal/manifest"
)

// Defaults applied to missing fields.
const (
	DefaultSampleRate = 16000
	UnknownSpeaker    = "unknown"
)

// Column names of the tabular source.
const (
	ColAudioPath  = "audio_path"
	ColText       = "text"
	ColSplit      = "split"
	ColDuration   = "duration"
	ColSpeaker    = "speaker"
	ColStartTime  = "start_time"
	ColSampleRate = "sample_rate"
	ColNumSamples = "num_samples"
)

// requiredColumns must be present in the header row.
var requiredColumns = []string{ColAudioPath, ColText, ColSplit, ColDuration, ColSpeaker, ColStartTime}

// Static errors for corpus reading.
var (
	// ErrMissingColumn is returned when the header lacks a required column.
	ErrMissingColumn = errors.New("corpus: missing required column")
	// ErrEmptySource is returned when the source has no header row.
	ErrEmptySource = errors.New("corpus: empty source")
	// ErrNotFinite is returned for numeric fields holding inf or nan.
	ErrNotFinite = errors.New("corpus: value is not a finite number")
)

// Row is one validated entry of the tabular source.
type Row struct {
	// ID is derived from AudioPath; see RecordingID.
	ID         string         `validate:"required"`
	AudioPath  string         `validate:"required"`
	Text       string         `validate:"required"`
	Split      manifest.Split `validate:"required,oneof=train dev test"`
	Duration   float64        `validate:"gte=0"`
	Speaker    string         `validate:"required"`
	Start      float64        `validate:"gte=0"`
	SampleRate int            `validate:"gt=0"`
	NumSamples int64          `validate:"gte=0"`
	// Line is the 1-based line number of the row in the source.
	Line int
}

// Stats counts how rows were handled.
type Stats struct {
	Rows         int
	Accepted     int
	UnknownSplit int
	Malformed    int
}

// Skipped returns the number of rows that were not accepted.
func (s Stats) Skipped() int {
	return s.UnknownSplit + s.Malformed
}

// RecordingID derives a stable id from an audio path: the extension is
// removed and path separators become underscores, so "a/b.wav" yields "a_b".
func RecordingID(audioPath string) string {
	p := strings.ReplaceAll(strings.TrimSpace(audioPath), "\\", "/")
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if ext := path.Ext(p); ext != "" {
		p = strings.TrimSuffix(p, ext)
	}
	return strings.ReplaceAll(p, "/", "_")
}

// Reader parses rows from a comma-delimited source with a header row.
type Reader struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewReader creates a Reader. A nil logger falls back to slog.Default().
func NewReader(logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		validate: validator.New(),
		logger:   logger,
	}
}

// ReadFile reads every row of the source at path.
func (r *Reader) ReadFile(p string) ([]Row, Stats, error) {
	f, err := os.Open(p) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return nil, Stats{}, fmt.Errorf("open corpus: %w", err)
	}
	defer func() { _ = f.Close() }()

	return r.Read(f)
}

// Read parses rows from src. Malformed rows and rows with unknown split
// labels are skipped with a warning; only header problems and I/O errors
// are returned.
func (r *Reader) Read(src io.Reader) ([]Row, Stats, error) {
	var stats Stats

	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, stats, ErrEmptySource
	}
	if err != nil {
		return nil, stats, fmt.Errorf("read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, stats, fmt.Errorf("%w: %s", ErrMissingColumn, c)
		}
	}

	var rows []Row
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				stats.Rows++
				stats.Malformed++
				r.logger.Warn("skipping unparseable row",
					slog.Int("line", perr.Line),
					slog.String("error", err.Error()),
				)
				continue
			}
			return nil, stats, fmt.Errorf("read row: %w", err)
		}
		stats.Rows++
		line, _ := cr.FieldPos(0)

		row, err := r.parseRecord(record, cols, line)
		if err != nil {
			if errors.Is(err, errUnknownSplit) {
				stats.UnknownSplit++
			} else {
				stats.Malformed++
			}
			r.logger.Warn("skipping row",
				slog.Int("line", line),
				slog.String("error", err.Error()),
			)
			continue
		}

		stats.Accepted++
		rows = append(rows, row)
	}

	return rows, stats, nil
}

var errUnknownSplit = errors.New("unknown split label")

func (r *Reader) parseRecord(record []string, cols map[string]int, line int) (Row, error) {
	field := func(name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return "", false
		}
		return strings.TrimSpace(record[i]), true
	}

	for _, c := range requiredColumns {
		if _, ok := field(c); !ok {
			return Row{}, fmt.Errorf("missing field %q", c)
		}
	}

	audioPath, _ := field(ColAudioPath)
	text, _ := field(ColText)
	label, _ := field(ColSplit)

	split, ok := manifest.SplitFromLabel(label)
	if !ok {
		return Row{}, fmt.Errorf("%w %q", errUnknownSplit, label)
	}

	duration, err := parseFloat(field(ColDuration))
	if err != nil {
		return Row{}, fmt.Errorf("field %q: %w", ColDuration, err)
	}
	start, err := parseFloat(field(ColStartTime))
	if err != nil {
		return Row{}, fmt.Errorf("field %q: %w", ColStartTime, err)
	}

	speaker, _ := field(ColSpeaker)
	if speaker == "" {
		speaker = UnknownSpeaker
	}

	rate := DefaultSampleRate
	if v, ok := field(ColSampleRate); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Row{}, fmt.Errorf("field %q: %w", ColSampleRate, err)
		}
		rate = n
	}

	var samples int64
	if v, ok := field(ColNumSamples); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Row{}, fmt.Errorf("field %q: %w", ColNumSamples, err)
		}
		samples = n
	}

	// Duration and sample count determine each other.
	switch {
	case samples == 0 && duration > 0:
		samples = manifest.NumSamplesFor(duration, rate)
	case duration == 0 && samples > 0 && rate > 0:
		duration = float64(samples) / float64(rate)
	}

	row := Row{
		ID:         RecordingID(audioPath),
		AudioPath:  audioPath,
		Text:       text,
		Split:      split,
		Duration:   duration,
		Speaker:    speaker,
		Start:      start,
		SampleRate: rate,
		NumSamples: samples,
		Line:       line,
	}
	if err := r.validate.Struct(row); err != nil {
		return Row{}, fmt.Errorf("invalid row: %w", err)
	}
	return row, nil
}

// parseFloat parses an optional numeric field; empty means 0.
func parseFloat(v string, _ bool) (float64, error) {
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("%w: %q", ErrNotFinite, v)
	}
	return f, nil
}
