package lengthfilter

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/speechprep/internal/manifest"
)

// wordCounter counts whitespace-separated words.
type wordCounter struct{}

func (wordCounter) CountTokens(text string) int { return len(strings.Fields(text)) }

func cut(id string, duration float64, text string) manifest.Cut {
	return manifest.Cut{
		ID:           id,
		Duration:     duration,
		Supervisions: []manifest.Supervision{{ID: id, Duration: duration, Text: text}},
	}
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSubsampledFrames(t *testing.T) {
	f := New(nil)
	assert.Equal(t, 23, f.SubsampledFrames(1.0)) // 100 frames
	assert.Equal(t, 48, f.SubsampledFrames(2.0)) // 200 frames
	assert.Equal(t, 1, f.SubsampledFrames(0.1))  // 10 frames
	assert.Equal(t, 0, f.SubsampledFrames(0.07)) // 7 frames
	assert.Negative(t, f.SubsampledFrames(0.001))
}

func TestApply_NoCounterIsIdentity(t *testing.T) {
	cuts := manifest.CutSet{cut("a", 0.01, "muchas palabras aqui"), cut("b", 1, "")}

	f := New(nil, quiet())
	assert.False(t, f.Enabled())

	got, report := f.Apply(cuts)
	assert.Equal(t, cuts, got)
	assert.Equal(t, 2, report.Kept)
	assert.Zero(t, report.Dropped())
}

func TestApply_NilFilter(t *testing.T) {
	var f *Filter
	assert.False(t, f.Enabled())
}

func TestApply_TokenLimit(t *testing.T) {
	cuts := manifest.CutSet{
		cut("fits", 1.0, "hola que tal"),
		cut("crowded", 0.2, "uno dos tres cuatro"),
		cut("tiny", 0.05, "a"),
		cut("also-fits", 2.0, "buenos dias"),
	}

	got, report := New(wordCounter{}, quiet()).Apply(cuts)
	assert.Equal(t, []string{"fits", "also-fits"}, got.IDs())
	assert.Equal(t, 1, report.TooMany)
	assert.Equal(t, 1, report.NoFrames)
	assert.Equal(t, 2, report.Dropped())
	assert.InDelta(t, 3.0/3600, report.KeptHours, 1e-12)
}

func TestApply_DurationBounds(t *testing.T) {
	cuts := manifest.CutSet{cut("short", 0.5, "x"), cut("ok", 5, "x"), cut("long", 40, "x")}

	f := New(nil, WithDurationBounds(1, 30), quiet())
	require.True(t, f.Enabled())

	got, report := f.Apply(cuts)
	assert.Equal(t, []string{"ok"}, got.IDs())
	assert.Equal(t, 1, report.TooShort)
	assert.Equal(t, 1, report.TooLong)
}

func TestLoadSentencePiece_Missing(t *testing.T) {
	_, err := LoadSentencePiece(filepath.Join(t.TempDir(), "bpe.model"))
	assert.ErrorIs(t, err, ErrTokenizerUnavailable)
}
