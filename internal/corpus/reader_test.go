package corpus

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/speechprep/internal/manifest"
)

const header = "audio_path,text,split,duration,speaker,start_time\n"

func newTestReader() *Reader {
	return NewReader(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRecordingID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a/b.wav", "a_b"},
		{"b.wav", "b"},
		{"dir\\sub\\c.flac", "dir_sub_c"},
		{"./x/y.tar.wav", "x_y.tar"},
		{"noext", "noext"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, RecordingID(tt.in))
		})
	}
}

func TestRead_Defaults(t *testing.T) {
	src := header +
		"a/b.wav,hola,train,2.0,,\n" +
		"c.wav,adios,validation,1.5,spk1,0.25\n"

	rows, stats, err := newTestReader().Read(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, "a_b", first.ID)
	assert.Equal(t, "a/b.wav", first.AudioPath)
	assert.Equal(t, "hola", first.Text)
	assert.Equal(t, manifest.SplitTrain, first.Split)
	assert.Equal(t, 2.0, first.Duration)
	assert.Equal(t, UnknownSpeaker, first.Speaker)
	assert.Equal(t, 0.0, first.Start)
	assert.Equal(t, DefaultSampleRate, first.SampleRate)
	assert.Equal(t, int64(32000), first.NumSamples)
	assert.Equal(t, 2, first.Line)

	second := rows[1]
	assert.Equal(t, manifest.SplitDev, second.Split)
	assert.Equal(t, "spk1", second.Speaker)
	assert.Equal(t, 0.25, second.Start)

	assert.Equal(t, Stats{Rows: 2, Accepted: 2}, stats)
}

func TestRead_OptionalColumns(t *testing.T) {
	src := "audio_path,text,split,duration,speaker,start_time,sample_rate,num_samples\n" +
		"a.wav,uno,test,,s,,8000,16000\n" +
		"b.wav,dos,test,1.0,s,,22050,\n"

	rows, _, err := newTestReader().Read(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 8000, rows[0].SampleRate)
	assert.Equal(t, int64(16000), rows[0].NumSamples)
	assert.InDelta(t, 2.0, rows[0].Duration, 1e-12)

	assert.Equal(t, 22050, rows[1].SampleRate)
	assert.Equal(t, int64(22050), rows[1].NumSamples)
}

func TestRead_SkipsBadRows(t *testing.T) {
	src := header +
		"ok.wav,bien,train,1.0,,\n" +
		"eval.wav,mal,eval,1.0,,\n" +
		"num.wav,mal,train,abc,,\n" +
		"short.wav,mal\n" +
		"neg.wav,mal,train,-1,,\n" +
		"notext.wav,,train,1.0,,\n" +
		"ok2.wav,bien,test,1.0,,\n"

	rows, stats, err := newTestReader().Read(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ok", rows[0].ID)
	assert.Equal(t, "ok2", rows[1].ID)

	assert.Equal(t, 7, stats.Rows)
	assert.Equal(t, 2, stats.Accepted)
	assert.Equal(t, 1, stats.UnknownSplit)
	assert.Equal(t, 4, stats.Malformed)
	assert.Equal(t, 5, stats.Skipped())
}

func TestRead_RejectsNonFiniteNumbers(t *testing.T) {
	src := "audio_path,text,split,duration,speaker,start_time,sample_rate,num_samples\n" +
		"a/ok.wav,hola,train,2.0,,,16000,32000\n" +
		"a/inf.wav,adios,train,inf,,,16000,32000\n" +
		"a/nan.wav,adios,train,NaN,,,16000,32000\n" +
		"a/start.wav,adios,train,1.0,,+Inf,16000,16000\n"

	rows, stats, err := newTestReader().Read(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a_ok", rows[0].ID)
	assert.Equal(t, 1, stats.Accepted)
	assert.Equal(t, 3, stats.Malformed)

	_, err = parseFloat("-inf", true)
	assert.ErrorIs(t, err, ErrNotFinite)
}

func TestRead_UnparseableLineIsSkipped(t *testing.T) {
	src := header +
		"a.wav,uno,train,1.0,,\n" +
		"b.wav,do\"s,train,1.0,,\n" +
		"c.wav,tres,train,1.0,,\n"

	rows, stats, err := newTestReader().Read(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].ID)
	assert.Equal(t, "c", rows[1].ID)
	assert.Equal(t, 1, stats.Malformed)
}

func TestRead_MissingColumn(t *testing.T) {
	_, _, err := newTestReader().Read(strings.NewReader("audio_path,text,split\n"))
	require.ErrorIs(t, err, ErrMissingColumn)
	assert.Contains(t, err.Error(), ColDuration)
}

func TestRead_Empty(t *testing.T) {
	_, _, err := newTestReader().Read(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptySource)
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.csv")
	require.NoError(t, os.WriteFile(path, []byte(header+"a.wav,uno,train,1.0,,\n"), 0o600))

	rows, _, err := newTestReader().ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, _, err = newTestReader().ReadFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
