package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/speechprep/internal/audio"
	"github.com/maauso/speechprep/internal/featstore"
	"github.com/maauso/speechprep/internal/features"
	"github.com/maauso/speechprep/internal/job"
	"github.com/maauso/speechprep/internal/lengthfilter"
	"github.com/maauso/speechprep/internal/manifest"
	"github.com/maauso/speechprep/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLoader synthesizes a tone of the recording's duration. Sources
// listed in fail error out; sources in stall block until cancelled.
type fakeLoader struct {
	durations map[string]float64
	fail      map[string]bool
	stall     map[string]bool

	mu     sync.Mutex
	speeds []float64
}

func (f *fakeLoader) Load(ctx context.Context, src string, opts audio.LoadOpts) ([]float32, error) {
	base := filepath.Base(src)
	f.mu.Lock()
	f.speeds = append(f.speeds, opts.Speed)
	f.mu.Unlock()

	if f.fail[base] {
		return nil, errors.New("decode failed")
	}
	if f.stall[base] {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	d, ok := f.durations[base]
	if !ok {
		d = 1.0
	}
	speed := opts.Speed
	if speed == 0 {
		speed = 1
	}
	n := int(d * float64(opts.SampleRate) / speed)
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/float64(opts.SampleRate)))
	}
	return out, nil
}

func makeCut(id string, dur float64) manifest.Cut {
	rec := manifest.Recording{
		ID:           id,
		Sources:      []manifest.AudioSource{{Type: "file", Channels: []int{0}, Source: "/audio/" + id + ".wav"}},
		SamplingRate: 16000,
		NumSamples:   manifest.NumSamplesFor(dur, 16000),
		Duration:     dur,
		ChannelIDs:   []int{0},
	}
	return manifest.Cut{
		ID:       id,
		Duration: dur,
		Supervisions: []manifest.Supervision{{
			ID: id, RecordingID: id, Duration: dur, Text: "hola " + id, Language: "Spanish", Speaker: "unknown",
		}},
		Recording: rec,
		Type:      manifest.CutType,
	}
}

type fixture struct {
	srcDir string
	store  *storage.LocalStorage
	loader *fakeLoader
}

func newFixture(t *testing.T, splits map[manifest.Split]manifest.CutSet) *fixture {
	t.Helper()
	src := t.TempDir()
	for split, cuts := range splits {
		require.NoError(t, manifest.WriteFile(manifest.Path(src, DefaultManifestPrefix, split), cuts))
	}
	store, err := storage.NewLocalStorage(filepath.Join(t.TempDir(), "fbank"))
	require.NoError(t, err)
	return &fixture{
		srcDir: src,
		store:  store,
		loader: &fakeLoader{fail: map[string]bool{}, stall: map[string]bool{}},
	}
}

func (f *fixture) orchestrator(t *testing.T, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	fbank, err := features.NewFbank(features.DefaultConfig())
	require.NoError(t, err)
	cfg.SourceDir = f.srcDir
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return NewOrchestrator(cfg, f.store, f.loader, fbank, opts...)
}

func (f *fixture) output(t *testing.T, split manifest.Split) manifest.CutSet {
	t.Helper()
	cuts, err := manifest.ReadFile(manifest.Path(f.store.Root(), DefaultManifestPrefix, split))
	require.NoError(t, err)
	return cuts
}

func TestDefaultWorkers(t *testing.T) {
	assert.Equal(t, RemoteWorkers, DefaultWorkers(true))
	local := DefaultWorkers(false)
	assert.GreaterOrEqual(t, local, 1)
	assert.LessOrEqual(t, local, LocalWorkerCap)
}

func TestRun_TrainIsPerturbedOthersAreNot(t *testing.T) {
	f := newFixture(t, map[manifest.Split]manifest.CutSet{
		manifest.SplitTrain: {makeCut("a_b", 2.0)},
		manifest.SplitDev:   {makeCut("c_d", 1.5)},
	})
	o := f.orchestrator(t, Config{PerturbSpeed: true})

	reports, err := o.Run(context.Background(), manifest.Splits)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	train := f.output(t, manifest.SplitTrain)
	require.Len(t, train, 3)
	assert.Equal(t, []string{"a_b", "a_b_sp0.9", "a_b_sp1.1"}, train.IDs())
	assert.InDelta(t, 2.0, train[0].Duration, 1e-9)
	assert.InDelta(t, 2.0/0.9, train[1].Duration, 1e-9)
	assert.InDelta(t, 2.0/1.1, train[2].Duration, 1e-9)

	dev := f.output(t, manifest.SplitDev)
	assert.Equal(t, []string{"c_d"}, dev.IDs())

	assert.Equal(t, job.StatusCompleted, reports[0].Status)
	assert.Equal(t, 3, reports[0].Completed)
	assert.Equal(t, job.StatusCompleted, reports[1].Status)
	// The test split has no input manifest.
	assert.Equal(t, job.StatusSkipped, reports[2].Status)
	assert.Equal(t, "input missing", reports[2].Reason)
}

func TestRun_FeatureReferencesAreReadable(t *testing.T) {
	f := newFixture(t, map[manifest.Split]manifest.CutSet{
		manifest.SplitTrain: {makeCut("x", 1.0), makeCut("y", 0.5)},
	})
	o := f.orchestrator(t, Config{PerturbSpeed: false, ChunkFrames: 16})

	_, err := o.Run(context.Background(), []manifest.Split{manifest.SplitTrain})
	require.NoError(t, err)

	cuts := f.output(t, manifest.SplitTrain)
	require.Len(t, cuts, 2)

	reader, err := featstore.NewReader()
	require.NoError(t, err)
	defer reader.Close()

	for _, c := range cuts {
		require.NotNil(t, c.Features, c.ID)
		ref := *c.Features
		assert.Equal(t, features.TypeFbank, ref.Type)
		assert.Equal(t, 80, ref.NumFeatures)
		assert.Equal(t, 0.01, ref.FrameShift)
		assert.Equal(t, 16000, ref.SamplingRate)
		assert.Equal(t, c.Duration, ref.Duration)
		assert.Equal(t, filepath.Join(f.store.Root(), "spa_feats_train.000.zst"), ref.StoragePath)

		m, err := reader.Read(ref)
		require.NoError(t, err)
		assert.Equal(t, ref.NumFrames, m.NumFrames)
	}
	assert.Equal(t, 100, cuts[0].Features.NumFrames)
	assert.Equal(t, 50, cuts[1].Features.NumFrames)
	assert.NotEqual(t, cuts[0].Features.Offset, cuts[1].Features.Offset)
}

func TestRun_IdempotentRerun(t *testing.T) {
	f := newFixture(t, map[manifest.Split]manifest.CutSet{
		manifest.SplitTrain: {makeCut("a", 1.0), makeCut("b", 1.0)},
	})
	splits := []manifest.Split{manifest.SplitTrain}

	_, err := f.orchestrator(t, Config{PerturbSpeed: true}).Run(context.Background(), splits)
	require.NoError(t, err)

	manifestPath := manifest.Path(f.store.Root(), DefaultManifestPrefix, manifest.SplitTrain)
	shardPath := featstore.ShardPath(f.store.Root(), "spa_feats_train", 0)
	manifestBefore, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	shardBefore, err := os.ReadFile(shardPath)
	require.NoError(t, err)
	calls := len(f.loader.speeds)

	reports, err := f.orchestrator(t, Config{PerturbSpeed: true}).Run(context.Background(), splits)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, job.StatusSkipped, reports[0].Status)
	assert.Equal(t, "output exists", reports[0].Reason)
	assert.Equal(t, calls, len(f.loader.speeds), "second run must not load audio")

	manifestAfter, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	shardAfter, err := os.ReadFile(shardPath)
	require.NoError(t, err)
	assert.Equal(t, manifestBefore, manifestAfter)
	assert.Equal(t, shardBefore, shardAfter)
}

func TestProcessSplit_FailureIsolation(t *testing.T) {
	f := newFixture(t, map[manifest.Split]manifest.CutSet{
		manifest.SplitTest: {makeCut("good1", 1.0), makeCut("bad", 1.0), makeCut("good2", 1.0)},
	})
	f.loader.fail["bad.wav"] = true
	o := f.orchestrator(t, Config{})

	report, err := o.ProcessSplit(context.Background(), manifest.SplitTest)
	require.NoError(t, err)

	assert.Equal(t, job.StatusCompleted, report.Status)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "bad", report.Failures[0].CutID)
	assert.Contains(t, report.Failures[0].Error, "decode failed")

	cuts := f.output(t, manifest.SplitTest)
	assert.Equal(t, []string{"good1", "good2"}, cuts.IDs())
	for _, c := range cuts {
		assert.NotNil(t, c.Features)
	}
}

func TestProcessSplit_TooShortCutIsExcluded(t *testing.T) {
	f := newFixture(t, map[manifest.Split]manifest.CutSet{
		manifest.SplitDev: {makeCut("tiny", 0.01), makeCut("ok", 1.0)},
	})
	f.loader.durations = map[string]float64{"tiny.wav": 0.01}

	report, err := f.orchestrator(t, Config{}).ProcessSplit(context.Background(), manifest.SplitDev)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"ok"}, f.output(t, manifest.SplitDev).IDs())
}

func TestProcessSplit_CutTimeout(t *testing.T) {
	f := newFixture(t, map[manifest.Split]manifest.CutSet{
		manifest.SplitTest: {makeCut("slow", 1.0), makeCut("fast", 1.0)},
	})
	f.loader.stall["slow.wav"] = true
	o := f.orchestrator(t, Config{CutTimeout: 50 * time.Millisecond})

	report, err := o.ProcessSplit(context.Background(), manifest.SplitTest)
	require.NoError(t, err)

	assert.Equal(t, 1, report.TimedOut)
	assert.Equal(t, 1, report.Completed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, job.TaskTimedOut, report.Failures[0].Status)
	assert.Equal(t, []string{"fast"}, f.output(t, manifest.SplitTest).IDs())
}

func TestProcessSplit_LengthFilter(t *testing.T) {
	f := newFixture(t, map[manifest.Split]manifest.CutSet{
		manifest.SplitTrain: {makeCut("short", 0.3), makeCut("long", 1.0)},
	})
	filter := lengthfilter.New(nil, lengthfilter.WithDurationBounds(0.5, 0), lengthfilter.WithLogger(discardLogger()))
	o := f.orchestrator(t, Config{PerturbSpeed: true}, WithFilter(filter))

	report, err := o.ProcessSplit(context.Background(), manifest.SplitTrain)
	require.NoError(t, err)

	assert.Equal(t, 2, report.InputCuts)
	assert.Equal(t, 1, report.Filter.TooShort)
	assert.Equal(t, 3, report.Cuts)
	assert.Equal(t, []string{"long", "long_sp0.9", "long_sp1.1"}, f.output(t, manifest.SplitTrain).IDs())
}

func TestProcessSplit_PerturbedAudioIsLoadedAtSpeed(t *testing.T) {
	f := newFixture(t, map[manifest.Split]manifest.CutSet{
		manifest.SplitTrain: {makeCut("a", 1.0)},
	})
	o := f.orchestrator(t, Config{PerturbSpeed: true, Workers: 1})

	report, err := o.ProcessSplit(context.Background(), manifest.SplitTrain)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Completed)

	assert.ElementsMatch(t, []float64{1, 0.9, 1.1}, f.loader.speeds)
	cuts := f.output(t, manifest.SplitTrain)
	assert.Equal(t, 100, cuts[0].Features.NumFrames)
	assert.Equal(t, 111, cuts[1].Features.NumFrames)
	assert.Equal(t, 91, cuts[2].Features.NumFrames)
}

func TestProcessSplit_RemovesStaleShards(t *testing.T) {
	f := newFixture(t, map[manifest.Split]manifest.CutSet{
		manifest.SplitDev: {makeCut("a", 1.0)},
	})
	stale := featstore.ShardPath(f.store.Root(), "spa_feats_dev", 7)
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o600))

	report, err := f.orchestrator(t, Config{}).ProcessSplit(context.Background(), manifest.SplitDev)
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []string{featstore.ShardPath(f.store.Root(), "spa_feats_dev", 0)}, report.Shards)
}

func TestRun_CancelledWritesNoManifest(t *testing.T) {
	f := newFixture(t, map[manifest.Split]manifest.CutSet{
		manifest.SplitTrain: {makeCut("a", 1.0), makeCut("b", 1.0)},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reports, err := f.orchestrator(t, Config{}).Run(ctx, []manifest.Split{manifest.SplitTrain})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, reports, 1)
	assert.Equal(t, job.StatusCancelled, reports[0].Status)

	exists, err := manifest.Exists(manifest.Path(f.store.Root(), DefaultManifestPrefix, manifest.SplitTrain))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRun_SourceDirMissing(t *testing.T) {
	f := newFixture(t, nil)
	f.srcDir = filepath.Join(f.srcDir, "missing")

	_, err := f.orchestrator(t, Config{}).Run(context.Background(), manifest.Splits)
	assert.ErrorIs(t, err, ErrSourceDirNotFound)
}

func TestRun_OutputLocked(t *testing.T) {
	f := newFixture(t, nil)
	lock := flock.New(filepath.Join(f.store.Root(), LockFileName))
	ok, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = lock.Unlock() }()

	_, err = f.orchestrator(t, Config{}).Run(context.Background(), manifest.Splits)
	assert.ErrorIs(t, err, ErrOutputLocked)
}

func TestRun_RecordsJobs(t *testing.T) {
	f := newFixture(t, map[manifest.Split]manifest.CutSet{
		manifest.SplitDev: {makeCut("a", 1.0)},
	})
	repo := job.NewMemoryRepository()
	o := f.orchestrator(t, Config{}, WithRepository(repo))

	_, err := o.Run(context.Background(), []manifest.Split{manifest.SplitDev, manifest.SplitTest})
	require.NoError(t, err)

	jobs, err := o.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, job.StatusCompleted, jobs[0].Status)
	assert.Equal(t, 100, jobs[0].Progress)
	assert.Equal(t, job.StatusSkipped, jobs[1].Status)
}

func TestWindow(t *testing.T) {
	samples := make([]float32, 100)
	for i := range samples {
		samples[i] = float32(i)
	}

	assert.Len(t, window(samples, 10, 0, 10), 100)
	got := window(samples, 10, 2, 3)
	require.Len(t, got, 30)
	assert.Equal(t, float32(20), got[0])
	assert.Len(t, window(samples, 10, 9, 5), 10)
	assert.Empty(t, window(samples, 10, 20, 1))
}
