package featstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/speechprep/internal/features"
	"github.com/maauso/speechprep/internal/manifest"
)

func testMatrix(frames, dim int, seed float32) features.Matrix {
	m := features.NewMatrix(frames, dim)
	for i := range m.Data {
		m.Data[i] = seed + float32(i)*0.25
	}
	return m
}

func TestWriter_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "spa_feats_train", WithChunkFrames(7))
	require.NoError(t, err)

	a := testMatrix(20, 80, 1)
	b := testMatrix(3, 80, -5)

	refA, err := w.Write(a)
	require.NoError(t, err)
	refB, err := w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, int64(0), refA.Offset)
	assert.Len(t, refA.ChunkSizes, 3)
	assert.Equal(t, 7, refA.ChunkFrames)
	assert.Equal(t, StorageType, refA.StorageType)
	assert.Equal(t, ShardPath(dir, "spa_feats_train", 0), refA.StoragePath)

	sizeA := int64(0)
	for _, n := range refA.ChunkSizes {
		sizeA += int64(n)
	}
	assert.Equal(t, sizeA, refB.Offset)
	assert.Len(t, refB.ChunkSizes, 1)

	r, err := NewReader()
	require.NoError(t, err)
	defer r.Close()

	gotB, err := r.Read(refB)
	require.NoError(t, err)
	assert.Equal(t, b, gotB)

	gotA, err := r.Read(refA)
	require.NoError(t, err)
	assert.Equal(t, a, gotA)
}

func TestWriter_RollsOverShards(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "feats", WithMaxShardBytes(1))
	require.NoError(t, err)

	var shards []int
	for i := 0; i < 3; i++ {
		ref, err := w.Write(testMatrix(4, 8, float32(i)))
		require.NoError(t, err)
		assert.Zero(t, ref.Offset)
		shards = append(shards, ref.Shard)
	}
	require.NoError(t, w.Close())

	assert.Equal(t, []int{0, 1, 2}, shards)
	assert.Equal(t, []string{
		ShardPath(dir, "feats", 0),
		ShardPath(dir, "feats", 1),
		ShardPath(dir, "feats", 2),
	}, w.Paths())
	for _, p := range w.Paths() {
		_, err := os.Stat(p)
		assert.NoError(t, err)
	}
}

func TestWriter_Errors(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "feats")
	require.NoError(t, err)

	_, err = w.Write(features.Matrix{})
	assert.ErrorIs(t, err, ErrEmptyMatrix)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Write(testMatrix(1, 1, 0))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriter_TruncatesExistingShards(t *testing.T) {
	dir := t.TempDir()
	p := ShardPath(dir, "feats", 0)
	require.NoError(t, os.WriteFile(p, make([]byte, 4096), 0o600))

	w, err := NewWriter(dir, "feats")
	require.NoError(t, err)
	ref, err := w.Write(testMatrix(2, 4, 0))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Zero(t, ref.Offset)
	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(4096))
}

func TestReader_Errors(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "feats")
	require.NoError(t, err)
	ref, err := w.Write(testMatrix(5, 4, 0))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader()
	require.NoError(t, err)
	defer r.Close()

	bad := ref
	bad.StorageType = "lilcom"
	_, err = r.Read(bad)
	assert.ErrorIs(t, err, ErrUnsupportedStorage)

	bad = ref
	bad.NumFrames = 4
	_, err = r.Read(bad)
	assert.ErrorIs(t, err, ErrCorrupt)

	bad = ref
	bad.StoragePath = dir + "/missing.zst"
	_, err = r.Read(bad)
	assert.Error(t, err)
}

func TestReader_RejectsBadShape(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "feats")
	require.NoError(t, err)
	ref, err := w.Write(testMatrix(5, 4, 0))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader()
	require.NoError(t, err)
	defer r.Close()

	for name, mutate := range map[string]func(*manifest.FeatureRef){
		"zero features":     func(ref *manifest.FeatureRef) { ref.NumFeatures = 0 },
		"negative features": func(ref *manifest.FeatureRef) { ref.NumFeatures = -4 },
		"negative frames":   func(ref *manifest.FeatureRef) { ref.NumFrames = -1 },
		"negative chunk":    func(ref *manifest.FeatureRef) { ref.ChunkSizes = []int{-1} },
	} {
		t.Run(name, func(t *testing.T) {
			bad := ref
			bad.ChunkSizes = append([]int(nil), ref.ChunkSizes...)
			mutate(&bad)
			_, err := r.Read(bad)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}
