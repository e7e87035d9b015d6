package extract

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/speechprep/internal/features"
	"github.com/maauso/speechprep/internal/manifest"
	"github.com/maauso/speechprep/internal/storage"
)

// remoteStore writes locally and records uploads in memory.
type remoteStore struct {
	*storage.LocalStorage

	failShards bool

	mu        sync.Mutex
	published []string
	uploads   map[string][]byte
}

func (s *remoteStore) url(key string) string {
	return "https://bucket.s3.eu-west-1.amazonaws.com/feats/" + key
}

func (s *remoteStore) Upload(_ context.Context, key string, data io.Reader) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[key] = b
	return s.url(key), nil
}

func (s *remoteStore) Publish(_ context.Context, key, _ string) (string, error) {
	if s.failShards && strings.HasSuffix(key, ".zst") {
		return "", errors.New("connection reset")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, key)
	return s.url(key), nil
}

func (s *remoteStore) Remote() bool { return true }

func newRemoteOrchestrator(t *testing.T, f *fixture, store *remoteStore) *Orchestrator {
	t.Helper()
	fbank, err := features.NewFbank(features.DefaultConfig())
	require.NoError(t, err)
	return NewOrchestrator(Config{SourceDir: f.srcDir, Workers: 2}, store, f.loader, fbank, WithLogger(discardLogger()))
}

func TestRun_RemoteManifestUsesShardURLs(t *testing.T) {
	f := newFixture(t, map[manifest.Split]manifest.CutSet{
		manifest.SplitDev: {makeCut("a", 1.0), makeCut("b", 0.5)},
	})
	store := &remoteStore{LocalStorage: f.store, uploads: map[string][]byte{}}
	o := newRemoteOrchestrator(t, f, store)

	reports, err := o.Run(context.Background(), []manifest.Split{manifest.SplitDev})
	require.NoError(t, err)
	require.Len(t, reports, 1)

	name := filepath.Base(reports[0].ManifestPath)
	assert.Equal(t, store.url(name), reports[0].ManifestURL)
	require.Contains(t, store.uploads, name)

	remote, err := manifest.Decode(mustGunzip(t, store.uploads[name]))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, remote.IDs())
	for _, c := range remote {
		require.NotNil(t, c.Features, c.ID)
		assert.True(t, strings.HasPrefix(c.Features.StoragePath, "https://bucket.s3."), c.Features.StoragePath)
		assert.Contains(t, store.published, strings.TrimPrefix(c.Features.StoragePath, store.url("")))
	}

	// The local manifest still points at files on disk.
	for _, c := range f.output(t, manifest.SplitDev) {
		require.NotNil(t, c.Features, c.ID)
		assert.Equal(t, store.Root(), filepath.Dir(c.Features.StoragePath))
	}
}

func TestRun_ShardUploadFailureSkipsManifest(t *testing.T) {
	f := newFixture(t, map[manifest.Split]manifest.CutSet{
		manifest.SplitDev: {makeCut("a", 1.0)},
	})
	store := &remoteStore{LocalStorage: f.store, uploads: map[string][]byte{}, failShards: true}
	o := newRemoteOrchestrator(t, f, store)

	reports, err := o.Run(context.Background(), []manifest.Split{manifest.SplitDev})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Empty(t, reports[0].ManifestURL)
	assert.Empty(t, store.uploads)
	assert.Len(t, f.output(t, manifest.SplitDev), 1)
}

func TestEncodeRemote_MissingShard(t *testing.T) {
	cuts := manifest.CutSet{makeCut("a", 1.0)}
	cuts[0].Features = &manifest.FeatureRef{StoragePath: "/fbank/feats.000.zst"}

	_, err := encodeRemote(cuts, map[string]string{}, false)
	require.Error(t, err)

	body, err := encodeRemote(cuts, map[string]string{"/fbank/feats.000.zst": "s3://b/feats.000.zst"}, false)
	require.NoError(t, err)
	decoded, err := manifest.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "s3://b/feats.000.zst", decoded[0].Features.StoragePath)
	assert.Equal(t, "/fbank/feats.000.zst", cuts[0].Features.StoragePath)
}

func mustGunzip(t *testing.T, b []byte) io.Reader {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	return bytes.NewReader(out)
}
