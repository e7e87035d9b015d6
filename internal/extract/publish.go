package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/gzip"

	"github.com/maauso/speechprep/internal/jsonl"
	"github.com/maauso/speechprep/internal/manifest"
	"github.com/maauso/speechprep/internal/storage"
)

// LockFileName is the lock held in the output directory during a run.
const LockFileName = ".speechprep.lock"

// lockDir takes an exclusive, non-blocking lock on dir.
func lockDir(dir string) (func(), error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	lock := flock.New(filepath.Join(dir, LockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOutputLocked, dir)
	}
	return func() { _ = lock.Unlock() }, nil
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrSourceDirNotFound, dir)
	}
	return nil
}

// publish mirrors a finished split to remote storage and returns the
// manifest URL. The uploaded manifest points storage_path at the shard
// URLs; the local manifest keeps the local paths. When a shard upload fails
// the manifest is not uploaded. Upload failures are logged; the local
// output stays valid.
func (o *Orchestrator) publish(ctx context.Context, manifestPath string, cuts manifest.CutSet, shards []string, logger *slog.Logger) string {
	if !o.store.Remote() {
		return ""
	}

	urls := make(map[string]string, len(shards))
	for _, p := range shards {
		url, err := o.store.Publish(ctx, filepath.Base(p), p)
		if err != nil {
			logger.Warn("shard upload failed", slog.String("path", p), slog.String("error", err.Error()))
			return ""
		}
		urls[p] = url
	}

	body, err := encodeRemote(cuts, urls, jsonl.IsGzip(manifestPath))
	if err != nil {
		logger.Warn("manifest encode failed", slog.String("path", manifestPath), slog.String("error", err.Error()))
		return ""
	}
	url, err := o.store.Upload(ctx, filepath.Base(manifestPath), bytes.NewReader(body))
	if err != nil {
		if !errors.Is(err, storage.ErrRemoteNotConfigured) {
			logger.Warn("manifest upload failed", slog.String("path", manifestPath), slog.String("error", err.Error()))
		}
		return ""
	}
	logger.Info("manifest uploaded", slog.String("url", url))
	return url
}

// encodeRemote encodes cuts with each feature storage_path replaced by its
// uploaded URL. cuts is not modified.
func encodeRemote(cuts manifest.CutSet, urls map[string]string, gz bool) ([]byte, error) {
	remote := make(manifest.CutSet, len(cuts))
	for i, c := range cuts {
		if c.Features != nil {
			ref := *c.Features
			url, ok := urls[ref.StoragePath]
			if !ok {
				return nil, fmt.Errorf("cut %s: shard %s was not uploaded", c.ID, ref.StoragePath)
			}
			ref.StoragePath = url
			c.Features = &ref
		}
		remote[i] = c
	}

	var buf bytes.Buffer
	if !gz {
		if err := manifest.Encode(&buf, remote); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	zw := gzip.NewWriter(&buf)
	if err := manifest.Encode(zw, remote); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
