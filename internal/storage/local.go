package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ErrRemoteNotConfigured is returned when uploads are attempted without a
// remote store.
var ErrRemoteNotConfigured = errors.New("remote storage is not configured")

// LocalStorage implements the Storage interface using local disk only.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a new LocalStorage rooted at root.
// The directory is created if it doesn't exist.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		root = "."
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &LocalStorage{root: root}, nil
}

// Root returns the output directory.
func (s *LocalStorage) Root() string {
	return s.root
}

// Glob lists files under the root matching pattern, sorted by name.
func (s *LocalStorage) Glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Cleanup removes the specified files.
// It continues cleanup even if some files fail to delete,
// returning the first error encountered.
func (s *LocalStorage) Cleanup(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// Upload is not supported by LocalStorage and returns ErrRemoteNotConfigured.
func (s *LocalStorage) Upload(_ context.Context, _ string, _ io.Reader) (string, error) {
	return "", ErrRemoteNotConfigured
}

// Publish is not supported by LocalStorage and returns ErrRemoteNotConfigured.
func (s *LocalStorage) Publish(_ context.Context, _, _ string) (string, error) {
	return "", ErrRemoteNotConfigured
}

// Remote implements Storage.
func (s *LocalStorage) Remote() bool { return false }

var _ Storage = (*LocalStorage)(nil)
