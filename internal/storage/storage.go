// Package storage publishes pipeline outputs. LocalStorage manages files
// on disk; S3Storage additionally mirrors finished manifests and feature
// shards to an S3-compatible bucket.
package storage

import (
	"context"
	"io"
)

// Storage defines the interface for output file management.
type Storage interface {
	// Cleanup removes the specified files.
	// It continues cleanup even if some files fail to delete.
	Cleanup(ctx context.Context, paths []string) error

	// Upload stores data under key and returns its URL.
	// Returns ErrRemoteNotConfigured if no remote store is configured.
	Upload(ctx context.Context, key string, data io.Reader) (url string, err error)

	// Publish uploads the local file at path under key.
	// Returns ErrRemoteNotConfigured if no remote store is configured.
	Publish(ctx context.Context, key, path string) (url string, err error)

	// Remote reports whether Upload and Publish are available.
	Remote() bool
}
