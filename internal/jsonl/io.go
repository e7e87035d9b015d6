// Package jsonl provides line-delimited JSON file helpers shared by the
// manifest writer and the reformat tool. Paths ending in ".gz" are
// transparently gzip-compressed.
package jsonl

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// IsGzip reports whether path names a gzip-compressed file.
func IsGzip(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

// Open opens path for reading, decompressing it when it ends in ".gz".
// The caller is responsible for closing the returned ReadCloser.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if !IsGzip(path) {
		return f, nil
	}

	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open gzip %s: %w", path, err)
	}
	return &gzipReadCloser{Reader: zr, file: f}, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipReadCloser) Close() error {
	zerr := g.Reader.Close()
	ferr := g.file.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}

// AtomicWriter writes to a temporary sibling file and renames it over the
// destination on Close. Abort discards the temporary file, so readers never
// observe a partially written output.
type AtomicWriter struct {
	path string
	tmp  *os.File
	buf  *bufio.Writer
	gz   *gzip.Writer
	w    io.Writer
	done bool
}

// Create starts an atomic write of path, gzip-compressing when the path ends
// in ".gz". Parent directories are created as needed.
func Create(path string) (*AtomicWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	aw := &AtomicWriter{path: path, tmp: tmp, buf: bufio.NewWriterSize(tmp, 1<<16)}
	aw.w = aw.buf
	if IsGzip(path) {
		aw.gz = gzip.NewWriter(aw.buf)
		aw.w = aw.gz
	}
	return aw, nil
}

// Write implements io.Writer.
func (a *AtomicWriter) Write(p []byte) (int, error) {
	return a.w.Write(p)
}

// Close flushes all buffers, syncs the temporary file and renames it over
// the destination.
func (a *AtomicWriter) Close() error {
	if a.done {
		return nil
	}
	a.done = true

	if a.gz != nil {
		if err := a.gz.Close(); err != nil {
			a.discard()
			return fmt.Errorf("close gzip stream: %w", err)
		}
	}
	if err := a.buf.Flush(); err != nil {
		a.discard()
		return fmt.Errorf("flush %s: %w", a.path, err)
	}
	if err := a.tmp.Sync(); err != nil {
		a.discard()
		return fmt.Errorf("sync %s: %w", a.path, err)
	}
	if err := a.tmp.Close(); err != nil {
		_ = os.Remove(a.tmp.Name())
		return fmt.Errorf("close %s: %w", a.path, err)
	}
	if err := os.Rename(a.tmp.Name(), a.path); err != nil {
		_ = os.Remove(a.tmp.Name())
		return fmt.Errorf("rename to %s: %w", a.path, err)
	}
	return nil
}

// Abort discards everything written so far. It is safe to call after Close.
func (a *AtomicWriter) Abort() {
	if a.done {
		return
	}
	a.done = true
	a.discard()
}

func (a *AtomicWriter) discard() {
	_ = a.tmp.Close()
	_ = os.Remove(a.tmp.Name())
}
