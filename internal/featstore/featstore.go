// Package featstore appends feature matrices to chunked, zstd-compressed
// shard files and reads them back by reference.
//
// A matrix is stored as consecutive compressed chunks of up to ChunkFrames
// rows; each chunk holds little-endian float32 values in row-major order.
// The manifest reference records the shard path, the byte offset of the
// first chunk and the compressed size of every chunk, so any matrix can be
// read without scanning the shard.
package featstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/maauso/speechprep/internal/features"
	"github.com/maauso/speechprep/internal/manifest"
)

// StorageType tags references written by this package.
const StorageType = "chunked_zstd_f32"

// Defaults for NewWriter.
const (
	DefaultChunkFrames   = 100
	DefaultMaxShardBytes = 1 << 30
)

// Static errors for the feature store.
var (
	// ErrClosed is returned when writing to a closed Writer.
	ErrClosed = errors.New("featstore: writer closed")
	// ErrEmptyMatrix is returned when writing a matrix with no frames.
	ErrEmptyMatrix = errors.New("featstore: empty matrix")
	// ErrUnsupportedStorage is returned when reading a reference written by
	// another storage backend.
	ErrUnsupportedStorage = errors.New("featstore: unsupported storage type")
	// ErrCorrupt is returned when a stored chunk does not match its reference.
	ErrCorrupt = errors.New("featstore: corrupt chunk")
)

// ShardPath returns the path of shard n for name under dir.
func ShardPath(dir, name string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%03d.zst", name, n))
}

// Writer appends matrices to a sequence of shard files. It is not safe for
// concurrent use: a single goroutine owns offset allocation.
type Writer struct {
	dir           string
	name          string
	chunkFrames   int
	maxShardBytes int64

	enc    *zstd.Encoder
	shard  int
	file   *os.File
	offset int64
	paths  []string
	closed bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithChunkFrames sets the number of frames per compressed chunk.
func WithChunkFrames(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.chunkFrames = n
		}
	}
}

// WithMaxShardBytes sets the size after which a new shard is started.
func WithMaxShardBytes(n int64) Option {
	return func(w *Writer) {
		if n > 0 {
			w.maxShardBytes = n
		}
	}
}

// NewWriter creates a Writer producing dir/<name>.000.zst, dir/<name>.001.zst
// and so on. Existing shards with the same names are truncated.
func NewWriter(dir, name string, opts ...Option) (*Writer, error) {
	w := &Writer{
		dir:           dir,
		name:          name,
		chunkFrames:   DefaultChunkFrames,
		maxShardBytes: DefaultMaxShardBytes,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create feature dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	w.enc = enc

	if err := w.openShard(0); err != nil {
		_ = enc.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) openShard(n int) error {
	p := ShardPath(w.dir, w.name, n)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) // #nosec G304 - path built from config
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	w.shard = n
	w.file = f
	w.offset = 0
	w.paths = append(w.paths, p)
	return nil
}

// Write compresses m and appends it to the current shard. On failure the
// shard is truncated back to its previous length, so earlier references
// stay valid.
func (w *Writer) Write(m features.Matrix) (manifest.FeatureRef, error) {
	if w.closed {
		return manifest.FeatureRef{}, ErrClosed
	}
	if m.NumFrames == 0 || m.NumFeatures == 0 {
		return manifest.FeatureRef{}, ErrEmptyMatrix
	}

	blob, sizes := w.encode(m)

	if w.offset > 0 && w.offset+int64(len(blob)) > w.maxShardBytes {
		if err := w.file.Close(); err != nil {
			return manifest.FeatureRef{}, fmt.Errorf("close shard: %w", err)
		}
		if err := w.openShard(w.shard + 1); err != nil {
			return manifest.FeatureRef{}, err
		}
	}

	if _, err := w.file.Write(blob); err != nil {
		if terr := w.file.Truncate(w.offset); terr != nil {
			return manifest.FeatureRef{}, errors.Join(fmt.Errorf("write shard: %w", err), terr)
		}
		if _, serr := w.file.Seek(w.offset, io.SeekStart); serr != nil {
			return manifest.FeatureRef{}, errors.Join(fmt.Errorf("write shard: %w", err), serr)
		}
		return manifest.FeatureRef{}, fmt.Errorf("write shard: %w", err)
	}

	ref := manifest.FeatureRef{
		NumFrames:   m.NumFrames,
		NumFeatures: m.NumFeatures,
		StorageType: StorageType,
		StoragePath: w.paths[len(w.paths)-1],
		Shard:       w.shard,
		Offset:      w.offset,
		ChunkFrames: w.chunkFrames,
		ChunkSizes:  sizes,
	}
	w.offset += int64(len(blob))
	return ref, nil
}

func (w *Writer) encode(m features.Matrix) ([]byte, []int) {
	rowBytes := m.NumFeatures * 4
	raw := make([]byte, 0, w.chunkFrames*rowBytes)

	var blob []byte
	var sizes []int
	for first := 0; first < m.NumFrames; first += w.chunkFrames {
		last := min(first+w.chunkFrames, m.NumFrames)
		raw = raw[:0]
		for _, v := range m.Data[first*m.NumFeatures : last*m.NumFeatures] {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
		}
		before := len(blob)
		blob = w.enc.EncodeAll(raw, blob)
		sizes = append(sizes, len(blob)-before)
	}
	return blob, sizes
}

// Paths returns every shard file opened so far.
func (w *Writer) Paths() []string {
	out := make([]string, len(w.paths))
	copy(out, w.paths)
	return out
}

// Close flushes and closes the current shard.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if err := w.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync shard: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close shard: %w", err))
	}
	if err := w.enc.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
