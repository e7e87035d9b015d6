package featstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/maauso/speechprep/internal/features"
	"github.com/maauso/speechprep/internal/manifest"
)

// Reader decodes matrices referenced from a manifest. It is safe for
// concurrent use.
type Reader struct {
	dec *zstd.Decoder
}

// NewReader creates a Reader.
func NewReader() (*Reader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Reader{dec: dec}, nil
}

// Read loads the matrix described by ref.
func (r *Reader) Read(ref manifest.FeatureRef) (features.Matrix, error) {
	if ref.StorageType != StorageType {
		return features.Matrix{}, fmt.Errorf("%w: %q", ErrUnsupportedStorage, ref.StorageType)
	}

	if ref.NumFeatures <= 0 || ref.NumFrames < 0 {
		return features.Matrix{}, fmt.Errorf("%w: shape %dx%d", ErrCorrupt, ref.NumFrames, ref.NumFeatures)
	}
	total := 0
	for i, n := range ref.ChunkSizes {
		if n < 0 {
			return features.Matrix{}, fmt.Errorf("%w: chunk %d has size %d", ErrCorrupt, i, n)
		}
		total += n
	}

	f, err := os.Open(ref.StoragePath) // #nosec G304 - path comes from the manifest
	if err != nil {
		return features.Matrix{}, fmt.Errorf("open shard: %w", err)
	}
	defer func() { _ = f.Close() }()

	blob := make([]byte, total)
	if _, err := f.ReadAt(blob, ref.Offset); err != nil {
		return features.Matrix{}, fmt.Errorf("read shard %s at %d: %w", ref.StoragePath, ref.Offset, err)
	}

	m := features.NewMatrix(ref.NumFrames, ref.NumFeatures)
	rowBytes := ref.NumFeatures * 4
	var raw []byte
	pos, frame := 0, 0
	for i, n := range ref.ChunkSizes {
		raw, err = r.dec.DecodeAll(blob[pos:pos+n], raw[:0])
		if err != nil {
			return features.Matrix{}, fmt.Errorf("%w: chunk %d: %w", ErrCorrupt, i, err)
		}
		pos += n

		if len(raw)%rowBytes != 0 || frame+len(raw)/rowBytes > ref.NumFrames {
			return features.Matrix{}, fmt.Errorf("%w: chunk %d has %d bytes", ErrCorrupt, i, len(raw))
		}
		dst := m.Data[frame*ref.NumFeatures:]
		for k := 0; k < len(raw)/4; k++ {
			dst[k] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*k:]))
		}
		frame += len(raw) / rowBytes
	}
	if frame != ref.NumFrames {
		return features.Matrix{}, fmt.Errorf("%w: got %d frames, want %d", ErrCorrupt, frame, ref.NumFrames)
	}
	return m, nil
}

// Close releases decoder resources.
func (r *Reader) Close() {
	r.dec.Close()
}
