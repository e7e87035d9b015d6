package runpod

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/maauso/speechprep/internal/features"
)

// AudioEncoding names the PCM layout of submitted audio.
const AudioEncoding = "pcm_s16le"

// EncodePCM converts samples in [-1, 1] to base64 16-bit little-endian PCM.
func EncodePCM(samples []float32) string {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(v)))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeFeatures decodes base64 little-endian float32 features, row-major.
func DecodeFeatures(b64 string, frames, dim int) (features.Matrix, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return features.Matrix{}, fmt.Errorf("%w: %v", ErrBadOutput, err)
	}
	if frames <= 0 || dim <= 0 || len(raw) != 4*frames*dim {
		return features.Matrix{}, fmt.Errorf("%w: %d bytes for %dx%d", ErrBadOutput, len(raw), frames, dim)
	}
	m := features.NewMatrix(frames, dim)
	for i := range m.Data {
		m.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return m, nil
}
