package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FloatToPCM16 encodes float samples in [-1, 1] as little-endian int16 PCM.
// Out-of-range samples are clamped to the nearest 16-bit extreme rather than
// wrapped. The conversion is pure: no state, no side effects.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// PCM16ToFloat decodes little-endian int16 PCM into float samples in
// [-1, 1). Returns ErrMalformedFrame when the byte length is not a multiple
// of two; callers drop the offending buffer and continue.
func PCM16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not int16 aligned", ErrMalformedFrame, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768.0
	}
	return out, nil
}
