package audio

import (
	"fmt"
	"math"
)

// EncodePCM16 quantizes normalized float32 samples to little-endian 16-bit
// signed PCM. Each sample s is mapped to round(s*32768) and clamped — never
// wrapped — to the int16 range, so a full-scale 1.0 lands on 32767 instead of
// overflowing.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		u := uint16(int16(v))
		out[i*2] = byte(u)
		out[i*2+1] = byte(u >> 8)
	}
	return out
}

// DecodePCM16 converts little-endian 16-bit signed PCM into normalized
// float32 samples via sample/32768. It returns an error on truncated input
// (odd byte count); the caller decides whether a bad chunk is fatal.
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: truncated pcm16 data: %d bytes", len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		out[i] = float32(s) / 32768
	}
	return out, nil
}
