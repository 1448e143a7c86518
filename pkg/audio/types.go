// Package audio provides the sample types and the PCM16 codec used by the
// Parlo voice pipeline.
//
// The live voice path is little-endian 16-bit PCM on the wire and normalized
// float32 in memory: the capture side quantizes hardware samples before
// transmission, the playback side normalizes synthesized audio before
// scheduling. Both directions are pure arithmetic and safe to run from a
// hardware callback context.
package audio

import "time"

// Frame is a single buffer of raw audio samples flowing through the voice
// pipeline. Frames are produced by hardware capture at a fixed cadence and
// consumed immediately by the encoder; they are not retained.
type Frame struct {
	// Samples holds normalized float32 samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for capture, 24000 for synthesized output).
	SampleRate int

	// Channels: 1 for mono. The live voice path is mono end to end.
	Channels int
}

// Duration returns the wall-clock length of the frame.
func (f Frame) Duration() time.Duration {
	ch := f.Channels
	if ch < 1 {
		ch = 1
	}
	return SampleDuration(len(f.Samples)/ch, f.SampleRate)
}

// SampleDuration returns the wall-clock length of n samples at the given rate.
func SampleDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
