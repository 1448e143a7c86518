package playback

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// framesPerBuffer is the device buffer size in samples, about 43 ms at 24 kHz.
const framesPerBuffer = 1024

// PortAudioSink plays samples through the default output device. Write blocks
// at the device's realtime rate, so sequential writes produce gapless audio.
type PortAudioSink struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []float32
	closed bool

	// aborted is raised by Reset/Close before they take the lock, so an
	// in-flight Write bails out at its next slice boundary instead of holding
	// the lock for the chunk's remaining realtime duration.
	aborted atomic.Bool
}

// NewPortAudioSink opens a mono output stream at the scheduler sample rate.
func NewPortAudioSink() (*PortAudioSink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("playback: initialize host: %w", err)
	}

	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("playback: no output device: %w", err)
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	buf := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenStream(params, &buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("playback: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("playback: start stream: %w", err)
	}

	return &PortAudioSink{stream: stream, buf: buf}, nil
}

// Write pushes samples to the device in buffer-sized slices. Blocks until the
// device has consumed everything, unless a concurrent Reset cuts it short.
func (s *PortAudioSink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("playback: sink closed")
	}
	return writeSliced(samples, s.buf, &s.aborted, s.stream.Write)
}

// writeSliced feeds samples to writeBuf one buffer at a time, zero-padding
// the final partial slice. The abort flag is checked between slices so a
// pending Reset preempts a long chunk within one buffer's realtime duration;
// the discarded remainder is deliberate, not an error.
func writeSliced(samples, buf []float32, aborted *atomic.Bool, writeBuf func() error) error {
	for off := 0; off < len(samples); off += len(buf) {
		if aborted.Load() {
			return nil
		}
		end := min(off+len(buf), len(samples))
		n := copy(buf, samples[off:end])
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		if err := writeBuf(); err != nil {
			return fmt.Errorf("playback: device write: %w", err)
		}
	}
	return nil
}

// Reset aborts the stream, discarding device-buffered audio, and restarts it.
// An in-flight Write is cut short rather than waited out.
func (s *PortAudioSink) Reset() error {
	s.aborted.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.aborted.Store(false)
	if s.closed {
		return nil
	}
	if err := s.stream.Abort(); err != nil {
		return fmt.Errorf("playback: abort stream: %w", err)
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("playback: restart stream: %w", err)
	}
	return nil
}

// Close stops the stream and tears down the host API. Idempotent.
func (s *PortAudioSink) Close() error {
	s.aborted.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}

var _ Sink = (*PortAudioSink)(nil)
