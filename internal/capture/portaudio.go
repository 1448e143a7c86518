package capture

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSource opens microphone streams through PortAudio. The host API is
// initialized on first Open and torn down when the last stream closes.
type PortAudioSource struct {
	mu   sync.Mutex
	open int
}

// NewPortAudioSource returns a Source backed by the default input device.
func NewPortAudioSource() *PortAudioSource {
	return &PortAudioSource{}
}

// Open acquires the default input device and starts a mono stream at the
// requested rate. Failures are classified into the package error taxonomy:
// privilege and access refusals map to ErrPermissionDenied, a missing host
// API or input device maps to ErrUnsupported.
func (s *PortAudioSource) Open(sampleRate, frameSize int) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize host: %v", ErrUnsupported, err)
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: no input device: %v", ErrUnsupported, err)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: frameSize,
	}

	buf := make([]float32, frameSize)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open stream: %v", classifyDeviceErr(err), err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start stream: %v", classifyDeviceErr(err), err)
	}

	s.open++
	return &portAudioStream{src: s, stream: stream, buf: buf}, nil
}

// classifyDeviceErr maps a PortAudio failure onto the acquisition taxonomy.
func classifyDeviceErr(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") ||
		strings.Contains(msg, "privilege") {
		return ErrPermissionDenied
	}
	return ErrUnsupported
}

func (s *PortAudioSource) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open--
	if s.open == 0 {
		_ = portaudio.Terminate()
	}
}

type portAudioStream struct {
	src    *PortAudioSource
	stream *portaudio.Stream
	buf    []float32

	closeOnce sync.Once
}

// Read blocks until the stream's internal buffer holds a full frame, then
// copies it into buf.
func (p *portAudioStream) Read(buf []float32) error {
	if err := p.stream.Read(); err != nil {
		return err
	}
	copy(buf, p.buf)
	return nil
}

func (p *portAudioStream) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.stream.Stop()
		if cerr := p.stream.Close(); err == nil {
			err = cerr
		}
		p.src.release()
	})
	return err
}

// Ensure implementations satisfy the package interfaces at compile time.
var (
	_ Source = (*PortAudioSource)(nil)
	_ Stream = (*portAudioStream)(nil)
)
