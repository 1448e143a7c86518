// Package capture implements the microphone side of a voice session: it
// acquires an input device, reads fixed-size frames, and hands each frame to
// a consumer as a wire-ready media chunk.
//
// The device itself sits behind the [Source] interface so the pipeline can be
// tested without audio hardware; [PortAudioSource] is the production
// implementation.
package capture

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parlo-chat/parlo/pkg/audio"
	"github.com/parlo-chat/parlo/pkg/live"
)

const (
	// SampleRate is the capture sample rate in Hz.
	SampleRate = 16000

	// FrameSize is the number of samples per captured frame. At 16 kHz this
	// is 256 ms of audio per chunk.
	FrameSize = 4096

	// MIMEType describes the encoded payload of every outbound chunk.
	MIMEType = "audio/pcm;rate=16000"
)

// Acquisition error taxonomy. Acquire wraps these sentinels so callers can
// distinguish a user-fixable denial from a hopeless environment.
var (
	// ErrPermissionDenied indicates the user or OS refused microphone access.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrUnsupported indicates the environment has no usable capture device.
	ErrUnsupported = errors.New("capture: audio capture unsupported")
)

// Stream is an open, running input stream. Read fills buf with the next
// len(buf) samples, blocking until they are available.
type Stream interface {
	Read(buf []float32) error
	Close() error
}

// Source opens capture streams. Open must return an error wrapping
// ErrPermissionDenied or ErrUnsupported when the device cannot be acquired.
type Source interface {
	Open(sampleRate, frameSize int) (Stream, error)
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used by the pipeline. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// Pipeline drives one capture stream. The lifecycle is strictly
// Acquire → Start → Stop; Acquire performs the device permission check up
// front so a denial surfaces before any network work begins.
type Pipeline struct {
	src Source
	log *slog.Logger

	mu       sync.Mutex
	stream   Stream
	stopped  chan struct{}
	stopOnce *sync.Once
}

// New creates a Pipeline reading from src.
func New(src Source, opts ...Option) *Pipeline {
	p := &Pipeline{src: src, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire opens the capture device without starting delivery. Errors wrap
// ErrPermissionDenied or ErrUnsupported where the source can tell them apart.
func (p *Pipeline) Acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}
	stream, err := p.src.Open(SampleRate, FrameSize)
	if err != nil {
		return fmt.Errorf("capture: acquire device: %w", err)
	}
	p.stream = stream
	p.stopped = make(chan struct{})
	p.stopOnce = new(sync.Once)
	return nil
}

// Start begins reading frames and invoking onChunk for each one, in capture
// order, from a single goroutine. Acquire must have succeeded first.
func (p *Pipeline) Start(onChunk func(live.MediaChunk)) error {
	p.mu.Lock()
	stream := p.stream
	stopped := p.stopped
	p.mu.Unlock()
	if stream == nil {
		return errors.New("capture: Start before Acquire")
	}

	go p.readLoop(stream, stopped, onChunk)
	return nil
}

func (p *Pipeline) readLoop(stream Stream, stopped <-chan struct{}, onChunk func(live.MediaChunk)) {
	buf := make([]float32, FrameSize)
	for {
		select {
		case <-stopped:
			return
		default:
		}

		if err := stream.Read(buf); err != nil {
			select {
			case <-stopped:
			default:
				p.log.Warn("capture read failed, stopping delivery", "error", err)
			}
			return
		}

		onChunk(live.MediaChunk{
			MIMEType: MIMEType,
			Data:     base64.StdEncoding.EncodeToString(audio.EncodePCM16(buf)),
		})
	}
}

// Stop halts frame delivery and releases the device. Idempotent; safe to
// call whether or not Start ran, and a later Acquire reopens the device.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	stream := p.stream
	stopped := p.stopped
	once := p.stopOnce
	p.stream = nil
	p.mu.Unlock()

	if once == nil {
		return
	}
	once.Do(func() {
		close(stopped)
		if err := stream.Close(); err != nil {
			p.log.Debug("capture stream close", "error", err)
		}
	})
}
