// Package playback implements gapless, interruptible output of agent audio.
//
// Inbound PCM16 chunks are decoded, stamped onto a monotonic output timeline,
// and fed to a [Sink] in order by a single feeder goroutine. Consecutive
// chunks are scheduled back to back so multi-chunk responses play without
// audible gaps; an interruption cancels everything pending and resets the
// timeline so the next response starts immediately.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlo-chat/parlo/pkg/audio"
)

// SampleRate is the agent audio sample rate in Hz. Mono PCM16.
const SampleRate = 24000

// ErrPlayback indicates agent audio that could not be decoded or played.
// Playback faults never terminate the session; the affected chunk is dropped.
var ErrPlayback = errors.New("playback: error")

// Clock supplies the scheduler's notion of now. The production clock is the
// wall clock; tests substitute a fixed one to make start times deterministic.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Sink is the audio output device. Write blocks at the device's realtime
// rate, which is what makes sequential writes gapless. Reset discards any
// device-buffered audio without closing the device.
type Sink interface {
	Write(samples []float32) error
	Reset() error
	Close() error
}

type item struct {
	gen     uint64
	samples []float32
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// Scheduler owns the output timeline for one session. All methods are safe
// for concurrent use; chunks are played strictly in Enqueue order.
type Scheduler struct {
	sink  Sink
	clock Clock
	log   *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []item
	gen       uint64
	nextStart time.Time
	closed    bool
}

// New creates a Scheduler writing to sink and starts its feeder goroutine.
// The caller must Close the scheduler to release the sink.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{sink: sink, clock: wallClock{}, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.cond = sync.NewCond(&s.mu)
	go s.feed()
	return s
}

// Enqueue decodes one PCM16 chunk and appends it to the output timeline.
// The returned time is the chunk's scheduled start: the end of the previous
// chunk, or now when the timeline has drained (or was just reset). Decode
// failures wrap ErrPlayback and leave the timeline untouched.
func (s *Scheduler) Enqueue(pcm []byte) (time.Time, error) {
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrPlayback, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, fmt.Errorf("%w: scheduler closed", ErrPlayback)
	}

	start := s.nextStart
	if now := s.clock.Now(); start.Before(now) {
		start = now
	}
	s.nextStart = start.Add(audio.SampleDuration(len(samples), SampleRate))

	s.queue = append(s.queue, item{gen: s.gen, samples: samples})
	s.cond.Signal()
	return start, nil
}

// Interrupt cancels all pending audio and resets the output timeline, so the
// next Enqueue starts at the current clock reading. Audio already inside the
// device buffer is discarded via Sink.Reset. Safe to call at any time,
// including when nothing is playing.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.queue = nil
	s.nextStart = time.Time{}
	s.mu.Unlock()

	if err := s.sink.Reset(); err != nil {
		s.log.Debug("sink reset", "error", err)
	}
}

// Pending reports how many chunks are queued but not yet handed to the sink.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops the feeder, discards pending audio, and releases the sink.
// Idempotent: repeated calls return nil without touching the sink again.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	return s.sink.Close()
}

// feed drains the queue into the sink. Items whose generation predates the
// latest interruption are skipped without being written.
func (s *Scheduler) feed() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		it := s.queue[0]
		s.queue = s.queue[1:]
		current := s.gen
		s.mu.Unlock()

		if it.gen != current {
			continue
		}
		if err := s.sink.Write(it.samples); err != nil {
			s.log.Warn("sink write failed, dropping chunk", "error", err,
				"samples", len(it.samples))
		}
	}
}
