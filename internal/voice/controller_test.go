package voice_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parlo-chat/parlo/internal/capture"
	"github.com/parlo-chat/parlo/internal/playback"
	"github.com/parlo-chat/parlo/internal/voice"
	"github.com/parlo-chat/parlo/pkg/audio"
	"github.com/parlo-chat/parlo/pkg/live"
	"github.com/parlo-chat/parlo/pkg/live/mock"
)

// ── Test doubles ──────────────────────────────────────────────────────────────

// micStream serves prepared frames, then blocks until closed.
type micStream struct {
	mu         sync.Mutex
	frames     [][]float32
	closed     chan struct{}
	closeCount int
}

func newMicStream(frames ...[]float32) *micStream {
	return &micStream{frames: frames, closed: make(chan struct{})}
}

func (s *micStream) Read(buf []float32) error {
	s.mu.Lock()
	if len(s.frames) > 0 {
		copy(buf, s.frames[0])
		s.frames = s.frames[1:]
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	<-s.closed
	return errors.New("mic stream closed")
}

func (s *micStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if s.closeCount == 1 {
		close(s.closed)
	}
	return nil
}

func (s *micStream) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

type micSource struct {
	stream  *micStream
	openErr error
}

func (s *micSource) Open(sampleRate, frameSize int) (capture.Stream, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.stream, nil
}

// speakerSink records writes, resets, and closes.
type speakerSink struct {
	mu         sync.Mutex
	writes     [][]float32
	resetCount int
	closeCount int
	written    chan struct{}
}

func newSpeakerSink() *speakerSink {
	return &speakerSink{written: make(chan struct{}, 64)}
}

func (s *speakerSink) Write(samples []float32) error {
	s.mu.Lock()
	s.writes = append(s.writes, append([]float32(nil), samples...))
	s.mu.Unlock()
	s.written <- struct{}{}
	return nil
}

func (s *speakerSink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCount++
	return nil
}

func (s *speakerSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

func (s *speakerSink) counts() (writes, resets, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes), s.resetCount, s.closeCount
}

// harness wires a controller to fully scripted dependencies.
type harness struct {
	ctrl    *voice.Controller
	dialer  *mock.Dialer
	session *mock.Session
	stream  *micStream
	sink    *speakerSink
	states  chan voice.State
}

func newHarness(t *testing.T, opts ...voice.Option) *harness {
	t.Helper()
	h := &harness{
		dialer:  &mock.Dialer{},
		session: &mock.Session{},
		stream:  newMicStream(),
		sink:    newSpeakerSink(),
		states:  make(chan voice.State, 32),
	}
	h.dialer.Session = h.session
	mic := capture.New(&micSource{stream: h.stream})

	opts = append([]voice.Option{
		voice.WithFailedDelay(60 * time.Millisecond),
		voice.WithNotify(func(s voice.State) { h.states <- s }),
	}, opts...)

	h.ctrl = voice.New(h.dialer, live.Config{Model: "test-model"}, mic,
		func() (playback.Sink, error) { return h.sink, nil }, opts...)
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

func (h *harness) waitState(t *testing.T, want voice.State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state %v (currently %v)", want, h.ctrl.Status())
		}
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestStart_PermissionDenied_FailsWithoutDialing(t *testing.T) {
	h := &harness{
		dialer: &mock.Dialer{},
		states: make(chan voice.State, 32),
	}
	mic := capture.New(&micSource{
		openErr: fmt.Errorf("%w: by user", capture.ErrPermissionDenied),
	})
	h.ctrl = voice.New(h.dialer, live.Config{}, mic,
		func() (playback.Sink, error) { return newSpeakerSink(), nil },
		voice.WithFailedDelay(60*time.Millisecond),
		voice.WithNotify(func(s voice.State) { h.states <- s }))
	defer h.ctrl.Close()

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("Start = %v; want ErrPermissionDenied", err)
	}
	if got := len(h.dialer.ConnectCalls); got != 0 {
		t.Errorf("Connect called %d times; want 0 — no network before mic access", got)
	}

	// Status watchers must see the denial as a terminal Failed state.
	h.waitState(t, voice.StateFailed)
	if got := h.ctrl.Err(); !errors.Is(got, capture.ErrPermissionDenied) {
		t.Errorf("Err() = %v; want ErrPermissionDenied", got)
	}

	// Failed is transient: the controller frees itself and is startable again.
	h.waitState(t, voice.StateIdle)
	if got := h.ctrl.Err(); got != nil {
		t.Errorf("Err() after return to Idle = %v; want nil", got)
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, capture.ErrPermissionDenied) {
		t.Errorf("Start after recovery = %v; want ErrPermissionDenied again", err)
	}
}

func TestStart_WhileConnecting_ReturnsAlreadyActive(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	h.waitState(t, voice.StateConnecting)

	if err := h.ctrl.Start(context.Background()); !errors.Is(err, voice.ErrAlreadyActive) {
		t.Fatalf("second Start = %v; want ErrAlreadyActive", err)
	}
}

func TestStart_ConnectError_FailsThenReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.dialer.ConnectErr = fmt.Errorf("%w: refused", live.ErrConnection)

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, live.ErrConnection) {
		t.Fatalf("Start = %v; want ErrConnection", err)
	}
	h.waitState(t, voice.StateFailed)
	if got := h.ctrl.Err(); !errors.Is(got, live.ErrConnection) {
		t.Errorf("Err() = %v; want ErrConnection", got)
	}

	// Failed is transient: the controller frees itself after the delay.
	h.waitState(t, voice.StateIdle)
	if got := h.ctrl.Err(); got != nil {
		t.Errorf("Err() after return to Idle = %v; want nil", got)
	}
}

func TestOpen_TransitionsToActive(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, voice.StateConnecting)

	h.dialer.FireOpen()
	h.waitState(t, voice.StateActive)
}

func TestActive_ForwardsCapturedAudio(t *testing.T) {
	frame := make([]float32, capture.FrameSize)
	frame[0] = 0.5

	h := &harness{
		dialer:  &mock.Dialer{},
		session: &mock.Session{},
		stream:  newMicStream(frame),
		sink:    newSpeakerSink(),
		states:  make(chan voice.State, 32),
	}
	h.dialer.Session = h.session
	mic := capture.New(&micSource{stream: h.stream})
	h.ctrl = voice.New(h.dialer, live.Config{}, mic,
		func() (playback.Sink, error) { return h.sink, nil },
		voice.WithNotify(func(s voice.State) { h.states <- s }))
	defer h.ctrl.Close()

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.dialer.FireOpen()
	h.waitState(t, voice.StateActive)

	deadline := time.After(3 * time.Second)
	for len(h.session.Sent()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for captured chunk to reach the session")
		case <-time.After(10 * time.Millisecond):
		}
	}

	sent := h.session.Sent()
	if sent[0].Chunk.MIMEType != capture.MIMEType {
		t.Errorf("chunk MIME = %q; want %q", sent[0].Chunk.MIMEType, capture.MIMEType)
	}
}

func TestActive_PlaysAgentAudio(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.dialer.FireOpen()
	h.waitState(t, voice.StateActive)

	pcm := audio.EncodePCM16(make([]float32, 2400))
	h.dialer.Fire(live.InboundFrame{Kind: live.FrameAudio, Audio: pcm})

	select {
	case <-h.sink.written:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for agent audio to reach the sink")
	}
}

func TestActive_InterruptCancelsPlayback(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.dialer.FireOpen()
	h.waitState(t, voice.StateActive)

	h.dialer.Fire(live.InboundFrame{Kind: live.FrameInterrupted})

	deadline := time.After(3 * time.Second)
	for {
		if _, resets, _ := h.sink.counts(); resets >= 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for sink reset after interruption")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStop_ReleasesEverythingExactlyOnce(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.dialer.FireOpen()
	h.waitState(t, voice.StateActive)

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.waitState(t, voice.StateIdle)

	// A second Stop and a Close must not release anything twice.
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := h.session.Closes(); got != 1 {
		t.Errorf("session closed %d times; want exactly 1", got)
	}
	if got := h.stream.closes(); got != 1 {
		t.Errorf("mic stream closed %d times; want exactly 1", got)
	}
	if _, _, closes := h.sink.counts(); closes != 1 {
		t.Errorf("sink closed %d times; want exactly 1", closes)
	}
}

func TestStop_WhileConnecting_NeverEntersActive(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, voice.StateConnecting)

	// Stop before the remote end ever acknowledges the handshake.
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.waitState(t, voice.StateIdle)

	// A straggler open acknowledgement must not resurrect the session.
	h.dialer.FireOpen()
	time.Sleep(50 * time.Millisecond)

	if got := h.ctrl.Status(); got != voice.StateIdle {
		t.Errorf("state = %v; want IDLE after late open", got)
	}
	if got := len(h.session.Sent()); got != 0 {
		t.Errorf("session received %d chunks; want 0 — capture must never start", got)
	}
	if _, _, closes := h.sink.counts(); closes != 0 {
		t.Errorf("sink closed %d times; want 0 — it was never opened", closes)
	}
	if got := h.session.Closes(); got != 1 {
		t.Errorf("session closed %d times; want exactly 1", got)
	}
}

func TestStop_WhenIdleIsNoOp(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop while idle: %v", err)
	}
	if got := h.ctrl.Status(); got != voice.StateIdle {
		t.Errorf("state = %v; want IDLE", got)
	}
}

func TestTransportError_MidSession_FailsThenRecovers(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.dialer.FireOpen()
	h.waitState(t, voice.StateActive)

	h.dialer.Fire(live.InboundFrame{
		Kind: live.FrameError,
		Err:  fmt.Errorf("%w: stream reset", live.ErrConnection),
	})
	h.waitState(t, voice.StateFailed)

	if got := h.ctrl.Err(); !errors.Is(got, live.ErrConnection) {
		t.Errorf("Err() = %v; want ErrConnection", got)
	}
	if got := h.session.Closes(); got != 1 {
		t.Errorf("session closed %d times; want 1", got)
	}

	// The controller must become startable again on its own.
	h.waitState(t, voice.StateIdle)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start after recovery: %v", err)
	}
	h.waitState(t, voice.StateConnecting)
}

func TestRemoteClose_ReturnsToIdleWithoutError(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.dialer.FireOpen()
	h.waitState(t, voice.StateActive)

	h.dialer.Fire(live.InboundFrame{Kind: live.FrameClosed})
	h.waitState(t, voice.StateIdle)

	if got := h.ctrl.Err(); got != nil {
		t.Errorf("Err() after graceful remote close = %v; want nil", got)
	}
	if got := h.session.Closes(); got != 1 {
		t.Errorf("session closed %d times; want 1", got)
	}
}

func TestLateFrames_AfterStop_AreIgnored(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.dialer.FireOpen()
	h.waitState(t, voice.StateActive)

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.waitState(t, voice.StateIdle)

	// Straggler events from the dead session must not disturb Idle.
	h.dialer.Fire(live.InboundFrame{
		Kind: live.FrameError,
		Err:  fmt.Errorf("%w: late", live.ErrConnection),
	})
	h.dialer.Fire(live.InboundFrame{Kind: live.FrameClosed})

	time.Sleep(50 * time.Millisecond)
	if got := h.ctrl.Status(); got != voice.StateIdle {
		t.Errorf("state = %v; want IDLE after stale events", got)
	}
	if got := h.ctrl.Err(); got != nil {
		t.Errorf("Err() = %v; want nil", got)
	}
}

func TestStateString(t *testing.T) {
	cases := map[voice.State]string{
		voice.StateIdle:       "IDLE",
		voice.StateConnecting: "CONNECTING",
		voice.StateActive:     "ACTIVE",
		voice.StateClosing:    "CLOSING",
		voice.StateFailed:     "FAILED",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q; want %q", s, got, want)
		}
	}
}
