// Package mock provides test doubles for the live package interfaces.
//
// Use Dialer to verify Connect calls and feed controlled live sessions. The
// dialer captures the Handlers the caller registered, so tests can fire
// inbound events (audio, interruptions, errors, close notices) at will via
// FireOpen and Fire. Session records every Send and Close for inspection.
//
// Example:
//
//	sess := &mock.Session{}
//	d := &mock.Dialer{Session: sess}
//	_, _ = d.Connect(ctx, cfg, handlers)
//	d.FireOpen()
//	d.Fire(live.InboundFrame{Kind: live.FrameAudio, Audio: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/parlo-chat/parlo/pkg/live"
)

// ConnectCall records a single invocation of Dialer.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the session configuration passed to Connect.
	Cfg live.Config
}

// Dialer is a mock implementation of live.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Session is the live.Session returned by Connect. If nil, Connect
	// returns a new default Session.
	Session live.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// handlers is the callback set registered by the most recent Connect.
	handlers live.Handlers
}

// Connect records the call, captures the handlers, and returns Session or
// ConnectErr. It never fires OnOpen on its own; tests drive resolution
// explicitly through FireOpen or Fire.
func (d *Dialer) Connect(ctx context.Context, cfg live.Config, h live.Handlers) (live.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ConnectCalls = append(d.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	d.handlers = h
	if d.Session != nil {
		return d.Session, nil
	}
	return &Session{}, nil
}

// Handlers returns the callback set captured by the most recent Connect.
func (d *Dialer) Handlers() live.Handlers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers
}

// FireOpen invokes the captured OnOpen callback, simulating a completed
// handshake.
func (d *Dialer) FireOpen() {
	h := d.Handlers()
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

// Fire dispatches f through the captured handlers, simulating an inbound
// server event.
func (d *Dialer) Fire(f live.InboundFrame) {
	d.Handlers().Fire(f)
}

// Reset clears all recorded calls and captured handlers. Thread-safe.
func (d *Dialer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ConnectCalls = nil
	d.handlers = live.Handlers{}
}

// Ensure Dialer implements live.Dialer at compile time.
var _ live.Dialer = (*Dialer)(nil)

// SendCall records a single invocation of Session.Send.
type SendCall struct {
	// Chunk is the media chunk passed to Send.
	Chunk live.MediaChunk
}

// Session is a mock implementation of live.Session.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendCalls records every call to Send in order.
	SendCalls []SendCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Send records the call and returns SendErr.
func (s *Session) Send(chunk live.MediaChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendCalls = append(s.SendCalls, SendCall{Chunk: chunk})
	return s.SendErr
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Sent returns a copy of all recorded Send calls. Thread-safe.
func (s *Session) Sent() []SendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]SendCall, len(s.SendCalls))
	copy(cp, s.SendCalls)
	return cp
}

// Closes returns the number of times Close was called. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements live.Session at compile time.
var _ live.Session = (*Session)(nil)
