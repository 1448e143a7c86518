// Package live defines the transport contract for Parlo's bidirectional
// voice sessions.
//
// A live session is a full-duplex stream to a remote conversational agent:
// encoded microphone chunks go out, synthesized audio and control signals
// come back. The central abstractions are [Dialer], which opens a session,
// and [Handlers], a fixed event contract with one callback per inbound event
// kind — transports invoke the callbacks, the session controller consumes
// them, and nothing else dispatches events.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
)

// Transport error taxonomy. Implementations wrap these sentinels so callers
// can classify failures with errors.Is.
var (
	// ErrConnection indicates a handshake or transport-level failure. Fatal
	// to the session; there is no automatic reconnection at any level.
	ErrConnection = errors.New("live: connection error")

	// ErrProtocol indicates a server frame that could not be interpreted.
	ErrProtocol = errors.New("live: protocol error")

	// ErrSessionClosed is returned by Send after the session has been closed.
	ErrSessionClosed = errors.New("live: session closed")
)

// Config is the negotiation payload for a new live session.
type Config struct {
	// Model is the remote model identifier (e.g. "gemini-2.0-flash-live-001").
	Model string

	// Voice is the prebuilt voice persona name used for synthesized speech.
	Voice string

	// Instructions is the system-instruction string sent once at setup.
	Instructions string
}

// MediaChunk is the immutable, wire-ready unit of outbound audio: an encoded
// payload plus the MIME descriptor the remote end uses to interpret it.
type MediaChunk struct {
	// MIMEType describes the payload encoding, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Data is the base64-encoded audio payload.
	Data string
}

// FrameKind discriminates the variants of an [InboundFrame].
type FrameKind int

const (
	// FrameAudio carries a decoded chunk of synthesized audio.
	FrameAudio FrameKind = iota

	// FrameInterrupted signals that the user spoke over the agent; all
	// pending playback must be cancelled immediately.
	FrameInterrupted

	// FrameClosed signals a close notice from the remote end.
	FrameClosed

	// FrameError carries a transport- or server-reported fault.
	FrameError
)

// String returns the human-readable name of the frame kind.
func (k FrameKind) String() string {
	switch k {
	case FrameAudio:
		return "AUDIO"
	case FrameInterrupted:
		return "INTERRUPTED"
	case FrameClosed:
		return "CLOSED"
	case FrameError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// InboundFrame is the tagged union a transport produces from every server
// message. Exactly one variant is populated, selected by Kind.
type InboundFrame struct {
	Kind FrameKind

	// Audio holds raw little-endian PCM16 bytes when Kind is FrameAudio.
	Audio []byte

	// Err holds the cause when Kind is FrameError.
	Err error
}

// Handlers is the fixed four-callback contract a transport fires events on.
// Exactly one of OnOpen/OnError resolves a connection attempt; after open,
// OnMessage delivers audio and interruption frames, and OnClose/OnError end
// the session permanently. Callbacks run on the transport's receive
// goroutine and must hand off quickly rather than block.
//
// Nil callbacks are permitted and simply drop the event.
type Handlers struct {
	OnOpen    func()
	OnMessage func(InboundFrame)
	OnClose   func()
	OnError   func(error)
}

// Fire dispatches f to the appropriate callback: audio and interruption
// frames go to OnMessage, close notices to OnClose, faults to OnError.
// Unset callbacks drop the event.
func (h Handlers) Fire(f InboundFrame) {
	switch f.Kind {
	case FrameClosed:
		if h.OnClose != nil {
			h.OnClose()
		}
	case FrameError:
		if h.OnError != nil {
			h.OnError(f.Err)
		}
	default:
		if h.OnMessage != nil {
			h.OnMessage(f)
		}
	}
}

// Session is an open live stream. The connection handle is owned exclusively
// by the session and never exposed.
//
// Send enqueues one chunk for transmission in capture order and never blocks
// the caller: when the transport is briefly unready the chunk is held in a
// bounded queue, and on overflow the oldest queued chunk is dropped —
// real-time voice tolerates intermittent sample loss better than added
// latency.
//
// Close initiates graceful shutdown and releases the connection handle. It
// is idempotent and safe to call from any state.
type Session interface {
	Send(chunk MediaChunk) error
	Close() error
}

// Dialer opens live sessions. Connect resolves exactly once: either the
// returned error is non-nil (the attempt never reached the remote end), or
// precisely one of h.OnOpen / h.OnError fires.
type Dialer interface {
	Connect(ctx context.Context, cfg Config, h Handlers) (Session, error)
}
