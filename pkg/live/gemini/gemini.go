// Package gemini implements the [live.Dialer] interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Outbound audio travels as base64-encoded PCM chunks; every
// inbound server message is classified into a [live.InboundFrame] and fired
// on the caller's [live.Handlers].
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/parlo-chat/parlo/pkg/audio"
	"github.com/parlo-chat/parlo/pkg/live"
)

// Compile-time assertions that Dialer and session satisfy the live interfaces.
var _ live.Dialer = (*Dialer)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// defaultSendDepth bounds the outbound queue. At 4096 samples per chunk
	// (256 ms of 16 kHz audio) this holds roughly eight seconds of speech —
	// far beyond any transient unreadiness worth absorbing.
	defaultSendDepth = 32

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithSendQueueDepth sets the capacity of the bounded outbound queue. When
// the queue is full the oldest chunk is dropped to make room. The default
// is 32 chunks.
func WithSendQueueDepth(n int) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.sendDepth = n
		}
	}
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements [live.Dialer] for Google's Gemini Live API. The API key
// is explicit construction-time configuration; there is no ambient or
// process-wide credential lookup.
type Dialer struct {
	apiKey    string
	baseURL   string
	sendDepth int
}

// New creates a Gemini Live Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:    apiKey,
		baseURL:   defaultBaseURL,
		sendDepth: defaultSendDepth,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Connect dials the Gemini Live endpoint, sends the setup message, and
// returns an open [live.Session]. A returned error means the attempt never
// reached the remote end; afterwards exactly one of h.OnOpen (on the server's
// setupComplete ack) or h.OnError fires.
func (d *Dialer) Connect(ctx context.Context, cfg live.Config, h live.Handlers) (live.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		d.baseURL, d.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", live.ErrConnection, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		handlers: h,
		sendCh:   make(chan live.MediaChunk, d.sendDepth),
		done:     make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.sendSetup(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("%w: setup: %v", live.ErrConnection, err)
	}

	go sess.receiveLoop()
	go sess.writeLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	handlers live.Handlers
	sendCh   chan live.MediaChunk

	mu       sync.Mutex
	closed   bool
	resolved bool // OnOpen or OnError has fired for the connection attempt
	ended    bool // a terminal OnError/OnClose has fired

	done chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(cfg live.Config) error {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket, classifies each into
// inbound frames, and fires them on the handlers. It exits on the first
// terminal condition: local close, remote close notice, or transport error.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// Local Close cancelled the context: the controller initiated
			// this teardown, so no event is delivered.
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.deliverClosed()
				return
			}
			s.deliverError(fmt.Errorf("%w: read: %v", live.ErrConnection, err))
			return
		}

		opened, frames, err := classify(data)
		if err != nil {
			// A single unparseable frame does not end the session.
			slog.Debug("gemini: skipping malformed server frame", "err", err)
			continue
		}

		if opened {
			s.deliverOpen()
		}
		for _, f := range frames {
			s.deliver(f)
		}
	}
}

// classify maps one raw server message onto the inbound frame union. The
// opened result reports a setupComplete ack, which resolves the connection
// attempt rather than producing a frame. Interruption precedes audio so the
// controller clears stale playback before scheduling the new turn.
func classify(data []byte) (opened bool, frames []live.InboundFrame, err error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return false, nil, fmt.Errorf("%w: %v", live.ErrProtocol, err)
	}

	if msg.SetupComplete != nil {
		opened = true
	}

	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown server error"
		}
		frames = append(frames, live.InboundFrame{
			Kind: live.FrameError,
			Err:  fmt.Errorf("%w: %s", live.ErrConnection, text),
		})
	}

	if msg.GoAway != nil {
		frames = append(frames, live.InboundFrame{Kind: live.FrameClosed})
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			frames = append(frames, live.InboundFrame{Kind: live.FrameInterrupted})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				frames = append(frames, live.InboundFrame{Kind: live.FrameAudio, Audio: pcm})
			}
		}
	}

	return opened, frames, nil
}

// deliverOpen resolves the connection attempt with OnOpen, at most once and
// only if no error resolved it first.
func (s *session) deliverOpen() {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return
	}
	s.resolved = true
	s.mu.Unlock()

	if s.handlers.OnOpen != nil {
		s.handlers.OnOpen()
	}
}

// deliverError fires OnError at most once. Before open it resolves the
// connection attempt; after open it permanently ends the session.
func (s *session) deliverError(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.resolved = true
	s.mu.Unlock()

	s.handlers.Fire(live.InboundFrame{Kind: live.FrameError, Err: err})
}

// deliverClosed fires OnClose at most once, unless a terminal error already
// ended the session.
func (s *session) deliverClosed() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	s.handlers.Fire(live.InboundFrame{Kind: live.FrameClosed})
}

// deliver routes a classified frame, funnelling terminal frames through the
// at-most-once gates.
func (s *session) deliver(f live.InboundFrame) {
	switch f.Kind {
	case live.FrameError:
		s.deliverError(f.Err)
	case live.FrameClosed:
		s.deliverClosed()
	default:
		s.handlers.Fire(f)
	}
}

// writeLoop drains the bounded send queue onto the wire, preserving enqueue
// order. A write failure is a fatal transport error.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk, ok := <-s.sendCh:
			if !ok {
				return
			}
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					MediaChunks: []mediaChunk{
						{MIMEType: chunk.MIMEType, Data: chunk.Data},
					},
				},
			}
			if err := s.writeJSON(msg); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.deliverError(fmt.Errorf("%w: write: %v", live.ErrConnection, err))
				return
			}
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// Send enqueues one chunk for transmission in capture order. It never blocks:
// when the queue is full the oldest queued chunk is dropped to make room for
// the new one.
func (s *session) Send(chunk live.MediaChunk) error {
	// The lock is held across the enqueue so Close can safely close sendCh:
	// once closed is set, no Send can be mid-enqueue. Both selects below are
	// non-blocking, so the critical section stays short.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}

	for {
		select {
		case s.sendCh <- chunk:
			return nil
		default:
		}
		select {
		case <-s.sendCh:
			slog.Debug("gemini: send queue full, dropping oldest chunk")
		default:
		}
	}
}

// Close terminates the session and releases the connection handle exactly
// once. Idempotent; safe to call from any state.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.cancel()    // unblocks receiveLoop and writeLoop
		close(s.done) // signals keepaliveLoop
		s.conn.Close(websocket.StatusNormalClosure, "session closed")

		// No Send can be mid-enqueue once closed is set, so the queue can be
		// closed and any chunks the write loop never got to are discarded.
		close(s.sendCh)
		audio.Drain(s.sendCh)
	})
	return nil
}
