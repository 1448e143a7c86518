// Package voice implements the session controller that ties microphone
// capture, the live transport, and playback into one conversation lifecycle.
//
// A [Controller] runs a single event-loop goroutine that owns all session
// state. User calls (Start, Stop) and transport callbacks never touch state
// directly; they post events onto the loop, which applies them in arrival
// order. That single-writer discipline is what makes the overlapping
// lifecycles of mic, socket, and speaker tractable: every transition and
// every resource release happens in exactly one place.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlo-chat/parlo/internal/capture"
	"github.com/parlo-chat/parlo/internal/observe"
	"github.com/parlo-chat/parlo/internal/playback"
	"github.com/parlo-chat/parlo/pkg/live"
)

// State is the controller's lifecycle position. Transitions are driven
// exclusively by the event loop.
type State int

const (
	// StateIdle means no session exists and Start is permitted.
	StateIdle State = iota

	// StateConnecting means the mic is held and the transport handshake is
	// in flight.
	StateConnecting

	// StateActive means audio is flowing in both directions.
	StateActive

	// StateClosing means teardown is in progress after a user stop.
	StateClosing

	// StateFailed means the session ended in an error. The controller
	// returns to Idle on its own after a bounded delay.
	StateFailed
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrAlreadyActive is returned by Start when a session already exists in any
// state other than Idle.
var ErrAlreadyActive = errors.New("voice: session already active")

const (
	// defaultFailedDelay is how long the controller lingers in Failed before
	// automatically returning to Idle.
	defaultFailedDelay = 5 * time.Second

	// eventBuf is the depth of the event queue. Transport callbacks post
	// here; the buffer absorbs bursts while the loop is busy dialing.
	eventBuf = 256
)

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evOpened
	evFrame
	evClosed
	evErrored
	evFailExpired
)

type event struct {
	kind  eventKind
	gen   uint64
	frame live.InboundFrame
	err   error

	// ctx and reply are set on evStart/evStop, which are synchronous calls.
	ctx   context.Context
	reply chan error
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithFailedDelay overrides how long the controller stays in Failed before
// returning to Idle. Useful in tests to keep suite execution fast.
func WithFailedDelay(d time.Duration) Option {
	return func(c *Controller) { c.failedDelay = d }
}

// WithNotify registers a callback invoked from the event loop on every state
// transition. The callback must not call back into the controller.
func WithNotify(fn func(State)) Option {
	return func(c *Controller) { c.notify = fn }
}

// Controller drives one voice session at a time. All exported methods are
// safe for concurrent use.
type Controller struct {
	dialer  live.Dialer
	liveCfg live.Config
	mic     *capture.Pipeline
	newSink func() (playback.Sink, error)

	log         *slog.Logger
	metrics     *observe.Metrics
	failedDelay time.Duration
	notify      func(State)

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once

	// Snapshot of loop-owned state for Status/Err readers.
	mu      sync.RWMutex
	state   State
	lastErr error

	// Everything below is owned by the event loop goroutine.
	gen          uint64
	session      live.Session
	scheduler    *playback.Scheduler
	cleanup      *sync.Once
	connectStart time.Time
	activeSince  time.Time
}

// New creates a Controller and starts its event loop. dialer opens the
// transport, mic supplies outbound audio, and newSink is called once per
// session to open the playback device.
func New(dialer live.Dialer, liveCfg live.Config, mic *capture.Pipeline,
	newSink func() (playback.Sink, error), opts ...Option) *Controller {

	c := &Controller{
		dialer:      dialer,
		liveCfg:     liveCfg,
		mic:         mic,
		newSink:     newSink,
		log:         slog.Default(),
		failedDelay: defaultFailedDelay,
		events:      make(chan event, eventBuf),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	c.wg.Add(1)
	go c.loop()
	return c
}

// Status returns the current lifecycle state.
func (c *Controller) Status() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the error that moved the controller into Failed, or nil.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Start begins a new session. It acquires the microphone first, so a
// permission problem surfaces immediately without any network traffic, then
// initiates the transport handshake. Start returns once the handshake is in
// flight; the transition to Active happens asynchronously when the remote
// end confirms. Returns ErrAlreadyActive unless the controller is Idle.
func (c *Controller) Start(ctx context.Context) error {
	return c.post(event{kind: evStart, ctx: ctx, reply: make(chan error, 1)})
}

// Stop ends the current session gracefully and returns once all resources
// are released. Calling Stop when no session exists is a no-op.
func (c *Controller) Stop() error {
	return c.post(event{kind: evStop, reply: make(chan error, 1)})
}

// Close stops any running session and shuts down the event loop. Idempotent.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Stop()
		close(c.done)
		c.wg.Wait()
	})
	return err
}

// post submits a synchronous event and waits for the loop's answer.
func (c *Controller) post(ev event) error {
	select {
	case c.events <- ev:
	case <-c.done:
		return errors.New("voice: controller closed")
	}
	select {
	case err := <-ev.reply:
		return err
	case <-c.done:
		return errors.New("voice: controller closed")
	}
}

// postAsync submits a fire-and-forget event from transport callbacks and
// timers. Dropping on shutdown is fine; the loop is already gone.
func (c *Controller) postAsync(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// ── Event loop ────────────────────────────────────────────────────────────────

func (c *Controller) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			c.teardown()
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) handle(ev event) {
	// Transport events carry the generation of the session attempt that
	// produced them; anything from a dead attempt is ignored.
	switch ev.kind {
	case evOpened, evFrame, evClosed, evErrored, evFailExpired:
		if ev.gen != c.gen {
			return
		}
	}

	switch ev.kind {
	case evStart:
		ev.reply <- c.handleStart(ev.ctx)
	case evStop:
		c.handleStop()
		ev.reply <- nil
	case evOpened:
		c.handleOpened()
	case evFrame:
		c.handleFrame(ev.frame)
	case evClosed:
		c.handleRemoteClosed()
	case evErrored:
		c.fail(ev.err)
	case evFailExpired:
		if c.Status() == StateFailed {
			c.setState(StateIdle, nil)
		}
	}
}

func (c *Controller) handleStart(ctx context.Context) error {
	if c.Status() != StateIdle {
		return ErrAlreadyActive
	}

	// Mic before network: a denied permission must never open a socket. The
	// failure is still a session failure — it parks the controller in Failed
	// so status watchers see a terminal state, then frees itself as usual.
	if err := c.mic.Acquire(); err != nil {
		c.gen++
		c.enterFailed(err)
		return err
	}

	c.gen++
	gen := c.gen
	c.cleanup = new(sync.Once)
	c.connectStart = time.Now()
	c.setState(StateConnecting, nil)

	h := live.Handlers{
		OnOpen:    func() { c.postAsync(event{kind: evOpened, gen: gen}) },
		OnMessage: func(f live.InboundFrame) { c.postAsync(event{kind: evFrame, gen: gen, frame: f}) },
		OnClose:   func() { c.postAsync(event{kind: evClosed, gen: gen}) },
		OnError:   func(err error) { c.postAsync(event{kind: evErrored, gen: gen, err: err}) },
	}

	session, err := c.dialer.Connect(ctx, c.liveCfg, h)
	if err != nil {
		c.mic.Stop()
		c.metrics.RecordConnect(context.Background(), time.Since(c.connectStart), "error")
		c.enterFailed(err)
		return err
	}
	c.session = session
	return nil
}

func (c *Controller) handleOpened() {
	if c.Status() != StateConnecting {
		return
	}

	sink, err := c.newSink()
	if err != nil {
		c.fail(fmt.Errorf("%w: open output device: %v", playback.ErrPlayback, err))
		return
	}
	c.scheduler = playback.New(sink, playback.WithLogger(c.log))

	session := c.session
	if err := c.mic.Start(func(chunk live.MediaChunk) {
		c.metrics.CaptureChunks.Add(context.Background(), 1)
		if err := session.Send(chunk); err != nil && !errors.Is(err, live.ErrSessionClosed) {
			c.log.Debug("send capture chunk", "error", err)
		}
	}); err != nil {
		c.fail(err)
		return
	}

	c.metrics.RecordConnect(context.Background(), time.Since(c.connectStart), "ok")
	c.metrics.ActiveSessions.Add(context.Background(), 1)
	c.activeSince = time.Now()
	c.setState(StateActive, nil)
}

func (c *Controller) handleFrame(f live.InboundFrame) {
	if c.Status() != StateActive {
		return
	}
	switch f.Kind {
	case live.FrameAudio:
		if _, err := c.scheduler.Enqueue(f.Audio); err != nil {
			c.metrics.RecordPlaybackChunk(context.Background(), "dropped")
			c.log.Warn("agent audio dropped", "error", err)
			return
		}
		c.metrics.RecordPlaybackChunk(context.Background(), "scheduled")
	case live.FrameInterrupted:
		c.scheduler.Interrupt()
		c.metrics.Interruptions.Add(context.Background(), 1)
		c.log.Debug("playback interrupted by barge-in")
	}
}

func (c *Controller) handleStop() {
	switch c.Status() {
	case StateIdle:
		return
	case StateFailed:
		c.setState(StateIdle, nil)
		return
	}
	c.setState(StateClosing, nil)
	c.teardown()
	c.setState(StateIdle, nil)
}

// handleRemoteClosed tears down after a graceful remote close. Not an error.
func (c *Controller) handleRemoteClosed() {
	if s := c.Status(); s != StateConnecting && s != StateActive {
		return
	}
	c.log.Info("session closed by remote")
	c.setState(StateClosing, nil)
	c.teardown()
	c.setState(StateIdle, nil)
}

// fail tears down and parks the controller in Failed until the delay expires.
func (c *Controller) fail(err error) {
	if s := c.Status(); s != StateConnecting && s != StateActive {
		return
	}
	c.teardown()
	c.enterFailed(err)
}

func (c *Controller) enterFailed(err error) {
	c.metrics.RecordSessionFailure(context.Background(), errorKind(err))
	c.log.Error("session failed", "error", err, "kind", errorKind(err))
	c.setState(StateFailed, err)

	gen := c.gen
	time.AfterFunc(c.failedDelay, func() {
		c.postAsync(event{kind: evFailExpired, gen: gen})
	})
}

// teardown releases every per-session resource exactly once per attempt:
// microphone, transport session, and playback scheduler. Each release is
// itself idempotent, so a racing remote close cannot double-free anything.
func (c *Controller) teardown() {
	once := c.cleanup
	if once == nil {
		return
	}
	session := c.session
	scheduler := c.scheduler
	c.session = nil
	c.scheduler = nil

	once.Do(func() {
		c.mic.Stop()
		if session != nil {
			if err := session.Close(); err != nil {
				c.log.Debug("session close", "error", err)
			}
		}
		if scheduler != nil {
			if err := scheduler.Close(); err != nil {
				c.log.Debug("scheduler close", "error", err)
			}
		}
		if !c.activeSince.IsZero() {
			c.metrics.SessionDuration.Record(context.Background(),
				time.Since(c.activeSince).Seconds())
			c.metrics.ActiveSessions.Add(context.Background(), -1)
			c.activeSince = time.Time{}
		}
	})
}

func (c *Controller) setState(s State, err error) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.lastErr = err
	c.mu.Unlock()

	if prev != s {
		c.log.Info("session state", "from", prev.String(), "to", s.String())
		if c.notify != nil {
			c.notify(s)
		}
	}
}

// errorKind maps an error onto the metrics taxonomy.
func errorKind(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, capture.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, live.ErrProtocol):
		return "protocol"
	case errors.Is(err, live.ErrConnection):
		return "connection"
	case errors.Is(err, playback.ErrPlayback):
		return "playback"
	default:
		return "unknown"
	}
}
