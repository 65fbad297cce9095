package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/livegate/internal/protocol"
	"github.com/ent0n29/livegate/internal/ratelimit"
)

const defaultConnectTimeout = 15 * time.Second

var (
	ErrNotIdle        = errors.New("transport: connect called outside idle state")
	ErrClosed         = errors.New("transport: closed")
	ErrConnectTimeout = errors.New("transport: connect timed out")
	ErrNoTarget       = errors.New("transport: target is required")
)

// SessionConfig is copied at construction and never changes afterwards.
type SessionConfig struct {
	Target            Target
	Model             string
	SystemInstruction string
	Tools             []protocol.ToolDeclaration
}

// Recorder receives transport metrics. observability.Metrics implements it.
type Recorder interface {
	TransportState(state string)
	TransportSendDropped(kind string)
	ToolCallRateLimited(name string)
}

type Option func(*Transport)

func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.connectTimeout = d
		}
	}
}

// WithToolCallLimiter caps tool calls per tool name. Calls over budget are
// answered with a failed tool response instead of reaching the handler.
func WithToolCallLimiter(w *ratelimit.SlidingWindow) Option {
	return func(t *Transport) { t.toolLimiter = w }
}

func WithMetrics(r Recorder) Option {
	return func(t *Transport) { t.metrics = r }
}

// Transport is a single-use session with a realtime model endpoint, either
// dialed directly or through a relay.
type Transport struct {
	cfg            SessionConfig
	backend        backend
	dispatch       *dispatcher
	connectTimeout time.Duration
	toolLimiter    *ratelimit.SlidingWindow
	metrics        Recorder

	mu            sync.Mutex
	state         State
	started       bool
	cancelConnect context.CancelFunc
	lastErr       error

	// inMu serializes inbound processing so messages held during connect
	// are flushed before any later message.
	inMu sync.Mutex
	held []json.RawMessage

	openOnce  sync.Once
	opened    chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func New(cfg SessionConfig, handler Handler, opts ...Option) (*Transport, error) {
	if cfg.Target == nil {
		return nil, ErrNoTarget
	}
	if err := protocol.ValidateTools(cfg.Tools); err != nil {
		return nil, err
	}
	cfg.Tools = append([]protocol.ToolDeclaration(nil), cfg.Tools...)

	b, err := cfg.Target.newBackend(cfg)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		cfg:            cfg,
		backend:        b,
		dispatch:       newDispatcher(handler),
		connectTimeout: defaultConnectTimeout,
		opened:         make(chan struct{}),
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect opens the session and blocks until the endpoint reports ready, the
// connect timeout expires, ctx ends or Close is called.
func (t *Transport) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	if t.state != StateIdle {
		t.mu.Unlock()
		return ErrNotIdle
	}
	ctx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	t.cancelConnect = cancel
	t.started = true
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()
	defer cancel()

	t.dispatch.start()

	if err := t.backend.connect(ctx, t); err != nil {
		return t.abortConnect(ctx, err)
	}

	select {
	case <-t.opened:
	case <-t.closed:
		return t.connectClosedErr()
	case <-ctx.Done():
		return t.abortConnect(ctx, ctx.Err())
	}

	t.inMu.Lock()
	defer t.inMu.Unlock()
	t.mu.Lock()
	if t.state != StateConnecting {
		t.mu.Unlock()
		return t.connectClosedErr()
	}
	t.setStateLocked(StateActive)
	t.mu.Unlock()

	t.dispatch.push(Event{Kind: EventOpen})
	held := t.held
	t.held = nil
	for _, raw := range held {
		t.handleMessage(raw)
	}
	return nil
}

func (t *Transport) abortConnect(ctx context.Context, err error) error {
	t.mu.Lock()
	closing := t.state == StateClosing || t.state == StateClosed
	t.mu.Unlock()
	if closing {
		return t.connectClosedErr()
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = ErrConnectTimeout
	}
	log.Printf("transport: connect failed: %v", err)
	t.fail(err)
	return err
}

func (t *Transport) connectClosedErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, t.lastErr)
	}
	return ErrClosed
}

// Close ends the session from any state. Repeated calls are no-ops.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == StateClosing || t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.setStateLocked(StateClosing)
	cancel := t.cancelConnect
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.finish(1000, "closed by client")
	return t.backend.close()
}

func (t *Transport) SendMedia(data []byte, mimeType string) {
	raw, err := json.Marshal(protocol.MediaInput(data, mimeType))
	if err != nil {
		log.Printf("transport: encode media failed: %v", err)
		return
	}
	t.sendRealtime("media", raw)
}

func (t *Transport) SendText(text string) {
	raw, err := json.Marshal(protocol.TextInput(text))
	if err != nil {
		log.Printf("transport: encode text failed: %v", err)
		return
	}
	t.sendRealtime("text", raw)
}

func (t *Transport) SendToolResponse(id, name string, result map[string]any) {
	raw, err := json.Marshal(protocol.SingleToolResponse(id, name, result))
	if err != nil {
		log.Printf("transport: encode tool response failed: %v", err)
		return
	}
	if !t.sendable("tool_response") {
		return
	}
	if err := t.backend.sendToolResponse(raw); err != nil {
		log.Printf("transport: send tool response failed: %v", err)
	}
}

func (t *Transport) sendRealtime(kind string, raw json.RawMessage) {
	if !t.sendable(kind) {
		return
	}
	if err := t.backend.sendRealtime(raw); err != nil {
		log.Printf("transport: send %s failed: %v", kind, err)
	}
}

func (t *Transport) sendable(kind string) bool {
	state := t.State()
	if state == StateActive {
		return true
	}
	log.Printf("transport: dropping %s send in state %s", kind, state)
	if t.metrics != nil {
		t.metrics.TransportSendDropped(kind)
	}
	return false
}

func (t *Transport) setStateLocked(s State) {
	t.state = s
	if t.metrics != nil {
		t.metrics.TransportState(s.String())
	}
}

// fail reports err and tears the session down.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.lastErr == nil {
		t.lastErr = err
	}
	if t.state != StateClosed {
		t.setStateLocked(StateClosing)
	}
	t.mu.Unlock()

	t.dispatch.push(Event{Kind: EventError, Err: err})
	t.finish(1006, err.Error())
	if cerr := t.backend.close(); cerr != nil {
		log.Printf("transport: release backend failed: %v", cerr)
	}
}

// finish moves to Closed and queues the close event as the final event.
func (t *Transport) finish(code int, reason string) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.setStateLocked(StateClosed)
		started := t.started
		t.mu.Unlock()
		close(t.closed)

		if started {
			t.dispatch.seal(&Event{Kind: EventClose, Code: code, Reason: reason})
		} else {
			t.dispatch.seal(nil)
		}
	})
}

// The methods below are the backend's view of the transport.

func (t *Transport) onOpen() {
	t.openOnce.Do(func() { close(t.opened) })
}

func (t *Transport) onMessage(raw json.RawMessage) {
	t.inMu.Lock()
	defer t.inMu.Unlock()
	switch t.State() {
	case StateConnecting:
		t.held = append(t.held, append(json.RawMessage(nil), raw...))
	case StateActive:
		t.handleMessage(raw)
	}
}

func (t *Transport) onError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	if t.lastErr == nil {
		t.lastErr = err
	}
	t.mu.Unlock()
	log.Printf("transport: upstream error: %v", err)
	t.dispatch.push(Event{Kind: EventError, Err: err})
}

func (t *Transport) onClose(code int, reason string) {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	if t.state != StateClosing {
		t.setStateLocked(StateClosing)
	}
	t.mu.Unlock()

	t.finish(code, reason)
	if err := t.backend.close(); err != nil {
		log.Printf("transport: release backend failed: %v", err)
	}
}

func (t *Transport) handleMessage(raw json.RawMessage) {
	msg, err := protocol.ParseServerContent(raw)
	if err != nil {
		log.Printf("transport: ignoring malformed server message: %v", err)
		return
	}
	for _, part := range msg.AudioParts() {
		t.dispatch.push(Event{Kind: EventAudio, Audio: part.Data, MIMEType: part.MIMEType})
	}
	if msg.ServerContent != nil {
		if msg.ServerContent.Interrupted {
			t.dispatch.push(Event{Kind: EventInterrupted})
		}
		if msg.ServerContent.TurnComplete {
			t.dispatch.push(Event{Kind: EventTurnComplete})
		}
	}
	if msg.ToolCall == nil {
		return
	}
	for _, call := range msg.ToolCall.FunctionCalls {
		if t.toolLimiter != nil && !t.toolLimiter.CanCall(call.Name) {
			t.rejectToolCall(call)
			continue
		}
		t.dispatch.push(Event{Kind: EventToolCall, ToolCall: call})
	}
}

func (t *Transport) rejectToolCall(call protocol.FunctionCall) {
	log.Printf("transport: tool call %s rate limited", call.Name)
	if t.metrics != nil {
		t.metrics.ToolCallRateLimited(call.Name)
	}
	retry := t.toolLimiter.RetryIn(call.Name).Round(time.Second)
	t.SendToolResponse(call.ID, call.Name, map[string]any{
		"error":   "rate_limited",
		"message": fmt.Sprintf("tool %s called more than %d times in %s; retry in %s", call.Name, t.toolLimiter.Max(), t.toolLimiter.Window(), retry),
	})
}
