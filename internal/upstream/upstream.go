package upstream

import (
	"context"
	"encoding/json"

	"github.com/ent0n29/livegate/internal/protocol"
)

// Setup is everything the upstream streaming endpoint needs at connect
// time. Model, modalities and voice come from the caller's binding; the
// instruction and tools are caller supplied and passed through untouched.
type Setup struct {
	Model              string
	SystemInstruction  string
	Tools              []protocol.ToolDeclaration
	ResponseModalities []string
	Voice              string
}

// Callbacks receive asynchronous upstream events. They may fire from the
// session's reader goroutine, and OnOpen may fire before Connect returns.
// OnClose fires at most once and is the last callback for a session.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(raw json.RawMessage)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// Session is one live upstream connection.
type Session interface {
	// SendRealtimeInput forwards a realtimeInput payload (protocol.RealtimeInputData JSON).
	SendRealtimeInput(data json.RawMessage) error
	// SendToolResponse forwards a toolResponse payload (protocol.ToolResponseData JSON).
	SendToolResponse(data json.RawMessage) error
	// Close is idempotent and must be safe to call from inside OnClose.
	Close() error
}

// Dialer opens upstream sessions.
type Dialer interface {
	Connect(ctx context.Context, setup Setup, cb Callbacks) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, setup Setup, cb Callbacks) (Session, error)

func (f DialerFunc) Connect(ctx context.Context, setup Setup, cb Callbacks) (Session, error) {
	return f(ctx, setup, cb)
}

func (cb Callbacks) open() {
	if cb.OnOpen != nil {
		cb.OnOpen()
	}
}

func (cb Callbacks) message(raw json.RawMessage) {
	if cb.OnMessage != nil {
		cb.OnMessage(raw)
	}
}

func (cb Callbacks) error(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

func (cb Callbacks) close(code int, reason string) {
	if cb.OnClose != nil {
		cb.OnClose(code, reason)
	}
}
