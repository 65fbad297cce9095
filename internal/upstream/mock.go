package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ent0n29/livegate/internal/protocol"
)

// OpenMode controls when a mock session signals readiness.
type OpenMode int

const (
	// OpenAfterConnect fires OnOpen from a goroutine after Connect returns.
	OpenAfterConnect OpenMode = iota
	// OpenBeforeReturn fires OnOpen synchronously inside Connect.
	OpenBeforeReturn
	// OpenNever leaves the session half-open.
	OpenNever
)

// MockDialer is an in-process upstream used for local runs and tests.
type MockDialer struct {
	mu       sync.Mutex
	OpenMode OpenMode
	// Echo reflects inbound audio back as model-turn audio.
	Echo bool
	// Err, when set, makes Connect fail.
	Err error

	setups   []Setup
	sessions []*MockSession
	connects chan *MockSession
}

func NewMockDialer() *MockDialer {
	return &MockDialer{connects: make(chan *MockSession, 64)}
}

func (d *MockDialer) Connect(ctx context.Context, setup Setup, cb Callbacks) (Session, error) {
	d.mu.Lock()
	d.setups = append(d.setups, setup)
	err := d.Err
	mode := d.OpenMode
	echo := d.Echo
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s := &MockSession{cb: cb, echo: echo, setup: setup}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	select {
	case d.connects <- s:
	default:
	}

	switch mode {
	case OpenBeforeReturn:
		s.Open()
	case OpenAfterConnect:
		go s.Open()
	}
	return s, nil
}

// Setups returns every setup passed to Connect.
func (d *MockDialer) Setups() []Setup {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Setup(nil), d.setups...)
}

// ConnectCount reports how many times Connect was called.
func (d *MockDialer) ConnectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.setups)
}

// Sessions returns the sessions created so far.
func (d *MockDialer) Sessions() []*MockSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockSession(nil), d.sessions...)
}

// Connected delivers each session as it is created.
func (d *MockDialer) Connected() <-chan *MockSession { return d.connects }

var ErrMockSessionClosed = errors.New("mock upstream session closed")

type MockSession struct {
	cb    Callbacks
	echo  bool
	setup Setup

	mu            sync.Mutex
	closed        bool
	closeFired    bool
	realtime      []json.RawMessage
	toolResponses []json.RawMessage
	openOnce      sync.Once
}

func (s *MockSession) Setup() Setup { return s.setup }

// Open fires OnOpen once and emits setupComplete.
func (s *MockSession) Open() {
	s.openOnce.Do(func() {
		s.cb.open()
		s.cb.message(json.RawMessage(`{"setupComplete":{}}`))
	})
}

func (s *MockSession) SendRealtimeInput(data json.RawMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrMockSessionClosed
	}
	s.realtime = append(s.realtime, append(json.RawMessage(nil), data...))
	echo := s.echo
	s.mu.Unlock()

	if echo {
		var in protocol.RealtimeInputData
		if err := json.Unmarshal(data, &in); err == nil && in.Audio != nil {
			out, err := json.Marshal(protocol.ServerMessage{ServerContent: &protocol.ServerContent{
				ModelTurn: &protocol.ContentTurn{Parts: []protocol.ContentPart{{InlineData: in.Audio}}},
			}})
			if err == nil {
				s.cb.message(out)
			}
		}
	}
	return nil
}

func (s *MockSession) SendToolResponse(data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrMockSessionClosed
	}
	s.toolResponses = append(s.toolResponses, append(json.RawMessage(nil), data...))
	return nil
}

func (s *MockSession) Close() error {
	if s.markClosed() {
		s.cb.close(1000, "closed by gateway")
	}
	return nil
}

// markClosed flips the session to closed and reports whether the caller owns
// the close callback. Callbacks run after the lock is released so a handler
// may call Close from inside OnClose.
func (s *MockSession) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.closeFired {
		return false
	}
	s.closeFired = true
	return true
}

// Emit delivers a raw server message as if it came from upstream.
func (s *MockSession) Emit(raw json.RawMessage) {
	s.cb.message(raw)
}

// EmitToolCall delivers a single function call.
func (s *MockSession) EmitToolCall(id, name string, args map[string]any) {
	raw, _ := json.Marshal(protocol.ServerMessage{ToolCall: &protocol.ToolCallBatch{
		FunctionCalls: []protocol.FunctionCall{{ID: id, Name: name, Args: args}},
	}})
	s.cb.message(raw)
}

// Fail reports an upstream error followed by an abnormal close.
func (s *MockSession) Fail(err error) {
	if !s.markClosed() {
		return
	}
	s.cb.error(err)
	s.cb.close(1011, err.Error())
}

// Disconnect simulates an upstream-initiated close.
func (s *MockSession) Disconnect(code int, reason string) {
	if s.markClosed() {
		s.cb.close(code, reason)
	}
}

func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockSession) RealtimeInputs() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.realtime...)
}

func (s *MockSession) ToolResponses() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.toolResponses...)
}
