package transport

import (
	"fmt"

	"github.com/ent0n29/livegate/internal/protocol"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type EventKind int

const (
	EventOpen EventKind = iota
	EventAudio
	EventToolCall
	EventInterrupted
	EventTurnComplete
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventAudio:
		return "audio"
	case EventToolCall:
		return "tool_call"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one inbound occurrence. Only the fields for Kind are set.
type Event struct {
	Kind EventKind

	// EventAudio
	Audio    []byte
	MIMEType string

	// EventToolCall
	ToolCall protocol.FunctionCall

	// EventError
	Err error

	// EventClose
	Code   int
	Reason string
}

// Handler receives events serially from a single goroutine. It may call back
// into the transport, including Close.
type Handler func(Event)
