package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// MessageType identifies relay websocket payload variants.
type MessageType string

const (
	TypeSetup         MessageType = "setup"
	TypeRealtimeInput MessageType = "realtimeInput"
	TypeToolResponse  MessageType = "toolResponse"

	TypeOpen    MessageType = "open"
	TypeMessage MessageType = "message"
	TypeError   MessageType = "error"
	TypeClose   MessageType = "close"
)

// CloseUnknownPath is sent as the websocket close code when a client
// connects to a path with no upstream binding.
const CloseUnknownPath = 4004

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrDuplicateTool   = errors.New("duplicate tool name")
	ErrInvalidSchema   = errors.New("invalid tool parameter schema")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ToolDeclaration describes one callable tool. Parameters is a JSON schema
// forwarded to the upstream endpoint as-is.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ValidateTools rejects empty or duplicate tool names and parameters that do
// not decode as a JSON schema. Parameters are not rewritten.
func ValidateTools(tools []ToolDeclaration) error {
	seen := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return errors.New("tool name is required")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		seen[name] = struct{}{}

		if len(tool.Parameters) > 0 {
			var schema jsonschema.Schema
			if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidSchema, name, err)
			}
		}
	}
	return nil
}

type Setup struct {
	Type              MessageType       `json:"type"`
	SystemInstruction string            `json:"systemInstruction,omitempty"`
	Tools             []ToolDeclaration `json:"tools,omitempty"`
}

type RealtimeInput struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ToolResponse struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Open struct {
	Type MessageType `json:"type"`
}

type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type CloseEvent struct {
	Type   MessageType `json:"type"`
	Code   int         `json:"code"`
	Reason string      `json:"reason"`
}

func NewSetup(systemInstruction string, tools []ToolDeclaration) Setup {
	return Setup{Type: TypeSetup, SystemInstruction: systemInstruction, Tools: tools}
}

func NewOpen() Open { return Open{Type: TypeOpen} }

func NewMessage(data json.RawMessage) Message { return Message{Type: TypeMessage, Data: data} }

func NewError(message string) ErrorEvent { return ErrorEvent{Type: TypeError, Message: message} }

func NewClose(code int, reason string) CloseEvent {
	return CloseEvent{Type: TypeClose, Code: code, Reason: reason}
}

// ParseClientMessage decodes a client→relay frame into Setup, RealtimeInput
// or ToolResponse.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSetup:
		var msg Setup
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeRealtimeInput:
		var msg RealtimeInput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Data) == 0 {
			return nil, errors.New("invalid realtimeInput: missing data")
		}
		return msg, nil
	case TypeToolResponse:
		var msg ToolResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Data) == 0 {
			return nil, errors.New("invalid toolResponse: missing data")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes a relay→client frame into Open, Message,
// ErrorEvent or CloseEvent.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeOpen:
		return Open{Type: TypeOpen}, nil
	case TypeMessage:
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeError:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClose:
		var msg CloseEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the wire type of a parsed or outgoing message.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case Setup:
		return m.Type, true
	case RealtimeInput:
		return m.Type, true
	case ToolResponse:
		return m.Type, true
	case Open:
		return m.Type, true
	case Message:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	case CloseEvent:
		return m.Type, true
	default:
		return "", false
	}
}
