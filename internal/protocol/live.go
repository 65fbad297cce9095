package protocol

import (
	"encoding/json"
	"strings"
)

// The payload shapes below mirror the Gemini Live JSON encoding so the relay
// can forward them byte-for-byte and the upstream adapter can decode them
// straight into SDK types.

// Blob is inline media. Data is base64 on the wire.
type Blob struct {
	Data     []byte `json:"data,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

// RealtimeInputData is the payload of a realtimeInput frame.
type RealtimeInputData struct {
	Audio *Blob  `json:"audio,omitempty"`
	Video *Blob  `json:"video,omitempty"`
	Text  string `json:"text,omitempty"`
}

// MediaInput routes a media chunk to the audio or video slot by MIME type.
func MediaInput(data []byte, mimeType string) RealtimeInputData {
	blob := &Blob{Data: data, MIMEType: mimeType}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "audio/") {
		return RealtimeInputData{Audio: blob}
	}
	return RealtimeInputData{Video: blob}
}

func TextInput(text string) RealtimeInputData {
	return RealtimeInputData{Text: text}
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ToolResponseData is the payload of a toolResponse frame.
type ToolResponseData struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

func SingleToolResponse(id, name string, result map[string]any) ToolResponseData {
	if result == nil {
		result = map[string]any{}
	}
	return ToolResponseData{FunctionResponses: []FunctionResponse{{ID: id, Name: name, Response: result}}}
}

// ServerMessage is the subset of an upstream server message the gateway
// turns into typed events. Unknown fields are ignored.
type ServerMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
	ToolCall      *ToolCallBatch `json:"toolCall,omitempty"`
}

type ServerContent struct {
	ModelTurn    *ContentTurn `json:"modelTurn,omitempty"`
	TurnComplete bool         `json:"turnComplete,omitempty"`
	Interrupted  bool         `json:"interrupted,omitempty"`
}

type ContentTurn struct {
	Parts []ContentPart `json:"parts,omitempty"`
}

type ContentPart struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

type ToolCallBatch struct {
	FunctionCalls []FunctionCall `json:"functionCalls,omitempty"`
}

type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

func ParseServerContent(raw []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ServerMessage{}, err
	}
	return msg, nil
}

// AudioParts returns inline audio blobs of a model turn, in order.
func (m ServerMessage) AudioParts() []Blob {
	if m.ServerContent == nil || m.ServerContent.ModelTurn == nil {
		return nil
	}
	var out []Blob
	for _, part := range m.ServerContent.ModelTurn.Parts {
		if part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		mime := strings.ToLower(part.InlineData.MIMEType)
		if mime != "" && !strings.HasPrefix(mime, "audio/") {
			continue
		}
		out = append(out, *part.InlineData)
	}
	return out
}
