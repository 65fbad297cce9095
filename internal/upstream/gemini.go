package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/ent0n29/livegate/internal/protocol"
)

type GeminiConfig struct {
	APIKey       string
	DefaultModel string
}

// GeminiDialer opens Gemini Live sessions through the genai SDK.
type GeminiDialer struct {
	client       *genai.Client
	defaultModel string
}

func NewGeminiDialer(ctx context.Context, cfg GeminiConfig) (*GeminiDialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	model := strings.TrimSpace(cfg.DefaultModel)
	if model == "" {
		model = "gemini-2.0-flash-live-001"
	}
	return &GeminiDialer{client: client, defaultModel: model}, nil
}

func (d *GeminiDialer) Connect(ctx context.Context, setup Setup, cb Callbacks) (Session, error) {
	model := strings.TrimSpace(setup.Model)
	if model == "" {
		model = d.defaultModel
	}
	cfg, err := liveConnectConfig(setup)
	if err != nil {
		return nil, err
	}

	sess, err := d.client.Live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini live connect: %w", err)
	}

	s := &geminiSession{sess: sess, cb: cb}
	go s.readLoop()
	return s, nil
}

func liveConnectConfig(setup Setup) (*genai.LiveConnectConfig, error) {
	cfg := &genai.LiveConnectConfig{}

	modalities := setup.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}
	for _, m := range modalities {
		cfg.ResponseModalities = append(cfg.ResponseModalities, genai.Modality(strings.ToUpper(strings.TrimSpace(m))))
	}

	if strings.TrimSpace(setup.SystemInstruction) != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: setup.SystemInstruction}}}
	}

	if voice := strings.TrimSpace(setup.Voice); voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}

	if len(setup.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(setup.Tools))
		for _, tool := range setup.Tools {
			decl := &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
			}
			if len(tool.Parameters) > 0 && string(tool.Parameters) != "null" {
				var schema any
				if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
					return nil, fmt.Errorf("tool %s parameters: %w", tool.Name, err)
				}
				decl.ParametersJsonSchema = schema
			}
			decls = append(decls, decl)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg, nil
}

type geminiSession struct {
	sess *genai.Session
	cb   Callbacks

	writeMu   sync.Mutex
	closing   atomic.Bool
	openOnce  sync.Once
	closeOnce sync.Once
}

func (s *geminiSession) SendRealtimeInput(data json.RawMessage) error {
	var in genai.LiveRealtimeInput
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode realtime input: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.sess.SendRealtimeInput(in)
}

func (s *geminiSession) SendToolResponse(data json.RawMessage) error {
	var payload protocol.ToolResponseData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode tool response: %w", err)
	}
	in := genai.LiveToolResponseInput{}
	for _, fr := range payload.FunctionResponses {
		in.FunctionResponses = append(in.FunctionResponses, &genai.FunctionResponse{
			ID:       fr.ID,
			Name:     fr.Name,
			Response: fr.Response,
		})
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.sess.SendToolResponse(in)
}

func (s *geminiSession) Close() error {
	s.closing.Store(true)
	return s.sess.Close()
}

func (s *geminiSession) readLoop() {
	for {
		msg, err := s.sess.Receive()
		if err != nil {
			s.finish(err)
			return
		}
		if msg.SetupComplete != nil {
			s.openOnce.Do(s.cb.open)
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			log.Printf("upstream: gemini message encode failed: %v", err)
			continue
		}
		s.cb.message(raw)
	}
}

func (s *geminiSession) finish(err error) {
	s.closeOnce.Do(func() {
		var ce *websocket.CloseError
		switch {
		case errors.As(err, &ce):
			s.cb.close(ce.Code, ce.Text)
		case s.closing.Load():
			s.cb.close(websocket.CloseNormalClosure, "closed by gateway")
		default:
			s.cb.error(err)
			s.cb.close(websocket.CloseAbnormalClosure, err.Error())
		}
	})
}
