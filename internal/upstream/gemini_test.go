package upstream

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/ent0n29/livegate/internal/protocol"
)

func TestLiveConnectConfigPassesToolsThrough(t *testing.T) {
	cfg, err := liveConnectConfig(Setup{
		SystemInstruction: "diagnose plants",
		Tools: []protocol.ToolDeclaration{{
			Name:       "propose",
			Parameters: json.RawMessage(`{"type":"object","properties":{"plant":{"type":"string"}}}`),
		}},
		Voice: "Puck",
	})
	if err != nil {
		t.Fatalf("liveConnectConfig() error = %v", err)
	}
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Fatalf("ResponseModalities = %v, want [AUDIO]", cfg.ResponseModalities)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "diagnose plants" {
		t.Fatalf("SystemInstruction = %+v", cfg.SystemInstruction)
	}
	if len(cfg.Tools) != 1 || len(cfg.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("Tools = %+v", cfg.Tools)
	}
	decl := cfg.Tools[0].FunctionDeclarations[0]
	schema, ok := decl.ParametersJsonSchema.(map[string]any)
	if decl.Name != "propose" || !ok || schema["type"] != "object" {
		t.Fatalf("declaration = %+v", decl)
	}
	if cfg.SpeechConfig == nil || cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Fatalf("SpeechConfig = %+v", cfg.SpeechConfig)
	}
}

func TestLiveConnectConfigRejectsBadSchema(t *testing.T) {
	_, err := liveConnectConfig(Setup{Tools: []protocol.ToolDeclaration{{Name: "x", Parameters: json.RawMessage(`{`)}}})
	if err == nil {
		t.Fatalf("expected schema decode error")
	}
}
