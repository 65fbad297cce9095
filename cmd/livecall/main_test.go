package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/livegate/internal/audio"
	"github.com/ent0n29/livegate/internal/upstream"
)

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags([]string{"-in", "mic.wav", "-tools", "propose, water"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.relayURL != "ws://127.0.0.1:8080/doctor" || cfg.direct != "" {
		t.Fatalf("target = %q %q", cfg.relayURL, cfg.direct)
	}
	if len(cfg.tools) != 2 || cfg.tools[0].Name != "propose" || cfg.tools[1].Name != "water" {
		t.Fatalf("tools = %+v", cfg.tools)
	}
	if cfg.playbackRate != 24000 || cfg.sendRate != 16000 || cfg.frameInterval != time.Second {
		t.Fatalf("playbackRate=%d sendRate=%d frameInterval=%s", cfg.playbackRate, cfg.sendRate, cfg.frameInterval)
	}
}

func TestParseFlagsRejectsMissingInput(t *testing.T) {
	if _, err := parseFlags([]string{"-url", "ws://x/doctor"}); err == nil {
		t.Fatalf("expected error without any input")
	}
	if _, err := parseFlags([]string{"-text", "hi", "-direct", "carrier"}); err == nil {
		t.Fatalf("expected error for unknown direct mode")
	}
}

func TestRunDirectEchoWritesReply(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "mic.wav")
	out := filepath.Join(dir, "reply.wav")

	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = 0.25
	}
	if err := audio.WriteWAVFile(in, audio.EncodePCM16(samples), 16000); err != nil {
		t.Fatalf("WriteWAVFile() error = %v", err)
	}

	cfg, err := parseFlags([]string{"-direct", "mock", "-in", in, "-out", out, "-linger", "300ms", "-playback-rate", "16000", "-verbose=false"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	dialer := upstream.NewMockDialer()
	dialer.Echo = true

	rec := &stateRecorder{}
	sum, err := run(context.Background(), cfg, dialer, rec)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if sum.chunksSent.Load() == 0 {
		t.Fatalf("no audio chunks sent")
	}
	if sum.audioReceived.Load() == 0 {
		t.Fatalf("no echoed audio received")
	}
	if sum.closeCode != 1000 {
		t.Fatalf("close code = %d, want 1000", sum.closeCode)
	}

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	pcm, rate, err := audio.ReadWAV(raw)
	if err != nil {
		t.Fatalf("ReadWAV() error = %v", err)
	}
	if rate != 16000 || len(pcm) == 0 {
		t.Fatalf("reply wav rate=%d bytes=%d", rate, len(pcm))
	}

	if got := rec.joined(); got != "connecting,active,closing,closed" {
		t.Fatalf("transport states = %s", got)
	}

	sessions := dialer.Sessions()
	if len(sessions) != 1 || !sessions[0].Closed() {
		t.Fatalf("upstream sessions = %d, want 1 closed", len(sessions))
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *stateRecorder) TransportState(state string) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *stateRecorder) TransportSendDropped(string) {}

func (r *stateRecorder) ToolCallRateLimited(string) {}

func (r *stateRecorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.states, ",")
}
