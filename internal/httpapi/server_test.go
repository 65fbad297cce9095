package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/livegate/internal/config"
	"github.com/ent0n29/livegate/internal/observability"
	"github.com/ent0n29/livegate/internal/paths"
	"github.com/ent0n29/livegate/internal/protocol"
	"github.com/ent0n29/livegate/internal/relay"
	"github.com/ent0n29/livegate/internal/session"
	"github.com/ent0n29/livegate/internal/transport"
	"github.com/ent0n29/livegate/internal/upstream"
)

type testServer struct {
	ts       *httptest.Server
	dialer   *upstream.MockDialer
	sessions *session.Manager
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	table, err := paths.NewTable([]paths.Binding{{Path: "/doctor", Model: "gemini-live-test"}})
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	sessions := session.NewManager(time.Minute)
	dialer := upstream.NewMockDialer()
	rl := relay.New(dialer, table, sessions, metrics, relay.Options{ConnectTimeout: time.Second})

	srv := New(cfg, sessions, rl, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, dialer: dialer, sessions: sessions}
}

func (s *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + path
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return res.StatusCode
}

func TestHealthReadyAndPaths(t *testing.T) {
	s := newTestServer(t, config.Config{UpstreamProvider: "mock"})

	var health map[string]any
	if code := getJSON(t, s.ts.URL+"/healthz", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("healthz = %d %+v", code, health)
	}
	var ready map[string]any
	if code := getJSON(t, s.ts.URL+"/readyz", &ready); code != http.StatusOK || ready["bindings"] != float64(1) {
		t.Fatalf("readyz = %d %+v", code, ready)
	}
	var list struct {
		Paths []paths.Binding `json:"paths"`
	}
	getJSON(t, s.ts.URL+"/v1/paths", &list)
	if len(list.Paths) != 1 || list.Paths[0].Path != "/doctor" || list.Paths[0].Model != "gemini-live-test" {
		t.Fatalf("paths = %+v", list.Paths)
	}
}

func TestUnknownPathClosesWithoutDialing(t *testing.T) {
	s := newTestServer(t, config.Config{})

	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL("/nowhere"), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != protocol.CloseUnknownPath {
		t.Fatalf("read error = %v, want close %d", err, protocol.CloseUnknownPath)
	}
	if n := s.dialer.ConnectCount(); n != 0 {
		t.Fatalf("ConnectCount() = %d, want 0", n)
	}
}

func TestRealtimeInputBeforeSetupIsIgnored(t *testing.T) {
	s := newTestServer(t, config.Config{})

	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL("/doctor"), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "realtimeInput", "data": map[string]any{"text": "early"}}); err != nil {
		t.Fatalf("write error = %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	if err := conn.WriteJSON(protocol.NewSetup("hi", nil)); err != nil {
		t.Fatalf("write error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var open protocol.Open
	if err := conn.ReadJSON(&open); err != nil || open.Type != protocol.TypeOpen {
		t.Fatalf("first server frame = %+v, %v; want open", open, err)
	}
	sessions := s.dialer.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("upstream sessions = %d, want 1", len(sessions))
	}
	if n := len(sessions[0].RealtimeInputs()); n != 0 {
		t.Fatalf("forwarded realtime inputs = %d, want 0", n)
	}
}

func TestUpgradeRateLimitReturns429(t *testing.T) {
	s := newTestServer(t, config.Config{RelayUpgradeBurst: 1, RelayUpgradeRatePerSecond: 0.001})

	first, _, err := websocket.DefaultDialer.Dial(s.wsURL("/doctor"), nil)
	if err != nil {
		t.Fatalf("first dial error = %v", err)
	}
	defer first.Close()

	_, res, err := websocket.DefaultDialer.Dial(s.wsURL("/doctor"), nil)
	if err == nil {
		t.Fatalf("second dial should be rejected")
	}
	if res == nil || res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second dial response = %+v, want 429", res)
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}

// The doctor scenario end to end: a relay transport opens /doctor, streams
// five frames, and receives exactly one tool call.
func TestDoctorScenarioThroughTransport(t *testing.T) {
	s := newTestServer(t, config.Config{})

	var mu sync.Mutex
	var events []transport.Event
	toolCalls := make(chan protocol.FunctionCall, 4)
	tr, err := transport.New(transport.SessionConfig{
		Target:            transport.RelayTarget{URL: s.wsURL("/doctor")},
		SystemInstruction: "You are a plant doctor.",
		Tools: []protocol.ToolDeclaration{{
			Name:       "propose",
			Parameters: json.RawMessage(`{"type":"object","properties":{"plant":{"type":"string"}}}`),
		}},
	}, func(ev transport.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		if ev.Kind == transport.EventToolCall {
			toolCalls <- ev.ToolCall
		}
	})
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	defer tr.Close()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var upstreamSession *upstream.MockSession
	select {
	case upstreamSession = <-s.dialer.Connected():
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream session not created")
	}
	setup := upstreamSession.Setup()
	if setup.Model != "gemini-live-test" || setup.SystemInstruction != "You are a plant doctor." {
		t.Fatalf("upstream setup = %+v", setup)
	}
	if len(setup.Tools) != 1 || string(setup.Tools[0].Parameters) != `{"type":"object","properties":{"plant":{"type":"string"}}}` {
		t.Fatalf("tools not passed verbatim: %+v", setup.Tools)
	}

	for i := 0; i < 5; i++ {
		tr.SendMedia([]byte{byte(i)}, "image/jpeg")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(upstreamSession.RealtimeInputs()) < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	inputs := upstreamSession.RealtimeInputs()
	if len(inputs) != 5 {
		t.Fatalf("forwarded frames = %d, want 5", len(inputs))
	}
	for i, raw := range inputs {
		var in protocol.RealtimeInputData
		if err := json.Unmarshal(raw, &in); err != nil || in.Video == nil || len(in.Video.Data) != 1 || in.Video.Data[0] != byte(i) {
			t.Fatalf("frame %d = %s, want payload %d", i, raw, i)
		}
	}

	upstreamSession.EmitToolCall("call-1", "propose", map[string]any{"plant": "fern"})
	select {
	case call := <-toolCalls:
		if call.ID != "call-1" || call.Name != "propose" || call.Args["plant"] != "fern" {
			t.Fatalf("tool call = %+v", call)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tool call not delivered")
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(toolCalls); n != 0 {
		t.Fatalf("extra tool calls delivered: %d", n)
	}

	tr.SendToolResponse("call-1", "propose", map[string]any{"ok": true})
	deadline = time.Now().Add(2 * time.Second)
	for len(upstreamSession.ToolResponses()) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(upstreamSession.ToolResponses()); n != 1 {
		t.Fatalf("tool responses = %d, want 1", n)
	}

	var conns struct {
		Connections []session.Session `json:"connections"`
	}
	getJSON(t, s.ts.URL+"/v1/connections", &conns)
	if len(conns.Connections) != 1 || conns.Connections[0].Path != "/doctor" || !conns.Connections[0].UpstreamOpen {
		t.Fatalf("connections = %+v", conns.Connections)
	}

	tr.Close()
	deadline = time.Now().Add(2 * time.Second)
	for !upstreamSession.Closed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !upstreamSession.Closed() {
		t.Fatalf("upstream session left open after client close")
	}
}

func TestUpstreamCloseReachesClient(t *testing.T) {
	s := newTestServer(t, config.Config{})

	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL("/doctor"), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(protocol.NewSetup("", nil)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	sess := <-s.dialer.Connected()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var open protocol.Open
	if err := conn.ReadJSON(&open); err != nil {
		t.Fatalf("read open: %v", err)
	}

	sess.Disconnect(1011, "model overloaded")
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("connection ended before close frame: %v", err)
		}
		msg, err := protocol.ParseServerMessage(raw)
		if err != nil {
			continue
		}
		if c, ok := msg.(protocol.CloseEvent); ok {
			if c.Code != 1011 || c.Reason != "model overloaded" {
				t.Fatalf("close = %+v", c)
			}
			break
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.sessions.ActiveCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := s.sessions.ActiveCount(); n != 0 {
		t.Fatalf("tracked connections = %d, want 0", n)
	}
}
