package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/livegate/internal/protocol"
)

// fakeRelay speaks the relay protocol for a single connection.
func fakeRelay(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestRelayBackendSessionFlow(t *testing.T) {
	received := make(chan protocol.RealtimeInput, 1)
	srv := fakeRelay(t, func(conn *websocket.Conn) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			t.Errorf("first frame: %v", err)
			return
		}
		setup, ok := msg.(protocol.Setup)
		if !ok || setup.SystemInstruction != "be brief" {
			t.Errorf("first frame = %#v, want setup", msg)
			return
		}
		_ = conn.WriteJSON(protocol.NewOpen())
		_ = conn.WriteJSON(protocol.NewMessage(json.RawMessage(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"data":"AAE=","mimeType":"audio/pcm;rate=24000"}}]}}}`)))

		_, raw, err = conn.ReadMessage()
		if err != nil {
			return
		}
		if msg, err := protocol.ParseClientMessage(raw); err == nil {
			if in, ok := msg.(protocol.RealtimeInput); ok {
				received <- in
			}
		}
		_ = conn.WriteJSON(protocol.NewClose(1000, "done"))
		_, _, _ = conn.ReadMessage()
	})

	log := &eventLog{}
	tr, err := New(SessionConfig{
		Target:            RelayTarget{URL: wsURL(srv, "/doctor")},
		SystemInstruction: "be brief",
	}, log.handle)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	log.waitFor(t, EventAudio, 1)

	tr.SendMedia([]byte{9}, "image/jpeg")
	select {
	case in := <-received:
		var data protocol.RealtimeInputData
		if err := json.Unmarshal(in.Data, &data); err != nil || data.Video == nil || data.Video.MIMEType != "image/jpeg" {
			t.Fatalf("forwarded data = %s", in.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not receive realtimeInput")
	}

	log.waitFor(t, EventClose, 1)
	if tr.State() != StateClosed {
		t.Fatalf("State() = %v, want closed", tr.State())
	}
}

func TestRelayBackendUnknownPathFailsConnect(t *testing.T) {
	srv := fakeRelay(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseUnknownPath, "unknown relay path"))
		_, _, _ = conn.ReadMessage()
	})

	log := &eventLog{}
	tr, err := New(SessionConfig{Target: RelayTarget{URL: wsURL(srv, "/nope")}}, log.handle)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect() error = %v, want ErrClosed", err)
	}
	log.waitFor(t, EventClose, 1)
	log.mu.Lock()
	last := log.events[len(log.events)-1]
	log.mu.Unlock()
	if last.Code != protocol.CloseUnknownPath {
		t.Fatalf("close code = %d, want %d", last.Code, protocol.CloseUnknownPath)
	}
}

func TestNormalizeRelayURL(t *testing.T) {
	got, err := normalizeRelayURL("https://relay.example.com")
	if err != nil {
		t.Fatalf("normalizeRelayURL() error = %v", err)
	}
	if got != "wss://relay.example.com/" {
		t.Fatalf("normalizeRelayURL() = %q", got)
	}
	if _, err := normalizeRelayURL("ftp://x"); err == nil {
		t.Fatalf("expected scheme error")
	}
}
