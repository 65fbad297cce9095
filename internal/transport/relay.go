package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/livegate/internal/protocol"
)

const (
	relayWriteTimeout = 10 * time.Second
	relayReadLimit    = 8 << 20
)

// RelayTarget connects through a livegate relay. The relay path selects the
// model, so SessionConfig.Model is not sent.
type RelayTarget struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

func (r RelayTarget) newBackend(cfg SessionConfig) (backend, error) {
	wsURL, err := normalizeRelayURL(r.URL)
	if err != nil {
		return nil, err
	}
	dialer := r.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return &relayBackend{
		url:    wsURL,
		header: r.Header,
		dialer: dialer,
		setup:  protocol.NewSetup(cfg.SystemInstruction, cfg.Tools),
	}, nil
}

func normalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("transport: relay url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

type relayBackend struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	setup  protocol.Setup

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
}

func (b *relayBackend) connect(ctx context.Context, ev events) error {
	conn, resp, err := b.dialer.DialContext(ctx, b.url, b.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("relay dial failed (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("relay dial failed: %w", err)
	}
	conn.SetReadLimit(relayReadLimit)

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	b.conn = conn
	b.mu.Unlock()

	go b.readLoop(conn, ev)

	if err := b.writeJSON(conn, b.setup); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}
	return nil
}

func (b *relayBackend) readLoop(conn *websocket.Conn, ev events) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			b.readFailed(err, ev)
			return
		}
		msg, err := protocol.ParseServerMessage(raw)
		if err != nil {
			log.Printf("transport: ignoring relay frame: %v", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.Open:
			ev.onOpen()
		case protocol.Message:
			ev.onMessage(m.Data)
		case protocol.ErrorEvent:
			ev.onError(errors.New(m.Message))
		case protocol.CloseEvent:
			ev.onClose(m.Code, m.Reason)
			return
		}
	}
}

func (b *relayBackend) readFailed(err error, ev events) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		ev.onClose(ce.Code, ce.Text)
		return
	}
	b.mu.Lock()
	closing := b.closing
	b.mu.Unlock()
	if closing {
		ev.onClose(websocket.CloseNormalClosure, "closed")
		return
	}
	ev.onError(fmt.Errorf("relay read: %w", err))
	ev.onClose(websocket.CloseAbnormalClosure, err.Error())
}

func (b *relayBackend) writeJSON(conn *websocket.Conn, payload any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(payload)
}

func (b *relayBackend) current() (*websocket.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing || b.conn == nil {
		return nil, ErrClosed
	}
	return b.conn, nil
}

func (b *relayBackend) sendRealtime(data json.RawMessage) error {
	conn, err := b.current()
	if err != nil {
		return err
	}
	return b.writeJSON(conn, protocol.RealtimeInput{Type: protocol.TypeRealtimeInput, Data: data})
}

func (b *relayBackend) sendToolResponse(data json.RawMessage) error {
	conn, err := b.current()
	if err != nil {
		return err
	}
	return b.writeJSON(conn, protocol.ToolResponse{Type: protocol.TypeToolResponse, Data: data})
}

func (b *relayBackend) close() error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	b.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
		time.Now().Add(time.Second),
	)
	b.writeMu.Unlock()
	return conn.Close()
}
