package httpapi

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/livegate/internal/protocol"
)

const (
	relayReadLimit    = 8 << 20
	relayReadTimeout  = 120 * time.Second
	relayWriteTimeout = 10 * time.Second
)

func (s *Server) handleRelayWS(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay not configured")
		return
	}
	remote := clientIP(r)
	if s.upgrades != nil {
		if ok, retry := s.upgrades.Allow(remote); !ok {
			s.metrics.UpgradeRejections.WithLabelValues("rate_limited").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			respondError(w, http.StatusTooManyRequests, "rate_limited", "too many relay connections")
			return
		}
	}

	binding, known := s.relay.Lookup(r.URL.Path)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if !known {
		log.Printf("relay: rejecting unknown path %q from %s", r.URL.Path, remote)
		s.metrics.UpgradeRejections.WithLabelValues("unknown_path").Inc()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseUnknownPath, "unknown relay path"),
			time.Now().Add(time.Second),
		)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan []byte, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.relay.RunConnection(ctx, binding, remote, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// The relay closes outbound when the connection is finished.
		failed := false
		for msg := range outbound {
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
				failed = true
				cancel()
				continue
			}
			if t, ok := protocol.TypeOf(msg); ok {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
		cancel()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}()

	conn.SetReadLimit(relayReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(relayReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(relayReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(relayReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", "frame").Inc()
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- data:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
}
