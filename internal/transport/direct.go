package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ent0n29/livegate/internal/upstream"
)

// DirectTarget dials the model endpoint in-process.
type DirectTarget struct {
	Dialer             upstream.Dialer
	ResponseModalities []string
	Voice              string
}

func (d DirectTarget) newBackend(cfg SessionConfig) (backend, error) {
	if d.Dialer == nil {
		return nil, errors.New("transport: direct target needs a dialer")
	}
	return &directBackend{
		dialer: d.Dialer,
		setup: upstream.Setup{
			Model:              cfg.Model,
			SystemInstruction:  cfg.SystemInstruction,
			Tools:              cfg.Tools,
			ResponseModalities: d.ResponseModalities,
			Voice:              d.Voice,
		},
	}, nil
}

type directBackend struct {
	dialer upstream.Dialer
	setup  upstream.Setup

	mu       sync.Mutex
	session  upstream.Session
	released bool
}

func (b *directBackend) connect(ctx context.Context, ev events) error {
	session, err := b.dialer.Connect(ctx, b.setup, upstream.Callbacks{
		OnOpen:    ev.onOpen,
		OnMessage: ev.onMessage,
		OnError:   ev.onError,
		OnClose:   ev.onClose,
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		_ = session.Close()
		return ErrClosed
	}
	b.session = session
	b.mu.Unlock()
	return nil
}

func (b *directBackend) current() (upstream.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released || b.session == nil {
		return nil, ErrClosed
	}
	return b.session, nil
}

func (b *directBackend) sendRealtime(data json.RawMessage) error {
	session, err := b.current()
	if err != nil {
		return err
	}
	return session.SendRealtimeInput(data)
}

func (b *directBackend) sendToolResponse(data json.RawMessage) error {
	session, err := b.current()
	if err != nil {
		return err
	}
	return session.SendToolResponse(data)
}

func (b *directBackend) close() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	session := b.session
	b.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}
