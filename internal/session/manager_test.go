package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("/doctor", "gemini-live", "127.0.0.1")
	if s.ID == "" {
		t.Fatalf("connection ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Path != "/doctor" || got.Model != "gemini-live" || got.Status != StatusActive {
		t.Fatalf("unexpected connection state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after End error = %v, want ErrNotFound", err)
	}
}

func TestManagerTouchCountsFrames(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("/doctor", "m", "")
	for i := 0; i < 3; i++ {
		if err := m.Touch(s.ID, Inbound); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
	}
	if err := m.Touch(s.ID, Outbound); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if err := m.SetUpstreamOpen(s.ID, true); err != nil {
		t.Fatalf("SetUpstreamOpen() error = %v", err)
	}

	got, _ := m.Get(s.ID)
	if got.FramesIn != 3 || got.FramesOut != 1 || !got.UpstreamOpen {
		t.Fatalf("unexpected counters: %+v", got)
	}
	if err := m.Touch("missing", Inbound); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch() error = %v, want ErrNotFound", err)
	}
}

func TestManagerListOrdersByStart(t *testing.T) {
	m := NewManager(time.Minute)
	first := m.Create("/a", "m", "")
	time.Sleep(2 * time.Millisecond)
	second := m.Create("/b", "m", "")

	list := m.List()
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("List() = %+v", list)
	}
	if m.ActiveCount() != 2 {
		t.Fatalf("ActiveCount() = %d, want 2", m.ActiveCount())
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("/doctor", "m", "")

	var mu sync.Mutex
	var expired []string
	m.SetExpireHook(func(s *Session) {
		mu.Lock()
		expired = append(expired, s.ID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != s.ID {
		t.Fatalf("expired = %v, want [%s]", expired, s.ID)
	}
}
