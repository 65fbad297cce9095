package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow bounds the number of calls per key within a fixed window.
// A key's window starts with its first call and resets once now passes the
// reset time.
type SlidingWindow struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*windowEntry
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

func NewSlidingWindow(max int, window time.Duration) *SlidingWindow {
	return newSlidingWindow(max, window, time.Now)
}

// NewSlidingWindowWithClock is NewSlidingWindow reading time from now.
func NewSlidingWindowWithClock(max int, window time.Duration, now func() time.Time) *SlidingWindow {
	return newSlidingWindow(max, window, now)
}

func newSlidingWindow(max int, window time.Duration, now func() time.Time) *SlidingWindow {
	if now == nil {
		now = time.Now
	}
	return &SlidingWindow{
		max:     max,
		window:  window,
		now:     now,
		entries: make(map[string]*windowEntry),
	}
}

// CanCall records a call for key and reports whether it is within budget.
func (w *SlidingWindow) CanCall(key string) bool {
	if w == nil {
		return true
	}
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[key]
	if !ok || now.After(e.resetAt) {
		w.entries[key] = &windowEntry{count: 1, resetAt: now.Add(w.window)}
		return w.max > 0
	}
	if e.count < w.max {
		e.count++
		return true
	}
	return false
}

// ResetAt reports when the current window for key ends.
func (w *SlidingWindow) ResetAt(key string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.resetAt, true
}

// RetryIn reports how long until key's current window ends, measured on the
// window's own clock. It is zero when key has no window or it already ended.
func (w *SlidingWindow) RetryIn(key string) time.Duration {
	resetAt, ok := w.ResetAt(key)
	if !ok {
		return 0
	}
	if d := resetAt.Sub(w.now()); d > 0 {
		return d
	}
	return 0
}

// Max returns the per-window call budget.
func (w *SlidingWindow) Max() int { return w.max }

// Window returns the window length.
func (w *SlidingWindow) Window() time.Duration { return w.window }
