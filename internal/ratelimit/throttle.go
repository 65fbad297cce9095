package ratelimit

import (
	"sync"
	"time"
)

// FrameThrottler admits a capture tick only when at least minInterval has
// passed since the last admitted tick. Rejected attempts do not move the
// timestamp.
type FrameThrottler struct {
	minInterval time.Duration
	now         func() time.Time

	mu       sync.Mutex
	lastSent time.Time
}

func NewFrameThrottler(minInterval time.Duration) *FrameThrottler {
	return newFrameThrottler(minInterval, time.Now)
}

func newFrameThrottler(minInterval time.Duration, now func() time.Time) *FrameThrottler {
	if now == nil {
		now = time.Now
	}
	return &FrameThrottler{minInterval: minInterval, now: now}
}

func (t *FrameThrottler) Allow() bool {
	if t == nil {
		return true
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastSent.IsZero() && now.Sub(t.lastSent) < t.minInterval {
		return false
	}
	t.lastSent = now
	return true
}
