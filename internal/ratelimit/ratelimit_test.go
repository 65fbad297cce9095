package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTokenBucketBurstBoundedByCapacity(t *testing.T) {
	clock := newFakeClock()
	b := newTokenBucket(5, 2, clock.Now)

	allowed := 0
	for i := 0; i < 50; i++ {
		if b.CanConsume(1) {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("allowed = %d, want 5", allowed)
	}
}

func TestTokenBucketRefillsLazily(t *testing.T) {
	clock := newFakeClock()
	b := newTokenBucket(2, 1, clock.Now)
	if !b.CanConsume(2) {
		t.Fatalf("CanConsume(2) on full bucket = false, want true")
	}
	if b.CanConsume(1) {
		t.Fatalf("CanConsume(1) on empty bucket = true, want false")
	}

	clock.Advance(1500 * time.Millisecond)
	if !b.CanConsume(1) {
		t.Fatalf("CanConsume(1) after refill = false, want true")
	}
	if b.CanConsume(1) {
		t.Fatalf("CanConsume(1) with 0.5 tokens = true, want false")
	}

	clock.Advance(time.Hour)
	if got := b.Tokens(); got != 2 {
		t.Fatalf("Tokens() after long idle = %v, want capacity 2", got)
	}
}

func TestTokenBucketFailedConsumeHasNoSideEffect(t *testing.T) {
	clock := newFakeClock()
	b := newTokenBucket(3, 1, clock.Now)
	if b.CanConsume(4) {
		t.Fatalf("CanConsume(4) > capacity = true, want false")
	}
	if got := b.Tokens(); got != 3 {
		t.Fatalf("Tokens() = %v, want 3", got)
	}
}

func TestTokenBucketRetryAfter(t *testing.T) {
	clock := newFakeClock()
	b := newTokenBucket(1, 0.5, clock.Now)
	_ = b.CanConsume(1)
	if got := b.RetryAfter(); got != 2 {
		t.Fatalf("RetryAfter() = %d, want 2", got)
	}
}

func TestBucketsArePerKey(t *testing.T) {
	clock := newFakeClock()
	b := newBuckets(1, 1, clock.Now)
	if ok, _ := b.Allow("10.0.0.1"); !ok {
		t.Fatalf("first call for key a denied")
	}
	ok, retry := b.Allow("10.0.0.1")
	if ok {
		t.Fatalf("second call for key a allowed, want denied")
	}
	if retry < 1 {
		t.Fatalf("retry = %d, want >= 1", retry)
	}
	if ok, _ := b.Allow("10.0.0.2"); !ok {
		t.Fatalf("first call for key b denied")
	}
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
}

func TestSlidingWindowExactlyMaxPerWindow(t *testing.T) {
	clock := newFakeClock()
	w := newSlidingWindow(3, 10*time.Second, clock.Now)

	for i := 0; i < 3; i++ {
		if !w.CanCall("propose") {
			t.Fatalf("call %d denied, want allowed", i+1)
		}
	}
	for i := 0; i < 5; i++ {
		if w.CanCall("propose") {
			t.Fatalf("call beyond max allowed")
		}
	}
	if !w.CanCall("other") {
		t.Fatalf("independent key denied")
	}

	// Exactly at reset time is still inside the window.
	clock.Advance(10 * time.Second)
	if w.CanCall("propose") {
		t.Fatalf("call at resetTime allowed, want denied until now > resetTime")
	}

	clock.Advance(time.Millisecond)
	if !w.CanCall("propose") {
		t.Fatalf("call after reset denied")
	}
	resetAt, ok := w.ResetAt("propose")
	if !ok || !resetAt.Equal(clock.Now().Add(10*time.Second)) {
		t.Fatalf("ResetAt() = %v, %v; want new window from now", resetAt, ok)
	}
}

func TestSlidingWindowRetryInUsesWindowClock(t *testing.T) {
	clock := newFakeClock()
	w := NewSlidingWindowWithClock(1, time.Minute, clock.Now)

	if got := w.RetryIn("propose"); got != 0 {
		t.Fatalf("RetryIn() before any call = %v, want 0", got)
	}
	w.CanCall("propose")
	clock.Advance(20 * time.Second)
	if got := w.RetryIn("propose"); got != 40*time.Second {
		t.Fatalf("RetryIn() = %v, want 40s", got)
	}
	clock.Advance(time.Hour)
	if got := w.RetryIn("propose"); got != 0 {
		t.Fatalf("RetryIn() after window = %v, want 0", got)
	}
}

func TestFrameThrottlerAdmitsAfterInterval(t *testing.T) {
	clock := newFakeClock()
	th := newFrameThrottler(time.Second, clock.Now)

	if !th.Allow() {
		t.Fatalf("first tick denied")
	}
	clock.Advance(600 * time.Millisecond)
	if th.Allow() {
		t.Fatalf("tick at 600ms admitted")
	}
	// A rejected attempt must not reset the timestamp.
	clock.Advance(400 * time.Millisecond)
	if !th.Allow() {
		t.Fatalf("tick at 1000ms denied")
	}
	clock.Advance(999 * time.Millisecond)
	if th.Allow() {
		t.Fatalf("tick at 999ms after admission admitted")
	}
}
