package ratelimit

import (
	"math"
	"sync"
	"time"
)

// TokenBucket allows bursts up to Capacity and refills continuously at
// RefillPerSecond. Refill happens lazily on each check, so an idle bucket
// costs nothing.
type TokenBucket struct {
	mu sync.Mutex

	capacity float64
	rate     float64
	tokens   float64
	last     time.Time
	now      func() time.Time
}

func NewTokenBucket(capacity, refillPerSecond float64) *TokenBucket {
	return newTokenBucket(capacity, refillPerSecond, time.Now)
}

func newTokenBucket(capacity, refillPerSecond float64, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	if capacity < 0 {
		capacity = 0
	}
	if refillPerSecond < 0 {
		refillPerSecond = 0
	}
	return &TokenBucket{
		capacity: capacity,
		rate:     refillPerSecond,
		tokens:   capacity,
		last:     now(),
		now:      now,
	}
}

// CanConsume takes n tokens if at least n are available. When it returns
// false the bucket is left untouched (apart from the refill).
func (b *TokenBucket) CanConsume(n float64) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if n <= 0 {
		return true
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Tokens reports the currently available tokens after a refill.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// RetryAfter returns how long until one token is available, rounded up to
// whole seconds with a floor of one.
func (b *TokenBucket) RetryAfter() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= 1 {
		return 0
	}
	if b.rate <= 0 {
		return 1
	}
	retry := int(math.Ceil((1 - b.tokens) / b.rate))
	if retry < 1 {
		retry = 1
	}
	return retry
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	if b.tokens < 0 {
		b.tokens = 0
	}
	b.last = now
}

// Buckets hands out one TokenBucket per key (client IP, connection id).
// The map is bounded; entries idle longer than ttl are collected.
type Buckets struct {
	capacity float64
	rate     float64
	now      func() time.Time

	maxEntries int
	ttl        time.Duration

	mu sync.Mutex
	m  map[string]*keyedBucket
}

type keyedBucket struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

func NewBuckets(capacity, refillPerSecond float64) *Buckets {
	return newBuckets(capacity, refillPerSecond, time.Now)
}

func newBuckets(capacity, refillPerSecond float64, now func() time.Time) *Buckets {
	if now == nil {
		now = time.Now
	}
	return &Buckets{
		capacity:   capacity,
		rate:       refillPerSecond,
		now:        now,
		maxEntries: 10_000,
		ttl:        30 * time.Minute,
		m:          make(map[string]*keyedBucket),
	}
}

// Allow consumes one token from the bucket for key. The second result is a
// Retry-After hint in seconds when the call is denied.
func (b *Buckets) Allow(key string) (bool, int) {
	if b == nil {
		return true, 0
	}
	if key == "" {
		key = "anonymous"
	}
	kb := b.get(key)
	if kb.CanConsume(1) {
		return true, 0
	}
	return false, kb.RetryAfter()
}

// Len reports how many keys are currently tracked.
func (b *Buckets) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.m)
}

func (b *Buckets) get(key string) *TokenBucket {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if kb, ok := b.m[key]; ok {
		kb.lastSeen = now
		return kb.bucket
	}
	if len(b.m) >= b.maxEntries {
		for k, v := range b.m {
			if now.Sub(v.lastSeen) > b.ttl {
				delete(b.m, k)
			}
		}
		// Still full: drop an arbitrary entry, bounded memory beats fairness here.
		if len(b.m) >= b.maxEntries {
			for k := range b.m {
				delete(b.m, k)
				break
			}
		}
	}
	kb := &keyedBucket{bucket: newTokenBucket(b.capacity, b.rate, b.now), lastSeen: now}
	b.m[key] = kb
	return kb.bucket
}
