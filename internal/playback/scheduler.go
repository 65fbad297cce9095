package playback

import (
	"errors"
	"log"
	"sync"

	"github.com/ent0n29/livegate/internal/audio"
)

// Clock reports the output's current time in seconds.
type Clock interface {
	Now() float64
}

// Source is one scheduled buffer.
type Source interface {
	Stop()
}

// Output plays float buffers at absolute clock times. onEnded fires once
// when the buffer finishes or is stopped.
type Output interface {
	Clock
	Play(samples []float32, sampleRate int, at float64, onEnded func()) (Source, error)
}

// Scheduler queues inbound PCM chunks back to back on an Output. It keeps a
// cursor for the next start time instead of an explicit queue: each chunk
// starts at max(cursor, now) and pushes the cursor by its duration.
type Scheduler struct {
	out        Output
	sampleRate int

	mu     sync.Mutex
	cursor float64
	live   map[*scheduled]struct{}
}

type scheduled struct {
	src   Source
	ended bool

	// stopped marks entries cleared by StopAll, possibly before Play returned.
	stopped bool
}

func NewScheduler(out Output, sampleRate int) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Scheduler{
		out:        out,
		sampleRate: sampleRate,
		cursor:     out.Now(),
		live:       make(map[*scheduled]struct{}),
	}
}

// Enqueue decodes a PCM16LE chunk and schedules it. It returns the chosen
// start time.
func (s *Scheduler) Enqueue(pcm []byte) (float64, error) {
	samples := audio.DecodePCM16(pcm)
	if len(samples) == 0 {
		return 0, errors.New("empty audio chunk")
	}
	duration := float64(len(samples)) / float64(s.sampleRate)

	s.mu.Lock()
	start := s.cursor
	if now := s.out.Now(); now > start {
		start = now
	}
	s.cursor = start + duration
	entry := &scheduled{}
	s.live[entry] = struct{}{}
	s.mu.Unlock()

	src, err := s.out.Play(samples, s.sampleRate, start, func() { s.finished(entry) })
	if err != nil {
		s.finished(entry)
		return 0, err
	}

	s.mu.Lock()
	if entry.ended {
		stopped := entry.stopped
		s.mu.Unlock()
		if stopped {
			src.Stop()
		}
		return start, nil
	}
	entry.src = src
	s.mu.Unlock()
	return start, nil
}

// StopAll halts every source still playing and rewinds the cursor to zero so
// a reused scheduler does not queue far in the future.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	stopping := make([]Source, 0, len(s.live))
	for entry := range s.live {
		entry.ended = true
		entry.stopped = true
		if entry.src != nil {
			stopping = append(stopping, entry.src)
		}
	}
	s.live = make(map[*scheduled]struct{})
	s.cursor = 0
	s.mu.Unlock()

	for _, src := range stopping {
		src.Stop()
	}
	if len(stopping) > 0 {
		log.Printf("playback: stopped %d scheduled sources", len(stopping))
	}
}

// Pending reports how many scheduled sources have not finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Cursor returns the start time the next chunk would get if the clock had
// not moved.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Scheduler) finished(entry *scheduled) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ended = true
	delete(s.live, entry)
}
