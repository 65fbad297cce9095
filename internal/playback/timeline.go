package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/livegate/internal/audio"
)

// Timeline is a software Output. It renders scheduled buffers into a mono
// track on a wall-clock timeline, which can be saved as WAV.
type Timeline struct {
	sampleRate int
	start      time.Time
	now        func() time.Time

	mu      sync.Mutex
	samples []float32
}

func NewTimeline(sampleRate int) *Timeline {
	return newTimeline(sampleRate, time.Now)
}

func newTimeline(sampleRate int, now func() time.Time) *Timeline {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Timeline{sampleRate: sampleRate, start: now(), now: now}
}

func (t *Timeline) Now() float64 {
	return t.now().Sub(t.start).Seconds()
}

func (t *Timeline) Play(samples []float32, sampleRate int, at float64, onEnded func()) (Source, error) {
	if sampleRate != t.sampleRate {
		return nil, errors.New("timeline sample rate mismatch")
	}
	if at < 0 {
		at = 0
	}
	offset := int(at * float64(t.sampleRate))

	t.mu.Lock()
	if need := offset + len(samples); need > len(t.samples) {
		t.samples = append(t.samples, make([]float32, need-len(t.samples))...)
	}
	for i, v := range samples {
		t.samples[offset+i] += v
	}
	t.mu.Unlock()

	src := &timelineSource{tl: t, offset: offset, length: len(samples), samples: samples, onEnded: onEnded}
	until := time.Duration((at-t.Now())*float64(time.Second)) + audio.Duration(len(samples), t.sampleRate)
	if until < 0 {
		until = 0
	}
	src.timer = time.AfterFunc(until, src.end)
	return src, nil
}

// PCM returns the rendered track as PCM16LE.
func (t *Timeline) PCM() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.EncodePCM16(t.samples)
}

func (t *Timeline) SampleRate() int { return t.sampleRate }

type timelineSource struct {
	tl      *Timeline
	offset  int
	length  int
	samples []float32
	onEnded func()
	timer   *time.Timer
	once    sync.Once
}

// Stop removes the part of the buffer that has not played yet.
func (s *timelineSource) Stop() {
	s.timer.Stop()
	played := int(s.tl.Now()*float64(s.tl.sampleRate)) - s.offset
	if played < 0 {
		played = 0
	}
	s.tl.mu.Lock()
	for i := played; i < s.length; i++ {
		s.tl.samples[s.offset+i] -= s.samples[i]
	}
	s.tl.mu.Unlock()
	s.end()
}

func (s *timelineSource) end() {
	s.once.Do(func() {
		if s.onEnded != nil {
			s.onEnded()
		}
	})
}
