package capture

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

type ContextState int

const (
	StateSuspended ContextState = iota
	StateRunning
	StateClosed
)

func (s ContextState) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrContextClosed = errors.New("audio context closed")

// Node is a vertex of an audio graph.
type Node interface {
	Connect(dst Node) error
	Disconnect()
}

// AudioInput yields mono float samples. ReadBlock returns io.EOF once the
// input is exhausted.
type AudioInput interface {
	SampleRate() int
	ReadBlock(buf []float32) (int, error)
}

// AudioContext owns an audio graph on one piece of capture hardware.
type AudioContext interface {
	SampleRate() int
	State() ContextState
	Resume() error
	Close() error

	// NewProcessor taps input in blocks of blockSize samples. Blocks start
	// flowing once the processor is connected towards the destination.
	NewProcessor(input AudioInput, blockSize int, onBlock func([]float32)) (Node, error)
	NewGain(gain float64) (Node, error)
	Destination() Node
}

// ContextFactory builds a fresh context at the requested rate.
type ContextFactory func(sampleRate int) (AudioContext, error)

// ContextManager shares one AudioContext across overlapping capture sessions.
// The context is closed when the last holder releases it.
type ContextManager struct {
	factory ContextFactory

	mu       sync.Mutex
	shared   AudioContext
	refCount int
}

func NewContextManager(factory ContextFactory) *ContextManager {
	if factory == nil {
		factory = func(sampleRate int) (AudioContext, error) {
			return NewSoftContext(sampleRate), nil
		}
	}
	return &ContextManager{factory: factory}
}

func (m *ContextManager) Acquire(sampleRate int) (AudioContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shared != nil && m.shared.State() != StateClosed {
		if rate := m.shared.SampleRate(); rate != sampleRate {
			log.Printf("capture: shared context runs at %d Hz, requested %d Hz; keeping existing rate", rate, sampleRate)
		}
		m.refCount++
		if m.shared.State() == StateSuspended {
			if err := m.shared.Resume(); err != nil {
				log.Printf("capture: resume shared context failed: %v", err)
			}
		}
		return m.shared, nil
	}

	actx, err := m.factory(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("create audio context: %w", err)
	}
	if err := actx.Resume(); err != nil {
		log.Printf("capture: resume new context failed: %v", err)
	}
	m.shared = actx
	m.refCount = 1
	return actx, nil
}

// Release drops one reference to the shared context. A context the manager
// does not own is closed directly.
func (m *ContextManager) Release(actx AudioContext) error {
	if actx == nil {
		return nil
	}
	m.mu.Lock()
	if actx != m.shared {
		m.mu.Unlock()
		if actx.State() == StateClosed {
			return nil
		}
		return actx.Close()
	}

	m.refCount--
	if m.refCount > 0 {
		m.mu.Unlock()
		return nil
	}
	m.shared = nil
	m.refCount = 0
	m.mu.Unlock()
	return actx.Close()
}

// RefCount reports how many holders share the current context.
func (m *ContextManager) RefCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refCount
}
