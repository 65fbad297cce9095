package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"
)

// SoftContext is an AudioContext without hardware. Processors pull from their
// input in a goroutine, paced to real time unless pacing is disabled.
type SoftContext struct {
	sampleRate int
	paced      bool

	mu    sync.Mutex
	state ContextState
	nodes []*softNode
	dest  *softNode
}

func NewSoftContext(sampleRate int) *SoftContext {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	c := &SoftContext{sampleRate: sampleRate, paced: true, state: StateSuspended}
	c.dest = &softNode{ctx: c, kind: nodeDestination}
	return c
}

// Unpaced makes processors deliver blocks as fast as the input allows.
func (c *SoftContext) Unpaced() *SoftContext {
	c.mu.Lock()
	c.paced = false
	c.mu.Unlock()
	return c
}

func (c *SoftContext) SampleRate() int { return c.sampleRate }

func (c *SoftContext) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SoftContext) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrContextClosed
	}
	c.state = StateRunning
	return nil
}

func (c *SoftContext) Suspend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrContextClosed
	}
	c.state = StateSuspended
	return nil
}

func (c *SoftContext) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	nodes := c.nodes
	c.nodes = nil
	c.mu.Unlock()

	for _, n := range nodes {
		n.Disconnect()
	}
	return nil
}

func (c *SoftContext) NewProcessor(input AudioInput, blockSize int, onBlock func([]float32)) (Node, error) {
	if input == nil {
		return nil, errors.New("processor needs an audio input")
	}
	if blockSize <= 0 {
		return nil, errors.New("block size must be > 0")
	}
	return c.addNode(&softNode{ctx: c, kind: nodeProcessor, input: input, blockSize: blockSize, onBlock: onBlock})
}

func (c *SoftContext) NewGain(gain float64) (Node, error) {
	return c.addNode(&softNode{ctx: c, kind: nodeGain, gain: gain})
}

func (c *SoftContext) Destination() Node { return c.dest }

func (c *SoftContext) addNode(n *softNode) (Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil, ErrContextClosed
	}
	c.nodes = append(c.nodes, n)
	return n, nil
}

type nodeKind int

const (
	nodeProcessor nodeKind = iota
	nodeGain
	nodeDestination
)

type softNode struct {
	ctx  *SoftContext
	kind nodeKind
	gain float64

	input     AudioInput
	blockSize int
	onBlock   func([]float32)

	mu      sync.Mutex
	out     Node
	stop    chan struct{}
	running bool
}

func (n *softNode) Connect(dst Node) error {
	if dst == nil {
		return errors.New("connect to nil node")
	}
	if n.ctx.State() == StateClosed {
		return ErrContextClosed
	}
	n.mu.Lock()
	n.out = dst
	var stop chan struct{}
	if n.kind == nodeProcessor && !n.running {
		n.running = true
		stop = make(chan struct{})
		n.stop = stop
	}
	n.mu.Unlock()
	if stop != nil {
		go n.pump(stop)
	}
	return nil
}

// Disconnect detaches the node. A processor stops pulling from its input,
// though a block already being delivered may still complete.
func (n *softNode) Disconnect() {
	n.mu.Lock()
	n.out = nil
	stop := n.stop
	n.running = false
	n.stop = nil
	n.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

// Connected reports the node downstream of n, if any.
func (n *softNode) Connected() Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.out
}

func (n *softNode) pump(stop <-chan struct{}) {
	rate := n.input.SampleRate()
	if rate <= 0 {
		rate = n.ctx.sampleRate
	}
	blockDuration := time.Duration(float64(n.blockSize) / float64(rate) * float64(time.Second))
	next := time.Now()

	for {
		select {
		case <-stop:
			return
		default:
		}
		if n.ctx.State() != StateRunning {
			select {
			case <-stop:
				return
			case <-time.After(blockDuration):
			}
			continue
		}

		buf := make([]float32, n.blockSize)
		count, err := n.input.ReadBlock(buf)
		if count > 0 && n.onBlock != nil {
			n.onBlock(buf[:count])
		}
		if err != nil {
			return
		}

		n.ctx.mu.Lock()
		paced := n.ctx.paced
		n.ctx.mu.Unlock()
		if !paced {
			continue
		}
		next = next.Add(blockDuration)
		if wait := time.Until(next); wait > 0 {
			select {
			case <-stop:
				return
			case <-time.After(wait):
			}
		}
	}
}

// PCMInput reads 16-bit signed little-endian mono PCM from r.
type PCMInput struct {
	r          *bufio.Reader
	sampleRate int
	mu         sync.Mutex
}

func NewPCMInput(r io.Reader, sampleRate int) *PCMInput {
	return &PCMInput{r: bufio.NewReader(r), sampleRate: sampleRate}
}

func (p *PCMInput) SampleRate() int { return p.sampleRate }

func (p *PCMInput) ReadBlock(buf []float32) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var sample [2]byte
	for i := range buf {
		if _, err := io.ReadFull(p.r, sample[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			return i, err
		}
		buf[i] = float32(int16(binary.LittleEndian.Uint16(sample[:]))) / 32768
	}
	return len(buf), nil
}
