package capture

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/livegate/internal/ratelimit"
)

const (
	defaultFrameInterval = time.Second
	defaultTargetWidth   = 640
	defaultJPEGQuality   = 70
	defaultBlockSize     = 4096
)

type Options struct {
	FrameInterval time.Duration
	TargetWidth   int
	JPEGQuality   int
	BlockSize     int
	// Throttler gates video ticks. The default admits at most one frame per
	// half interval so ticker jitter does not skip frames.
	Throttler *ratelimit.FrameThrottler
}

func (o Options) withDefaults() Options {
	if o.FrameInterval <= 0 {
		o.FrameInterval = defaultFrameInterval
	}
	if o.TargetWidth <= 0 {
		o.TargetWidth = defaultTargetWidth
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = defaultJPEGQuality
	}
	if o.BlockSize <= 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.Throttler == nil {
		o.Throttler = ratelimit.NewFrameThrottler(o.FrameInterval / 2)
	}
	return o
}

// Start wires stream into actx and begins delivering audio blocks to onChunk
// and base64 JPEG frames to onFrame. Audio setup failures are logged and the
// video path keeps running. The returned stop function is idempotent.
func Start(stream MediaStream, actx AudioContext, opts Options, onChunk func([]float32), onFrame func(string)) (func(), error) {
	opts = opts.withDefaults()
	p := &pipeline{}

	if stream != nil {
		if input := stream.AudioTrack(); input != nil && actx != nil {
			if err := p.startAudio(actx, input, opts.BlockSize, onChunk); err != nil {
				log.Printf("capture: audio path disabled: %v", err)
				p.disconnectNodes()
			}
		}
		if video := stream.VideoTrack(); video != nil {
			p.startVideo(video, opts, onFrame)
		}
	}
	return p.stop, nil
}

type pipeline struct {
	stopped atomic.Bool
	once    sync.Once

	mu     sync.Mutex
	nodes  []Node
	ticker *time.Ticker
	done   chan struct{}
}

func (p *pipeline) startAudio(actx AudioContext, input AudioInput, blockSize int, onChunk func([]float32)) error {
	processor, err := actx.NewProcessor(input, blockSize, func(block []float32) {
		if p.stopped.Load() || onChunk == nil {
			return
		}
		onChunk(block)
	})
	if err != nil {
		return err
	}
	p.track(processor)

	mute, err := actx.NewGain(0)
	if err != nil {
		return err
	}
	p.track(mute)

	if err := mute.Connect(actx.Destination()); err != nil {
		return err
	}
	return processor.Connect(mute)
}

func (p *pipeline) startVideo(video VideoSource, opts Options, onFrame func(string)) {
	p.mu.Lock()
	p.ticker = time.NewTicker(opts.FrameInterval)
	p.done = make(chan struct{})
	ticker, done := p.ticker, p.done
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			if p.stopped.Load() || video.Paused() || !opts.Throttler.Allow() {
				continue
			}
			img, err := video.Frame()
			if err != nil {
				log.Printf("capture: read frame failed: %v", err)
				continue
			}
			encoded, err := EncodeFrame(img, opts.TargetWidth, opts.JPEGQuality)
			if err != nil {
				log.Printf("capture: encode frame failed: %v", err)
				continue
			}
			if onFrame != nil && !p.stopped.Load() {
				onFrame(encoded)
			}
		}
	}()
}

func (p *pipeline) track(n Node) {
	p.mu.Lock()
	p.nodes = append(p.nodes, n)
	p.mu.Unlock()
}

func (p *pipeline) disconnectNodes() {
	p.mu.Lock()
	nodes := p.nodes
	p.nodes = nil
	p.mu.Unlock()
	for _, n := range nodes {
		n.Disconnect()
	}
}

func (p *pipeline) stop() {
	p.once.Do(func() {
		p.stopped.Store(true)
		p.mu.Lock()
		if p.ticker != nil {
			p.ticker.Stop()
			close(p.done)
		}
		p.mu.Unlock()
		p.disconnectNodes()
	})
}
