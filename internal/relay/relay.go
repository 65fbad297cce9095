package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/livegate/internal/observability"
	"github.com/ent0n29/livegate/internal/paths"
	"github.com/ent0n29/livegate/internal/policy"
	"github.com/ent0n29/livegate/internal/protocol"
	"github.com/ent0n29/livegate/internal/ratelimit"
	"github.com/ent0n29/livegate/internal/reliability"
	"github.com/ent0n29/livegate/internal/session"
	"github.com/ent0n29/livegate/internal/upstream"
)

var ErrUnknownPath = errors.New("unknown relay path")

type Options struct {
	ConnectTimeout     time.Duration
	FrameRatePerSecond float64
	FrameBurst         float64
}

// Relay binds client connections to upstream model sessions, one upstream
// session per connection.
type Relay struct {
	dialer   upstream.Dialer
	bindings *paths.Table
	sessions *session.Manager
	metrics  *observability.Metrics
	opts     Options

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(dialer upstream.Dialer, bindings *paths.Table, sessions *session.Manager, metrics *observability.Metrics, opts Options) *Relay {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	r := &Relay{
		dialer:   dialer,
		bindings: bindings,
		sessions: sessions,
		metrics:  metrics,
		opts:     opts,
		cancels:  make(map[string]context.CancelFunc),
	}
	sessions.SetExpireHook(r.expire)
	return r
}

func (r *Relay) Lookup(path string) (paths.Binding, bool) {
	return r.bindings.Lookup(path)
}

func (r *Relay) Bindings() []paths.Binding {
	return r.bindings.List()
}

// RunConnection relays one client connection. inbound carries raw client
// text frames and is closed when the client goes away. Server frames are
// written to outbound, which RunConnection closes before returning.
func (r *Relay) RunConnection(ctx context.Context, binding paths.Binding, remoteAddr string, inbound <-chan []byte, outbound chan<- any) error {
	tracked := r.sessions.Create(binding.Path, binding.Model, remoteAddr)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.cancels[tracked.ID] = cancel
	r.mu.Unlock()

	c := &connection{
		relay:    r,
		id:       tracked.ID,
		binding:  binding,
		ctx:      ctx,
		outbound: outbound,
		done:     make(chan struct{}),
	}
	if r.opts.FrameBurst > 0 {
		c.frames = ratelimit.NewTokenBucket(r.opts.FrameBurst, r.opts.FrameRatePerSecond)
	}

	r.metrics.ActiveConnections.Inc()
	r.metrics.ConnectionEvents.WithLabelValues("connected").Inc()
	log.Printf("relay: connection %s opened on %s (model %s)", c.id, binding.Path, binding.Model)

	for {
		select {
		case <-ctx.Done():
			c.teardown("context done")
			return nil
		case <-c.done:
			return nil
		case raw, ok := <-inbound:
			if !ok {
				r.metrics.ConnectionEvents.WithLabelValues("client_closed").Inc()
				c.teardown("client closed")
				return nil
			}
			c.handleFrame(raw)
		}
	}
}

func (r *Relay) expire(s *session.Session) {
	r.mu.Lock()
	cancel, ok := r.cancels[s.ID]
	r.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("relay: connection %s idle since %s, closing", s.ID, s.LastActivityAt.Format(time.RFC3339))
	r.metrics.ConnectionEvents.WithLabelValues("idle_expired").Inc()
	cancel()
}

func (r *Relay) forget(id string) {
	r.mu.Lock()
	delete(r.cancels, id)
	r.mu.Unlock()
}

type connection struct {
	relay    *Relay
	id       string
	binding  paths.Binding
	ctx      context.Context
	frames   *ratelimit.TokenBucket
	outbound chan<- any
	done     chan struct{}

	mu        sync.Mutex
	closed    bool
	setupSent bool
	upstream  upstream.Session
	setupAt   time.Time
	gotFirst  bool

	once sync.Once
}

func (c *connection) handleFrame(raw []byte) {
	_ = c.relay.sessions.Touch(c.id, session.Inbound)
	if c.frames != nil && !c.frames.CanConsume(1) {
		c.relay.metrics.ObserveDroppedFrame("rate_limited")
		return
	}

	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		log.Printf("relay: connection %s ignoring frame: %v", c.id, err)
		c.relay.metrics.ObserveDroppedFrame("invalid")
		return
	}

	switch m := msg.(type) {
	case protocol.Setup:
		c.startUpstream(m)
	case protocol.RealtimeInput:
		sess := c.session()
		if sess == nil {
			log.Printf("relay: connection %s dropping realtimeInput before setup", c.id)
			c.relay.metrics.ObserveDroppedFrame("before_setup")
			return
		}
		if err := sess.SendRealtimeInput(m.Data); err != nil {
			log.Printf("relay: connection %s forward realtimeInput failed: %v", c.id, err)
		}
	case protocol.ToolResponse:
		sess := c.session()
		if sess == nil {
			log.Printf("relay: connection %s dropping toolResponse before setup", c.id)
			c.relay.metrics.ObserveDroppedFrame("before_setup")
			return
		}
		if err := sess.SendToolResponse(m.Data); err != nil {
			log.Printf("relay: connection %s forward toolResponse failed: %v", c.id, err)
		}
	}
}

func (c *connection) session() upstream.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.upstream
}

func (c *connection) startUpstream(setup protocol.Setup) {
	c.mu.Lock()
	if c.setupSent || c.closed {
		c.mu.Unlock()
		log.Printf("relay: connection %s ignoring repeated setup", c.id)
		c.relay.metrics.ObserveDroppedFrame("repeated_setup")
		return
	}
	c.setupSent = true
	c.setupAt = time.Now()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.relay.opts.ConnectTimeout)
	defer cancel()

	sess, err := c.relay.dialer.Connect(ctx, upstream.Setup{
		Model:              c.binding.Model,
		SystemInstruction:  setup.SystemInstruction,
		Tools:              setup.Tools,
		ResponseModalities: c.binding.ResponseModalities,
		Voice:              c.binding.Voice,
	}, upstream.Callbacks{
		OnOpen:    c.onUpstreamOpen,
		OnMessage: c.onUpstreamMessage,
		OnError:   c.onUpstreamError,
		OnClose:   c.onUpstreamClose,
	})
	if err != nil {
		log.Printf("relay: connection %s upstream connect failed: %s", c.id, policy.RedactError(err))
		c.relay.metrics.UpstreamErrors.WithLabelValues("connect").Inc()
		c.relay.metrics.ConnectionEvents.WithLabelValues("upstream_connect_failed").Inc()
		c.emit(protocol.NewError("upstream connect failed: " + policy.RedactError(err)))
		c.emit(protocol.NewClose(1011, "upstream connect failed"))
		c.teardown("upstream connect failed")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sess.Close()
		return
	}
	c.upstream = sess
	c.mu.Unlock()
}

func (c *connection) onUpstreamOpen() {
	c.mu.Lock()
	since := time.Since(c.setupAt)
	c.mu.Unlock()
	c.relay.metrics.ObserveUpstreamOpen(since)
	c.relay.metrics.ConnectionEvents.WithLabelValues("upstream_open").Inc()
	_ = c.relay.sessions.SetUpstreamOpen(c.id, true)
	c.emit(protocol.NewOpen())
}

func (c *connection) onUpstreamMessage(raw json.RawMessage) {
	c.mu.Lock()
	first := !c.gotFirst
	c.gotFirst = true
	since := time.Since(c.setupAt)
	c.mu.Unlock()
	if first {
		c.relay.metrics.ObserveFirstUpstreamMessage(since)
	}
	c.emit(protocol.NewMessage(append(json.RawMessage(nil), raw...)))
}

func (c *connection) onUpstreamError(err error) {
	if err == nil {
		return
	}
	msg := policy.RedactError(err)
	log.Printf("relay: connection %s upstream error: %s", c.id, msg)
	c.relay.metrics.UpstreamErrors.WithLabelValues("session").Inc()
	c.emit(protocol.NewError(msg))
}

func (c *connection) onUpstreamClose(code int, reason string) {
	c.relay.metrics.ConnectionEvents.WithLabelValues("upstream_close_" + reliability.CloseClass(code)).Inc()
	c.emit(protocol.NewClose(code, reason))
	c.teardown("upstream closed")
}

// emit queues a server frame unless the connection is torn down.
func (c *connection) emit(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.outbound <- msg:
		_ = c.relay.sessions.Touch(c.id, session.Outbound)
	case <-c.ctx.Done():
	}
}

// teardown runs once per connection, whichever side ends it first.
func (c *connection) teardown(reason string) {
	var sess upstream.Session
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		sess = c.upstream
		c.upstream = nil
		close(c.outbound)
		c.mu.Unlock()
		close(c.done)

		c.relay.forget(c.id)
		if final, err := c.relay.sessions.End(c.id); err == nil {
			log.Printf("relay: connection %s closed (%s) after %d in / %d out frames", c.id, reason, final.FramesIn, final.FramesOut)
		}
		c.relay.metrics.ActiveConnections.Dec()
	})
	if sess != nil {
		if err := sess.Close(); err != nil {
			log.Printf("relay: connection %s upstream close failed: %v", c.id, err)
		}
	}
}
