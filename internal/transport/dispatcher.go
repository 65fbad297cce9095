package transport

import "sync"

// dispatcher runs the handler on its own goroutine over an unbounded queue
// so upstream readers never block on a slow handler.
type dispatcher struct {
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	sealed  bool
	started bool
	done    chan struct{}
}

func newDispatcher(handler Handler) *dispatcher {
	d := &dispatcher{handler: handler, done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.sealed {
		return
	}
	d.started = true
	go d.run()
}

// push queues ev unless the dispatcher has been sealed.
func (d *dispatcher) push(ev Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sealed {
		return false
	}
	d.queue = append(d.queue, ev)
	d.cond.Signal()
	return true
}

// seal queues a final event and stops accepting new ones. The run loop exits
// once the queue drains.
func (d *dispatcher) seal(final *Event) {
	d.mu.Lock()
	if d.sealed {
		d.mu.Unlock()
		return
	}
	if final != nil {
		d.queue = append(d.queue, *final)
	}
	d.sealed = true
	started := d.started
	d.cond.Signal()
	d.mu.Unlock()
	if !started {
		close(d.done)
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.sealed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if d.handler != nil {
			d.handler(ev)
		}
	}
}
