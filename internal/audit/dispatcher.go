package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher relays events to a sink from a single goroutine. Events emitted
// after shutdown started, rejected by a full buffer, or lost to a panicking
// sink are counted as dropped.
type Dispatcher struct {
	mu         sync.RWMutex
	closing    bool
	queue      chan Event
	sink       Sink
	dropIfFull bool
	drained    chan struct{}
	dropped    atomic.Uint64
	delivered  atomic.Uint64
}

// NewDispatcher returns nil when cfg is disabled; every method is safe on a
// nil *Dispatcher.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		queue:      make(chan Event, size),
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		drained:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.drained)
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	defer func() {
		if recover() != nil {
			d.dropped.Add(1)
		}
	}()
	d.sink.Emit(context.Background(), ev)
	d.delivered.Add(1)
}

// Emit queues ev. In blocking mode it waits for buffer space until ctx ends.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closing {
		d.dropped.Add(1)
		return
	}

	if d.dropIfFull {
		select {
		case d.queue <- ev:
		default:
			d.dropped.Add(1)
		}
		return
	}
	select {
	case d.queue <- ev:
	case <-ctx.Done():
		d.dropped.Add(1)
	}
}

// Shutdown stops intake and waits for queued events to reach the sink, or for
// ctx to end. It is idempotent.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.closing {
		d.closing = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue without a deadline.
func (d *Dispatcher) Close() {
	_ = d.Shutdown(context.Background())
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}
