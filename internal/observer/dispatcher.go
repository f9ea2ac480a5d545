package observer

import (
	"context"
	"sync"
)

// queued is either a lifecycle event or a flush barrier.
type queued struct {
	event   Event
	barrier chan struct{}
}

// dispatcher delivers events on a single goroutine in the order they were
// pushed. The queue is unbounded so push never blocks the caller.
type dispatcher struct {
	deliver func(Event)

	mu     sync.Mutex
	queue  []queued
	closed bool

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func newDispatcher(deliver func(Event)) *dispatcher {
	d := &dispatcher{
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) push(ev Event) {
	d.enqueue(queued{event: ev})
}

func (d *dispatcher) enqueue(q queued) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, q)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// flush waits until everything pushed before the call has been delivered.
func (d *dispatcher) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !d.enqueue(queued{barrier: barrier}) {
		return ErrClosed
	}
	select {
	case <-barrier:
		return nil
	case <-d.doneCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if d.closed || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			next := d.queue[0]
			d.queue[0] = queued{}
			d.queue = d.queue[1:]
			d.mu.Unlock()

			if next.barrier != nil {
				close(next.barrier)
				continue
			}
			d.deliver(next.event)
		}
	}
}

// close drops undelivered events and waits for an in-flight delivery to
// finish. It must not be called from a listener.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.doneCh
		return
	}
	d.closed = true
	d.queue = nil
	d.mu.Unlock()

	close(d.stopCh)
	<-d.doneCh
}
