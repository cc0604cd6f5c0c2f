package bridge

import (
	"context"
	"sync"
)

// Outbox is the unbounded outbound frame queue of one connection. Any number
// of goroutines may Push; a single writer drains it with Next.
//
// Close is idempotent. Frames pushed before Close are still delivered by
// Next; frames pushed after it are discarded.
type Outbox struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewOutbox returns an empty, open Outbox.
func NewOutbox() *Outbox {
	return &Outbox{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push enqueues frame. It never blocks and reports false once the Outbox is
// closed.
func (o *Outbox) Push(frame []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.items = append(o.items, frame)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until a frame is available and returns it. It returns false
// when the Outbox is closed and drained, or when ctx is done.
func (o *Outbox) Next(ctx context.Context) ([]byte, bool) {
	for {
		o.mu.Lock()
		if len(o.items) > 0 {
			frame := o.items[0]
			o.items[0] = nil
			o.items = o.items[1:]
			o.mu.Unlock()
			return frame, true
		}
		closed := o.closed
		o.mu.Unlock()

		if closed {
			return nil, false
		}

		select {
		case <-o.ready:
		case <-o.done:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close marks the end of the stream. It reports whether this call closed it.
func (o *Outbox) Close() bool {
	closed := false
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()
		close(o.done)
		closed = true
	})
	return closed
}

// Len returns the number of frames not yet taken by Next.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
