package bancho

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Delivery tracks one outbound message. The transport resolves it exactly
// once: either sent, or failed with an error. A sent Delivery never becomes
// unsent.
type Delivery struct {
	done       chan struct{}
	once       sync.Once
	dispatched atomic.Bool

	mu     sync.Mutex
	sent   bool
	sentAt time.Time
	err    error
}

func newDelivery() *Delivery {
	return &Delivery{done: make(chan struct{})}
}

// markDispatched records that transmission is about to begin.
func (d *Delivery) markDispatched() {
	d.dispatched.Store(true)
}

func (d *Delivery) resolve(at time.Time, err error) {
	d.once.Do(func() {
		d.mu.Lock()
		d.sent = err == nil
		d.sentAt = at
		d.err = err
		d.mu.Unlock()
		close(d.done)
	})
}

// Done is closed once the delivery is resolved.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the delivery resolves or ctx ends.
//
// Postcondition: Returns nil if the message was transmitted, the send error
// if it failed, or ctx.Err().
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent reports whether the message has been transmitted.
func (d *Delivery) Sent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent
}

// SentAt returns the transmission time, or the zero time if unsent.
func (d *Delivery) SentAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.sent {
		return time.Time{}
	}
	return d.sentAt
}

// Err returns the failure of a resolved, unsent delivery.
func (d *Delivery) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Dispatched reports whether the transport has started transmitting.
func (d *Delivery) Dispatched() bool {
	return d.dispatched.Load()
}
