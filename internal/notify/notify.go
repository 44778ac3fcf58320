// Package notify delivers operator notifications without blocking the
// caller. Notifications are queued and handed to a Sink by one worker
// goroutine; sink failures are logged, never returned.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/config"
)

// Notification is one operator-facing message.
type Notification struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Sink delivers a notification somewhere an operator will see it.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// Notifier queues notifications for a Sink.
type Notifier struct {
	sink    Sink
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Notification

	dropped   atomic.Uint64
	delivered atomic.Uint64
	done      chan struct{}
}

// New creates a Notifier and starts its worker.
//
// Precondition: sink and logger must not be nil; cfg.QueueSize >= 1.
// Postcondition: The worker runs until Close.
func New(sink Sink, cfg config.NotifyConfig, logger *zap.Logger) *Notifier {
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	n := &Notifier{
		sink:    sink,
		logger:  logger.With(zap.String("component", "notify")),
		timeout: cfg.Timeout,
		now:     time.Now,
		queue:   make(chan Notification, size),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify queues a notification. It never blocks; when the queue is full
// or the Notifier is closed the notification is dropped and logged.
func (n *Notifier) Notify(title, message string) {
	note := Notification{Title: title, Message: message, At: n.now()}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.drop(note, "closed")
		return
	}
	select {
	case n.queue <- note:
	default:
		n.drop(note, "queue full")
	}
}

func (n *Notifier) drop(note Notification, reason string) {
	n.dropped.Add(1)
	n.logger.Warn("notification dropped",
		zap.String("reason", reason),
		zap.String("title", note.Title),
		zap.String("message", note.Message),
	)
}

// Dropped returns the number of notifications that were not queued.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Delivered returns the number of notifications the sink accepted.
func (n *Notifier) Delivered() uint64 { return n.delivered.Load() }

// Close stops accepting notifications, delivers what is queued and waits
// for the worker to exit. Safe to call more than once.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for note := range n.queue {
		n.deliver(note)
	}
}

func (n *Notifier) deliver(note Notification) {
	ctx := context.Background()
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	if err := n.sink.Send(ctx, note); err != nil {
		n.logger.Error("delivering notification",
			zap.String("title", note.Title),
			zap.Error(err),
		)
		return
	}
	n.delivered.Add(1)
}
