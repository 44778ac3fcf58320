package bancho

import (
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/config"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/observability"
)

// reconnectPoll is how often the pump rechecks a down connection before
// transmitting the head of the queue.
const reconnectPoll = 250 * time.Millisecond

// Sender is the raw outbound side of the chat connection.
type Sender interface {
	// SendMessage transmits text to a channel or user.
	SendMessage(target, text string) error
	// Connected reports whether SendMessage can currently succeed.
	Connected() bool
}

// QueuedMessage is one outbound line owned by the transport until sent.
type QueuedMessage struct {
	Channel   string
	Text      string
	CreatedAt time.Time
	SentAt    time.Time

	delivery *Delivery
}

// Transport drains a FIFO of outbound messages through a rate limiter on a
// single pump goroutine. Messages are transmitted in strict arrival order.
type Transport struct {
	sender   Sender
	limiter  *RateLimiter
	maxQueue int
	logger   *zap.Logger
	metrics  *observability.Collector

	// onSent is called on the pump goroutine after each successful send.
	onSent func(QueuedMessage)

	mu      sync.Mutex
	queue   []*QueuedMessage
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

// NewTransport creates a stopped Transport.
//
// Precondition: sender, limiter and logger must be non-nil. maxQueue 0 means unbounded.
func NewTransport(sender Sender, limiter *RateLimiter, maxQueue int, logger *zap.Logger, metrics *observability.Collector) *Transport {
	return &Transport{
		sender:   sender,
		limiter:  limiter,
		maxQueue: maxQueue,
		logger:   logger,
		metrics:  metrics,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnSent installs a hook invoked after each transmitted message.
//
// Precondition: Must be called before Start.
func (t *Transport) OnSent(fn func(QueuedMessage)) {
	t.onSent = fn
}

// Start launches the pump. Calling Start more than once has no effect.
func (t *Transport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true
	go t.pump()
}

// Stop terminates the pump and discards unsent messages, resolving their
// deliveries with ErrTransportStopped. Idempotent.
//
// Postcondition: The pump goroutine has exited when Stop returns.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	started := t.started
	close(t.quit)
	t.mu.Unlock()

	if started {
		<-t.done
	}

	t.mu.Lock()
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()

	now := time.Now()
	for _, m := range pending {
		m.delivery.resolve(now, ErrTransportStopped)
	}
	if len(pending) > 0 {
		t.logger.Info("discarded unsent messages", zap.Int("count", len(pending)))
	}
}

// Send enqueues text for channel without tracking.
//
// Postcondition: Returns a *ValidationError for oversized text, ErrQueueFull
// or ErrTransportStopped; nil means the message was enqueued.
func (t *Transport) Send(channel, text string) error {
	_, err := t.SendTracked(channel, text)
	return err
}

// SendTracked enqueues text for channel and returns its delivery handle.
//
// Postcondition: On nil error the returned Delivery resolves exactly once.
func (t *Transport) SendTracked(channel, text string) (*Delivery, error) {
	d := newDelivery()
	if err := t.enqueue(channel, text, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (t *Transport) enqueue(channel, text string, d *Delivery) error {
	if n := utf8.RuneCountInString(text); n > config.MaxMessageLength {
		return &ValidationError{Channel: channel, Length: n, Limit: config.MaxMessageLength}
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrTransportStopped
	}
	if t.maxQueue > 0 && len(t.queue) >= t.maxQueue {
		t.mu.Unlock()
		return ErrQueueFull
	}
	t.queue = append(t.queue, &QueuedMessage{
		Channel:   channel,
		Text:      text,
		CreatedAt: time.Now(),
		delivery:  d,
	})
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// QueueLen returns the number of messages waiting to be sent.
func (t *Transport) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *Transport) pump() {
	defer close(t.done)
	for {
		msg := t.next()
		if msg == nil {
			return
		}
		if !t.transmit(msg) {
			msg.delivery.resolve(time.Now(), ErrTransportStopped)
			return
		}
	}
}

// next blocks until a message is available or the transport stops.
func (t *Transport) next() *QueuedMessage {
	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			msg := t.queue[0]
			t.queue[0] = nil
			t.queue = t.queue[1:]
			t.mu.Unlock()
			return msg
		}
		t.mu.Unlock()

		select {
		case <-t.quit:
			return nil
		case <-t.wake:
		}
	}
}

// transmit waits for the connection and the rate limiter, then sends msg.
// It returns false if the transport stopped first.
func (t *Transport) transmit(msg *QueuedMessage) bool {
	for {
		if !t.sender.Connected() {
			if !t.sleep(reconnectPoll) {
				return false
			}
			continue
		}
		if t.limiter.Allow() {
			break
		}
		wait := t.limiter.Delay()
		if wait <= 0 {
			wait = time.Millisecond
		}
		if !t.sleep(wait) {
			return false
		}
	}

	msg.delivery.markDispatched()
	err := t.sender.SendMessage(msg.Channel, msg.Text)
	now := time.Now()
	if err != nil {
		t.logger.Warn("sending message failed",
			zap.String("channel", msg.Channel),
			zap.Error(err),
		)
		msg.delivery.resolve(now, err)
		return true
	}

	msg.SentAt = now
	msg.delivery.resolve(now, nil)
	t.metrics.MessageSent()
	t.logger.Debug("message sent",
		zap.String("channel", msg.Channel),
		zap.String("text", msg.Text),
		zap.Duration("queued", now.Sub(msg.CreatedAt)),
	)
	if t.onSent != nil {
		t.onSent(*msg)
	}
	return true
}

func (t *Transport) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.quit:
		return false
	case <-timer.C:
		return true
	}
}
