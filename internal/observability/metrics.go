package observability

import (
	"sync/atomic"
	"time"
)

// Collector tracks runtime counters for one bot session.
// A nil Collector is valid; every method becomes a no-op.
type Collector struct {
	messagesSent      atomic.Int64
	messagesReceived  atomic.Int64
	commandAttempts   atomic.Int64
	commandsSucceeded atomic.Int64
	commandsFailed    atomic.Int64
	reconnects        atomic.Int64
	eventsPublished   atomic.Int64
	handlerFailures   atomic.Int64

	startTime time.Time
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// MessageSent records one transmitted chat line.
func (c *Collector) MessageSent() {
	if c == nil {
		return
	}
	c.messagesSent.Add(1)
}

// MessageReceived records one inbound chat line.
func (c *Collector) MessageReceived() {
	if c == nil {
		return
	}
	c.messagesReceived.Add(1)
}

// CommandAttempt records one command send, including retries.
func (c *Collector) CommandAttempt() {
	if c == nil {
		return
	}
	c.commandAttempts.Add(1)
}

// CommandFinished records the final outcome of a command.
func (c *Collector) CommandFinished(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.commandsSucceeded.Add(1)
		return
	}
	c.commandsFailed.Add(1)
}

// Reconnect records a reconnect attempt.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Add(1)
}

// EventPublished records one dispatched event.
func (c *Collector) EventPublished() {
	if c == nil {
		return
	}
	c.eventsPublished.Add(1)
}

// HandlerFailed records one contained handler failure.
func (c *Collector) HandlerFailed() {
	if c == nil {
		return
	}
	c.handlerFailures.Add(1)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	MessagesSent      int64         `json:"messages_sent"`
	MessagesReceived  int64         `json:"messages_received"`
	CommandAttempts   int64         `json:"command_attempts"`
	CommandsSucceeded int64         `json:"commands_succeeded"`
	CommandsFailed    int64         `json:"commands_failed"`
	Reconnects        int64         `json:"reconnects"`
	EventsPublished   int64         `json:"events_published"`
	HandlerFailures   int64         `json:"handler_failures"`
	Uptime            time.Duration `json:"uptime_ns"`
}

// Snapshot returns the current counter values.
//
// Postcondition: A nil Collector yields the zero Snapshot.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		MessagesSent:      c.messagesSent.Load(),
		MessagesReceived:  c.messagesReceived.Load(),
		CommandAttempts:   c.commandAttempts.Load(),
		CommandsSucceeded: c.commandsSucceeded.Load(),
		CommandsFailed:    c.commandsFailed.Load(),
		Reconnects:        c.reconnects.Load(),
		EventsPublished:   c.eventsPublished.Load(),
		HandlerFailures:   c.handlerFailures.Load(),
		Uptime:            time.Since(c.startTime),
	}
}
