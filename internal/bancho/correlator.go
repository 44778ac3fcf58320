package bancho

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/config"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/observability"
)

// maxFiller is the longest spam filler appended to a command line.
const maxFiller = 4

// CommandTimeoutError describes one attempt that saw no matching response.
// It is logged, never returned: callers only observe the final bool.
type CommandTimeoutError struct {
	Channel string
	Command string
	Attempt int
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %s on %s: attempt %d got no response within %s", e.Command, e.Channel, e.Attempt, e.Timeout)
}

// CommandResult summarises a finished Execute call.
type CommandResult struct {
	ID       uuid.UUID
	Channel  string
	Command  string
	Text     string
	Success  bool
	Attempts int
	Elapsed  time.Duration
}

type enqueuer interface {
	enqueue(channel, text string, d *Delivery) error
}

// pendingCommand is the in-flight command of one channel.
type pendingCommand struct {
	cmd       Command
	first     *Delivery
	responded chan struct{}
	line      string
}

// channelSlot serialises commands on one channel. Ownership passes to the
// head waiter on release.
type channelSlot struct {
	busy    bool
	waiters []chan struct{}
	active  *pendingCommand
}

// Correlator maps inbound chat lines back to the command that caused them.
// At most one command is in flight per channel; later calls queue in FIFO
// order behind it.
type Correlator struct {
	out      enqueuer
	timeout  time.Duration
	attempts int
	logger   *zap.Logger
	metrics  *observability.Collector

	onExecuted func(CommandResult)
	spam       atomic.Uint32

	mu    sync.Mutex
	slots map[string]*channelSlot
}

// NewCorrelator creates a Correlator that sends through transport.
//
// Precondition: transport and logger must be non-nil; timeout > 0; attempts >= 1.
func NewCorrelator(transport *Transport, timeout time.Duration, attempts int, logger *zap.Logger, metrics *observability.Collector) *Correlator {
	if attempts < 1 {
		attempts = 1
	}
	return &Correlator{
		out:      transport,
		timeout:  timeout,
		attempts: attempts,
		logger:   logger,
		metrics:  metrics,
		slots:    make(map[string]*channelSlot),
	}
}

// OnExecuted installs a hook called once per finished Execute.
//
// Precondition: Must be called before the first Execute.
func (c *Correlator) OnExecuted(fn func(CommandResult)) {
	c.onExecuted = fn
}

// Execute sends cmd on channel and waits for one of its success patterns.
// Each attempt's timeout starts once the line is physically transmitted.
//
// Postcondition: Returns true iff a matching line arrived on channel within
// the allowed attempts. Invalid commands and cancelled contexts return false.
func (c *Correlator) Execute(ctx context.Context, channel string, cmd Command, args ...string) bool {
	id := uuid.New()
	log := c.logger.With(
		zap.String("channel", channel),
		zap.String("command", cmd.Name),
		zap.String("attempt_id", id.String()),
	)

	text, err := cmd.Format(args...)
	if err != nil {
		log.Warn("invalid command", zap.Error(err))
		c.metrics.CommandFinished(false)
		return false
	}
	limit := config.MaxMessageLength
	if cmd.AllowSpam {
		limit -= maxFiller
	}
	if n := utf8.RuneCountInString(text); n > limit {
		log.Warn("invalid command", zap.Error(&ValidationError{Channel: channel, Length: n, Limit: limit}))
		c.metrics.CommandFinished(false)
		return false
	}

	key := channelKey(channel)
	slot, err := c.acquire(ctx, key)
	if err != nil {
		log.Debug("command cancelled while queued", zap.Error(err))
		c.metrics.CommandFinished(false)
		return false
	}

	start := time.Now()
	p := &pendingCommand{cmd: cmd, responded: make(chan struct{})}
	c.mu.Lock()
	slot.active = p
	c.mu.Unlock()

	ok, attempts := c.run(ctx, log, channel, text, p)
	c.release(key, slot)

	result := CommandResult{
		ID:       id,
		Channel:  channel,
		Command:  cmd.Name,
		Text:     text,
		Success:  ok,
		Attempts: attempts,
		Elapsed:  time.Since(start),
	}
	c.metrics.CommandFinished(ok)
	if ok {
		log.Debug("command succeeded", zap.Int("attempts", attempts), zap.String("response", p.line))
	} else {
		log.Info("command failed", zap.Int("attempts", attempts), zap.Duration("elapsed", result.Elapsed))
	}
	if c.onExecuted != nil {
		c.onExecuted(result)
	}
	return ok
}

// run drives the attempt loop for the slot owner.
func (c *Correlator) run(ctx context.Context, log *zap.Logger, channel, text string, p *pendingCommand) (bool, int) {
	attempts := 0
	for attempts < c.attempts {
		attempts++
		line := text
		if p.cmd.AllowSpam {
			line += c.filler()
		}

		d := newDelivery()
		if attempts == 1 {
			c.mu.Lock()
			p.first = d
			c.mu.Unlock()
		}
		c.metrics.CommandAttempt()
		if err := c.out.enqueue(channel, line, d); err != nil {
			log.Warn("enqueueing command failed", zap.Int("attempt", attempts), zap.Error(err))
			return false, attempts
		}

		select {
		case <-p.responded:
			return true, attempts
		case <-ctx.Done():
			return false, attempts
		case <-d.Done():
		}
		if errors.Is(d.Err(), ErrTransportStopped) {
			return false, attempts
		}

		timer := time.NewTimer(c.timeout)
		select {
		case <-p.responded:
			timer.Stop()
			return true, attempts
		case <-ctx.Done():
			timer.Stop()
			return false, attempts
		case <-timer.C:
			log.Debug("command attempt timed out", zap.Error(&CommandTimeoutError{
				Channel: channel,
				Command: p.cmd.Name,
				Attempt: attempts,
				Timeout: c.timeout,
			}))
		}
	}
	return false, attempts
}

// HandleMessage checks an inbound line against the command in flight on
// channel. Lines arriving before the command was first transmitted are
// ignored.
//
// Postcondition: Returns true iff the line completed a command.
func (c *Correlator) HandleMessage(channel, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.slots[channelKey(channel)]
	if !ok || slot.active == nil {
		return false
	}
	p := slot.active
	if p.first == nil || !p.first.Dispatched() {
		return false
	}
	for _, pat := range p.cmd.Patterns {
		if pat.Matches(text) {
			p.line = text
			slot.active = nil
			close(p.responded)
			return true
		}
	}
	return false
}

// InFlight reports whether a command is awaiting a response on channel.
func (c *Correlator) InFlight(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.slots[channelKey(channel)]
	return ok && slot.active != nil
}

func (c *Correlator) acquire(ctx context.Context, key string) (*channelSlot, error) {
	c.mu.Lock()
	slot, ok := c.slots[key]
	if !ok {
		slot = &channelSlot{}
		c.slots[key] = slot
	}
	if !slot.busy {
		slot.busy = true
		c.mu.Unlock()
		return slot, nil
	}
	turn := make(chan struct{})
	slot.waiters = append(slot.waiters, turn)
	c.mu.Unlock()

	select {
	case <-turn:
		return slot, nil
	case <-ctx.Done():
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, w := range slot.waiters {
			if w == turn {
				slot.waiters = append(slot.waiters[:i], slot.waiters[i+1:]...)
				return nil, ctx.Err()
			}
		}
		// Ownership was handed over concurrently; pass it on.
		c.releaseLocked(key, slot)
		return nil, ctx.Err()
	}
}

func (c *Correlator) release(key string, slot *channelSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(key, slot)
}

func (c *Correlator) releaseLocked(key string, slot *channelSlot) {
	slot.active = nil
	if len(slot.waiters) > 0 {
		next := slot.waiters[0]
		slot.waiters = slot.waiters[1:]
		close(next)
		return
	}
	slot.busy = false
	delete(c.slots, key)
}

// filler returns 1 to maxFiller trailing spaces, rotating per call so that
// consecutive attempts never produce an identical line.
func (c *Correlator) filler() string {
	n := c.spam.Add(1)
	return strings.Repeat(" ", 1+int(n%maxFiller))
}

func channelKey(channel string) string {
	return strings.ToLower(channel)
}
