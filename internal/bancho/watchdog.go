package bancho

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/config"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/observability"
)

// State is the connection watchdog's state.
type State int

const (
	StateStopped State = iota
	StateConnected
	StateReconnecting
	// StateFailed is terminal: reconnect attempts were exhausted.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reconnector re-establishes the underlying connection.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// ReconnectFunc adapts a function to Reconnector.
type ReconnectFunc func(ctx context.Context) error

// Reconnect calls f(ctx).
func (f ReconnectFunc) Reconnect(ctx context.Context) error { return f(ctx) }

// Rejoiner restores channel membership after a reconnect.
type Rejoiner interface {
	RejoinAll(ctx context.Context) error
}

// Notifier receives terminal conditions that need an operator.
// Notify must not block.
type Notifier interface {
	Notify(title, message string)
}

// Watchdog reacts to connection loss with a bounded series of reconnect
// attempts. It runs one background goroutine between Start and Stop.
type Watchdog struct {
	cfg       config.ReconnectConfig
	reconnect Reconnector
	rejoin    Rejoiner
	notifier  Notifier
	logger    *zap.Logger
	metrics   *observability.Collector

	// onFailed runs on its own goroutine once the watchdog fails.
	onFailed func(error)

	mu      sync.Mutex
	state   State
	started bool
	stopped bool
	lost    chan error
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatchdog creates a stopped Watchdog.
//
// Precondition: reconnect, rejoin, notifier and logger must be non-nil.
func NewWatchdog(cfg config.ReconnectConfig, reconnect Reconnector, rejoin Rejoiner, notifier Notifier, logger *zap.Logger, metrics *observability.Collector) *Watchdog {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watchdog{
		cfg:       cfg,
		reconnect: reconnect,
		rejoin:    rejoin,
		notifier:  notifier,
		logger:    logger,
		metrics:   metrics,
		lost:      make(chan error, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// OnFailed installs a hook called once when reconnect attempts are exhausted.
//
// Precondition: Must be called before Start.
func (w *Watchdog) OnFailed(fn func(error)) {
	w.onFailed = fn
}

// Start marks the connection as established and begins watching it.
// Calling Start more than once, or after Stop, has no effect.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	w.state = StateConnected
	go w.loop()
}

// Stop ends the watchdog, interrupting any reconnect wait. Idempotent.
//
// Postcondition: The watchdog goroutine has exited. The state is Stopped
// unless it had already reached Failed.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	w.cancel()
	if started {
		<-w.done
	}

	w.mu.Lock()
	if w.state != StateFailed {
		w.state = StateStopped
	}
	w.mu.Unlock()
}

// ConnectionLost signals that the underlying connection dropped. A signal
// raised while a reconnect is in progress fails the current attempt.
// Signals are ignored once the watchdog has stopped or failed.
func (w *Watchdog) ConnectionLost(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || (w.state != StateConnected && w.state != StateReconnecting) {
		return
	}
	select {
	case w.lost <- err:
	default:
	}
}

// State returns the current state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watchdog) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Watchdog) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case err := <-w.lost:
			if !w.recoverConnection(err) {
				return
			}
		}
	}
}

// recoverConnection runs one reconnect cycle. It returns false when the
// loop must exit, either because of Stop or because the watchdog failed.
func (w *Watchdog) recoverConnection(cause error) bool {
	w.setState(StateReconnecting)
	w.logger.Warn("connection lost",
		zap.Error(cause),
		zap.Duration("reconnect_in", w.cfg.Delay),
	)
	if !w.sleep(w.cfg.Delay) {
		return false
	}

	var lastErr error
	for attempt := 1; attempt <= w.cfg.Attempts; attempt++ {
		// Anything pending belongs to a link this attempt replaces.
		w.drainLost()
		w.metrics.Reconnect()
		err := w.reconnect.Reconnect(w.ctx)
		if err == nil {
			if rerr := w.rejoin.RejoinAll(w.ctx); rerr != nil {
				w.logger.Warn("rejoining channels failed", zap.Error(rerr))
			}
			if err = w.settle(); err == nil {
				w.logger.Info("reconnected", zap.Int("attempt", attempt))
				return true
			}
		}
		if w.ctx.Err() != nil {
			return false
		}
		lastErr = err
		w.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", w.cfg.Attempts),
			zap.Error(err),
		)
		if attempt < w.cfg.Attempts && !w.sleep(w.cfg.AttemptDelay) {
			return false
		}
	}

	w.setState(StateFailed)
	w.logger.Error("reconnect attempts exhausted",
		zap.Int("attempts", w.cfg.Attempts),
		zap.Error(lastErr),
	)
	w.notifier.Notify("Connection lost",
		fmt.Sprintf("Reconnect failed after %d attempts: %v. The session needs a manual restart.", w.cfg.Attempts, lastErr))
	if w.onFailed != nil {
		go w.onFailed(ErrConnectionLost)
	}
	return false
}

// settle moves to Connected unless the new link was lost while it was
// being set up, in which case the loss is returned and the attempt fails.
func (w *Watchdog) settle() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case err := <-w.lost:
		return fmt.Errorf("connection lost during rejoin: %w", err)
	default:
	}
	w.state = StateConnected
	return nil
}

func (w *Watchdog) drainLost() {
	select {
	case <-w.lost:
	default:
	}
}

func (w *Watchdog) sleep(d time.Duration) bool {
	if d <= 0 {
		return w.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
