package event

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/observability"
)

// Handler reacts to a single event. A returned error is logged and
// does not stop the remaining handlers.
//
// Handlers run on the session's inbound pipeline and must not block;
// long work (including Execute calls) belongs on the handler's own goroutine.
type Handler func(ctx context.Context, e Event) error

// Registration binds a handler to one event kind and an optional scope.
type Registration struct {
	Kind Kind
	// Scope restricts delivery to events of this channel. Empty means all scopes.
	Scope string
	// Name labels the handler in logs, e.g. "autostart.OnMatchFinished".
	Name    string
	Handler Handler
}

// Behavior is a pluggable unit of lobby logic that declares its handlers
// up front.
type Behavior interface {
	Registrations() []Registration
}

// Dispatcher routes published events to registered handlers in
// registration order.
//
// Registrations are expected to happen at startup; Register is still safe
// to call concurrently with Publish.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind][]Registration
	logger   *zap.Logger
	metrics  *observability.Collector
}

// NewDispatcher creates an empty Dispatcher.
//
// Precondition: logger must be non-nil. metrics may be nil.
func NewDispatcher(logger *zap.Logger, metrics *observability.Collector) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[Kind][]Registration),
		logger:   logger,
		metrics:  metrics,
	}
}

// Register appends a handler for kind, optionally restricted to scope.
//
// Precondition: h must be non-nil.
func (d *Dispatcher) Register(kind Kind, scope string, h Handler) {
	d.add(Registration{Kind: kind, Scope: scope, Handler: h})
}

// RegisterAll appends every registration in order.
//
// Postcondition: Returns an error naming the first registration with a nil
// handler or unknown kind; earlier registrations remain in place.
func (d *Dispatcher) RegisterAll(regs []Registration) error {
	for i, r := range regs {
		if r.Handler == nil {
			return fmt.Errorf("registration %d (%s %q): nil handler", i, r.Kind, r.Name)
		}
		if _, ok := kindNames[r.Kind]; !ok {
			return fmt.Errorf("registration %d (%q): unknown kind %s", i, r.Name, r.Kind)
		}
		d.add(r)
	}
	return nil
}

// RegisterBehavior registers every handler the behavior declares.
func (d *Dispatcher) RegisterBehavior(b Behavior) error {
	return d.RegisterAll(b.Registrations())
}

func (d *Dispatcher) add(r Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[r.Kind] = append(d.handlers[r.Kind], r)
}

// Publish delivers e synchronously to every matching handler.
//
// A handler matches when its scope is empty or equals e.Scope. Handler
// errors and panics are logged and contained.
//
// Postcondition: Returns the number of handlers invoked.
func (d *Dispatcher) Publish(ctx context.Context, e Event) int {
	d.mu.RLock()
	regs := d.handlers[e.Kind]
	d.mu.RUnlock()

	d.metrics.EventPublished()

	invoked := 0
	for _, r := range regs {
		if r.Scope != "" && r.Scope != e.Scope {
			continue
		}
		invoked++
		if err := d.invoke(ctx, r, e); err != nil {
			d.metrics.HandlerFailed()
			d.logger.Warn("event handler failed",
				zap.Stringer("kind", e.Kind),
				zap.String("scope", e.Scope),
				zap.String("handler", r.Name),
				zap.Error(err),
			)
		}
	}
	return invoked
}

func (d *Dispatcher) invoke(ctx context.Context, r Registration, e Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.Handler(ctx, e)
}

// HandlerCount returns the number of handlers registered for kind.
func (d *Dispatcher) HandlerCount(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}
