package event

import (
	"sync"
	"time"
)

// timerKey identifies one named timer within a scope.
type timerKey struct {
	scope string
	name  string
}

// Timers holds named one-shot timers per scope and reports each expiry
// through onFire. It is safe for concurrent use.
type Timers struct {
	mu      sync.Mutex
	timers  map[timerKey]*entry
	onFire  func(scope, name string)
	stopped bool
	// gen numbers every armed timer, so an expiry that lost the race with
	// Stop or Start never matches a later timer of the same name.
	gen uint64
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// NewTimers creates an empty timer set.
//
// Precondition: onFire must not be nil. It is called on its own goroutine.
func NewTimers(onFire func(scope, name string)) *Timers {
	return &Timers{
		timers: make(map[timerKey]*entry),
		onFire: onFire,
	}
}

// Start arms the named timer, replacing any running timer of the same name
// in scope.
//
// Precondition: d > 0.
// Postcondition: onFire(scope, name) is called once after d unless the timer
// is stopped or restarted first.
func (t *Timers) Start(scope, name string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	key := timerKey{scope: scope, name: name}
	if prev, ok := t.timers[key]; ok {
		prev.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timers[key] = &entry{
		timer: time.AfterFunc(d, func() { t.fire(key, gen) }),
		gen:   gen,
	}
}

func (t *Timers) fire(key timerKey, gen uint64) {
	t.mu.Lock()
	e, ok := t.timers[key]
	if !ok || e.gen != gen || t.stopped {
		t.mu.Unlock()
		return
	}
	delete(t.timers, key)
	t.mu.Unlock()

	t.onFire(key.scope, key.name)
}

// Stop cancels the named timer. Safe to call for unknown timers.
//
// Postcondition: onFire will not be called for this timer after Stop returns.
func (t *Timers) Stop(scope, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := timerKey{scope: scope, name: name}
	if e, ok := t.timers[key]; ok {
		e.timer.Stop()
		delete(t.timers, key)
	}
}

// StopScope cancels every timer belonging to scope.
func (t *Timers) StopScope(scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.timers {
		if key.scope == scope {
			e.timer.Stop()
			delete(t.timers, key)
		}
	}
}

// Active reports whether the named timer is armed.
func (t *Timers) Active(scope, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[timerKey{scope: scope, name: name}]
	return ok
}

// StopAll cancels every timer and rejects later Start calls. Idempotent.
func (t *Timers) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for key, e := range t.timers {
		e.timer.Stop()
		delete(t.timers, key)
	}
}
