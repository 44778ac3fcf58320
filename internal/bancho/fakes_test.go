package bancho

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/config"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/event"
)

type sentLine struct {
	Target string
	Text   string
	At     time.Time
}

// fakeConn is an in-memory Connection.
type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	sent       []sentLine
	joins      []string
	parts      []string
	connects   int
	connectErr func(n int) error
	onSend     func(target, text string)
}

func newFakeConn(connected bool) *fakeConn {
	return &fakeConn{connected: connected}
}

func (f *fakeConn) SendMessage(target, text string) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return errors.New("not connected")
	}
	f.sent = append(f.sent, sentLine{Target: target, Text: text, At: time.Now()})
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(target, text)
	}
	return nil
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeConn) setOnSend(fn func(target, text string)) {
	f.mu.Lock()
	f.onSend = fn
	f.mu.Unlock()
}

func (f *fakeConn) Join(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, channel)
	return nil
}

func (f *fakeConn) Part(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts = append(f.parts, channel)
	return nil
}

func (f *fakeConn) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		if err := f.connectErr(f.connects); err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeConn) Sent() []sentLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentLine(nil), f.sent...)
}

func (f *fakeConn) SentTexts() []string {
	var out []string
	for _, l := range f.Sent() {
		out = append(out, l.Text)
	}
	return out
}

func (f *fakeConn) Joins() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...)
}

func (f *fakeConn) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handler(_ context.Context, e event.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) publish(ctx context.Context, e event.Event) {
	_ = r.handler(ctx, e)
}

func (r *recorder) Kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Kind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) Of(kind event.Kind) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestTransport(t *testing.T, conn *fakeConn, count int, window time.Duration, maxQueue int) *Transport {
	t.Helper()
	tr := NewTransport(conn, NewRateLimiter(count, window), maxQueue, zaptest.NewLogger(t), nil)
	t.Cleanup(tr.Stop)
	return tr
}

func testConfig() config.Config {
	return config.Config{
		Bancho: config.BanchoConfig{Host: "localhost", Port: 6667, Username: "lobbybot", Password: "secret"},
		RateLimit: config.RateLimitConfig{
			Count:  100,
			Window: time.Second,
		},
		Reconnect: config.ReconnectConfig{
			Delay:        10 * time.Millisecond,
			Attempts:     2,
			AttemptDelay: 10 * time.Millisecond,
		},
		Command: config.CommandConfig{
			Timeout:  100 * time.Millisecond,
			Attempts: 2,
		},
	}
}
