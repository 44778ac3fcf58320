package lobby

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/event"
)

type memorySink struct {
	results []MatchResult
	err     error
}

func (s *memorySink) Record(_ context.Context, r MatchResult) error {
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, r)
	return nil
}

func TestRecorder_RecordsFinishedAndAborted(t *testing.T) {
	sink := &memorySink{}
	d := event.NewDispatcher(zaptest.NewLogger(t), nil)
	require.NoError(t, d.RegisterBehavior(NewRecorder(sink, "#mp_1")))

	ctx := context.Background()
	d.Publish(ctx, event.Event{Kind: event.MatchFinished, Scope: "#mp_1", Payload: MatchResult{Channel: "#mp_1"}})
	d.Publish(ctx, event.Event{Kind: event.MatchAborted, Scope: "#mp_1", Payload: MatchResult{Channel: "#mp_1", Aborted: true}})
	d.Publish(ctx, event.Event{Kind: event.MatchFinished, Scope: "#mp_2", Payload: MatchResult{Channel: "#mp_2"}})

	require.Len(t, sink.results, 2)
	assert.False(t, sink.results[0].Aborted)
	assert.True(t, sink.results[1].Aborted)
}

func TestRecorder_Errors(t *testing.T) {
	sink := &memorySink{err: errors.New("queue full")}
	r := NewRecorder(sink, "")
	regs := r.Registrations()
	require.Len(t, regs, 2)

	err := regs[0].Handler(context.Background(), event.Event{Kind: event.MatchFinished, Payload: MatchResult{Channel: "#mp_1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "#mp_1")

	err = regs[0].Handler(context.Background(), event.Event{Kind: event.MatchFinished, Payload: "not a result"})
	assert.Error(t, err)
}
