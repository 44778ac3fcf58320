package lobby

import (
	"context"
	"fmt"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/event"
)

// MatchSink persists finished and aborted matches.
// Record must not block on I/O; implementations queue the write.
type MatchSink interface {
	Record(ctx context.Context, result MatchResult) error
}

// Recorder is a behavior that forwards match outcomes to a MatchSink.
type Recorder struct {
	sink  MatchSink
	scope string
}

// NewRecorder creates a Recorder for scope, or for every lobby when scope
// is empty.
//
// Precondition: sink must not be nil.
func NewRecorder(sink MatchSink, scope string) *Recorder {
	return &Recorder{sink: sink, scope: scope}
}

// Registrations implements event.Behavior.
func (r *Recorder) Registrations() []event.Registration {
	return []event.Registration{
		{Kind: event.MatchFinished, Scope: r.scope, Name: "recorder.MatchFinished", Handler: r.record},
		{Kind: event.MatchAborted, Scope: r.scope, Name: "recorder.MatchAborted", Handler: r.record},
	}
}

func (r *Recorder) record(ctx context.Context, e event.Event) error {
	res, ok := e.Payload.(MatchResult)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", e.Kind, e.Payload)
	}
	if err := r.sink.Record(ctx, res); err != nil {
		return fmt.Errorf("recording match in %s: %w", res.Channel, err)
	}
	return nil
}
