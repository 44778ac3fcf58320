package lobby

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/event"
)

// Normalizer keeps one Snapshot per channel and publishes typed events for
// every phase transition and snapshot difference. Events are scoped to
// their channel and published after the internal lock is released.
type Normalizer struct {
	publish event.Publisher
	now     func() time.Time

	mu      sync.Mutex
	lobbies map[string]*Snapshot
	// resync holds channels whose phase is unknown until the next full
	// settings snapshot arrives.
	resync map[string]bool
}

// NewNormalizer creates an empty Normalizer.
//
// Precondition: publish must not be nil.
func NewNormalizer(publish event.Publisher) *Normalizer {
	return &Normalizer{
		publish: publish,
		now:     time.Now,
		lobbies: make(map[string]*Snapshot),
		resync:  make(map[string]bool),
	}
}

// lobbyLocked returns the snapshot of channel, creating an idle one.
func (n *Normalizer) lobbyLocked(channel string) *Snapshot {
	s, ok := n.lobbies[channel]
	if !ok {
		s = &Snapshot{Players: make(map[int]Player)}
		n.lobbies[channel] = s
	}
	return s
}

func (n *Normalizer) emit(ctx context.Context, events []event.Event) {
	for _, e := range events {
		n.publish(ctx, e)
	}
}

// MatchStarted moves channel from Idle to Playing.
//
// Postcondition: MatchStarted is published iff the lobby was Idle.
func (n *Normalizer) MatchStarted(ctx context.Context, channel string) {
	n.mu.Lock()
	s := n.lobbyLocked(channel)
	if s.Phase != PhaseIdle {
		n.mu.Unlock()
		return
	}
	s.Phase = PhasePlaying
	s.StartedAt = n.now()
	payload := MatchStart{Channel: channel, Beatmap: s.Beatmap, Players: s.Roster()}
	n.mu.Unlock()

	n.publish(ctx, event.Event{Kind: event.MatchStarted, Scope: channel, Payload: payload})
}

// MatchFinished moves channel from Playing to Idle with results.
//
// Postcondition: MatchFinished is published iff the lobby was Playing.
func (n *Normalizer) MatchFinished(ctx context.Context, channel string, results []PlayerResult) {
	n.endMatch(ctx, channel, results, false)
}

// MatchAborted moves channel from Playing to Idle without results.
//
// Postcondition: MatchAborted is published iff the lobby was Playing.
func (n *Normalizer) MatchAborted(ctx context.Context, channel string) {
	n.endMatch(ctx, channel, nil, true)
}

func (n *Normalizer) endMatch(ctx context.Context, channel string, results []PlayerResult, aborted bool) {
	n.mu.Lock()
	s := n.lobbyLocked(channel)
	if s.Phase != PhasePlaying {
		n.mu.Unlock()
		return
	}
	s.Phase = PhaseIdle
	payload := MatchResult{
		Channel:    channel,
		Beatmap:    s.Beatmap,
		StartedAt:  s.StartedAt,
		FinishedAt: n.now(),
		Aborted:    aborted,
		Players:    s.Roster(),
		Results:    append([]PlayerResult(nil), results...),
	}
	s.StartedAt = time.Time{}
	n.mu.Unlock()

	kind := event.MatchFinished
	if aborted {
		kind = event.MatchAborted
	}
	n.publish(ctx, event.Event{Kind: kind, Scope: channel, Payload: payload})
}

// HostChangingMap reports that the host opened the beatmap selection.
func (n *Normalizer) HostChangingMap(ctx context.Context, channel string) {
	n.mu.Lock()
	host := n.lobbyLocked(channel).Host
	n.mu.Unlock()

	n.publish(ctx, event.Event{Kind: event.HostChangingMap, Scope: channel, Payload: host})
}

// Update replaces the snapshot of channel with next and publishes the
// differences: PlayerDisconnected, PlayerJoined, HostChanged, BeatmapChanged
// and SettingsUpdated, in that order. Phase and StartedAt are owned by the
// match transitions and are not taken from next.
func (n *Normalizer) Update(ctx context.Context, channel string, next Snapshot) {
	n.mu.Lock()
	prev := n.lobbyLocked(channel)
	cur := next.Clone()
	cur.Phase = prev.Phase
	cur.StartedAt = prev.StartedAt
	events := diff(channel, *prev, cur)
	n.lobbies[channel] = &cur
	n.mu.Unlock()

	n.emit(ctx, events)
}

// Resync marks channel as joined afresh. Any match that was open when the
// link dropped may have ended unseen, so the next Synchronize closes it.
func (n *Normalizer) Resync(channel string) {
	n.mu.Lock()
	n.resync[channel] = true
	n.mu.Unlock()
}

// Synchronize applies a complete snapshot from the settings reply. It
// behaves like Update, except that after Resync a match still marked
// Playing is published as MatchAborted and the lobby returns to Idle
// before the differences are published.
func (n *Normalizer) Synchronize(ctx context.Context, channel string, next Snapshot) {
	n.mu.Lock()
	prev := n.lobbyLocked(channel)
	cur := next.Clone()
	cur.Phase = prev.Phase
	cur.StartedAt = prev.StartedAt

	var events []event.Event
	if n.resync[channel] {
		delete(n.resync, channel)
		if prev.Phase == PhasePlaying {
			events = append(events, event.Event{Kind: event.MatchAborted, Scope: channel, Payload: MatchResult{
				Channel:    channel,
				Beatmap:    prev.Beatmap,
				StartedAt:  prev.StartedAt,
				FinishedAt: n.now(),
				Aborted:    true,
				Players:    prev.Roster(),
			}})
		}
		cur.Phase = PhaseIdle
		cur.StartedAt = time.Time{}
	}
	events = append(events, diff(channel, *prev, cur)...)
	n.lobbies[channel] = &cur
	n.mu.Unlock()

	n.emit(ctx, events)
}

// Snapshot returns a copy of channel's current snapshot.
func (n *Normalizer) Snapshot(channel string) (Snapshot, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.lobbies[channel]
	if !ok {
		return Snapshot{}, false
	}
	return s.Clone(), true
}

// Forget drops the snapshot of channel, e.g. after leaving it.
func (n *Normalizer) Forget(channel string) {
	n.mu.Lock()
	delete(n.lobbies, channel)
	delete(n.resync, channel)
	n.mu.Unlock()
}

// Channels returns the channels with a snapshot, sorted.
func (n *Normalizer) Channels() []string {
	n.mu.Lock()
	out := make([]string, 0, len(n.lobbies))
	for ch := range n.lobbies {
		out = append(out, ch)
	}
	n.mu.Unlock()
	sort.Strings(out)
	return out
}

func diff(channel string, prev, next Snapshot) []event.Event {
	var events []event.Event
	add := func(kind event.Kind, payload any) {
		events = append(events, event.Event{Kind: kind, Scope: channel, Payload: payload})
	}

	before := byName(prev)
	after := byName(next)
	for _, p := range prev.Roster() {
		if _, ok := after[p.Name]; !ok {
			add(event.PlayerDisconnected, p)
		}
	}
	for _, p := range next.Roster() {
		if _, ok := before[p.Name]; !ok {
			add(event.PlayerJoined, p)
		}
	}
	if prev.Host != next.Host {
		add(event.HostChanged, HostChange{Previous: prev.Host, Host: next.Host})
	}
	if prev.Beatmap.ID != next.Beatmap.ID {
		add(event.BeatmapChanged, BeatmapChange{Previous: prev.Beatmap, Beatmap: next.Beatmap})
	}
	if prev.Settings != next.Settings {
		add(event.SettingsUpdated, SettingsChange{Previous: prev.Settings, Settings: next.Settings})
	}
	return events
}

func byName(s Snapshot) map[string]Player {
	out := make(map[string]Player, len(s.Players))
	for _, p := range s.Players {
		out[p.Name] = p
	}
	return out
}
