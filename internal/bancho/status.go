package bancho

import (
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/observability"
)

// ChannelStatus describes one joined channel.
type ChannelStatus struct {
	Name       string `json:"name"`
	MatchID    int64  `json:"match_id,omitempty"`
	InviteLink string `json:"invite_link,omitempty"`
	Phase      string `json:"phase,omitempty"`
	Host       string `json:"host,omitempty"`
	Players    int    `json:"players"`
	BeatmapID  int64  `json:"beatmap_id,omitempty"`
}

// Status is a point-in-time view of a session.
type Status struct {
	ID          string                 `json:"id"`
	Username    string                 `json:"username"`
	State       string                 `json:"state"`
	Stopped     bool                   `json:"stopped"`
	Error       string                 `json:"error,omitempty"`
	QueueLength int                    `json:"queue_length"`
	Channels    []ChannelStatus        `json:"channels"`
	Metrics     observability.Snapshot `json:"metrics"`
}

// Status reports the session's current state.
func (s *Session) Status() Status {
	st := Status{
		ID:          s.id.String(),
		Username:    s.username,
		State:       s.watchdog.State().String(),
		Stopped:     s.isStopped(),
		QueueLength: s.transport.QueueLen(),
		Channels:    []ChannelStatus{},
		Metrics:     s.metrics.Snapshot(),
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	for _, name := range s.channels.Joined() {
		cs := ChannelStatus{Name: name}
		cs.MatchID, _ = s.channels.ChannelID(name)
		cs.InviteLink, _ = s.channels.InviteLink(name)
		if snap, ok := s.normalizer.Snapshot(name); ok {
			cs.Phase = snap.Phase.String()
			cs.Host = snap.Host
			cs.Players = len(snap.Players)
			cs.BeatmapID = snap.Beatmap.ID
		}
		st.Channels = append(st.Channels, cs)
	}
	return st
}
