// Package event provides the scoped publish/subscribe hub that routes typed
// lobby and session events to registered behaviors.
package event

import (
	"context"
	"fmt"
)

// Kind identifies the type of an Event.
type Kind int

const (
	KindUnknown Kind = iota

	// Session lifecycle.
	SessionStarted
	SessionStopped
	MessageReceived
	MessageSent
	LobbyMessageReceived
	CommandExecuted
	TimerElapsed

	// Channel handling.
	LobbyCreated
	ChannelJoined
	ChannelJoinFailure
	ChannelLeft

	// Lobby state.
	MatchStarted
	MatchFinished
	MatchAborted
	PlayerJoined
	PlayerDisconnected
	HostChanged
	HostChangingMap
	BeatmapChanged
	SettingsUpdated
)

var kindNames = map[Kind]string{
	SessionStarted:       "SessionStarted",
	SessionStopped:       "SessionStopped",
	MessageReceived:      "MessageReceived",
	MessageSent:          "MessageSent",
	LobbyMessageReceived: "LobbyMessageReceived",
	CommandExecuted:      "CommandExecuted",
	TimerElapsed:         "TimerElapsed",
	LobbyCreated:         "LobbyCreated",
	ChannelJoined:        "ChannelJoined",
	ChannelJoinFailure:   "ChannelJoinFailure",
	ChannelLeft:          "ChannelLeft",
	MatchStarted:         "MatchStarted",
	MatchFinished:        "MatchFinished",
	MatchAborted:         "MatchAborted",
	PlayerJoined:         "PlayerJoined",
	PlayerDisconnected:   "PlayerDisconnected",
	HostChanged:          "HostChanged",
	HostChangingMap:      "HostChangingMap",
	BeatmapChanged:       "BeatmapChanged",
	SettingsUpdated:      "SettingsUpdated",
}

// String returns the kind's name, e.g. "MatchStarted".
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames))
	for k := SessionStarted; k <= SettingsUpdated; k++ {
		out = append(out, k)
	}
	return out
}

// ParseKind resolves a kind by its String name.
//
// Postcondition: Returns (kind, true) if name is known, or (KindUnknown, false).
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindUnknown, false
}

// Event is a single dispatched occurrence.
type Event struct {
	Kind Kind
	// Scope is the owning channel, or empty for session-wide events.
	Scope string
	// Payload carries the kind-specific value; see the payload types in
	// the lobby and bancho packages.
	Payload any
}

// Global reports whether the event has no owning channel.
func (e Event) Global() bool {
	return e.Scope == ""
}

// Message is the payload of MessageReceived, MessageSent and
// LobbyMessageReceived.
type Message struct {
	Channel string
	Sender  string
	Text    string
}

// JoinFailure is the payload of ChannelJoinFailure.
type JoinFailure struct {
	Channel string
	Reason  string
}

// Timer is the payload of TimerElapsed.
type Timer struct {
	Name string
}

// Publisher delivers an event produced by a session component.
type Publisher func(ctx context.Context, e Event)
