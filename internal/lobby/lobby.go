// Package lobby turns Bancho's free-text lobby notifications into typed
// lifecycle events. The Parser reads BanchoBot lines, the Normalizer keeps
// one Snapshot per channel and publishes the differences.
package lobby

import (
	"fmt"
	"sort"
	"time"
)

// Phase is the match phase of a lobby.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePlaying
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePlaying:
		return "playing"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Player is one occupied slot.
type Player struct {
	// ID is the osu! user id, or 0 when only the name is known.
	ID   int64
	Name string
	Slot int
	// Team is "Red", "Blue" or empty outside team modes.
	Team string
}

// Beatmap identifies the selected map.
type Beatmap struct {
	ID    int64
	Title string
}

// Settings holds the room options that are not tracked elsewhere.
type Settings struct {
	Name         string
	TeamMode     string
	WinCondition string
	Mods         string
	Size         int
}

// Snapshot is the normalised state of one lobby.
type Snapshot struct {
	Host    string
	Beatmap Beatmap
	// Players is keyed by slot number.
	Players   map[int]Player
	Phase     Phase
	Settings  Settings
	StartedAt time.Time
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Players = make(map[int]Player, len(s.Players))
	for slot, p := range s.Players {
		out.Players[slot] = p
	}
	return out
}

// Roster returns the players ordered by slot.
func (s Snapshot) Roster() []Player {
	out := make([]Player, 0, len(s.Players))
	for _, p := range s.Players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// PlayerNamed returns the player called name, if present.
func (s Snapshot) PlayerNamed(name string) (Player, bool) {
	for _, p := range s.Players {
		if p.Name == name {
			return p, true
		}
	}
	return Player{}, false
}

// PlayerResult is one player's outcome of a finished match.
type PlayerResult struct {
	Name   string
	Score  int64
	Passed bool
}

// MatchResult is the payload of MatchFinished and MatchAborted.
type MatchResult struct {
	Channel    string
	Beatmap    Beatmap
	StartedAt  time.Time
	FinishedAt time.Time
	Aborted    bool
	Players    []Player
	Results    []PlayerResult
}

// MatchStart is the payload of MatchStarted.
type MatchStart struct {
	Channel string
	Beatmap Beatmap
	Players []Player
}

// HostChange is the payload of HostChanged. Host is empty when cleared.
type HostChange struct {
	Previous string
	Host     string
}

// BeatmapChange is the payload of BeatmapChanged.
type BeatmapChange struct {
	Previous Beatmap
	Beatmap  Beatmap
}

// SettingsChange is the payload of SettingsUpdated.
type SettingsChange struct {
	Previous Settings
	Settings Settings
}
