package lobby

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var (
	reMatchStarted   = regexp.MustCompile(`^The match has started!$`)
	reMatchFinished  = regexp.MustCompile(`^The match has finished!$`)
	reMatchAborted   = regexp.MustCompile(`^Aborted the match$`)
	rePlayerJoined   = regexp.MustCompile(`^(.+) joined in slot (\d+)(?: for team (red|blue))?\.$`)
	rePlayerLeft     = regexp.MustCompile(`^(.+) left the game\.$`)
	rePlayerMoved    = regexp.MustCompile(`^(.+) moved to slot (\d+)$`)
	reBecameHost     = regexp.MustCompile(`^(.+) became the host\.$`)
	reChangedHost    = regexp.MustCompile(`^Changed match host to (.+)$`)
	reClearedHost    = regexp.MustCompile(`^Cleared match host$`)
	reChangingMap    = regexp.MustCompile(`^Host is changing map\.\.\.$`)
	reBeatmapChanged = regexp.MustCompile(`^Beatmap changed to: (.*) \(https://osu\.ppy\.sh/b/(\d+)\)$`)
	reChangedBeatmap = regexp.MustCompile(`^Changed beatmap to https://osu\.ppy\.sh/b/(\d+) (.*)$`)
	reFinishedPlay   = regexp.MustCompile(`^(.+) finished playing \(Score: (\d+), (PASSED|FAILED)\)\.$`)
	reChangedSetting = regexp.MustCompile(`^Changed match settings to (?:(\d+) slots, )?(\w+), (\w+)$`)
	reChangedSize    = regexp.MustCompile(`^Changed match to size (\d+)$`)
	reRoomRenamed    = regexp.MustCompile(`^Room name updated to "(.*)"$`)

	// !mp settings block.
	reRoomName   = regexp.MustCompile(`^Room name: (.*?)(?:, History: https://osu\.ppy\.sh/mp/\d+)?$`)
	reSetBeatmap = regexp.MustCompile(`^Beatmap: https://osu\.ppy\.sh/b/(\d+) (.*)$`)
	reTeamMode   = regexp.MustCompile(`^Team mode: (\w+), Win condition: (\w+)$`)
	reActiveMods = regexp.MustCompile(`^Active mods: (.*)$`)
	rePlayers    = regexp.MustCompile(`^Players: (\d+)$`)
	reSlot       = regexp.MustCompile(`^Slot (\d+)\s+(?:Not Ready|Ready|No Map)\s+https://osu\.ppy\.sh/u/(\d+) (.+?)\s*(?:\[(.*)\])?$`)
)

// settingsBlock accumulates the multi-line !mp settings reply.
type settingsBlock struct {
	snap     Snapshot
	expected int
	counted  bool
}

type channelState struct {
	block   *settingsBlock
	results []PlayerResult
}

// Parser interprets BanchoBot's lobby lines and feeds the Normalizer.
// Only lines sent by BanchoBot should be passed in; unknown lines are
// ignored.
type Parser struct {
	norm *Normalizer

	mu       sync.Mutex
	channels map[string]*channelState
}

// NewParser creates a Parser feeding norm.
//
// Precondition: norm must not be nil.
func NewParser(norm *Normalizer) *Parser {
	return &Parser{norm: norm, channels: make(map[string]*channelState)}
}

func (p *Parser) state(channel string) *channelState {
	st, ok := p.channels[channel]
	if !ok {
		st = &channelState{}
		p.channels[channel] = st
	}
	return st
}

// Forget drops any partial state for channel.
func (p *Parser) Forget(channel string) {
	p.mu.Lock()
	delete(p.channels, channel)
	p.mu.Unlock()
	p.norm.Forget(channel)
}

// HandleLine interprets one BanchoBot line in channel.
//
// Postcondition: Returns true iff the line was recognised.
func (p *Parser) HandleLine(ctx context.Context, channel, text string) bool {
	if p.handleSettingsBlock(ctx, channel, text) {
		return true
	}

	switch {
	case reMatchStarted.MatchString(text):
		p.mu.Lock()
		p.state(channel).results = nil
		p.mu.Unlock()
		p.norm.MatchStarted(ctx, channel)

	case reMatchFinished.MatchString(text):
		p.mu.Lock()
		st := p.state(channel)
		results := st.results
		st.results = nil
		p.mu.Unlock()
		p.norm.MatchFinished(ctx, channel, results)

	case reMatchAborted.MatchString(text):
		p.mu.Lock()
		p.state(channel).results = nil
		p.mu.Unlock()
		p.norm.MatchAborted(ctx, channel)

	case reChangingMap.MatchString(text):
		p.norm.HostChangingMap(ctx, channel)

	default:
		return p.handleRosterLine(ctx, channel, text)
	}
	return true
}

func (p *Parser) handleRosterLine(ctx context.Context, channel, text string) bool {
	if m := reFinishedPlay.FindStringSubmatch(text); m != nil {
		score, _ := strconv.ParseInt(m[2], 10, 64)
		p.mu.Lock()
		st := p.state(channel)
		st.results = append(st.results, PlayerResult{Name: m[1], Score: score, Passed: m[3] == "PASSED"})
		p.mu.Unlock()
		return true
	}
	if m := rePlayerJoined.FindStringSubmatch(text); m != nil {
		slot, _ := strconv.Atoi(m[2])
		p.mutate(ctx, channel, func(s *Snapshot) {
			removePlayer(s, m[1])
			s.Players[slot] = Player{Name: m[1], Slot: slot, Team: teamName(m[3])}
		})
		return true
	}
	if m := rePlayerLeft.FindStringSubmatch(text); m != nil {
		p.mutate(ctx, channel, func(s *Snapshot) {
			removePlayer(s, m[1])
			if s.Host == m[1] {
				s.Host = ""
			}
		})
		return true
	}
	if m := rePlayerMoved.FindStringSubmatch(text); m != nil {
		slot, _ := strconv.Atoi(m[2])
		p.mutate(ctx, channel, func(s *Snapshot) {
			pl, ok := s.PlayerNamed(m[1])
			if !ok {
				pl = Player{Name: m[1]}
			}
			removePlayer(s, m[1])
			pl.Slot = slot
			s.Players[slot] = pl
		})
		return true
	}
	if m := reBecameHost.FindStringSubmatch(text); m != nil {
		p.mutate(ctx, channel, func(s *Snapshot) { s.Host = m[1] })
		return true
	}
	if m := reChangedHost.FindStringSubmatch(text); m != nil {
		p.mutate(ctx, channel, func(s *Snapshot) { s.Host = m[1] })
		return true
	}
	if reClearedHost.MatchString(text) {
		p.mutate(ctx, channel, func(s *Snapshot) { s.Host = "" })
		return true
	}
	if m := reBeatmapChanged.FindStringSubmatch(text); m != nil {
		id, _ := strconv.ParseInt(m[2], 10, 64)
		p.mutate(ctx, channel, func(s *Snapshot) { s.Beatmap = Beatmap{ID: id, Title: m[1]} })
		return true
	}
	if m := reChangedBeatmap.FindStringSubmatch(text); m != nil {
		id, _ := strconv.ParseInt(m[1], 10, 64)
		p.mutate(ctx, channel, func(s *Snapshot) { s.Beatmap = Beatmap{ID: id, Title: m[2]} })
		return true
	}
	if m := reChangedSetting.FindStringSubmatch(text); m != nil {
		p.mutate(ctx, channel, func(s *Snapshot) {
			if m[1] != "" {
				s.Settings.Size, _ = strconv.Atoi(m[1])
			}
			s.Settings.TeamMode = m[2]
			s.Settings.WinCondition = m[3]
		})
		return true
	}
	if m := reChangedSize.FindStringSubmatch(text); m != nil {
		size, _ := strconv.Atoi(m[1])
		p.mutate(ctx, channel, func(s *Snapshot) { s.Settings.Size = size })
		return true
	}
	if m := reRoomRenamed.FindStringSubmatch(text); m != nil {
		p.mutate(ctx, channel, func(s *Snapshot) { s.Settings.Name = m[1] })
		return true
	}
	return false
}

// handleSettingsBlock consumes the lines of a !mp settings reply. The
// collected snapshot is applied once every announced slot line has arrived.
func (p *Parser) handleSettingsBlock(ctx context.Context, channel, text string) bool {
	if m := reRoomName.FindStringSubmatch(text); m != nil {
		snap, _ := p.norm.Snapshot(channel)
		snap.Players = make(map[int]Player)
		snap.Host = ""
		snap.Settings.Name = m[1]
		snap.Settings.Mods = ""
		p.mu.Lock()
		p.state(channel).block = &settingsBlock{snap: snap}
		p.mu.Unlock()
		return true
	}

	p.mu.Lock()
	st := p.state(channel)
	block := st.block
	if block == nil {
		p.mu.Unlock()
		return false
	}

	switch {
	case reSetBeatmap.MatchString(text):
		m := reSetBeatmap.FindStringSubmatch(text)
		id, _ := strconv.ParseInt(m[1], 10, 64)
		block.snap.Beatmap = Beatmap{ID: id, Title: m[2]}
	case reTeamMode.MatchString(text):
		m := reTeamMode.FindStringSubmatch(text)
		block.snap.Settings.TeamMode = m[1]
		block.snap.Settings.WinCondition = m[2]
	case reActiveMods.MatchString(text):
		block.snap.Settings.Mods = reActiveMods.FindStringSubmatch(text)[1]
	case rePlayers.MatchString(text):
		block.expected, _ = strconv.Atoi(rePlayers.FindStringSubmatch(text)[1])
		block.counted = true
	case reSlot.MatchString(text):
		m := reSlot.FindStringSubmatch(text)
		slot, _ := strconv.Atoi(m[1])
		id, _ := strconv.ParseInt(m[2], 10, 64)
		pl := Player{ID: id, Name: m[3], Slot: slot}
		for _, tag := range strings.Split(m[4], " / ") {
			switch {
			case tag == "Host":
				block.snap.Host = pl.Name
			case strings.HasPrefix(tag, "Team "):
				pl.Team = strings.TrimPrefix(tag, "Team ")
			}
		}
		block.snap.Players[slot] = pl
	default:
		p.mu.Unlock()
		return false
	}

	if !block.counted || len(block.snap.Players) < block.expected {
		p.mu.Unlock()
		return true
	}
	st.block = nil
	snap := block.snap
	p.mu.Unlock()

	p.norm.Synchronize(ctx, channel, snap)
	return true
}

// mutate applies fn to a copy of channel's snapshot and submits the result.
func (p *Parser) mutate(ctx context.Context, channel string, fn func(*Snapshot)) {
	snap, ok := p.norm.Snapshot(channel)
	if !ok || snap.Players == nil {
		snap.Players = make(map[int]Player)
	}
	fn(&snap)
	p.norm.Update(ctx, channel, snap)
}

func removePlayer(s *Snapshot, name string) {
	for slot, pl := range s.Players {
		if pl.Name == name {
			delete(s.Players, slot)
		}
	}
}

func teamName(t string) string {
	switch t {
	case "red":
		return "Red"
	case "blue":
		return "Blue"
	default:
		return ""
	}
}
