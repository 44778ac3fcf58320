package scripting

import (
	"context"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/bancho"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/event"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/lobby"
)

// Hooks maps each event kind a script can observe to the Lua global it
// calls. The hook receives the event payload converted by payloadValue.
// Joining is covered by the script's top-level chunk, which runs on Load,
// and leaving by on_unload.
var Hooks = map[event.Kind]string{
	event.LobbyMessageReceived: "on_message",
	event.CommandExecuted:      "on_command",
	event.TimerElapsed:         "on_timer",
	event.MatchStarted:         "on_match_started",
	event.MatchFinished:        "on_match_finished",
	event.MatchAborted:         "on_match_aborted",
	event.PlayerJoined:         "on_player_joined",
	event.PlayerDisconnected:   "on_player_left",
	event.HostChanged:          "on_host_changed",
	event.HostChangingMap:      "on_host_changing_map",
	event.BeatmapChanged:       "on_beatmap_changed",
	event.SettingsUpdated:      "on_settings_updated",
}

// Registrations implements event.Behavior. One unscoped handler per hook
// routes each event to the VM of its channel, so lobbies loaded later need
// no extra registration.
func (m *Manager) Registrations() []event.Registration {
	kinds := make([]event.Kind, 0, len(Hooks))
	for k := range Hooks {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	regs := make([]event.Registration, 0, len(kinds))
	for _, k := range kinds {
		hook := Hooks[k]
		regs = append(regs, event.Registration{
			Kind:    k,
			Name:    "scripting." + hook,
			Handler: m.hookHandler(hook),
		})
	}
	return regs
}

func (m *Manager) hookHandler(hook string) event.Handler {
	return func(_ context.Context, e event.Event) error {
		if e.Global() {
			return nil
		}
		_, err := m.callHook(e.Scope, hook, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{payloadValue(L, e.Payload)}
		})
		return err
	}
}

// payloadValue converts an event payload to the Lua value handed to hooks.
// Unknown payloads become nil.
func payloadValue(L *lua.LState, payload any) lua.LValue {
	switch p := payload.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(p)
	case event.Message:
		t := L.NewTable()
		t.RawSetString("sender", lua.LString(p.Sender))
		t.RawSetString("text", lua.LString(p.Text))
		return t
	case event.Timer:
		return lua.LString(p.Name)
	case bancho.CommandResult:
		t := L.NewTable()
		t.RawSetString("command", lua.LString(p.Command))
		t.RawSetString("success", lua.LBool(p.Success))
		t.RawSetString("attempts", lua.LNumber(p.Attempts))
		return t
	case lobby.Player:
		return playerTable(L, p)
	case lobby.HostChange:
		t := L.NewTable()
		t.RawSetString("previous", lua.LString(p.Previous))
		t.RawSetString("host", lua.LString(p.Host))
		return t
	case lobby.BeatmapChange:
		t := L.NewTable()
		t.RawSetString("previous", beatmapTable(L, p.Previous))
		t.RawSetString("beatmap", beatmapTable(L, p.Beatmap))
		return t
	case lobby.SettingsChange:
		t := L.NewTable()
		t.RawSetString("previous", settingsTable(L, p.Previous))
		t.RawSetString("settings", settingsTable(L, p.Settings))
		return t
	case lobby.MatchStart:
		t := L.NewTable()
		t.RawSetString("beatmap", beatmapTable(L, p.Beatmap))
		t.RawSetString("players", playersTable(L, p.Players))
		return t
	case lobby.MatchResult:
		t := L.NewTable()
		t.RawSetString("beatmap", beatmapTable(L, p.Beatmap))
		t.RawSetString("aborted", lua.LBool(p.Aborted))
		t.RawSetString("players", playersTable(L, p.Players))
		results := L.NewTable()
		for _, r := range p.Results {
			rt := L.NewTable()
			rt.RawSetString("name", lua.LString(r.Name))
			rt.RawSetString("score", lua.LNumber(r.Score))
			rt.RawSetString("passed", lua.LBool(r.Passed))
			results.Append(rt)
		}
		t.RawSetString("results", results)
		return t
	default:
		return lua.LNil
	}
}

// snapshotTable converts a lobby snapshot; players are listed by slot.
func snapshotTable(L *lua.LState, s lobby.Snapshot) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("host", lua.LString(s.Host))
	t.RawSetString("phase", lua.LString(s.Phase.String()))
	t.RawSetString("beatmap", beatmapTable(L, s.Beatmap))
	t.RawSetString("settings", settingsTable(L, s.Settings))
	t.RawSetString("players", playersTable(L, s.Roster()))
	return t
}

func playersTable(L *lua.LState, players []lobby.Player) *lua.LTable {
	t := L.NewTable()
	for _, p := range players {
		t.Append(playerTable(L, p))
	}
	return t
}

func playerTable(L *lua.LState, p lobby.Player) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LNumber(p.ID))
	t.RawSetString("name", lua.LString(p.Name))
	t.RawSetString("slot", lua.LNumber(p.Slot))
	t.RawSetString("team", lua.LString(p.Team))
	return t
}

func beatmapTable(L *lua.LState, b lobby.Beatmap) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LNumber(b.ID))
	t.RawSetString("title", lua.LString(b.Title))
	return t
}

func settingsTable(L *lua.LState, s lobby.Settings) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(s.Name))
	t.RawSetString("team_mode", lua.LString(s.TeamMode))
	t.RawSetString("win_condition", lua.LString(s.WinCondition))
	t.RawSetString("mods", lua.LString(s.Mods))
	t.RawSetString("size", lua.LNumber(s.Size))
	return t
}
