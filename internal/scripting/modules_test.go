package scripting_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap/zapcore"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/lobby"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/scripting"
)

func runHook(t *testing.T, mgr *scripting.Manager, src, hook string, args ...lua.LValue) (lua.LValue, error) {
	t.Helper()
	require.NoError(t, mgr.Load("#mp_7", writeScript(t, src)))
	return mgr.CallHook("#mp_7", hook, args...)
}

func TestEngine_Channel(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ret, err := runHook(t, mgr, `function f() return engine.channel end`, "f")
	require.NoError(t, err)
	assert.Equal(t, lua.LString("#mp_7"), ret)
}

func TestEngine_Send(t *testing.T) {
	mgr, host, _ := newTestManager(t)
	ret, err := runHook(t, mgr, `
		function f()
			return engine.send("good luck, have fun")
		end
	`, "f")
	require.NoError(t, err)
	assert.Equal(t, lua.LTrue, ret)
	assert.Equal(t, []sentLine{{Channel: "#mp_7", Text: "good luck, have fun"}}, host.Sent())
}

func TestEngine_SendFailureReturnsMessage(t *testing.T) {
	mgr, host, _ := newTestManager(t)
	host.sendErr = errors.New("queue full")
	ret, err := runHook(t, mgr, `
		function f()
			local ok, msg = engine.send("hi")
			if ok then return "sent" end
			return msg
		end
	`, "f")
	require.NoError(t, err)
	assert.Equal(t, lua.LString("queue full"), ret)
}

func TestEngine_Execute(t *testing.T) {
	mgr, host, _ := newTestManager(t)
	_, err := runHook(t, mgr, `
		function f()
			engine.execute("host", "peppy")
			engine.execute("map", 75, 0)
			engine.execute("START")
		end
	`, "f")
	require.NoError(t, err)
	assert.Equal(t, []executed{
		{Channel: "#mp_7", Command: "host", Args: []string{"peppy"}},
		{Channel: "#mp_7", Command: "map", Args: []string{"75", "0"}},
		{Channel: "#mp_7", Command: "start", Args: []string{}},
	}, host.Executed())
}

func TestEngine_ExecuteRejectsBadCalls(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{name: "unknown command", src: `engine.execute("explode")`, want: "unknown command explode"},
		{name: "wrong arity", src: `engine.execute("host")`, want: "host takes 1 arguments, got 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, host, _ := newTestManager(t)
			_, err := runHook(t, mgr, "function f() "+tt.src+" end", "f")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, host.Executed())
		})
	}
}

func TestEngine_Timers(t *testing.T) {
	mgr, host, _ := newTestManager(t)
	_, err := runHook(t, mgr, `
		function f()
			engine.timer("afk", 90)
			engine.timer("short", 0.5)
			engine.cancel_timer("afk")
		end
	`, "f")
	require.NoError(t, err)

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, map[string]time.Duration{
		"#mp_7/afk":   90 * time.Second,
		"#mp_7/short": 500 * time.Millisecond,
	}, host.timers)
	assert.Equal(t, []string{"#mp_7/afk"}, host.stopped)
}

func TestEngine_TimerRejectsOutOfRange(t *testing.T) {
	for name, secs := range map[string]string{
		"zero":     "0",
		"negative": "-5",
		"nan":      "0/0",
		"huge":     "1e300",
		"infinite": "math.huge",
		"past max": "7 * 24 * 60 * 60 + 1",
	} {
		t.Run(name, func(t *testing.T) {
			mgr, host, _ := newTestManager(t)
			_, err := runHook(t, mgr, `function f() engine.timer("x", `+secs+`) end`, "f")
			assert.Error(t, err)

			host.mu.Lock()
			defer host.mu.Unlock()
			assert.Empty(t, host.timers)
		})
	}
}

func TestEngine_TimerAcceptsMax(t *testing.T) {
	mgr, host, _ := newTestManager(t)
	_, err := runHook(t, mgr, `function f() engine.timer("week", 7 * 24 * 60 * 60) end`, "f")
	require.NoError(t, err)

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, 7*24*time.Hour, host.timers["#mp_7/week"])
}

func TestEngine_Lobby(t *testing.T) {
	mgr, host, _ := newTestManager(t)
	ret, err := runHook(t, mgr, `function f() return engine.lobby() end`, "f")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret, "no snapshot yet")

	host.snap = &lobby.Snapshot{
		Host:    "peppy",
		Beatmap: lobby.Beatmap{ID: 75, Title: "DISCO PRINCE"},
		Players: map[int]lobby.Player{
			3: {Name: "b", Slot: 3},
			1: {ID: 2, Name: "peppy", Slot: 1, Team: "Blue"},
		},
		Settings: lobby.Settings{Name: "room", Size: 8},
	}
	ret, err = mgr.CallHook("#mp_7", "f")
	require.NoError(t, err)
	tbl, ok := ret.(*lua.LTable)
	require.True(t, ok)
	assert.Equal(t, lua.LString("peppy"), tbl.RawGetString("host"))
	assert.Equal(t, lua.LString("idle"), tbl.RawGetString("phase"))
	assert.Equal(t, lua.LNumber(75), tbl.RawGetString("beatmap").(*lua.LTable).RawGetString("id"))
	assert.Equal(t, lua.LNumber(8), tbl.RawGetString("settings").(*lua.LTable).RawGetString("size"))

	players := tbl.RawGetString("players").(*lua.LTable)
	require.Equal(t, 2, players.Len())
	assert.Equal(t, lua.LString("peppy"), players.RawGetInt(1).(*lua.LTable).RawGetString("name"))
	assert.Equal(t, lua.LString("b"), players.RawGetInt(2).(*lua.LTable).RawGetString("name"))
}

func TestEngine_InviteLink(t *testing.T) {
	mgr, host, _ := newTestManager(t)
	ret, err := runHook(t, mgr, `function f() return engine.invite_link() end`, "f")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)

	host.link = "osump://7/"
	ret, err = mgr.CallHook("#mp_7", "f")
	require.NoError(t, err)
	assert.Equal(t, lua.LString("osump://7/"), ret)
}

func TestEngine_LogLevels(t *testing.T) {
	mgr, _, logs := newTestManager(t)
	_, err := runHook(t, mgr, `
		function f()
			engine.log.debug("d")
			engine.log.info("i")
			engine.log.warn("w")
			engine.log.error("e")
		end
	`, "f")
	require.NoError(t, err)

	levels := make(map[string]zapcore.Level)
	for _, e := range logs.All() {
		levels[e.Message] = e.Level
		if e.Message == "i" {
			assert.Equal(t, "#mp_7", e.ContextMap()["channel"])
		}
	}
	assert.Equal(t, zapcore.DebugLevel, levels["d"])
	assert.Equal(t, zapcore.InfoLevel, levels["i"])
	assert.Equal(t, zapcore.WarnLevel, levels["w"])
	assert.Equal(t, zapcore.ErrorLevel, levels["e"])
}
