package scripting

import (
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/bancho"
)

// maxTimerSeconds bounds engine.timer so the duration cannot overflow.
const maxTimerSeconds = 7 * 24 * 60 * 60

// registerModules installs the engine table into v's state. Every binding
// acts on v's own channel only.
//
//	engine.channel                 the lobby channel, e.g. "#mp_123"
//	engine.send(text)              queue a chat line; true or (false, err)
//	engine.execute(name, ...)      run a catalogue command asynchronously
//	engine.timer(name, seconds)    arm or reset a named timer (fires on_timer)
//	engine.cancel_timer(name)      cancel a named timer
//	engine.lobby()                 the current lobby snapshot, or nil
//	engine.invite_link()           the osump:// link, or nil
//	engine.log.info(msg)           write msg to the bot log (also debug, warn, error)
//
// Precondition: v.L must be from NewSandboxedState.
func (m *Manager) registerModules(v *vm) {
	L := v.L
	logger := m.logger.With(zap.String("channel", v.channel), zap.String("script", v.path))

	engine := L.NewTable()
	engine.RawSetString("channel", lua.LString(v.channel))
	L.SetFuncs(engine, map[string]lua.LGFunction{
		"send": func(L *lua.LState) int {
			if err := m.host.Send(v.channel, L.CheckString(1)); err != nil {
				L.Push(lua.LFalse)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LTrue)
			return 1
		},
		"execute": func(L *lua.LState) int {
			name := L.CheckString(1)
			cmd, ok := bancho.LookupCommand(name)
			if !ok {
				L.ArgError(1, "unknown command "+name)
				return 0
			}
			args := make([]string, 0, L.GetTop()-1)
			for i := 2; i <= L.GetTop(); i++ {
				args = append(args, L.CheckString(i))
			}
			if len(args) != cmd.Arity() {
				L.RaiseError("%s takes %d arguments, got %d", name, cmd.Arity(), len(args))
				return 0
			}
			m.host.ExecuteAsync(v.channel, cmd, nil, args...)
			return 0
		},
		"timer": func(L *lua.LState) int {
			name := L.CheckString(1)
			secs := float64(L.CheckNumber(2))
			if !(secs > 0) {
				L.ArgError(2, "seconds must be positive")
				return 0
			}
			if secs > maxTimerSeconds {
				L.ArgError(2, fmt.Sprintf("seconds must be at most %d", maxTimerSeconds))
				return 0
			}
			m.host.StartTimer(v.channel, name, time.Duration(secs*float64(time.Second)))
			return 0
		},
		"cancel_timer": func(L *lua.LState) int {
			m.host.StopTimer(v.channel, L.CheckString(1))
			return 0
		},
		"lobby": func(L *lua.LState) int {
			snap, ok := m.host.Lobby(v.channel)
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(snapshotTable(L, snap))
			return 1
		},
		"invite_link": func(L *lua.LState) int {
			link, ok := m.host.InviteLink(v.channel)
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(link))
			return 1
		},
	})

	log := L.NewTable()
	L.SetFuncs(log, map[string]lua.LGFunction{
		"debug": logFunc(logger.Debug),
		"info":  logFunc(logger.Info),
		"warn":  logFunc(logger.Warn),
		"error": logFunc(logger.Error),
	})
	engine.RawSetString("log", log)
	L.SetGlobal("engine", engine)
}

func logFunc(write func(string, ...zap.Field)) lua.LGFunction {
	return func(L *lua.LState) int {
		write(L.CheckString(1))
		return 0
	}
}
