package scripting

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/bancho"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/lobby"
)

// unloadHook is called once before a lobby's VM is closed by Unload.
const unloadHook = "on_unload"

// Host is the part of the session a script may act on. *bancho.Session
// satisfies it.
type Host interface {
	Send(channel, text string) error
	ExecuteAsync(channel string, cmd bancho.Command, done func(bool), args ...string)
	StartTimer(scope, name string, d time.Duration)
	StopTimer(scope, name string)
	Lobby(channel string) (lobby.Snapshot, bool)
	InviteLink(channel string) (string, bool)
}

// vm is one lobby's Lua state. L is single-threaded; mu serialises every
// use of it.
type vm struct {
	mu      sync.Mutex
	L       *lua.LState
	channel string
	path    string
}

// Manager owns one sandboxed LState per lobby channel and exposes hook
// dispatch.
//
// Different lobbies run concurrently; calls into the same lobby are
// serialised.
type Manager struct {
	mu     sync.RWMutex
	vms    map[string]*vm
	host   Host
	limit  int
	logger *zap.Logger
}

// NewManager creates a Manager.
//
// Precondition: host and logger must be non-nil; instLimit >= 0, 0 uses
// DefaultInstructionLimit.
// Postcondition: Returns a non-nil Manager with no scripts loaded.
func NewManager(host Host, instLimit int, logger *zap.Logger) *Manager {
	return &Manager{
		vms:    make(map[string]*vm),
		host:   host,
		limit:  instLimit,
		logger: logger,
	}
}

// Load creates a sandboxed VM for channel, registers the engine module,
// then executes the script at path. A VM already loaded for channel is
// replaced only after the new script loads cleanly.
//
// Precondition: channel must be non-empty; path must be a readable Lua file.
// Postcondition: The channel's VM is registered, or an error is returned
// and the previous VM (if any) is left in place.
func (m *Manager) Load(channel, path string) error {
	if channel == "" {
		return fmt.Errorf("scripting: loading %q: empty channel", path)
	}
	v := &vm{L: NewSandboxedState(), channel: channel, path: path}
	m.registerModules(v)

	restore := LimitInstructions(v.L, m.limit)
	err := v.L.DoFile(path)
	if spent := restore(); err != nil && spent {
		err = ErrInstructionLimit
	}
	if err != nil {
		v.L.Close()
		return fmt.Errorf("scripting: loading %q for %s: %w", path, channel, err)
	}

	m.mu.Lock()
	old := m.vms[channel]
	m.vms[channel] = v
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
	m.logger.Info("script loaded", zap.String("channel", channel), zap.String("path", path))
	return nil
}

// Unload calls the script's on_unload hook, if defined, and closes
// channel's VM. Unloading an unknown channel is a no-op.
func (m *Manager) Unload(channel string) {
	if _, err := m.CallHook(channel, unloadHook); err != nil {
		m.logger.Warn("script unload hook failed", zap.String("channel", channel), zap.Error(err))
	}

	m.mu.Lock()
	v, ok := m.vms[channel]
	delete(m.vms, channel)
	m.mu.Unlock()
	if ok {
		v.close()
		m.logger.Info("script unloaded", zap.String("channel", channel))
	}
}

// Loaded returns the channels with a VM, sorted.
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.vms))
	for ch := range m.vms {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Close unloads every VM.
func (m *Manager) Close() {
	m.mu.Lock()
	vms := m.vms
	m.vms = make(map[string]*vm)
	m.mu.Unlock()
	for _, v := range vms {
		v.close()
	}
}

// CallHook calls the named Lua global function in channel's VM. Returns
// (LNil, nil) if channel has no VM or the hook is not defined.
//
// Precondition: args must be valid lua.LValue instances.
// Postcondition: Returns the first return value of the hook, or a wrapped
// error if the hook raised or exceeded its instruction budget.
func (m *Manager) CallHook(channel, hook string, args ...lua.LValue) (lua.LValue, error) {
	return m.callHook(channel, hook, func(*lua.LState) []lua.LValue { return args })
}

// callHook resolves the VM and builds the arguments under the VM lock,
// since tables must be allocated on the state that receives them.
func (m *Manager) callHook(channel, hook string, build func(L *lua.LState) []lua.LValue) (lua.LValue, error) {
	m.mu.RLock()
	v := m.vms[channel]
	m.mu.RUnlock()
	if v == nil {
		return lua.LNil, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.L == nil {
		// Unloaded while we waited for the lock.
		return lua.LNil, nil
	}

	fn := v.L.GetGlobal(hook)
	if fn.Type() != lua.LTFunction {
		return lua.LNil, nil
	}

	restore := LimitInstructions(v.L, m.limit)
	err := v.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, build(v.L)...)
	if spent := restore(); err != nil && spent {
		err = ErrInstructionLimit
	}
	if err != nil {
		return lua.LNil, fmt.Errorf("scripting: %s in %s: %w", hook, channel, err)
	}

	ret := v.L.Get(-1)
	v.L.Pop(1)
	return ret, nil
}

func (v *vm) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.L != nil {
		v.L.Close()
		v.L = nil
	}
}
