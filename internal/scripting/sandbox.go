// Package scripting runs per-lobby Lua behaviors in sandboxed GopherLua
// states. Scripts react to lobby events through on_* hooks and act on the
// lobby through the engine table.
package scripting

import (
	"context"
	"errors"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit is the maximum number of Lua opcodes one script
// load or hook call may execute when no override is configured.
const DefaultInstructionLimit = 100_000

// ErrInstructionLimit marks a load or hook call stopped by its budget.
var ErrInstructionLimit = errors.New("instruction limit exceeded")

// budget cancels itself once Done has been polled limit times. The VM
// polls Done before every opcode when a context is set, so the count is
// an opcode count.
type budget struct {
	context.Context
	cancel context.CancelFunc
	left   atomic.Int64
}

func (b *budget) Done() <-chan struct{} {
	if b.left.Add(-1) <= 0 {
		b.cancel()
	}
	return b.Context.Done()
}

func (b *budget) spent() bool { return b.left.Load() <= 0 }

func newBudget(limit int) *budget {
	ctx, cancel := context.WithCancel(context.Background())
	b := &budget{Context: ctx, cancel: cancel}
	b.left.Store(int64(limit))
	return b
}

// NewSandboxedState creates a GopherLua LState with:
//   - Only safe stdlib loaded: base, table, string, math
//   - Dangerous globals removed: dofile, loadfile, load, collectgarbage, require
//
// Postcondition: Returns a non-nil LState with no instruction budget
// installed; wrap each execution in LimitInstructions. The caller owns the
// LState and must call L.Close() when done.
func NewSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// LimitInstructions installs a fresh budget of limit opcodes on L. The
// returned restore removes it and reports whether the budget ran out, in
// which case the chunk that was running failed with a context error.
//
// Precondition: limit >= 0; 0 uses DefaultInstructionLimit.
func LimitInstructions(L *lua.LState, limit int) (restore func() (spent bool)) {
	if limit <= 0 {
		limit = DefaultInstructionLimit
	}
	b := newBudget(limit)
	L.SetContext(b)
	return func() bool {
		L.RemoveContext()
		b.cancel()
		return b.spent()
	}
}
