package breakpoints

import (
	"strings"
	"sync"

	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
	"github.com/Manu343726/garrapata/pkg/dbg/symbols"
)

// EntryBreakpoint implements "stop at managed Main": a one-shot breakpoint
// installed on the first module whose file metadata carries an entry-point
// token. It deactivates on first hit.
type EntryBreakpoint struct {
	mu          sync.Mutex
	modules     *symbols.Modules
	stopAtEntry bool
	handle      runtime.FuncBreakpointHandle
}

// NewEntryBreakpoint creates the entry breakpoint manager.
func NewEntryBreakpoint(modules *symbols.Modules, stopAtEntry bool) *EntryBreakpoint {
	return &EntryBreakpoint{modules: modules, stopAtEntry: stopAtEntry}
}

// OnModuleLoad installs the entry breakpoint if this module carries the
// entry point. For an async Main the compiler emits a stub `<Main>` entry
// method; the real user code lives in the nested `<Main>d__N.MoveNext`
// state machine method, so the breakpoint is moved there.
func (e *EntryBreakpoint) OnModuleLoad(mod runtime.Module) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.stopAtEntry || e.handle != nil {
		return false
	}

	meta := mod.Metadata()
	entryToken, found := meta.EntryPointToken()
	if !found {
		return false
	}

	entryOffset := uint32(0)
	if mainClass, name, err := meta.MethodProps(entryToken); err == nil && name == "<Main>" {
		// If the async rewrite cannot be set up, keep the entry point as is.
		if token, offset, ok := e.asyncEntryPoint(mod, mainClass); ok {
			entryToken = token
			entryOffset = offset
		}
	}

	function, err := mod.Function(entryToken)
	if err != nil {
		return false
	}
	handle, err := function.CreateBreakpoint(entryOffset)
	if err != nil {
		return false
	}
	if err := handle.Activate(true); err != nil {
		return false
	}
	e.handle = handle
	return true
}

// asyncEntryPoint finds `<Main>d__N.MoveNext` nested under the entry class
// and its first user-code IL offset. In the async MoveNext method user code
// does not start at IL offset 0.
func (e *EntryBreakpoint) asyncEntryPoint(mod runtime.Module, mainClass runtime.TypeToken) (runtime.MethodToken, uint32, bool) {
	meta := mod.Metadata()
	types, err := meta.EnumTypeDefs()
	if err != nil {
		return runtime.NilToken, 0, false
	}

	for _, typeDef := range types {
		name, enclosing, nested, err := meta.TypeDefProps(typeDef)
		if err != nil || !nested || enclosing != mainClass {
			continue
		}
		if !strings.HasPrefix(name, "<Main>d__") {
			continue
		}
		methods, err := meta.EnumMethods(typeDef)
		if err != nil {
			continue
		}
		for _, token := range methods {
			_, methodName, err := meta.MethodProps(token)
			if err != nil || methodName != "MoveNext" {
				continue
			}
			// Entry breakpoint binds the base PDB, version 1 for sure.
			offset, found := e.modules.NextUserCodeILOffset(mod, token, 1, 0)
			if !found {
				return runtime.NilToken, 0, false
			}
			return token, offset, true
		}
	}
	return runtime.NilToken, 0, false
}

// CheckBreakpointHit reports whether the callback handle is the entry
// breakpoint; on hit the breakpoint deactivates permanently.
func (e *EntryBreakpoint) CheckBreakpointHit(hit runtime.FuncBreakpointHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.stopAtEntry || e.handle == nil || !e.handle.Same(hit) {
		return false
	}
	e.handle.Activate(false)
	e.handle = nil
	return true
}

// Delete deactivates and clears the entry breakpoint.
func (e *EntryBreakpoint) Delete() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == nil {
		return
	}
	e.handle.Activate(false)
	e.handle = nil
}
