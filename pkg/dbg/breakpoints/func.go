package breakpoints

import (
	"log/slog"
	"sync"

	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
	"github.com/Manu343726/garrapata/pkg/dbg/symbols"
)

// funcResolution is one (method, version) binding of a function breakpoint.
// Unlike line breakpoints there is no one-active rule: a function breakpoint
// legitimately matches many methods and all of them stay activated.
type funcResolution struct {
	module  runtime.Module
	token   runtime.MethodToken
	version uint32
	handle  runtime.FuncBreakpointHandle
}

// managedFuncBreakpoint is one function-name breakpoint with its current
// resolution set.
type managedFuncBreakpoint struct {
	id          uint32
	module      string
	name        string
	params      string
	condition   string
	enabled     bool
	times       int
	resolutions []funcResolution
}

func (bp *managedFuncBreakpoint) toBreakpoint() model.Breakpoint {
	return model.Breakpoint{
		ID:        bp.id,
		Verified:  len(bp.resolutions) > 0,
		Condition: bp.condition,
		Module:    bp.module,
		FuncName:  bp.name,
		Params:    bp.params,
		HitCount:  bp.times,
	}
}

// FuncBreakpoints manages managed function-name breakpoints.
type FuncBreakpoints struct {
	mu         sync.Mutex // breakpointsMu, leaf
	modules    *symbols.Modules
	evaluator  runtime.Evaluator
	log        *slog.Logger
	justMyCode bool

	// keyed by the protocol full name "module!func(params)"
	breakpoints map[string]*managedFuncBreakpoint
}

// NewFuncBreakpoints creates an empty manager.
func NewFuncBreakpoints(modules *symbols.Modules, evaluator runtime.Evaluator, justMyCode bool, log *slog.Logger) *FuncBreakpoints {
	return &FuncBreakpoints{
		modules:     modules,
		evaluator:   evaluator,
		log:         log,
		justMyCode:  justMyCode,
		breakpoints: make(map[string]*managedFuncBreakpoint),
	}
}

// DeleteAll drops every function breakpoint.
func (f *FuncBreakpoints) DeleteAll() {
	f.mu.Lock()
	f.breakpoints = make(map[string]*managedFuncBreakpoint)
	f.mu.Unlock()
}

func fullFuncName(bp model.FuncBreakpoint) string {
	name := ""
	if bp.Module != "" {
		name = bp.Module + "!"
	}
	return name + bp.Func + bp.Params
}

// signatureMatches compares the requested C# parameter signature against a
// method's metadata signature. An empty request matches any signature.
func (f *FuncBreakpoints) signatureMatches(mod runtime.Module, token runtime.MethodToken, params string) bool {
	if params == "" {
		return true
	}
	clrTypes, err := mod.Metadata().MethodParamTypeNames(token)
	if err != nil {
		return false
	}
	return symbols.RenderParamSignature(clrTypes) == params
}

// addResolutions binds a breakpoint to each resolved method at its first
// user-code IL offset. New breakpoints can only bind the latest method
// version since protocols identify methods by name.
func (f *FuncBreakpoints) addResolutions(bp *managedFuncBreakpoint, resolved []funcResolution) {
	for _, resolution := range resolved {
		if skipBreakpoint(f.modules.IsHiddenMethod(resolution.module, resolution.token), f.justMyCode) {
			continue
		}
		function, err := resolution.module.Function(resolution.token)
		if err != nil {
			continue
		}
		version, err := function.CurrentVersion()
		if err != nil {
			version = 1
		}
		ilOffset, found := f.modules.NextUserCodeILOffset(resolution.module, resolution.token, version, 0)
		if !found {
			continue
		}
		handle, err := function.CreateBreakpoint(ilOffset)
		if err != nil {
			continue
		}
		handle.Activate(bp.enabled)
		bp.resolutions = append(bp.resolutions, funcResolution{
			module:  resolution.module,
			token:   resolution.token,
			version: version,
			handle:  handle,
		})
	}
}

// resolveIn collects (module, token) matches for a breakpoint. mod of nil
// searches every loaded module.
func (f *FuncBreakpoints) resolveIn(mod runtime.Module, bp *managedFuncBreakpoint) []funcResolution {
	var resolved []funcResolution
	collect := func(module runtime.Module, token runtime.MethodToken) error {
		if f.signatureMatches(module, token, bp.params) {
			resolved = append(resolved, funcResolution{module: module, token: token})
		}
		return nil
	}
	if mod != nil {
		f.modules.ResolveFunctionInModule(mod, bp.name, collect)
	} else {
		f.modules.ResolveFunctionInAny(bp.module, bp.name, collect)
	}
	return resolved
}

// SetFuncBreakpoints implements the protocol request: replaces the set of
// function breakpoints, keeping ids of surviving entries. The answer
// preserves request order.
func (f *FuncBreakpoints) SetFuncBreakpoints(haveProcess bool,
	requests []model.FuncBreakpoint, nextID func() uint32) []model.Breakpoint {

	f.mu.Lock()
	defer f.mu.Unlock()

	requested := make(map[string]bool, len(requests))
	for _, request := range requests {
		requested[fullFuncName(request)] = true
	}
	for name, bp := range f.breakpoints {
		if !requested[name] {
			for _, resolution := range bp.resolutions {
				resolution.handle.Activate(false)
			}
			delete(f.breakpoints, name)
		}
	}

	answer := make([]model.Breakpoint, 0, len(requests))
	for _, request := range requests {
		name := fullFuncName(request)
		existing, found := f.breakpoints[name]
		if found {
			existing.condition = request.Condition
			answer = append(answer, existing.toBreakpoint())
			continue
		}

		bp := &managedFuncBreakpoint{
			id:        nextID(),
			module:    request.Module,
			name:      request.Func,
			params:    request.Params,
			condition: request.Condition,
			enabled:   true,
		}
		if haveProcess {
			f.addResolutions(bp, f.resolveIn(nil, bp))
		}
		f.breakpoints[name] = bp
		answer = append(answer, bp.toBreakpoint())
	}
	return answer
}

// OnModuleLoad resolves still-unresolved function breakpoints against the
// just-loaded module. Unresolved breakpoints re-resolve on every module
// load.
func (f *FuncBreakpoints) OnModuleLoad(mod runtime.Module) []model.BreakpointEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	var events []model.BreakpointEvent
	for _, bp := range f.breakpoints {
		if len(bp.resolutions) > 0 {
			continue
		}
		f.addResolutions(bp, f.resolveIn(mod, bp))
		if len(bp.resolutions) > 0 {
			events = append(events, model.BreakpointEvent{Kind: model.BreakpointChanged, Breakpoint: bp.toBreakpoint()})
		}
	}
	return events
}

// UpdateOnHotReload binds breakpoints to new versions of changed methods
// and removes bindings of older versions of the same tokens.
func (f *FuncBreakpoints) UpdateOnHotReload(mod runtime.Module, changed map[runtime.MethodToken]bool) []model.BreakpointEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	var events []model.BreakpointEvent
	for _, bp := range f.breakpoints {
		initiallyResolved := len(bp.resolutions) > 0

		var fresh []funcResolution
		for _, resolution := range f.resolveIn(mod, bp) {
			if changed[resolution.token] {
				fresh = append(fresh, resolution)
			}
		}
		if len(fresh) == 0 {
			continue
		}

		before := len(bp.resolutions)
		f.addResolutions(bp, fresh)
		added := bp.resolutions[before:]

		// Remove bindings of older versions of the re-bound tokens.
		kept := bp.resolutions[:0]
		for _, resolution := range bp.resolutions[:before] {
			replaced := false
			for _, replacement := range added {
				if resolution.token == replacement.token && resolution.version != replacement.version {
					replaced = true
					break
				}
			}
			if replaced {
				resolution.handle.Activate(false)
				continue
			}
			kept = append(kept, resolution)
		}
		bp.resolutions = append(kept, added...)

		if !initiallyResolved {
			events = append(events, model.BreakpointEvent{Kind: model.BreakpointChanged, Breakpoint: bp.toBreakpoint()})
		}
	}
	return events
}

// CheckBreakpointHit dispatches a runtime breakpoint callback against the
// function breakpoints.
func (f *FuncBreakpoints) CheckBreakpointHit(thread runtime.Thread, hit runtime.FuncBreakpointHandle) (model.Breakpoint, bool) {
	f.mu.Lock()
	candidates := make([]*managedFuncBreakpoint, 0, len(f.breakpoints))
	for _, bp := range f.breakpoints {
		candidates = append(candidates, bp)
	}
	f.mu.Unlock()

	for _, bp := range candidates {
		if !bp.enabled {
			continue
		}
		for _, resolution := range bp.resolutions {
			if !resolution.handle.Same(hit) {
				continue
			}
			if !isEnabledByCondition(bp.condition, f.evaluator, thread, f.log) {
				return model.Breakpoint{}, false
			}
			f.mu.Lock()
			bp.times++
			result := bp.toBreakpoint()
			f.mu.Unlock()
			return result, true
		}
	}
	return model.Breakpoint{}, false
}

// AllBreakpointsActivate enables or disables every function breakpoint.
func (f *FuncBreakpoints) AllBreakpointsActivate(activate bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, bp := range f.breakpoints {
		for _, resolution := range bp.resolutions {
			resolution.handle.Activate(activate)
		}
		bp.enabled = activate
	}
}

// BreakpointActivate enables or disables one function breakpoint by id.
func (f *FuncBreakpoints) BreakpointActivate(id uint32, activate bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, bp := range f.breakpoints {
		if bp.id != id {
			continue
		}
		for _, resolution := range bp.resolutions {
			resolution.handle.Activate(activate)
		}
		bp.enabled = activate
		return true
	}
	return false
}

// AddAllBreakpointsInfo appends the function breakpoint inventory.
func (f *FuncBreakpoints) AddAllBreakpointsInfo(list *[]model.BreakpointInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, bp := range f.breakpoints {
		*list = append(*list, model.BreakpointInfo{
			ID: bp.id, Resolved: len(bp.resolutions) > 0, Enabled: bp.enabled,
			HitCount: bp.times, Condition: bp.condition, Source: bp.name,
			Module: bp.module, Params: bp.params,
		})
	}
}
