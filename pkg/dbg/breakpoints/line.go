package breakpoints

import (
	"log/slog"
	"sync"

	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
	"github.com/Manu343726/garrapata/pkg/dbg/symbols"
)

// pending/resolved breakpoint messages shown to the protocol user
const (
	msgPendingStart = "The breakpoint is pending and will be resolved when debugging starts."
	msgNoSymbols    = "The breakpoint will not currently be hit. No symbols have been loaded for this document."
)

// lineBreakpointMapping preserves one protocol request entry; the source map
// keeps them in input order as the protocols require.
type lineBreakpointMapping struct {
	breakpoint    model.LineBreakpoint
	id            uint32
	enabled       bool
	resolvedIndex uint32 // dense source index, valid when resolvedLine != 0
	resolvedLine  int    // 0 while unresolved
}

// managedLineBreakpoint is one resolved line breakpoint: a set of runtime
// handles, one per constructor/copy of the code line found in the module.
type managedLineBreakpoint struct {
	id        uint32
	module    string
	line      int
	endLine   int
	condition string
	enabled   bool
	times     int
	handles   []runtime.FuncBreakpointHandle
	tokens    []runtime.MethodToken
}

func (bp *managedLineBreakpoint) toBreakpoint(fullname string, verified bool) model.Breakpoint {
	return model.Breakpoint{
		ID:        bp.id,
		Verified:  verified,
		Condition: bp.condition,
		Source:    model.MakeSource(fullname),
		Line:      bp.line,
		EndLine:   bp.endLine,
		HitCount:  bp.times,
		Module:    bp.module,
	}
}

// LineBreakpoints manages managed source-line breakpoints.
type LineBreakpoints struct {
	mu         sync.Mutex // breakpointsMu, leaf
	modules    *symbols.Modules
	evaluator  runtime.Evaluator
	log        *slog.Logger
	justMyCode bool

	// resolved breakpoints keyed by dense source index, then resolved line
	resolved map[uint32]map[int][]*managedLineBreakpoint
	// protocol source path -> request entries in input order
	mapping map[string][]*lineBreakpointMapping
}

// NewLineBreakpoints creates an empty manager.
func NewLineBreakpoints(modules *symbols.Modules, evaluator runtime.Evaluator, justMyCode bool, log *slog.Logger) *LineBreakpoints {
	return &LineBreakpoints{
		modules:    modules,
		evaluator:  evaluator,
		log:        log,
		justMyCode: justMyCode,
		resolved:   make(map[uint32]map[int][]*managedLineBreakpoint),
		mapping:    make(map[string][]*lineBreakpointMapping),
	}
}

// DeleteAll drops every line breakpoint without touching runtime handles;
// the runtime releases them with the process.
func (l *LineBreakpoints) DeleteAll() {
	l.mu.Lock()
	l.resolved = make(map[uint32]map[int][]*managedLineBreakpoint)
	l.mapping = make(map[string][]*lineBreakpointMapping)
	l.mu.Unlock()
}

// enableOneForLine applies the one-active rule: among the records resolved
// to one (source, line), exactly the first enabled record's runtime handles
// are activated; the rest are deactivated. Hit dispatch therefore fires
// exactly once per physical stop.
func enableOneForLine(list []*managedLineBreakpoint) {
	needEnable := true
	for _, bp := range list {
		if len(bp.handles) == 0 {
			continue
		}
		if bp.enabled && needEnable {
			for _, handle := range bp.handles {
				handle.Activate(true)
			}
			needEnable = false
		} else {
			for _, handle := range bp.handles {
				handle.Activate(false)
			}
		}
	}
}

// resolveLine binds one breakpoint to executable code. moduleFilter limits
// resolution to one module base address (0 = any). Returns the dense source
// index on success.
func (l *LineBreakpoints) resolveLine(moduleFilter uint64, bp *managedLineBreakpoint, source string) (uint32, bool) {
	if source == "" || bp.line <= 0 {
		return 0, false
	}

	index, points := l.modules.ResolveBreakpoint(moduleFilter, source, bp.line)
	if len(points) == 0 {
		return 0, false
	}

	// Multiple modules may carry the same source path; protocols cannot
	// address that, first module wins.
	chosen := points[0].Module
	bound := false
	for _, point := range points {
		if point.Module.BaseAddress() != chosen.BaseAddress() {
			l.log.Warn("same source path found in multiple modules during breakpoint resolve",
				"source", source, "used", chosen.Path(), "ignored", point.Module.Path())
			continue
		}
		if skipBreakpoint(l.modules.IsHiddenMethod(point.Module, point.MethodToken), l.justMyCode) {
			continue
		}

		function, err := point.Module.Function(point.MethodToken)
		if err != nil {
			continue
		}
		handle, err := function.CreateBreakpoint(point.ILOffset)
		if err != nil {
			continue
		}
		handle.Activate(bp.enabled)
		bp.handles = append(bp.handles, handle)
		bp.tokens = append(bp.tokens, point.MethodToken)
		bound = true
	}
	if !bound {
		return 0, false
	}

	bp.line = points[0].StartLine
	bp.endLine = points[0].EndLine
	return index, true
}

// SetLineBreakpoints implements the protocol request: replaces the set of
// line breakpoints of one source file, keeping ids of surviving entries.
// The answer preserves request order index by index.
func (l *LineBreakpoints) SetLineBreakpoints(haveProcess bool, source string,
	requests []model.LineBreakpoint, nextID func() uint32) []model.Breakpoint {

	l.mu.Lock()
	defer l.mu.Unlock()

	removeResolved := func(entry *lineBreakpointMapping) {
		if entry.resolvedLine == 0 {
			return
		}
		byLine, found := l.resolved[entry.resolvedIndex]
		if !found {
			return
		}
		list := byLine[entry.resolvedLine]
		for i, bp := range list {
			if bp.id != entry.id {
				continue
			}
			for _, handle := range bp.handles {
				handle.Activate(false)
			}
			list = append(list[:i], list[i+1:]...)
			break
		}
		if len(list) == 0 {
			delete(byLine, entry.resolvedLine)
		} else {
			byLine[entry.resolvedLine] = list
			enableOneForLine(list)
		}
	}

	if len(requests) == 0 {
		for _, entry := range l.mapping[source] {
			removeResolved(entry)
		}
		delete(l.mapping, source)
		return nil
	}

	// Remove breakpoints whose line is absent from the new request
	requestedLines := make(map[int]bool, len(requests))
	for _, request := range requests {
		requestedLines[request.Line] = true
	}
	kept := l.mapping[source][:0]
	byLine := make(map[int]*lineBreakpointMapping)
	for _, entry := range l.mapping[source] {
		if !requestedLines[entry.breakpoint.Line] {
			removeResolved(entry)
			continue
		}
		kept = append(kept, entry)
		byLine[entry.breakpoint.Line] = entry
	}
	l.mapping[source] = kept

	answer := make([]model.Breakpoint, 0, len(requests))
	for _, request := range requests {
		existing, found := byLine[request.Line]
		if !found {
			entry := &lineBreakpointMapping{breakpoint: request, id: nextID(), enabled: true}
			bp := &managedLineBreakpoint{
				id:        entry.id,
				module:    request.Module,
				line:      request.Line,
				endLine:   request.Line,
				condition: request.Condition,
				enabled:   true,
			}

			var breakpoint model.Breakpoint
			if index, resolved := func() (uint32, bool) {
				if !haveProcess {
					return 0, false
				}
				return l.resolveLine(0, bp, source)
			}(); resolved {
				entry.resolvedIndex = index
				entry.resolvedLine = bp.line
				fullname, _ := l.modules.SourceFullPathByIndex(index)
				breakpoint = bp.toBreakpoint(fullname, true)
				l.insertResolved(index, bp)
			} else {
				breakpoint = bp.toBreakpoint(source, false)
				if !haveProcess {
					breakpoint.Message = msgPendingStart
				} else {
					breakpoint.Message = msgNoSymbols
				}
			}

			l.mapping[source] = append(l.mapping[source], entry)
			byLine[request.Line] = entry
			answer = append(answer, breakpoint)
			continue
		}

		// Existing breakpoint: ids preserved, condition updated.
		existing.breakpoint.Condition = request.Condition
		var breakpoint model.Breakpoint
		if existing.resolvedLine != 0 {
			for _, bp := range l.resolved[existing.resolvedIndex][existing.resolvedLine] {
				if bp.id != existing.id {
					continue
				}
				bp.condition = request.Condition
				fullname, _ := l.modules.SourceFullPathByIndex(existing.resolvedIndex)
				breakpoint = bp.toBreakpoint(fullname, true)
				break
			}
		} else {
			stale := &managedLineBreakpoint{
				id:        existing.id,
				module:    existing.breakpoint.Module,
				line:      request.Line,
				endLine:   request.Line,
				condition: request.Condition,
			}
			breakpoint = stale.toBreakpoint(source, false)
			if !haveProcess {
				breakpoint.Message = msgPendingStart
			} else {
				breakpoint.Message = msgNoSymbols
			}
		}
		answer = append(answer, breakpoint)
	}

	return answer
}

// insertResolved stores a resolved breakpoint and re-applies the one-active
// rule for its line. Caller holds mu.
func (l *LineBreakpoints) insertResolved(index uint32, bp *managedLineBreakpoint) {
	byLine, found := l.resolved[index]
	if !found {
		byLine = make(map[int][]*managedLineBreakpoint)
		l.resolved[index] = byLine
	}
	byLine[bp.line] = append(byLine[bp.line], bp)
	enableOneForLine(byLine[bp.line])
}

// OnModuleLoad re-resolves pending breakpoints against the just-loaded
// module and reports the newly verified ones.
func (l *LineBreakpoints) OnModuleLoad(mod runtime.Module) []model.BreakpointEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var events []model.BreakpointEvent
	for source, entries := range l.mapping {
		for _, entry := range entries {
			if entry.resolvedLine != 0 {
				continue
			}
			bp := &managedLineBreakpoint{
				id:        entry.id,
				module:    entry.breakpoint.Module,
				line:      entry.breakpoint.Line,
				endLine:   entry.breakpoint.Line,
				condition: entry.breakpoint.Condition,
				enabled:   entry.enabled,
			}
			index, resolved := l.resolveLine(mod.BaseAddress(), bp, source)
			if !resolved {
				continue
			}
			entry.resolvedIndex = index
			entry.resolvedLine = bp.line
			fullname, _ := l.modules.SourceFullPathByIndex(index)
			events = append(events, model.BreakpointEvent{
				Kind:       model.BreakpointChanged,
				Breakpoint: bp.toBreakpoint(fullname, true),
			})
			l.insertResolved(index, bp)
		}
	}
	return events
}

// CheckBreakpointHit dispatches a runtime breakpoint callback: it finds the
// line of the stopped frame, then picks the first enabled record whose
// handle matches and whose condition holds. A condition failure of the
// first enabled record does not fall through to the next one.
func (l *LineBreakpoints) CheckBreakpointHit(thread runtime.Thread, hit runtime.FuncBreakpointHandle) (model.Breakpoint, bool) {
	frame, err := thread.ActiveFrame()
	if err != nil || frame == nil {
		return model.Breakpoint{}, false
	}
	_, sp, found := l.modules.FrameILAndSequencePoint(frame)
	if !found {
		return model.Breakpoint{}, false
	}
	index, found := l.modules.IndexBySourceFullPath(sp.Document)
	if !found {
		return model.Breakpoint{}, false
	}

	l.mu.Lock()
	var list []*managedLineBreakpoint
	if byLine, haveSource := l.resolved[index]; haveSource {
		list = append(list, byLine[sp.StartLine]...)
	}
	l.mu.Unlock()

	for _, bp := range list {
		if !bp.enabled {
			continue
		}
		for _, handle := range bp.handles {
			if !handle.Same(hit) {
				continue
			}
			if !isEnabledByCondition(bp.condition, l.evaluator, thread, l.log) {
				return model.Breakpoint{}, false
			}
			l.mu.Lock()
			bp.times++
			result := bp.toBreakpoint(sp.Document, true)
			l.mu.Unlock()
			return result, true
		}
	}
	return model.Breakpoint{}, false
}

// UpdateOnHotReload re-resolves breakpoints whose method is in the changed
// token set and drops runtime handles of older method versions.
func (l *LineBreakpoints) UpdateOnHotReload(mod runtime.Module, changed map[runtime.MethodToken]bool) []model.BreakpointEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var events []model.BreakpointEvent
	for source, entries := range l.mapping {
		for _, entry := range entries {
			if entry.resolvedLine == 0 {
				continue
			}
			list := l.resolved[entry.resolvedIndex][entry.resolvedLine]
			for _, bp := range list {
				if bp.id != entry.id {
					continue
				}
				fresh := &managedLineBreakpoint{
					id:        bp.id,
					module:    bp.module,
					line:      entry.breakpoint.Line,
					endLine:   entry.breakpoint.Line,
					condition: bp.condition,
					enabled:   bp.enabled,
				}
				index, resolved := l.resolveLine(mod.BaseAddress(), fresh, source)
				if !resolved || !touchesChanged(fresh, changed) {
					// drop handles created speculatively
					for _, handle := range fresh.handles {
						handle.Activate(false)
					}
					break
				}
				// Remove handles bound to older method versions.
				for _, handle := range bp.handles {
					handle.Activate(false)
				}
				bp.handles = fresh.handles
				bp.tokens = fresh.tokens
				bp.line = fresh.line
				bp.endLine = fresh.endLine
				entry.resolvedIndex = index
				fullname, _ := l.modules.SourceFullPathByIndex(index)
				events = append(events, model.BreakpointEvent{
					Kind:       model.BreakpointChanged,
					Breakpoint: bp.toBreakpoint(fullname, true),
				})
				enableOneForLine(list)
				break
			}
		}
	}
	return events
}

// touchesChanged reports whether any of the fresh handles binds a changed
// method.
func touchesChanged(bp *managedLineBreakpoint, changed map[runtime.MethodToken]bool) bool {
	for _, token := range bp.tokens {
		if changed[token] {
			return true
		}
	}
	return false
}

// AllBreakpointsActivate enables or disables every line breakpoint.
func (l *LineBreakpoints) AllBreakpointsActivate(activate bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, byLine := range l.resolved {
		for _, list := range byLine {
			for _, bp := range list {
				bp.enabled = activate
			}
			enableOneForLine(list)
		}
	}
	for _, entries := range l.mapping {
		for _, entry := range entries {
			entry.enabled = activate
		}
	}
}

// BreakpointActivate enables or disables one breakpoint by id.
func (l *LineBreakpoints) BreakpointActivate(id uint32, activate bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entries := range l.mapping {
		for _, entry := range entries {
			if entry.id != id {
				continue
			}
			entry.enabled = activate
			if entry.resolvedLine == 0 {
				return true
			}
			list := l.resolved[entry.resolvedIndex][entry.resolvedLine]
			for _, bp := range list {
				if bp.id == id {
					bp.enabled = activate
					enableOneForLine(list)
					return true
				}
			}
			return false
		}
	}
	return false
}

// AddAllBreakpointsInfo appends the full inventory, resolved entries first.
func (l *LineBreakpoints) AddAllBreakpointsInfo(list *[]model.BreakpointInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	resolvedIDs := make(map[uint32]bool)
	for index, byLine := range l.resolved {
		fullname, _ := l.modules.SourceFullPathByIndex(index)
		for _, bps := range byLine {
			for _, bp := range bps {
				resolvedIDs[bp.id] = true
				*list = append(*list, model.BreakpointInfo{
					ID: bp.id, Resolved: true, Enabled: bp.enabled, HitCount: bp.times,
					Condition: bp.condition, Source: fullname, Line: bp.line, EndLine: bp.endLine,
					Module: bp.module,
				})
			}
		}
	}
	for source, entries := range l.mapping {
		for _, entry := range entries {
			if resolvedIDs[entry.id] {
				continue
			}
			*list = append(*list, model.BreakpointInfo{
				ID: entry.id, Resolved: false, Enabled: entry.enabled,
				Condition: entry.breakpoint.Condition, Source: source,
				Line: entry.breakpoint.Line, Module: entry.breakpoint.Module,
			})
		}
	}
}
