package interop

import (
	"log/slog"
	"sync"

	"github.com/Manu343726/garrapata/pkg/dbg/model"
)

// message texts for unresolved native line breakpoints
const (
	msgNativePending   = "The breakpoint is pending and will be resolved when debugging starts."
	msgNativeNoSymbols = "The breakpoint will not currently be hit. No symbols have been loaded for this document."
	msgNativeNoCode    = "No executable code of the debugger's target code type is associated with this line."
)

// nativeLineBreakpoint is one resolved native source-line breakpoint.
type nativeLineBreakpoint struct {
	id             uint32
	module         string
	lineNum        int
	endLine        int
	sourceFullPath string
	isThumb        bool
	enabled        bool
	times          int
}

func (bp *nativeLineBreakpoint) toBreakpoint(verified bool) model.Breakpoint {
	return model.Breakpoint{
		ID:       bp.id,
		Verified: verified,
		Source:   model.MakeSource(bp.sourceFullPath),
		Line:     bp.lineNum,
		EndLine:  bp.endLine,
		HitCount: bp.times,
		Module:   bp.module,
	}
}

// nativeLineMapping is one protocol request entry in input order.
type nativeLineMapping struct {
	breakpoint  model.LineBreakpoint
	id          uint32
	enabled     bool
	resolvedPtr uint64 // resolved breakpoint address, 0 while pending
}

// LineAddrResolver resolves source lines to native addresses; implemented
// by InteropLibraries, faked in tests.
type LineAddrResolver interface {
	FindAddrBySourceAndLine(fileName string, lineNum int) (addr uint64, resolvedLine int, resolvedPath string, isThumb bool)
	FindAddrBySourceAndLineForLib(libStartAddr uint64, fileName string, lineNum int) (addr uint64, resolvedLine int, resolvedPath string, isThumb bool)
}

// NativeLineBreakpoints maps source+line requests onto memory patches via
// the shared breakpoint table. Multiple high-level breakpoints may share
// one address when different sources rewrite to the same line entry.
type NativeLineBreakpoints struct {
	mu     sync.Mutex // breakpointsMu, leaf
	log    *slog.Logger
	shared *MemBreakpoints

	resolved map[uint64][]*nativeLineBreakpoint
	mapping  map[string][]*nativeLineMapping
}

// NewNativeLineBreakpoints creates an empty manager over the shared patch
// table.
func NewNativeLineBreakpoints(shared *MemBreakpoints, log *slog.Logger) *NativeLineBreakpoints {
	return &NativeLineBreakpoints{
		log:      log,
		shared:   shared,
		resolved: make(map[uint64][]*nativeLineBreakpoint),
		mapping:  make(map[string][]*nativeLineMapping),
	}
}

// SetLineBreakpoints replaces the native line breakpoint set of one source
// file: removed lines unpatch through the shared table, surviving entries
// keep their ids, new entries resolve through the library index when the
// process is live.
func (n *NativeLineBreakpoints) SetLineBreakpoints(pid int, libs LineAddrResolver, source string,
	requests []model.LineBreakpoint, nextID func() uint32,
	stopAllThreads StopAllThreadsFunc, fixAllThreads FixAllThreadsFunc) []model.Breakpoint {

	n.mu.Lock()
	defer n.mu.Unlock()

	removeResolved := func(entry *nativeLineMapping) {
		if entry.resolvedPtr == 0 {
			return
		}
		list := n.resolved[entry.resolvedPtr]
		for i, bp := range list {
			if bp.id != entry.id {
				continue
			}
			if bp.enabled {
				n.shared.Remove(pid, entry.resolvedPtr, stopAllThreads, fixAllThreads)
			}
			list = append(list[:i], list[i+1:]...)
			break
		}
		if len(list) == 0 {
			delete(n.resolved, entry.resolvedPtr)
		} else {
			n.resolved[entry.resolvedPtr] = list
		}
	}

	if len(requests) == 0 {
		for _, entry := range n.mapping[source] {
			removeResolved(entry)
		}
		delete(n.mapping, source)
		return nil
	}

	requestedLines := make(map[int]bool, len(requests))
	for _, request := range requests {
		requestedLines[request.Line] = true
	}
	kept := n.mapping[source][:0]
	byLine := make(map[int]*nativeLineMapping)
	for _, entry := range n.mapping[source] {
		if !requestedLines[entry.breakpoint.Line] {
			removeResolved(entry)
			continue
		}
		kept = append(kept, entry)
		byLine[entry.breakpoint.Line] = entry
	}
	n.mapping[source] = kept

	answer := make([]model.Breakpoint, 0, len(requests))
	for _, request := range requests {
		existing, found := byLine[request.Line]
		if !found {
			entry := &nativeLineMapping{breakpoint: request, id: nextID(), enabled: true}
			bp := &nativeLineBreakpoint{
				id:      entry.id,
				module:  request.Module,
				lineNum: request.Line,
				endLine: request.Line,
				enabled: true,
			}

			var addr uint64
			var resolvedLine int
			var resolvedPath string
			var isThumb bool
			if pid != 0 {
				addr, resolvedLine, resolvedPath, isThumb = libs.FindAddrBySourceAndLine(source, request.Line)
			}

			var breakpoint model.Breakpoint
			if pid != 0 && addr != 0 {
				if bp.enabled {
					n.shared.Add(pid, addr, isThumb, stopAllThreads)
				}
				bp.lineNum = resolvedLine
				bp.endLine = resolvedLine
				bp.sourceFullPath = resolvedPath
				bp.isThumb = isThumb
				entry.resolvedPtr = addr
				breakpoint = bp.toBreakpoint(true)
				n.resolved[addr] = append(n.resolved[addr], bp)
			} else {
				bp.sourceFullPath = source
				breakpoint = bp.toBreakpoint(false)
				if pid == 0 {
					breakpoint.Message = msgNativePending
				} else {
					breakpoint.Message = msgNativeNoSymbols
				}
			}

			n.mapping[source] = append(n.mapping[source], entry)
			byLine[request.Line] = entry
			answer = append(answer, breakpoint)
			continue
		}

		var breakpoint model.Breakpoint
		if existing.resolvedPtr != 0 {
			for _, bp := range n.resolved[existing.resolvedPtr] {
				if bp.id == existing.id {
					breakpoint = bp.toBreakpoint(true)
					break
				}
			}
		} else {
			stale := &nativeLineBreakpoint{
				id:             existing.id,
				module:         existing.breakpoint.Module,
				lineNum:        request.Line,
				endLine:        request.Line,
				sourceFullPath: source,
			}
			breakpoint = stale.toBreakpoint(false)
			if pid == 0 {
				breakpoint.Message = msgNativePending
			} else {
				breakpoint.Message = msgNativeNoSymbols
			}
		}
		answer = append(answer, breakpoint)
	}

	return answer
}

// LoadModule re-resolves every pending entry against the just-loaded
// library only, patching memory directly: the library is mid-load, its
// code cannot run yet, no thread stop is needed.
func (n *NativeLineBreakpoints) LoadModule(pid int, startAddr uint64, libs LineAddrResolver) []model.BreakpointEvent {
	n.mu.Lock()
	defer n.mu.Unlock()

	var events []model.BreakpointEvent
	for source, entries := range n.mapping {
		for _, entry := range entries {
			if entry.resolvedPtr != 0 {
				continue
			}

			addr, resolvedLine, resolvedPath, isThumb := libs.FindAddrBySourceAndLineForLib(startAddr, source, entry.breakpoint.Line)
			if addr == 0 {
				continue
			}

			bp := &nativeLineBreakpoint{
				id:             entry.id,
				module:         entry.breakpoint.Module,
				lineNum:        resolvedLine,
				endLine:        resolvedLine,
				sourceFullPath: resolvedPath,
				isThumb:        isThumb,
				enabled:        entry.enabled,
			}
			if bp.enabled {
				n.shared.Add(pid, addr, isThumb, func() {})
			}
			entry.resolvedPtr = addr
			events = append(events, model.BreakpointEvent{Kind: model.BreakpointChanged, Breakpoint: bp.toBreakpoint(true)})
			n.resolved[addr] = append(n.resolved[addr], bp)
		}
	}
	return events
}

// UnloadModule drops every resolved entry in the unmapped range and resets
// the matching mappings to pending, reporting them unverified.
func (n *NativeLineBreakpoints) UnloadModule(startAddr, endAddr uint64) []model.BreakpointEvent {
	n.mu.Lock()
	defer n.mu.Unlock()

	removed := false
	for addr := range n.resolved {
		if addr >= startAddr && addr < endAddr {
			delete(n.resolved, addr)
			removed = true
		}
	}
	if !removed {
		return nil
	}

	var events []model.BreakpointEvent
	for source, entries := range n.mapping {
		for _, entry := range entries {
			if entry.resolvedPtr < startAddr || entry.resolvedPtr >= endAddr {
				continue
			}
			breakpoint := model.Breakpoint{
				ID:        entry.id,
				Verified:  false,
				Condition: entry.breakpoint.Condition,
				Source:    model.MakeSource(source),
				Line:      entry.breakpoint.Line,
				EndLine:   entry.breakpoint.Line,
				Message:   msgNativeNoCode,
			}
			events = append(events, model.BreakpointEvent{Kind: model.BreakpointChanged, Breakpoint: breakpoint})
			entry.resolvedPtr = 0
		}
	}
	return events
}

// IsLineBreakpoint is called on a native SIGTRAP: it reports whether the
// trap address is an enabled native line breakpoint, bumping its hit
// count.
func (n *NativeLineBreakpoints) IsLineBreakpoint(addr uint64) (model.Breakpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, bp := range n.resolved[addr] {
		if !bp.enabled {
			continue
		}
		bp.times++
		return bp.toBreakpoint(true), true
	}
	return model.Breakpoint{}, false
}

// AllBreakpointsActivate enables or disables every native line breakpoint,
// patching or unpatching through the shared table.
func (n *NativeLineBreakpoints) AllBreakpointsActivate(pid int, activate bool,
	stopAllThreads StopAllThreadsFunc, fixAllThreads FixAllThreadsFunc) error {

	n.mu.Lock()
	defer n.mu.Unlock()

	var firstErr error
	failed := make(map[uint32]bool)
	for addr, list := range n.resolved {
		for _, bp := range list {
			var err error
			if bp.enabled && !activate {
				err = n.shared.Remove(pid, addr, stopAllThreads, fixAllThreads)
			} else if !bp.enabled && activate {
				err = n.shared.Add(pid, addr, bp.isThumb, stopAllThreads)
			}
			if err == nil {
				bp.enabled = activate
			} else {
				failed[bp.id] = true
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	for _, entries := range n.mapping {
		for _, entry := range entries {
			if failed[entry.id] {
				continue
			}
			entry.enabled = activate
		}
	}
	return firstErr
}

// BreakpointActivate enables or disables one native line breakpoint by id.
func (n *NativeLineBreakpoints) BreakpointActivate(pid int, id uint32, activate bool,
	stopAllThreads StopAllThreadsFunc, fixAllThreads FixAllThreadsFunc) bool {

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, entries := range n.mapping {
		for _, entry := range entries {
			if entry.id != id {
				continue
			}
			if entry.resolvedPtr != 0 {
				for _, bp := range n.resolved[entry.resolvedPtr] {
					if bp.id != id {
						continue
					}
					var err error
					if bp.enabled && !activate {
						err = n.shared.Remove(pid, entry.resolvedPtr, stopAllThreads, fixAllThreads)
					} else if !bp.enabled && activate {
						err = n.shared.Add(pid, entry.resolvedPtr, bp.isThumb, stopAllThreads)
					}
					if err != nil {
						return false
					}
					bp.enabled = activate
					break
				}
			}
			entry.enabled = activate
			return true
		}
	}
	return false
}

// DeleteAll removes every native line breakpoint mid-session, unpatching
// through the shared table with the usual stop/fix discipline.
func (n *NativeLineBreakpoints) DeleteAll(pid int,
	stopAllThreads StopAllThreadsFunc, fixAllThreads FixAllThreadsFunc) {

	n.mu.Lock()
	defer n.mu.Unlock()

	if pid != 0 {
		for addr, list := range n.resolved {
			for _, bp := range list {
				if bp.enabled {
					n.shared.Remove(pid, addr, stopAllThreads, fixAllThreads)
				}
			}
		}
	}
	n.resolved = make(map[uint64][]*nativeLineBreakpoint)
	n.mapping = make(map[string][]*nativeLineMapping)
}

// RemoveAllAtDetach restores the table state. Must be called only with all
// threads stopped and fixed.
func (n *NativeLineBreakpoints) RemoveAllAtDetach(pid int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if pid != 0 {
		for addr, list := range n.resolved {
			for _, bp := range list {
				if bp.enabled {
					n.shared.Remove(pid, addr, func() {}, func(uint64) {})
				}
			}
		}
	}
	n.resolved = make(map[uint64][]*nativeLineBreakpoint)
	n.mapping = make(map[string][]*nativeLineMapping)
}

// AddAllBreakpointsInfo appends the native inventory, resolved first.
func (n *NativeLineBreakpoints) AddAllBreakpointsInfo(list *[]model.BreakpointInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()

	resolvedIDs := make(map[uint32]bool)
	for _, bps := range n.resolved {
		for _, bp := range bps {
			resolvedIDs[bp.id] = true
			*list = append(*list, model.BreakpointInfo{
				ID: bp.id, Resolved: true, Enabled: bp.enabled, HitCount: bp.times,
				Source: bp.sourceFullPath, Line: bp.lineNum, EndLine: bp.endLine, Module: bp.module,
			})
		}
	}
	for source, entries := range n.mapping {
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
