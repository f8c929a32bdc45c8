package dbg

import (
	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
)

// Managed runtime callback entry points. The runtime delivers these on its
// own internal threads. The stop-producing callbacks (breakpoint, step,
// exception) only enqueue work and return; the module, hot reload and
// thread callbacks update the engine state and emit their events inline.

// OnModuleLoad handles the runtime's module-load callback: symbols load,
// entry breakpoint installation and pending breakpoint resolution.
func (d *Debugger) OnModuleLoad(mod runtime.Module) {
	published := d.modules.TryLoadModuleSymbols(mod)

	if published.SymbolStatus == model.SymbolsLoaded {
		d.entryBreakpoint.OnModuleLoad(mod)
		for _, event := range d.lineBreakpoints.OnModuleLoad(mod) {
			d.sink.EmitBreakpointEvent(event)
		}
		for _, event := range d.funcBreakpoints.OnModuleLoad(mod) {
			d.sink.EmitBreakpointEvent(event)
		}
	}

	d.sink.EmitModuleEvent(model.ModuleEvent{Kind: model.ModuleNew, Module: published})
}

// OnModuleUnload drops the module from the index.
func (d *Debugger) OnModuleUnload(mod runtime.Module) {
	d.modules.RemoveModule(mod)
	d.sink.EmitModuleEvent(model.ModuleEvent{Kind: model.ModuleRemoved, Module: model.Module{
		Name: model.MakeSource(mod.Path()).Name,
		Path: mod.Path(),
	}})
}

// OnHotReloadApplied handles a metadata delta: re-resolve breakpoints
// whose methods changed, dropping handles bound to older versions.
func (d *Debugger) OnHotReloadApplied(mod runtime.Module, deltaPDB []byte) {
	changed, err := d.modules.ApplyHotReloadDelta(mod, deltaPDB)
	if err != nil {
		d.log.Warn("hot reload delta apply failed", "module", mod.Path(), "error", err)
		return
	}
	if len(changed) == 0 {
		return
	}
	for _, event := range d.lineBreakpoints.UpdateOnHotReload(mod, changed) {
		d.sink.EmitBreakpointEvent(event)
	}
	for _, event := range d.funcBreakpoints.UpdateOnHotReload(mod, changed) {
		d.sink.EmitBreakpointEvent(event)
	}
}

// OnBreakpointHit is the runtime's breakpoint callback.
func (d *Debugger) OnBreakpointHit(thread runtime.Thread, hit runtime.FuncBreakpointHandle) {
	d.registerThread(thread)
	d.queue.AddCallbackToQueue(func() {
		d.queue.emplaceBack(queuedCallback{call: CallBreakpoint, thread: thread, tid: model.ThreadID(thread.ID()), hit: hit})
	})
}

// OnStepComplete is the runtime's stepper completion callback.
func (d *Debugger) OnStepComplete(thread runtime.Thread) {
	d.registerThread(thread)
	d.queue.AddCallbackToQueue(func() {
		d.queue.emplaceBack(queuedCallback{call: CallStepComplete, thread: thread, tid: model.ThreadID(thread.ID())})
	})
}

// OnException is the runtime's exception callback.
func (d *Debugger) OnException(thread runtime.Thread, text string) {
	d.registerThread(thread)
	d.queue.AddCallbackToQueue(func() {
		d.queue.emplaceBack(queuedCallback{call: CallException, thread: thread, tid: model.ThreadID(thread.ID()), text: text})
	})
}

// OnThreadCreated tracks a managed thread.
func (d *Debugger) OnThreadCreated(thread runtime.Thread) {
	d.registerThread(thread)
	d.sink.EmitThreadEvent(model.ThreadEvent{Kind: model.ThreadStarted, ThreadID: model.ThreadID(thread.ID())})
}

// OnThreadExited forgets a managed thread.
func (d *Debugger) OnThreadExited(tid int) {
	d.mu.Lock()
	delete(d.threads, tid)
	d.mu.Unlock()
	d.sink.EmitThreadEvent(model.ThreadEvent{Kind: model.ThreadExited, ThreadID: model.ThreadID(tid)})
}

// OnManagedProcessExited is the managed-side exit notification used when
// the interop waitpid owner is absent.
func (d *Debugger) OnManagedProcessExited() {
	d.onProcessExited()
}

func (d *Debugger) registerThread(thread runtime.Thread) {
	d.mu.Lock()
	d.threads[thread.ID()] = thread
	d.mu.Unlock()
}

// handleCallback is the callbacks queue consumer: it translates queue
// entries into protocol stop events. The generating thread remains in its
// event-in-progress state until the handler returns.
func (d *Debugger) handleCallback(cb queuedCallback) {
	switch cb.call {
	case CallBreakpoint:
		d.dispatchManagedBreakpoint(cb)

	case CallStepComplete:
		d.prepareManagedStop()
		d.sink.EmitStopEvent(model.StopEvent{Reason: model.StopStep, ThreadID: cb.tid})

	case CallException:
		d.prepareManagedStop()
		d.sink.EmitStopEvent(model.StopEvent{Reason: model.StopException, ThreadID: cb.tid, Text: cb.text})

	case CallPause:
		d.prepareManagedStop()
		d.sink.EmitStopEvent(model.StopEvent{Reason: model.StopPause, ThreadID: cb.tid})

	case CallInteropBreakpoint:
		event := model.StopEvent{Reason: model.StopBreakpoint, ThreadID: cb.tid, Addr: cb.addr}
		if d.interop != nil {
			if breakpoint, hit := d.interop.LineBreakpoints.IsLineBreakpoint(cb.addr); hit {
				event.Breakpoint = breakpoint
			} else {
				event.Breakpoint = model.Breakpoint{Verified: true}
			}
		}
		d.sink.EmitStopEvent(event)

	case CallInteropSignal:
		d.sink.EmitStopEvent(model.StopEvent{Reason: model.StopSignal, ThreadID: cb.tid, Addr: cb.addr, Signal: cb.signal})
	}
}

// dispatchManagedBreakpoint routes a managed breakpoint callback through
// the entry, line and function breakpoint managers; a silent miss (a
// deactivated peer or a false condition) resumes the process without a
// stop event.
func (d *Debugger) dispatchManagedBreakpoint(cb queuedCallback) {
	if d.entryBreakpoint.CheckBreakpointHit(cb.hit) {
		d.prepareManagedStop()
		d.sink.EmitStopEvent(model.StopEvent{Reason: model.StopEntry, ThreadID: cb.tid})
		return
	}

	if breakpoint, hit := d.lineBreakpoints.CheckBreakpointHit(cb.thread, cb.hit); hit {
		d.prepareManagedStop()
		d.sink.EmitStopEvent(model.StopEvent{Reason: model.StopBreakpoint, ThreadID: cb.tid, Breakpoint: breakpoint})
		return
	}

	if breakpoint, hit := d.funcBreakpoints.CheckBreakpointHit(cb.thread, cb.hit); hit {
		d.prepareManagedStop()
		d.sink.EmitStopEvent(model.StopEvent{Reason: model.StopBreakpoint, ThreadID: cb.tid, Breakpoint: breakpoint})
		return
	}

	// stopped at a breakpoint nobody claims: resume silently
	if err := d.Continue(); err != nil {
		d.log.Warn("silent resume after unclaimed breakpoint failed", "error", err)
	}
}

// prepareManagedStop runs the native stop-the-world pass required before
// each managed stop event in interop mode.
func (d *Debugger) prepareManagedStop() {
	if d.interop == nil {
		return
	}
	d.interop.StopAllNativeThreads(d)
}
