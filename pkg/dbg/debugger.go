package dbg

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Manu343726/garrapata/pkg/dbg/breakpoints"
	"github.com/Manu343726/garrapata/pkg/dbg/interop"
	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
	"github.com/Manu343726/garrapata/pkg/dbg/symbols"
	"github.com/Manu343726/garrapata/pkg/utils"
)

// terminateWait bounds the wait for process exit after Terminate in
// Shutdown, the only timeout in the engine.
const terminateWait = 2 * time.Second

// ProtocolSink receives the engine's event stream. The outer protocol
// adapters (MI, DAP, CLI) implement it.
type ProtocolSink interface {
	EmitStopEvent(event model.StopEvent)
	EmitBreakpointEvent(event model.BreakpointEvent)
	EmitModuleEvent(event model.ModuleEvent)
	EmitThreadEvent(event model.ThreadEvent)
	EmitProcessExited(exitCode int)
}

// Scope is one variable scope of a stopped frame, produced by the external
// variable engine.
type Scope struct {
	Name string
	Ref  uint64
}

// Variable is one rendered variable, produced by the external variable
// engine.
type Variable struct {
	Name  string
	Value string
	Type  string
	Ref   uint64
}

// VariablesEngine is the external managed-side variable walker and pretty
// printer; scope and variable requests delegate to it untouched.
type VariablesEngine interface {
	Scopes(tid model.ThreadID, frameIndex int) ([]Scope, error)
	Variables(ref uint64) ([]Variable, error)
}

// Debugger aggregates the engine: symbol index, managed and native
// breakpoint managers, interop debugger and callbacks queue. It is the
// single object whose lifetime spans the debug session.
type Debugger struct {
	log       *slog.Logger
	options   Options
	sourceMap *SourceMap
	sink      ProtocolSink

	modules         *symbols.Modules
	lineBreakpoints *breakpoints.LineBreakpoints
	funcBreakpoints *breakpoints.FuncBreakpoints
	entryBreakpoint *breakpoints.EntryBreakpoint
	interop         *interop.InteropDebugger
	queue           *CallbacksQueue
	sources         *SourceStorage

	process   runtime.Process
	evaluator runtime.Evaluator

	// shared id space across managed and native breakpoints
	nextBreakpointID atomic.Uint32

	// evalTID is the thread running a managed evaluation, 0 when idle
	evalTID atomic.Int64

	variables VariablesEngine

	mu          sync.Mutex
	haveProcess bool
	threads     map[int]runtime.Thread
	exited      chan struct{}
	exitNotify  func(exitCode int)
}

// NewDebugger builds an engine over a symbol reader and an expression
// evaluator. The interop debugger is attached by Init when the options
// request it.
func NewDebugger(reader symbols.Reader, evaluator runtime.Evaluator, sink ProtocolSink, options Options, log *slog.Logger) (*Debugger, error) {
	sourceMap, err := LoadSourceMap(options.SourceMapFile)
	if err != nil {
		return nil, err
	}

	d := &Debugger{
		log:       log,
		options:   options,
		sourceMap: sourceMap,
		sink:      sink,
		evaluator: evaluator,
		sources:   NewSourceStorage(),
		threads:   make(map[int]runtime.Thread),
		exited:    make(chan struct{}),
	}
	d.modules = symbols.NewModules(reader, log)
	d.lineBreakpoints = breakpoints.NewLineBreakpoints(d.modules, evaluator, options.JustMyCode, log)
	d.funcBreakpoints = breakpoints.NewFuncBreakpoints(d.modules, evaluator, options.JustMyCode, log)
	d.entryBreakpoint = breakpoints.NewEntryBreakpoint(d.modules, options.StopAtEntry)
	d.queue = NewCallbacksQueue(d.handleCallback, log)
	return d, nil
}

// EvalRunningThreadID implements the interop EvalWaiter surface.
func (d *Debugger) EvalRunningThreadID() int {
	return int(d.evalTID.Load())
}

// nextID allocates a breakpoint id from the shared space.
func (d *Debugger) nextID() uint32 {
	return d.nextBreakpointID.Add(1)
}

// Init attaches the engine to a managed process and, in interop mode,
// starts the native debugger over the same PID. A hard runtime failure
// aborts and tears the ptrace side down.
func (d *Debugger) Init(process runtime.Process, pid int, exitNotify func(exitCode int)) error {
	d.mu.Lock()
	d.process = process
	d.haveProcess = true
	d.exitNotify = exitNotify
	d.mu.Unlock()

	if !d.options.Interop {
		return nil
	}

	d.interop = interop.NewInteropDebugger(interop.NewTracer(), interop.HostArch(), d, d, d.log)
	err := d.interop.Init(pid, d.queue, d.options.Attach, func(status interop.WaitStatus) {
		d.onProcessExited()
	})
	if err != nil {
		d.interop = nil
		return utils.MakeError(model.ErrFatalRuntime, "interop init: %v", err)
	}
	return nil
}

// onProcessExited publishes process death exactly once.
func (d *Debugger) onProcessExited() {
	d.mu.Lock()
	if !d.haveProcess {
		d.mu.Unlock()
		return
	}
	d.haveProcess = false
	exitNotify := d.exitNotify
	close(d.exited)
	d.mu.Unlock()

	exitCode := 0
	if d.interop != nil {
		if code, valid := d.interop.ExitStatus(); valid {
			exitCode = code
		}
	}
	d.sink.EmitProcessExited(exitCode)
	if exitNotify != nil {
		exitNotify(exitCode)
	}
}

// EmitThreadEvent forwards interop thread events to the protocol.
func (d *Debugger) EmitThreadEvent(event model.ThreadEvent) {
	d.sink.EmitThreadEvent(event)
}

// EmitModuleEvent forwards interop module events to the protocol.
func (d *Debugger) EmitModuleEvent(event model.ModuleEvent) {
	d.sink.EmitModuleEvent(event)
}

// EmitBreakpointEvent forwards breakpoint change events to the protocol.
func (d *Debugger) EmitBreakpointEvent(event model.BreakpointEvent) {
	d.sink.EmitBreakpointEvent(event)
}

// SetLineBreakpoints replaces the breakpoints of one source file. Sources
// known to the managed symbol index bind managed breakpoints; in interop
// mode everything else goes to the native line breakpoints so mixed
// debugging covers both worlds under one id space.
func (d *Debugger) SetLineBreakpoints(source string, requests []model.LineBreakpoint) []model.Breakpoint {
	path := d.sourceMap.Resolve(source)
	path = d.modules.SourceFullPathCaseFold(path)

	if d.interop != nil && !d.isManagedSource(path) {
		return d.interop.SetLineBreakpoints(path, requests, d.nextID)
	}

	d.mu.Lock()
	haveProcess := d.haveProcess
	d.mu.Unlock()
	return d.lineBreakpoints.SetLineBreakpoints(haveProcess, path, requests, d.nextID)
}

// isManagedSource reports whether the symbol index knows the document.
func (d *Debugger) isManagedSource(path string) bool {
	_, found := d.modules.IndexBySourceFullPath(path)
	return found
}

// SetFuncBreakpoints replaces the function breakpoint set.
func (d *Debugger) SetFuncBreakpoints(requests []model.FuncBreakpoint) []model.Breakpoint {
	d.mu.Lock()
	haveProcess := d.haveProcess
	d.mu.Unlock()
	return d.funcBreakpoints.SetFuncBreakpoints(haveProcess, requests, d.nextID)
}

// AllBreakpointsActivate toggles every breakpoint, managed and native.
func (d *Debugger) AllBreakpointsActivate(activate bool) error {
	d.lineBreakpoints.AllBreakpointsActivate(activate)
	d.funcBreakpoints.AllBreakpointsActivate(activate)
	if d.interop != nil {
		return d.interop.AllBreakpointsActivate(activate)
	}
	return nil
}

// BreakpointActivate toggles one breakpoint by id across every manager.
func (d *Debugger) BreakpointActivate(id uint32, activate bool) error {
	if d.lineBreakpoints.BreakpointActivate(id, activate) {
		return nil
	}
	if d.funcBreakpoints.BreakpointActivate(id, activate) {
		return nil
	}
	if d.interop != nil && d.interop.BreakpointActivate(id, activate) {
		return nil
	}
	return utils.MakeError(model.ErrInvalidOperation, "no breakpoint with id %d", id)
}

// DeleteAllBreakpoints drops every breakpoint.
func (d *Debugger) DeleteAllBreakpoints() {
	d.lineBreakpoints.DeleteAll()
	d.funcBreakpoints.DeleteAll()
	d.entryBreakpoint.Delete()
	if d.interop != nil {
		d.interop.DeleteAllBreakpoints()
	}
}

// AllBreakpointsInfo lists every breakpoint: managed line breakpoints, then
// function breakpoints, then native line breakpoints. Each line breakpoint
// manager lists its resolved entries before its pending ones.
func (d *Debugger) AllBreakpointsInfo() []model.BreakpointInfo {
	var list []model.BreakpointInfo
	d.lineBreakpoints.AddAllBreakpointsInfo(&list)
	d.funcBreakpoints.AddAllBreakpointsInfo(&list)
	if d.interop != nil {
		d.interop.LineBreakpoints.AddAllBreakpointsInfo(&list)
	}
	return list
}

// Continue resumes the debuggee: native threads holding consumed stop
// events first, then the managed runtime.
func (d *Debugger) Continue() error {
	d.mu.Lock()
	process := d.process
	haveProcess := d.haveProcess
	d.mu.Unlock()
	if !haveProcess {
		return utils.MakeError(model.ErrInvalidOperation, "no debuggee process")
	}

	if d.interop != nil {
		d.interop.ContinueAllThreadsWithEvents()
	}
	return process.Continue()
}

// InterruptAll stops the managed runtime and publishes a pause event.
func (d *Debugger) InterruptAll() error {
	d.mu.Lock()
	process := d.process
	haveProcess := d.haveProcess
	d.mu.Unlock()
	if !haveProcess {
		return utils.MakeError(model.ErrInvalidOperation, "no debuggee process")
	}

	if err := process.Stop(); err != nil {
		return err
	}
	d.queue.AddCallbackToQueue(func() {
		d.queue.emplaceBack(queuedCallback{call: CallPause})
	})
	return nil
}

// Step drives the runtime stepper over the statement range of the current
// IP.
func (d *Debugger) Step(tid model.ThreadID, kind model.StepKind) error {
	thread, found := d.managedThread(int(tid))
	if !found {
		return utils.MakeError(model.ErrInvalidOperation, "no thread %d", tid)
	}

	stepper, err := thread.NewStepper()
	if err != nil {
		return err
	}
	if kind == model.StepOut {
		if err := stepper.StepOut(); err != nil {
			return err
		}
		return d.Continue()
	}

	startOffset, endOffset := uint32(0), uint32(0)
	if frame, err := thread.ActiveFrame(); err == nil && frame != nil && frame.IsIL() {
		if token, err := frame.FunctionToken(); err == nil {
			if ip, err := frame.IP(); err == nil {
				if start, end, found := d.modules.StepRangeFromIP(frame.Module(), token, ip); found {
					startOffset, endOffset = start, end
				}
			}
		}
	}

	if err := stepper.StepRange(kind == model.StepIn, startOffset, endOffset); err != nil {
		return err
	}
	return d.Continue()
}

// StackFrames walks the mixed managed/native stack of one thread.
func (d *Debugger) StackFrames(tid model.ThreadID) ([]model.Frame, error) {
	thread, found := d.managedThread(int(tid))
	if !found {
		if d.interop == nil {
			return nil, utils.MakeError(model.ErrInvalidOperation, "no thread %d", tid)
		}
		// a pure native thread: unwind without a managed walker
		var frames []model.Frame
		err := d.interop.UnwindNativeFrames(int(tid), true, 0, nil, func(frame interop.NativeFrame) error {
			frames = append(frames, model.Frame{
				Kind:       model.FrameNative,
				Addr:       frame.Addr,
				ModuleName: frame.LibName,
				MethodName: frame.ProcName,
				Source:     model.MakeSource(frame.FullSourcePath),
				Line:       frame.LineNum,
				Unknown:    frame.UnknownFrameAddr,
			})
			return nil
		})
		return frames, err
	}

	var frames []model.Frame
	err := d.walkFrames(thread, func(frame model.Frame) error {
		frames = append(frames, frame)
		return nil
	})
	return frames, err
}

// WalkAllThreads visits every native thread known to the interop side.
func (d *Debugger) WalkAllThreads(cb func(tid model.ThreadID, running bool)) {
	if d.interop == nil {
		return
	}
	d.interop.WalkAllThreads(func(tid int, running bool) {
		cb(model.ThreadID(tid), running)
	})
}

// SetVariablesEngine attaches the external variable engine.
func (d *Debugger) SetVariablesEngine(engine VariablesEngine) {
	d.variables = engine
}

// Scopes delegates to the external variable engine.
func (d *Debugger) Scopes(tid model.ThreadID, frameIndex int) ([]Scope, error) {
	if d.variables == nil {
		return nil, utils.MakeError(model.ErrInvalidOperation, "no variables engine attached")
	}
	return d.variables.Scopes(tid, frameIndex)
}

// Variables delegates to the external variable engine.
func (d *Debugger) Variables(ref uint64) ([]Variable, error) {
	if d.variables == nil {
		return nil, utils.MakeError(model.ErrInvalidOperation, "no variables engine attached")
	}
	return d.variables.Variables(ref)
}

// SourceLine renders one line of a stop location for event printers.
func (d *Debugger) SourceLine(path string, line int) (string, bool) {
	return d.sources.GetLine(path, line)
}

// Disassemble decodes debuggee instructions at an address (interop mode,
// x86-64 only).
func (d *Debugger) Disassemble(addr uint64, count int) ([]interop.DisasmEntry, error) {
	if d.interop == nil {
		return nil, utils.MakeError(model.ErrInvalidOperation, "no native debugger attached")
	}
	return d.interop.Disassemble(addr, count)
}

// managedThread finds a registered managed thread.
func (d *Debugger) managedThread(tid int) (runtime.Thread, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	thread, found := d.threads[tid]
	return thread, found
}

// Shutdown is symmetric to Init: terminate the debuggee with a bounded
// wait, stop the interop side, drain the queue, release the symbol
// readers.
func (d *Debugger) Shutdown() {
	d.mu.Lock()
	process := d.process
	haveProcess := d.haveProcess
	exited := d.exited
	d.mu.Unlock()

	if haveProcess && process != nil {
		if err := process.Terminate(); err != nil {
			d.log.Warn("terminate failed", "error", err)
		}
		select {
		case <-exited:
		case <-time.After(terminateWait):
			d.log.Warn("debuggee did not exit after terminate")
		}
	}

	if d.interop != nil {
		d.interop.Shutdown()
	}
	d.queue.Shutdown()
	d.modules.CleanupAllModules()
}

// ManagedThreadIDs implements the interop view of managed threads.
func (d *Debugger) ManagedThreadIDs() []int {
	d.mu.Lock()
	process := d.process
	d.mu.Unlock()
	if process == nil {
		return nil
	}

	threads, err := process.EnumerateThreads()
	if err != nil {
		return nil
	}
	tids := make([]int, 0, len(threads))
	d.mu.Lock()
	for _, thread := range threads {
		tids = append(tids, thread.ID())
		d.threads[thread.ID()] = thread
	}
	d.mu.Unlock()
	return tids
}

// TopFrameKind classifies a stopped managed thread's top frame for the
// interop stop-the-world pass.
func (d *Debugger) TopFrameKind(tid int) interop.TopFrameKind {
	thread, found := d.managedThread(tid)
	if !found {
		return interop.TopFrameSkip
	}

	frame, err := thread.ActiveFrame()
	if err != nil || frame == nil {
		return interop.TopFrameSkip
	}
	if frame.IsNative() {
		return interop.TopFrameNative
	}
	if !frame.IsIL() {
		return interop.TopFrameSkip
	}
	// exception contexts never surface as native threads
	if thread.CurrentException() != nil {
		return interop.TopFrameManaged
	}
	if d.isOptimizedTopFrame(thread, frame) {
		return interop.TopFrameNative
	}
	return interop.TopFrameManaged
}
