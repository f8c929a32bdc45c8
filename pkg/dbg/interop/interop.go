package interop

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/utils"
)

// threadStat is the per-thread state machine of the waitpid worker.
type threadStat int

const (
	threadRunning threadStat = iota
	threadStopped
	threadStoppedBreakpointEventDetected
	threadStoppedBreakpointEventInProgress
	threadStoppedSignalEventDetected
	threadStoppedSignalEventInProgress
	threadStoppedOnEventNeedContinue
	threadStoppedOnEventAsNativeThread
)

// String returns the string representation of a threadStat
func (s threadStat) String() string {
	switch s {
	case threadRunning:
		return "running"
	case threadStopped:
		return "stopped"
	case threadStoppedBreakpointEventDetected:
		return "breakpoint_event_detected"
	case threadStoppedBreakpointEventInProgress:
		return "breakpoint_event_in_progress"
	case threadStoppedSignalEventDetected:
		return "signal_event_detected"
	case threadStoppedSignalEventInProgress:
		return "signal_event_in_progress"
	case threadStoppedOnEventNeedContinue:
		return "stopped_on_event_need_continue"
	case threadStoppedOnEventAsNativeThread:
		return "stopped_on_event_as_native_thread"
	default:
		return "unknown"
	}
}

// stopEventData is the payload of a pending stop event.
type stopEventData struct {
	addr   uint64
	signal string
}

// threadStatus is everything the worker tracks per TID.
type threadStatus struct {
	stat       threadStat
	stopSignal unix.Signal
	event      uint32 // ptrace event from the status word high bits
	stopData   stopEventData
	// addrStepOverBreakpointFailed is nonzero when a signal aborted a
	// prior step-over at that breakpoint address.
	addrStepOverBreakpointFailed uint64
}

// InteropStopEvent is one stop the native debugger publishes through the
// callbacks queue.
type InteropStopEvent struct {
	TID        int
	Breakpoint bool // false means signal event
	Addr       uint64
	Signal     string
}

// EventQueue is the callbacks queue surface the interop debugger needs.
// AddInteropCallbackToQueue runs fn while holding the queue lock; fn may
// acquire waitpidMu (the required callbacksMu -> waitpidMu ordering).
type EventQueue interface {
	AddInteropCallbackToQueue(fn func())
	EnqueueInteropEvent(event InteropStopEvent)
}

// EventSink receives asynchronous protocol events.
type EventSink interface {
	EmitThreadEvent(event model.ThreadEvent)
	EmitModuleEvent(event model.ModuleEvent)
	EmitBreakpointEvent(event model.BreakpointEvent)
}

// EvalWaiter reports the thread running a managed evaluation, 0 if none.
// Native breakpoints hit on that thread are stepped over silently.
type EvalWaiter interface {
	EvalRunningThreadID() int
}

// TopFrameKind classifies a stopped managed thread's top frame for
// StopAllNativeThreads.
type TopFrameKind int

const (
	// TopFrameManaged is an unoptimized managed top frame; the thread
	// continues normally.
	TopFrameManaged TopFrameKind = iota
	// TopFrameNative belongs to the stop event as a native thread:
	// optimized managed code (inlined pinvoke possible) or a runtime
	// native frame.
	TopFrameNative
	// TopFrameSkip cannot be classified; the thread is left alone.
	TopFrameSkip
)

// ManagedProcessView is the managed runtime surface StopAllNativeThreads
// consults.
type ManagedProcessView interface {
	ManagedThreadIDs() []int
	TopFrameKind(tid int) TopFrameKind
}

// Tunable signal handling parameters. The activation-signal decay count is
// empirical: countdown x poll interval bounds how long a duplicate
// INJECT_ACTIVATION_SIGNAL burst is suppressed.
const (
	// sigInjectActivation is glibc SIGRTMIN, the runtime's thread
	// activation signal.
	sigInjectActivation        = unix.Signal(34)
	injectSignalResetCountdown = 5
	waitpidPollInterval        = 10 * time.Millisecond
)

const waitForAllThreads = -1

// waitpidWorkerStatus tracks the worker lifecycle across init/shutdown.
type waitpidWorkerStatus int

const (
	workerUnknown waitpidWorkerStatus = iota
	workerWork
	workerFinished
	workerFinishedAndJoined
)

// InteropDebugger is the ptrace-driven native debugger running beside the
// managed debugging API.
type InteropDebugger struct {
	arch   Arch
	tracer Tracer
	log    *slog.Logger
	sink   EventSink

	Breakpoints     *MemBreakpoints
	LineBreakpoints *NativeLineBreakpoints
	Rendezvous      *RendezvousBreakpoint
	Libraries       *InteropLibraries

	evalWaiter EvalWaiter

	// waitpidMu guards everything below. Lock ordering: callbacksMu (and
	// the callback event worker's mutex) are always taken before
	// waitpidMu, never after.
	waitpidMu      sync.Mutex
	tids           map[int]*threadStatus
	changedThreads []int
	eventedThreads []int
	tgidValue      int

	hwSingleStepSupported bool

	queue                  EventQueue
	notifyLastThreadExited func(status WaitStatus)
	exitStatus             WaitStatus
	exitStatusValid        bool

	workerStatus waitpidWorkerStatus
	workerExit   bool
	workerDone   chan struct{}

	// callbackEvents feeds the callback event worker; a failed
	// non-blocking send re-queues the work for the next waitpid cycle.
	callbackEvents   chan []InteropStopEvent
	callbackDone     chan struct{}
	callbackFinished chan struct{}
}

// NewInteropDebugger wires the native debugger parts together.
func NewInteropDebugger(tracer Tracer, arch Arch, sink EventSink, evalWaiter EvalWaiter, log *slog.Logger) *InteropDebugger {
	d := &InteropDebugger{
		arch:                  arch,
		tracer:                tracer,
		log:                   log,
		sink:                  sink,
		evalWaiter:            evalWaiter,
		tids:                  make(map[int]*threadStatus),
		hwSingleStepSupported: arch != ArchRISCV64,
	}
	d.Breakpoints = NewMemBreakpoints(arch, tracer, log)
	d.LineBreakpoints = NewNativeLineBreakpoints(d.Breakpoints, log)
	d.Rendezvous = NewRendezvousBreakpoint(tracer, arch, d.Breakpoints, log)
	d.Libraries = NewInteropLibraries(arch, log)
	return d
}

func (d *InteropDebugger) tgid() int {
	d.waitpidMu.Lock()
	defer d.waitpidMu.Unlock()
	return d.tgidValue
}

// thread returns the status entry, never creating one (the thread may have
// exited).
func (d *InteropDebugger) thread(tid int) (*threadStatus, bool) {
	status, found := d.tids[tid]
	return status, found
}

// threadOrNew returns the status entry, creating it for a first observed
// stop.
func (d *InteropDebugger) threadOrNew(tid int) *threadStatus {
	status, found := d.tids[tid]
	if !found {
		status = &threadStatus{}
		d.tids[tid] = status
	}
	return status
}

// singleStepOnBrk advances the thread exactly one instruction past addr.
// Hardware single step is used where supported; ARM32 (after the kernel
// answers EIO once, permanently) and RISC-V64 step in software by planting
// temporary breakpoints at the possible next PCs. Caller holds waitpidMu.
func (d *InteropDebugger) singleStepOnBrk(tid int, addr uint64) bool {
	var planted []swStepBreakpoint
	softwareStep := func() bool {
		regs, err := d.tracer.GetRegs(tid)
		if err != nil {
			d.log.Warn("software step getregs failed", "tid", tid, "error", err)
			return false
		}
		nextPCs, ok := softwareStepNextPCs(d.tracer, d.arch, tid, regs)
		if !ok {
			return false
		}
		planted, ok = plantSWStepBreakpoints(d.tracer, d.arch, tid, nextPCs, d.log)
		if !ok {
			removeSWStepBreakpoints(d.tracer, d.arch, tid, planted, d.log)
			planted = nil
			return false
		}
		if err := d.tracer.Cont(tid, 0); err != nil {
			d.log.Warn("software step continue failed", "tid", tid, "error", err)
			return false
		}
		status := d.threadOrNew(tid)
		status.stat = threadRunning
		status.stopSignal = 0
		return true
	}

	cleanupPlanted := func() {
		if planted != nil {
			removeSWStepBreakpoints(d.tracer, d.arch, tid, planted, d.log)
			planted = nil
		}
	}

	if !d.hwSingleStepSupported {
		if !softwareStep() {
			cleanupPlanted()
			return false
		}
	} else if err := d.tracer.SingleStep(tid); err != nil {
		if d.arch == ArchARM32 && errors.Is(err, unix.EIO) {
			d.hwSingleStepSupported = false
			if !softwareStep() {
				cleanupPlanted()
				return false
			}
		} else {
			d.log.Error("single step failed", "tid", tid, "error", err)
			return false
		}
	} else {
		status := d.threadOrNew(tid)
		status.stat = threadRunning
		status.stopSignal = 0
	}

	d.waitThreadStop(tid, nil)

	status, alive := d.thread(tid)
	if !alive {
		cleanupPlanted()
		return false
	}

	if status.stopSignal == unix.SIGTRAP && status.event == 0 {
		info, err := d.tracer.GetSiginfo(tid)
		if err != nil {
			d.log.Warn("single step getsiginfo failed", "tid", tid, "error", err)
			cleanupPlanted()
			return false
		}

		switch info.Code {
		case siKernel, trapBrkpt:
			if planted != nil {
				// stopped on one of the temporaries: consume the trap
				if regs, err := d.tracer.GetRegs(tid); err == nil {
					brkAddr := d.arch.BrkAddrByPC(regs)
					for _, brk := range planted {
						if brk.addr == brkAddr {
							status.stopSignal = 0
							break
						}
					}
				}
				if status.stopSignal == 0 {
					return removeSWStepBreakpoints(d.tracer, d.arch, tid, planted, d.log)
				}
			}
			// a __builtin_debugtrap() under the restored instruction
			status.stat = threadStoppedSignalEventDetected
			status.stopData.signal = "SIGTRAP"
			d.eventedThreads = append(d.eventedThreads, tid)
			cleanupPlanted()
			return true

		case trapTrace: // hardware single step completed
			status.stopSignal = 0
			cleanupPlanted()
			return true
		}
	}

	cleanupPlanted()

	if status.stopSignal == unix.SIGILL {
		info, err := d.tracer.GetSiginfo(tid)
		if err != nil {
			d.log.Warn("single step getsiginfo failed", "tid", tid, "error", err)
			return false
		}
		if info.Code == trapTrace {
			// __builtin_trap() under the restored instruction
			status.stat = threadStoppedSignalEventDetected
			status.stopData.signal = "SIGILL"
			d.eventedThreads = append(d.eventedThreads, tid)
			return true
		}
	}

	// Some other signal landed first. Handle it before stepping again: the
	// breakpoint stays restored in memory and the step-over completes when
	// this thread traps on the same address at the next continue.
	status.addrStepOverBreakpointFailed = addr
	return true
}

// waitThreadStop drains waitpid until the requested thread set is no
// longer running: one TID, an explicit list, or every known thread
// (waitForAllThreads). Caller holds waitpidMu.
func (d *InteropDebugger) waitThreadStop(stoppedTid int, stoppedThreads []int) {
	allRequestedNotRunning := func() bool {
		if stoppedThreads != nil {
			for _, tid := range stoppedThreads {
				if status, found := d.thread(tid); found && status.stat == threadRunning {
					return false
				}
			}
			return true
		}
		if stoppedTid == waitForAllThreads {
			for _, status := range d.tids {
				if status.stat == threadRunning {
					return false
				}
			}
			return true
		}
		status, found := d.thread(stoppedTid)
		return !found || status.stat != threadRunning
	}
	if allRequestedNotRunning() {
		return
	}

	for {
		tid, status, err := d.tracer.Wait(-1, 0)
		if err != nil || tid <= 0 {
			return
		}

		if !status.Stopped() {
			d.dropExitedThread(tid, status)
			if allRequestedNotRunning() {
				return
			}
			continue
		}

		stopSignal := status.StopSignal()
		if stopSignal == sigInjectActivation {
			if info, err := d.tracer.GetSiginfo(tid); err == nil && int(info.PID) == d.tgidValue {
				stopSignal = 0
			}
		}

		if _, known := d.thread(tid); !known {
			d.sink.EmitThreadEvent(model.ThreadEvent{Kind: model.NativeThreadStarted, ThreadID: model.ThreadID(tid), Interop: true})
		}
		entry := d.threadOrNew(tid)
		entry.stat = threadStopped
		entry.stopSignal = stopSignal
		entry.event = uint32(status) >> 16
		d.changedThreads = append(d.changedThreads, tid)

		if allRequestedNotRunning() {
			return
		}
	}
}

// dropExitedThread erases a TID that left the thread group. Caller holds
// waitpidMu.
func (d *InteropDebugger) dropExitedThread(tid int, status WaitStatus) {
	delete(d.tids, tid)
	d.sink.EmitThreadEvent(model.ThreadEvent{Kind: model.NativeThreadExited, ThreadID: model.ThreadID(tid), Interop: true})

	if tid == d.tgidValue {
		d.tgidValue = 0
		d.exitStatus = status
		d.exitStatusValid = true
		if d.notifyLastThreadExited != nil {
			d.notifyLastThreadExited(status)
		}
	}
}

// stopAllRunningThreads interrupts every running thread. Caller holds
// waitpidMu.
func (d *InteropDebugger) stopAllRunningThreads() {
	for tid, status := range d.tids {
		if status.stat != threadRunning {
			continue
		}
		if err := d.tracer.Interrupt(tid); err != nil {
			d.log.Warn("thread interrupt failed", "tid", tid, "error", err)
		}
	}
}

// addSignalEventForUserCode records a stop event when the faulting address
// belongs to user code with debug info, skipping runtime libraries.
func (d *InteropDebugger) addSignalEventForUserCode(tid int, signal string, status *threadStatus) bool {
	regs, err := d.tracer.GetRegs(tid)
	if err != nil {
		d.log.Warn("signal event getregs failed", "tid", tid, "error", err)
		return false
	}
	breakAddr := d.arch.BreakAddrByPC(regs)
	if !d.Libraries.IsUserDebuggingCode(breakAddr) {
		return false
	}

	status.stat = threadStoppedSignalEventDetected
	status.stopData.addr = breakAddr
	status.stopData.signal = signal
	return true
}

// addSignalEventForCallerInUserCode handles raise()/kill(self, sig): the
// signal sender must be the debuggee itself and the raise caller's frame
// (the second one) must be user code with debug info.
func (d *InteropDebugger) addSignalEventForCallerInUserCode(tid int, signal string, status *threadStatus) bool {
	info, err := d.tracer.GetSiginfo(tid)
	if err != nil {
		d.log.Warn("signal event getsiginfo failed", "tid", tid, "error", err)
		return false
	}
	if int(info.PID) != d.tgidValue {
		return false
	}

	frameCount := 0
	isUserCode := false
	var breakAddr uint64
	threadStackUnwind(d.tracer, d.arch, tid, nil, func(addr uint64) bool {
		if d.arch == ArchARM32 {
			addr &^= 1
		}
		frameCount++
		if frameCount == 1 {
			breakAddr = addr
		} else {
			isUserCode = d.Libraries.IsUserDebuggingCode(addr)
		}
		return frameCount < 2
	}, d.log)
	if !isUserCode {
		return false
	}

	status.stat = threadStoppedSignalEventDetected
	status.stopData.addr = breakAddr
	status.stopData.signal = signal
	return true
}

// parseSIGILL dispatches an illegal-instruction stop.
func (d *InteropDebugger) parseSIGILL(tid int, status *threadStatus) {
	info, err := d.tracer.GetSiginfo(tid)
	if err != nil {
		d.log.Warn("getsiginfo failed", "tid", tid, "error", err)
		return
	}
	switch info.Code {
	case trapTrace:
		// __builtin_trap() in user code
		if d.addSignalEventForUserCode(tid, "SIGILL", status) {
			d.eventedThreads = append(d.eventedThreads, tid)
		}
	case siUser, siTkill:
		// raise()/kill() with SIGILL in user code
		if d.addSignalEventForCallerInUserCode(tid, "SIGILL", status) {
			d.eventedThreads = append(d.eventedThreads, tid)
		}
	}
}

// parseSIGTRAPExec handles PTRACE_EVENT_EXEC: an exec'ing child detaches,
// the thread group leader itself resets.
func (d *InteropDebugger) parseSIGTRAPExec(tid int, status *threadStatus) {
	if tid == d.tgidValue {
		status.stopSignal = 0
		return
	}
	if err := d.tracer.Detach(tid, 0); err != nil {
		d.log.Warn("detach at exec failed", "tid", tid, "error", err)
	} else {
		delete(d.tids, tid)
	}
}

// parseSIGTRAP dispatches a non-ptrace-event SIGTRAP stop.
func (d *InteropDebugger) parseSIGTRAP(tid int, status *threadStatus) {
	info, err := d.tracer.GetSiginfo(tid)
	if err != nil {
		d.log.Warn("getsiginfo failed", "tid", tid, "error", err)
		return
	}

	switch info.Code {
	case siKernel, trapBrkpt:
		regs, err := d.tracer.GetRegs(tid)
		if err != nil {
			d.log.Warn("getregs failed", "tid", tid, "error", err)
			return
		}
		brkAddr := d.arch.BrkAddrByPC(regs)

		// Complete a step-over a signal previously aborted. The
		// breakpoint could be deleted meanwhile and this stop belong to
		// another breakpoint; reset before the step-over call, it may
		// set the address again.
		if status.addrStepOverBreakpointFailed != 0 {
			failedAddr := status.addrStepOverBreakpointFailed
			status.addrStepOverBreakpointFailed = 0
			if failedAddr == brkAddr {
				d.stopAllRunningThreads()
				d.waitThreadStop(waitForAllThreads, nil)
				d.Breakpoints.StepOverBrk(tid, brkAddr, d.singleStepOnBrk)
				return
			}
		}

		if d.Rendezvous.IsRendezvousBreakpoint(brkAddr) {
			d.Rendezvous.ChangeState(d.tgidValue, tid)
			d.Breakpoints.StepOverBrk(tid, brkAddr, d.singleStepOnBrk)
			return
		}

		if d.Breakpoints.IsBreakpoint(brkAddr) {
			// Breakpoints hit during a managed evaluation are invisible.
			if d.evalWaiter != nil && d.evalWaiter.EvalRunningThreadID() == tid {
				d.stopAllRunningThreads()
				d.waitThreadStop(waitForAllThreads, nil)
				d.Breakpoints.StepOverBrk(tid, brkAddr, d.singleStepOnBrk)
				return
			}

			status.stopSignal = 0
			status.stat = threadStoppedBreakpointEventDetected
			status.stopData.addr = brkAddr
			d.eventedThreads = append(d.eventedThreads, tid)
			return
		}

		// possibly a __builtin_debugtrap() in user code
		if d.addSignalEventForUserCode(tid, "SIGTRAP", status) {
			d.eventedThreads = append(d.eventedThreads, tid)
		}

	case siUser, siTkill:
		// raise()/kill() with SIGTRAP in user code
		if d.addSignalEventForCallerInUserCode(tid, "SIGTRAP", status) {
			d.eventedThreads = append(d.eventedThreads, tid)
		}

	case trapTrace:
		// single-step completion races are consumed by singleStepOnBrk
	}
}

// parseThreadsChanges dispatches every changed thread through the signal
// table, then continues threads left in a plain stopped state. Caller
// holds waitpidMu.
func (d *InteropDebugger) parseThreadsChanges() {
	if len(d.changedThreads) == 0 {
		return
	}

	for _, tid := range d.changedThreads {
		status, found := d.thread(tid)
		if !found || status.stat != threadStopped {
			continue
		}

		switch status.stopSignal {
		case 0:
			// previous signal was consumed by the debugger
		case unix.SIGILL:
			d.parseSIGILL(tid, status)
		case unix.SIGTRAP:
			switch status.event {
			case unix.PTRACE_EVENT_EXEC:
				d.parseSIGTRAPExec(tid, status)
			case 0:
				d.parseSIGTRAP(tid, status)
			default:
				// clone/fork/vfork/exit events carry no user signal
				status.stopSignal = 0
			}
		default:
			// other stop signals forward through the next continue
		}
	}

	// Second pass: threads still plainly stopped (or marked for continue
	// after their event) resume with their pending signal. A separate
	// cycle because parsing may stop all running threads in between.
	for _, tid := range d.changedThreads {
		status, found := d.thread(tid)
		if !found {
			continue
		}
		if status.stat != threadStopped && status.stat != threadStoppedOnEventNeedContinue {
			continue
		}
		if err := d.tracer.Cont(tid, int(status.stopSignal)); err != nil {
			d.log.Warn("thread continue failed", "tid", tid, "error", err)
		} else {
			status.stat = threadRunning
			status.stopSignal = 0
		}
	}

	d.changedThreads = d.changedThreads[:0]
}

// parseThreadsEvents hands detected stop events to the callback event
// worker. The send must not block: holding waitpidMu while waiting on the
// queue would invert the lock order, so a full channel re-queues the work
// for the next waitpid cycle. Caller holds waitpidMu.
func (d *InteropDebugger) parseThreadsEvents() {
	if len(d.eventedThreads) == 0 {
		return
	}

	events := make([]InteropStopEvent, 0, len(d.eventedThreads))
	for _, tid := range d.eventedThreads {
		status, found := d.thread(tid)
		if !found {
			continue
		}
		switch status.stat {
		case threadStoppedBreakpointEventDetected:
			events = append(events, InteropStopEvent{TID: tid, Breakpoint: true, Addr: status.stopData.addr})
		case threadStoppedSignalEventDetected:
			events = append(events, InteropStopEvent{TID: tid, Addr: status.stopData.addr, Signal: status.stopData.signal})
		default:
			d.log.Warn("thread state is not a stop event", "tid", tid, "state", status.stat.String())
		}
	}

	select {
	case d.callbackEvents <- events:
		d.eventedThreads = d.eventedThreads[:0]
	default:
		// worker busy; retry on the next cycle
	}
}

// callbackEventWorker moves stop events into the callbacks queue. It runs
// outside the waitpid thread because the managed runtime may itself be
// blocked on native breakpoints in managed threads while the queue lock is
// held.
func (d *InteropDebugger) callbackEventWorker() {
	defer close(d.callbackFinished)
	for {
		select {
		case events := <-d.callbackEvents:
			d.queue.AddInteropCallbackToQueue(func() {
				for _, event := range events {
					d.queue.EnqueueInteropEvent(event)
					// callbacksMu is held here; waitpidMu nests inside it
					d.waitpidMu.Lock()
					if status, found := d.thread(event.TID); found {
						if event.Breakpoint {
							status.stat = threadStoppedBreakpointEventInProgress
						} else {
							status.stat = threadStoppedSignalEventInProgress
						}
					}
					d.waitpidMu.Unlock()
				}
			})
		case <-d.callbackDone:
			return
		}
	}
}

// waitpidWorker owns waitpid for the whole thread group: it classifies
// every stop, suppresses duplicate runtime activation signals and drives
// the per-thread state machine.
func (d *InteropDebugger) waitpidWorker() {
	defer close(d.workerDone)

	injectTIDs := make(map[int]int)

	d.waitpidMu.Lock()
	for len(d.tids) > 0 {
		tid, status, err := d.tracer.Wait(-1, unix.WNOHANG)
		if err != nil {
			d.log.Error("waitpid failed", "error", err)
			break
		}

		if tid == 0 { // no changes
			// Duplicate activation signals could arrive with a delay;
			// decay the suppression entries so a genuinely new signal
			// passes through later.
			for tid, countdown := range injectTIDs {
				if countdown == 0 {
					delete(injectTIDs, tid)
				} else {
					injectTIDs[tid] = countdown - 1
				}
			}

			d.parseThreadsChanges()
			d.parseThreadsEvents()

			d.waitpidMu.Unlock()
			time.Sleep(waitpidPollInterval)
			d.waitpidMu.Lock()

			if d.workerExit {
				break
			}
			continue
		}

		if !status.Stopped() {
			d.dropExitedThread(tid, status)
			continue
		}

		stopSignal := status.StopSignal()
		if stopSignal == sigInjectActivation {
			// The runtime can burst activation signals between waitpid
			// calls; deliver one and swallow the rest. It tolerates lost
			// activations through its poll mechanism.
			sentByItself := false
			if info, err := d.tracer.GetSiginfo(tid); err == nil {
				sentByItself = int(info.PID) == d.tgidValue
			}
			if sentByItself {
				signal := stopSignal
				if _, suppressing := injectTIDs[tid]; suppressing {
					signal = 0
				}
				injectTIDs[tid] = injectSignalResetCountdown
				if err := d.tracer.Cont(tid, int(signal)); err != nil {
					d.log.Warn("thread continue failed", "tid", tid, "error", err)
				}
				continue
			}
		}

		if _, known := d.thread(tid); !known {
			d.sink.EmitThreadEvent(model.ThreadEvent{Kind: model.NativeThreadStarted, ThreadID: model.ThreadID(tid), Interop: true})
		}
		entry := d.threadOrNew(tid)
		entry.stat = threadStopped
		entry.stopSignal = stopSignal
		entry.event = uint32(status) >> 16
		d.changedThreads = append(d.changedThreads, tid)
	}

	d.workerStatus = workerFinished
	d.waitpidMu.Unlock()

	close(d.callbackDone)
	<-d.callbackFinished
}

// seizeAndInterruptAllThreads attaches to every thread of the process via
// /proc/<pid>/task and interrupts them. Caller holds waitpidMu.
func (d *InteropDebugger) seizeAndInterruptAllThreads(pid int, attach bool) error {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task/", pid))
	if err != nil {
		return utils.MakeError(model.ErrFatalRuntime, "task dir: %v", err)
	}

	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil || tid < 1 {
			continue
		}

		if err := d.tracer.Seize(tid, ptraceOptions); err != nil {
			return utils.MakeError(model.ErrFatalRuntime, "seize of %d: %v", tid, err)
		}

		kind := model.NativeThreadStarted
		if attach {
			kind = model.NativeThreadAttached
		}
		d.sink.EmitThreadEvent(model.ThreadEvent{Kind: kind, ThreadID: model.ThreadID(tid), Interop: true})
		d.threadOrNew(tid).stat = threadRunning // seize attaches without stopping

		if err := d.tracer.Interrupt(tid); err != nil {
			return utils.MakeError(model.ErrFatalRuntime, "interrupt of %d: %v", tid, err)
		}
	}
	return nil
}

// loadLib indexes a newly loaded library, resolves pending native line
// breakpoints against it and publishes the module event.
func (d *InteropDebugger) loadLib(tid int, libLoadName, realLibName string, startAddr, endAddr uint64) {
	module := model.Module{
		Name:        utils.Basename(realLibName),
		Path:        realLibName,
		BaseAddress: startAddr,
		Size:        endAddr - startAddr,
	}
	module.SymbolStatus = d.Libraries.AddLibrary(libLoadName, realLibName, startAddr, endAddr)

	if module.SymbolStatus == model.SymbolsLoaded {
		for _, event := range d.LineBreakpoints.LoadModule(d.tgidValue, startAddr, d.Libraries) {
			d.sink.EmitBreakpointEvent(event)
		}
	}
	d.sink.EmitModuleEvent(model.ModuleEvent{Kind: model.ModuleNew, Module: module})
}

// unloadLib drops a library and unverifies its breakpoints.
func (d *InteropDebugger) unloadLib(realLibName string) {
	module := model.Module{Name: utils.Basename(realLibName), Path: realLibName}
	d.sink.EmitModuleEvent(model.ModuleEvent{Kind: model.ModuleRemoved, Module: module})

	startAddr, endAddr, found := d.Libraries.RemoveLibrary(realLibName)
	if !found {
		return
	}
	for _, event := range d.LineBreakpoints.UnloadModule(startAddr, endAddr) {
		d.sink.EmitBreakpointEvent(event)
	}
	d.Breakpoints.UnloadModule(startAddr, endAddr)
}

// Init seizes the debuggee, arms the rendezvous breakpoint (resolving
// breakpoints for every already-loaded library on the way) and starts the
// waitpid worker.
func (d *InteropDebugger) Init(pid int, queue EventQueue, attach bool, notifyLastThreadExited func(status WaitStatus)) error {
	d.waitpidMu.Lock()
	defer d.waitpidMu.Unlock()

	exitWithError := func(err error) error {
		d.stopAndDetach(pid)
		d.workerStatus = workerUnknown
		return err
	}

	if err := d.seizeAndInterruptAllThreads(pid, attach); err != nil {
		return exitWithError(err)
	}
	d.tgidValue = pid
	d.waitThreadStop(waitForAllThreads, nil)

	if err := d.Rendezvous.Setup(pid, d.loadLib, d.unloadLib, d.Libraries.IsThumbCode); err != nil {
		return exitWithError(err)
	}

	// All threads are stopped; resume everything not carrying an event.
	d.parseThreadsChanges()

	d.queue = queue
	d.notifyLastThreadExited = notifyLastThreadExited
	d.workerExit = false
	d.workerDone = make(chan struct{})
	d.callbackEvents = make(chan []InteropStopEvent, 1)
	d.callbackDone = make(chan struct{})
	d.callbackFinished = make(chan struct{})
	d.workerStatus = workerWork

	go d.callbackEventWorker()
	go d.waitpidWorker()
	return nil
}

// stopAndDetach restores every thread and breakpoint and detaches. Caller
// holds waitpidMu.
func (d *InteropDebugger) stopAndDetach(tgid int) {
	d.waitThreadStop(waitForAllThreads, nil)

	// Threads stopped on a native breakpoint must re-execute the restored
	// instruction after detach.
	for tid, status := range d.tids {
		regs, err := d.tracer.GetRegs(tid)
		if err != nil {
			d.log.Warn("detach getregs failed", "tid", tid, "error", err)
			continue
		}
		if d.Breakpoints.StepPrevToBrk(tid, d.arch.BrkAddrByPC(regs)) {
			status.stopSignal = 0
		}
	}

	d.Rendezvous.RemoveAtDetach(tgid)
	d.LineBreakpoints.RemoveAllAtDetach(tgid)
	d.Breakpoints.RemoveAllAtDetach(tgid)
	d.Libraries.RemoveAllLibraries()

	for tid, status := range d.tids {
		if err := d.tracer.Detach(tid, int(status.stopSignal)); err != nil {
			d.log.Warn("thread detach failed", "tid", tid, "error", err)
		}
	}

	d.tids = make(map[int]*threadStatus)
	d.changedThreads = nil
	d.eventedThreads = nil
}

// Shutdown stops the waitpid worker, detaches from all threads and
// restores library and breakpoint state. Must be called only with the
// process stopped or exited.
func (d *InteropDebugger) Shutdown() {
	d.waitpidMu.Lock()
	if d.workerStatus != workerWork && d.workerStatus != workerFinished {
		d.waitpidMu.Unlock()
		return
	}
	d.workerExit = true
	workerDone := d.workerDone
	d.waitpidMu.Unlock()

	<-workerDone

	d.waitpidMu.Lock()
	d.stopAllRunningThreads()
	d.stopAndDetach(d.tgidValue)
	d.tgidValue = 0
	d.notifyLastThreadExited = nil
	d.queue = nil
	d.workerStatus = workerFinishedAndJoined
	d.waitpidMu.Unlock()

	d.tracer.Shutdown()
}

// ContinueAllThreadsWithEvents resumes every thread whose stop event was
// consumed by the protocol: breakpoint events step over their breakpoint,
// signal events continue with the original signal, threads presented as
// native at a managed stop continue plainly.
func (d *InteropDebugger) ContinueAllThreadsWithEvents() {
	d.waitpidMu.Lock()
	defer d.waitpidMu.Unlock()

	allThreadsWereStopped := false
	for tid, status := range d.tids {
		switch status.stat {
		case threadStoppedBreakpointEventInProgress:
			d.brkStopAllThreads(&allThreadsWereStopped)
			d.Breakpoints.StepOverBrk(tid, status.stopData.addr, d.singleStepOnBrk)
		case threadStoppedSignalEventInProgress:
			status.stat = threadStoppedOnEventNeedContinue
			d.changedThreads = append(d.changedThreads, tid)
		case threadStoppedOnEventAsNativeThread:
			status.stat = threadStopped
			status.stopSignal = 0
			d.changedThreads = append(d.changedThreads, tid)
		}
	}

	// Continue with care about further stop events; different event kinds
	// may coexist, the stopped-all state does not matter here.
	d.parseThreadsChanges()
}

// brkStopAllThreads stops the world once before memory patching.
func (d *InteropDebugger) brkStopAllThreads(allThreadsWereStopped *bool) {
	if *allThreadsWereStopped {
		return
	}
	d.stopAllRunningThreads()
	d.waitThreadStop(waitForAllThreads, nil)
	*allThreadsWereStopped = true
}

// brkFixAllThreads rewinds every thread that already trapped on the
// breakpoint being removed so the restored opcode executes. It runs inside
// MemBreakpoints.Remove with that lock held, so the PC is rewound here
// directly instead of through StepPrevToBrk.
func (d *InteropDebugger) brkFixAllThreads(checkAddr uint64) {
	for tid, status := range d.tids {
		regs, err := d.tracer.GetRegs(tid)
		if err != nil {
			d.log.Warn("fix threads getregs failed", "tid", tid, "error", err)
			continue
		}
		brkAddr := d.arch.BrkAddrByPC(regs)
		if brkAddr != checkAddr {
			continue
		}
		// that was this breakpoint's trap; the stop is consumed (a stop
		// event may already exist, the callbacks queue handles that case)
		if d.arch.NeedsPrevBrkPCFixup() {
			d.arch.SetPrevBrkPC(regs)
			if err := d.tracer.SetRegs(tid, regs); err != nil {
				d.log.Warn("fix threads setregs failed", "tid", tid, "error", err)
			}
		}
		status.stopSignal = 0
	}
}

// SetLineBreakpoints is the native half of the set-breakpoints request.
func (d *InteropDebugger) SetLineBreakpoints(source string, requests []model.LineBreakpoint, nextID func() uint32) []model.Breakpoint {
	d.waitpidMu.Lock()
	defer d.waitpidMu.Unlock()

	allThreadsWereStopped := false
	stopAll := func() { d.brkStopAllThreads(&allThreadsWereStopped) }
	answer := d.LineBreakpoints.SetLineBreakpoints(d.tgidValue, d.Libraries, source, requests, nextID, stopAll, d.brkFixAllThreads)

	if allThreadsWereStopped {
		d.parseThreadsChanges()
	}
	return answer
}

// AllBreakpointsActivate toggles every native breakpoint.
func (d *InteropDebugger) AllBreakpointsActivate(activate bool) error {
	d.waitpidMu.Lock()
	defer d.waitpidMu.Unlock()

	allThreadsWereStopped := false
	stopAll := func() { d.brkStopAllThreads(&allThreadsWereStopped) }
	err := d.LineBreakpoints.AllBreakpointsActivate(d.tgidValue, activate, stopAll, d.brkFixAllThreads)

	if allThreadsWereStopped {
		d.parseThreadsChanges()
	}
	return err
}

// BreakpointActivate toggles one native breakpoint by id.
func (d *InteropDebugger) BreakpointActivate(id uint32, activate bool) bool {
	d.waitpidMu.Lock()
	defer d.waitpidMu.Unlock()

	allThreadsWereStopped := false
	stopAll := func() { d.brkStopAllThreads(&allThreadsWereStopped) }
	found := d.LineBreakpoints.BreakpointActivate(d.tgidValue, id, activate, stopAll, d.brkFixAllThreads)

	if allThreadsWereStopped {
		d.parseThreadsChanges()
	}
	return found
}

// DeleteAllBreakpoints removes every native line breakpoint.
func (d *InteropDebugger) DeleteAllBreakpoints() {
	d.waitpidMu.Lock()
	defer d.waitpidMu.Unlock()

	allThreadsWereStopped := false
	stopAll := func() { d.brkStopAllThreads(&allThreadsWereStopped) }
	d.LineBreakpoints.DeleteAll(d.tgidValue, stopAll, d.brkFixAllThreads)

	if allThreadsWereStopped {
		d.parseThreadsChanges()
	}
}

// StopAllNativeThreads prepares a managed stop event: managed threads are
// interrupted and classified by their top frame; remaining native threads
// are stopped and presented with the event only when their stack does not
// run through thread bootstrap frames. Mid-signal threads keep their
// pending events.
func (d *InteropDebugger) StopAllNativeThreads(view ManagedProcessView) {
	d.waitpidMu.Lock()
	defer d.waitpidMu.Unlock()

	if len(d.tids) == 0 {
		return
	}

	managedTIDs := view.ManagedThreadIDs()
	managedSet := make(map[int]bool, len(managedTIDs))
	var stoppedManaged []int
	for _, tid := range managedTIDs {
		managedSet[tid] = true
		status, found := d.thread(tid)
		if !found || status.stat != threadRunning {
			continue
		}
		if err := d.tracer.Interrupt(tid); err != nil {
			d.log.Warn("thread interrupt failed", "tid", tid, "error", err)
		} else {
			stoppedManaged = append(stoppedManaged, tid)
		}
	}
	d.waitThreadStop(0, stoppedManaged)

	// Classify managed threads: optimized top frames (inlined pinvoke
	// possible) and runtime native frames surface as native threads.
	for _, tid := range managedTIDs {
		status, found := d.thread(tid)
		if !found || status.stat != threadStopped {
			continue // an existing stop event is parsed separately
		}
		if view.TopFrameKind(tid) == TopFrameNative {
			status.stat = threadStoppedOnEventAsNativeThread
		}
	}

	// Stop the rest of the world and classify pure native threads.
	d.stopAllRunningThreads()
	d.waitThreadStop(waitForAllThreads, nil)

	for tid, status := range d.tids {
		if managedSet[tid] {
			continue
		}
		if status.stat != threadStopped {
			continue
		}

		skipThread := false
		reachedStopFrames := false
		threadStackUnwind(d.tracer, d.arch, tid, nil, func(addr uint64) bool {
			if d.arch == ArchARM32 {
				addr &^= 1
			}
			libName, procName, ok := d.Libraries.FindDataForNotClrAddr(addr)
			if !ok {
				skipThread = true
				return false
			}
			if libName == "" || procName == "" {
				return true
			}
			reachedStopFrames = unwindStopFrames[libName+"`"+procName]
			return !reachedStopFrames
		}, d.log)

		if !skipThread && reachedStopFrames {
			status.stat = threadStoppedOnEventAsNativeThread
		}
	}

	d.parseThreadsChanges()
}

// unwindStopFrames are the thread bootstrap frames: a native thread whose
// stack runs through one of these belongs to the stop event rather than
// the user.
var unwindStopFrames = map[string]bool{
	"libstdc++.so`execute_native_thread_routine()": true,
	"libpthread.so`start_thread()":                 true,
	"libc.so`__libc_start_main()":                  true,
	"libc.so`clone()":                              true,
}

// UnwindNativeFrames unwinds a thread's native stack, stopping it first if
// needed. endAddr terminates the unwind when reached. When endAddr is given
// and never reached, the first address belonging to no known library ends
// the walk and a synthetic unknown frame is appended.
func (d *InteropDebugger) UnwindNativeFrames(tid int, firstFrame bool, endAddr uint64, startContext *UnwindContext,
	cb func(frame NativeFrame) error) error {

	d.waitpidMu.Lock()
	defer d.waitpidMu.Unlock()

	// the protocol user may name a TID that does not belong to the
	// debuggee at all
	status, found := d.thread(tid)
	if !found {
		return utils.MakeError(model.ErrInvalidOperation, "unknown thread %d", tid)
	}

	threadWasStopped := false
	if status.stat == threadRunning {
		if err := d.tracer.Interrupt(tid); err != nil {
			d.log.Warn("thread interrupt failed", "tid", tid, "error", err)
		} else {
			d.waitThreadStop(tid, nil)
			threadWasStopped = true
		}
	}

	if d.arch == ArchARM32 && endAddr != 0 {
		endAddr &^= 1 // debug info stores even addresses only
	}

	// A provided endAddr means this chain ends at a runtime native frame,
	// but the runtime may report a wrong SP; when the end is never
	// reached, the first address in unknown memory ends the walk and a
	// synthetic frame is appended.
	const maxFrames = 1000
	endAddrReached := false
	unwindTruncated := false
	addrFrames := make([]uint64, 0, 64)

	threadStackUnwind(d.tracer, d.arch, tid, startContext, func(addr uint64) bool {
		if d.arch == ArchARM32 {
			addr &^= 1
		}
		if endAddr != 0 && endAddr == addr {
			endAddrReached = true
			return false
		}
		if len(addrFrames) == maxFrames {
			unwindTruncated = true
			return false
		}
		addrFrames = append(addrFrames, addr)
		return true
	}, d.log)

	var cbErr error
	first := firstFrame
	for _, addr := range addrFrames {
		frame := NativeFrame{Addr: addr}

		// Except for the first frame, the address is part of already
		// executed code: look one byte back.
		lookupAddr := addr
		if !first {
			lookupAddr = addr - 1
		}
		first = false

		data, known := d.Libraries.FindDataForAddr(lookupAddr)
		if known {
			frame.LibName = data.LibName
			frame.ProcName = data.ProcName
			frame.FullSourcePath = data.FullSourcePath
			frame.LineNum = data.LineNum
		}

		if endAddr != 0 && !endAddrReached && frame.LibName == "" {
			break
		}

		if frame.ProcName == "" {
			frame.ProcName = "unnamed_symbol"
			if frame.LibName != "" && data.LibStartAddr != 0 {
				frame.ProcName = fmt.Sprintf("unnamed_symbol, %s + %d", frame.LibName, addr-data.LibStartAddr)
			}
		} else if frame.FullSourcePath == "" && data.ProcStartAddr != 0 {
			// procedure name without source info came from the symbol
			// table only
			frame.ProcName = fmt.Sprintf("%s + %d", frame.ProcName, addr-data.ProcStartAddr)
		}

		if cbErr = cb(frame); cbErr != nil {
			break
		}
	}

	if endAddr != 0 && !endAddrReached && cbErr == nil {
		cbErr = cb(NativeFrame{UnknownFrameAddr: true, ProcName: "[Unknown native frame(s)]"})
	}
	if unwindTruncated && endAddr == 0 && cbErr == nil {
		cbErr = cb(NativeFrame{UnknownFrameAddr: true, ProcName: "Unwind was truncated"})
	}

	if threadWasStopped {
		d.parseThreadsChanges()
	}
	return cbErr
}

// FrameForAddr symbolizes one native address into a protocol frame.
func (d *InteropDebugger) FrameForAddr(addr uint64) model.Frame {
	data, _ := d.Libraries.FindDataForAddr(addr)
	methodName := data.ProcName
	if methodName == "" {
		methodName = "unnamed_symbol"
	}
	return model.Frame{
		Kind:       model.FrameNative,
		Addr:       addr,
		ModuleName: data.LibName,
		MethodName: methodName,
		Source:     model.MakeSource(data.FullSourcePath),
		Line:       data.LineNum,
	}
}

// IsNativeThreadStopped reports whether a thread currently sits in a stop
// state.
func (d *InteropDebugger) IsNativeThreadStopped(tid int) bool {
	d.waitpidMu.Lock()
	defer d.waitpidMu.Unlock()
	status, found := d.thread(tid)
	return found && status.stat != threadRunning
}

// WalkAllThreads visits every known thread ordered by TID with its
// running state.
func (d *InteropDebugger) WalkAllThreads(cb func(tid int, running bool)) {
	d.waitpidMu.Lock()
	tids := make([]int, 0, len(d.tids))
	for tid := range d.tids {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	states := make([]bool, len(tids))
	for i, tid := range tids {
		states[i] = d.tids[tid].stat == threadRunning
	}
	d.waitpidMu.Unlock()

	for i, tid := range tids {
		cb(tid, states[i])
	}
}

// ExitStatus returns the recorded debuggee exit status: exit code for a
// normal exit, failure for a signal death (matching the runtime's own
// convention).
func (d *InteropDebugger) ExitStatus() (int, bool) {
	d.waitpidMu.Lock()
	defer d.waitpidMu.Unlock()
	if !d.exitStatusValid {
		return 0, false
	}
	if d.exitStatus.Exited() {
		return d.exitStatus.ExitStatus(), true
	}
	if d.exitStatus.Signaled() {
		return 1, true
	}
	return 0, true
}
