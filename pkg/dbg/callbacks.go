// Package dbg aggregates the debugger engine: the symbol index, managed
// and native breakpoint managers, the interop debugger and the callbacks
// queue, behind one facade the outer protocol layers drive.
package dbg

import (
	"log/slog"
	"sync"

	"github.com/Manu343726/garrapata/pkg/dbg/interop"
	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
)

// CallbackQueueCall discriminates queued stop causes.
type CallbackQueueCall int

const (
	// CallBreakpoint is a managed breakpoint callback
	CallBreakpoint CallbackQueueCall = iota
	// CallStepComplete is a managed stepper completion
	CallStepComplete
	// CallException is a managed exception stop
	CallException
	// CallPause is an interrupt_all completion
	CallPause
	// CallInteropBreakpoint is a native breakpoint stop
	CallInteropBreakpoint
	// CallInteropSignal is a native signal stop
	CallInteropSignal
)

// String returns the string representation of a CallbackQueueCall
func (c CallbackQueueCall) String() string {
	switch c {
	case CallBreakpoint:
		return "breakpoint"
	case CallStepComplete:
		return "step_complete"
	case CallException:
		return "exception"
	case CallPause:
		return "pause"
	case CallInteropBreakpoint:
		return "interop_breakpoint"
	case CallInteropSignal:
		return "interop_signal"
	default:
		return "unknown"
	}
}

// queuedCallback is one totally-ordered queue entry.
type queuedCallback struct {
	call   CallbackQueueCall
	thread runtime.Thread
	tid    model.ThreadID
	hit    runtime.FuncBreakpointHandle
	addr   uint64
	signal string
	text   string
}

// callbackHandler consumes one queued callback, translating it into a
// protocol stop event. Between the pop and the handler returning, the
// generating thread stays in its event-in-progress state.
type callbackHandler func(cb queuedCallback)

// CallbacksQueue serializes stop events from two independent producers
// (the managed runtime's callback threads and the interop waitpid worker)
// into one FIFO the outer protocol consumes in order.
//
// Lock ordering: callbacksMu is always taken before waitpidMu, never the
// reverse; the interop producer uses a non-blocking hand-off for exactly
// that reason.
type CallbacksQueue struct {
	mu      sync.Mutex // callbacksMu
	cond    *sync.Cond
	queue   []queuedCallback
	stopped bool
	handler callbackHandler
	done    chan struct{}
	log     *slog.Logger
}

// NewCallbacksQueue creates the queue and starts its worker.
func NewCallbacksQueue(handler callbackHandler, log *slog.Logger) *CallbacksQueue {
	q := &CallbacksQueue{handler: handler, done: make(chan struct{}), log: log}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

// worker pops events in order and drives the handler.
func (q *CallbacksQueue) worker() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped && len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}
		cb := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()

		// handler runs without callbacksMu: it may call into the managed
		// runtime, which may deliver further callbacks that need the lock
		q.handler(cb)
	}
}

// AddCallbackToQueue runs fn under the queue lock; fn enqueues entries via
// the emplace methods. Used by the managed runtime callback threads.
func (q *CallbacksQueue) AddCallbackToQueue(fn func()) {
	q.mu.Lock()
	fn()
	q.mu.Unlock()
	q.cond.Signal()
}

// AddInteropCallbackToQueue implements the interop producer side; same
// contract as AddCallbackToQueue. fn may take waitpidMu while the queue
// lock is held (the allowed ordering), never the reverse.
func (q *CallbacksQueue) AddInteropCallbackToQueue(fn func()) {
	q.mu.Lock()
	fn()
	q.mu.Unlock()
	q.cond.Signal()
}

// EnqueueInteropEvent appends a native stop event. Caller holds the queue
// lock via AddInteropCallbackToQueue.
func (q *CallbacksQueue) EnqueueInteropEvent(event interop.InteropStopEvent) {
	call := CallInteropSignal
	if event.Breakpoint {
		call = CallInteropBreakpoint
	}
	q.queue = append(q.queue, queuedCallback{
		call:   call,
		tid:    model.ThreadID(event.TID),
		addr:   event.Addr,
		signal: event.Signal,
	})
}

// emplaceBack appends a managed callback entry. Caller holds the queue
// lock via AddCallbackToQueue.
func (q *CallbacksQueue) emplaceBack(cb queuedCallback) {
	q.queue = append(q.queue, cb)
}

// Shutdown drains the worker. Pending entries are still delivered.
func (q *CallbacksQueue) Shutdown() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
	<-q.done
}
