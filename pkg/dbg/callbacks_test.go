package dbg

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manu343726/garrapata/pkg/dbg/interop"
	"github.com/Manu343726/garrapata/pkg/dbg/model"
)

func collectCallbacks() (*[]queuedCallback, *sync.Mutex, callbackHandler) {
	var mu sync.Mutex
	var seen []queuedCallback
	return &seen, &mu, func(cb queuedCallback) {
		mu.Lock()
		seen = append(seen, cb)
		mu.Unlock()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestCallbacksQueueOrdering(t *testing.T) {
	seen, mu, handler := collectCallbacks()
	queue := NewCallbacksQueue(handler, NewSilentLogger())
	defer queue.Shutdown()

	// managed producer
	queue.AddCallbackToQueue(func() {
		queue.emplaceBack(queuedCallback{call: CallBreakpoint, tid: 1})
		queue.emplaceBack(queuedCallback{call: CallStepComplete, tid: 1})
	})
	// interop producer
	queue.AddInteropCallbackToQueue(func() {
		queue.EnqueueInteropEvent(interop.InteropStopEvent{TID: 7, Breakpoint: true, Addr: 0x1000})
		queue.EnqueueInteropEvent(interop.InteropStopEvent{TID: 8, Signal: "SIGTRAP"})
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*seen) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, CallBreakpoint, (*seen)[0].call)
	assert.Equal(t, CallStepComplete, (*seen)[1].call)
	assert.Equal(t, CallInteropBreakpoint, (*seen)[2].call)
	assert.Equal(t, uint64(0x1000), (*seen)[2].addr)
	assert.Equal(t, model.ThreadID(7), (*seen)[2].tid)
	assert.Equal(t, CallInteropSignal, (*seen)[3].call)
	assert.Equal(t, "SIGTRAP", (*seen)[3].signal)
}

func TestCallbacksQueueShutdownDrains(t *testing.T) {
	seen, mu, handler := collectCallbacks()
	queue := NewCallbacksQueue(handler, NewSilentLogger())

	queue.AddCallbackToQueue(func() {
		queue.emplaceBack(queuedCallback{call: CallPause})
	})
	queue.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *seen, 1)
	assert.Equal(t, CallPause, (*seen)[0].call)
}

func TestCallbacksQueuePerThreadOrderPreserved(t *testing.T) {
	seen, mu, handler := collectCallbacks()
	queue := NewCallbacksQueue(handler, NewSilentLogger())
	defer queue.Shutdown()

	for i := 0; i < 10; i++ {
		addr := uint64(i)
		queue.AddInteropCallbackToQueue(func() {
			queue.EnqueueInteropEvent(interop.InteropStopEvent{TID: 5, Breakpoint: true, Addr: addr})
		})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*seen) == 10
	})

	mu.Lock()
	defer mu.Unlock()
	for i, cb := range *seen {
		assert.Equal(t, uint64(i), cb.addr, "events for one thread arrive in program order")
	}
}
