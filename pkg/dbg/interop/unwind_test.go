package interop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFrameChain lays a frame-pointer chain into fake memory:
// each frame record is {saved fp, return address}.
func buildFrameChain(tracer *fakeTracer, frames []struct{ fp, ret uint64 }) {
	for _, frame := range frames {
		tracer.setWord64(frame.fp, 0)
	}
	for i := 0; i < len(frames)-1; i++ {
		tracer.setWord64(frames[i].fp, frames[i+1].fp)
		tracer.setWord64(frames[i].fp+8, frames[i].ret)
	}
}

func TestUnwindNativeFramesSymbolized(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	d, _ := newTestInterop(tracer)

	// libc read() at the top, libuser do_io() below it
	d.Libraries.addLibraryInfo(&LibraryInfo{
		FullPath: "/lib/libc.so.6", LoadName: "libc.so.6",
		StartAddr: 0x1000, EndAddr: 0x2000,
		procTable: []procEntry{{name: "read", start: 0x1100, end: 0x1200}},
	})
	d.Libraries.addLibraryInfo(&LibraryInfo{
		FullPath: "/lib/libuser.so", LoadName: "libuser.so",
		StartAddr: 0x3000, EndAddr: 0x4000,
		procTable: []procEntry{{name: "_Z5do_iov", start: 0x3100, end: 0x3200}},
	})

	// thread stopped in read(); one frame below is do_io(), whose return
	// address leaves every known library (the natural unwind stop)
	regs := NewRegisters(ArchAMD64)
	regs.SetPC(0x1150)
	regs.write64(0x20, 0x7f00) // rbp
	tracer.setRegs(200, regs)
	d.threadOrNew(200).stat = threadStopped

	tracer.setWord64(0x7f00, 0x7f40)
	tracer.setWord64(0x7f08, 0x3150) // return into do_io()
	tracer.setWord64(0x7f40, 0x7f80)
	tracer.setWord64(0x7f48, 0x9000) // return into unknown memory
	tracer.setWord64(0x7f80, 0)

	var frames []NativeFrame
	err := d.UnwindNativeFrames(200, true, 0xdead0000, nil, func(frame NativeFrame) error {
		frames = append(frames, frame)
		return nil
	})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(frames), 3)
	assert.Equal(t, "libc.so.6", frames[0].LibName)
	assert.Contains(t, frames[0].ProcName, "read")
	assert.Equal(t, uint64(0x1150), frames[0].Addr)

	assert.Equal(t, "libuser.so", frames[1].LibName)
	assert.Contains(t, frames[1].ProcName, "do_io()", "Itanium mangled name demangled")

	// the end address was never reached: a synthetic frame closes the walk
	last := frames[len(frames)-1]
	assert.True(t, last.UnknownFrameAddr)
	assert.Equal(t, "[Unknown native frame(s)]", last.ProcName)
}

func TestUnwindNativeFramesUnknownThread(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	d, _ := newTestInterop(tracer)

	err := d.UnwindNativeFrames(999, true, 0, nil, func(frame NativeFrame) error { return nil })
	assert.Error(t, err, "a TID outside the debuggee is an invalid operation")
}

func TestUnwindCursorStopsOnCorruptChain(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)

	// frame pointer pointing below itself must end the walk
	tracer.setWord64(0x7f00, 0x6f00) // saved fp goes backwards
	tracer.setWord64(0x7f08, 0x4000)

	var addrs []uint64
	threadStackUnwind(tracer, ArchAMD64, 1, &UnwindContext{IP: 0x1000, FP: 0x7f00}, func(addr uint64) bool {
		addrs = append(addrs, addr)
		return true
	}, testLogger())

	assert.Equal(t, []uint64{0x1000, 0x4000}, addrs, "one step then the descending fp ends the walk")
}
