package interop

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemBreakpointAddRemoveRoundTrip(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	tracer.setWord64(0x1000, 0x1122334455667788)
	brk := NewMemBreakpoints(ArchAMD64, tracer, testLogger())

	stops := 0
	require.NoError(t, brk.Add(1, 0x1000, false, func() { stops++ }))
	assert.Equal(t, 1, stops)
	assert.True(t, brk.IsBreakpoint(0x1000))
	assert.Equal(t, uint64(0x11223344556677cc), tracer.word(0x1000), "trap byte patched in")

	fixes := 0
	require.NoError(t, brk.Remove(1, 0x1000, func() { stops++ }, func(addr uint64) { fixes++ }))
	assert.False(t, brk.IsBreakpoint(0x1000))
	assert.Equal(t, 1, fixes)
	assert.Equal(t, uint64(0x1122334455667788), tracer.word(0x1000), "memory bit-identical after add/remove")
}

func TestMemBreakpointRefcountSharing(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	tracer.setWord64(0x1000, 0x90909090deadbeef)
	brk := NewMemBreakpoints(ArchAMD64, tracer, testLogger())

	stops := 0
	noFix := func(addr uint64) {}
	require.NoError(t, brk.Add(1, 0x1000, false, func() { stops++ }))
	require.NoError(t, brk.Add(1, 0x1000, false, func() { stops++ }))
	assert.Equal(t, 1, stops, "threads stopped only for the first physical patch")

	require.NoError(t, brk.Remove(1, 0x1000, func() { stops++ }, noFix))
	assert.True(t, brk.IsBreakpoint(0x1000), "still referenced")
	assert.Equal(t, uint64(0xcc), tracer.word(0x1000)&0xff)

	require.NoError(t, brk.Remove(1, 0x1000, func() { stops++ }, noFix))
	assert.False(t, brk.IsBreakpoint(0x1000))
	assert.Equal(t, uint64(0x90909090deadbeef), tracer.word(0x1000))
}

func TestStepOverBrkRestoresPatch(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	tracer.setWord64(0x1000, 0x1122334455667788)
	brk := NewMemBreakpoints(ArchAMD64, tracer, testLogger())
	require.NoError(t, brk.Add(1, 0x1000, false, func() {}))

	stepped := false
	ok := brk.StepOverBrk(1, 0x1000, func(tid int, addr uint64) bool {
		stepped = true
		// during the step the original instruction must be in memory
		assert.Equal(t, uint64(0x1122334455667788), tracer.word(0x1000))
		return true
	})
	require.True(t, ok)
	assert.True(t, stepped)
	assert.Equal(t, uint64(0xcc), tracer.word(0x1000)&0xff, "breakpoint re-patched after step")
}

func TestStepPrevToBrk(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	tracer.setWord64(0x1000, 0x1122334455667788)
	regs := NewRegisters(ArchAMD64)
	regs.SetPC(0x1001) // x86 leaves PC past the trap byte
	tracer.setRegs(42, regs)

	brk := NewMemBreakpoints(ArchAMD64, tracer, testLogger())
	require.NoError(t, brk.Add(1, 0x1000, false, func() {}))

	assert.True(t, brk.StepPrevToBrk(42, 0x1000))
	fixed, err := tracer.GetRegs(42)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), fixed.PC())

	assert.False(t, brk.StepPrevToBrk(42, 0x2000), "not a breakpoint")
}

func TestUnloadModuleWipesRange(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	tracer.setWord64(0x1000, 1)
	tracer.setWord64(0x2000, 2)
	brk := NewMemBreakpoints(ArchAMD64, tracer, testLogger())
	require.NoError(t, brk.Add(1, 0x1000, false, func() {}))
	require.NoError(t, brk.Add(1, 0x2000, false, func() {}))

	brk.UnloadModule(0x1000, 0x1800)
	assert.False(t, brk.IsBreakpoint(0x1000))
	assert.True(t, brk.IsBreakpoint(0x2000))
}

func TestRemoveAllAtDetach(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	tracer.setWord64(0x1000, 0xfeedface00000090)
	brk := NewMemBreakpoints(ArchAMD64, tracer, testLogger())
	require.NoError(t, brk.Add(1, 0x1000, false, func() {}))

	brk.RemoveAllAtDetach(1)
	assert.False(t, brk.IsBreakpoint(0x1000))
	assert.Equal(t, uint64(0xfeedface00000090), tracer.word(0x1000))
}
