package interop

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manu343726/garrapata/pkg/dbg/model"
)

// fakeResolver maps (source, line) to addresses, optionally per library.
type fakeResolver struct {
	// entries maps source path -> line -> resolved address
	entries map[string]map[int]uint64
	// lib restricts per-library resolution to one start address
	lib uint64
}

func (r *fakeResolver) FindAddrBySourceAndLine(fileName string, lineNum int) (uint64, int, string, bool) {
	byLine, found := r.entries[fileName]
	if !found {
		return 0, 0, "", false
	}
	// smallest line >= request, mirroring the DWARF line pick
	bestLine := 0
	var bestAddr uint64
	for line, addr := range byLine {
		if line < lineNum {
			continue
		}
		if bestLine == 0 || line < bestLine {
			bestLine, bestAddr = line, addr
		}
	}
	if bestLine == 0 {
		return 0, 0, "", false
	}
	return bestAddr, bestLine, fileName, false
}

func (r *fakeResolver) FindAddrBySourceAndLineForLib(libStartAddr uint64, fileName string, lineNum int) (uint64, int, string, bool) {
	if r.lib != 0 && libStartAddr != r.lib {
		return 0, 0, "", false
	}
	return r.FindAddrBySourceAndLine(fileName, lineNum)
}

func testIDGen() func() uint32 {
	var next atomic.Uint32
	return func() uint32 { return next.Add(1) }
}

func noStop()           {}
func noFix(addr uint64) {}

func TestNativeLineBreakpointResolveAndPatch(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	tracer.setWord64(0x7000, 0x4848484848484848)
	shared := NewMemBreakpoints(ArchAMD64, tracer, testLogger())
	manager := NewNativeLineBreakpoints(shared, testLogger())
	resolver := &fakeResolver{entries: map[string]map[int]uint64{
		"/src/io.c": {42: 0x7000},
	}}

	answer := manager.SetLineBreakpoints(100, resolver, "/src/io.c",
		[]model.LineBreakpoint{{Line: 42}}, testIDGen(), noStop, noFix)
	require.Len(t, answer, 1)
	assert.True(t, answer[0].Verified)
	assert.Equal(t, 42, answer[0].Line)
	assert.True(t, shared.IsBreakpoint(0x7000))

	// hit bumps the count
	bp, hit := manager.IsLineBreakpoint(0x7000)
	require.True(t, hit)
	assert.Equal(t, answer[0].ID, bp.ID)
	assert.Equal(t, 1, bp.HitCount)

	_, hit = manager.IsLineBreakpoint(0x7008)
	assert.False(t, hit)
}

func TestNativeLineBreakpointPendingThenLoad(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	tracer.setWord64(0x7000, 0x9090909090909090)
	shared := NewMemBreakpoints(ArchAMD64, tracer, testLogger())
	manager := NewNativeLineBreakpoints(shared, testLogger())

	empty := &fakeResolver{entries: map[string]map[int]uint64{}}
	answer := manager.SetLineBreakpoints(100, empty, "/src/io.c",
		[]model.LineBreakpoint{{Line: 10}}, testIDGen(), noStop, noFix)
	require.Len(t, answer, 1)
	assert.False(t, answer[0].Verified)
	assert.Equal(t, msgNativeNoSymbols, answer[0].Message)

	loaded := &fakeResolver{lib: 0x6000, entries: map[string]map[int]uint64{
		"/src/io.c": {10: 0x7000},
	}}
	events := manager.LoadModule(100, 0x6000, loaded)
	require.Len(t, events, 1)
	assert.True(t, events[0].Breakpoint.Verified)
	assert.Equal(t, answer[0].ID, events[0].Breakpoint.ID)
	assert.Equal(t, 10, events[0].Breakpoint.Line)
	assert.True(t, shared.IsBreakpoint(0x7000))

	// load of an unrelated library resolves nothing more
	assert.Empty(t, manager.LoadModule(100, 0x9000, loaded))
}

func TestNativeLineBreakpointUnloadUnverifies(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	tracer.setWord64(0x7000, 0x9090909090909090)
	shared := NewMemBreakpoints(ArchAMD64, tracer, testLogger())
	manager := NewNativeLineBreakpoints(shared, testLogger())
	resolver := &fakeResolver{entries: map[string]map[int]uint64{
		"/src/io.c": {10: 0x7000},
	}}

	answer := manager.SetLineBreakpoints(100, resolver, "/src/io.c",
		[]model.LineBreakpoint{{Line: 10}}, testIDGen(), noStop, noFix)
	require.True(t, answer[0].Verified)

	events := manager.UnloadModule(0x6000, 0x8000)
	require.Len(t, events, 1)
	assert.False(t, events[0].Breakpoint.Verified)
	assert.Equal(t, msgNativeNoCode, events[0].Breakpoint.Message)

	_, hit := manager.IsLineBreakpoint(0x7000)
	assert.False(t, hit, "resolved entry dropped")
}

func TestNativeLineBreakpointSetIdempotent(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	tracer.setWord64(0x7000, 0x9090909090909090)
	shared := NewMemBreakpoints(ArchAMD64, tracer, testLogger())
	manager := NewNativeLineBreakpoints(shared, testLogger())
	resolver := &fakeResolver{entries: map[string]map[int]uint64{
		"/src/io.c": {10: 0x7000},
	}}
	nextID := testIDGen()

	request := []model.LineBreakpoint{{Line: 10}}
	first := manager.SetLineBreakpoints(100, resolver, "/src/io.c", request, nextID, noStop, noFix)
	second := manager.SetLineBreakpoints(100, resolver, "/src/io.c", request, nextID, noStop, noFix)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[0].Verified, second[0].Verified)
	assert.Equal(t, first[0].Line, second[0].Line)
}

func TestNativeLineBreakpointRemoveRestoresMemory(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	tracer.setWord64(0x7000, 0x1122334455667788)
	shared := NewMemBreakpoints(ArchAMD64, tracer, testLogger())
	manager := NewNativeLineBreakpoints(shared, testLogger())
	resolver := &fakeResolver{entries: map[string]map[int]uint64{
		"/src/io.c": {10: 0x7000},
	}}
	nextID := testIDGen()

	manager.SetLineBreakpoints(100, resolver, "/src/io.c",
		[]model.LineBreakpoint{{Line: 10}}, nextID, noStop, noFix)
	assert.Equal(t, uint64(0xcc), tracer.word(0x7000)&0xff)

	manager.SetLineBreakpoints(100, resolver, "/src/io.c", nil, nextID, noStop, noFix)
	assert.False(t, shared.IsBreakpoint(0x7000))
	assert.Equal(t, uint64(0x1122334455667788), tracer.word(0x7000), "memory restored")
}

func TestNativeLineBreakpointActivateCycle(t *testing.T) {
	tracer := newFakeTracer(ArchAMD64)
	tracer.setWord64(0x7000, 0x1122334455667788)
	shared := NewMemBreakpoints(ArchAMD64, tracer, testLogger())
	manager := NewNativeLineBreakpoints(shared, testLogger())
	resolver := &fakeResolver{entries: map[string]map[int]uint64{
		"/src/io.c": {10: 0x7000},
	}}

	manager.SetLineBreakpoints(100, resolver, "/src/io.c",
		[]model.LineBreakpoint{{Line: 10}}, testIDGen(), noStop, noFix)

	require.NoError(t, manager.AllBreakpointsActivate(100, false, noStop, noFix))
	assert.Equal(t, uint64(0x1122334455667788), tracer.word(0x7000), "patch removed while deactivated")

	require.NoError(t, manager.AllBreakpointsActivate(100, true, noStop, noFix))
	assert.Equal(t, uint64(0xcc), tracer.word(0x7000)&0xff, "previous memory patch restored")
}
