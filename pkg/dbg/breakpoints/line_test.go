package breakpoints_test

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manu343726/garrapata/pkg/dbg/breakpoints"
	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime/fakeruntime"
	"github.com/Manu343726/garrapata/pkg/dbg/symbols"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func idGen() func() uint32 {
	var next atomic.Uint32
	return func() uint32 { return next.Add(1) }
}

// threeCtors models a class with three constructors all containing the same
// textual initializer line 10.
func threeCtors() *fakeruntime.Module {
	point := func(il uint32) []symbols.SequencePoint {
		return []symbols.SequencePoint{
			{StartLine: 10, StartColumn: 9, EndLine: 10, EndColumn: 32, ILOffset: il, Document: "/src/Bar.cs"},
		}
	}
	return &fakeruntime.Module{
		FilePath: "/app/Bar.dll",
		Base:     0x10000,
		MapSize:  0x1000,
		Types:    map[runtime.TypeToken]fakeruntime.TypeDef{0x02000002: {Name: "Bar"}},
		Methods: []*fakeruntime.Method{
			{Token: 0x06000001, Type: 0x02000002, Name: ".ctor", FullName: "Ns.Bar..ctor", Points: point(0)},
			{Token: 0x06000002, Type: 0x02000002, Name: ".ctor", FullName: "Ns.Bar..ctor", Points: point(0)},
			{Token: 0x06000003, Type: 0x02000002, Name: ".ctor", FullName: "Ns.Bar..ctor", Points: point(0)},
		},
	}
}

func newLineManager(t *testing.T, module *fakeruntime.Module, evaluator runtime.Evaluator) (*breakpoints.LineBreakpoints, *symbols.Modules) {
	t.Helper()
	index := symbols.NewModules(fakeruntime.NewReader(module), discardLogger())
	index.TryLoadModuleSymbols(module)
	return breakpoints.NewLineBreakpoints(index, evaluator, true, discardLogger()), index
}

func TestMultiConstructorCreatesHandlePerCopy(t *testing.T) {
	module := threeCtors()
	manager, _ := newLineManager(t, module, nil)

	answer := manager.SetLineBreakpoints(true, "/src/Bar.cs",
		[]model.LineBreakpoint{{Line: 10}}, idGen())
	require.Len(t, answer, 1)
	assert.True(t, answer[0].Verified)

	handles := module.Handles()
	require.Len(t, handles, 3, "one runtime handle per constructor")
	for _, handle := range handles {
		assert.True(t, handle.Active(), "every copy of the line is armed")
	}
}

func TestOneActiveRecordPerLine(t *testing.T) {
	// Two protocol requests resolving to the same (source, line) are
	// peers: only the first enabled record's runtime handles stay active,
	// so a physical stop dispatches exactly once.
	module := threeCtors()
	manager, _ := newLineManager(t, module, nil)
	nextID := idGen()

	manager.SetLineBreakpoints(true, "/src/Bar.cs", []model.LineBreakpoint{{Line: 10}}, nextID)
	manager.SetLineBreakpoints(true, "Bar.cs", []model.LineBreakpoint{{Line: 10}}, nextID)

	handles := module.Handles()
	require.Len(t, handles, 6, "both records bound every constructor")
	for _, handle := range handles[:3] {
		assert.True(t, handle.Active(), "first record stays active")
	}
	for _, handle := range handles[3:] {
		assert.False(t, handle.Active(), "peer record held in reserve")
	}
}

func TestHitFiresOncePerPhysicalStop(t *testing.T) {
	module := threeCtors()
	manager, _ := newLineManager(t, module, nil)

	manager.SetLineBreakpoints(true, "/src/Bar.cs", []model.LineBreakpoint{{Line: 10}}, idGen())

	var activeHandle *fakeruntime.BreakpointHandle
	for _, handle := range module.Handles() {
		if handle.Active() {
			activeHandle = handle
		}
	}
	require.NotNil(t, activeHandle)

	thread := &fakeruntime.Thread{
		TID: 100,
		Top: &fakeruntime.Frame{Mod: module, Token: activeHandle.Method, ILOffset: activeHandle.ILOffset},
	}
	bp, hit := manager.CheckBreakpointHit(thread, activeHandle)
	require.True(t, hit)
	assert.Equal(t, 10, bp.Line)
	assert.Equal(t, 1, bp.HitCount)
}

func TestConditionControlsHit(t *testing.T) {
	module := threeCtors()
	evaluator := fakeruntime.Evaluator{Results: map[string]fakeruntime.Value{
		"i == 5": {Type: "bool", Repr: "false"},
	}}
	manager, _ := newLineManager(t, module, evaluator)

	manager.SetLineBreakpoints(true, "/src/Bar.cs",
		[]model.LineBreakpoint{{Line: 10, Condition: "i == 5"}}, idGen())

	var activeHandle *fakeruntime.BreakpointHandle
	for _, handle := range module.Handles() {
		if handle.Active() {
			activeHandle = handle
		}
	}
	require.NotNil(t, activeHandle)
	thread := &fakeruntime.Thread{
		TID: 100,
		Top: &fakeruntime.Frame{Mod: module, Token: activeHandle.Method, ILOffset: activeHandle.ILOffset},
	}

	_, hit := manager.CheckBreakpointHit(thread, activeHandle)
	assert.False(t, hit, "condition is false")

	evaluator.Results["i == 5"] = fakeruntime.Value{Type: "bool", Repr: "true"}
	bp, hit := manager.CheckBreakpointHit(thread, activeHandle)
	assert.True(t, hit, "condition is true")
	assert.Equal(t, 1, bp.HitCount)

	// evaluation errors are treated as no hit
	manager.SetLineBreakpoints(true, "/src/Bar.cs",
		[]model.LineBreakpoint{{Line: 10, Condition: "boom()"}}, idGen())
	_, hit = manager.CheckBreakpointHit(thread, activeHandle)
	assert.False(t, hit)
}

func TestPendingResolvesOnModuleLoad(t *testing.T) {
	module := threeCtors()
	reader := fakeruntime.NewReader(module)
	index := symbols.NewModules(reader, discardLogger())
	manager := breakpoints.NewLineBreakpoints(index, nil, true, discardLogger())

	answer := manager.SetLineBreakpoints(true, "/src/Bar.cs",
		[]model.LineBreakpoint{{Line: 10}}, idGen())
	require.Len(t, answer, 1)
	assert.False(t, answer[0].Verified)
	assert.NotEmpty(t, answer[0].Message)

	index.TryLoadModuleSymbols(module)
	events := manager.OnModuleLoad(module)
	require.Len(t, events, 1)
	assert.Equal(t, model.BreakpointChanged, events[0].Kind)
	assert.True(t, events[0].Breakpoint.Verified)
	assert.Equal(t, 10, events[0].Breakpoint.Line)
	assert.Equal(t, answer[0].ID, events[0].Breakpoint.ID)
}

func TestSetLineBreakpointsIdempotent(t *testing.T) {
	module := threeCtors()
	manager, _ := newLineManager(t, module, nil)
	nextID := idGen()

	request := []model.LineBreakpoint{{Line: 10}}
	first := manager.SetLineBreakpoints(true, "/src/Bar.cs", request, nextID)
	second := manager.SetLineBreakpoints(true, "/src/Bar.cs", request, nextID)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID, "ids preserved across identical requests")
	assert.Equal(t, first[0].Verified, second[0].Verified)
	assert.Equal(t, first[0].Line, second[0].Line)
}

func TestActivateCycleRestoresHandles(t *testing.T) {
	module := threeCtors()
	manager, _ := newLineManager(t, module, nil)
	manager.SetLineBreakpoints(true, "/src/Bar.cs", []model.LineBreakpoint{{Line: 10}}, idGen())

	manager.AllBreakpointsActivate(false)
	for _, handle := range module.Handles() {
		assert.False(t, handle.Active())
	}

	manager.AllBreakpointsActivate(true)
	for _, handle := range module.Handles() {
		assert.True(t, handle.Active(), "previous activations restored")
	}
}
