package breakpoints_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manu343726/garrapata/pkg/dbg/breakpoints"
	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime/fakeruntime"
	"github.com/Manu343726/garrapata/pkg/dbg/symbols"
)

// overloads models a class with two Run overloads and one unrelated method.
func overloads() *fakeruntime.Module {
	points := func(line int, il uint32) []symbols.SequencePoint {
		return []symbols.SequencePoint{
			{StartLine: line, StartColumn: 9, EndLine: line, EndColumn: 30, ILOffset: il, Document: "/src/Svc.cs"},
		}
	}
	return &fakeruntime.Module{
		FilePath: "/app/Svc.dll",
		Base:     0x20000,
		MapSize:  0x1000,
		Types:    map[runtime.TypeToken]fakeruntime.TypeDef{0x02000002: {Name: "Svc"}},
		Methods: []*fakeruntime.Method{
			{Token: 0x06000010, Type: 0x02000002, Name: "Run", FullName: "Ns.Svc.Run",
				ParamTypes: []string{"System.Int32"}, Points: points(10, 0)},
			{Token: 0x06000011, Type: 0x02000002, Name: "Run", FullName: "Ns.Svc.Run",
				ParamTypes: []string{"System.String", "System.UInt16"}, Points: points(20, 0)},
			{Token: 0x06000012, Type: 0x02000002, Name: "Stop", FullName: "Ns.Svc.Stop",
				Points: points(30, 0)},
		},
	}
}

func newFuncManager(t *testing.T, module *fakeruntime.Module) *breakpoints.FuncBreakpoints {
	t.Helper()
	index := symbols.NewModules(fakeruntime.NewReader(module), discardLogger())
	index.TryLoadModuleSymbols(module)
	return breakpoints.NewFuncBreakpoints(index, nil, true, discardLogger())
}

func TestFuncBreakpointMatchesAllOverloads(t *testing.T) {
	module := overloads()
	manager := newFuncManager(t, module)

	answer := manager.SetFuncBreakpoints(true,
		[]model.FuncBreakpoint{{Func: "Svc.Run"}}, idGen())
	require.Len(t, answer, 1)
	assert.True(t, answer[0].Verified)

	// no one-active rule: every overload binding stays activated
	handles := module.Handles()
	require.Len(t, handles, 2)
	for _, handle := range handles {
		assert.True(t, handle.Active())
	}
}

func TestFuncBreakpointSignatureFilter(t *testing.T) {
	module := overloads()
	manager := newFuncManager(t, module)

	answer := manager.SetFuncBreakpoints(true,
		[]model.FuncBreakpoint{{Func: "Svc.Run", Params: "(string,ushort)"}}, idGen())
	require.Len(t, answer, 1)
	assert.True(t, answer[0].Verified)

	handles := module.Handles()
	require.Len(t, handles, 1)
	assert.Equal(t, runtime.MethodToken(0x06000011), handles[0].Method)
}

func TestFuncBreakpointUnknownSignature(t *testing.T) {
	module := overloads()
	manager := newFuncManager(t, module)

	answer := manager.SetFuncBreakpoints(true,
		[]model.FuncBreakpoint{{Func: "Svc.Run", Params: "(decimal)"}}, idGen())
	require.Len(t, answer, 1)
	assert.False(t, answer[0].Verified)
	assert.Empty(t, module.Handles())
}

func TestFuncBreakpointResolvesOnModuleLoad(t *testing.T) {
	module := overloads()
	reader := fakeruntime.NewReader(module)
	index := symbols.NewModules(reader, discardLogger())
	manager := breakpoints.NewFuncBreakpoints(index, nil, true, discardLogger())

	answer := manager.SetFuncBreakpoints(true,
		[]model.FuncBreakpoint{{Func: "Svc.Stop"}}, idGen())
	require.Len(t, answer, 1)
	assert.False(t, answer[0].Verified)

	index.TryLoadModuleSymbols(module)
	events := manager.OnModuleLoad(module)
	require.Len(t, events, 1)
	assert.True(t, events[0].Breakpoint.Verified)
	assert.Equal(t, answer[0].ID, events[0].Breakpoint.ID)
}

func TestFuncBreakpointHit(t *testing.T) {
	module := overloads()
	manager := newFuncManager(t, module)
	manager.SetFuncBreakpoints(true, []model.FuncBreakpoint{{Func: "Svc.Stop"}}, idGen())

	handles := module.Handles()
	require.Len(t, handles, 1)
	thread := &fakeruntime.Thread{TID: 7}

	bp, hit := manager.CheckBreakpointHit(thread, handles[0])
	require.True(t, hit)
	assert.Equal(t, "Svc.Stop", bp.FuncName)
	assert.Equal(t, 1, bp.HitCount)
}

func TestFuncBreakpointHotReload(t *testing.T) {
	module := overloads()
	manager := newFuncManager(t, module)
	manager.SetFuncBreakpoints(true, []model.FuncBreakpoint{{Func: "Svc.Stop"}}, idGen())
	require.Len(t, module.Handles(), 1)

	// Hot Reload produced version 2 of Stop
	module.Methods[2].Version = 2
	manager.UpdateOnHotReload(module, map[runtime.MethodToken]bool{0x06000012: true})

	handles := module.Handles()
	require.Len(t, handles, 2, "new version binding created")
	assert.False(t, handles[0].Active(), "old version binding removed")
	assert.True(t, handles[1].Active())
	assert.Equal(t, uint32(2), handles[1].Version)
}
