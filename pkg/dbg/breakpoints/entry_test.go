package breakpoints_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manu343726/garrapata/pkg/dbg/breakpoints"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime/fakeruntime"
	"github.com/Manu343726/garrapata/pkg/dbg/symbols"
)

func syncMain() *fakeruntime.Module {
	return &fakeruntime.Module{
		FilePath:   "/app/App.dll",
		Base:       0x30000,
		MapSize:    0x1000,
		EntryPoint: 0x06000001,
		Types:      map[runtime.TypeToken]fakeruntime.TypeDef{0x02000002: {Name: "Program"}},
		Methods: []*fakeruntime.Method{
			{Token: 0x06000001, Type: 0x02000002, Name: "Main", FullName: "Ns.Program.Main",
				Points: []symbols.SequencePoint{
					{StartLine: 5, StartColumn: 5, EndLine: 5, EndColumn: 20, ILOffset: 0, Document: "/src/Program.cs"},
				}},
		},
	}
}

func asyncMain() *fakeruntime.Module {
	return &fakeruntime.Module{
		FilePath:   "/app/App.dll",
		Base:       0x30000,
		MapSize:    0x1000,
		EntryPoint: 0x06000001,
		Types: map[runtime.TypeToken]fakeruntime.TypeDef{
			0x02000002: {Name: "Program"},
			0x02000003: {Name: "<Main>d__0", Enclosing: 0x02000002, Nested: true},
		},
		Methods: []*fakeruntime.Method{
			{Token: 0x06000001, Type: 0x02000002, Name: "<Main>", FullName: "Ns.Program.<Main>"},
			{Token: 0x06000002, Type: 0x02000003, Name: "MoveNext", FullName: "Ns.Program.<Main>d__0.MoveNext",
				Points: []symbols.SequencePoint{
					// user code does not start at IL offset 0 in MoveNext
					{StartLine: 7, StartColumn: 9, EndLine: 7, EndColumn: 28, ILOffset: 16, Document: "/src/Program.cs"},
				}},
		},
	}
}

func TestEntryBreakpointSyncMain(t *testing.T) {
	module := syncMain()
	index := symbols.NewModules(fakeruntime.NewReader(module), discardLogger())
	index.TryLoadModuleSymbols(module)
	entry := breakpoints.NewEntryBreakpoint(index, true)

	require.True(t, entry.OnModuleLoad(module))
	handles := module.Handles()
	require.Len(t, handles, 1)
	assert.Equal(t, runtime.MethodToken(0x06000001), handles[0].Method)
	assert.Equal(t, uint32(0), handles[0].ILOffset)
	assert.True(t, handles[0].Active())
}

func TestEntryBreakpointAsyncMainRewrite(t *testing.T) {
	module := asyncMain()
	index := symbols.NewModules(fakeruntime.NewReader(module), discardLogger())
	index.TryLoadModuleSymbols(module)
	entry := breakpoints.NewEntryBreakpoint(index, true)

	require.True(t, entry.OnModuleLoad(module))
	handles := module.Handles()
	require.Len(t, handles, 1)
	assert.Equal(t, runtime.MethodToken(0x06000002), handles[0].Method, "breakpoint moved to MoveNext")
	assert.Equal(t, uint32(16), handles[0].ILOffset, "first user IL offset, not 0")
}

func TestEntryBreakpointOneShot(t *testing.T) {
	module := syncMain()
	index := symbols.NewModules(fakeruntime.NewReader(module), discardLogger())
	index.TryLoadModuleSymbols(module)
	entry := breakpoints.NewEntryBreakpoint(index, true)
	entry.OnModuleLoad(module)

	handle := module.Handles()[0]
	assert.True(t, entry.CheckBreakpointHit(handle))
	assert.False(t, handle.Active(), "deactivated on first hit")
	assert.False(t, entry.CheckBreakpointHit(handle), "one-shot")

	// libraries without entry point never install it
	library := syncMain()
	library.EntryPoint = 0
	assert.False(t, entry.OnModuleLoad(library))
}

func TestEntryBreakpointDisabled(t *testing.T) {
	module := syncMain()
	index := symbols.NewModules(fakeruntime.NewReader(module), discardLogger())
	index.TryLoadModuleSymbols(module)
	entry := breakpoints.NewEntryBreakpoint(index, false)

	assert.False(t, entry.OnModuleLoad(module))
	assert.Empty(t, module.Handles())
}
