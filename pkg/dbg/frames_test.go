package dbg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime/fakeruntime"
	"github.com/Manu343726/garrapata/pkg/dbg/symbols"
)

func framesModule() *fakeruntime.Module {
	return &fakeruntime.Module{
		FilePath: "/app/Walk.dll",
		Base:     0x50000,
		MapSize:  0x1000,
		Types:    map[runtime.TypeToken]fakeruntime.TypeDef{0x02000002: {Name: "Walk"}},
		Methods: []*fakeruntime.Method{
			{Token: 0x06000001, Type: 0x02000002, Name: "Callee", FullName: "Ns.Walk.Callee",
				Points: []symbols.SequencePoint{
					{StartLine: 10, StartColumn: 9, EndLine: 10, EndColumn: 20, ILOffset: 0, Document: "/src/Walk.cs"},
				}},
			{Token: 0x06000002, Type: 0x02000002, Name: "Caller", FullName: "Ns.Walk.Caller",
				Points: []symbols.SequencePoint{
					{StartLine: 30, StartColumn: 9, EndLine: 30, EndColumn: 20, ILOffset: 0, Document: "/src/Walk.cs"},
				}},
		},
	}
}

func TestWalkFramesManagedOnly(t *testing.T) {
	module := framesModule()
	debugger, _, _ := newTestDebugger(t, module, nil, Options{})
	debugger.OnModuleLoad(module)

	thread := &fakeruntime.Thread{
		TID: 42,
		Walk: []fakeruntime.WalkStep{
			{Kind: runtime.WalkFrame, Frame: &fakeruntime.Frame{Mod: module, Token: 0x06000001, ILOffset: 0},
				Context: runtime.Context{IP: 0x50010, SP: 0x7f00, FP: 0x7f10}},
			{Kind: runtime.WalkRuntimeUnwindable},
			{Kind: runtime.WalkFrame, Frame: &fakeruntime.Frame{Mod: module, Token: 0x06000002, ILOffset: 0},
				Context: runtime.Context{IP: 0x50040, SP: 0x7f40, FP: 0x7f50}},
		},
	}
	debugger.OnThreadCreated(thread)

	frames, err := debugger.StackFrames(42)
	require.NoError(t, err)
	require.Len(t, frames, 2, "runtime unwindable frames are skipped")

	assert.Equal(t, model.FrameManaged, frames[0].Kind)
	assert.Equal(t, "Ns.Walk.Callee", frames[0].MethodName)
	assert.Equal(t, "Walk.dll", frames[0].ModuleName)
	assert.Equal(t, 10, frames[0].Line)
	assert.Equal(t, "/src/Walk.cs", frames[0].Source.Path)

	assert.Equal(t, "Ns.Walk.Caller", frames[1].MethodName)
	assert.Equal(t, 30, frames[1].Line)
}

func TestWalkFramesSkipsNoFrameTransition(t *testing.T) {
	module := framesModule()
	debugger, _, _ := newTestDebugger(t, module, nil, Options{})
	debugger.OnModuleLoad(module)

	thread := &fakeruntime.Thread{
		TID: 42,
		Walk: []fakeruntime.WalkStep{
			// the runtime reports S_OK with a nulled frame for explicit
			// no-frame transitions
			{Kind: runtime.WalkFrame, Frame: nil},
			{Kind: runtime.WalkFrame, Frame: &fakeruntime.Frame{Mod: module, Token: 0x06000001, ILOffset: 0},
				Context: runtime.Context{IP: 0x50010}},
		},
	}
	debugger.OnThreadCreated(thread)

	frames, err := debugger.StackFrames(42)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "Ns.Walk.Callee", frames[0].MethodName)
}

func TestStackFramesUnknownThread(t *testing.T) {
	module := framesModule()
	debugger, _, _ := newTestDebugger(t, module, nil, Options{})

	_, err := debugger.StackFrames(1234)
	assert.Error(t, err)
}
