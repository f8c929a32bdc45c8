// Package model defines the data types shared between the debugger engine
// components and exposed to outer protocol surfaces. It separates the engine
// logic from the presentation layer, allowing different frontends (MI, DAP,
// CLI) to reuse the same debugger core.
package model

// ThreadID is an OS thread id (TID) of the debuggee.
type ThreadID int

// Source identifies a source file by path.
type Source struct {
	Name string
	Path string
}

// MakeSource creates a Source from a full path.
func MakeSource(path string) Source {
	name := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			name = path[i+1:]
			break
		}
	}
	return Source{Name: name, Path: path}
}

// LineBreakpoint is a protocol request for a breakpoint on a source line.
type LineBreakpoint struct {
	Module    string
	Line      int
	Condition string
}

// FuncBreakpoint is a protocol request for a breakpoint on a function name.
type FuncBreakpoint struct {
	Module    string
	Func      string
	Params    string
	Condition string
}

// Breakpoint is the engine's answer to a breakpoint request and the payload
// of breakpoint change events.
type Breakpoint struct {
	ID        uint32
	Verified  bool
	Condition string
	Source    Source
	Line      int
	EndLine   int
	HitCount  int
	Module    string
	FuncName  string
	Params    string
	Message   string
}

// BreakpointInfo is one row of the full breakpoint inventory.
type BreakpointInfo struct {
	ID        uint32
	Resolved  bool
	Enabled   bool
	HitCount  int
	Condition string
	Source    string
	Line      int
	EndLine   int
	Module    string
	Params    string
}

// StopReason says why the debuggee stopped.
type StopReason int

const (
	// StopBreakpoint is a managed or native breakpoint hit
	StopBreakpoint StopReason = iota
	// StopStep is a completed step request
	StopStep
	// StopEntry is the entry breakpoint hit
	StopEntry
	// StopException is a managed exception
	StopException
	// StopSignal is a native signal surfaced to the user
	StopSignal
	// StopPause is an interrupt_all request completion
	StopPause
)

// String returns the string representation of a StopReason
func (r StopReason) String() string {
	switch r {
	case StopBreakpoint:
		return "breakpoint"
	case StopStep:
		return "step"
	case StopEntry:
		return "entry"
	case StopException:
		return "exception"
	case StopSignal:
		return "signal"
	case StopPause:
		return "pause"
	default:
		return "unknown"
	}
}

// StopEvent is delivered to the outer protocol when the debuggee stops.
type StopEvent struct {
	Reason     StopReason
	ThreadID   ThreadID
	Breakpoint Breakpoint
	Signal     string
	Addr       uint64
	Text       string
}

// BreakpointEventKind discriminates breakpoint lifecycle events.
type BreakpointEventKind int

const (
	// BreakpointNew reports a breakpoint created by the engine itself
	BreakpointNew BreakpointEventKind = iota
	// BreakpointChanged reports a verification or location change
	BreakpointChanged
	// BreakpointRemoved reports breakpoint deletion
	BreakpointRemoved
)

// BreakpointEvent reports an asynchronous breakpoint state change.
type BreakpointEvent struct {
	Kind       BreakpointEventKind
	Breakpoint Breakpoint
}

// ModuleEventKind discriminates module lifecycle events.
type ModuleEventKind int

const (
	// ModuleNew reports a managed module or native library load
	ModuleNew ModuleEventKind = iota
	// ModuleRemoved reports an unload
	ModuleRemoved
)

// SymbolStatus reports whether debug symbols were found for a module.
type SymbolStatus int

const (
	// SymbolsSkipped means the module was not considered for symbol load
	SymbolsSkipped SymbolStatus = iota
	// SymbolsNotFound means no matching symbols exist
	SymbolsNotFound
	// SymbolsLoaded means symbols are available
	SymbolsLoaded
)

// String returns the string representation of a SymbolStatus
func (s SymbolStatus) String() string {
	switch s {
	case SymbolsSkipped:
		return "skipped"
	case SymbolsNotFound:
		return "not_found"
	case SymbolsLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Module describes a managed module or native library to the protocol layer.
type Module struct {
	ID           string
	Name         string
	Path         string
	BaseAddress  uint64
	Size         uint64
	SymbolStatus SymbolStatus
}

// ModuleEvent reports a module load or unload.
type ModuleEvent struct {
	Kind   ModuleEventKind
	Module Module
}

// ThreadEventKind discriminates thread lifecycle events.
type ThreadEventKind int

const (
	// ThreadStarted reports a managed thread creation
	ThreadStarted ThreadEventKind = iota
	// ThreadExited reports a managed thread exit
	ThreadExited
	// NativeThreadStarted reports a native thread observed by ptrace
	NativeThreadStarted
	// NativeThreadAttached reports a native thread seized at attach
	NativeThreadAttached
	// NativeThreadExited reports a native thread exit observed by waitpid
	NativeThreadExited
)

// ThreadEvent reports a thread lifecycle change.
type ThreadEvent struct {
	Kind     ThreadEventKind
	ThreadID ThreadID
	Interop  bool
}

// FrameKind discriminates stack frame flavors in a mixed-mode backtrace.
type FrameKind int

const (
	// FrameManaged is a managed IL frame
	FrameManaged FrameKind = iota
	// FrameNative is a native frame outside the runtime
	FrameNative
	// FrameCLRNative is a native frame that belongs to the runtime
	FrameCLRNative
	// FrameUnknown is a synthetic placeholder frame
	FrameUnknown
)

// Frame is one stack frame of a mixed managed/native backtrace.
type Frame struct {
	Kind       FrameKind
	Addr       uint64
	ModuleName string
	MethodName string
	Source     Source
	Line       int
	Unknown    bool
}

// StepKind selects the stepper behavior.
type StepKind int

const (
	// StepIn steps into calls
	StepIn StepKind = iota
	// StepOver steps over calls
	StepOver
	// StepOut runs until the current frame returns
	StepOut
)

// String returns the string representation of a StepKind
func (k StepKind) String() string {
	switch k {
	case StepIn:
		return "in"
	case StepOver:
		return "over"
	case StepOut:
		return "out"
	default:
		return "unknown"
	}
}
