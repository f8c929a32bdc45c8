// Package runtime declares the surface of the managed runtime's debugging
// API that the engine consumes. The real implementation lives in the runtime
// shim; tests provide fakes. The engine accepts these interfaces and never
// constructs them.
package runtime

// MethodToken identifies a method in a module's metadata.
type MethodToken uint32

// TypeToken identifies a type definition in a module's metadata.
type TypeToken uint32

// NilToken is the absent method token.
const NilToken MethodToken = 0

// Process is a debuggee-wide handle.
type Process interface {
	// EnumerateThreads lists the currently known managed threads.
	EnumerateThreads() ([]Thread, error)
	// Stop synchronously suspends the managed runtime.
	Stop() error
	// Continue resumes the managed runtime.
	Continue() error
	// Detach detaches the managed debugging session.
	Detach() error
	// Terminate kills the debuggee.
	Terminate() error
}

// Module is a loaded managed module.
type Module interface {
	// Path returns the module file path on disk.
	Path() string
	// BaseAddress returns the module load address.
	BaseAddress() uint64
	// Size returns the mapped size.
	Size() uint64
	// Function resolves a method token to a function handle.
	Function(token MethodToken) (Function, error)
	// Metadata returns the metadata import surface of this module.
	Metadata() Metadata
}

// Metadata is the subset of the metadata import API the engine uses.
type Metadata interface {
	// EntryPointToken returns the module file's entry point method token,
	// when the file metadata carries one (executables do, libraries not).
	EntryPointToken() (MethodToken, bool)
	// MethodProps returns the declaring type and name of a method.
	MethodProps(token MethodToken) (declaring TypeToken, name string, err error)
	// TypeDefProps returns the type name and, for nested types, the
	// enclosing type token.
	TypeDefProps(token TypeToken) (name string, enclosing TypeToken, nested bool, err error)
	// EnumTypeDefs lists all type definitions of the module.
	EnumTypeDefs() ([]TypeToken, error)
	// EnumMethods lists the methods of a type.
	EnumMethods(token TypeToken) ([]MethodToken, error)
	// MethodParamTypeNames returns the CLR names of the formal parameter
	// types of a method ("System.Int32", ...).
	MethodParamTypeNames(token MethodToken) ([]string, error)
	// FullMethodName returns the dotted fully qualified method name,
	// nested classes separated with '+'.
	FullMethodName(token MethodToken) (string, error)
}

// Function is a method handle able to carry IL breakpoints.
type Function interface {
	// Token returns the method token.
	Token() MethodToken
	// CurrentVersion returns the current Hot Reload version number.
	CurrentVersion() (uint32, error)
	// CreateBreakpoint plants a breakpoint at the given IL offset of the
	// current method version.
	CreateBreakpoint(ilOffset uint32) (FuncBreakpointHandle, error)
	// JMCStatus reports the method's Just My Code flag.
	JMCStatus() (bool, error)
	// SetJMCStatus sets the Just My Code flag. Fails for optimized
	// methods, which is how the engine detects optimization.
	SetJMCStatus(enable bool) error
}

// FuncBreakpointHandle is a runtime breakpoint on a (method, IL offset).
type FuncBreakpointHandle interface {
	// Activate enables or disables the breakpoint in the runtime.
	Activate(enable bool) error
	// Same reports whether other refers to the same runtime breakpoint.
	Same(other FuncBreakpointHandle) bool
}

// Thread is a managed thread handle.
type Thread interface {
	// ID returns the OS thread id.
	ID() int
	// ActiveFrame returns the top frame, if it is a managed frame.
	ActiveFrame() (Frame, error)
	// NewStackWalk starts a stack walk from the top of this thread.
	NewStackWalk() (StackWalk, error)
	// CurrentException returns the in-flight exception value, nil if none.
	CurrentException() Value
	// NewStepper creates a stepper bound to this thread's active frame.
	NewStepper() (Stepper, error)
}

// WalkFrameKind classifies what a stack walk iteration produced.
type WalkFrameKind int

const (
	// WalkFrame is a managed or runtime-internal frame
	WalkFrame WalkFrameKind = iota
	// WalkNativeChain is a run of native frames; the walk exposes the
	// register context captured at the chain boundary
	WalkNativeChain
	// WalkRuntimeUnwindable is a runtime-internal frame the debugger skips
	WalkRuntimeUnwindable
	// WalkEnd is the end of the stack
	WalkEnd
)

// Context is a register context snapshot at a stack walk boundary.
type Context struct {
	IP uint64
	SP uint64
	FP uint64
}

// StackWalk iterates the managed view of a thread's stack.
type StackWalk interface {
	// Next advances to the next frame and classifies it.
	Next() (WalkFrameKind, error)
	// Context returns the current register context.
	Context() (Context, error)
	// Frame returns the current frame. A nil frame with no error is a
	// no-frame transition that must be skipped.
	Frame() (Frame, error)
}

// Frame is a managed stack frame.
type Frame interface {
	// IsIL reports whether this frame has IL (user managed code).
	IsIL() bool
	// IsNative reports whether the runtime classifies it as native.
	IsNative() bool
	// FunctionToken returns the frame method token.
	FunctionToken() (MethodToken, error)
	// Function returns the frame function handle.
	Function() (Function, error)
	// Module returns the module owning the frame method.
	Module() Module
	// IP returns the IL offset of the frame instruction pointer.
	IP() (uint32, error)
}

// Value is an evaluated managed value.
type Value interface {
	// TypeName returns the C#-rendered type name ("bool", "int", ...).
	TypeName() string
	// String returns the display representation ("true", "42", ...).
	String() string
}

// Evaluator is the external expression evaluator consumed for breakpoint
// conditions.
type Evaluator interface {
	// EvalExpression evaluates an expression in the context of the stopped
	// thread's top frame.
	EvalExpression(expression string, thread Thread) (Value, error)
}

// Stepper abstracts the runtime stepper with range and intercept masks.
type Stepper interface {
	// StepRange steps within the given IL range.
	StepRange(stepIn bool, startOffset, endOffset uint32) error
	// StepOut runs to the return of the active frame.
	StepOut() error
	// Deactivate cancels the stepper.
	Deactivate() error
}
