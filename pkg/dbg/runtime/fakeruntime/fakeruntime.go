// Package fakeruntime provides in-memory fakes of the managed runtime API
// and of the managed symbol reader for engine tests.
package fakeruntime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
	"github.com/Manu343726/garrapata/pkg/dbg/symbols"
)

// Method describes one fake method: metadata plus sequence points.
type Method struct {
	Token      runtime.MethodToken
	Type       runtime.TypeToken
	Name       string // plain method name
	FullName   string // dotted qualified name, '+' for nesting
	ParamTypes []string
	Points     []symbols.SequencePoint
	Hidden     bool
	Optimized  bool
	Version    uint32
}

// Module is a fake managed module.
type Module struct {
	FilePath string
	Base     uint64
	MapSize  uint64
	Methods  []*Method
	Types    map[runtime.TypeToken]TypeDef
	NoPDB    bool
	// EntryPoint is the entry method token, 0 for libraries.
	EntryPoint runtime.MethodToken

	mu      sync.Mutex
	handles []*BreakpointHandle
}

// TypeDef describes one fake type definition.
type TypeDef struct {
	Name      string
	Enclosing runtime.TypeToken
	Nested    bool
}

func (m *Module) Path() string        { return m.FilePath }
func (m *Module) BaseAddress() uint64 { return m.Base }
func (m *Module) Size() uint64        { return m.MapSize }

func (m *Module) Function(token runtime.MethodToken) (runtime.Function, error) {
	for _, method := range m.Methods {
		if method.Token == token {
			return &Function{module: m, method: method}, nil
		}
	}
	return nil, fmt.Errorf("no method %#x", token)
}

func (m *Module) Metadata() runtime.Metadata { return &metadata{module: m} }

// Handles returns every breakpoint handle created on this module, in
// creation order.
func (m *Module) Handles() []*BreakpointHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*BreakpointHandle(nil), m.handles...)
}

type metadata struct{ module *Module }

func (md *metadata) EntryPointToken() (runtime.MethodToken, bool) {
	return md.module.EntryPoint, md.module.EntryPoint != 0
}

func (md *metadata) lookup(token runtime.MethodToken) (*Method, error) {
	for _, method := range md.module.Methods {
		if method.Token == token {
			return method, nil
		}
	}
	return nil, fmt.Errorf("no method %#x", token)
}

func (md *metadata) MethodProps(token runtime.MethodToken) (runtime.TypeToken, string, error) {
	method, err := md.lookup(token)
	if err != nil {
		return 0, "", err
	}
	return method.Type, method.Name, nil
}

func (md *metadata) TypeDefProps(token runtime.TypeToken) (string, runtime.TypeToken, bool, error) {
	typeDef, found := md.module.Types[token]
	if !found {
		return "", 0, false, fmt.Errorf("no type %#x", token)
	}
	return typeDef.Name, typeDef.Enclosing, typeDef.Nested, nil
}

func (md *metadata) EnumTypeDefs() ([]runtime.TypeToken, error) {
	tokens := make([]runtime.TypeToken, 0, len(md.module.Types))
	for token := range md.module.Types {
		tokens = append(tokens, token)
	}
	return tokens, nil
}

func (md *metadata) EnumMethods(token runtime.TypeToken) ([]runtime.MethodToken, error) {
	var tokens []runtime.MethodToken
	for _, method := range md.module.Methods {
		if method.Type == token {
			tokens = append(tokens, method.Token)
		}
	}
	return tokens, nil
}

func (md *metadata) MethodParamTypeNames(token runtime.MethodToken) ([]string, error) {
	method, err := md.lookup(token)
	if err != nil {
		return nil, err
	}
	return method.ParamTypes, nil
}

func (md *metadata) FullMethodName(token runtime.MethodToken) (string, error) {
	method, err := md.lookup(token)
	if err != nil {
		return "", err
	}
	return method.FullName, nil
}

// Function is a fake function handle.
type Function struct {
	module *Module
	method *Method
	jmc    bool
}

func (f *Function) Token() runtime.MethodToken { return f.method.Token }

func (f *Function) CurrentVersion() (uint32, error) {
	if f.method.Version == 0 {
		return 1, nil
	}
	return f.method.Version, nil
}

func (f *Function) CreateBreakpoint(ilOffset uint32) (runtime.FuncBreakpointHandle, error) {
	handle := &BreakpointHandle{Method: f.method.Token, ILOffset: ilOffset, Version: f.method.Version}
	f.module.mu.Lock()
	f.module.handles = append(f.module.handles, handle)
	f.module.mu.Unlock()
	return handle, nil
}

func (f *Function) JMCStatus() (bool, error) { return f.jmc, nil }

func (f *Function) SetJMCStatus(enable bool) error {
	if f.method.Optimized {
		return errors.New("optimized method")
	}
	f.jmc = enable
	return nil
}

// BreakpointHandle records runtime breakpoint activations.
type BreakpointHandle struct {
	Method   runtime.MethodToken
	ILOffset uint32
	Version  uint32

	mu     sync.Mutex
	active bool
	calls  []bool
}

func (h *BreakpointHandle) Activate(enable bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = enable
	h.calls = append(h.calls, enable)
	return nil
}

func (h *BreakpointHandle) Same(other runtime.FuncBreakpointHandle) bool {
	return h == other
}

// Active reports the current activation state.
func (h *BreakpointHandle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Reader is a fake managed symbol reader over the registered modules'
// method tables.
type Reader struct {
	mu      sync.Mutex
	modules map[string]*Module
}

// NewReader creates a fake reader serving the given modules.
func NewReader(modules ...*Module) *Reader {
	r := &Reader{modules: make(map[string]*Module)}
	for _, module := range modules {
		r.modules[module.FilePath] = module
	}
	return r
}

// Add registers another module with the reader.
func (r *Reader) Add(module *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[module.FilePath] = module
}

type readerHandle struct{ module *Module }

func (r *Reader) LoadSymbolsForModule(path string, peAddr, peSize, pdbAddr, pdbSize uint64,
	readMemory func(addr uint64, buf []byte) error) (symbols.ReaderHandle, error) {
	r.mu.Lock()
	module := r.modules[path]
	r.mu.Unlock()
	if module == nil || module.NoPDB {
		return nil, errors.New("no matching pdb")
	}
	return &readerHandle{module: module}, nil
}

func (r *Reader) ResolveSequencePoint(h symbols.ReaderHandle, document string, line int) (runtime.MethodToken, uint32, error) {
	module := h.(*readerHandle).module
	for _, method := range module.Methods {
		for _, sp := range method.Points {
			if sp.Document == document && sp.StartLine >= line {
				return method.Token, sp.ILOffset, nil
			}
		}
	}
	return runtime.NilToken, 0, errors.New("no sequence point")
}

func (r *Reader) LineByILOffset(h symbols.ReaderHandle, token runtime.MethodToken, ilOffset uint32) (int, string, error) {
	module := h.(*readerHandle).module
	for _, method := range module.Methods {
		if method.Token != token {
			continue
		}
		for _, sp := range method.Points {
			if sp.ILOffset == ilOffset {
				return sp.StartLine, sp.Document, nil
			}
		}
	}
	return 0, "", errors.New("no line")
}

func (r *Reader) StepRangesFromIP(h symbols.ReaderHandle, ip uint32, token runtime.MethodToken) (uint32, uint32, error) {
	module := h.(*readerHandle).module
	for _, method := range module.Methods {
		if method.Token != token {
			continue
		}
		for i, sp := range method.Points {
			end := sp.ILOffset + 4
			if i+1 < len(method.Points) {
				end = method.Points[i+1].ILOffset
			}
			if ip >= sp.ILOffset && ip < end {
				return sp.ILOffset, end, nil
			}
		}
	}
	return 0, 0, errors.New("no range")
}

func (r *Reader) SequencePoints(h symbols.ReaderHandle, token runtime.MethodToken, version uint32) ([]symbols.SequencePoint, error) {
	module := h.(*readerHandle).module
	for _, method := range module.Methods {
		if method.Token == token {
			return append([]symbols.SequencePoint(nil), method.Points...), nil
		}
	}
	return nil, errors.New("no method")
}

func (r *Reader) LocalVariableNameAndScope(h symbols.ReaderHandle, token runtime.MethodToken, index int) (string, uint32, uint32, error) {
	return "", 0, 0, errors.New("not supported")
}

func (r *Reader) HiddenMethods(h symbols.ReaderHandle) ([]runtime.MethodToken, error) {
	module := h.(*readerHandle).module
	var hidden []runtime.MethodToken
	for _, method := range module.Methods {
		if method.Hidden {
			hidden = append(hidden, method.Token)
		}
	}
	return hidden, nil
}

func (r *Reader) ApplyDelta(h symbols.ReaderHandle, deltaPDB []byte) ([]runtime.MethodToken, error) {
	return nil, nil
}

func (r *Reader) Dispose(h symbols.ReaderHandle) {}

// Process is a fake managed process handle recording control requests.
type Process struct {
	mu         sync.Mutex
	Threads    []*Thread
	continues  int
	stops      int
	terminated bool
}

func (p *Process) EnumerateThreads() ([]runtime.Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	threads := make([]runtime.Thread, len(p.Threads))
	for i, thread := range p.Threads {
		threads[i] = thread
	}
	return threads, nil
}

func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *Process) Continue() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.continues++
	return nil
}

func (p *Process) Detach() error { return nil }

func (p *Process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	return nil
}

// Continues reports how many continue requests the process received.
func (p *Process) Continues() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.continues
}

// Terminated reports whether Terminate was called.
func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Value is a fake evaluated value.
type Value struct {
	Type string
	Repr string
}

func (v Value) TypeName() string { return v.Type }
func (v Value) String() string   { return v.Repr }

// Evaluator is a scripted expression evaluator.
type Evaluator struct {
	// Results maps expression text to its value; missing entries error.
	Results map[string]Value
}

func (e Evaluator) EvalExpression(expression string, thread runtime.Thread) (runtime.Value, error) {
	if value, found := e.Results[expression]; found {
		return value, nil
	}
	return nil, fmt.Errorf("cannot evaluate %q", expression)
}

// Thread is a fake managed thread.
type Thread struct {
	TID       int
	Top       runtime.Frame
	Exception runtime.Value
	Stepper   *Stepper
	Walk      []WalkStep
}

// WalkStep scripts one stack walk iteration.
type WalkStep struct {
	Kind    runtime.WalkFrameKind
	Frame   runtime.Frame
	Context runtime.Context
}

type scriptedWalk struct {
	steps []WalkStep
	pos   int
}

func (w *scriptedWalk) Next() (runtime.WalkFrameKind, error) {
	if w.pos >= len(w.steps) {
		return runtime.WalkEnd, nil
	}
	w.pos++
	return w.steps[w.pos-1].Kind, nil
}

func (w *scriptedWalk) Context() (runtime.Context, error) {
	if w.pos == 0 || w.pos > len(w.steps) {
		return runtime.Context{}, errors.New("no current frame")
	}
	return w.steps[w.pos-1].Context, nil
}

func (w *scriptedWalk) Frame() (runtime.Frame, error) {
	if w.pos == 0 || w.pos > len(w.steps) {
		return nil, errors.New("no current frame")
	}
	return w.steps[w.pos-1].Frame, nil
}

func (t *Thread) ID() int { return t.TID }

func (t *Thread) ActiveFrame() (runtime.Frame, error) {
	if t.Top == nil {
		return nil, errors.New("no active frame")
	}
	return t.Top, nil
}

func (t *Thread) NewStackWalk() (runtime.StackWalk, error) {
	if t.Walk == nil {
		return nil, errors.New("no scripted stack walk")
	}
	return &scriptedWalk{steps: t.Walk}, nil
}

func (t *Thread) CurrentException() runtime.Value { return t.Exception }

// Stepper records stepper requests.
type Stepper struct {
	StepIns    []bool
	Ranges     [][2]uint32
	SteppedOut bool
}

func (s *Stepper) StepRange(stepIn bool, startOffset, endOffset uint32) error {
	s.StepIns = append(s.StepIns, stepIn)
	s.Ranges = append(s.Ranges, [2]uint32{startOffset, endOffset})
	return nil
}

func (s *Stepper) StepOut() error {
	s.SteppedOut = true
	return nil
}

func (s *Stepper) Deactivate() error { return nil }

func (t *Thread) NewStepper() (runtime.Stepper, error) {
	if t.Stepper == nil {
		t.Stepper = &Stepper{}
	}
	return t.Stepper, nil
}

// Frame is a fake managed IL frame.
type Frame struct {
	Mod      *Module
	Token    runtime.MethodToken
	ILOffset uint32
}

func (f *Frame) IsIL() bool     { return true }
func (f *Frame) IsNative() bool { return false }

func (f *Frame) FunctionToken() (runtime.MethodToken, error) { return f.Token, nil }

func (f *Frame) Function() (runtime.Function, error) { return f.Mod.Function(f.Token) }

func (f *Frame) Module() runtime.Module { return f.Mod }

func (f *Frame) IP() (uint32, error) { return f.ILOffset, nil }
