// Package symbols implements the module and symbol index of the engine: it
// maps modules to their portable PDB data, source paths to methods and IL
// offsets, and IL offsets back to source locations. The PDB parsing itself
// is delegated to a managed symbol reader loaded as an auxiliary assembly;
// this package consumes its surface and owns all caching and lookup tables.
package symbols

import (
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
)

// ReaderHandle is an opaque managed symbol reader instance for one module.
// The Module owning it disposes it exactly once at unload.
type ReaderHandle interface{}

// SequencePoint is a debug-info mapping from an IL offset to a source span.
type SequencePoint struct {
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
	ILOffset    uint32
	Document    string
}

// hiddenLine marks compiler-hidden sequence points in portable PDBs. The
// reader boundary filters them; they never appear in the engine's model.
const hiddenLine = 0xFEEFEE

// Reader is the managed symbol reader surface. Semantically these are
// function pointers into the managed helper assembly.
type Reader interface {
	// LoadSymbolsForModule opens the PDB matching the module image. The
	// readMemory callback reads debuggee memory for in-memory PDBs.
	LoadSymbolsForModule(path string, peAddr, peSize, pdbAddr, pdbSize uint64,
		readMemory func(addr uint64, buf []byte) error) (ReaderHandle, error)

	// ResolveSequencePoint maps (document, line) to the closest method and
	// IL offset at or after the requested line.
	ResolveSequencePoint(h ReaderHandle, document string, line int) (runtime.MethodToken, uint32, error)

	// LineByILOffset maps (method, IL offset) back to a source location.
	LineByILOffset(h ReaderHandle, token runtime.MethodToken, ilOffset uint32) (line int, document string, err error)

	// StepRangesFromIP returns the IL range of the statement containing ip.
	StepRangesFromIP(h ReaderHandle, ip uint32, token runtime.MethodToken) (ilStart, ilEnd uint32, err error)

	// SequencePoints lists all non-hidden sequence points of a method
	// version, ordered by IL offset.
	SequencePoints(h ReaderHandle, token runtime.MethodToken, version uint32) ([]SequencePoint, error)

	// LocalVariableNameAndScope returns the name and IL scope of the
	// method local with the given slot index.
	LocalVariableNameAndScope(h ReaderHandle, token runtime.MethodToken, index int) (name string, ilStart, ilEnd uint32, err error)

	// HiddenMethods lists methods carrying DebuggerHiddenAttribute; the
	// engine suppresses them from Just My Code.
	HiddenMethods(h ReaderHandle) ([]runtime.MethodToken, error)

	// ApplyDelta feeds a Hot Reload delta PDB and returns the method
	// tokens whose bodies changed.
	ApplyDelta(h ReaderHandle, deltaPDB []byte) ([]runtime.MethodToken, error)

	// Dispose releases the reader instance.
	Dispose(h ReaderHandle)
}

// filterHidden drops hidden sequence points in place preserving order. The
// reader contract already excludes them; this is the boundary enforcement
// for readers that pass raw PDB rows through.
func filterHidden(points []SequencePoint) []SequencePoint {
	out := points[:0]
	for _, sp := range points {
		if sp.StartLine == hiddenLine {
			continue
		}
		out = append(out, sp)
	}
	return out
}
