package interop

import (
	"log/slog"
	"sync"
)

// StopAllThreadsFunc stops every running debuggee thread before a memory
// patch. FixAllThreadsFunc steps back any thread whose PC says it just
// trapped on the breakpoint being removed, so the restored opcode executes.
type (
	StopAllThreadsFunc func()
	FixAllThreadsFunc  func(addr uint64)
	SingleStepFunc     func(tid int, addr uint64) bool
)

type memBreakpoint struct {
	count     int
	savedWord uint64
}

// MemBreakpoints owns the software breakpoints patched into debuggee
// memory. Multiple high-level breakpoints (line breakpoints from different
// sources, the rendezvous breakpoint, single-step helpers) share one
// physical patch through the reference count. Invariant: count > 0 exactly
// when the word at the address holds the architecture's breakpoint opcode.
//
// The mutex is held across the whole read-modify-write sequence and across
// the stop/fix callbacks. It is a plain sync.Mutex and is not reentrant;
// the interop debugger's stop/fix callbacks read and write registers
// through the tracer and do not call back into MemBreakpoints.
type MemBreakpoints struct {
	mu     sync.Mutex
	arch   Arch
	tracer Tracer
	log    *slog.Logger
	brk    map[uint64]*memBreakpoint
}

// NewMemBreakpoints creates an empty patch table.
func NewMemBreakpoints(arch Arch, tracer Tracer, log *slog.Logger) *MemBreakpoints {
	return &MemBreakpoints{
		arch:   arch,
		tracer: tracer,
		log:    log,
		brk:    make(map[uint64]*memBreakpoint),
	}
}

// Add patches a breakpoint at addr, or bumps its reference count when the
// address is already patched. stopAllThreads runs before first-time
// patching only.
func (m *MemBreakpoints) Add(pid int, addr uint64, isThumb bool, stopAllThreads StopAllThreadsFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, found := m.brk[addr]
	if !found {
		stopAllThreads()
		saved, err := m.tracer.PeekWord(pid, addr)
		if err != nil {
			m.log.Error("breakpoint read failed", "addr", addr, "error", err)
			return err
		}
		patched := m.arch.EncodeBrkOpcode(saved, isThumb)
		if err := m.tracer.PokeWord(pid, addr, patched); err != nil {
			m.log.Error("breakpoint write failed", "addr", addr, "error", err)
			return err
		}
		entry = &memBreakpoint{savedWord: saved}
		m.brk[addr] = entry
	}
	entry.count++
	return nil
}

// Remove drops one reference; at zero the saved word is written back. Both
// callbacks run only on the transition to zero.
func (m *MemBreakpoints) Remove(pid int, addr uint64, stopAllThreads StopAllThreadsFunc, fixAllThreads FixAllThreadsFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, found := m.brk[addr]
	if !found {
		return nil
	}
	entry.count--
	if entry.count > 0 {
		return nil
	}

	stopAllThreads()
	fixAllThreads(addr)

	current, err := m.tracer.PeekWord(pid, addr)
	if err != nil {
		m.log.Error("breakpoint read failed", "addr", addr, "error", err)
		delete(m.brk, addr)
		return err
	}
	restored := m.arch.RestoredOpcode(current, entry.savedWord)
	if err := m.tracer.PokeWord(pid, addr, restored); err != nil {
		m.log.Warn("breakpoint restore failed", "addr", addr, "error", err)
		delete(m.brk, addr)
		return err
	}
	delete(m.brk, addr)
	return nil
}

// IsBreakpoint reports whether addr currently carries a patch.
func (m *MemBreakpoints) IsBreakpoint(addr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.brk[addr]
	return found
}

// StepOverBrk advances a thread stopped on a live breakpoint: restore the
// saved word, run one architecture-appropriate single step via singleStep,
// re-patch. The patch table mutex is held throughout so no other thread
// can observe the un-patched window through this table.
func (m *MemBreakpoints) StepOverBrk(pid int, addr uint64, singleStep SingleStepFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, found := m.brk[addr]
	if !found {
		return false
	}

	current, err := m.tracer.PeekWord(pid, addr)
	if err != nil {
		m.log.Error("step over breakpoint read failed", "addr", addr, "error", err)
		return false
	}
	restored := m.arch.RestoredOpcode(current, entry.savedWord)
	if err := m.tracer.PokeWord(pid, addr, restored); err != nil {
		m.log.Error("step over breakpoint restore failed", "addr", addr, "error", err)
		return false
	}

	if !singleStep(pid, addr) {
		return false
	}

	if err := m.tracer.PokeWord(pid, addr, current); err != nil {
		m.log.Error("step over breakpoint re-patch failed", "addr", addr, "error", err)
		return false
	}
	return true
}

// StepPrevToBrk rewinds a thread's PC to the breakpoint address when the
// architecture leaves the PC past the trap. Returns true when addr is a
// live breakpoint (the thread's pending stop was this breakpoint).
func (m *MemBreakpoints) StepPrevToBrk(tid int, addr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.brk[addr]; !found {
		return false
	}
	if !m.arch.NeedsPrevBrkPCFixup() {
		return true
	}

	regs, err := m.tracer.GetRegs(tid)
	if err != nil {
		m.log.Warn("step prev to breakpoint getregs failed", "tid", tid, "error", err)
		return true
	}
	m.arch.SetPrevBrkPC(regs)
	if err := m.tracer.SetRegs(tid, regs); err != nil {
		m.log.Warn("step prev to breakpoint setregs failed", "tid", tid, "error", err)
	}
	return true
}

// UnloadModule wipes all entries in an unmapped address range without
// touching memory; the pages are gone.
func (m *MemBreakpoints) UnloadModule(startAddr, endAddr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr := range m.brk {
		if addr >= startAddr && addr < endAddr {
			delete(m.brk, addr)
		}
	}
}

// RemoveAllAtDetach restores every patch. Must be called only with all
// threads stopped and fixed. pid of zero means the process is gone and
// only the table is cleared.
func (m *MemBreakpoints) RemoveAllAtDetach(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pid != 0 {
		for addr, entry := range m.brk {
			current, err := m.tracer.PeekWord(pid, addr)
			if err != nil {
				m.log.Error("detach breakpoint read failed", "addr", addr, "error", err)
				continue
			}
			restored := m.arch.RestoredOpcode(current, entry.savedWord)
			if err := m.tracer.PokeWord(pid, addr, restored); err != nil {
				m.log.Warn("detach breakpoint restore failed", "addr", addr, "error", err)
			}
		}
	}
	m.brk = make(map[uint64]*memBreakpoint)
}
