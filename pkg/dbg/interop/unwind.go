package interop

import (
	"log/slog"
)

// Remote native stack unwinding. The accessors read debuggee registers and
// memory through the ptrace layer; a register context captured by the
// managed runtime's stack walker can seed the cursor instead of the live
// thread registers when unwinding a native chain in the middle of a mixed
// stack.

// UnwindContext seeds an unwind from a captured register context.
type UnwindContext struct {
	IP uint64
	SP uint64
	FP uint64
}

// NativeFrame is one unwound native frame, symbolized by the library
// index.
type NativeFrame struct {
	Addr             uint64
	UnknownFrameAddr bool
	LibName          string
	ProcName         string
	FullSourcePath   string
	LineNum          int
}

// unwindCursor walks a frame-pointer chain remotely. The frame record
// layout is {saved fp, return address} on every supported architecture,
// at the frame pointer for ARM/AArch64/RISC-V and at the saved RBP slot on
// x86.
type unwindCursor struct {
	tracer Tracer
	arch   Arch
	pid    int
	pc     uint64
	fp     uint64
	first  bool
}

// newUnwindCursor seeds the cursor from a context or the live registers.
func newUnwindCursor(tracer Tracer, arch Arch, pid int, context *UnwindContext) (*unwindCursor, error) {
	cursor := &unwindCursor{tracer: tracer, arch: arch, pid: pid, first: true}
	if context != nil {
		cursor.pc = context.IP
		cursor.fp = context.FP
		return cursor, nil
	}

	regs, err := tracer.GetRegs(pid)
	if err != nil {
		return nil, err
	}
	cursor.pc = regs.PC()
	switch arch {
	case ArchAMD64, Arch386:
		// the frame pointer register is not part of the generic
		// accessors; read it from the raw frame
		cursor.fp = frameBase(regs)
	case ArchARM64:
		cursor.fp = regs.read64(0xe8) // x29
	case ArchARM32:
		cursor.fp = regs.Reg(11)
	case ArchRISCV64:
		cursor.fp = regs.Reg(8) // s0
	}
	return cursor, nil
}

// frameBase reads the x86 frame base register from the raw regset.
func frameBase(regs *Registers) uint64 {
	switch regs.Arch {
	case ArchAMD64:
		return regs.read64(0x20) // rbp
	case Arch386:
		return regs.read32(0x14) // ebp
	}
	return 0
}

// step advances one frame; false ends the walk.
func (c *unwindCursor) step() bool {
	if c.first {
		c.first = false
		return c.pc != 0
	}
	if c.fp == 0 {
		return false
	}

	savedFP, err := c.tracer.PeekWord(c.pid, c.fp)
	if err != nil {
		return false
	}
	retAddr, err := c.tracer.PeekWord(c.pid, c.fp+uint64(c.arch.WordSize()))
	if err != nil {
		return false
	}
	if retAddr == 0 || retAddr == c.pc {
		return false
	}
	// frame pointers must strictly grow toward the stack base; a
	// descending pointer still yields its return address, then ends the
	// chain
	if savedFP != 0 && savedFP <= c.fp {
		savedFP = 0
	}
	c.pc = retAddr
	c.fp = savedFP
	return c.pc != 0
}

// threadStackUnwind walks a thread's native stack, calling cb with each
// frame address until cb returns false or the chain ends.
func threadStackUnwind(tracer Tracer, arch Arch, pid int, context *UnwindContext, cb func(addr uint64) bool, log *slog.Logger) {
	cursor, err := newUnwindCursor(tracer, arch, pid, context)
	if err != nil {
		log.Error("cannot initialize cursor for remote unwinding", "tid", pid, "error", err)
		return
	}

	for cursor.step() {
		if !cb(cursor.pc) {
			return
		}
	}
}
