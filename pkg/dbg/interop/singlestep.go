package interop

import (
	"log/slog"
)

// swStepBreakpoint is one temporary breakpoint planted for a software
// single step.
type swStepBreakpoint struct {
	addr      uint64
	savedWord uint64
}

// swStepNextPC is one possible next program counter with its instruction
// set state.
type swStepNextPC struct {
	addr    uint64
	isThumb bool
}

// plantSWStepBreakpoints patches a temporary breakpoint at every possible
// next PC.
func plantSWStepBreakpoints(tracer Tracer, arch Arch, pid int, nextPCs []swStepNextPC, log *slog.Logger) ([]swStepBreakpoint, bool) {
	var planted []swStepBreakpoint
	for _, next := range nextPCs {
		saved, err := tracer.PeekWord(pid, next.addr)
		if err != nil {
			log.Error("software step read failed", "addr", next.addr, "error", err)
			return planted, false
		}
		patched := arch.EncodeBrkOpcode(saved, next.isThumb)
		if err := tracer.PokeWord(pid, next.addr, patched); err != nil {
			log.Error("software step write failed", "addr", next.addr, "error", err)
			return planted, false
		}
		planted = append(planted, swStepBreakpoint{addr: next.addr, savedWord: saved})
	}
	return planted, true
}

// removeSWStepBreakpoints restores every temporary breakpoint. The word is
// re-read first: a breakpoint opcode smaller than the word may sit next to
// bytes another patch changed meanwhile.
func removeSWStepBreakpoints(tracer Tracer, arch Arch, pid int, planted []swStepBreakpoint, log *slog.Logger) bool {
	ok := true
	for _, brk := range planted {
		current, err := tracer.PeekWord(pid, brk.addr)
		if err != nil {
			log.Error("software step cleanup read failed", "addr", brk.addr, "error", err)
			ok = false
			continue
		}
		restored := arch.RestoredOpcode(current, brk.savedWord)
		if err := tracer.PokeWord(pid, brk.addr, restored); err != nil {
			log.Error("software step cleanup write failed", "addr", brk.addr, "error", err)
			ok = false
		}
	}
	return ok
}

// softwareStepNextPCs computes the possible next PC set for the current
// instruction on architectures without (working) hardware single step.
func softwareStepNextPCs(tracer Tracer, arch Arch, pid int, regs *Registers) ([]swStepNextPC, bool) {
	switch arch {
	case ArchARM32:
		return arm32NextPCs(tracer, pid, regs)
	case ArchRISCV64:
		next, ok := riscvNextPC(tracer, pid, regs)
		if !ok {
			return nil, false
		}
		return []swStepNextPC{{addr: next}}, true
	default:
		return nil, false
	}
}
