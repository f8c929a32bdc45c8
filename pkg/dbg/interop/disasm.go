package interop

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// maxX86InstLen is the maximum length in bytes of an x86-64 instruction.
const maxX86InstLen = 15

// DisasmEntry is one decoded instruction for display.
type DisasmEntry struct {
	Addr uint64
	Text string
}

// Disassemble decodes up to count instructions of debuggee memory starting
// at addr. Only x86-64 is supported; other architectures report an empty
// listing so outer surfaces can degrade gracefully.
func (d *InteropDebugger) Disassemble(addr uint64, count int) ([]DisasmEntry, error) {
	if d.arch != ArchAMD64 {
		return nil, nil
	}

	buf := make([]byte, count*maxX86InstLen)
	if err := d.tracer.ReadMemory(d.tgid(), addr, buf); err != nil {
		return nil, err
	}

	var entries []DisasmEntry
	offset := 0
	for len(entries) < count && offset < len(buf) {
		inst, err := x86asm.Decode(buf[offset:], 64)
		if err != nil {
			entries = append(entries, DisasmEntry{
				Addr: addr + uint64(offset),
				Text: fmt.Sprintf(".byte %#02x", buf[offset]),
			})
			offset++
			continue
		}
		entries = append(entries, DisasmEntry{
			Addr: addr + uint64(offset),
			Text: x86asm.GNUSyntax(inst, addr+uint64(offset), nil),
		})
		offset += inst.Len
	}
	return entries, nil
}
