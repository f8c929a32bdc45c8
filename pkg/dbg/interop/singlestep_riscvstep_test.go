package interop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func riscvRegs(pc uint64) *Registers {
	regs := NewRegisters(ArchRISCV64)
	regs.SetPC(pc)
	return regs
}

func TestRiscvJAL(t *testing.T) {
	// jal x1, +0x100
	regs := riscvRegs(0x1000)
	// J-type: imm[20|10:1|11|19:12] rd opcode; +0x100 -> imm10:1 = 0x80
	opcode := uint32(0x6f) | 1<<7 | 0x080<<21
	assert.Equal(t, uint64(0x1100), riscv32NextPC(regs, opcode))
}

func TestRiscvJALNegative(t *testing.T) {
	// jal x0, -4: S=1, imm10:1=0x3FE, imm11=1, imm19:12=0xFF
	regs := riscvRegs(0x1000)
	opcode := uint32(0x6f) | 0x3fe<<21 | 1<<20 | 0xff<<12 | 1<<31
	assert.Equal(t, uint64(0xffc), riscv32NextPC(regs, opcode))
}

func TestRiscvJALR(t *testing.T) {
	// jalr x1, 8(x5)
	regs := riscvRegs(0x1000)
	regs.SetReg(5, 0x2001) // low bit must be cleared by the jump
	opcode := uint32(0x67) | 1<<7 | 5<<15 | 8<<20
	assert.Equal(t, uint64(0x2008), riscv32NextPC(regs, opcode))
}

func TestRiscvBranches(t *testing.T) {
	// beq x5, x6, +8 : B-type imm 8 -> imm4:1=4 (bits 11:8)
	makeBranch := func(funct3 uint32) uint32 {
		return uint32(0x63) | funct3<<12 | 5<<15 | 6<<20 | 4<<8
	}

	regs := riscvRegs(0x1000)
	regs.SetReg(5, 7)
	regs.SetReg(6, 7)
	assert.Equal(t, uint64(0x1008), riscv32NextPC(regs, makeBranch(0x0)), "beq taken")
	assert.Equal(t, uint64(0x1004), riscv32NextPC(regs, makeBranch(0x1)), "bne not taken")

	regs.SetReg(5, ^uint64(0)) // -1 signed, max unsigned
	regs.SetReg(6, 1)
	assert.Equal(t, uint64(0x1008), riscv32NextPC(regs, makeBranch(0x4)), "blt signed taken")
	assert.Equal(t, uint64(0x1004), riscv32NextPC(regs, makeBranch(0x6)), "bltu unsigned not taken")
	assert.Equal(t, uint64(0x1008), riscv32NextPC(regs, makeBranch(0x7)), "bgeu unsigned taken")
}

func TestRiscvCompressedJ(t *testing.T) {
	// c.j +0x20: CJ imm[11|4|9:8|10|6|7|3:1|5]; +0x20 -> bit5 of imm -> opcode bit 2
	regs := riscvRegs(0x1000)
	opcode := uint16(0xa001) | 1<<2
	assert.Equal(t, uint64(0x1020), riscv16NextPC(regs, opcode))
}

func TestRiscvCompressedJR(t *testing.T) {
	// c.jr x10
	regs := riscvRegs(0x1000)
	regs.SetReg(10, 0x4000)
	opcode := uint16(0x8002) | 10<<7
	assert.Equal(t, uint64(0x4000), riscv16NextPC(regs, opcode))
}

func TestRiscvCompressedBranches(t *testing.T) {
	// c.beqz x10, +8 : CB imm[8|4:3|7:6|2:1|5]; 8 -> imm4:3 = 01 -> bit 10
	regs := riscvRegs(0x1000)
	regs.SetReg(10, 0)
	opcode := uint16(0xc001) | 2<<7 | 1<<10 // rs1' = x10 encoded as 2
	assert.Equal(t, uint64(0x1008), riscv16NextPC(regs, opcode))

	regs.SetReg(10, 5)
	assert.Equal(t, uint64(0x1002), riscv16NextPC(regs, opcode), "c.beqz not taken")

	bnez := uint16(0xe001) | 2<<7 | 1<<10
	assert.Equal(t, uint64(0x1008), riscv16NextPC(regs, bnez), "c.bnez taken")
}

func TestRiscvNextPCReadsInstruction(t *testing.T) {
	tracer := newFakeTracer(ArchRISCV64)
	regs := riscvRegs(0x1000)

	// plain addi (no control transfer): next is PC+4
	tracer.setWord64(0x1000, 0x00150513)
	next, ok := riscvNextPC(tracer, 7, regs)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1004), next)

	// compressed non-branch: next is PC+2
	tracer.setWord64(0x1000, 0x4501) // c.li a0, 0
	next, ok = riscvNextPC(tracer, 7, regs)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1002), next)
}
