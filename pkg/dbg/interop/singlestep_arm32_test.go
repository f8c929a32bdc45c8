package interop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func armRegs(pc uint64, cpsr uint64) *Registers {
	regs := NewRegisters(ArchARM32)
	regs.SetPC(pc)
	regs.SetReg(armRegCPSR, cpsr)
	return regs
}

func TestArmConditionTrue(t *testing.T) {
	assert.True(t, armConditionTrue(0x0, flagZ), "EQ with Z set")
	assert.False(t, armConditionTrue(0x0, 0), "EQ with Z clear")
	assert.True(t, armConditionTrue(0x1, 0), "NE with Z clear")
	assert.True(t, armConditionTrue(0x8, flagC), "HI with C set, Z clear")
	assert.False(t, armConditionTrue(0x8, flagC|flagZ), "HI with Z set")
	assert.True(t, armConditionTrue(0xa, flagN|flagV), "GE with N == V")
	assert.False(t, armConditionTrue(0xb, flagN|flagV), "LT with N == V")
	assert.True(t, armConditionTrue(instAL, 0))
}

func TestArmBranch(t *testing.T) {
	tracer := newFakeTracer(ArchARM32)
	regs := armRegs(0x8000, 0)
	tracer.setRegs(1, regs)

	// b +0x10: offset field = (0x10 - 8) >> 2 = 2
	tracer.setWord32(0x8000, 0xea000002)
	nextPCs, ok := armCodeNextPCs(tracer, 1, regs)
	require.True(t, ok)
	require.Len(t, nextPCs, 1)
	assert.Equal(t, uint64(0x8010), nextPCs[0].addr)
	assert.False(t, nextPCs[0].isThumb)
}

func TestArmConditionalBranchNotTaken(t *testing.T) {
	tracer := newFakeTracer(ArchARM32)
	regs := armRegs(0x8000, 0) // Z clear

	// beq +0x10: condition EQ false, fall through to PC+4
	tracer.setWord32(0x8000, 0x0a000002)
	nextPCs, ok := armCodeNextPCs(tracer, 1, regs)
	require.True(t, ok)
	require.Len(t, nextPCs, 1)
	assert.Equal(t, uint64(0x8004), nextPCs[0].addr)
}

func TestArmBXRegisterSwitchesToThumb(t *testing.T) {
	tracer := newFakeTracer(ArchARM32)
	regs := armRegs(0x8000, 0)
	regs.SetReg(3, 0x9001) // bit 0 selects Thumb

	tracer.setWord32(0x8000, 0xe12fff13) // bx r3
	nextPCs, ok := armCodeNextPCs(tracer, 1, regs)
	require.True(t, ok)
	require.Len(t, nextPCs, 1)
	assert.Equal(t, uint64(0x9000), nextPCs[0].addr)
	assert.True(t, nextPCs[0].isThumb)
}

func TestArmMovPC(t *testing.T) {
	tracer := newFakeTracer(ArchARM32)
	regs := armRegs(0x8000, 0)
	regs.SetReg(2, 0xa000)

	tracer.setWord32(0x8000, 0xe1a0f002) // mov pc, r2
	nextPCs, ok := armCodeNextPCs(tracer, 1, regs)
	require.True(t, ok)
	assert.Equal(t, uint64(0xa000), nextPCs[0].addr)
}

func TestArmLDMWithPC(t *testing.T) {
	tracer := newFakeTracer(ArchARM32)
	regs := armRegs(0x8000, 0)
	regs.SetReg(armRegSP, 0x7000)

	// ldmia sp!, {r4, r5, pc}: reglist has r4, r5 set below PC, so the PC
	// slot sits at [sp + popcount{r4,r5} * 4]
	tracer.setWord32(0x8000, 0xe8bd8030)
	tracer.setWord32(0x7008, 0xb000)
	nextPCs, ok := armCodeNextPCs(tracer, 1, regs)
	require.True(t, ok)
	assert.Equal(t, uint64(0xb000), nextPCs[0].addr)
}

func TestArmDataProcessingAddPC(t *testing.T) {
	tracer := newFakeTracer(ArchARM32)
	regs := armRegs(0x8000, 0)
	regs.SetReg(1, 0x100)

	// add pc, pc, r1: operand1 = PC prefetched (0x8008), operand2 = r1
	tracer.setWord32(0x8000, 0xe08ff001)
	nextPCs, ok := armCodeNextPCs(tracer, 1, regs)
	require.True(t, ok)
	assert.Equal(t, uint64(0x8108), nextPCs[0].addr)
}

func TestThumbPopPC(t *testing.T) {
	tracer := newFakeTracer(ArchARM32)
	regs := armRegs(0x8000, cpsrThumbBit)
	regs.SetReg(armRegSP, 0x7000)

	// pop {r4, r5, pc}: PC stored above the two registers
	tracer.setWord32(0x8000, 0x0000bd30)
	tracer.setWord32(0x7008, 0x9001) // return into Thumb code
	nextPCs, ok := thumbCodeNextPCs(tracer, 1, regs)
	require.True(t, ok)
	require.Len(t, nextPCs, 1)
	assert.Equal(t, uint64(0x9000), nextPCs[0].addr)
	assert.True(t, nextPCs[0].isThumb)
}

func TestThumbCBZ(t *testing.T) {
	tracer := newFakeTracer(ArchARM32)
	regs := armRegs(0x8000, cpsrThumbBit)
	regs.SetReg(2, 0)

	// cbz r2, +0x10: i=0, imm5 = 8
	tracer.setWord32(0x8000, 0x0000b142)
	nextPCs, ok := thumbCodeNextPCs(tracer, 1, regs)
	require.True(t, ok)
	assert.Equal(t, uint64(0x8014), nextPCs[0].addr)

	// not taken when the register is nonzero
	regs.SetReg(2, 7)
	nextPCs, ok = thumbCodeNextPCs(tracer, 1, regs)
	require.True(t, ok)
	assert.Equal(t, uint64(0x8002), nextPCs[0].addr)
}

func TestThumbITBlockPlantsTwoBreakpoints(t *testing.T) {
	// ite eq; moveq r0, #1; movne r0, #2 with EQ true at the first
	// conditional instruction: one breakpoint on the following
	// instruction, one on the first after the conditional run.
	tracer := newFakeTracer(ArchARM32)

	// CPSR: Thumb, Z set (EQ true), ITSTATE for "ite eq" after the IT
	// instruction itself: base cond 0000, mask 1100 -> IT[7:0] = 0x0c.
	// IT[7:2] lives in CPSR[15:10], IT[1:0] in CPSR[26:25].
	itState := uint32(0x0c)
	cpsr := uint64(flagZ | cpsrThumbBit)
	cpsr |= uint64((itState>>2)&0x3f) << 10
	cpsr |= uint64(itState&0x3) << 25

	regs := armRegs(0x8000, cpsr)
	tracer.setWord32(0x8000, 0x0000_2001) // moveq r0, #1 (16-bit, may change flags)
	tracer.setWord32(0x8002, 0x0000_2002) // movne r0, #2
	tracer.setWord32(0x8004, 0x0000_bf00) // nop after the block

	var nextPCs []swStepNextPC
	ok := thumbConditionalBlockNextPCs(tracer, 1, uint32(cpsr), 0x8000, 0x2001, &nextPCs)
	require.True(t, ok)
	require.Len(t, nextPCs, 2, "breakpoint on next instruction and on first after the conditional run")
	assert.Equal(t, uint64(0x8002), nextPCs[0].addr, "next executed candidate")
	assert.Equal(t, uint64(0x8004), nextPCs[1].addr, "first instruction after the movne")
	assert.True(t, nextPCs[0].isThumb)
	assert.True(t, nextPCs[1].isThumb)
}

func TestThumbITInstructionSkipsUntrueBlock(t *testing.T) {
	// On the IT instruction itself with a false condition, the breakpoint
	// goes to the first instruction that will actually execute.
	tracer := newFakeTracer(ArchARM32)
	cpsr := uint64(cpsrThumbBit) // Z clear: EQ false

	// it eq; moveq r0, #1; <next>
	tracer.setWord32(0x8000, 0x0000_bf08) // it eq
	tracer.setWord32(0x8002, 0x0000_2001) // moveq r0, #1 (skipped)
	tracer.setWord32(0x8004, 0x0000_2002)

	var nextPCs []swStepNextPC
	ok := thumbConditionalBlockNextPCs(tracer, 1, uint32(cpsr), 0x8000, 0xbf08, &nextPCs)
	require.True(t, ok)
	require.Len(t, nextPCs, 1)
	assert.Equal(t, uint64(0x8004), nextPCs[0].addr, "skipped over the untrue conditional")
}

func TestThumb32BL(t *testing.T) {
	tracer := newFakeTracer(ArchARM32)
	regs := armRegs(0x8000, cpsrThumbBit)

	// bl +0x100: S=0, imm10=0, J1=1, J2=1, imm11=0x80
	inst1 := uint16(0xf000)
	inst2 := uint16(0xf800 | 0x2000 | 0x0800 | 0x080)
	tracer.setWord32(0x8000, uint32(inst1)|uint32(inst2)<<16)

	nextPCs, ok := thumbCodeNextPCs(tracer, 1, regs)
	require.True(t, ok)
	require.Len(t, nextPCs, 1)
	assert.Equal(t, uint64(0x8104), nextPCs[0].addr)
	assert.True(t, nextPCs[0].isThumb)
}

func TestKernelHelperRewrite(t *testing.T) {
	tracer := newFakeTracer(ArchARM32)
	regs := armRegs(0x8000, 0)
	regs.SetReg(armRegLR, 0x8004)
	regs.SetReg(3, 0xffff0f60) // kernel helper address

	// bx r3 into the helper page: resume at LR instead
	tracer.setWord32(0x8000, 0xe12fff13)
	nextPCs, ok := armCodeNextPCs(tracer, 1, regs)
	require.True(t, ok)
	assert.Equal(t, uint64(0x8004), nextPCs[0].addr)
	assert.False(t, nextPCs[0].isThumb)
}

func TestPlantAndRemoveSWStepBreakpoints(t *testing.T) {
	tracer := newFakeTracer(ArchARM32)
	tracer.setWord32(0x9000, 0xe1a00000)
	tracer.setWord32(0x9004, 0xe1a01001)

	planted, ok := plantSWStepBreakpoints(tracer, ArchARM32, 1,
		[]swStepNextPC{{addr: 0x9000}, {addr: 0x9004}}, testLogger())
	require.True(t, ok)
	require.Len(t, planted, 2)
	assert.Equal(t, uint64(brkARM), tracer.word(0x9000))
	assert.Equal(t, uint64(brkARM), tracer.word(0x9004))

	require.True(t, removeSWStepBreakpoints(tracer, ArchARM32, 1, planted, testLogger()))
	assert.Equal(t, uint64(0xe1a00000), tracer.word(0x9000))
	assert.Equal(t, uint64(0xe1a01001), tracer.word(0x9004))
}
