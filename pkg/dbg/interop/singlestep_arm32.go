package interop

import (
	"math/bits"

	"github.com/Manu343726/garrapata/pkg/utils"
)

// ARM32 software single step: PTRACE_SINGLESTEP is unsupported by the
// kernel on arm32, so the possible next PC set is computed by decoding the
// current instruction (A32, T16 or T32) exactly as the hardware would, and
// a temporary breakpoint is planted at each member of the set.

// CPSR flag bits
const (
	flagN = 0x80000000
	flagZ = 0x40000000
	flagC = 0x20000000
	flagV = 0x10000000

	cpsrThumbBit = 0x20

	instAL = 0xe
	instNV = 0xf
)

// Addresses above the last page belong to kernel-provided helpers the
// debugger can neither read nor patch.
const kernelHelperPage = 0xffff0000

// armIsExecutingThumb reports the Thumb execution state from CPSR.
func armIsExecutingThumb(regs *Registers) bool {
	return regs.CPSR()&cpsrThumbBit != 0
}

// armConditionTrue evaluates an ARM condition code against CPSR flags.
func armConditionTrue(cond uint32, ps uint32) bool {
	switch cond {
	case 0x0: // EQ
		return ps&flagZ != 0
	case 0x1: // NE
		return ps&flagZ == 0
	case 0x2: // CS
		return ps&flagC != 0
	case 0x3: // CC
		return ps&flagC == 0
	case 0x4: // MI
		return ps&flagN != 0
	case 0x5: // PL
		return ps&flagN == 0
	case 0x6: // VS
		return ps&flagV != 0
	case 0x7: // VC
		return ps&flagV == 0
	case 0x8: // HI
		return ps&(flagC|flagZ) == flagC
	case 0x9: // LS
		return ps&(flagC|flagZ) != flagC
	case 0xa: // GE
		return (ps&flagN == 0) == (ps&flagV == 0)
	case 0xb: // LT
		return (ps&flagN == 0) != (ps&flagV == 0)
	case 0xc: // GT
		return ps&flagZ == 0 && (ps&flagN == 0) == (ps&flagV == 0)
	case 0xd: // LE
		return ps&flagZ != 0 || (ps&flagN == 0) != (ps&flagV == 0)
	default: // AL, NV
		return true
	}
}

// armBranchDest computes a B/BL destination. The 24-bit signed offset is
// shifted left two and added to the prefetched PC (current + 8).
func armBranchDest(addr uint64, instr uint32) uint64 {
	return addr + 8 + uint64(int64(utils.GetSBits(instr, 0, 23))<<2)
}

// readMem32, readMem16 and readMem8 read a small typed value from debuggee
// memory through the word interface. Little-endian targets only.
func readMem32(tracer Tracer, pid int, addr uint64) (uint32, bool) {
	word, err := tracer.PeekWord(pid, addr)
	if err != nil {
		return 0, false
	}
	return uint32(word), true
}

func readMem16(tracer Tracer, pid int, addr uint64) (uint16, bool) {
	word, err := tracer.PeekWord(pid, addr)
	if err != nil {
		return 0, false
	}
	return uint16(word), true
}

func readMem8(tracer Tracer, pid int, addr uint64) (uint8, bool) {
	word, err := tracer.PeekWord(pid, addr)
	if err != nil {
		return 0, false
	}
	return uint8(word), true
}

// armShiftRegValue evaluates a shifted-register operand 2 of an A32 data
// processing instruction. PC reads as the prefetched value (plus 4 more
// when the shift amount comes from a register).
func armShiftRegValue(regs *Registers, instr uint32, carry bool, regPC uint64) uint32 {
	var shift uint32
	if utils.GetBit(instr, 4) != 0 {
		shiftReg := int(utils.GetBits(instr, 8, 11))
		if shiftReg == armRegPC {
			shift = uint32(regPC+8) & 0xff
		} else {
			shift = uint32(regs.Reg(shiftReg)) & 0xff
		}
	} else {
		shift = utils.GetBits(instr, 7, 11)
	}

	offsetReg := int(utils.GetBits(instr, 0, 3))
	var result uint32
	if offsetReg == armRegPC {
		if utils.GetBit(instr, 4) != 0 {
			result = uint32(regPC + 12)
		} else {
			result = uint32(regPC + 8)
		}
	} else {
		result = uint32(regs.Reg(offsetReg))
	}

	switch utils.GetBits(instr, 5, 6) {
	case 0: // LSL
		if shift >= 32 {
			result = 0
		} else {
			result <<= shift
		}
	case 1: // LSR
		if shift >= 32 {
			result = 0
		} else {
			result >>= shift
		}
	case 2: // ASR
		if shift >= 32 {
			shift = 31
		}
		result = uint32(int32(result) >> shift)
	case 3: // ROR / RRX
		shift &= 31
		if shift == 0 {
			result >>= 1
			if carry {
				result |= 0x80000000
			}
		} else {
			result = bits.RotateLeft32(result, -int(shift))
		}
	}
	return result
}

// armMiscellaneous handles the A32 op groups 0x0-0x3: multiplies and swaps
// (PC-illegal, no PC change), BX/BLX register, halfword transfers and the
// data processing instructions with Rd = PC.
func armMiscellaneous(tracer Tracer, pid int, regs *Registers, ps uint32, pc uint64, instr uint32,
	nextPC *uint64, switchToThumb *bool) bool {

	// MUL/MLA, MULL/MLAL, SWP: R15 must not be used, nothing to do
	if utils.GetBits(instr, 22, 27) == 0 && utils.GetBits(instr, 4, 7) == 9 {
		return true
	}
	if utils.GetBits(instr, 23, 27) == 1 && utils.GetBits(instr, 4, 7) == 9 {
		return true
	}
	if utils.GetBits(instr, 23, 27) == 0x2 && utils.GetBits(instr, 20, 21) == 0 && utils.GetBits(instr, 4, 11) == 9 {
		return true
	}

	// BX register, BLX register; Rn[0] selects the instruction set
	if utils.GetBits(instr, 4, 27) == 0x12fff1 || utils.GetBits(instr, 4, 27) == 0x12fff3 {
		rn := int(utils.GetBits(instr, 0, 3))
		if rn == armRegPC {
			*nextPC = pc + 8
		} else {
			*nextPC = regs.Reg(rn)
		}
		*switchToThumb = *nextPC&1 != 0
		*nextPC &^= 1
		return true
	}

	// LDRH/STRH/LDRSB/LDRSH
	registerOffset := utils.GetBits(instr, 25, 27) == 0 && utils.GetBit(instr, 22) == 0 &&
		utils.GetBits(instr, 7, 11) == 1 && utils.GetBit(instr, 4) == 1
	immediateOffset := utils.GetBits(instr, 25, 27) == 0 && utils.GetBit(instr, 22) == 1 &&
		utils.GetBit(instr, 7) == 1 && utils.GetBit(instr, 4) == 1
	if registerOffset || immediateOffset {
		if utils.GetBits(instr, 12, 15) == armRegPC && utils.GetBit(instr, 21) == 1 {
			return false // halfword load into PC is not predictable here
		}
		if utils.GetBits(instr, 16, 19) == armRegPC && utils.GetBit(instr, 21) == 1 {
			return false // write-back with R15 base is unpredictable
		}
		return true
	}

	// data processing / PSR transfer; only Rd = PC changes control flow
	if utils.GetBits(instr, 12, 15) != armRegPC {
		return true
	}

	carry := ps&flagC == flagC
	rn := int(utils.GetBits(instr, 16, 19))
	var operand1 uint64
	if rn == armRegPC {
		operand1 = pc + 8
	} else {
		operand1 = regs.Reg(rn)
	}

	var operand2 uint64
	if utils.GetBit(instr, 25) != 0 {
		immval := utils.GetBits(instr, 0, 7)
		rotate := 2 * utils.GetBits(instr, 8, 11)
		operand2 = uint64(bits.RotateLeft32(immval, -int(rotate)))
	} else {
		operand2 = uint64(armShiftRegValue(regs, instr, carry, pc))
	}

	carryIn := uint64(0)
	if carry {
		carryIn = 1
	}
	switch utils.GetBits(instr, 21, 24) {
	case 0x0: // AND
		*nextPC = operand1 & operand2
	case 0x1: // EOR
		*nextPC = operand1 ^ operand2
	case 0x2: // SUB
		*nextPC = operand1 - operand2
	case 0x3: // RSB
		*nextPC = operand2 - operand1
	case 0x4: // ADD
		*nextPC = operand1 + operand2
	case 0x5: // ADC
		*nextPC = operand1 + operand2 + carryIn
	case 0x6: // SBC
		*nextPC = operand1 - operand2 + carryIn
	case 0x7: // RSC
		*nextPC = operand2 - operand1 + carryIn
	case 0x8, 0x9, 0xa, 0xb: // TST/TEQ/CMP/CMN only set flags
	case 0xc: // ORR
		*nextPC = operand1 | operand2
	case 0xd: // MOV
		*nextPC = operand2
	case 0xe: // BIC
		*nextPC = operand1 &^ operand2
	case 0xf: // MVN
		*nextPC = ^operand2
	}
	*nextPC &^= 1
	return true
}

// armMemoryOperations handles LDR with Rd = PC (op groups 0x4-0x7).
func armMemoryOperations(tracer Tracer, pid int, regs *Registers, ps uint32, pc uint64, instr uint32,
	nextPC *uint64) bool {

	// media instructions share the group, only plain loads matter
	if utils.GetBits(instr, 25, 27) == 0x3 && utils.GetBit(instr, 4) == 1 {
		return true
	}

	if utils.GetBit(instr, 20) != 0 && utils.GetBits(instr, 12, 15) == armRegPC {
		if utils.GetBit(instr, 22) == 1 {
			return false // byte load into PC
		}

		baseReg := int(utils.GetBits(instr, 16, 19))
		var baseData uint64
		if baseReg == armRegPC {
			baseData = pc + 8
		} else {
			baseData = regs.Reg(baseReg)
		}

		if utils.GetBit(instr, 24) != 0 { // pre-index
			carry := ps&flagC == flagC
			var offset uint64
			if utils.GetBit(instr, 25) != 0 {
				offset = uint64(armShiftRegValue(regs, instr, carry, pc))
			} else {
				offset = uint64(utils.GetBits(instr, 0, 11))
			}
			if utils.GetBit(instr, 23) != 0 {
				baseData += offset
			} else {
				baseData -= offset
			}
		}

		loaded, ok := readMem32(tracer, pid, baseData)
		if !ok {
			return false
		}
		*nextPC = uint64(loaded)
	}
	return true
}

// armMultipleMemoryOperations handles LDM with PC in the register list (op
// groups 0x8-0x9). The PC slot offset is popcount(reglist) words for an
// increment, adjusted for pre-indexing.
func armMultipleMemoryOperations(tracer Tracer, pid int, regs *Registers, instr uint32, nextPC *uint64) bool {
	if utils.GetBit(instr, 20) == 0 || utils.GetBit(instr, armRegPC) == 0 {
		return true
	}

	offset := int64(0)
	if utils.GetBit(instr, 23) != 0 { // up
		reglist := utils.GetBits(instr, 0, 14)
		offset = int64(bits.OnesCount32(reglist)) * 4
		if utils.GetBit(instr, 24) != 0 { // pre-index
			offset += 4
		}
	} else if utils.GetBit(instr, 24) != 0 { // down, pre-index
		offset = -4
	}

	baseReg := int(utils.GetBits(instr, 16, 19))
	addr := uint64(int64(regs.Reg(baseReg)) + offset)
	loaded, ok := readMem32(tracer, pid, addr)
	if !ok {
		return false
	}
	*nextPC = uint64(loaded)
	return true
}

// armCodeNextPCs decodes one A32 instruction.
func armCodeNextPCs(tracer Tracer, pid int, regs *Registers) ([]swStepNextPC, bool) {
	currentPC := regs.PC()
	nextPC := currentPC + 4
	switchToThumb := false

	instr, ok := readMem32(tracer, pid, currentPC)
	if !ok {
		return nil, false
	}
	ps := uint32(regs.CPSR())

	if utils.GetBits(instr, 28, 31) == instNV {
		op := utils.GetBits(instr, 24, 27)
		switch op {
		case 0xa, 0xb: // BLX <label>: branch and switch to Thumb
			nextPC = armBranchDest(currentPC, instr)
			nextPC |= uint64(utils.GetBit(instr, 24)) << 1
			switchToThumb = true
		case 0xc, 0xd, 0xe: // coprocessor transfers must not target PC
			if utils.GetBits(instr, 12, 15) == armRegPC {
				return nil, false
			}
		}

		if nextPC > kernelHelperPage {
			switchToThumb = false
			if op == 0xb { // BLX <label>: resumes at the return address
				nextPC = currentPC + 4
			} else {
				nextPC = regs.LR()
			}
		}
	} else if armConditionTrue(utils.GetBits(instr, 28, 31), ps) {
		op := utils.GetBits(instr, 24, 27)
		okDecode := true
		switch op {
		case 0x0, 0x1, 0x2, 0x3:
			okDecode = armMiscellaneous(tracer, pid, regs, ps, currentPC, instr, &nextPC, &switchToThumb)
		case 0x4, 0x5, 0x6, 0x7:
			okDecode = armMemoryOperations(tracer, pid, regs, ps, currentPC, instr, &nextPC)
		case 0x8, 0x9:
			okDecode = armMultipleMemoryOperations(tracer, pid, regs, instr, &nextPC)
		case 0xa, 0xb:
			nextPC = armBranchDest(currentPC, instr)
		}
		if !okDecode {
			return nil, false
		}

		if nextPC > kernelHelperPage {
			switchToThumb = false
			if op == 0xb || utils.GetBits(instr, 4, 27) == 0x12fff3 { // BL / BLX register
				nextPC = currentPC + 4
			} else {
				nextPC = regs.LR()
			}
		}
	}

	return []swStepNextPC{{addr: nextPC, isThumb: switchToThumb}}, true
}

// thumbInstructionSize returns 2 or 4 from the first halfword.
func thumbInstructionSize(inst1 uint16) uint64 {
	if IsThumbOpcode32Bits(uint32(inst1)) {
		return 4
	}
	return 2
}

// thumbAdvanceITState shifts the IT block state by one instruction.
// IT[7:5] holds the base condition, IT[4:0] the block size mask.
func thumbAdvanceITState(itState uint32) uint32 {
	itState = (itState & 0xe0) | ((itState << 1) & 0x1f)
	if itState&0x0f == 0 {
		return 0
	}
	return itState
}

// thumbConditionalBlockNextPCs handles the "if-then" machinery: on an IT
// instruction itself it targets the first instruction that will execute;
// inside an IT block it may need two breakpoints, one on the following
// instruction and one on the first instruction past the same-condition
// run, because the current conditional instruction may change flags.
func thumbConditionalBlockNextPCs(tracer Tracer, pid int, ps uint32, currentPC uint64, inst1 uint16,
	nextPCs *[]swStepNextPC) bool {

	if inst1&0xff00 == 0xbf00 && inst1&0x000f != 0 { // IT instruction
		itState := uint32(inst1 & 0x00ff)
		nextPC := currentPC + thumbInstructionSize(inst1)

		for itState != 0 && !armConditionTrue(itState>>4, ps) {
			var ok bool
			if inst1, ok = readMem16(tracer, pid, nextPC); !ok {
				return false
			}
			nextPC += thumbInstructionSize(inst1)
			itState = thumbAdvanceITState(itState)
		}

		*nextPCs = append(*nextPCs, swStepNextPC{addr: nextPC, isThumb: true})
		return true
	}

	// IT[7:0] lives in CPSR bits [15:10, 26:25]
	itState := ((ps >> 8) & 0xfc) | ((ps >> 25) & 0x3)
	if itState == 0 {
		return true
	}

	if !armConditionTrue(itState>>4, ps) {
		// advance to the next instruction that will execute
		nextPC := currentPC + thumbInstructionSize(inst1)
		itState = thumbAdvanceITState(itState)

		for itState != 0 && !armConditionTrue(itState>>4, ps) {
			var ok bool
			if inst1, ok = readMem16(tracer, pid, nextPC); !ok {
				return false
			}
			nextPC += thumbInstructionSize(inst1)
			itState = thumbAdvanceITState(itState)
		}

		*nextPCs = append(*nextPCs, swStepNextPC{addr: nextPC, isThumb: true})
		return true
	}

	if itState&0x0f == 0x08 { // last instruction of the block
		return true
	}

	// The current instruction is conditional and may change flags; plant
	// on the following instruction and on the first one past the
	// same-condition run.
	nextPC := currentPC + thumbInstructionSize(inst1)
	*nextPCs = append(*nextPCs, swStepNextPC{addr: nextPC, isThumb: true})

	itState = thumbAdvanceITState(itState)
	negatedInitialCondition := (itState >> 4) & 1
	for {
		var ok bool
		if inst1, ok = readMem16(tracer, pid, nextPC); !ok {
			return false
		}
		nextPC += thumbInstructionSize(inst1)
		itState = thumbAdvanceITState(itState)
		if itState == 0 || (itState>>4)&1 != negatedInitialCondition {
			break
		}
	}

	*nextPCs = append(*nextPCs, swStepNextPC{addr: nextPC, isThumb: true})
	return true
}

// thumb16NextPC decodes the 16-bit control transfer instructions.
func thumb16NextPC(tracer Tracer, pid int, regs *Registers, ps uint32, currentPC uint64, inst1 uint16,
	nextPC *uint64, switchToThumb *bool) bool {

	switch utils.GetBits(uint32(inst1), 12, 15) {
	case 0x4: // BX/BLX register, MOV PC
		if inst1&0xff00 == 0x4700 { // BX REG, BLX REG
			if utils.GetBits(uint32(inst1), 3, 6) == armRegPC {
				*nextPC = currentPC + 4
				*switchToThumb = false
			} else {
				sourceReg := int(utils.GetBits(uint32(inst1), 3, 6))
				*nextPC = regs.Reg(sourceReg)
				*switchToThumb = *nextPC&1 != 0
				*nextPC &^= 1
			}
		} else if inst1&0xff87 == 0x4687 { // MOV PC, REG
			if utils.GetBits(uint32(inst1), 3, 6) == armRegPC {
				*nextPC = currentPC + 4
			} else {
				sourceReg := int(utils.GetBits(uint32(inst1), 3, 6))
				*nextPC = regs.Reg(sourceReg) &^ 1
			}
		}

	case 0xb: // POP {reglist, PC}, CBZ, CBNZ
		if inst1&0xff00 == 0xbd00 { // POP: PC is stored above the others
			offset := uint64(bits.OnesCount32(utils.GetBits(uint32(inst1), 0, 7))) * 4
			loaded, ok := readMem32(tracer, pid, regs.SP()+offset)
			if !ok {
				return false
			}
			*nextPC = uint64(loaded)
			if *nextPC&1 == 0 {
				*switchToThumb = false
			} else {
				*nextPC &^= 1
			}
		} else if inst1&0xf500 == 0xb100 { // CBZ / CBNZ
			operand := regs.Reg(int(utils.GetBits(uint32(inst1), 0, 2)))
			nonzero := utils.GetBit(uint32(inst1), 11) != 0
			if (nonzero && operand != 0) || (!nonzero && operand == 0) {
				imm := uint64(utils.GetBit(uint32(inst1), 9))<<6 + uint64(utils.GetBits(uint32(inst1), 3, 7))<<1
				*nextPC = currentPC + 4 + imm
			}
		}

	case 0xd: // conditional branch
		if inst1&0xf000 == 0xd000 {
			cond := utils.GetBits(uint32(inst1), 8, 11)
			if cond != instNV && armConditionTrue(cond, ps) {
				*nextPC = currentPC + 4 + uint64(int64(utils.GetSBits(uint32(inst1), 0, 7))<<1)
			}
		}

	case 0xe: // unconditional branch
		if inst1&0xf800 == 0xe000 {
			*nextPC = currentPC + 4 + uint64(int64(utils.GetSBits(uint32(inst1), 0, 10))<<1)
		}
	}
	return true
}

// thumb32NextPC decodes the 32-bit control transfer instructions: B/BL/BLX,
// SUBS PC, conditional branches, LDMIA/LDMDB, RFE, MOV PC, LDR PC, TBB,
// TBH.
func thumb32NextPC(tracer Tracer, pid int, regs *Registers, ps uint32, currentPC uint64,
	inst1, inst2 uint16, nextPC *uint64, switchToThumb *bool) bool {

	word32 := uint32(inst1) | uint32(inst2)<<16
	i1 := uint32(inst1)
	i2 := uint32(inst2)

	switch {
	case word32&0x8000f800 == 0x8000f000: // branches, miscellaneous control
		if i2&0x1000 != 0 || i2&0xd001 == 0xc000 { // B, BL, BLX
			imm1 := int32(utils.GetSBits(i1, 0, 10))
			imm2 := int32(utils.GetBits(i2, 0, 10))
			j1 := utils.GetBit(i2, 13)
			j2 := utils.GetBit(i2, 11)

			// I1 = NOT(J1 EOR S); I2 = NOT(J2 EOR S)
			// imm32 = SignExtend(S:I1:I2:imm10:imm11:'0', 32)
			offset := uint32(imm1<<12 + imm2<<1)
			offset ^= ((^j1)&1)<<23 | ((^j2)&1)<<22
			*nextPC = uint64(uint32(currentPC) + 4 + offset)

			if utils.GetBit(i2, 12) == 0 { // BLX targets ARM state, aligned
				*switchToThumb = false
				*nextPC &= 0xfffffffc
			}
		} else if inst1 == 0xf3de && i2&0xff00 == 0x3f00 { // SUBS PC, LR, #imm8
			*nextPC = regs.LR() - uint64(i2&0x00ff)
		} else if i2&0xd000 == 0x8000 && i1&0x0380 != 0x0380 { // conditional branch
			if armConditionTrue(utils.GetBits(i1, 6, 9), ps) {
				sign := int64(utils.GetSBits(i1, 10, 10))
				imm1 := int64(utils.GetBits(i1, 0, 5))
				imm2 := int64(utils.GetBits(i2, 0, 10))
				j1 := int64(utils.GetBit(i2, 13))
				j2 := int64(utils.GetBit(i2, 11))

				offset := sign<<20 + j2<<19 + j1<<18 + imm1<<12 + imm2<<1
				*nextPC = currentPC + 4 + uint64(offset)
			}
		}

	case word32&0x2000ffd0 == 0x0000e890 || word32&0x2000ffd0 == 0x0000e910: // LDMIA / LDMDB
		if utils.GetBit(i2, armRegPC) == 0 {
			return true
		}
		var offset int64
		if utils.GetBit(i1, 7) != 0 && utils.GetBit(i1, 8) == 0 { // LDMIA
			offset = int64(bits.OnesCount16(inst2))*4 - 4
		} else if utils.GetBit(i1, 7) == 0 && utils.GetBit(i1, 8) != 0 { // LDMDB
			offset = -4
		} else {
			return true
		}
		baseReg := int(utils.GetBits(i1, 0, 3))
		loaded, ok := readMem32(tracer, pid, uint64(int64(regs.Reg(baseReg))+offset))
		if !ok {
			return false
		}
		*nextPC = uint64(loaded)
		if *nextPC&1 == 0 {
			*switchToThumb = false
		} else {
			*nextPC &^= 1
		}

	case word32&0xffffffd0 == 0xc000e990 || word32&0xffffffd0 == 0xc000e810: // RFEDB / RFEIA
		var offset int64
		if utils.GetBit(i1, 7) != 0 && utils.GetBit(i1, 8) != 0 { // RFEIA
			offset = 0
		} else if utils.GetBit(i1, 7) == 0 && utils.GetBit(i1, 8) == 0 { // RFEDB
			offset = -8
		} else {
			return true
		}
		baseReg := int(utils.GetBits(i1, 0, 3))
		base := uint64(int64(regs.Reg(baseReg)) + offset)
		loaded, ok := readMem32(tracer, pid, base)
		if !ok {
			return false
		}
		nextCPSR, ok := readMem32(tracer, pid, base+4)
		if !ok {
			return false
		}
		*nextPC = uint64(loaded)
		*switchToThumb = nextCPSR&cpsrThumbBit != 0

	case word32&0xf0f0ffef == 0x0000ea4f: // MOV{S} with register source
		if utils.GetBits(i2, 8, 11) == armRegPC {
			*nextPC = regs.Reg(int(utils.GetBits(i2, 0, 3)))
		}

	case word32&0xfff0fff0 == 0xf000e8d0: // TBB
		table := tableBase(regs, currentPC, i1)
		offset := regs.Reg(int(utils.GetBits(i2, 0, 3)))
		entry, ok := readMem8(tracer, pid, table+offset)
		if !ok {
			return false
		}
		*nextPC = currentPC + 4 + 2*uint64(entry)

	case word32&0xfff0fff0 == 0xf010e8d0: // TBH
		table := tableBase(regs, currentPC, i1)
		offset := 2 * regs.Reg(int(utils.GetBits(i2, 0, 3)))
		entry, ok := readMem16(tracer, pid, table+offset)
		if !ok {
			return false
		}
		*nextPC = currentPC + 4 + 2*uint64(entry)

	case word32&0xf000ff70 == 0xf000f850: // LDR with Rd = PC
		rn := int(utils.GetBits(i1, 0, 3))
		base := regs.Reg(rn)
		load := func(addr uint64) bool {
			loaded, ok := readMem32(tracer, pid, addr)
			if !ok {
				return false
			}
			*nextPC = uint64(loaded)
			return true
		}
		if rn == armRegPC {
			base = (currentPC + 4) &^ 0x3
			if utils.GetBit(i1, 7) != 0 {
				base += uint64(utils.GetBits(i2, 0, 11))
			} else {
				base -= uint64(utils.GetBits(i2, 0, 11))
			}
			return load(base)
		}
		if utils.GetBit(i1, 7) != 0 { // imm12
			return load(base + uint64(utils.GetBits(i2, 0, 11)))
		}
		if utils.GetBit(i2, 11) != 0 { // imm8, pre/post indexed
			if utils.GetBit(i2, 10) != 0 {
				if utils.GetBit(i2, 9) != 0 {
					base += uint64(utils.GetBits(i2, 0, 7))
				} else {
					base -= uint64(utils.GetBits(i2, 0, 7))
				}
			}
			return load(base)
		}
		if i2&0x0fc0 == 0x0000 { // register offset with shift
			shift := utils.GetBits(i2, 4, 5)
			rm := int(utils.GetBits(i2, 0, 3))
			return load(base + regs.Reg(rm)<<shift)
		}
	}
	return true
}

// tableBase resolves the TBB/TBH table register, PC meaning the prefetched
// address.
func tableBase(regs *Registers, currentPC uint64, i1 uint32) uint64 {
	tableReg := int(utils.GetBits(i1, 0, 3))
	if tableReg == armRegPC {
		return currentPC + 4
	}
	return regs.Reg(tableReg)
}

// fixThumbNextPCs rewrites next PCs landing in the kernel helper page: a
// BL/BLX resumes at the following instruction, everything else at LR.
func fixThumbNextPCs(tracer Tracer, pid int, regs *Registers, nextPCs []swStepNextPC) bool {
	currentPC := regs.PC()

	for i := range nextPCs {
		if nextPCs[i].addr <= kernelHelperPage {
			continue
		}

		isBLorBLX := false
		incrPC := uint64(0)
		inst1, ok := readMem16(tracer, pid, currentPC)
		if !ok {
			return false
		}

		if utils.GetBits(uint32(inst1), 8, 15) == 0x47 && utils.GetBit(uint32(inst1), 7) != 0 { // BLX register
			isBLorBLX = true
			incrPC = 2
		} else if thumbInstructionSize(inst1) == 4 {
			inst2, ok := readMem16(tracer, pid, currentPC+2)
			if !ok {
				return false
			}
			if inst1&0xf800 == 0xf000 && utils.GetBits(uint32(inst2), 14, 15) == 0x3 { // BL / BLX <label>
				isBLorBLX = true
				incrPC = 4
			}
		}

		nextPCs[i].isThumb = true
		if isBLorBLX {
			nextPCs[i].addr = currentPC + incrPC
		} else {
			nextPCs[i].addr = regs.LR()
		}
	}
	return true
}

// thumbCodeNextPCs decodes one Thumb instruction (with IT block handling).
func thumbCodeNextPCs(tracer Tracer, pid int, regs *Registers) ([]swStepNextPC, bool) {
	currentPC := regs.PC()
	word32, ok := readMem32(tracer, pid, currentPC)
	if !ok {
		return nil, false
	}
	inst1 := uint16(word32)
	inst2 := uint16(word32 >> 16)
	ps := uint32(regs.CPSR())

	var nextPCs []swStepNextPC
	if !thumbConditionalBlockNextPCs(tracer, pid, ps, currentPC, inst1, &nextPCs) {
		return nil, false
	}
	if len(nextPCs) == 0 {
		nextPC := currentPC + 2
		switchToThumb := true

		if !IsThumbOpcode32Bits(uint32(inst1)) {
			if !thumb16NextPC(tracer, pid, regs, ps, currentPC, inst1, &nextPC, &switchToThumb) {
				return nil, false
			}
		} else {
			nextPC = currentPC + 4
			if !thumb32NextPC(tracer, pid, regs, ps, currentPC, inst1, inst2, &nextPC, &switchToThumb) {
				return nil, false
			}
		}
		nextPCs = append(nextPCs, swStepNextPC{addr: nextPC, isThumb: switchToThumb})
	}

	if !fixThumbNextPCs(tracer, pid, regs, nextPCs) {
		return nil, false
	}
	return nextPCs, true
}

// arm32NextPCs computes the possible next PC set for the current ARM32
// instruction in either execution state.
func arm32NextPCs(tracer Tracer, pid int, regs *Registers) ([]swStepNextPC, bool) {
	if armIsExecutingThumb(regs) {
		return thumbCodeNextPCs(tracer, pid, regs)
	}
	return armCodeNextPCs(tracer, pid, regs)
}
