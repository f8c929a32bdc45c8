package interop

import (
	"github.com/Manu343726/garrapata/pkg/utils"
)

// RISC-V64 software single step: decode the current instruction and compute
// the exact next PC the way the hardware would.

// riscvReg reads an x-register for the decoder (x0 is hardwired zero).
func riscvReg(regs *Registers, reg uint64) uint64 {
	return regs.Reg(int(reg))
}

// riscv16NextPC decodes compressed control transfer instructions: C.J,
// C.JR, C.JALR, C.BEQZ, C.BNEZ. Everything else falls through to PC+2.
// (C.JAL is RV32 only.)
func riscv16NextPC(regs *Registers, opcode uint16) uint64 {
	currentPC := regs.PC()
	nextPC := currentPC + 2

	op := uint64(opcode)
	switch {
	case opcode&0xe003 == 0xa001: // C.J
		// CJ immediate: offset[11|4|9:8|10|6|7|3:1|5]
		imm := utils.SignExtend(
			utils.BitExtract(op, 5, 3, false)<<1|
				utils.BitExtract(op, 11, 11, false)<<4|
				utils.BitExtract(op, 2, 2, false)<<5|
				utils.BitExtract(op, 7, 7, false)<<6|
				utils.BitExtract(op, 6, 6, false)<<7|
				utils.BitExtract(op, 10, 9, false)<<8|
				utils.BitExtract(op, 8, 8, false)<<10|
				utils.BitExtract(op, 12, 12, false)<<11, 11)
		nextPC = currentPC + imm

	case opcode&0xe07f == 0x8002: // C.JR and C.JALR differ by one bit
		rs1 := utils.BitExtract(op, 11, 7, false)
		if rs1 != 0 {
			nextPC = riscvReg(regs, rs1)
		}

	case opcode&0xc003 == 0xc001: // C.BEQZ and C.BNEZ differ by one bit
		// CB immediate: offset[8|4:3|7:6|2:1|5]
		imm := utils.SignExtend(
			utils.BitExtract(op, 4, 3, false)<<1|
				utils.BitExtract(op, 11, 10, false)<<3|
				utils.BitExtract(op, 2, 2, false)<<5|
				utils.BitExtract(op, 6, 5, false)<<6|
				utils.BitExtract(op, 12, 12, false)<<8, 8)

		// rs1' selects x8..x15
		rs1Value := riscvReg(regs, 8+utils.BitExtract(op, 9, 7, false))
		taken := rs1Value == 0
		if utils.BitExtract(op, 13, 13, false) != 0 { // C.BNEZ
			taken = rs1Value != 0
		}
		if taken {
			nextPC = currentPC + imm
		}
	}
	return nextPC
}

// riscv32NextPC decodes JAL, JALR and the conditional branches.
func riscv32NextPC(regs *Registers, opcode uint32) uint64 {
	currentPC := regs.PC()
	nextPC := currentPC + 4

	op := uint64(opcode)
	switch {
	case opcode&0x7f == 0x6f: // JAL
		// J immediate: offset[20|10:1|11|19:12]
		imm := utils.SignExtend(
			utils.BitExtract(op, 30, 21, false)<<1|
				utils.BitExtract(op, 20, 20, false)<<11|
				utils.BitExtract(op, 19, 12, false)<<12|
				utils.BitExtract(op, 31, 31, false)<<20, 20)
		nextPC = currentPC + imm

	case opcode&0x707f == 0x67: // JALR
		imm := utils.BitExtract(op, 31, 20, true)
		rs1 := utils.BitExtract(op, 19, 15, false)
		nextPC = (riscvReg(regs, rs1) + imm) &^ 1

	case opcode&0x707f == 0x63 || opcode&0x707f == 0x1063 ||
		opcode&0x707f == 0x4063 || opcode&0x707f == 0x5063: // BEQ/BNE/BLT/BGE
		rs1Value := int64(riscvReg(regs, utils.BitExtract(op, 19, 15, false)))
		rs2Value := int64(riscvReg(regs, utils.BitExtract(op, 24, 20, false)))

		taken := false
		switch opcode & 0x707f {
		case 0x63:
			taken = rs1Value == rs2Value
		case 0x1063:
			taken = rs1Value != rs2Value
		case 0x4063:
			taken = rs1Value < rs2Value
		case 0x5063:
			taken = rs1Value >= rs2Value
		}
		if taken {
			nextPC = currentPC + riscvBranchOffset(op)
		}

	case opcode&0x707f == 0x6063 || opcode&0x707f == 0x7063: // BLTU/BGEU
		rs1Value := riscvReg(regs, utils.BitExtract(op, 19, 15, false))
		rs2Value := riscvReg(regs, utils.BitExtract(op, 24, 20, false))

		taken := rs1Value < rs2Value
		if opcode&0x707f == 0x7063 {
			taken = rs1Value >= rs2Value
		}
		if taken {
			nextPC = currentPC + riscvBranchOffset(op)
		}
	}
	return nextPC
}

// riscvBranchOffset extracts the B-type immediate: offset[12|10:5|4:1|11].
func riscvBranchOffset(op uint64) uint64 {
	return utils.SignExtend(
		utils.BitExtract(op, 11, 8, false)<<1|
			utils.BitExtract(op, 30, 25, false)<<5|
			utils.BitExtract(op, 7, 7, false)<<11|
			utils.BitExtract(op, 31, 31, false)<<12, 12)
}

// riscvNextPC reads the current instruction and computes the next PC.
func riscvNextPC(tracer Tracer, pid int, regs *Registers) (uint64, bool) {
	word, err := tracer.PeekWord(pid, regs.PC())
	if err != nil {
		return 0, false
	}
	if IsOpcode16Bits(uint32(word)) {
		return riscv16NextPC(regs, uint16(word)), true
	}
	return riscv32NextPC(regs, uint32(word)), true
}
