// Package cpu implements the user instruction set and the software hart that
// executes it.
package cpu

import (
	"encoding/binary"
	"fmt"
)

// InstructionSize is the size of an encoded instruction in bytes.
const InstructionSize = 8

// Reg identifies one of the 32 general purpose registers.
type Reg uint8

// Register ABI names.
const (
	Zero Reg = 0
	RA   Reg = 1
	SP   Reg = 2
	T0   Reg = 5
	T1   Reg = 6
	T2   Reg = 7
	S0   Reg = 8
	S1   Reg = 9
	A0   Reg = 10
	A1   Reg = 11
	A2   Reg = 12
	A3   Reg = 13
	A4   Reg = 14
	A5   Reg = 15
	A6   Reg = 16
	A7   Reg = 17
	S2   Reg = 18
	S3   Reg = 19
	S4   Reg = 20
	S5   Reg = 21

	// NumRegs is the size of the register file.
	NumRegs = 32
)

// Opcode selects the operation performed by an instruction. The zero opcode
// is illegal so that executing zero-filled memory traps.
type Opcode uint8

const (
	OpIllegal Opcode = iota
	OpLI
	OpADDI
	OpSLLI
	OpADD
	OpSUB
	OpMUL
	OpLD
	OpSD
	OpLBU
	OpSB
	OpBEQ
	OpBNE
	OpBLT
	OpJAL
	OpJALR
	OpECALL

	opCount
)

var opNames = [opCount]string{
	"illegal", "li", "addi", "slli", "add", "sub", "mul", "ld", "sd",
	"lbu", "sb", "beq", "bne", "blt", "jal", "jalr", "ecall",
}

func (op Opcode) String() string {
	if op < opCount {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Instruction is a decoded instruction. The encoded form is
// [op rd rs1 rs2 imm32] with the immediate stored little endian.
type Instruction struct {
	Op  Opcode
	Rd  Reg
	Rs1 Reg
	Rs2 Reg
	Imm int32
}

// Encode writes the instruction to buf which must be at least
// InstructionSize bytes long.
func (in Instruction) Encode(buf []byte) {
	buf[0] = byte(in.Op)
	buf[1] = byte(in.Rd)
	buf[2] = byte(in.Rs1)
	buf[3] = byte(in.Rs2)
	binary.LittleEndian.PutUint32(buf[4:], uint32(in.Imm))
}

// Decode parses an encoded instruction.
func Decode(buf []byte) Instruction {
	return Instruction{
		Op:  Opcode(buf[0]),
		Rd:  Reg(buf[1]),
		Rs1: Reg(buf[2]),
		Rs2: Reg(buf[3]),
		Imm: int32(binary.LittleEndian.Uint32(buf[4:])),
	}
}

// valid returns false for unknown opcodes and out of range registers.
func (in Instruction) valid() bool {
	return in.Op != OpIllegal && in.Op < opCount &&
		in.Rd < NumRegs && in.Rs1 < NumRegs && in.Rs2 < NumRegs
}

func (in Instruction) String() string {
	switch in.Op {
	case OpLI, OpJAL:
		return fmt.Sprintf("%s x%d, %d", in.Op, in.Rd, in.Imm)
	case OpADDI, OpSLLI, OpJALR:
		return fmt.Sprintf("%s x%d, x%d, %d", in.Op, in.Rd, in.Rs1, in.Imm)
	case OpADD, OpSUB, OpMUL:
		return fmt.Sprintf("%s x%d, x%d, x%d", in.Op, in.Rd, in.Rs1, in.Rs2)
	case OpLD, OpLBU:
		return fmt.Sprintf("%s x%d, %d(x%d)", in.Op, in.Rd, in.Imm, in.Rs1)
	case OpSD, OpSB:
		return fmt.Sprintf("%s x%d, %d(x%d)", in.Op, in.Rs2, in.Imm, in.Rs1)
	case OpBEQ, OpBNE, OpBLT:
		return fmt.Sprintf("%s x%d, x%d, %d", in.Op, in.Rs1, in.Rs2, in.Imm)
	default:
		return in.Op.String()
	}
}
