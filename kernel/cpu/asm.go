package cpu

import (
	"math"

	"strideos/kernel"
)

var (
	ErrUndefinedLabel = &kernel.Error{Module: "asm", Message: "branch to undefined label"}
	ErrDuplicateLabel = &kernel.Error{Module: "asm", Message: "label defined more than once"}
	ErrImmRange       = &kernel.Error{Module: "asm", Message: "immediate does not fit in 32 bits"}
)

type fixup struct {
	index int
	label string
}

// Assembler builds position-independent machine code. Branches and jumps
// refer to labels which are resolved to PC-relative offsets by Assemble.
type Assembler struct {
	code   []Instruction
	labels map[string]int
	fixups []fixup
	err    *kernel.Error
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[string]int)}
}

func (a *Assembler) emit(in Instruction) *Assembler {
	a.code = append(a.code, in)
	return a
}

func (a *Assembler) emitBranch(in Instruction, label string) *Assembler {
	a.fixups = append(a.fixups, fixup{index: len(a.code), label: label})
	return a.emit(in)
}

func (a *Assembler) imm(v int64) int32 {
	if v < math.MinInt32 || v > math.MaxInt32 {
		a.fail(ErrImmRange)
		return 0
	}
	return int32(v)
}

func (a *Assembler) fail(err *kernel.Error) {
	if a.err == nil {
		a.err = err
	}
}

// Label binds name to the address of the next instruction.
func (a *Assembler) Label(name string) *Assembler {
	if _, exists := a.labels[name]; exists {
		a.fail(ErrDuplicateLabel)
	}
	a.labels[name] = len(a.code)
	return a
}

func (a *Assembler) LI(rd Reg, v int64) *Assembler {
	return a.emit(Instruction{Op: OpLI, Rd: rd, Imm: a.imm(v)})
}

func (a *Assembler) ADDI(rd, rs1 Reg, v int64) *Assembler {
	return a.emit(Instruction{Op: OpADDI, Rd: rd, Rs1: rs1, Imm: a.imm(v)})
}

func (a *Assembler) SLLI(rd, rs1 Reg, shamt int64) *Assembler {
	return a.emit(Instruction{Op: OpSLLI, Rd: rd, Rs1: rs1, Imm: a.imm(shamt)})
}

func (a *Assembler) ADD(rd, rs1, rs2 Reg) *Assembler {
	return a.emit(Instruction{Op: OpADD, Rd: rd, Rs1: rs1, Rs2: rs2})
}

func (a *Assembler) SUB(rd, rs1, rs2 Reg) *Assembler {
	return a.emit(Instruction{Op: OpSUB, Rd: rd, Rs1: rs1, Rs2: rs2})
}

func (a *Assembler) MUL(rd, rs1, rs2 Reg) *Assembler {
	return a.emit(Instruction{Op: OpMUL, Rd: rd, Rs1: rs1, Rs2: rs2})
}

// LD loads the doubleword at off(base) into rd.
func (a *Assembler) LD(rd, base Reg, off int64) *Assembler {
	return a.emit(Instruction{Op: OpLD, Rd: rd, Rs1: base, Imm: a.imm(off)})
}

// SD stores src to the doubleword at off(base).
func (a *Assembler) SD(src, base Reg, off int64) *Assembler {
	return a.emit(Instruction{Op: OpSD, Rs1: base, Rs2: src, Imm: a.imm(off)})
}

// LBU loads the byte at off(base) into rd, zero extended.
func (a *Assembler) LBU(rd, base Reg, off int64) *Assembler {
	return a.emit(Instruction{Op: OpLBU, Rd: rd, Rs1: base, Imm: a.imm(off)})
}

// SB stores the low byte of src to off(base).
func (a *Assembler) SB(src, base Reg, off int64) *Assembler {
	return a.emit(Instruction{Op: OpSB, Rs1: base, Rs2: src, Imm: a.imm(off)})
}

func (a *Assembler) BEQ(rs1, rs2 Reg, label string) *Assembler {
	return a.emitBranch(Instruction{Op: OpBEQ, Rs1: rs1, Rs2: rs2}, label)
}

func (a *Assembler) BNE(rs1, rs2 Reg, label string) *Assembler {
	return a.emitBranch(Instruction{Op: OpBNE, Rs1: rs1, Rs2: rs2}, label)
}

// BLT branches when rs1 < rs2 as signed integers.
func (a *Assembler) BLT(rs1, rs2 Reg, label string) *Assembler {
	return a.emitBranch(Instruction{Op: OpBLT, Rs1: rs1, Rs2: rs2}, label)
}

func (a *Assembler) JAL(rd Reg, label string) *Assembler {
	return a.emitBranch(Instruction{Op: OpJAL, Rd: rd}, label)
}

func (a *Assembler) JALR(rd, rs1 Reg, off int64) *Assembler {
	return a.emit(Instruction{Op: OpJALR, Rd: rd, Rs1: rs1, Imm: a.imm(off)})
}

func (a *Assembler) ECALL() *Assembler {
	return a.emit(Instruction{Op: OpECALL})
}

// J jumps to label.
func (a *Assembler) J(label string) *Assembler {
	return a.JAL(Zero, label)
}

// MV copies rs into rd.
func (a *Assembler) MV(rd, rs Reg) *Assembler {
	return a.ADDI(rd, rs, 0)
}

// Call jumps to label saving the return address in RA.
func (a *Assembler) Call(label string) *Assembler {
	return a.JAL(RA, label)
}

// Ret returns to the address held in RA.
func (a *Assembler) Ret() *Assembler {
	return a.JALR(Zero, RA, 0)
}

// Syscall loads the syscall id into a7 and traps.
func (a *Assembler) Syscall(id int64) *Assembler {
	return a.LI(A7, id).ECALL()
}

// Raw emits an arbitrary instruction word.
func (a *Assembler) Raw(in Instruction) *Assembler {
	return a.emit(in)
}

// Len returns the size in bytes of the code emitted so far.
func (a *Assembler) Len() int {
	return len(a.code) * InstructionSize
}

// Assemble resolves labels and returns the encoded program.
func (a *Assembler) Assemble() ([]byte, *kernel.Error) {
	if a.err != nil {
		return nil, a.err
	}

	code := make([]Instruction, len(a.code))
	copy(code, a.code)
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, ErrUndefinedLabel
		}
		code[f.index].Imm = int32((target - f.index) * InstructionSize)
	}

	out := make([]byte, len(code)*InstructionSize)
	for i, in := range code {
		in.Encode(out[i*InstructionSize:])
	}
	return out, nil
}
