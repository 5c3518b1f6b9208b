package cpu

import (
	"encoding/binary"
	"sync/atomic"

	"strideos/kernel"
	"strideos/kernel/mm"
)

// Bus performs MMU-checked accesses to the address space of the running
// task.
type Bus interface {
	Load(virtAddr uintptr, buf []byte, access mm.Access) *kernel.Error
	Store(virtAddr uintptr, buf []byte, access mm.Access) *kernel.Error
}

// Hart is a software hardware thread that executes user instructions until
// they trap into the kernel.
type Hart struct {
	pending   atomic.Bool
	disabled  atomic.Bool
	activePDT atomic.Uint64
	retired   atomic.Uint64
}

// NewHart returns a hart with interrupts enabled.
func NewHart() *Hart {
	return &Hart{}
}

// EnableInterrupts enables interrupt handling.
func (h *Hart) EnableInterrupts() {
	h.disabled.Store(false)
}

// DisableInterrupts disables interrupt handling. Interrupts raised while
// disabled stay pending.
func (h *Hart) DisableInterrupts() {
	h.disabled.Store(true)
}

// RaiseTimerInterrupt marks a timer interrupt as pending. It is observed at
// the next instruction boundary. Safe to call from any goroutine.
func (h *Hart) RaiseTimerInterrupt() {
	h.pending.Store(true)
}

// SwitchPDT records the token of the page table used by the next Run.
func (h *Hart) SwitchPDT(token uint64) {
	h.activePDT.Store(token)
}

// ActivePDT returns the token of the active page table.
func (h *Hart) ActivePDT() uint64 {
	return h.activePDT.Load()
}

// Retired returns the number of instructions executed since the hart was
// created.
func (h *Hart) Retired() uint64 {
	return h.retired.Load()
}

// takeInterrupt consumes a pending interrupt if interrupts are enabled.
func (h *Hart) takeInterrupt() bool {
	return !h.disabled.Load() && h.pending.CompareAndSwap(true, false)
}

// Run executes instructions from tc through bus until a trap occurs. A
// budget of zero lets the hart run until it traps on its own; otherwise a
// timer trap is raised after budget instructions retire.
func (h *Hart) Run(tc *TrapContext, bus Bus, budget uint64) Trap {
	var (
		raw      [InstructionSize]byte
		word     [8]byte
		executed uint64
	)

	for {
		if h.takeInterrupt() || (budget != 0 && executed >= budget) {
			return Trap{Cause: CauseTimer, Addr: tc.PC}
		}

		if err := bus.Load(uintptr(tc.PC), raw[:], mm.AccessExec); err != nil {
			return Trap{Cause: CauseFetchFault, Addr: tc.PC}
		}

		in := Decode(raw[:])
		if !in.valid() {
			return Trap{Cause: CauseIllegal, Addr: tc.PC}
		}

		var (
			x      = &tc.X
			nextPC = tc.PC + InstructionSize
			imm    = uint64(int64(in.Imm))
		)

		switch in.Op {
		case OpLI:
			x[in.Rd] = imm
		case OpADDI:
			x[in.Rd] = x[in.Rs1] + imm
		case OpSLLI:
			x[in.Rd] = x[in.Rs1] << (imm & 63)
		case OpADD:
			x[in.Rd] = x[in.Rs1] + x[in.Rs2]
		case OpSUB:
			x[in.Rd] = x[in.Rs1] - x[in.Rs2]
		case OpMUL:
			x[in.Rd] = x[in.Rs1] * x[in.Rs2]
		case OpLD:
			addr := x[in.Rs1] + imm
			if err := bus.Load(uintptr(addr), word[:], mm.AccessRead); err != nil {
				return Trap{Cause: CauseLoadFault, Addr: addr}
			}
			x[in.Rd] = binary.LittleEndian.Uint64(word[:])
		case OpLBU:
			addr := x[in.Rs1] + imm
			if err := bus.Load(uintptr(addr), word[:1], mm.AccessRead); err != nil {
				return Trap{Cause: CauseLoadFault, Addr: addr}
			}
			x[in.Rd] = uint64(word[0])
		case OpSD:
			addr := x[in.Rs1] + imm
			binary.LittleEndian.PutUint64(word[:], x[in.Rs2])
			if err := bus.Store(uintptr(addr), word[:], mm.AccessWrite); err != nil {
				return Trap{Cause: CauseStoreFault, Addr: addr}
			}
		case OpSB:
			addr := x[in.Rs1] + imm
			word[0] = byte(x[in.Rs2])
			if err := bus.Store(uintptr(addr), word[:1], mm.AccessWrite); err != nil {
				return Trap{Cause: CauseStoreFault, Addr: addr}
			}
		case OpBEQ:
			if x[in.Rs1] == x[in.Rs2] {
				nextPC = tc.PC + imm
			}
		case OpBNE:
			if x[in.Rs1] != x[in.Rs2] {
				nextPC = tc.PC + imm
			}
		case OpBLT:
			if int64(x[in.Rs1]) < int64(x[in.Rs2]) {
				nextPC = tc.PC + imm
			}
		case OpJAL:
			x[in.Rd] = nextPC
			nextPC = tc.PC + imm
		case OpJALR:
			target := x[in.Rs1] + imm
			x[in.Rd] = nextPC
			nextPC = target
		case OpECALL:
			h.retired.Add(1)
			return Trap{Cause: CauseSyscall, Addr: tc.PC}
		}

		// x0 is hard-wired to zero
		x[Zero] = 0
		tc.PC = nextPC
		executed++
		h.retired.Add(1)
	}
}
