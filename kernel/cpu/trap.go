package cpu

import "fmt"

// TrapContext holds the user state saved when a hart traps into the kernel.
type TrapContext struct {
	X  [NumRegs]uint64
	PC uint64
}

// NewTrapContext returns the initial user state of a program that starts at
// entry with its stack pointer set to sp.
func NewTrapContext(entry, sp uint64) TrapContext {
	var tc TrapContext
	tc.PC = entry
	tc.X[SP] = sp
	return tc
}

// TrapCause identifies why the hart stopped executing user code.
type TrapCause uint8

const (
	// CauseSyscall is raised by ECALL. The PC still points at the ECALL.
	CauseSyscall TrapCause = iota

	// CauseTimer is raised by a timer interrupt or an exhausted budget.
	CauseTimer

	CauseLoadFault
	CauseStoreFault
	CauseFetchFault
	CauseIllegal
)

func (c TrapCause) String() string {
	switch c {
	case CauseSyscall:
		return "syscall"
	case CauseTimer:
		return "timer"
	case CauseLoadFault:
		return "load fault"
	case CauseStoreFault:
		return "store fault"
	case CauseFetchFault:
		return "fetch fault"
	case CauseIllegal:
		return "illegal instruction"
	default:
		return fmt.Sprintf("cause(%d)", uint8(c))
	}
}

// IsFault returns true for memory access faults.
func (c TrapCause) IsFault() bool {
	return c == CauseLoadFault || c == CauseStoreFault || c == CauseFetchFault
}

// Trap describes the event that returned control to the kernel. Addr holds
// the faulting address for memory faults and the PC otherwise.
type Trap struct {
	Cause TrapCause
	Addr  uint64
}
