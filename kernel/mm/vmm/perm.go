package vmm

// Perm holds the permission bits of a mapped region. The values line up with
// the corresponding page table entry flags.
type Perm uint8

const (
	PermR = Perm(FlagRead)
	PermW = Perm(FlagWrite)
	PermX = Perm(FlagExec)
	PermU = Perm(FlagUser)
)

// flags converts p to page table entry flags.
func (p Perm) flags() PageTableEntryFlag {
	return PageTableEntryFlag(p)
}

// String renders p in the familiar rwxu notation.
func (p Perm) String() string {
	out := []byte("----")
	for i, bit := range []Perm{PermR, PermW, PermX, PermU} {
		if p&bit != 0 {
			out[i] = "rwxu"[i]
		}
	}
	return string(out)
}

// Prot holds the protection bits requested by user code when mapping
// anonymous memory.
type Prot uint64

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec

	// ProtMask covers every valid protection bit.
	ProtMask = ProtRead | ProtWrite | ProtExec
)

// Perm converts prot to the permission bits of a user mapping.
func (prot Prot) Perm() Perm {
	perm := PermU
	if prot&ProtRead != 0 {
		perm |= PermR
	}
	if prot&ProtWrite != 0 {
		perm |= PermW
	}
	if prot&ProtExec != 0 {
		perm |= PermX
	}
	return perm
}

// RegionKind describes what a region of an address space is used for.
type RegionKind uint8

const (
	// KindSegment regions hold the contents of a program image.
	KindSegment RegionKind = iota

	// KindStack is the user stack.
	KindStack

	// KindHeap spans the program break.
	KindHeap

	// KindAnonymous regions are created by user mapping requests.
	KindAnonymous
)

func (k RegionKind) String() string {
	switch k {
	case KindSegment:
		return "segment"
	case KindStack:
		return "stack"
	case KindHeap:
		return "heap"
	case KindAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}
