package vmm

const (
	// pageLevels indicates the number of page table levels walked by the
	// MMU. Each level consumes 9 bits of the virtual address which gives a
	// 39-bit user address space.
	pageLevels = 3

	// ptePPNShift is the bit position of the physical page number inside a
	// page table entry.
	ptePPNShift = 10

	// ptePPNMask extracts the 44-bit physical page number from an entry.
	ptePPNMask = uint64((1<<44)-1) << ptePPNShift

	// MaxVirtAddr is the first virtual address past the end of the
	// addressable user space.
	MaxVirtAddr = uintptr(1) << 39

	// entriesPerTable is the number of entries stored in a page-sized table.
	entriesPerTable = 512
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		30,
		21,
		12,
	}
)
