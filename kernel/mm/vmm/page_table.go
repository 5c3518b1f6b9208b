package vmm

import (
	"strideos/kernel"
	"strideos/kernel/mm"
)

// satpModeSV39 is the translation mode encoded in the upper bits of a token.
const satpModeSV39 = uint64(8) << 60

// PageTable is a three-level page table whose tables live in frames handed
// out by a frame allocator. Leaf frames are owned by the caller; the page
// table only owns the frames that hold the tables themselves.
type PageTable struct {
	frames mm.FrameAllocator
	root   mm.Frame

	// tables lists every frame used for a table, root included.
	tables []mm.Frame
}

// NewPageTable allocates an empty root table.
func NewPageTable(frames mm.FrameAllocator) (*PageTable, *kernel.Error) {
	root, err := frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	return &PageTable{
		frames: frames,
		root:   root,
		tables: []mm.Frame{root},
	}, nil
}

// Token returns the value that a hart would load into its translation
// register to activate this table.
func (pt *PageTable) Token() uint64 {
	return satpModeSV39 | uint64(pt.root)
}

// TableFrames returns the number of frames used by the tables.
func (pt *PageTable) TableFrames() int {
	return len(pt.tables)
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Map allocates any missing intermediate tables. Mapping a page that
// already has a valid leaf entry fails with ErrAlreadyMapped.
func (pt *PageTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if page.Address() >= MaxVirtAddr {
		return ErrAddressRange
	}

	var err *kernel.Error

	pt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as valid
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagValid) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagValid)
			return true
		}

		// Next table does not yet exist; frames come back zeroed so the
		// new table starts with every entry invalid.
		if !pte.HasFlags(FlagValid) {
			var newTableFrame mm.Frame
			newTableFrame, err = pt.frames.AllocFrame()
			if err != nil {
				return false
			}
			pt.tables = append(pt.tables, newTableFrame)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagValid)
		}

		return true
	})

	return err
}

// Unmap removes a mapping previously installed via a call to Map and
// returns the frame it pointed to.
func (pt *PageTable) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	var (
		err   *kernel.Error
		frame = mm.InvalidFrame
	)

	if page.Address() >= MaxVirtAddr {
		return frame, ErrInvalidMapping
	}

	pt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagValid) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 {
			frame = pte.Frame()
			*pte = 0
		}

		return true
	})

	return frame, err
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address. The function performs a page table walk till
// it reaches the final page table entry returning ErrInvalidMapping if the
// page is not present.
func (pt *PageTable) pteForAddress(virtAddr uintptr) (pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry pageTableEntry
	)

	if virtAddr >= MaxVirtAddr {
		return 0, ErrInvalidMapping
	}

	pt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagValid) {
			entry = 0
			err = ErrInvalidMapping
			return false
		}

		entry = *pte
		return true
	})

	return entry, err
}

// Translate returns the physical address and the entry flags that correspond
// to the supplied virtual address or ErrInvalidMapping if the virtual address
// does not correspond to a mapped physical address.
func (pt *PageTable) Translate(virtAddr uintptr) (uintptr, PageTableEntryFlag, *kernel.Error) {
	pte, err := pt.pteForAddress(virtAddr)
	if err != nil {
		return 0, 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	physAddr := pte.Frame().Address() + PageOffset(virtAddr)
	return physAddr, pte.Flags(), nil
}

// resolve performs an MMU-checked translation for a user access. The leaf
// entry must be valid, user-accessible and carry the flags required by
// access; the accessed and dirty bits are updated on success.
func (pt *PageTable) resolve(virtAddr uintptr, access mm.Access) (mm.Frame, *kernel.Error) {
	if virtAddr >= MaxVirtAddr {
		return mm.InvalidFrame, ErrPageFault
	}

	required := FlagUser
	if access&mm.AccessRead != 0 {
		required |= FlagRead
	}
	if access&mm.AccessWrite != 0 {
		required |= FlagWrite
	}
	if access&mm.AccessExec != 0 {
		required |= FlagExec
	}

	var (
		frame = mm.InvalidFrame
		err   = ErrPageFault
	)

	pt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagValid) {
			return false
		}

		if pteLevel < pageLevels-1 {
			return true
		}

		if !pte.HasFlags(required) {
			return false
		}

		pte.SetFlags(FlagAccessed)
		if access&mm.AccessWrite != 0 {
			pte.SetFlags(FlagDirty)
		}
		frame, err = pte.Frame(), nil
		return true
	})

	return frame, err
}

// Destroy releases the frames used by the tables. Leaf frames must have been
// released by the owner before calling Destroy.
func (pt *PageTable) Destroy() {
	for _, frame := range pt.tables {
		freeFrame(pt.frames, frame)
	}
	pt.tables = nil
	pt.root = mm.InvalidFrame
}
