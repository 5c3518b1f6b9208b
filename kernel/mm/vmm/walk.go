package vmm

import (
	"encoding/binary"

	"strideos/kernel/mm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. Changes made by walkFn to an entry are written back to the
// table frame before the walk descends into the table the entry points to.
func (pt *PageTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level      uint8
		table      = pt.root
		entryIndex uintptr
	)

	for level = 0; level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entry := pt.frames.FrameData(table)[entryIndex<<mm.PointerShift:]

		pte := pageTableEntry(binary.LittleEndian.Uint64(entry))
		orig := pte
		ok := walkFn(level, &pte)
		if pte != orig {
			binary.LittleEndian.PutUint64(entry, uint64(pte))
		}

		if !ok || level == pageLevels-1 {
			return
		}

		table = pte.Frame()
	}
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
