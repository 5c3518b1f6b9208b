package loader

import (
	"strideos/kernel"
	"strideos/kernel/mm"
	"strideos/kernel/mm/vmm"
)

// UserStackSize is the size of the stack mapped for every loaded program.
const UserStackSize = 2 * mm.PageSize

// Loaded describes a freshly built address space and where to start it.
type Loaded struct {
	Space      *vmm.AddressSpace
	Entry      uint64
	UserSP     uint64
	HeapBottom uint64
}

// Load decodes data and builds a new address space with frames from frames.
// Every segment is mapped and filled, a stack is placed above the highest
// segment with an unmapped guard page in between and the heap starts at the
// top of the stack. On failure every frame used so far is released.
func Load(frames mm.FrameAllocator, data []byte) (*Loaded, *kernel.Error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}

	space, err := vmm.NewAddressSpace(frames)
	if err != nil {
		return nil, err
	}

	if err = populate(space, img); err != nil {
		space.Destroy()
		return nil, err
	}

	var maxEnd uintptr
	for _, seg := range img.Segments {
		if end := mm.RoundUp(uintptr(seg.end())); end > maxEnd {
			maxEnd = end
		}
	}

	stackBottom := maxEnd + mm.PageSize
	stackTop := stackBottom + UserStackSize
	if err = space.MapRegion(stackBottom, stackTop, vmm.PermR|vmm.PermW|vmm.PermU, vmm.KindStack); err != nil {
		space.Destroy()
		return nil, err
	}
	if err = space.SetHeap(stackTop); err != nil {
		space.Destroy()
		return nil, err
	}

	return &Loaded{
		Space:      space,
		Entry:      img.Entry,
		UserSP:     uint64(stackTop),
		HeapBottom: uint64(stackTop),
	}, nil
}

func populate(space *vmm.AddressSpace, img *Image) *kernel.Error {
	for _, seg := range img.Segments {
		start := uintptr(seg.VAddr)
		if err := space.MapRegion(start, uintptr(seg.end()), seg.Flags.Perm(), vmm.KindSegment); err != nil {
			return err
		}

		// The kernel fills the pages regardless of the segment permissions
		if err := space.Store(start, seg.Data, 0); err != nil {
			return err
		}
	}
	return nil
}
