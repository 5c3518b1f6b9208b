package pmm

import (
	"strideos/kernel"
	"strideos/kernel/mm"
)

var (
	// ErrOutOfMemory is returned when every managed frame is reserved.
	ErrOutOfMemory = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}

	// ErrFrameNotManaged is returned when freeing or accessing a frame that
	// does not belong to any pool.
	ErrFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator"}

	// ErrDoubleFree is returned when freeing a frame that is not reserved.
	ErrDoubleFree = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

type framePool struct {
	// mem is the physical memory region whose frames this pool tracks.
	mem *PhysicalMemory

	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. A set bit marks a
	// reserved frame.
	freeBitmap []uint64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. It
// implements mm.FrameAllocator.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool
}

// NewBitmapAllocator creates an allocator with one pool per supplied memory
// region.
func NewBitmapAllocator(regions ...*PhysicalMemory) *BitmapAllocator {
	alloc := &BitmapAllocator{
		pools: make([]framePool, 0, len(regions)),
	}

	for _, region := range regions {
		pageCount := region.FrameCount()
		if pageCount == 0 {
			continue
		}

		// To represent the free page bitmap we need pageCount bits. Since our
		// slice uses uint64 for storing the bitmap we need to round up the
		// required bits so they are a multiple of 64 bits
		alloc.pools = append(alloc.pools, framePool{
			mem:        region,
			startFrame: region.StartFrame(),
			endFrame:   region.EndFrame(),
			freeCount:  pageCount,
			freeBitmap: make([]uint64, (pageCount+63)>>6),
		})
		alloc.totalPages += pageCount
	}

	return alloc
}

// TotalCount returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalCount() uint32 {
	return alloc.totalPages
}

// FreeCount returns the number of frames that can still be allocated.
func (alloc *BitmapAllocator) FreeCount() uint32 {
	return alloc.totalPages - alloc.reservedPages
}

// markFrame updates the reservation flag for the bitmap entry that corresponds
// to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame || frame < alloc.pools[poolIndex].startFrame {
		return
	}

	// The offset in the block is given by: frame % 64. As the bitmap uses a
	// big-ending representation we need to set the bit at index: 63 - offset
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// AllocFrame reserves the first free frame, clears its contents and returns
// it.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		if alloc.pools[poolIndex].freeCount == 0 {
			continue
		}

		fullBlock := uint64(^uint64(0))
		for blockIndex, block := range alloc.pools[poolIndex].freeBitmap {
			if block == fullBlock {
				continue
			}

			// Block has at least one free slot; we need to scan its bits
			for blockOffset, mask := 0, uint64(1<<63); mask > 0; blockOffset, mask = blockOffset+1, mask>>1 {
				if block&mask != 0 {
					continue
				}

				frame := alloc.pools[poolIndex].startFrame + mm.Frame((blockIndex<<6)+blockOffset)
				// Trailing bits of the last block do not map to real frames
				if frame > alloc.pools[poolIndex].endFrame {
					break
				}

				alloc.markFrame(poolIndex, frame, markReserved)
				clear(alloc.pools[poolIndex].mem.frameData(frame))
				return frame, nil
			}
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a frame previously allocated via a call to AllocFrame.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return ErrFrameNotManaged
	}

	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))

	if alloc.pools[poolIndex].freeBitmap[block]&mask == 0 {
		return ErrDoubleFree
	}

	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}

// FrameData returns the contents of frame. Accessing a frame that is not
// managed by the allocator is a kernel bug and panics with
// ErrFrameNotManaged.
func (alloc *BitmapAllocator) FrameData(frame mm.Frame) []byte {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		panic(ErrFrameNotManaged)
	}
	return alloc.pools[poolIndex].mem.frameData(frame)
}
