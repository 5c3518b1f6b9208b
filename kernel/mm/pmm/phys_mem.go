// Package pmm manages the simulated physical memory of the machine.
package pmm

import (
	"strideos/kernel/mm"
)

// PhysicalMemory is a contiguous range of physical frames backed by a byte
// arena. Frame numbers start at baseFrame.
type PhysicalMemory struct {
	baseFrame mm.Frame
	data      []byte
}

// NewPhysicalMemory returns a zero-filled physical memory region that spans
// frameCount frames starting at baseFrame.
func NewPhysicalMemory(baseFrame mm.Frame, frameCount uint32) *PhysicalMemory {
	return &PhysicalMemory{
		baseFrame: baseFrame,
		data:      make([]byte, uintptr(frameCount)<<mm.PageShift),
	}
}

// StartFrame returns the first frame of the region.
func (m *PhysicalMemory) StartFrame() mm.Frame {
	return m.baseFrame
}

// EndFrame returns the last frame of the region.
func (m *PhysicalMemory) EndFrame() mm.Frame {
	return m.baseFrame + mm.Frame(m.FrameCount()) - 1
}

// FrameCount returns the number of frames in the region.
func (m *PhysicalMemory) FrameCount() uint32 {
	return uint32(uintptr(len(m.data)) >> mm.PageShift)
}

// Contains returns true if frame belongs to this region.
func (m *PhysicalMemory) Contains(frame mm.Frame) bool {
	return frame >= m.baseFrame && frame <= m.EndFrame()
}

// frameData returns the PageSize bytes that back frame. The caller must
// ensure that the frame belongs to the region.
func (m *PhysicalMemory) frameData(frame mm.Frame) []byte {
	offset := uintptr(frame-m.baseFrame) << mm.PageShift
	return m.data[offset : offset+mm.PageSize : offset+mm.PageSize]
}
