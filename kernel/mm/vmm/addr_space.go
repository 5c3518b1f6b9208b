package vmm

import (
	"sort"

	"strideos/kernel"
	"strideos/kernel/kfmt"
	"strideos/kernel/mm"

	"go.uber.org/zap"
)

var (
	ErrUnaligned      = &kernel.Error{Module: "vmm", Message: "start address is not page aligned"}
	ErrInvalidProt    = &kernel.Error{Module: "vmm", Message: "protection has bits outside read/write/exec"}
	ErrEmptyProt      = &kernel.Error{Module: "vmm", Message: "protection grants no access"}
	ErrInvalidLength  = &kernel.Error{Module: "vmm", Message: "region length must be greater than zero"}
	ErrRegionOverlap  = &kernel.Error{Module: "vmm", Message: "region overlaps an existing region"}
	ErrNoSuchRegion   = &kernel.Error{Module: "vmm", Message: "range is not exactly covered by mapped regions"}
	ErrInvalidBrk     = &kernel.Error{Module: "vmm", Message: "program break outside the heap"}
	errStringTooLong  = &kernel.Error{Module: "vmm", Message: "string exceeds maximum length"}
	errSpaceDestroyed = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}
	errLostMapping    = &kernel.Error{Module: "vmm", Message: "page of a region is not mapped to its frame"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// freeFrame returns frame to frames. The frame is known to be owned by the
// caller, so any failure means the frame accounting is corrupt.
func freeFrame(frames mm.FrameAllocator, frame mm.Frame) {
	if err := frames.FreeFrame(frame); err != nil {
		panicFn(zap.L(), err)
	}
}

// Region describes a contiguous, page-aligned range [Start, End) of an
// address space.
type Region struct {
	Start uintptr
	End   uintptr
	Perm  Perm
	Kind  RegionKind
}

// Len returns the size of the region in bytes.
func (r Region) Len() uintptr {
	return r.End - r.Start
}

// intersects reports whether r shares at least one byte with [start, end).
// Empty regions never intersect anything.
func (r Region) intersects(start, end uintptr) bool {
	return r.Start < r.End && r.Start < end && start < r.End
}

// area is a region together with the frames backing its pages.
type area struct {
	Region
	frames map[mm.Page]mm.Frame
}

// AddressSpace is the virtual address space of a task: a page table and the
// ordered set of regions mapped into it.
type AddressSpace struct {
	frames mm.FrameAllocator
	pt     *PageTable

	// areas is kept sorted by start address.
	areas []*area

	heap       *area
	heapBottom uintptr
	brk        uintptr
}

// NewAddressSpace returns an empty address space whose tables and pages are
// allocated from frames.
func NewAddressSpace(frames mm.FrameAllocator) (*AddressSpace, *kernel.Error) {
	pt, err := NewPageTable(frames)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{frames: frames, pt: pt}, nil
}

// PageTable returns the page table of the address space.
func (as *AddressSpace) PageTable() *PageTable {
	return as.pt
}

// Token returns the page table token of the address space.
func (as *AddressSpace) Token() uint64 {
	return as.pt.Token()
}

// Regions returns a copy of the non-empty regions sorted by start address.
func (as *AddressSpace) Regions() []Region {
	out := make([]Region, 0, len(as.areas))
	for _, a := range as.areas {
		if a.Len() > 0 {
			out = append(out, a.Region)
		}
	}
	return out
}

// overlaps returns true if any region other than skip intersects [start, end).
func (as *AddressSpace) overlaps(start, end uintptr, skip *area) bool {
	for _, a := range as.areas {
		if a != skip && a.intersects(start, end) {
			return true
		}
	}
	return false
}

func (as *AddressSpace) insert(a *area) {
	idx := sort.Search(len(as.areas), func(i int) bool { return as.areas[i].Start >= a.Start })
	as.areas = append(as.areas, nil)
	copy(as.areas[idx+1:], as.areas[idx:])
	as.areas[idx] = a
}

func (as *AddressSpace) remove(a *area) {
	for i, cur := range as.areas {
		if cur == a {
			as.areas = append(as.areas[:i], as.areas[i+1:]...)
			return
		}
	}
}

// checkRange validates a page-aligned range and returns its rounded end.
func checkRange(start, length uintptr) (uintptr, *kernel.Error) {
	if !mm.IsAligned(start) {
		return 0, ErrUnaligned
	}
	if length == 0 {
		return 0, ErrInvalidLength
	}

	end := start + mm.RoundUp(length)
	if end <= start || end > MaxVirtAddr {
		return 0, ErrAddressRange
	}
	return end, nil
}

// mapPages backs every page of [start, end) with a fresh frame and records
// it in a. On failure every page mapped by this call is released again.
func (as *AddressSpace) mapPages(a *area, start, end uintptr) *kernel.Error {
	for addr := start; addr < end; addr += mm.PageSize {
		page := mm.PageFromAddress(addr)
		frame, err := as.frames.AllocFrame()
		if err == nil {
			if err = as.pt.Map(page, frame, a.Perm.flags()); err != nil {
				freeFrame(as.frames, frame)
			}
		}

		if err != nil {
			as.unmapPages(a, start, addr)
			return err
		}
		a.frames[page] = frame
	}

	return nil
}

// unmapPages drops the mappings of [start, end) that belong to a and frees
// their frames.
func (as *AddressSpace) unmapPages(a *area, start, end uintptr) {
	for addr := start; addr < end; addr += mm.PageSize {
		page := mm.PageFromAddress(addr)
		frame, ok := a.frames[page]
		if !ok {
			continue
		}
		if mapped, err := as.pt.Unmap(page); err != nil || mapped != frame {
			panicFn(zap.L(), errLostMapping)
		}
		freeFrame(as.frames, frame)
		delete(a.frames, page)
	}
}

// mapArea creates a region backed by zero-filled frames. The caller has
// already validated the range.
func (as *AddressSpace) mapArea(start, end uintptr, perm Perm, kind RegionKind) (*area, *kernel.Error) {
	a := &area{
		Region: Region{Start: start, End: end, Perm: perm, Kind: kind},
		frames: make(map[mm.Page]mm.Frame),
	}
	if err := as.mapPages(a, start, end); err != nil {
		return nil, err
	}
	as.insert(a)
	return a, nil
}

// Allocate maps length bytes (rounded up to whole pages) of fresh,
// zero-filled memory at start with the requested protection. The mapping is
// always user-accessible. Allocate is atomic: on failure no page of the
// range remains mapped.
func (as *AddressSpace) Allocate(start, length uintptr, prot Prot) *kernel.Error {
	if as.pt == nil {
		return errSpaceDestroyed
	}

	switch {
	case !mm.IsAligned(start):
		return ErrUnaligned
	case prot&^ProtMask != 0:
		return ErrInvalidProt
	case prot&ProtMask == 0:
		return ErrEmptyProt
	}

	end, err := checkRange(start, length)
	if err != nil {
		return err
	}

	if as.overlaps(start, end, nil) {
		return ErrRegionOverlap
	}

	_, err = as.mapArea(start, end, prot.Perm(), KindAnonymous)
	return err
}

// Deallocate unmaps the anonymous regions that exactly tile
// [start, start+roundup(length)) and frees their frames. The range must not
// have holes, must not cut through a region and must not touch regions that
// were not created by Allocate. Deallocate is atomic: on failure nothing is
// unmapped.
func (as *AddressSpace) Deallocate(start, length uintptr) *kernel.Error {
	if as.pt == nil {
		return errSpaceDestroyed
	}

	end, err := checkRange(start, length)
	if err != nil {
		return err
	}

	var (
		victims []*area
		cursor  = start
	)
	for _, a := range as.areas {
		if !a.intersects(start, end) {
			continue
		}

		if a.Kind != KindAnonymous || a.Start != cursor || a.End > end {
			return ErrNoSuchRegion
		}
		cursor = a.End
		victims = append(victims, a)
	}

	if cursor != end {
		return ErrNoSuchRegion
	}

	for _, a := range victims {
		as.unmapPages(a, a.Start, a.End)
		as.remove(a)
	}

	return nil
}

// MapRegion maps [start, end) with fresh frames and the given permissions.
// It is used when building an address space from a program image.
func (as *AddressSpace) MapRegion(start, end uintptr, perm Perm, kind RegionKind) *kernel.Error {
	if as.pt == nil {
		return errSpaceDestroyed
	}
	if end < start {
		return ErrInvalidLength
	}

	end, err := checkRange(start, end-start)
	if err != nil {
		return err
	}

	if as.overlaps(start, end, nil) {
		return ErrRegionOverlap
	}

	_, err = as.mapArea(start, end, perm, kind)
	return err
}

// SetHeap places the bottom of the program heap at bottom, which must be
// page aligned and must not lie inside an existing region. The program break
// starts at bottom.
func (as *AddressSpace) SetHeap(bottom uintptr) *kernel.Error {
	if !mm.IsAligned(bottom) {
		return ErrUnaligned
	}
	if as.overlaps(bottom, bottom+1, as.heap) {
		return ErrRegionOverlap
	}
	if as.heap != nil {
		as.unmapPages(as.heap, as.heap.Start, as.heap.End)
		as.remove(as.heap)
	}

	as.heap = &area{
		Region: Region{Start: bottom, End: bottom, Perm: PermR | PermW | PermU, Kind: KindHeap},
		frames: make(map[mm.Page]mm.Frame),
	}
	as.insert(as.heap)
	as.heapBottom, as.brk = bottom, bottom
	return nil
}

// Brk returns the current program break.
func (as *AddressSpace) Brk() uintptr {
	return as.brk
}

// ChangeBrk moves the program break by delta bytes and returns the previous
// break. Growing maps the pages needed to cover the new break; shrinking
// unmaps the whole pages that lie above it.
func (as *AddressSpace) ChangeBrk(delta int64) (uintptr, *kernel.Error) {
	if as.heap == nil {
		return 0, ErrInvalidBrk
	}

	oldBrk := as.brk
	newBrk := uintptr(int64(oldBrk) + delta)
	switch {
	case delta < 0 && newBrk > oldBrk, newBrk < as.heapBottom:
		return 0, ErrInvalidBrk
	case delta > 0 && (newBrk < oldBrk || newBrk > MaxVirtAddr):
		return 0, ErrAddressRange
	}

	curEnd, newEnd := as.heap.End, mm.RoundUp(newBrk)
	switch {
	case newEnd > curEnd:
		if as.overlaps(curEnd, newEnd, as.heap) {
			return 0, ErrRegionOverlap
		}
		if err := as.mapPages(as.heap, curEnd, newEnd); err != nil {
			return 0, err
		}
	case newEnd < curEnd:
		as.unmapPages(as.heap, newEnd, curEnd)
	}

	as.heap.End = newEnd
	as.brk = newBrk
	return oldBrk, nil
}

// Clone returns a deep copy of the address space. Every region of the copy
// is backed by fresh frames holding the same contents.
func (as *AddressSpace) Clone() (*AddressSpace, *kernel.Error) {
	if as.pt == nil {
		return nil, errSpaceDestroyed
	}

	child, err := NewAddressSpace(as.frames)
	if err != nil {
		return nil, err
	}

	for _, a := range as.areas {
		dup, err := child.mapArea(a.Start, a.End, a.Perm, a.Kind)
		if err != nil {
			child.Destroy()
			return nil, err
		}

		for page, frame := range a.frames {
			copy(as.frames.FrameData(dup.frames[page]), as.frames.FrameData(frame))
		}

		if a == as.heap {
			child.heap = dup
		}
	}
	child.heapBottom, child.brk = as.heapBottom, as.brk

	return child, nil
}

// Load copies len(buf) bytes starting at virtAddr into buf. Every page
// touched must be present, user-accessible and allow access.
func (as *AddressSpace) Load(virtAddr uintptr, buf []byte, access mm.Access) *kernel.Error {
	return as.copyUser(virtAddr, buf, access, false)
}

// Store copies buf into the address space starting at virtAddr. Every page
// touched must be present, user-accessible and allow access.
func (as *AddressSpace) Store(virtAddr uintptr, buf []byte, access mm.Access) *kernel.Error {
	return as.copyUser(virtAddr, buf, access, true)
}

func (as *AddressSpace) copyUser(virtAddr uintptr, buf []byte, access mm.Access, store bool) *kernel.Error {
	if as.pt == nil {
		return ErrPageFault
	}

	for len(buf) > 0 {
		frame, err := as.pt.resolve(virtAddr, access)
		if err != nil {
			return err
		}

		data := as.frames.FrameData(frame)[PageOffset(virtAddr):]
		var n int
		if store {
			n = copy(data, buf)
		} else {
			n = copy(buf, data)
		}
		buf = buf[n:]
		virtAddr += uintptr(n)
	}

	return nil
}

// ReadCString reads a NUL-terminated string of at most max bytes starting at
// virtAddr.
func (as *AddressSpace) ReadCString(virtAddr uintptr, max int) (string, *kernel.Error) {
	var (
		out []byte
		b   [1]byte
	)

	for len(out) <= max {
		if err := as.Load(virtAddr, b[:], mm.AccessRead); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
		virtAddr++
	}

	return "", errStringTooLong
}

// RecycleDataPages unmaps every region and frees the frames backing them.
// The page table itself survives until Destroy.
func (as *AddressSpace) RecycleDataPages() {
	for _, a := range as.areas {
		as.unmapPages(a, a.Start, a.End)
	}
	as.areas = nil
	as.heap = nil
	as.heapBottom, as.brk = 0, 0
}

// Destroy releases every frame owned by the address space. The address space
// must not be used afterwards. Calling Destroy more than once has no effect.
func (as *AddressSpace) Destroy() {
	if as.pt == nil {
		return
	}
	as.RecycleDataPages()
	as.pt.Destroy()
	as.pt = nil
}
