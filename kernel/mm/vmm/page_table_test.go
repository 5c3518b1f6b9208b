package vmm

import (
	"encoding/binary"
	"testing"

	"strideos/kernel/mm"
	"strideos/kernel/mm/pmm"
)

const testBaseFrame = mm.Frame(0x80000)

func newTestAllocator(frames uint32) *pmm.BitmapAllocator {
	return pmm.NewBitmapAllocator(pmm.NewPhysicalMemory(testBaseFrame, frames))
}

func TestWalkVisitsEachLevel(t *testing.T) {
	alloc := newTestAllocator(16)
	pt, err := NewPageTable(alloc)
	if err != nil {
		t.Fatal(err)
	}

	// This address breaks down to:
	// level 0 index: 1
	// level 1 index: 2
	// level 2 index: 3
	// offset       : 0x400
	targetAddr := uintptr(1<<30 | 2<<21 | 3<<12 | 0x400)
	if err = pt.Map(mm.PageFromAddress(targetAddr), mm.Frame(0x1234), FlagRead|FlagUser); err != nil {
		t.Fatal(err)
	}

	expIndices := [pageLevels]uintptr{1, 2, 3}
	table := pt.root
	for level := 0; level < pageLevels; level++ {
		data := alloc.FrameData(table)
		for index := uintptr(0); index < entriesPerTable; index++ {
			entry := pageTableEntry(binary.LittleEndian.Uint64(data[index<<mm.PointerShift:]))
			if index != expIndices[level] && entry != 0 {
				t.Fatalf("[level %d] expected entry %d to be empty; got %#x", level, index, entry)
			}
		}

		entry := pageTableEntry(binary.LittleEndian.Uint64(data[expIndices[level]<<mm.PointerShift:]))
		if !entry.HasFlags(FlagValid) {
			t.Fatalf("[level %d] expected entry %d to be valid", level, expIndices[level])
		}
		if level < pageLevels-1 && entry.HasAnyFlag(FlagRead|FlagWrite|FlagExec) {
			t.Fatalf("[level %d] expected intermediate entry to carry no permissions", level)
		}
		table = entry.Frame()
	}

	if table != mm.Frame(0x1234) {
		t.Fatalf("expected leaf to point to frame 0x1234; got %#x", table)
	}

	visited := 0
	pt.walk(targetAddr, func(level uint8, pte *pageTableEntry) bool {
		if uint8(visited) != level {
			t.Fatalf("expected level %d; got %d", visited, level)
		}
		visited++
		return true
	})
	if visited != pageLevels {
		t.Fatalf("expected walk to visit %d levels; got %d", pageLevels, visited)
	}
}

func TestMapTranslateUnmap(t *testing.T) {
	alloc := newTestAllocator(16)
	pt, err := NewPageTable(alloc)
	if err != nil {
		t.Fatal(err)
	}

	page := mm.PageFromAddress(0x5000)
	frame := testBaseFrame + 10
	if err = pt.Map(page, frame, FlagRead|FlagWrite|FlagUser); err != nil {
		t.Fatal(err)
	}

	physAddr, flags, err := pt.Translate(0x5abc)
	if err != nil {
		t.Fatal(err)
	}
	if exp := frame.Address() + 0xabc; physAddr != exp {
		t.Fatalf("expected physical address %#x; got %#x", exp, physAddr)
	}
	if exp := FlagValid | FlagRead | FlagWrite | FlagUser; flags != exp {
		t.Fatalf("expected flags %#x; got %#x", exp, flags)
	}

	if err = pt.Map(page, frame+1, FlagRead); err != ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped; got %v", err)
	}

	got, err := pt.Unmap(page)
	if err != nil {
		t.Fatal(err)
	}
	if got != frame {
		t.Fatalf("expected Unmap to return frame %#x; got %#x", frame, got)
	}

	if _, _, err = pt.Translate(0x5abc); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}

	if _, err = pt.Unmap(page); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}

	// Tables for an untouched part of the address space are missing too
	if _, err = pt.Unmap(mm.PageFromAddress(0x40000000)); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}

	if err = pt.Map(mm.PageFromAddress(MaxVirtAddr), frame, FlagRead); err != ErrAddressRange {
		t.Fatalf("expected ErrAddressRange; got %v", err)
	}
}

func TestMapTableAllocationFailure(t *testing.T) {
	// Room for the root table and one more table only.
	alloc := newTestAllocator(2)
	pt, err := NewPageTable(alloc)
	if err != nil {
		t.Fatal(err)
	}

	if err = pt.Map(mm.Page(1), testBaseFrame, FlagRead); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}

func TestPageTableDestroyAndToken(t *testing.T) {
	alloc := newTestAllocator(16)
	pt, err := NewPageTable(alloc)
	if err != nil {
		t.Fatal(err)
	}

	if exp := uint64(8)<<60 | uint64(pt.root); pt.Token() != exp {
		t.Fatalf("expected token %#x; got %#x", exp, pt.Token())
	}

	for _, addr := range []uintptr{0x1000, 0x200000, 0x40000000} {
		if err = pt.Map(mm.PageFromAddress(addr), testBaseFrame, FlagRead); err != nil {
			t.Fatal(err)
		}
	}

	// root + (1 mid + 1 leaf) + 1 leaf + (1 mid + 1 leaf)
	if exp, got := 6, pt.TableFrames(); exp != got {
		t.Fatalf("expected %d table frames; got %d", exp, got)
	}
	if exp, got := uint32(10), alloc.FreeCount(); exp != got {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	pt.Destroy()
	if exp, got := uint32(16), alloc.FreeCount(); exp != got {
		t.Fatalf("expected %d free frames after Destroy; got %d", exp, got)
	}
}

func TestResolveChecksPermissions(t *testing.T) {
	alloc := newTestAllocator(16)
	pt, err := NewPageTable(alloc)
	if err != nil {
		t.Fatal(err)
	}

	mustMap := func(addr uintptr, flags PageTableEntryFlag) {
		if err := pt.Map(mm.PageFromAddress(addr), testBaseFrame+8, flags); err != nil {
			t.Fatal(err)
		}
	}
	mustMap(0x1000, FlagRead|FlagExec|FlagUser)
	mustMap(0x2000, FlagRead|FlagWrite|FlagUser)
	mustMap(0x3000, FlagRead|FlagWrite)

	specs := []struct {
		addr   uintptr
		access mm.Access
		expErr bool
	}{
		{0x1000, mm.AccessExec, false},
		{0x1000, mm.AccessRead, false},
		{0x1000, mm.AccessWrite, true},
		{0x2000, mm.AccessWrite, false},
		{0x2000, mm.AccessExec, true},
		{0x3000, mm.AccessRead, true},
		{0x4000, 0, true},
		{MaxVirtAddr, 0, true},
	}

	for specIndex, spec := range specs {
		_, err := pt.resolve(spec.addr, spec.access)
		if spec.expErr && err != ErrPageFault {
			t.Errorf("[spec %d] expected ErrPageFault; got %v", specIndex, err)
		}
		if !spec.expErr && err != nil {
			t.Errorf("[spec %d] unexpected error %v", specIndex, err)
		}
	}

	_, flags, _ := pt.Translate(0x2000)
	if exp := FlagAccessed | FlagDirty; flags&exp != exp {
		t.Fatalf("expected accessed and dirty bits to be set after a write; got %#x", flags)
	}
	_, flags, _ = pt.Translate(0x1000)
	if flags&FlagDirty != 0 {
		t.Fatalf("expected dirty bit to be clear for a page that was never written")
	}
}
