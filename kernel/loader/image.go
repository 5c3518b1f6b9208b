// Package loader decodes program images and builds the address spaces that
// run them.
package loader

import (
	"encoding/binary"
	"sort"

	"strideos/kernel"
	"strideos/kernel/mm"
	"strideos/kernel/mm/vmm"
)

// ErrBadImage is returned for images that cannot be decoded or loaded.
var ErrBadImage = &kernel.Error{Module: "loader", Message: "malformed program image"}

const (
	imageMagic   = "SIMG"
	imageVersion = 1

	// headerSize covers magic, version, segment count and entry.
	headerSize = 4 + 2 + 2 + 8

	// segmentHeaderSize covers vaddr, memsize, flags and filesize.
	segmentHeaderSize = 8 + 8 + 4 + 4
)

// SegmentFlags hold the access rights of a segment.
type SegmentFlags uint32

const (
	SegRead SegmentFlags = 1 << iota
	SegWrite
	SegExec
)

// Perm converts the segment flags to the permissions of a user mapping.
func (f SegmentFlags) Perm() vmm.Perm {
	perm := vmm.PermU
	if f&SegRead != 0 {
		perm |= vmm.PermR
	}
	if f&SegWrite != 0 {
		perm |= vmm.PermW
	}
	if f&SegExec != 0 {
		perm |= vmm.PermX
	}
	return perm
}

// Segment is a loadable part of an image. The bytes of the segment past
// len(Data) and up to MemSize are zero.
type Segment struct {
	VAddr   uint64
	MemSize uint64
	Flags   SegmentFlags
	Data    []byte
}

func (s Segment) end() uint64 {
	return s.VAddr + s.MemSize
}

// Image is a decoded program image.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Encode serializes the image. Every field is stored little endian:
//
//	"SIMG" | version u16 | segment count u16 | entry u64
//	per segment: vaddr u64 | memsize u64 | flags u32 | filesize u32 | file bytes
func (img *Image) Encode() []byte {
	size := headerSize
	for _, seg := range img.Segments {
		size += segmentHeaderSize + len(seg.Data)
	}

	out := make([]byte, 0, size)
	out = append(out, imageMagic...)
	out = binary.LittleEndian.AppendUint16(out, imageVersion)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(img.Segments)))
	out = binary.LittleEndian.AppendUint64(out, img.Entry)
	for _, seg := range img.Segments {
		out = binary.LittleEndian.AppendUint64(out, seg.VAddr)
		out = binary.LittleEndian.AppendUint64(out, seg.MemSize)
		out = binary.LittleEndian.AppendUint32(out, uint32(seg.Flags))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(seg.Data)))
		out = append(out, seg.Data...)
	}

	return out
}

// Decode parses and validates an encoded image. Segments must be page
// aligned, must not overlap and must fit in the user address space. The
// entry point must lie in an executable segment.
func Decode(data []byte) (*Image, *kernel.Error) {
	if len(data) < headerSize || string(data[:4]) != imageMagic {
		return nil, ErrBadImage
	}
	if binary.LittleEndian.Uint16(data[4:]) != imageVersion {
		return nil, ErrBadImage
	}

	count := int(binary.LittleEndian.Uint16(data[6:]))
	img := &Image{
		Entry:    binary.LittleEndian.Uint64(data[8:]),
		Segments: make([]Segment, 0, count),
	}

	offset := headerSize
	for i := 0; i < count; i++ {
		if len(data)-offset < segmentHeaderSize {
			return nil, ErrBadImage
		}

		hdr := data[offset:]
		seg := Segment{
			VAddr:   binary.LittleEndian.Uint64(hdr),
			MemSize: binary.LittleEndian.Uint64(hdr[8:]),
			Flags:   SegmentFlags(binary.LittleEndian.Uint32(hdr[16:])),
		}
		fileSize := uint64(binary.LittleEndian.Uint32(hdr[20:]))
		offset += segmentHeaderSize

		switch {
		case uint64(len(data)-offset) < fileSize,
			fileSize > seg.MemSize,
			seg.MemSize == 0,
			!mm.IsAligned(uintptr(seg.VAddr)),
			seg.end() < seg.VAddr,
			seg.end() > uint64(vmm.MaxVirtAddr):
			return nil, ErrBadImage
		}

		seg.Data = data[offset : offset+int(fileSize) : offset+int(fileSize)]
		offset += int(fileSize)
		img.Segments = append(img.Segments, seg)
	}

	if offset != len(data) {
		return nil, ErrBadImage
	}

	sorted := make([]Segment, len(img.Segments))
	copy(sorted, img.Segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VAddr < sorted[j].VAddr })
	for i := 1; i < len(sorted); i++ {
		if uint64(mm.RoundUp(uintptr(sorted[i-1].end()))) > sorted[i].VAddr {
			return nil, ErrBadImage
		}
	}

	entryOK := false
	for _, seg := range img.Segments {
		if seg.Flags&SegExec != 0 && img.Entry >= seg.VAddr && img.Entry < seg.end() {
			entryOK = true
			break
		}
	}
	if !entryOK {
		return nil, ErrBadImage
	}

	return img, nil
}
