package loader

import (
	"strideos/kernel"
	"strideos/kernel/cpu"
	"strideos/kernel/mm"
)

const (
	// TextBase is the address of the first instruction of a built image.
	TextBase = 0x1000

	// DataBase is the address of the data segment of a built image.
	DataBase = 0x100000
)

// Builder assembles a program image from code and initialized data. The
// entry point is the first instruction of the text segment.
type Builder struct {
	text *cpu.Assembler
	data []byte
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{text: cpu.NewAssembler()}
}

// Text returns the assembler that receives the program code.
func (b *Builder) Text() *cpu.Assembler {
	return b.text
}

// align pads the data segment to an 8 byte boundary.
func (b *Builder) align() {
	for len(b.data)%8 != 0 {
		b.data = append(b.data, 0)
	}
}

// String places a NUL-terminated copy of s in the data segment and returns
// its address.
func (b *Builder) String(s string) int64 {
	addr := int64(DataBase + len(b.data))
	b.data = append(b.data, s...)
	b.data = append(b.data, 0)
	b.align()
	return addr
}

// Bytes places p in the data segment and returns its address.
func (b *Builder) Bytes(p []byte) int64 {
	addr := int64(DataBase + len(b.data))
	b.data = append(b.data, p...)
	b.align()
	return addr
}

// Zeroed reserves n zero bytes in the data segment and returns their
// address.
func (b *Builder) Zeroed(n int) int64 {
	return b.Bytes(make([]byte, n))
}

// Build assembles the text and returns the encoded image.
func (b *Builder) Build() ([]byte, *kernel.Error) {
	code, err := b.text.Assemble()
	if err != nil {
		return nil, err
	}
	if len(code) == 0 {
		return nil, ErrBadImage
	}

	img := &Image{
		Entry: TextBase,
		Segments: []Segment{{
			VAddr:   TextBase,
			MemSize: uint64(len(code)),
			Flags:   SegRead | SegExec,
			Data:    code,
		}},
	}

	if len(b.data) > 0 {
		img.Segments = append(img.Segments, Segment{
			VAddr:   DataBase,
			MemSize: uint64(mm.RoundUp(uintptr(len(b.data)))),
			Flags:   SegRead | SegWrite,
			Data:    b.data,
		})
	}

	return img.Encode(), nil
}
