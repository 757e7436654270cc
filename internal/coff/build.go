package coff

import (
	"bytes"
	"encoding/binary"
)

// Section flags.
const (
	STYPText uint32 = 0x0020
	STYPData uint32 = 0x0040
	STYPBSS  uint32 = 0x0080
)

// f_flags of a linked, stripped 32-bit little endian executable.
const execFlags uint16 = 0x010f

// SectionSpec describes a section for Builder. Size is only used for bss,
// the other sections take their size from Data.
type SectionSpec struct {
	VirtualAddress uint32
	Data           []byte
	Size           uint32
}

// Builder writes a minimal three-section image.
type Builder struct {
	Entry    uint32
	TimeDate int32
	Text     SectionSpec
	Data     SectionSpec
	BSS      SectionSpec

	// OptHeaderSize overrides f_opthdr when non-zero.
	OptHeaderSize uint16
}

// Bytes returns the image. Section data follows the headers in text, data
// order; offsets are relative to the start of the image.
func (b *Builder) Bytes() []byte {
	textOff := uint32(HeadersSize)
	dataOff := textOff + uint32(len(b.Text.Data))

	opt := b.OptHeaderSize
	if opt == 0 {
		opt = OptionalHeaderSize
	}
	file := FileHeader{
		Magic:         MagicI386,
		NumSections:   uint16(NumSections),
		TimeDate:      b.TimeDate,
		OptHeaderSize: opt,
		Flags:         execFlags,
	}
	optional := OptionalHeader{
		Magic:     MagicZMAGIC,
		TextSize:  uint32(len(b.Text.Data)),
		DataSize:  uint32(len(b.Data.Data)),
		BSSSize:   b.BSS.Size,
		Entry:     b.Entry,
		TextStart: b.Text.VirtualAddress,
		DataStart: b.Data.VirtualAddress,
	}
	sections := [NumSections]SectionHeader{
		{
			PhysAddr:       b.Text.VirtualAddress,
			VirtualAddress: b.Text.VirtualAddress,
			Size:           uint32(len(b.Text.Data)),
			FileOffset:     textOff,
			Flags:          STYPText,
		},
		{
			PhysAddr:       b.Data.VirtualAddress,
			VirtualAddress: b.Data.VirtualAddress,
			Size:           uint32(len(b.Data.Data)),
			FileOffset:     dataOff,
			Flags:          STYPData,
		},
		{
			PhysAddr:       b.BSS.VirtualAddress,
			VirtualAddress: b.BSS.VirtualAddress,
			Size:           b.BSS.Size,
			Flags:          STYPBSS,
		},
	}
	copy(sections[Text].Name[:], ".text")
	copy(sections[Data].Name[:], ".data")
	copy(sections[BSS].Name[:], ".bss")

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &file)
	binary.Write(&buf, binary.LittleEndian, &optional)
	binary.Write(&buf, binary.LittleEndian, &sections)
	buf.Write(b.Text.Data)
	buf.Write(b.Data.Data)
	return buf.Bytes()
}
