// Package coff reads the i386 COFF image that a go32 stub carries after its
// wrapper headers. Only the fixed layout produced by DJGPP is supported: a
// file header, a 28-byte optional header and exactly three sections.
package coff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MagicI386 is the f_magic value of an i386 COFF file.
	MagicI386 uint16 = 0x014c
	// MagicZMAGIC is the optional header magic of a demand-paged executable.
	MagicZMAGIC uint16 = 0x010b

	FileHeaderSize     = 20
	OptionalHeaderSize = 28
	SectionHeaderSize  = 40

	// HeadersSize is the fixed size of all headers the loader reads.
	HeadersSize = FileHeaderSize + OptionalHeaderSize + 3*SectionHeaderSize
)

var (
	// ErrMalformed means the file is too short to hold the headers.
	ErrMalformed = errors.New("bad COFF payload")
	// ErrBadHeader means the optional header size is not the expected one.
	ErrBadHeader = errors.New("bad COFF header")
)

// FileHeader is the COFF file header.
type FileHeader struct {
	Magic         uint16 // f_magic
	NumSections   uint16 // f_nscns
	TimeDate      int32  // f_timdat
	SymbolPtr     int32  // f_symptr
	NumSymbols    int32  // f_nsyms
	OptHeaderSize uint16 // f_opthdr
	Flags         uint16 // f_flags
}

// OptionalHeader is the a.out style optional header.
type OptionalHeader struct {
	Magic        uint16
	VersionStamp uint16
	TextSize     uint32
	DataSize     uint32
	BSSSize      uint32
	Entry        uint32
	TextStart    uint32
	DataStart    uint32
}

// SectionHeader describes one section.
type SectionHeader struct {
	Name           [8]byte
	PhysAddr       uint32
	VirtualAddress uint32
	Size           uint32
	FileOffset     uint32 // s_scnptr, relative to the start of the image
	RelocOffset    uint32 // unused
	LineOffset     uint32 // unused
	NumRelocs      uint16
	NumLines       uint16
	Flags          uint32
}

// NameString returns the section name without NUL padding.
func (s *SectionHeader) NameString() string {
	if i := bytes.IndexByte(s.Name[:], 0); i >= 0 {
		return string(s.Name[:i])
	}
	return string(s.Name[:])
}

// End returns the first virtual address after the section.
func (s *SectionHeader) End() uint64 {
	return uint64(s.VirtualAddress) + uint64(s.Size)
}

// Kind indexes the fixed section table.
type Kind int

const (
	Text Kind = iota
	Data
	BSS
	NumSections
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Data:
		return "data"
	case BSS:
		return "bss"
	default:
		return fmt.Sprintf("section %d", int(k))
	}
}

// Image is a parsed COFF program image.
type Image struct {
	// Offset is where the image starts in the backing file.
	Offset   int64
	File     FileHeader
	Optional OptionalHeader
	Sections [NumSections]SectionHeader
}

// Section returns the header of section k.
func (img *Image) Section(k Kind) *SectionHeader {
	return &img.Sections[k]
}

// Entry returns the entry point offset.
func (img *Image) Entry() uint32 {
	return img.Optional.Entry
}

// BSSEnd returns the first address past the bss section.
func (img *Image) BSSEnd() uint64 {
	return img.Sections[BSS].End()
}

// Parse reads the headers of the image that starts at off in a file of size
// bytes. Nothing beyond the file and optional header sizes is validated.
func Parse(r io.ReaderAt, off, size int64) (*Image, error) {
	if size-off < HeadersSize {
		return nil, fmt.Errorf("%w, size %#x off %#x", ErrMalformed, size-off, off)
	}
	sr := io.NewSectionReader(r, off, HeadersSize)

	img := &Image{Offset: off}
	if err := binary.Read(sr, binary.LittleEndian, &img.File); err != nil {
		return nil, fmt.Errorf("read file header: %w", err)
	}
	if img.File.OptHeaderSize != OptionalHeaderSize {
		return nil, fmt.Errorf("%w: optional header is %d bytes, expected %d",
			ErrBadHeader, img.File.OptHeaderSize, OptionalHeaderSize)
	}
	if err := binary.Read(sr, binary.LittleEndian, &img.Optional); err != nil {
		return nil, fmt.Errorf("read optional header: %w", err)
	}
	if err := binary.Read(sr, binary.LittleEndian, &img.Sections); err != nil {
		return nil, fmt.Errorf("read section headers: %w", err)
	}
	return img, nil
}
