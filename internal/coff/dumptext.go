package coff

import (
	"bufio"
	"strings"
)

const indentLevel = "  "

const hexDigits = "0123456789abcdef"

func writeInt(w *bufio.Writer, v uint32, sz uint) {
	w.WriteString("0x")
	for i := sz * 2; i > 0; i-- {
		w.WriteByte(hexDigits[(v>>((i-1)*4))&15])
	}
}

type field struct {
	name string
	data interface{}
	hint string
}

func dumpFields(w *bufio.Writer, prefix string, fields []field) {
	var maxName int
	for _, f := range fields {
		if len(f.name) > maxName {
			maxName = len(f.name)
		}
	}
	for _, f := range fields {
		w.WriteString(prefix)
		w.WriteString(f.name)
		w.WriteByte(':')
		w.WriteString(strings.Repeat(" ", maxName+2-len(f.name)))
		switch v := f.data.(type) {
		case string:
			w.WriteByte('"')
			w.WriteString(v)
			w.WriteByte('"')
		case uint16:
			writeInt(w, uint32(v), 2)
		case uint32:
			writeInt(w, v, 4)
		case int32:
			writeInt(w, uint32(v), 4)
		default:
			panic("unknown field type for " + f.name)
		}
		if f.hint != "" {
			w.WriteString("  ")
			w.WriteString(f.hint)
		}
		w.WriteByte('\n')
	}
}

func magicHint(m uint16) string {
	switch m {
	case MagicI386:
		return "i386"
	case MagicZMAGIC:
		return "ZMAGIC"
	default:
		return ""
	}
}

// DumpText writes the file header, in text format, to the writer.
func (h *FileHeader) DumpText(w *bufio.Writer, prefix string) {
	dumpFields(w, prefix, []field{
		{"Magic", h.Magic, magicHint(h.Magic)},
		{"Sections", h.NumSections, ""},
		{"Time Date", h.TimeDate, ""},
		{"Symbol Table", h.SymbolPtr, ""},
		{"Symbols", h.NumSymbols, ""},
		{"Optional Header Size", h.OptHeaderSize, ""},
		{"Flags", h.Flags, ""},
	})
}

// DumpText writes the optional header, in text format, to the writer.
func (h *OptionalHeader) DumpText(w *bufio.Writer, prefix string) {
	dumpFields(w, prefix, []field{
		{"Magic", h.Magic, magicHint(h.Magic)},
		{"Version Stamp", h.VersionStamp, ""},
		{"Text Size", h.TextSize, ""},
		{"Data Size", h.DataSize, ""},
		{"BSS Size", h.BSSSize, ""},
		{"Entry", h.Entry, ""},
		{"Text Start", h.TextStart, ""},
		{"Data Start", h.DataStart, ""},
	})
}

// DumpText writes the section header, in text format, to the writer. The
// name is passed through clean so escape sequences in a hostile file are
// not echoed to a terminal.
func (s *SectionHeader) DumpText(w *bufio.Writer, prefix string, clean func(string) string) {
	dumpFields(w, prefix, []field{
		{"Name", clean(s.NameString()), ""},
		{"Physical Address", s.PhysAddr, ""},
		{"Virtual Address", s.VirtualAddress, ""},
		{"Size", s.Size, ""},
		{"File Offset", s.FileOffset, ""},
		{"Relocations", s.RelocOffset, ""},
		{"Line Numbers", s.LineOffset, ""},
		{"Flags", s.Flags, ""},
	})
}

// DumpText writes the image, in text format, to the writer.
func (img *Image) DumpText(w *bufio.Writer, prefix string, clean func(string) string) {
	nprefix := prefix + indentLevel
	w.WriteString(prefix)
	w.WriteString("File Header:\n")
	img.File.DumpText(w, nprefix)
	w.WriteString(prefix)
	w.WriteString("Optional Header:\n")
	img.Optional.DumpText(w, nprefix)
	for k := Text; k < NumSections; k++ {
		w.WriteString(prefix)
		w.WriteString("Section ")
		w.WriteString(k.String())
		w.WriteString(":\n")
		img.Sections[k].DumpText(w, nprefix, clean)
	}
}
