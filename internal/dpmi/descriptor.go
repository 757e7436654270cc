package dpmi

import "encoding/binary"

// Access rights used by the stub. The low byte is the descriptor access byte,
// the high byte carries the granularity and default size bits.
const (
	AccessCode32 uint16 = 0xc0fb // present, DPL 3, code exec/read, 32-bit, 4 KiB granular
	AccessData32 uint16 = 0xc0f3 // present, DPL 3, data read/write, 32-bit, 4 KiB granular
	AccessCode16 uint16 = 0x00fb // present, DPL 3, code exec/read, byte granular

	accessPresent  = 0x80
	accessDPLMask  = 0x60
	accessSystem   = 0x10
	accessCode     = 0x08
	extGranularity = 0x80
	extDefault32   = 0x40
)

// Descriptor is an 8-byte segment descriptor in the layout used by the
// processor.
type Descriptor [8]byte

// NewDescriptor encodes a descriptor. limit is in bytes; values above 1 MiB
// select page granularity and must have the low 12 bits set.
func NewDescriptor(base, limit uint32, rights uint16) Descriptor {
	var d Descriptor
	d.SetBase(base)
	d.SetRights(rights)
	d.SetLimit(limit)
	return d
}

func (d *Descriptor) Base() uint32 {
	return uint32(binary.LittleEndian.Uint16(d[2:4])) |
		uint32(d[4])<<16 | uint32(d[7])<<24
}

func (d *Descriptor) SetBase(base uint32) {
	binary.LittleEndian.PutUint16(d[2:4], uint16(base))
	d[4] = uint8(base >> 16)
	d[7] = uint8(base >> 24)
}

// Limit returns the segment limit in bytes.
func (d *Descriptor) Limit() uint32 {
	raw := uint32(binary.LittleEndian.Uint16(d[0:2])) | uint32(d[6]&0x0f)<<16
	if d.PageGranular() {
		return raw<<12 | 0xfff
	}
	return raw
}

// SetLimit stores limit, choosing byte or page granularity.
func (d *Descriptor) SetLimit(limit uint32) {
	raw := limit
	if limit > 0xfffff {
		raw = limit >> 12
		d[6] |= extGranularity
	} else {
		d[6] &^= extGranularity
	}
	binary.LittleEndian.PutUint16(d[0:2], uint16(raw))
	d[6] = d[6]&0xf0 | uint8(raw>>16)&0x0f
}

// Rights returns the access byte and extended type in the DPMI 0009h layout.
func (d *Descriptor) Rights() uint16 {
	return uint16(d[6]&0xf0)<<8 | uint16(d[5])
}

// SetRights stores the access byte and the default size and available bits.
// Granularity follows the limit and is left alone.
func (d *Descriptor) SetRights(rights uint16) {
	d[5] = uint8(rights)
	d[6] = d[6]&0x8f | uint8(rights>>8)&0x70
}

func (d *Descriptor) PageGranular() bool { return d[6]&extGranularity != 0 }
func (d *Descriptor) Default32() bool    { return d[6]&extDefault32 != 0 }
func (d *Descriptor) Present() bool      { return d[5]&accessPresent != 0 }
func (d *Descriptor) Executable() bool   { return d[5]&accessCode != 0 }
func (d *Descriptor) DPL() int           { return int(d[5]&accessDPLMask) >> 5 }

// ValidClientRights reports whether rights may be set by a ring 3 client:
// a present, non-system segment with DPL 3.
func ValidClientRights(rights uint16) bool {
	access := uint8(rights)
	return access&accessPresent != 0 &&
		access&accessSystem != 0 &&
		access&accessDPLMask == accessDPLMask
}

// ValidLimit reports whether limit can be encoded. Limits above 1 MiB must
// cover whole pages.
func ValidLimit(limit uint32) bool {
	return limit <= 0xfffff || limit&0xfff == 0xfff
}
