// Package dpmi describes the DOS Protected Mode Interface services the stub
// depends on as a typed Go interface. A Host hides the register-level calls
// (INT 2Fh, INT 21h, INT 31h and the mode-switch far call) behind requests and
// responses so the loader can run against any implementation.
package dpmi

import (
	"errors"
	"fmt"
)

// A Selector identifies one descriptor table entry.
type Selector uint16

func (s Selector) String() string {
	return fmt.Sprintf("%#04x", uint16(s))
}

// Func is the number of a host service. INT 31h services use their AX value;
// the other entry points use the AX value of the interrupt they are reached
// through.
type Func uint16

const (
	FuncAllocLDT        Func = 0x0000
	FuncGetSegmentBase  Func = 0x0006
	FuncSetSegmentBase  Func = 0x0007
	FuncSetSegmentLimit Func = 0x0008
	FuncSetAccessRights Func = 0x0009
	FuncCreateAlias     Func = 0x000a
	FuncAllocDOSBlock   Func = 0x0100
	FuncAllocMemory     Func = 0x0501

	// INT 2Fh: obtain the real to protected mode switch entry point.
	FuncDetect Func = 0x1687
	// INT 21h AH=48h: allocate conventional memory.
	FuncDOSAlloc Func = 0x4800
	// INT 21h AH=3Fh: read from a file handle.
	FuncDOSRead Func = 0x3f00
	// The far call through the entry point returned by FuncDetect.
	FuncModeSwitch Func = 0xffff
)

var funcNames = map[Func]string{
	FuncAllocLDT:        "allocate LDT descriptors",
	FuncGetSegmentBase:  "get segment base address",
	FuncSetSegmentBase:  "set segment base address",
	FuncSetSegmentLimit: "set segment limit",
	FuncSetAccessRights: "set descriptor access rights",
	FuncCreateAlias:     "create alias descriptor",
	FuncAllocDOSBlock:   "allocate DOS memory block",
	FuncAllocMemory:     "allocate memory block",
	FuncDetect:          "obtain mode switch entry point",
	FuncDOSAlloc:        "allocate conventional memory",
	FuncDOSRead:         "read file",
	FuncModeSwitch:      "enter protected mode",
}

func (f Func) String() string {
	if name, ok := funcNames[f]; ok {
		return fmt.Sprintf("%s (%#04x)", name, uint16(f))
	}
	return fmt.Sprintf("function %#04x", uint16(f))
}

// Error codes returned in AX when a service sets the carry flag.
const (
	CodeUnsupported       uint16 = 0x8001
	CodeDescriptorUnavail uint16 = 0x8011
	CodeLinearUnavail     uint16 = 0x8012
	CodeNoMemory          uint16 = 0x8013
	CodeInvalidValue      uint16 = 0x8021
	CodeInvalidSelector   uint16 = 0x8022
	CodeInvalidHandle     uint16 = 0x8023
	CodeInvalidLinear     uint16 = 0x8025

	// DOS error 08h: insufficient memory.
	CodeDOSNoMemory uint16 = 0x0008
)

// An Error is a host service call that returned with the carry flag set.
type Error struct {
	Func Func
	Code uint16
}

func (e *Error) Error() string {
	return fmt.Sprintf("dpmi: %s failed with code %#04x", e.Func, e.Code)
}

// IsFunc reports whether err is an *Error raised by function f.
func IsFunc(err error, f Func) bool {
	var de *Error
	return errors.As(err, &de) && de.Func == f
}

// SplitLinear splits a 32-bit linear address into the high and low words
// passed in CX:DX or BX:CX.
func SplitLinear(addr uint32) (hi, lo uint16) {
	return uint16(addr >> 16), uint16(addr & 0xffff)
}

// JoinLinear is the inverse of SplitLinear.
func JoinLinear(hi, lo uint16) uint32 {
	return uint32(hi)<<16 | uint32(lo)
}

// A RealModePointer is a segment:offset pair.
type RealModePointer struct {
	Segment uint16
	Offset  uint16
}

func (p RealModePointer) String() string {
	return fmt.Sprintf("%04x:%04x", p.Segment, p.Offset)
}

// A FarPointer is a 48-bit protected mode pointer.
type FarPointer struct {
	Offset   uint32
	Selector Selector
}

func (p FarPointer) String() string {
	return fmt.Sprintf("%04x:%08x", uint16(p.Selector), p.Offset)
}

// DetectResult is the outcome of INT 2Fh AX=1687h.
type DetectResult struct {
	// Present is false when AX was non-zero on return.
	Present bool
	// Flags is BX; bit 0 set means 32-bit programs are supported.
	Flags         uint16
	ProcessorType uint8
	// Version holds the major version in the high byte.
	Version uint16
	// RealModeParas is SI, the number of paragraphs the host needs for its
	// private data. Zero means no reservation is required.
	RealModeParas uint16
	// Entry is ES:DI, the mode switch entry point.
	Entry RealModePointer
}

// Supports32Bit reports whether the host can run 32-bit clients.
func (d DetectResult) Supports32Bit() bool {
	return d.Flags&1 != 0
}

// ModeSwitchRequest parameterises the far call into the mode switch entry.
type ModeSwitchRequest struct {
	Entry RealModePointer
	// Flags is AX; bit 0 requests a 32-bit client.
	Flags uint16
	// PrivateSegment is ES, the reservation made for the host. Zero when the
	// host asked for none.
	PrivateSegment uint16
}

// ModeSwitchResult holds the segment registers right after the switch.
type ModeSwitchResult struct {
	PSP Selector // ES
	CS  Selector
	DS  Selector
}

// MemoryBlock is a linear memory block returned by function 0501h.
type MemoryBlock struct {
	Handle uint32 // SI:DI
	Base   uint32 // BX:CX
	Size   uint32
}

// DOSBlock is a conventional memory block returned by function 0100h. The
// block is reachable from real mode through Segment and from protected mode
// through Selector.
type DOSBlock struct {
	Segment  uint16
	Selector Selector
}

// Handoff describes the terminal transfer into the loaded program.
type Handoff struct {
	// FS addresses the control block.
	FS Selector
	// DS is loaded with the program's data selector.
	DS Selector
	// ES keeps the bootstrap's own data selector.
	ES Selector
	// Entry is the target of the far jump.
	Entry FarPointer
}

// Host is the set of privileged services the bootstrap needs. Every call is
// synchronous; a failing call returns an *Error.
type Host interface {
	// Detect queries INT 2Fh AX=1687h.
	Detect() (DetectResult, error)
	// AllocConventional allocates paras paragraphs with INT 21h AH=48h and
	// returns the segment.
	AllocConventional(paras uint16) (uint16, error)
	// EnterProtectedMode performs the far call through the switch entry.
	EnterProtectedMode(req ModeSwitchRequest) (ModeSwitchResult, error)

	AllocDescriptors(count int) (Selector, error)
	SegmentBase(sel Selector) (uint32, error)
	SetSegmentBase(sel Selector, base uint32) error
	SetSegmentLimit(sel Selector, limit uint32) error
	SetAccessRights(sel Selector, rights uint16) error
	CreateAlias(sel Selector) (Selector, error)
	AllocDOSBlock(paras uint16) (DOSBlock, error)
	AllocMemory(size uint32) (MemoryBlock, error)

	// WriteAt stores p at offset off of the segment addressed by sel. The
	// write must lie within the segment limit.
	WriteAt(sel Selector, p []byte, off int64) (int, error)

	// Transfer loads the segment registers and jumps to h.Entry. On a real
	// host it does not return.
	Transfer(h Handoff) error
}
