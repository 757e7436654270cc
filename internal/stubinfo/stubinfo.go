// Package stubinfo encodes the control block a go32 stub hands to the program
// it loads. The layout is DJGPP's _GO32_StubInfo: 0x54 bytes, little endian,
// reached by the program through FS:0.
package stubinfo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Size is the encoded size of Info.
const Size = 0x54

// Field offsets.
const (
	magicOffset        = 0x00
	sizeOffset         = 0x10
	minStackOffset     = 0x14
	memoryHandleOffset = 0x18
	initialSizeOffset  = 0x1c
	minKeepOffset      = 0x20
	dsSelectorOffset   = 0x22
	dsSegmentOffset    = 0x24
	pspSelectorOffset  = 0x26
	csSelectorOffset   = 0x28
	envSizeOffset      = 0x2a
	basenameOffset     = 0x2c
	argv0Offset        = 0x34
	dpmiServerOffset   = 0x44
)

// Widths of the string fields.
const (
	MagicLen      = 16
	BasenameLen   = 8
	Argv0Len      = 16
	DPMIServerLen = 16
)

// Values written by the DJGPP stub.
const (
	DefaultMagic      = "go32stub,v3,stsp"
	DefaultMinStack   = 0x80000
	DefaultMinKeep    = 0x4000
	DefaultDPMIServer = "CWSDPMI.EXE"
)

// ErrEnvTooLarge is returned by EnvSize when the block does not fit the
// 16-bit field.
var ErrEnvTooLarge = errors.New("environment too large")

// Info is the decoded control block.
type Info struct {
	Magic        [MagicLen]byte
	Size         uint32
	MinStack     uint32
	MemoryHandle uint32
	InitialSize  uint32
	MinKeep      uint16
	DSSelector   uint16
	DSSegment    uint16
	PSPSelector  uint16
	CSSelector   uint16
	EnvSize      uint16
	Basename     [BasenameLen]byte
	Argv0        [Argv0Len]byte
	DPMIServer   [DPMIServerLen]byte
}

// SetString copies s into dst like strncpy: the remainder is NUL filled and
// a string of exactly len(dst) bytes or longer has no terminator.
func SetString(dst []byte, s string) {
	n := copy(dst, s)
	clear(dst[n:])
}

// String returns a field written by SetString without its padding.
func String(src []byte) string {
	for i, c := range src {
		if c == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}

// MarshalBinary encodes the block.
func (info *Info) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	le := binary.LittleEndian

	copy(buf[magicOffset:], info.Magic[:])
	le.PutUint32(buf[sizeOffset:], info.Size)
	le.PutUint32(buf[minStackOffset:], info.MinStack)
	le.PutUint32(buf[memoryHandleOffset:], info.MemoryHandle)
	le.PutUint32(buf[initialSizeOffset:], info.InitialSize)
	le.PutUint16(buf[minKeepOffset:], info.MinKeep)
	le.PutUint16(buf[dsSelectorOffset:], info.DSSelector)
	le.PutUint16(buf[dsSegmentOffset:], info.DSSegment)
	le.PutUint16(buf[pspSelectorOffset:], info.PSPSelector)
	le.PutUint16(buf[csSelectorOffset:], info.CSSelector)
	le.PutUint16(buf[envSizeOffset:], info.EnvSize)
	copy(buf[basenameOffset:], info.Basename[:])
	copy(buf[argv0Offset:], info.Argv0[:])
	copy(buf[dpmiServerOffset:], info.DPMIServer[:])

	return buf, nil
}

// UnmarshalBinary decodes a block. Data longer than Size is accepted and the
// tail ignored.
func (info *Info) UnmarshalBinary(data []byte) error {
	if len(data) < Size {
		return fmt.Errorf("stub info: %d bytes, need %#x", len(data), Size)
	}
	le := binary.LittleEndian

	copy(info.Magic[:], data[magicOffset:])
	info.Size = le.Uint32(data[sizeOffset:])
	info.MinStack = le.Uint32(data[minStackOffset:])
	info.MemoryHandle = le.Uint32(data[memoryHandleOffset:])
	info.InitialSize = le.Uint32(data[initialSizeOffset:])
	info.MinKeep = le.Uint16(data[minKeepOffset:])
	info.DSSelector = le.Uint16(data[dsSelectorOffset:])
	info.DSSegment = le.Uint16(data[dsSegmentOffset:])
	info.PSPSelector = le.Uint16(data[pspSelectorOffset:])
	info.CSSelector = le.Uint16(data[csSelectorOffset:])
	info.EnvSize = le.Uint16(data[envSizeOffset:])
	copy(info.Basename[:], data[basenameOffset:])
	copy(info.Argv0[:], data[argv0Offset:])
	copy(info.DPMIServer[:], data[dpmiServerOffset:])

	return nil
}

// EnvSize returns the length of the environment block the program will see:
// every variable and argv0 with their NULs plus the word before argv0. An
// empty environment has size zero.
func EnvSize(env []string, argv0 string) (uint16, error) {
	if len(env) == 0 {
		return 0, nil
	}
	total := 0
	for _, v := range env {
		total += len(v) + 1
	}
	total += len(argv0) + 1 + 2
	if total > 0xffff {
		return 0, fmt.Errorf("%w: %d bytes", ErrEnvTooLarge, total)
	}
	return uint16(total), nil
}

// Basename strips the directory and the extension from a DOS path. Both
// separators are accepted. The result is not truncated.
func Basename(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		path = path[:i]
	}
	return path
}
