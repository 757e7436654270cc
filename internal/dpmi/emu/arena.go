package emu

import (
	"fmt"

	"github.com/tinyrange/go32stub/internal/dpmi"
)

const pageSize = 0x1000

// Extended memory starts above the high memory area.
const linearBase = 0x00110000

// linearSpace hands out page-aligned linear memory blocks from one backing
// mapping. Blocks are never freed; the client owns them once allocated.
type linearSpace struct {
	base   uint32
	mem    []byte
	next   uint32
	blocks []dpmi.MemoryBlock
}

func newLinearSpace(base uint32, mem []byte) *linearSpace {
	return &linearSpace{
		base: base,
		mem:  mem,
		next: base,
	}
}

func (l *linearSpace) end() uint64 {
	return uint64(l.base) + uint64(len(l.mem))
}

// allocate reserves size bytes rounded up to whole pages.
func (l *linearSpace) allocate(size uint32) (dpmi.MemoryBlock, error) {
	if size == 0 {
		return dpmi.MemoryBlock{}, fmt.Errorf("linear space: cannot allocate zero-size block")
	}
	base := uint64(alignUp(l.next, pageSize))
	aligned := uint64(alignUp(size, pageSize))
	if aligned < uint64(size) || base+aligned > l.end() {
		return dpmi.MemoryBlock{}, fmt.Errorf("linear space: %#x bytes at %#x exceeds arena end %#x", size, base, l.end())
	}

	block := dpmi.MemoryBlock{
		Handle: uint32(len(l.blocks) + 1),
		Base:   uint32(base),
		Size:   uint32(aligned),
	}
	l.blocks = append(l.blocks, block)
	l.next = uint32(base + aligned)
	return block, nil
}

// slice returns the backing bytes of [addr, addr+n) if that range lies in a
// single allocated block.
func (l *linearSpace) slice(addr uint32, n int) ([]byte, bool) {
	for _, b := range l.blocks {
		start := uint64(b.Base)
		if uint64(addr) < start || uint64(addr)+uint64(n) > start+uint64(b.Size) {
			continue
		}
		off := uint64(addr) - uint64(l.base)
		return l.mem[off : off+uint64(n)], true
	}
	return nil, false
}

func (l *linearSpace) block(handle uint32) (dpmi.MemoryBlock, bool) {
	if handle == 0 || int(handle) > len(l.blocks) {
		return dpmi.MemoryBlock{}, false
	}
	return l.blocks[handle-1], true
}

// conventional is the first megabyte below the video area, allocated in
// paragraphs from the bottom up.
type conventional struct {
	mem      []byte
	nextPara uint32
}

func newConventional(mem []byte, firstSegment uint16) *conventional {
	return &conventional{mem: mem, nextPara: uint32(firstSegment)}
}

func (c *conventional) limitPara() uint32 {
	return uint32(len(c.mem)) >> 4
}

// allocate returns the segment of a paras-paragraph block, or the largest
// block still available.
func (c *conventional) allocate(paras uint16) (uint16, uint16, bool) {
	free := c.limitPara() - c.nextPara
	if paras == 0 || uint32(paras) > free {
		if free > 0xffff {
			free = 0xffff
		}
		return 0, uint16(free), false
	}
	seg := uint16(c.nextPara)
	c.nextPara += uint32(paras)
	return seg, paras, true
}

func (c *conventional) slice(addr uint32, n int) ([]byte, bool) {
	if uint64(addr)+uint64(n) > uint64(len(c.mem)) {
		return nil, false
	}
	return c.mem[addr : addr+uint32(n)], true
}

func alignUp(value, align uint32) uint32 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
