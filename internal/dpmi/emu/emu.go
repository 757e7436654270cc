// Package emu is a software DPMI host. It keeps a local descriptor table, a
// conventional memory arena and a linear memory arena in process memory and
// services dpmi.Host calls against them. The terminal transfer is recorded
// rather than executed, which lets the whole bootstrap run on any platform.
package emu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/go32stub/internal/debug"
	"github.com/tinyrange/go32stub/internal/dpmi"
)

// Real mode layout of the bootstrap process.
const (
	PSPSegment  uint16 = 0x0800
	StubSegment uint16 = 0x0810
	stubParas          = 0x1000 // 64 KiB
	freeSegment        = StubSegment + stubParas
)

// SwitchEntry is the mode switch entry point reported by Detect.
var SwitchEntry = dpmi.RealModePointer{Segment: 0xf000, Offset: 0x1687}

// Config selects the shape of the emulated host.
type Config struct {
	// ConventionalKiB is the size of conventional memory. Default 640.
	ConventionalKiB int
	// LinearMiB is the size of the extended memory arena. Default 64.
	LinearMiB int
	// LDTEntries is the number of local descriptors. Default 256.
	LDTEntries int
	// PrivateParas is the real mode reservation reported by Detect.
	PrivateParas uint16
	// Absent makes Detect report that no host is installed.
	Absent bool
	// No32Bit clears the 32-bit capability flag.
	No32Bit bool
	// Fail makes the given services fail with the given error code.
	Fail map[dpmi.Func]uint16
}

func (c Config) withDefaults() Config {
	out := c
	if out.ConventionalKiB == 0 {
		out.ConventionalKiB = 640
	}
	if out.LinearMiB == 0 {
		out.LinearMiB = 64
	}
	if out.LDTEntries == 0 {
		out.LDTEntries = 256
	}
	return out
}

type ldtEntry struct {
	used bool
	desc dpmi.Descriptor
}

// Host implements dpmi.Host.
type Host struct {
	mu sync.Mutex

	cfg   Config
	trace debug.Debug

	conv    *conventional
	linear  *linearSpace
	release func() error

	ldt       []ldtEntry
	protected bool
	calls     []dpmi.Func

	handoff     dpmi.Handoff
	transferred bool
}

var _ dpmi.Host = &Host{}

// New creates a host in real mode.
func New(cfg Config) (*Host, error) {
	cfg = cfg.withDefaults()

	convSize := cfg.ConventionalKiB * 1024
	if convSize > 0xa0000 || convSize < int(freeSegment)<<4 {
		return nil, fmt.Errorf("emu: conventional memory of %d KiB out of range", cfg.ConventionalKiB)
	}
	if cfg.LDTEntries < 8 || cfg.LDTEntries > 8192 {
		return nil, fmt.Errorf("emu: %d LDT entries out of range", cfg.LDTEntries)
	}
	linearSize := cfg.LinearMiB << 20
	if linearSize <= 0 || uint64(linearBase)+uint64(linearSize) > 1<<32 {
		return nil, fmt.Errorf("emu: linear arena of %d MiB out of range", cfg.LinearMiB)
	}

	mem, release, err := mapArena(linearSize)
	if err != nil {
		return nil, err
	}

	return &Host{
		cfg:     cfg,
		trace:   debug.WithSource("dpmi"),
		conv:    newConventional(make([]byte, convSize), freeSegment),
		linear:  newLinearSpace(linearBase, mem),
		release: release,
		ldt:     make([]ldtEntry, cfg.LDTEntries),
	}, nil
}

// Close releases the arenas. Memory handed to a client is gone afterwards.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.release == nil {
		return nil
	}
	err := h.release()
	h.release = nil
	h.linear = newLinearSpace(linearBase, nil)
	return err
}

func (h *Host) enter(f dpmi.Func, needProtected bool) error {
	h.calls = append(h.calls, f)
	if code, ok := h.cfg.Fail[f]; ok {
		return h.fail(f, code)
	}
	if needProtected && !h.protected {
		return h.fail(f, dpmi.CodeUnsupported)
	}
	return nil
}

func (h *Host) fail(f dpmi.Func, code uint16) error {
	h.trace.Writef("%s: carry set, ax=%#04x", f, code)
	return &dpmi.Error{Func: f, Code: code}
}

// Detect implements dpmi.Host.
func (h *Host) Detect() (dpmi.DetectResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enter(dpmi.FuncDetect, false); err != nil {
		return dpmi.DetectResult{}, err
	}
	if h.cfg.Absent {
		h.trace.Writef("%s: no host", dpmi.FuncDetect)
		return dpmi.DetectResult{}, nil
	}

	res := dpmi.DetectResult{
		Present:       true,
		ProcessorType: 3,
		Version:       0x005a,
		RealModeParas: h.cfg.PrivateParas,
		Entry:         SwitchEntry,
	}
	if !h.cfg.No32Bit {
		res.Flags |= 1
	}
	h.trace.Writef("%s: bx=%#04x si=%#04x entry=%s", dpmi.FuncDetect, res.Flags, res.RealModeParas, res.Entry)
	return res, nil
}

// AllocConventional implements dpmi.Host.
func (h *Host) AllocConventional(paras uint16) (uint16, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enter(dpmi.FuncDOSAlloc, false); err != nil {
		return 0, err
	}
	seg, largest, ok := h.conv.allocate(paras)
	if !ok {
		h.trace.Writef("%s: %#x paragraphs requested, largest %#x", dpmi.FuncDOSAlloc, paras, largest)
		return 0, h.fail(dpmi.FuncDOSAlloc, dpmi.CodeDOSNoMemory)
	}
	h.trace.Writef("%s: %#x paragraphs at %04x", dpmi.FuncDOSAlloc, paras, seg)
	return seg, nil
}

// EnterProtectedMode implements dpmi.Host.
func (h *Host) EnterProtectedMode(req dpmi.ModeSwitchRequest) (dpmi.ModeSwitchResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enter(dpmi.FuncModeSwitch, false); err != nil {
		return dpmi.ModeSwitchResult{}, err
	}
	switch {
	case h.cfg.Absent || req.Entry != SwitchEntry:
		return dpmi.ModeSwitchResult{}, h.fail(dpmi.FuncModeSwitch, dpmi.CodeUnsupported)
	case req.Flags&1 != 0 && h.cfg.No32Bit:
		return dpmi.ModeSwitchResult{}, h.fail(dpmi.FuncModeSwitch, dpmi.CodeUnsupported)
	case h.cfg.PrivateParas != 0 && req.PrivateSegment == 0:
		return dpmi.ModeSwitchResult{}, h.fail(dpmi.FuncModeSwitch, dpmi.CodeInvalidValue)
	case h.protected:
		return dpmi.ModeSwitchResult{}, h.fail(dpmi.FuncModeSwitch, dpmi.CodeUnsupported)
	}

	psp, err := h.allocLocked(1, uint32(PSPSegment)<<4, 0xff, 0x00f3)
	if err != nil {
		return dpmi.ModeSwitchResult{}, err
	}
	cs, err := h.allocLocked(1, uint32(StubSegment)<<4, 0xffff, dpmi.AccessCode16)
	if err != nil {
		return dpmi.ModeSwitchResult{}, err
	}
	ds, err := h.allocLocked(1, uint32(StubSegment)<<4, 0xffff, 0x00f3)
	if err != nil {
		return dpmi.ModeSwitchResult{}, err
	}
	h.protected = true

	res := dpmi.ModeSwitchResult{PSP: psp, CS: cs, DS: ds}
	h.trace.Writef("%s: es=%s cs=%s ds=%s", dpmi.FuncModeSwitch, psp, cs, ds)
	return res, nil
}

func selectorFor(index int) dpmi.Selector {
	// TI=1 (LDT), RPL=3
	return dpmi.Selector(index<<3 | 4 | 3)
}

func (h *Host) allocLocked(count int, base, limit uint32, rights uint16) (dpmi.Selector, error) {
	if count <= 0 {
		return 0, h.fail(dpmi.FuncAllocLDT, dpmi.CodeInvalidValue)
	}
	run := 0
	// Index 0 stays unused so no selector is the null selector.
	for i := 1; i < len(h.ldt); i++ {
		if h.ldt[i].used {
			run = 0
			continue
		}
		run++
		if run == count {
			first := i - count + 1
			for j := first; j <= i; j++ {
				h.ldt[j] = ldtEntry{used: true, desc: dpmi.NewDescriptor(base, limit, rights)}
			}
			return selectorFor(first), nil
		}
	}
	return 0, h.fail(dpmi.FuncAllocLDT, dpmi.CodeDescriptorUnavail)
}

func (h *Host) lookup(f dpmi.Func, sel dpmi.Selector) (*ldtEntry, error) {
	index := int(sel >> 3)
	if sel&4 == 0 || index <= 0 || index >= len(h.ldt) || !h.ldt[index].used {
		return nil, h.fail(f, dpmi.CodeInvalidSelector)
	}
	return &h.ldt[index], nil
}

// AllocDescriptors implements dpmi.Host.
func (h *Host) AllocDescriptors(count int) (dpmi.Selector, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enter(dpmi.FuncAllocLDT, true); err != nil {
		return 0, err
	}
	sel, err := h.allocLocked(count, 0, 0, 0x00f3)
	if err != nil {
		return 0, err
	}
	h.trace.Writef("%s: %d at %s", dpmi.FuncAllocLDT, count, sel)
	return sel, nil
}

// SegmentBase implements dpmi.Host.
func (h *Host) SegmentBase(sel dpmi.Selector) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enter(dpmi.FuncGetSegmentBase, true); err != nil {
		return 0, err
	}
	e, err := h.lookup(dpmi.FuncGetSegmentBase, sel)
	if err != nil {
		return 0, err
	}
	return e.desc.Base(), nil
}

// SetSegmentBase implements dpmi.Host.
func (h *Host) SetSegmentBase(sel dpmi.Selector, base uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enter(dpmi.FuncSetSegmentBase, true); err != nil {
		return err
	}
	e, err := h.lookup(dpmi.FuncSetSegmentBase, sel)
	if err != nil {
		return err
	}
	hi, lo := dpmi.SplitLinear(base)
	e.desc.SetBase(dpmi.JoinLinear(hi, lo))
	h.trace.Writef("%s: %s cx:dx=%04x:%04x", dpmi.FuncSetSegmentBase, sel, hi, lo)
	return nil
}

// SetSegmentLimit implements dpmi.Host.
func (h *Host) SetSegmentLimit(sel dpmi.Selector, limit uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enter(dpmi.FuncSetSegmentLimit, true); err != nil {
		return err
	}
	e, err := h.lookup(dpmi.FuncSetSegmentLimit, sel)
	if err != nil {
		return err
	}
	if !dpmi.ValidLimit(limit) {
		return h.fail(dpmi.FuncSetSegmentLimit, dpmi.CodeInvalidValue)
	}
	e.desc.SetLimit(limit)
	h.trace.Writef("%s: %s limit=%#x", dpmi.FuncSetSegmentLimit, sel, limit)
	return nil
}

// SetAccessRights implements dpmi.Host.
func (h *Host) SetAccessRights(sel dpmi.Selector, rights uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enter(dpmi.FuncSetAccessRights, true); err != nil {
		return err
	}
	e, err := h.lookup(dpmi.FuncSetAccessRights, sel)
	if err != nil {
		return err
	}
	if !dpmi.ValidClientRights(rights) {
		return h.fail(dpmi.FuncSetAccessRights, dpmi.CodeInvalidValue)
	}
	e.desc.SetRights(rights)
	h.trace.Writef("%s: %s cx=%#04x", dpmi.FuncSetAccessRights, sel, rights)
	return nil
}

// CreateAlias implements dpmi.Host. The alias is a read/write data
// descriptor over the same memory.
func (h *Host) CreateAlias(sel dpmi.Selector) (dpmi.Selector, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enter(dpmi.FuncCreateAlias, true); err != nil {
		return 0, err
	}
	e, err := h.lookup(dpmi.FuncCreateAlias, sel)
	if err != nil {
		return 0, err
	}
	src := e.desc
	alias, err := h.allocLocked(1, src.Base(), src.Limit(), src.Rights()&0x7000|0x00f3)
	if err != nil {
		return 0, err
	}
	h.trace.Writef("%s: %s -> %s", dpmi.FuncCreateAlias, sel, alias)
	return alias, nil
}

// AllocDOSBlock implements dpmi.Host.
func (h *Host) AllocDOSBlock(paras uint16) (dpmi.DOSBlock, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enter(dpmi.FuncAllocDOSBlock, true); err != nil {
		return dpmi.DOSBlock{}, err
	}
	seg, _, ok := h.conv.allocate(paras)
	if !ok {
		return dpmi.DOSBlock{}, h.fail(dpmi.FuncAllocDOSBlock, dpmi.CodeDOSNoMemory)
	}
	sel, err := h.allocLocked(1, uint32(seg)<<4, uint32(paras)<<4-1, 0x00f3)
	if err != nil {
		return dpmi.DOSBlock{}, err
	}
	h.trace.Writef("%s: %#x paragraphs at %04x, %s", dpmi.FuncAllocDOSBlock, paras, seg, sel)
	return dpmi.DOSBlock{Segment: seg, Selector: sel}, nil
}

// AllocMemory implements dpmi.Host.
func (h *Host) AllocMemory(size uint32) (dpmi.MemoryBlock, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enter(dpmi.FuncAllocMemory, true); err != nil {
		return dpmi.MemoryBlock{}, err
	}
	block, err := h.linear.allocate(size)
	if err != nil {
		h.trace.Writef("%s: %v", dpmi.FuncAllocMemory, err)
		return dpmi.MemoryBlock{}, h.fail(dpmi.FuncAllocMemory, dpmi.CodeNoMemory)
	}
	bx, cx := dpmi.SplitLinear(block.Base)
	si, di := dpmi.SplitLinear(block.Handle)
	h.trace.Writef("%s: %#x bytes, bx:cx=%04x:%04x si:di=%04x:%04x", dpmi.FuncAllocMemory, size, bx, cx, si, di)
	return block, nil
}

// resolve maps sel:off..off+n to backing memory, enforcing the segment
// limit.
func (h *Host) resolve(f dpmi.Func, sel dpmi.Selector, off int64, n int) ([]byte, error) {
	e, err := h.lookup(f, sel)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	last := off + int64(n) - 1
	if off < 0 || last > int64(e.desc.Limit()) {
		return nil, fmt.Errorf("emu: %s:%#x+%#x outside limit %#x: %w", sel, off, n, e.desc.Limit(), errSegmentLimit)
	}
	addr := uint64(e.desc.Base()) + uint64(off)
	if addr+uint64(n) > 1<<32 {
		return nil, fmt.Errorf("emu: %s:%#x wraps the address space: %w", sel, off, errUnmapped)
	}
	if b, ok := h.conv.slice(uint32(addr), n); ok {
		return b, nil
	}
	if b, ok := h.linear.slice(uint32(addr), n); ok {
		return b, nil
	}
	return nil, fmt.Errorf("emu: linear %#x+%#x is not mapped: %w", addr, n, errUnmapped)
}

var (
	errSegmentLimit = errors.New("general protection fault")
	errUnmapped     = errors.New("page fault")
)

// WriteAt implements dpmi.Host.
func (h *Host) WriteAt(sel dpmi.Selector, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dst, err := h.resolve(dpmi.FuncDOSRead, sel, off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// ReadAt copies len(p) bytes from sel:off.
func (h *Host) ReadAt(sel dpmi.Selector, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	src, err := h.resolve(dpmi.FuncDOSRead, sel, off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// Transfer implements dpmi.Host. The handoff is validated the way the
// processor would on the segment loads and the far jump, then recorded.
func (h *Host) Transfer(hand dpmi.Handoff) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.transferred {
		return errors.New("emu: control already transferred")
	}
	if !h.protected {
		return errors.New("emu: transfer before entering protected mode")
	}
	for _, sel := range []dpmi.Selector{hand.FS, hand.DS, hand.ES} {
		if _, err := h.lookup(dpmi.FuncModeSwitch, sel); err != nil {
			return fmt.Errorf("emu: load segment register %s: %w", sel, errSegmentLimit)
		}
	}
	code, err := h.lookup(dpmi.FuncModeSwitch, hand.Entry.Selector)
	if err != nil || !code.desc.Executable() {
		return fmt.Errorf("emu: far jump through non-code selector %s: %w", hand.Entry.Selector, errSegmentLimit)
	}
	if hand.Entry.Offset > code.desc.Limit() {
		return fmt.Errorf("emu: entry %s beyond limit %#x: %w", hand.Entry, code.desc.Limit(), errSegmentLimit)
	}

	h.handoff = hand
	h.transferred = true
	h.trace.Writef("transfer: fs=%s ds=%s es=%s jmp %s", hand.FS, hand.DS, hand.ES, hand.Entry)
	return nil
}

// Handoff returns the recorded transfer, if any.
func (h *Host) Handoff() (dpmi.Handoff, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.handoff, h.transferred
}

// Descriptor returns the descriptor behind sel.
func (h *Host) Descriptor(sel dpmi.Selector) (dpmi.Descriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, err := h.lookup(dpmi.FuncGetSegmentBase, sel)
	if err != nil {
		return dpmi.Descriptor{}, err
	}
	return e.desc, nil
}

// Block returns the linear memory block with the given handle.
func (h *Host) Block(handle uint32) (dpmi.MemoryBlock, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.linear.block(handle)
}

// Calls returns the services invoked so far, in order.
func (h *Host) Calls() []dpmi.Func {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]dpmi.Func(nil), h.calls...)
}
