package emu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/go32stub/internal/dpmi"
)

func newProtectedHost(t *testing.T, cfg Config) (*Host, dpmi.ModeSwitchResult) {
	t.Helper()

	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	det, err := h.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	res, err := h.EnterProtectedMode(dpmi.ModeSwitchRequest{Entry: det.Entry, Flags: 1})
	if err != nil {
		t.Fatalf("EnterProtectedMode: %v", err)
	}
	return h, res
}

func TestDetectReportsCapabilities(t *testing.T) {
	h, err := New(Config{PrivateParas: 0x20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()

	det, err := h.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !det.Present || !det.Supports32Bit() {
		t.Fatalf("unexpected detect result %+v", det)
	}
	if det.RealModeParas != 0x20 {
		t.Fatalf("RealModeParas = %#x, want 0x20", det.RealModeParas)
	}
}

func TestServicesRequireProtectedMode(t *testing.T) {
	h, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()

	_, err = h.AllocDescriptors(1)
	var de *dpmi.Error
	if !errors.As(err, &de) || de.Code != dpmi.CodeUnsupported {
		t.Fatalf("AllocDescriptors before switch: %v", err)
	}
}

func TestModeSwitchNeedsReservation(t *testing.T) {
	h, err := New(Config{PrivateParas: 0x10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()

	_, err = h.EnterProtectedMode(dpmi.ModeSwitchRequest{Entry: SwitchEntry, Flags: 1})
	if !dpmi.IsFunc(err, dpmi.FuncModeSwitch) {
		t.Fatalf("expected mode switch failure, got %v", err)
	}
}

func TestModeSwitchSelectorsShareStubSegment(t *testing.T) {
	h, res := newProtectedHost(t, Config{})

	cs, err := h.Descriptor(res.CS)
	if err != nil {
		t.Fatalf("Descriptor(CS): %v", err)
	}
	ds, err := h.Descriptor(res.DS)
	if err != nil {
		t.Fatalf("Descriptor(DS): %v", err)
	}
	want := uint32(StubSegment) << 4
	if cs.Base() != want || ds.Base() != want {
		t.Fatalf("CS base %#x, DS base %#x, want %#x", cs.Base(), ds.Base(), want)
	}
	if !cs.Executable() || ds.Executable() {
		t.Fatalf("CS/DS types are wrong")
	}
}

func TestMemoryAndDescriptors(t *testing.T) {
	h, _ := newProtectedHost(t, Config{LinearMiB: 4})

	block, err := h.AllocMemory(0x1800)
	if err != nil {
		t.Fatalf("AllocMemory: %v", err)
	}
	if block.Size != 0x2000 || block.Base%pageSize != 0 {
		t.Fatalf("unexpected block %+v", block)
	}

	sel, err := h.AllocDescriptors(1)
	if err != nil {
		t.Fatalf("AllocDescriptors: %v", err)
	}
	if err := h.SetSegmentBase(sel, block.Base); err != nil {
		t.Fatalf("SetSegmentBase: %v", err)
	}
	if err := h.SetAccessRights(sel, dpmi.AccessData32); err != nil {
		t.Fatalf("SetAccessRights: %v", err)
	}
	if err := h.SetSegmentLimit(sel, block.Size-1); err != nil {
		t.Fatalf("SetSegmentLimit: %v", err)
	}

	payload := []byte("flat memory")
	if _, err := h.WriteAt(sel, payload, 0x100); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := h.ReadAt(sel, got, 0x100); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadAt = %q, want %q", got, payload)
	}

	if _, err := h.WriteAt(sel, payload, int64(block.Size)-2); !errors.Is(err, errSegmentLimit) {
		t.Fatalf("write past limit: %v", err)
	}
}

func TestRejectsBadLimitAndRights(t *testing.T) {
	h, _ := newProtectedHost(t, Config{})

	sel, err := h.AllocDescriptors(1)
	if err != nil {
		t.Fatalf("AllocDescriptors: %v", err)
	}
	if err := h.SetSegmentLimit(sel, 0x123456); !dpmi.IsFunc(err, dpmi.FuncSetSegmentLimit) {
		t.Fatalf("expected limit rejection, got %v", err)
	}
	if err := h.SetAccessRights(sel, 0x009b); !dpmi.IsFunc(err, dpmi.FuncSetAccessRights) {
		t.Fatalf("expected rights rejection, got %v", err)
	}
	if err := h.SetSegmentBase(dpmi.Selector(0x1234), 0); !dpmi.IsFunc(err, dpmi.FuncSetSegmentBase) {
		t.Fatalf("expected invalid selector, got %v", err)
	}
}

func TestAliasTracksSource(t *testing.T) {
	h, res := newProtectedHost(t, Config{})

	alias, err := h.CreateAlias(res.CS)
	if err != nil {
		t.Fatalf("CreateAlias: %v", err)
	}
	d, err := h.Descriptor(alias)
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	if d.Executable() {
		t.Fatalf("alias of a code segment must be data")
	}
	if d.Base() != uint32(StubSegment)<<4 || d.Limit() != 0xffff {
		t.Fatalf("alias base %#x limit %#x", d.Base(), d.Limit())
	}
}

func TestDOSBlockIsVisibleBothWays(t *testing.T) {
	h, _ := newProtectedHost(t, Config{})

	blk, err := h.AllocDOSBlock(0x400)
	if err != nil {
		t.Fatalf("AllocDOSBlock: %v", err)
	}
	if blk.Segment < freeSegment {
		t.Fatalf("block segment %#x overlaps the stub", blk.Segment)
	}
	d, err := h.Descriptor(blk.Selector)
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	if d.Base() != uint32(blk.Segment)<<4 || d.Limit() != 0x3fff {
		t.Fatalf("block descriptor base %#x limit %#x", d.Base(), d.Limit())
	}

	if _, err := h.AllocDOSBlock(0xffff); !dpmi.IsFunc(err, dpmi.FuncAllocDOSBlock) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

func TestFailureInjection(t *testing.T) {
	h, _ := newProtectedHost(t, Config{Fail: map[dpmi.Func]uint16{dpmi.FuncAllocMemory: dpmi.CodeNoMemory}})

	_, err := h.AllocMemory(0x1000)
	var de *dpmi.Error
	if !errors.As(err, &de) || de.Func != dpmi.FuncAllocMemory || de.Code != dpmi.CodeNoMemory {
		t.Fatalf("AllocMemory: %v", err)
	}
	calls := h.Calls()
	if calls[len(calls)-1] != dpmi.FuncAllocMemory {
		t.Fatalf("last call %v", calls[len(calls)-1])
	}
}

func TestTransferValidatesTarget(t *testing.T) {
	h, res := newProtectedHost(t, Config{})

	data, err := h.AllocDescriptors(1)
	if err != nil {
		t.Fatalf("AllocDescriptors: %v", err)
	}
	bad := dpmi.Handoff{FS: res.DS, DS: data, ES: res.DS, Entry: dpmi.FarPointer{Selector: data}}
	if err := h.Transfer(bad); !errors.Is(err, errSegmentLimit) {
		t.Fatalf("jump through data selector: %v", err)
	}
	if _, ok := h.Handoff(); ok {
		t.Fatalf("failed transfer was recorded")
	}

	good := dpmi.Handoff{FS: res.DS, DS: data, ES: res.DS, Entry: dpmi.FarPointer{Selector: res.CS, Offset: 0x10}}
	if err := h.Transfer(good); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	got, ok := h.Handoff()
	if !ok || got != good {
		t.Fatalf("Handoff = %+v, %v", got, ok)
	}
	if err := h.Transfer(good); err == nil {
		t.Fatalf("second transfer must fail")
	}
}
