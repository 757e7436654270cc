package stub

import (
	"fmt"
	"math"

	"github.com/tinyrange/go32stub/internal/coff"
	"github.com/tinyrange/go32stub/internal/config"
	"github.com/tinyrange/go32stub/internal/dpmi"
	"github.com/tinyrange/go32stub/internal/stubinfo"
)

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

// Footprint returns the size of the flat region for img: the end of bss or
// floor, whichever is larger, rounded up to a page.
func Footprint(img *coff.Image, floor, pageSize uint32) (uint32, error) {
	end := img.BSSEnd()
	if end < uint64(floor) {
		end = uint64(floor)
	}
	size := alignUp(end, uint64(pageSize))
	if size > math.MaxUint32 {
		return 0, fmt.Errorf("program needs %#x bytes, more than the address space", size)
	}
	return uint32(size), nil
}

// Region is the flat memory block of the program and the two selectors over
// it. Both selectors share the base and the limit Size-1.
type Region struct {
	Handle uint32
	Base   uint32
	Size   uint32
	Code   dpmi.Selector
	Data   dpmi.Selector
}

// Limit returns the segment limit of Code and Data.
func (r Region) Limit() uint32 {
	return r.Size - 1
}

// KeepBlock is the conventional memory the program keeps for transfers to
// real mode. Code is an executable alias of Selector.
type KeepBlock struct {
	Selector dpmi.Selector
	Segment  uint16
	Code     dpmi.Selector
}

// Allocation is everything Allocate obtained from the host. None of it is
// ever freed by the loader.
type Allocation struct {
	Region Region
	Keep   KeepBlock
	// Relay addresses the control block inside the bootstrap's data and
	// nothing past it.
	Relay dpmi.Selector
}

// Allocate reserves the keep block, the flat region and its selectors, and
// the relay selector for the control block.
func Allocate(host dpmi.Host, s *Session, img *coff.Image, cfg config.Config) (*Allocation, error) {
	size, err := Footprint(img, cfg.Floor, cfg.PageSize)
	if err != nil {
		return nil, err
	}
	a := &Allocation{}

	dos, err := host.AllocDOSBlock(cfg.MinKeep >> 4)
	if err != nil {
		return nil, fmt.Errorf("allocate keep block: %w", err)
	}
	a.Keep.Selector, a.Keep.Segment = dos.Selector, dos.Segment
	if a.Keep.Code, err = host.CreateAlias(dos.Selector); err != nil {
		return nil, fmt.Errorf("alias keep block: %w", err)
	}
	if err := host.SetAccessRights(a.Keep.Code, dpmi.AccessCode16); err != nil {
		return nil, fmt.Errorf("make keep block executable: %w", err)
	}

	if a.Region.Code, err = host.AllocDescriptors(1); err != nil {
		return nil, fmt.Errorf("allocate code selector: %w", err)
	}
	if a.Region.Data, err = host.AllocDescriptors(1); err != nil {
		return nil, fmt.Errorf("allocate data selector: %w", err)
	}

	block, err := host.AllocMemory(size)
	if err != nil {
		return nil, fmt.Errorf("allocate %#x bytes: %w", size, err)
	}
	a.Region.Handle, a.Region.Base, a.Region.Size = block.Handle, block.Base, size

	if err := program(host, a.Region.Code, a.Region.Base, a.Region.Limit(), dpmi.AccessCode32); err != nil {
		return nil, fmt.Errorf("code selector: %w", err)
	}
	if err := program(host, a.Region.Data, a.Region.Base, a.Region.Limit(), dpmi.AccessData32); err != nil {
		return nil, fmt.Errorf("data selector: %w", err)
	}

	if a.Relay, err = host.CreateAlias(s.DS); err != nil {
		return nil, fmt.Errorf("alias data segment: %w", err)
	}
	dsBase, err := host.SegmentBase(s.DS)
	if err != nil {
		return nil, fmt.Errorf("data segment base: %w", err)
	}
	if err := host.SetSegmentBase(a.Relay, dsBase+uint32(cfg.InfoOffset)); err != nil {
		return nil, fmt.Errorf("relay base: %w", err)
	}
	if err := host.SetSegmentLimit(a.Relay, stubinfo.Size-1); err != nil {
		return nil, fmt.Errorf("relay limit: %w", err)
	}
	return a, nil
}

// program sets up a fresh descriptor. The limit goes last because it picks
// the granularity.
func program(host dpmi.Host, sel dpmi.Selector, base, limit uint32, rights uint16) error {
	if err := host.SetSegmentBase(sel, base); err != nil {
		return err
	}
	if err := host.SetAccessRights(sel, rights); err != nil {
		return err
	}
	return host.SetSegmentLimit(sel, limit)
}
