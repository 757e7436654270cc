package stub

import (
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/go32stub/internal/coff"
	"github.com/tinyrange/go32stub/internal/config"
	"github.com/tinyrange/go32stub/internal/dpmi"
	"github.com/tinyrange/go32stub/internal/stubinfo"
)

const zeroChunk = 0x1000

var zeropage [zeroChunk]byte

// LoadSection copies one section from r into the region. The section must
// arrive in full; a short file gives a *ShortReadError.
func LoadSection(host dpmi.Host, r io.ReadSeeker, img *coff.Image, k coff.Kind, region Region, progress io.Writer) error {
	sec := img.Section(k)
	if _, err := r.Seek(img.Offset+int64(sec.FileOffset), io.SeekStart); err != nil {
		return fmt.Errorf("seek to %s: %w", k, err)
	}

	var dst io.Writer = dpmi.NewSegmentWriter(host, region.Data, int64(sec.VirtualAddress))
	if progress != nil {
		dst = io.MultiWriter(dst, progress)
	}
	want := int64(sec.Size)
	got, err := io.CopyN(dst, r, want)
	switch {
	case got == want:
		return nil
	case err == nil || errors.Is(err, io.EOF):
		return &ShortReadError{Want: want, Got: got}
	default:
		return fmt.Errorf("load %s: %w", k, err)
	}
}

// ZeroBSS clears the bss section in the region.
func ZeroBSS(host dpmi.Host, img *coff.Image, region Region) error {
	bss := img.Section(coff.BSS)
	off := int64(bss.VirtualAddress)
	for left := int64(bss.Size); left > 0; {
		n := min(left, zeroChunk)
		if _, err := host.WriteAt(region.Data, zeropage[:n], off); err != nil {
			return fmt.Errorf("clear bss at %#x: %w", off, err)
		}
		off += n
		left -= n
	}
	return nil
}

// BuildInfo fills the control block for a loaded program.
func BuildInfo(s *Session, a *Allocation, cfg config.Config, argv0 string, env []string) (*stubinfo.Info, error) {
	envSize, err := stubinfo.EnvSize(env, argv0)
	if err != nil {
		return nil, err
	}

	info := &stubinfo.Info{
		Size:         stubinfo.Size,
		MinStack:     cfg.MinStack,
		MemoryHandle: a.Region.Handle,
		InitialSize:  a.Region.Size,
		MinKeep:      cfg.MinKeep,
		DSSelector:   uint16(a.Keep.Selector),
		DSSegment:    a.Keep.Segment,
		PSPSelector:  uint16(s.PSP),
		CSSelector:   uint16(a.Keep.Code),
		EnvSize:      envSize,
	}
	stubinfo.SetString(info.Magic[:], cfg.Identity.Tag())
	stubinfo.SetString(info.Basename[:], stubinfo.Basename(argv0))
	stubinfo.SetString(info.Argv0[:], argv0)
	stubinfo.SetString(info.DPMIServer[:], cfg.DPMIServer)
	return info, nil
}

// InstallInfo writes the control block at offset in the bootstrap's data
// segment, where the relay selector points.
func InstallInfo(host dpmi.Host, s *Session, info *stubinfo.Info, offset uint16) error {
	buf, err := info.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := host.WriteAt(s.DS, buf, int64(offset)); err != nil {
		return fmt.Errorf("install control block: %w", err)
	}
	return nil
}

// Handoff returns the register state the program starts with.
func Handoff(s *Session, a *Allocation, img *coff.Image) dpmi.Handoff {
	return dpmi.Handoff{
		FS: a.Relay,
		DS: a.Region.Data,
		ES: s.DS,
		Entry: dpmi.FarPointer{
			Selector: a.Region.Code,
			Offset:   img.Entry(),
		},
	}
}
