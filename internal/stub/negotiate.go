package stub

import (
	"fmt"

	"github.com/tinyrange/go32stub/internal/dpmi"
)

// Session is the result of entering protected mode. The selectors are the
// ones active right after the switch; DS maps the bootstrap's own data.
type Session struct {
	Detect dpmi.DetectResult
	// PrivateSegment is the real mode block reserved for the host, zero when
	// the host asked for none.
	PrivateSegment uint16

	PSP dpmi.Selector
	CS  dpmi.Selector
	DS  dpmi.Selector
}

// Negotiate detects the host, reserves its private data and switches into
// 32-bit protected mode.
func Negotiate(host dpmi.Host) (*Session, error) {
	det, err := host.Detect()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDPMIUnavailable, err)
	}
	if !det.Present {
		return nil, ErrDPMIUnavailable
	}
	if !det.Supports32Bit() {
		return nil, ErrNo32Bit
	}

	s := &Session{Detect: det}
	if det.RealModeParas > 0 {
		seg, err := host.AllocConventional(det.RealModeParas)
		if err != nil {
			return nil, fmt.Errorf("malloc of %d para failed: %w", det.RealModeParas, err)
		}
		s.PrivateSegment = seg
	}

	res, err := host.EnterProtectedMode(dpmi.ModeSwitchRequest{
		Entry:          det.Entry,
		Flags:          1, // 32-bit client
		PrivateSegment: s.PrivateSegment,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModeSwitch, err)
	}
	s.PSP, s.CS, s.DS = res.PSP, res.CS, res.DS
	return s, nil
}
