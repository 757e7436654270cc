// Package exechain walks the wrapper headers at the front of a stubbed
// executable until it reaches the embedded COFF image.
package exechain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProbeSize is the number of bytes classified at each step.
const ProbeSize = 6

// ErrNotExecutable reports a probe that matches no known header.
var ErrNotExecutable = errors.New("not an exe")

// Kind identifies a header found in the chain.
type Kind int

const (
	KindUnknown Kind = iota
	// KindMZ is a DOS executable header. Its size fields give the length of
	// the real mode program.
	KindMZ
	// KindCauseWay is a CauseWay "3P" header carrying a 32-bit length.
	KindCauseWay
	// KindCOFF is the i386 COFF file header that ends the chain.
	KindCOFF
)

func (k Kind) String() string {
	switch k {
	case KindMZ:
		return "MZ"
	case KindCauseWay:
		return "3P"
	case KindCOFF:
		return "COFF"
	default:
		return "unknown"
	}
}

// Wrapper is one header passed on the way to the image.
type Wrapper struct {
	Kind    Kind
	Offset  int64
	Advance int64
}

// Chain is the result of a walk.
type Chain struct {
	Wrappers    []Wrapper
	ImageOffset int64
}

// MZAdvance returns the length of a DOS executable described by the
// e_cp (blocks) and e_cblp (partial) header fields.
func MZAdvance(blocks, partial uint16) int64 {
	adv := int64(blocks) * 512
	if partial != 0 {
		adv += int64(partial) - 512
	}
	return adv
}

// Classify identifies a probe and returns how far it moves the offset.
func Classify(probe [ProbeSize]byte) (Kind, int64) {
	switch {
	case probe[0] == 'M' && probe[1] == 'Z':
		partial := binary.LittleEndian.Uint16(probe[2:4])
		blocks := binary.LittleEndian.Uint16(probe[4:6])
		return KindMZ, MZAdvance(blocks, partial)
	case probe[0] == '3' && probe[1] == 'P':
		return KindCauseWay, int64(binary.LittleEndian.Uint32(probe[2:6]))
	case probe[0] == 0x4c && probe[1] == 0x01:
		return KindCOFF, 0
	default:
		return KindUnknown, 0
	}
}

// Walk reads r from offset 0 and follows wrapper headers until the COFF
// signature. The chain is trusted: there is no bound on its length, but a
// header must move the offset forward.
func Walk(r io.ReadSeeker) (Chain, error) {
	var chain Chain
	var off int64

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Chain{}, err
	}
	for {
		var probe [ProbeSize]byte
		if _, err := io.ReadFull(r, probe[:]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Chain{}, fmt.Errorf("read header at %#x: %w", off, err)
		}

		kind, adv := Classify(probe)
		switch kind {
		case KindCOFF:
			if _, err := r.Seek(off, io.SeekStart); err != nil {
				return Chain{}, err
			}
			chain.ImageOffset = off
			return chain, nil
		case KindUnknown:
			return Chain{}, fmt.Errorf("%w at %#x (probe % x)", ErrNotExecutable, off, probe)
		}

		if adv <= 0 {
			return Chain{}, fmt.Errorf("%w: %s header at %#x advances by %d", ErrNotExecutable, kind, off, adv)
		}
		chain.Wrappers = append(chain.Wrappers, Wrapper{Kind: kind, Offset: off, Advance: adv})
		off += adv
		if _, err := r.Seek(off, io.SeekStart); err != nil {
			return Chain{}, fmt.Errorf("seek to %s successor at %#x: %w", kind, off, err)
		}
	}
}
