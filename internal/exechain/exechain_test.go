package exechain

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

var coffMagic = []byte{0x4c, 0x01, 0x03, 0x00, 0x00, 0x00}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func mustMZ(t *testing.T, size int) []byte {
	t.Helper()
	b, err := MZStub(size)
	if err != nil {
		t.Fatalf("MZStub(%d): %v", size, err)
	}
	return b
}

func mustCW(t *testing.T, size int) []byte {
	t.Helper()
	b, err := CauseWayStub(size)
	if err != nil {
		t.Fatalf("CauseWayStub(%d): %v", size, err)
	}
	return b
}

func TestMZAdvance(t *testing.T) {
	for _, tc := range []struct {
		blocks, partial uint16
		want            int64
	}{
		{1, 0, 512},
		{4, 0, 2048},
		{4, 100, 3*512 + 100},
		{1, 511, 511},
		{0, 0, 0},
	} {
		if got := MZAdvance(tc.blocks, tc.partial); got != tc.want {
			t.Errorf("MZAdvance(%d, %d) = %d, want %d", tc.blocks, tc.partial, got, tc.want)
		}
	}
}

func TestWalkChains(t *testing.T) {
	for _, tc := range []struct {
		name   string
		prefix [][]byte
		kinds  []Kind
	}{
		{"bare image", nil, nil},
		{"single MZ block", [][]byte{mustMZ(t, 512)}, []Kind{KindMZ}},
		{"partial MZ", [][]byte{mustMZ(t, 2000)}, []Kind{KindMZ}},
		{"CauseWay", [][]byte{mustCW(t, 77)}, []Kind{KindCauseWay}},
		{"MZ then 3P then MZ", [][]byte{mustMZ(t, 600), mustCW(t, 40), mustMZ(t, 1024)}, []Kind{KindMZ, KindCauseWay, KindMZ}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			prefix := concat(tc.prefix...)
			file := concat(prefix, coffMagic, make([]byte, 64))

			chain, err := Walk(bytes.NewReader(file))
			if err != nil {
				t.Fatalf("Walk: %v", err)
			}
			if chain.ImageOffset != int64(len(prefix)) {
				t.Fatalf("ImageOffset = %#x, want %#x", chain.ImageOffset, len(prefix))
			}
			if len(chain.Wrappers) != len(tc.kinds) {
				t.Fatalf("got %d wrappers, want %d", len(chain.Wrappers), len(tc.kinds))
			}
			var sum int64
			for i, w := range chain.Wrappers {
				if w.Kind != tc.kinds[i] {
					t.Errorf("wrapper %d kind %s, want %s", i, w.Kind, tc.kinds[i])
				}
				if w.Offset != sum {
					t.Errorf("wrapper %d at %#x, want %#x", i, w.Offset, sum)
				}
				sum += w.Advance
			}
			if sum != chain.ImageOffset {
				t.Fatalf("sum of advances %#x != image offset %#x", sum, chain.ImageOffset)
			}
		})
	}
}

func TestWalkStopsAtFirstImage(t *testing.T) {
	// A second MZ after the COFF magic must never be looked at.
	file := concat(mustMZ(t, 512), coffMagic, mustMZ(t, 512))

	chain, err := Walk(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if chain.ImageOffset != 512 || len(chain.Wrappers) != 1 {
		t.Fatalf("unexpected chain %+v", chain)
	}
}

func TestWalkLeavesReaderAtImage(t *testing.T) {
	r := bytes.NewReader(concat(mustMZ(t, 512), coffMagic))
	if _, err := Walk(r); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	pos, _ := r.Seek(0, io.SeekCurrent)
	if pos != 512 {
		t.Fatalf("reader at %#x, want 0x200", pos)
	}
}

func TestWalkRejectsUnknownSignature(t *testing.T) {
	file := concat(mustMZ(t, 512), []byte("\x7fELF\x01\x01"))

	_, err := Walk(bytes.NewReader(file))
	if !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("expected ErrNotExecutable, got %v", err)
	}
}

func TestWalkShortProbe(t *testing.T) {
	_, err := Walk(bytes.NewReader([]byte("MZ")))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}

	// A chain that points past the end of the file.
	_, err = Walk(bytes.NewReader(mustMZ(t, 512)))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF past the last wrapper, got %v", err)
	}
}

func TestWalkRejectsStalledHeader(t *testing.T) {
	// e_cblp = 0, e_cp = 0
	file := []byte{'M', 'Z', 0, 0, 0, 0, 0, 0}

	_, err := Walk(bytes.NewReader(file))
	if !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("expected ErrNotExecutable, got %v", err)
	}
}
