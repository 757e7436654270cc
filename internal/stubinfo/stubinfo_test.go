package stubinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestLayout(t *testing.T) {
	var info Info
	SetString(info.Magic[:], DefaultMagic)
	info.Size = Size
	info.MinStack = DefaultMinStack
	info.MemoryHandle = 0x11223344
	info.InitialSize = 0x10000
	info.MinKeep = DefaultMinKeep
	info.DSSelector = 0x0a
	info.DSSegment = 0x0b
	info.PSPSelector = 0x0c
	info.CSSelector = 0x0d
	info.EnvSize = 0x0e
	SetString(info.Basename[:], "HELLO")
	SetString(info.Argv0[:], `C:\HELLO.EXE`)
	SetString(info.DPMIServer[:], DefaultDPMIServer)

	buf, err := info.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != Size {
		t.Fatalf("encoded %d bytes, want %#x", len(buf), Size)
	}

	le := binary.LittleEndian
	checks := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"size", le.Uint32(buf[0x10:]), 0x54},
		{"minstack", le.Uint32(buf[0x14:]), 0x80000},
		{"memory_handle", le.Uint32(buf[0x18:]), 0x11223344},
		{"initial_size", le.Uint32(buf[0x1c:]), 0x10000},
		{"minkeep", uint32(le.Uint16(buf[0x20:])), 0x4000},
		{"ds_selector", uint32(le.Uint16(buf[0x22:])), 0x0a},
		{"ds_segment", uint32(le.Uint16(buf[0x24:])), 0x0b},
		{"psp_selector", uint32(le.Uint16(buf[0x26:])), 0x0c},
		{"cs_selector", uint32(le.Uint16(buf[0x28:])), 0x0d},
		{"env_size", uint32(le.Uint16(buf[0x2a:])), 0x0e},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %#x, want %#x", c.name, c.got, c.want)
		}
	}
	if !bytes.Equal(buf[:16], []byte("go32stub,v3,stsp")) {
		t.Errorf("magic = %q", buf[:16])
	}
	if got := String(buf[0x2c:0x34]); got != "HELLO" {
		t.Errorf("basename = %q", got)
	}
	if got := String(buf[0x34:0x44]); got != `C:\HELLO.EXE` {
		t.Errorf("argv0 = %q", got)
	}
	if got := String(buf[0x44:0x54]); got != "CWSDPMI.EXE" {
		t.Errorf("dpmi_server = %q", got)
	}

	var back Info
	if err := back.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if back != info {
		t.Fatalf("decoded %+v, want %+v", back, info)
	}
}

func TestUnmarshalShort(t *testing.T) {
	var info Info
	if err := info.UnmarshalBinary(make([]byte, Size-1)); err == nil {
		t.Fatal("expected error for short block")
	}
}

func TestSetStringTruncates(t *testing.T) {
	var field [8]byte
	SetString(field[:], "ABCDEFGHIJ")
	if string(field[:]) != "ABCDEFGH" {
		t.Fatalf("field = %q", field)
	}

	SetString(field[:], "AB")
	if !bytes.Equal(field[:], []byte{'A', 'B', 0, 0, 0, 0, 0, 0}) {
		t.Fatalf("field not NUL padded: %q", field)
	}
}

func TestEnvSize(t *testing.T) {
	tests := []struct {
		name  string
		env   []string
		argv0 string
		want  uint16
	}{
		{"empty", nil, `C:\A.EXE`, 0},
		// (5+1) + (3+1) + (8+1) + 2
		{"two vars", []string{"PATH=", "A=B"}, `C:\A.EXE`, 21},
		{"long argv0", []string{"X=1"}, strings.Repeat("a", 40), 4 + 41 + 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EnvSize(tt.env, tt.argv0)
			if err != nil {
				t.Fatalf("EnvSize: %v", err)
			}
			if got != tt.want {
				t.Fatalf("EnvSize = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEnvSizeOverflow(t *testing.T) {
	env := []string{strings.Repeat("x", 0x10000)}
	if _, err := EnvSize(env, "A"); !errors.Is(err, ErrEnvTooLarge) {
		t.Fatalf("expected ErrEnvTooLarge, got %v", err)
	}
}

func TestBasename(t *testing.T) {
	tests := map[string]string{
		`C:\DJGPP\BIN\GCC.EXE`: "GCC",
		`HELLO.EXE`:            "HELLO",
		`dir/prog.exe`:         "prog",
		`C:\A.B\NOEXT`:         "NOEXT",
		`ARCHIVE.TAR.GZ`:       "ARCHIVE.TAR",
		`PLAIN`:                "PLAIN",
	}
	for in, want := range tests {
		if got := Basename(in); got != want {
			t.Errorf("Basename(%q) = %q, want %q", in, got, want)
		}
	}
}
