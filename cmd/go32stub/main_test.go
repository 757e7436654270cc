package main

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/go32stub/internal/config"
	"github.com/tinyrange/go32stub/internal/dpmi/emu"
	"github.com/tinyrange/go32stub/internal/stub"
)

func TestSampleDumps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.exe")
	if err := writeSample(path); err != nil {
		t.Fatalf("writeSample: %v", err)
	}

	var out bytes.Buffer
	if err := dumpImage(&out, path); err != nil {
		t.Fatalf("dumpImage: %v", err)
	}
	for _, want := range []string{
		"MZ   at 0x0, advance 0x200",
		"Image at 0x200:",
		"Section data:",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("dump missing %q:\n%s", want, out.String())
		}
	}
}

func TestSampleLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.exe")
	if err := writeSample(path); err != nil {
		t.Fatalf("writeSample: %v", err)
	}

	cfg := config.Default()
	host, err := emu.New(cfg.Host.Emu())
	if err != nil {
		t.Fatalf("emu.New: %v", err)
	}
	defer host.Close()

	b := stub.New(host, stub.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config: cfg,
	})
	if err := b.Run([]string{path}, []string{"PATH=C:\\"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	hand, ok := host.Handoff()
	if !ok {
		t.Fatal("no transfer recorded")
	}
	if hand.Entry.Offset != 0 || hand.Entry.Selector != b.Alloc.Region.Code {
		t.Fatalf("jump to %s", hand.Entry)
	}

	msg := make([]byte, 13)
	if _, err := host.ReadAt(b.Alloc.Region.Data, msg, 0x1000); err != nil {
		t.Fatal(err)
	}
	if string(msg) != "hello, world\n" {
		t.Fatalf("data section = %q", msg)
	}
}
