package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/go32stub/internal/coff"
	"github.com/tinyrange/go32stub/internal/exechain"
)

// dumpImage prints the headers of the executable at path.
func dumpImage(out io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	chain, err := exechain.Walk(f)
	if err != nil {
		return fmt.Errorf("%s: %w", ansi.Strip(path), err)
	}
	img, err := coff.Parse(f, chain.ImageOffset, fi.Size())
	if err != nil {
		return err
	}

	w := bufio.NewWriter(out)
	w.WriteString("Wrappers:\n")
	for _, wr := range chain.Wrappers {
		fmt.Fprintf(w, "  %-4s at %#x, advance %#x\n", wr.Kind, wr.Offset, wr.Advance)
	}
	fmt.Fprintf(w, "Image at %#x:\n", chain.ImageOffset)
	img.DumpText(w, "  ", ansi.Strip)
	return w.Flush()
}
