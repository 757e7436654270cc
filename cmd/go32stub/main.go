package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/go32stub/internal/config"
	"github.com/tinyrange/go32stub/internal/debug"
	"github.com/tinyrange/go32stub/internal/dpmi/emu"
	"github.com/tinyrange/go32stub/internal/stub"
	"golang.org/x/term"
)

func run() error {
	configPath := flag.String("config", "", "load loader settings from a YAML file")
	tracePath := flag.String("trace", "", "write a binary trace of the bootstrap to file")
	showTrace := flag.String("show-trace", "", "print a trace written by -trace and exit")
	verbose := flag.Bool("v", false, "log every bootstrap state")
	dump := flag.Bool("dump", false, "print the wrapper chain and COFF headers and exit")
	makeSample := flag.String("make-sample", "", "write a small MZ+COFF executable to file and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `go32stub - load a go32 executable into a software DPMI host

USAGE:
  go32stub [flags] IMAGE [ARGS...]

IMAGE is argument 0 of the loaded program. The environment is inherited and
its DOS block (every variable and IMAGE, NUL terminated) must fit in 65535
bytes. A larger environment stops the load in build-control-block.

FLAGS:
  -config FILE       Loader settings (floor, page size, identity, host shape)
  -trace FILE        Record a binary trace of every stage and host call
  -show-trace FILE   Print a trace and exit
  -v                 Log every state transition
  -dump              Print the wrapper chain and the COFF headers, then exit
  -make-sample OUT   Write a small MZ+COFF executable, then exit

EXAMPLES:
  go32stub -make-sample hello.exe
  go32stub -dump hello.exe
  go32stub -trace boot.bin hello.exe && go32stub -show-trace boot.bin
`)
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	switch {
	case *showTrace != "":
		return printTrace(*showTrace)
	case *makeSample != "":
		return writeSample(*makeSample)
	}

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	argv := flag.Args()

	if *dump {
		return dumpImage(os.Stdout, argv[0])
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	if *tracePath != "" {
		if err := debug.OpenFile(*tracePath); err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer debug.Close()
	}

	host, err := emu.New(cfg.Host.Emu())
	if err != nil {
		return err
	}
	defer host.Close()

	opts := stub.Options{Logger: logger, Config: cfg}
	var bars []*progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		opts.Progress = func(name string, size int64) io.Writer {
			bar := progressbar.DefaultBytes(size, "load "+name)
			bars = append(bars, bar)
			return bar
		}
	}
	defer func() {
		for _, bar := range bars {
			bar.Close()
		}
	}()

	b := stub.New(host, opts)
	if err := b.Run(argv, os.Environ()); err != nil {
		return err
	}

	hand, ok := host.Handoff()
	if !ok {
		return fmt.Errorf("host recorded no transfer")
	}
	region := b.Alloc.Region
	fmt.Printf("image   %#x\n", b.Chain.ImageOffset)
	fmt.Printf("region  %#x bytes at %#x (handle %#x)\n", region.Size, region.Base, region.Handle)
	fmt.Printf("fs      %s\n", hand.FS)
	fmt.Printf("ds      %s\n", hand.DS)
	fmt.Printf("es      %s\n", hand.ES)
	fmt.Printf("jmp     %s\n", hand.Entry)
	return nil
}

func printTrace(path string) error {
	r, err := debug.NewReaderFromFile(path)
	if err != nil {
		return err
	}
	return r.Each(func(e debug.Entry) error {
		_, err := fmt.Println(e.String())
		return err
	})
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
