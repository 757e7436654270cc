package stub

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/go32stub/internal/coff"
	"github.com/tinyrange/go32stub/internal/debug"
	"github.com/tinyrange/go32stub/internal/dpmi"
	"github.com/tinyrange/go32stub/internal/exechain"
	"github.com/tinyrange/go32stub/internal/stubinfo"
)

// Input is an executable being bootstrapped.
type Input interface {
	io.ReadSeeker
	io.ReaderAt
}

// Bootstrap carries the state of one run from the header walk to the
// transfer. The exported fields are filled in as the states complete.
type Bootstrap struct {
	host  dpmi.Host
	opts  Options
	log   *slog.Logger
	state State

	Chain   exechain.Chain
	Session *Session
	Image   *coff.Image
	Alloc   *Allocation
	Info    *stubinfo.Info
}

// New returns a bootstrap in StateStart.
func New(host dpmi.Host, opts Options) *Bootstrap {
	opts = opts.withDefaults()
	return &Bootstrap{
		host: host,
		opts: opts,
		log:  opts.Logger,
	}
}

// State returns the current state.
func (b *Bootstrap) State() State {
	return b.state
}

func (b *Bootstrap) enter(st State) {
	b.state = st
	b.log.Debug("bootstrap state", "state", st.String())
}

func (b *Bootstrap) trace(format string, args ...any) {
	debug.Writef("stub/"+b.state.String(), format, args...)
}

func (b *Bootstrap) fatal(err error) error {
	serr := &StateError{State: b.state, Err: err}
	b.trace("%v", err)
	b.state = StateFatal
	return serr
}

// start checks that the bootstrap is fresh and its configuration usable
// before anything touches the file or the host.
func (b *Bootstrap) start() error {
	if b.state != StateStart {
		return ErrAlreadyRun
	}
	if err := b.opts.Config.Validate(); err != nil {
		return b.fatal(fmt.Errorf("config: %w", err))
	}
	return nil
}

// Run loads the program named by argv[0] and transfers control to it. On a
// real host Run does not return on success.
func (b *Bootstrap) Run(argv []string, env []string) error {
	if err := b.start(); err != nil {
		return err
	}
	if len(argv) == 0 || argv[0] == "" {
		return b.fatal(ErrNoArgv0)
	}

	f, err := os.Open(argv[0])
	if err != nil {
		return b.fatal(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return b.fatal(err)
	}

	err = b.prepare(f, fi.Size(), argv[0], env)
	cerr := f.Close()
	if err != nil {
		return err
	}
	if cerr != nil {
		return b.fatal(cerr)
	}
	return b.transfer()
}

// RunImage is Run for an executable that is already open. argv0 is the name
// recorded in the control block.
func (b *Bootstrap) RunImage(r Input, size int64, argv0 string, env []string) error {
	if err := b.start(); err != nil {
		return err
	}
	if argv0 == "" {
		return b.fatal(ErrNoArgv0)
	}
	if err := b.prepare(r, size, argv0, env); err != nil {
		return err
	}
	return b.transfer()
}

// prepare runs every state up to and including BuildControlBlock.
func (b *Bootstrap) prepare(r Input, size int64, argv0 string, env []string) error {
	cfg := b.opts.Config
	name := ansi.Strip(argv0)

	b.enter(StateChainWalk)
	chain, err := exechain.Walk(r)
	if err != nil {
		return b.fatal(fmt.Errorf("%s: %w", name, err))
	}
	b.Chain = chain
	for _, w := range chain.Wrappers {
		b.trace("%s header at %#x, advance %#x", w.Kind, w.Offset, w.Advance)
	}
	b.trace("image at %#x", chain.ImageOffset)

	b.enter(StateNegotiate)
	session, err := Negotiate(b.host)
	if err != nil {
		return b.fatal(err)
	}
	b.Session = session
	b.trace("psp=%s cs=%s ds=%s", session.PSP, session.CS, session.DS)

	b.enter(StateParseHeader)
	img, err := coff.Parse(r, chain.ImageOffset, size)
	if err != nil {
		return b.fatal(err)
	}
	b.Image = img
	b.trace("entry %#x, bss ends at %#x", img.Entry(), img.BSSEnd())

	b.enter(StateAllocateMemory)
	alloc, err := Allocate(b.host, session, img, cfg)
	if err != nil {
		return b.fatal(err)
	}
	b.Alloc = alloc
	b.trace("region %#x bytes at %#x handle %#x, cs=%s ds=%s relay=%s",
		alloc.Region.Size, alloc.Region.Base, alloc.Region.Handle,
		alloc.Region.Code, alloc.Region.Data, alloc.Relay)

	b.enter(StateLoadSections)
	for _, k := range []coff.Kind{coff.Text, coff.Data} {
		sec := img.Section(k)
		b.log.Debug("loading section",
			slog.String("section", ansi.Strip(sec.NameString())),
			slog.Uint64("vaddr", uint64(sec.VirtualAddress)),
			slog.Uint64("size", uint64(sec.Size)))

		var progress io.Writer
		if b.opts.Progress != nil {
			progress = b.opts.Progress(k.String(), int64(sec.Size))
		}
		if err := LoadSection(b.host, r, img, k, alloc.Region, progress); err != nil {
			return b.fatal(err)
		}
		b.trace("%s: %#x bytes at %#x", k, sec.Size, sec.VirtualAddress)
	}
	if err := ZeroBSS(b.host, img, alloc.Region); err != nil {
		return b.fatal(err)
	}
	bss := img.Section(coff.BSS)
	b.trace("bss: cleared %#x bytes at %#x", bss.Size, bss.VirtualAddress)

	b.enter(StateBuildControlBlock)
	info, err := BuildInfo(session, alloc, cfg, argv0, env)
	if err != nil {
		return b.fatal(err)
	}
	if err := InstallInfo(b.host, session, info, cfg.InfoOffset); err != nil {
		return b.fatal(err)
	}
	b.Info = info
	b.trace("control block at ds:%#x, env size %d", cfg.InfoOffset, info.EnvSize)

	return nil
}

func (b *Bootstrap) transfer() error {
	b.enter(StateTransfer)
	h := Handoff(b.Session, b.Alloc, b.Image)
	b.log.Info("transferring control",
		slog.String("entry", h.Entry.String()),
		slog.String("fs", h.FS.String()),
		slog.String("ds", h.DS.String()),
		slog.String("es", h.ES.String()))
	b.trace("jmp %s", h.Entry)

	if err := b.host.Transfer(h); err != nil {
		return b.fatal(err)
	}
	return nil
}
