// Package stub bootstraps a go32 executable. It finds the COFF image behind
// the wrapper headers, negotiates a 32-bit DPMI client, builds the flat
// memory region and its selectors, loads the sections, installs the control
// block and hands control to the entry point.
//
// Every privileged operation goes through a dpmi.Host. The stages are
// exported on their own and chained by Bootstrap.
package stub

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/go32stub/internal/config"
)

var (
	ErrDPMIUnavailable = errors.New("DPMI unavailable")
	ErrNo32Bit         = errors.New("DPMI-32 unavailable")
	ErrModeSwitch      = errors.New("DPMI init failed")
	// ErrNoArgv0 means the process has no argument 0 to load from.
	ErrNoArgv0 = errors.New("no env")
	// ErrAlreadyRun is returned when a Bootstrap is started twice.
	ErrAlreadyRun = errors.New("bootstrap already ran")
)

// ShortReadError reports a section that ended before its declared size.
type ShortReadError struct {
	Want int64
	Got  int64
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("err reading %d bytes, got %d", e.Want, e.Got)
}

// State is a step of the bootstrap. States only move forward; any failure
// moves to StateFatal.
type State int

const (
	StateStart State = iota
	StateChainWalk
	StateNegotiate
	StateParseHeader
	StateAllocateMemory
	StateLoadSections
	StateBuildControlBlock
	StateTransfer
	StateFatal
)

var stateNames = [...]string{
	StateStart:             "start",
	StateChainWalk:         "chain-walk",
	StateNegotiate:         "negotiate",
	StateParseHeader:       "parse-header",
	StateAllocateMemory:    "allocate-memory",
	StateLoadSections:      "load-sections",
	StateBuildControlBlock: "build-control-block",
	StateTransfer:          "transfer",
	StateFatal:             "fatal",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StateError is a failure together with the state it happened in.
type StateError struct {
	State State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// Options configures a Bootstrap.
type Options struct {
	// Logger receives state transitions at debug level and the handoff at
	// info level. Nil means slog.Default().
	Logger *slog.Logger

	// Config holds the loader tunables. The zero value means
	// config.Default(). Anything else must pass Validate or the run fails
	// before the host is touched.
	Config config.Config

	// Progress, when set, is called before each section is read. The
	// returned writer, if any, sees a copy of the section bytes.
	Progress func(name string, size int64) io.Writer
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Config == (config.Config{}) {
		o.Config = config.Default()
	}
	return o
}
