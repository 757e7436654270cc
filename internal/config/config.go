// Package config holds the tunables of the bootstrap. Every field has a
// default matching the DJGPP stub, so an empty file or no file at all gives
// the stock behaviour.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"strings"

	"github.com/tinyrange/go32stub/internal/dpmi/emu"
	"github.com/tinyrange/go32stub/internal/stubinfo"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Prevent huge files from being slurped by mistake.
const maxConfigSize = 1024 * 1024

// DefaultInfoOffset is where the control block lives inside the bootstrap's
// own data segment.
const DefaultInfoOffset = 0x0400

// Identity names the loader in the control block magic.
type Identity struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Vendor  string `yaml:"vendor"`
}

// Tag returns the magic string: name, major version and vendor joined by
// commas.
func (id Identity) Tag() string {
	return strings.Join([]string{id.Name, semver.Major(id.Version), id.Vendor}, ",")
}

// HostConfig shapes the software DPMI host.
type HostConfig struct {
	ConventionalKiB int    `yaml:"conventional_kib"`
	LinearMiB       int    `yaml:"linear_mib"`
	LDTEntries      int    `yaml:"ldt_entries"`
	PrivateParas    uint16 `yaml:"private_paras"`
	No32Bit         bool   `yaml:"no32bit"`
}

// Emu converts the section into the emulator's configuration.
func (h HostConfig) Emu() emu.Config {
	return emu.Config{
		ConventionalKiB: h.ConventionalKiB,
		LinearMiB:       h.LinearMiB,
		LDTEntries:      h.LDTEntries,
		PrivateParas:    h.PrivateParas,
		No32Bit:         h.No32Bit,
	}
}

// Config is the root of a configuration file.
type Config struct {
	// Floor is the smallest footprint allocated for a program.
	Floor uint32 `yaml:"floor"`
	// PageSize is the allocation granularity of the flat region.
	PageSize uint32 `yaml:"page_size"`
	MinStack uint32 `yaml:"min_stack"`
	// MinKeep is the size of the conventional memory block kept for the
	// program, in bytes.
	MinKeep    uint16 `yaml:"min_keep"`
	DPMIServer string `yaml:"dpmi_server"`
	// InfoOffset places the control block in the bootstrap data segment.
	InfoOffset uint16 `yaml:"info_offset"`

	Identity Identity   `yaml:"identity"`
	Host     HostConfig `yaml:"host"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Floor:      0x10000,
		PageSize:   0x1000,
		MinStack:   stubinfo.DefaultMinStack,
		MinKeep:    stubinfo.DefaultMinKeep,
		DPMIServer: stubinfo.DefaultDPMIServer,
		InfoOffset: DefaultInfoOffset,
		Identity: Identity{
			Name:    "go32stub",
			Version: "v3",
			Vendor:  "stsp",
		},
		Host: HostConfig{
			ConventionalKiB: 640,
			LinearMiB:       64,
			LDTEntries:      256,
		},
	}
}

// Parse decodes data on top of the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the configuration file at path.
func Load(path string) (Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, err
	}
	if info.Size() > maxConfigSize {
		return Config{}, fmt.Errorf("config %s is too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that every value can be used by the loader.
func (c Config) Validate() error {
	if c.PageSize < 16 || bits.OnesCount32(c.PageSize) != 1 {
		return fmt.Errorf("page_size %#x is not a power of two of at least 16", c.PageSize)
	}
	if c.Floor == 0 {
		return errors.New("floor must be positive")
	}
	if c.MinKeep < 16 || c.MinKeep%16 != 0 {
		return fmt.Errorf("min_keep %#x is not a whole number of paragraphs", c.MinKeep)
	}
	if len(c.DPMIServer) > stubinfo.DPMIServerLen {
		return fmt.Errorf("dpmi_server %q is longer than %d bytes", c.DPMIServer, stubinfo.DPMIServerLen)
	}
	if int(c.InfoOffset)+stubinfo.Size > 0x10000 {
		return fmt.Errorf("info_offset %#x leaves no room for the control block", c.InfoOffset)
	}
	if !semver.IsValid(c.Identity.Version) {
		return fmt.Errorf("identity version %q is not a semantic version", c.Identity.Version)
	}
	if tag := c.Identity.Tag(); len(tag) > stubinfo.MagicLen {
		return fmt.Errorf("identity tag %q is longer than %d bytes", tag, stubinfo.MagicLen)
	}
	return nil
}
