//go:build unix

package emu

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapArena backs the linear arena with anonymous memory so large arenas do
// not count against the Go heap until touched.
func mapArena(size int) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap linear arena: %w", err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
