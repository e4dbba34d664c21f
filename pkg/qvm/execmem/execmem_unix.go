//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package execmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Supported reports whether this platform can map executable memory.
const Supported = true

func mapRW(size int) ([]byte, error) {
	m, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("execmem: mmap %d bytes: %w", size, err)
	}
	return m, nil
}

func protectExec(m []byte) error {
	return unix.Mprotect(m, unix.PROT_READ|unix.PROT_EXEC)
}

func unmap(m []byte) error {
	return unix.Munmap(m)
}
