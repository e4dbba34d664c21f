// Package execmem allocates memory that can be written once and then
// executed. A Region starts writable and not executable; MakeExecutable
// flips it to read+execute and it is never writable again.
package execmem

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned on platforms without executable memory.
	ErrUnsupported = errors.New("execmem: executable memory not supported on this platform")

	// ErrSealed is returned when a sealed region is written or resealed.
	ErrSealed = errors.New("execmem: region is already executable")

	// ErrReleased is returned when a released region is used.
	ErrReleased = errors.New("execmem: region released")
)

// Allocator hands out regions. The JIT takes one so tests can substitute
// failing allocators.
type Allocator interface {
	Allocate(size int) (*Region, error)
}

// Region is a block of memory obtained from the operating system.
type Region struct {
	mapping []byte // full mapping as returned by the OS
	size    int
	sealed  bool
}

// Bytes returns the writable view of the region. It returns nil once the
// region is executable or released.
func (r *Region) Bytes() []byte {
	if r.sealed || r.mapping == nil {
		return nil
	}
	return r.mapping[:r.size:r.size]
}

// Len returns the requested size of the region.
func (r *Region) Len() int {
	return r.size
}

// Executable reports whether MakeExecutable has succeeded.
func (r *Region) Executable() bool {
	return r.sealed
}

// MakeExecutable switches the region to read+execute.
func (r *Region) MakeExecutable() error {
	if r.mapping == nil {
		return ErrReleased
	}
	if r.sealed {
		return ErrSealed
	}
	if err := protectExec(r.mapping); err != nil {
		return fmt.Errorf("execmem: protect %d bytes: %w", len(r.mapping), err)
	}
	r.sealed = true
	return nil
}

// Release returns the region to the operating system. It is safe to call
// more than once.
func (r *Region) Release() error {
	if r.mapping == nil {
		return nil
	}
	err := unmap(r.mapping)
	r.mapping = nil
	r.sealed = false
	if err != nil {
		return fmt.Errorf("execmem: release: %w", err)
	}
	return nil
}

// OS allocates regions directly from the operating system.
type OS struct{}

// Allocate maps size bytes of read+write memory.
func (OS) Allocate(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("execmem: invalid size %d", size)
	}
	m, err := mapRW(size)
	if err != nil {
		return nil, err
	}
	return &Region{mapping: m, size: size}, nil
}

// Default is the allocator used when none is configured.
var Default Allocator = OS{}
