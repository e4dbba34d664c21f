package jit

import (
	"sync"

	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
	"github.com/fortiblox/qvm/pkg/qvm/execmem"
)

// Code is a compiled program loaded into executable memory. It implements
// machine.Engine. One Code may serve any number of States of the same
// program, including concurrently.
type Code struct {
	prog   *bytecode.Program
	region *execmem.Region
	asm    *assembly
	base   uintptr

	mu     sync.RWMutex
	closed bool

	activations sync.Pool
}

// Size returns the bytes of executable memory in use, tables included.
func (c *Code) Size() int {
	return c.asm.size
}

// Fused returns how many instructions were folded into a neighbour.
func (c *Code) Fused() int {
	return c.asm.fused
}

// addr returns the native address of instruction ip.
func (c *Code) addr(ip int32) uintptr {
	return c.base + uintptr(c.asm.offsets[ip])
}

// Close releases the executable memory. Executing afterwards fails with
// ErrClosed.
func (c *Code) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.region == nil {
		return nil
	}
	return c.region.Release()
}
