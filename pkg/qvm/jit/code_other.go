//go:build !amd64

package jit

import (
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
	"github.com/fortiblox/qvm/pkg/qvm/machine"
)

// Compile reports ErrUnsupported: compiled code targets amd64 only.
func Compile(prog *bytecode.Program, opts Options) (*Code, error) {
	return nil, ErrUnsupported
}

// Execute implements machine.Engine.
func (c *Code) Execute(st *machine.State, programStack int32) (int32, error) {
	return 0, ErrUnsupported
}
