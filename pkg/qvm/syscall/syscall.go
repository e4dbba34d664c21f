// Package syscall implements the host side of qvm syscalls.
//
// Bytecode issues a syscall by CALLing a negative target t. The host sees
// the number ^t in word 0 of the argument block and the call's arguments in
// words 1 through 15. Each word holds a 32-bit value widened to int;
// pointers are data-segment offsets and are masked into the segment before
// use, just as bytecode loads and stores are.
package syscall

import (
	"errors"
	"fmt"
	"math"
)

// Syscall errors.
var (
	ErrUnknownSyscall  = errors.New("unknown syscall")
	ErrAccessViolation = errors.New("access violation")
	ErrInvalidLength   = errors.New("invalid length")
	ErrProgramError    = errors.New("program raised an error")
)

// Maximum sizes.
const (
	MaxPrintLen = 4096 // longest string accepted by print and error
)

// VM is the view of a running instance that handlers get.
type VM interface {
	// Memory returns the live data segment. Writes are visible to the
	// program immediately.
	Memory() []byte

	// Call runs the program's entry function re-entrantly.
	Call(args ...int32) (int32, error)
}

// Args is the argument block of one syscall: the syscall number followed
// by 15 argument words.
type Args []int

// Num returns the syscall number.
func (a Args) Num() int32 {
	return int32(a[0])
}

// Int returns argument i, counting from 1.
func (a Args) Int(i int) int32 {
	if i <= 0 || i >= len(a) {
		return 0
	}
	return int32(a[i])
}

// Float returns argument i reinterpreted as a float32.
func (a Args) Float(i int) float32 {
	return math.Float32frombits(uint32(a.Int(i)))
}

// FloatResult encodes f as a syscall return value.
func FloatResult(f float32) int32 {
	return int32(math.Float32bits(f))
}

// Handler services syscalls.
type Handler interface {
	Handle(vm VM, args Args) (int32, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(vm VM, args Args) (int32, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(vm VM, args Args) (int32, error) {
	return f(vm, args)
}

// Span returns the n bytes at addr. addr is masked into the segment; the
// span must not run past its end.
func Span(mem []byte, addr, n int32) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	off := int64(addr) & int64(len(mem)-1)
	if off+int64(n) > int64(len(mem)) {
		return nil, fmt.Errorf("%w: %d bytes at %#x", ErrAccessViolation, n, off)
	}
	return mem[off : off+int64(n)], nil
}

// CString reads a NUL-terminated string at addr, up to limit bytes.
func CString(mem []byte, addr int32, limit int) string {
	off := int(int64(addr) & int64(len(mem)-1))
	end := off
	for end < len(mem) && end-off < limit && mem[end] != 0 {
		end++
	}
	return string(mem[off:end])
}
