// Package jit compiles validated qvm programs to amd64 machine code.
//
// Compiled code never uses native call/return for bytecode calls. A CALL
// stores the return instruction index in the program stack exactly as the
// interpreter does and jumps through a table indexed by instruction; a
// LEAVE reads that index back and jumps through a second table that only
// holds return sites. Computed JUMPs use a third table that only holds
// branch targets. Every slot that is not a legal destination points at a
// thunk that aborts execution, so compiled code enforces the same
// control-flow rules as the interpreter.
//
// Syscalls leave native code entirely: the generated code saves its
// registers into the activation record and returns to Go, the Go side
// services the call, then re-enters at the return site. Native code
// therefore never runs Go code and uses only a few dozen bytes of stack.
package jit

import (
	"errors"
	"log"
	"unsafe"

	"github.com/fortiblox/qvm/pkg/qvm/execmem"
	"github.com/fortiblox/qvm/pkg/qvm/machine"
)

var (
	// ErrUnsupported is returned by Compile where native code cannot run.
	ErrUnsupported = errors.New("jit: compiled execution not supported on this platform")

	// ErrClosed is returned when released code is executed.
	ErrClosed = errors.New("jit: code released")

	// ErrForeignState is returned when a State for another program is
	// passed to Execute.
	ErrForeignState = errors.New("jit: state belongs to a different program")
)

// Options configures compilation.
type Options struct {
	// CheckData emits an explicit range check after each masked data
	// access. Masking alone already keeps accesses in the segment.
	CheckData bool

	// InlineSqrt compiles constant calls to syscall SqrtSyscall as a
	// single sqrtss. The host handler for that syscall must compute the
	// float32 square root of its first argument.
	InlineSqrt  bool
	SqrtSyscall int32

	// Allocator supplies executable memory. Nil uses execmem.Default.
	Allocator execmem.Allocator

	// Logger receives compile statistics. Nil disables logging.
	Logger *log.Logger
}

// Exit codes stored by compiled code before returning to Go.
const (
	exitDone int32 = iota
	exitSyscall
	exitBadJump
	exitProgramStack
	exitOpStack
	exitDataAccess
	exitDivide
)

var exitTraps = map[int32]error{
	exitBadJump:      machine.ErrBadJump,
	exitProgramStack: machine.ErrProgramStackOverflow,
	exitOpStack:      machine.ErrOpStackOverflow,
	exitDataAccess:   machine.ErrDataAccess,
	exitDivide:       machine.ErrDivideByZero,
}

// activation is shared between Go and compiled code. Native code addresses
// its fields through the off* constants, so the layout is part of the
// generated code.
type activation struct {
	data         uintptr // data segment base
	tables       uintptr // jump table base; call and return tables follow
	opStack      uintptr // address of the operand-stack top slot
	opStackTop   uintptr // address of the last usable slot
	callStack    uintptr // &State.CallStack[0]
	target       uintptr // native address to resume at
	programStack int32
	stackBottom  int32
	exit         int32
	syscall      int32 // CALL target of a syscall exit
	callDepth    int32
	peakDepth    int32
	breaks       int64

	stack [machine.OpStackSize]int32
}

const (
	offData         = int32(unsafe.Offsetof(activation{}.data))
	offTables       = int32(unsafe.Offsetof(activation{}.tables))
	offOpStack      = int32(unsafe.Offsetof(activation{}.opStack))
	offOpStackTop   = int32(unsafe.Offsetof(activation{}.opStackTop))
	offCallStack    = int32(unsafe.Offsetof(activation{}.callStack))
	offTarget       = int32(unsafe.Offsetof(activation{}.target))
	offProgramStack = int32(unsafe.Offsetof(activation{}.programStack))
	offStackBottom  = int32(unsafe.Offsetof(activation{}.stackBottom))
	offExit         = int32(unsafe.Offsetof(activation{}.exit))
	offSyscall      = int32(unsafe.Offsetof(activation{}.syscall))
	offCallDepth    = int32(unsafe.Offsetof(activation{}.callDepth))
	offPeakDepth    = int32(unsafe.Offsetof(activation{}.peakDepth))
	offBreaks       = int32(unsafe.Offsetof(activation{}.breaks))
)

// slot returns the operand-stack index the native top pointer refers to.
func (a *activation) slot() int {
	return int((a.opStack - uintptr(unsafe.Pointer(&a.stack[0]))) / 4)
}
