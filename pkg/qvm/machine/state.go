// Package machine holds the execution state shared by the qvm engines.
//
// The interpreter and the JIT both operate on a State: the data segment,
// the program stack, the call-stack diagnostics and the syscall bridge. The
// host-call protocol (entry frame, sentinel return address, save and
// restore of the program stack around re-entrant calls) is implemented here
// once, so both engines observe the same conventions.
package machine

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
)

// Engine limits.
const (
	// OpStackSize is the operand-stack capacity of one activation in slots.
	OpStackSize = 512

	// MaxCallStackDepth is the number of call-stack entries kept for
	// diagnostics. Deeper calls overwrite the last entry.
	MaxCallStackDepth = 64

	// ReturnSentinel marks the outermost return address of a host call.
	ReturnSentinel = -1
)

// Dispatcher receives syscalls issued by bytecode. args holds the syscall
// number followed by its arguments, each widened to a native int.
type Dispatcher interface {
	Dispatch(args []int) (int32, error)
}

// Engine executes bytecode against a State.
type Engine interface {
	// Execute runs the program from instruction 0. The entry frame has
	// already been written at programStack.
	Execute(st *State, programStack int32) (int32, error)

	// Close releases engine resources.
	Close() error
}

// Frame is one active host call on a State.
type Frame struct {
	// Top is the program-stack offset when the call started. It is
	// restored when the call returns.
	Top int32

	// Entry is the program-stack offset of the entry frame.
	Entry int32
}

// State is the mutable execution state of one VM instance.
type State struct {
	Program *bytecode.Program

	// Data is the data segment. Its length is Mask+1.
	Data []byte
	Mask int32

	// StackBottom is the lowest legal program-stack offset.
	StackBottom int32

	// ProgramStack is where the next host call builds its entry frame.
	ProgramStack int32

	// CallDepth counts active bytecode functions and syscalls.
	CallDepth int32

	// CallStack records the instruction index of each active function,
	// clamped to MaxCallStackDepth.
	CallStack [MaxCallStackDepth]int32

	// PeakDepth is the deepest clamped call depth of the current
	// outermost call.
	PeakDepth int32

	// Breaks counts executed BREAK instructions.
	Breaks int64

	// Syscalls is the host side of the syscall bridge.
	Syscalls Dispatcher

	// Frames is the explicit stack of active host calls, innermost last.
	Frames []Frame
}

// NewState allocates a data segment for prog and positions the program
// stack at its top.
func NewState(prog *bytecode.Program, d Dispatcher) *State {
	return &State{
		Program:      prog,
		Data:         prog.NewData(),
		Mask:         prog.Mask(),
		StackBottom:  prog.StackBottom(),
		ProgramStack: prog.DataSize,
		Syscalls:     d,
	}
}

// Depth returns the number of active host calls.
func (s *State) Depth() int {
	return len(s.Frames)
}

// Call runs e with up to bytecode.MaxArgs arguments. It may be invoked
// re-entrantly from a syscall; the program stack is restored on return.
func (s *State) Call(e Engine, args []int32) (int32, error) {
	if len(args) > bytecode.MaxArgs {
		return 0, fmt.Errorf("too many arguments: %d > %d", len(args), bytecode.MaxArgs)
	}

	top := s.ProgramStack
	ps := top - bytecode.EntryFrameSize
	if ps < s.StackBottom {
		return 0, NewTrap(ErrProgramStackOverflow, -1, "no room for entry frame")
	}

	for i := 0; i < bytecode.MaxArgs; i++ {
		var a int32
		if i < len(args) {
			a = args[i]
		}
		PutInt32(s.Data, ps+8+int32(i)*4, a)
	}
	PutInt32(s.Data, ps+4, 0)
	PutInt32(s.Data, ps, ReturnSentinel)

	if len(s.Frames) == 0 {
		s.PeakDepth = 0
	}
	s.Frames = append(s.Frames, Frame{Top: top, Entry: ps})
	depth := s.CallDepth

	r, err := e.Execute(s, ps)

	s.Frames = s.Frames[:len(s.Frames)-1]
	s.ProgramStack = top
	if err != nil {
		s.CallDepth = depth
		return 0, err
	}
	return r, nil
}

// PushCall records entry into the function or syscall identified by ip.
func (s *State) PushCall(ip int32) {
	clamped := s.CallDepth
	if clamped > MaxCallStackDepth-1 {
		clamped = MaxCallStackDepth - 1
	}
	s.CallStack[clamped] = ip
	s.CallDepth++
	if clamped+1 > s.PeakDepth {
		s.PeakDepth = clamped + 1
	}
}

// PopCall records a return.
func (s *State) PopCall() {
	s.CallDepth--
}

// Syscall services a CALL with negative target at instruction ip. ps is the
// program stack of the calling function, whose return address has already
// been stored at ps.
func (s *State) Syscall(ip, ps, target int32) (int32, error) {
	PutInt32(s.Data, ps+4, ^target)

	var args [bytecode.SyscallWords]int
	for i := range args {
		args[i] = int(Int32At(s.Data, ps+4+int32(i)*4))
	}

	saved := s.ProgramStack
	s.ProgramStack = ps - 4
	s.PushCall(target)

	r, err := s.Syscalls.Dispatch(args[:])

	s.PopCall()
	s.ProgramStack = saved

	if err != nil {
		if _, ok := err.(*Trap); ok {
			return 0, err
		}
		return 0, NewTrap(ErrSyscall, ip, "syscall %d: %v", ^target, err)
	}
	return r, nil
}

// Int32At reads a little-endian word from the data segment.
func Int32At(data []byte, off int32) int32 {
	return int32(binary.LittleEndian.Uint32(data[off:]))
}

// PutInt32 writes a little-endian word to the data segment.
func PutInt32(data []byte, off, v int32) {
	binary.LittleEndian.PutUint32(data[off:], uint32(v))
}

// BlockCopy copies n bytes from src to dst inside a segment of size mask+1.
// Both addresses are masked and n is clamped so that neither span crosses
// the end of the segment. Overlapping spans copy in ascending address order.
func BlockCopy(data []byte, mask, dst, src, n int32) {
	s := src & mask
	d := dst & mask
	size := mask + 1
	if n > size-s {
		n = size - s
	}
	if n > size-d {
		n = size - d
	}
	if n <= 0 || s == d {
		return
	}
	if d > s && d < s+n {
		for i := int32(0); i < n; i++ {
			data[d+i] = data[s+i]
		}
		return
	}
	copy(data[d:d+n], data[s:s+n])
}
