package bytecode

import (
	"github.com/fortiblox/qvm/internal/types"
)

// Calling convention constants.
const (
	// MaxArgs is the number of argument words a host call places on the
	// program stack.
	MaxArgs = 13

	// EntryFrameSize is the program stack reserved by a host call: the
	// return-address word, a zero word, then MaxArgs argument words.
	EntryFrameSize = 8 + 4*MaxArgs

	// SyscallWords is the number of words handed to the host on a
	// syscall: the syscall number followed by 15 arguments.
	SyscallWords = 16

	// MaxProcDepth bounds the operand-stack depth inside one function.
	MaxProcDepth = 64

	// DefaultStackSize is the program stack reserved at the top of the
	// data segment.
	DefaultStackSize = 0x10000
)

// Instruction is one decoded and validated instruction.
type Instruction struct {
	Op    Opcode
	Value int32

	// Depth is the operand-stack depth in slots before the instruction runs.
	Depth uint8

	// Target is set on every destination of a branch or computed jump.
	Target bool
}

// Proc describes one function: an ENTER and everything up to the next one.
type Proc struct {
	Start    int32 // index of the ENTER
	End      int32 // exclusive
	Frame    int32 // ENTER/LEAVE frame size in bytes
	MaxDepth uint8 // peak operand-stack depth inside the function
}

// Program is a validated image ready for either engine.
type Program struct {
	ID           types.ImageID
	Instructions []Instruction
	Procs        []Proc

	// Data is the initial contents of the low end of the data segment.
	Data []byte

	// DataSize is the power-of-two size of the data segment.
	DataSize int32

	// StackSize is the program stack reserved at the top of the segment.
	StackSize int32

	procOf []int32
}

// Count returns the number of instructions.
func (p *Program) Count() int32 {
	return int32(len(p.Instructions))
}

// Mask returns the data-segment address mask.
func (p *Program) Mask() int32 {
	return p.DataSize - 1
}

// StackBottom returns the lowest legal program-stack offset.
func (p *Program) StackBottom() int32 {
	return p.DataSize - p.StackSize
}

// ProcIndex returns the index of the function containing ip.
func (p *Program) ProcIndex(ip int32) int32 {
	return p.procOf[ip]
}

// ProcAt returns the function containing ip.
func (p *Program) ProcAt(ip int32) *Proc {
	return &p.Procs[p.procOf[ip]]
}

// IsReturnSite reports whether ip directly follows a CALL.
func (p *Program) IsReturnSite(ip int32) bool {
	return ip > 0 && ip < p.Count() && p.Instructions[ip-1].Op == OpCall
}

// IsEntry reports whether control can reach ip other than by falling
// through from ip-1.
func (p *Program) IsEntry(ip int32) bool {
	in := &p.Instructions[ip]
	return in.Target || in.Op == OpEnter || p.IsReturnSite(ip)
}

// CanJump reports whether a computed JUMP at from may land on to.
func (p *Program) CanJump(from, to int32) bool {
	if to < 0 || to >= p.Count() {
		return false
	}
	return p.Instructions[to].Target && p.procOf[to] == p.procOf[from]
}

// CanCall reports whether a computed CALL may land on to.
func (p *Program) CanCall(to int32) bool {
	return to >= 0 && to < p.Count() && p.Instructions[to].Op == OpEnter
}

// CanReturn reports whether a LEAVE may resume at to.
func (p *Program) CanReturn(to int32) bool {
	return p.IsReturnSite(to)
}

// NewData allocates a data segment holding the initial image contents.
func (p *Program) NewData() []byte {
	data := make([]byte, p.DataSize)
	copy(data, p.Data)
	return data
}
