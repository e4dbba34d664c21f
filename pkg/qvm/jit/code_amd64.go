package jit

import (
	"fmt"
	"unsafe"

	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
	"github.com/fortiblox/qvm/pkg/qvm/execmem"
	"github.com/fortiblox/qvm/pkg/qvm/machine"
)

// callNative runs compiled code at entry with the activation record in rdi.
// Implemented in call_amd64.s.
func callNative(entry, act uintptr)

// Compile translates prog to machine code and loads it into executable
// memory.
func Compile(prog *bytecode.Program, opts Options) (*Code, error) {
	alloc := opts.Allocator
	if alloc == nil {
		alloc = execmem.Default
	}

	var region *execmem.Region
	asm, err := assemble(prog, opts, func(size int) ([]byte, error) {
		r, err := alloc.Allocate(size)
		if err != nil {
			return nil, err
		}
		region = r
		return r.Bytes(), nil
	})
	if err != nil {
		if region != nil {
			region.Release()
		}
		return nil, fmt.Errorf("jit: compile %s: %w", prog.ID.Short(), err)
	}

	base := uintptr(unsafe.Pointer(&asm.code[0]))
	asm.writeTables(prog, base)
	if err := region.MakeExecutable(); err != nil {
		region.Release()
		return nil, fmt.Errorf("jit: compile %s: %w", prog.ID.Short(), err)
	}
	asm.code = nil

	if opts.Logger != nil {
		opts.Logger.Printf("jit: compiled %s: %d instructions, %d bytes, %d fused",
			prog.ID.Short(), prog.Count(), asm.size, asm.fused)
	}

	c := &Code{
		prog:   prog,
		region: region,
		asm:    asm,
		base:   base,
	}
	c.activations.New = func() interface{} { return new(activation) }
	return c, nil
}

// Execute implements machine.Engine. Compiled code runs until it returns
// from the outermost function, raises a trap, or issues a syscall; syscalls
// are serviced here and execution resumes at the return site.
func (c *Code) Execute(st *machine.State, programStack int32) (int32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	if st.Program != c.prog {
		return 0, ErrForeignState
	}

	act := c.activations.Get().(*activation)
	defer c.activations.Put(act)

	act.data = uintptr(unsafe.Pointer(&st.Data[0]))
	act.tables = c.base + uintptr(c.asm.tableOffset)
	act.opStack = uintptr(unsafe.Pointer(&act.stack[0]))
	act.opStackTop = uintptr(unsafe.Pointer(&act.stack[machine.OpStackSize-1]))
	act.callStack = uintptr(unsafe.Pointer(&st.CallStack[0]))
	act.programStack = programStack
	act.stackBottom = st.StackBottom
	act.target = c.addr(0)
	entry := c.base + uintptr(c.asm.thunks.entry)

	for {
		act.exit = -1
		act.callDepth = st.CallDepth
		act.peakDepth = st.PeakDepth
		act.breaks = st.Breaks

		callNative(entry, uintptr(unsafe.Pointer(act)))

		st.CallDepth = act.callDepth
		st.PeakDepth = act.peakDepth
		st.Breaks = act.breaks

		switch act.exit {
		case exitDone:
			if n := act.slot(); n != 1 {
				return 0, machine.NewTrap(machine.ErrOpStackCorrupt, -1, "%d operands", n)
			}
			return act.stack[1], nil

		case exitSyscall:
			ps := act.programStack
			call := machine.Int32At(st.Data, ps) - 1
			r, err := st.Syscall(call, ps, act.syscall)
			if err != nil {
				return 0, err
			}
			act.stack[act.slot()] = r

			ret := machine.Int32At(st.Data, ps)
			if !c.prog.CanReturn(ret) {
				return 0, machine.NewTrap(machine.ErrBadJump, call, "return to %d", ret)
			}
			act.target = c.addr(ret)

		default:
			kind, ok := exitTraps[act.exit]
			if !ok {
				return 0, fmt.Errorf("jit: unknown exit code %d", act.exit)
			}
			return 0, machine.NewTrap(kind, -1, "")
		}
	}
}
