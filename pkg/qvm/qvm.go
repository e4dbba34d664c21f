// Package qvm loads sandboxed bytecode programs and runs them.
//
// A VM is created from a raw image with Load. The image is parsed and
// validated before anything runs; a program that loads can only touch its
// own data segment and can only leave the sandbox through syscalls, which
// are delivered to the host's syscall.Handler.
//
// Two execution strategies share one set of semantics: Interpreted walks
// the instruction array, Compiled runs amd64 machine code produced by the
// jit package. The strategy is fixed when the VM is loaded.
//
// Prepare builds a Module, which validates and compiles a program once so
// that many VMs can be created from it cheaply.
//
// A VM is not safe for concurrent use. Syscall handlers may call back into
// the VM that invoked them; such calls nest strictly.
package qvm

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/fortiblox/qvm/internal/types"
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
	"github.com/fortiblox/qvm/pkg/qvm/interp"
	"github.com/fortiblox/qvm/pkg/qvm/jit"
	"github.com/fortiblox/qvm/pkg/qvm/machine"
	"github.com/fortiblox/qvm/pkg/qvm/syscall"
)

var (
	// ErrClosed is returned by calls on a closed VM.
	ErrClosed = errors.New("qvm: vm closed")

	// ErrRunning is returned when Restore is called during a call.
	ErrRunning = errors.New("qvm: vm is running")

	// ErrSnapshotSize is returned when restored data does not match the
	// data segment size.
	ErrSnapshotSize = errors.New("qvm: snapshot size does not match data segment")
)

// Strategy selects the execution engine.
type Strategy int

const (
	Interpreted Strategy = iota
	Compiled
)

func (s Strategy) String() string {
	switch s {
	case Interpreted:
		return "interpreted"
	case Compiled:
		return "compiled"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses "interpreted" or "compiled".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "interpreted", "interp":
		return Interpreted, nil
	case "compiled", "jit":
		return Compiled, nil
	}
	return 0, fmt.Errorf("qvm: unknown strategy %q", s)
}

// Options configures Load.
type Options struct {
	// Strategy selects the engine.
	Strategy Strategy

	// Fallback runs Compiled programs in the interpreter when the JIT is
	// unavailable instead of failing the load.
	Fallback bool

	// StackSize is the program stack reserved at the top of the data
	// segment. Zero selects bytecode.DefaultStackSize.
	StackSize int32

	// CheckData adds explicit range checks to compiled memory accesses.
	CheckData bool

	// InlineSqrt compiles calls to syscall.TrapSqrt as an instruction.
	// The handler's sqrt must match syscall.Registry's.
	InlineSqrt bool

	// Logger receives load, fallback and trap messages. Nil is silent.
	Logger *log.Logger
}

// DefaultOptions returns options for compiled execution with interpreter
// fallback.
func DefaultOptions() Options {
	return Options{
		Strategy:  Compiled,
		Fallback:  true,
		StackSize: bytecode.DefaultStackSize,
		CheckData: true,
	}
}

// Module is a validated program together with its prepared engine. Compiled
// code is generated once per Module and shared by every VM created from it,
// including VMs running concurrently.
type Module struct {
	prog     *bytecode.Program
	engine   machine.Engine
	strategy Strategy
	logger   *log.Logger
}

// Prepare selects and prepares the engine for prog.
func Prepare(prog *bytecode.Program, opts Options) (*Module, error) {
	m := &Module{prog: prog, strategy: opts.Strategy, logger: opts.Logger}

	switch opts.Strategy {
	case Interpreted:
		m.engine = interp.New()
	case Compiled:
		code, err := jit.Compile(prog, jit.Options{
			CheckData:   opts.CheckData,
			InlineSqrt:  opts.InlineSqrt,
			SqrtSyscall: syscall.TrapSqrt,
			Logger:      opts.Logger,
		})
		if err != nil {
			if !opts.Fallback {
				return nil, err
			}
			m.logf("qvm: %s: compiled execution unavailable, interpreting: %v", prog.ID.Short(), err)
			m.engine = interp.New()
			m.strategy = Interpreted
		} else {
			m.engine = code
		}
	default:
		return nil, fmt.Errorf("qvm: unknown strategy %d", int(opts.Strategy))
	}

	m.logf("qvm: loaded %s: %d instructions, %d functions, %d byte data segment, %s",
		prog.ID.Short(), prog.Count(), len(prog.Procs), prog.DataSize, m.strategy)
	return m, nil
}

func (m *Module) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// Program returns the validated program.
func (m *Module) Program() *bytecode.Program {
	return m.prog
}

// Strategy returns the strategy in use, after any fallback.
func (m *Module) Strategy() Strategy {
	return m.strategy
}

// NewVM creates an instance with a fresh data segment. Closing the VM does
// not release the module's engine.
func (m *Module) NewVM(handler syscall.Handler) *VM {
	vm := m.newVM(handler)
	vm.shared = true
	return vm
}

func (m *Module) newVM(handler syscall.Handler) *VM {
	if handler == nil {
		handler = syscall.NewEmptyRegistry()
	}
	vm := &VM{
		prog:     m.prog,
		engine:   m.engine,
		strategy: m.strategy,
		handler:  handler,
		logger:   m.logger,
	}
	vm.state = machine.NewState(m.prog, dispatcher{vm})
	return vm
}

// Close releases the engine. VMs created from the module must not be
// called afterwards.
func (m *Module) Close() error {
	return m.engine.Close()
}

// VM is one loaded program instance.
type VM struct {
	prog     *bytecode.Program
	state    *machine.State
	engine   machine.Engine
	strategy Strategy
	handler  syscall.Handler
	logger   *log.Logger
	shared   bool // engine owned by a Module

	broken error
	closed bool
}

// Load parses, validates and prepares image. handler receives syscalls; a
// nil handler rejects every syscall.
func Load(image []byte, handler syscall.Handler, opts Options) (*VM, error) {
	prog, err := bytecode.Load(image, bytecode.LoadOptions{StackSize: opts.StackSize})
	if err != nil {
		return nil, err
	}
	return LoadProgram(prog, handler, opts)
}

// LoadProgram creates a VM that owns its engine for an already validated
// program.
func LoadProgram(prog *bytecode.Program, handler syscall.Handler, opts Options) (*VM, error) {
	m, err := Prepare(prog, opts)
	if err != nil {
		return nil, err
	}
	return m.newVM(handler), nil
}

func (vm *VM) logf(format string, args ...interface{}) {
	if vm.logger != nil {
		vm.logger.Printf(format, args...)
	}
}

// Call runs the program's entry function with up to bytecode.MaxArgs
// arguments and returns its result. A trap breaks the VM: every later call
// fails with an error wrapping machine.ErrBroken.
func (vm *VM) Call(args ...int32) (int32, error) {
	if vm.closed {
		return 0, ErrClosed
	}
	if vm.broken != nil {
		return 0, fmt.Errorf("%w: %v", machine.ErrBroken, vm.broken)
	}

	r, err := vm.state.Call(vm.engine, args)
	if err != nil {
		if machine.SeverityOf(err) == machine.SeverityFatal && vm.broken == nil {
			vm.broken = err
			vm.logf("qvm: %s: fatal: %v", vm.prog.ID.Short(), err)
		}
		return 0, err
	}
	return r, nil
}

// dispatcher connects the engine's syscall bridge to the host handler.
type dispatcher struct {
	vm *VM
}

func (d dispatcher) Dispatch(args []int) (int32, error) {
	r, err := d.vm.handler.Handle(d.vm, syscall.Args(args))
	if err != nil {
		return 0, err
	}
	// a nested call that trapped must unwind this one too, even if the
	// handler swallowed the error
	if d.vm.broken != nil {
		return 0, d.vm.broken
	}
	return r, nil
}

// Memory returns the live data segment.
func (vm *VM) Memory() []byte {
	return vm.state.Data
}

// Restore replaces the data segment contents. It is only allowed between
// calls and clears a broken state.
func (vm *VM) Restore(data []byte) error {
	if vm.closed {
		return ErrClosed
	}
	if vm.state.Depth() > 0 {
		return ErrRunning
	}
	if len(data) != len(vm.state.Data) {
		return fmt.Errorf("%w: %d bytes, segment is %d", ErrSnapshotSize, len(data), len(vm.state.Data))
	}
	copy(vm.state.Data, data)
	vm.state.ProgramStack = vm.prog.DataSize
	vm.state.CallDepth = 0
	vm.broken = nil
	return nil
}

// Reset restores the data segment to the image's initial contents.
func (vm *VM) Reset() error {
	return vm.Restore(vm.prog.NewData())
}

// Strategy reports the engine in use.
func (vm *VM) Strategy() Strategy {
	return vm.strategy
}

// ID returns the image content hash.
func (vm *VM) ID() types.ImageID {
	return vm.prog.ID
}

// Program returns the validated program.
func (vm *VM) Program() *bytecode.Program {
	return vm.prog
}

// Depth returns the number of active nested calls.
func (vm *VM) Depth() int {
	return vm.state.Depth()
}

// BreakCount returns how many BREAK instructions have executed.
func (vm *VM) BreakCount() int64 {
	return vm.state.Breaks
}

// LastCallDepth returns the peak call depth of the last outermost call,
// clamped to machine.MaxCallStackDepth.
func (vm *VM) LastCallDepth() int32 {
	return vm.state.PeakDepth
}

// CallStack returns the instruction indices recorded by the last
// outermost call, outermost first. Syscalls appear as their negative call
// target.
func (vm *VM) CallStack() []int32 {
	n := vm.state.PeakDepth
	return append([]int32(nil), vm.state.CallStack[:n]...)
}

// Broken returns the trap that broke the VM, or nil.
func (vm *VM) Broken() error {
	return vm.broken
}

// Close releases engine resources. The VM cannot be used afterwards.
func (vm *VM) Close() error {
	if vm.closed {
		return nil
	}
	vm.closed = true
	if vm.shared {
		return nil
	}
	return vm.engine.Close()
}
