package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidProgram is wrapped by every ValidationError.
var ErrInvalidProgram = errors.New("invalid program")

// ValidationError reports the instruction that failed validation.
type ValidationError struct {
	IP     int32
	Op     Opcode
	Reason string
}

func (e *ValidationError) Error() string {
	if e.IP < 0 {
		return fmt.Sprintf("invalid program: %s", e.Reason)
	}
	return fmt.Sprintf("invalid program: instruction %d (%s): %s", e.IP, e.Op, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidProgram
}

// LoadOptions configures program validation.
type LoadOptions struct {
	// StackSize is the program stack reserved at the top of the data
	// segment. Zero selects DefaultStackSize.
	StackSize int32
}

// DefaultLoadOptions returns the default validation options.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{StackSize: DefaultStackSize}
}

// Load parses and validates a raw image.
func Load(raw []byte, opts LoadOptions) (*Program, error) {
	img, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Validate(img, opts)
}

// validator carries the state of one validation run.
type validator struct {
	img   *Image
	prog  *Program
	insts []Instruction
}

func (v *validator) fail(ip int32, format string, args ...interface{}) error {
	var op Opcode
	if ip >= 0 && int(ip) < len(v.insts) {
		op = v.insts[ip].Op
	}
	return &ValidationError{IP: ip, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Validate decodes the instruction stream of img and checks every
// invariant the engines rely on. No instruction runs before this succeeds.
func Validate(img *Image, opts LoadOptions) (*Program, error) {
	if opts.StackSize == 0 {
		opts.StackSize = DefaultStackSize
	}
	if opts.StackSize < 1024 || opts.StackSize%4 != 0 {
		return nil, fmt.Errorf("%w: stack size %d", ErrInvalidHeader, opts.StackSize)
	}

	v := &validator{img: img}

	size, err := dataSize(&img.Header, opts.StackSize)
	if err != nil {
		return nil, err
	}
	v.prog = &Program{
		ID:        img.ID,
		Data:      img.Data,
		DataSize:  size,
		StackSize: opts.StackSize,
	}

	steps := []func() error{
		v.decode,
		v.buildProcs,
		v.markTargets,
		v.checkDepth,
		v.checkOperands,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	v.prog.Instructions = v.insts
	return v.prog, nil
}

// dataSize computes the power-of-two segment size for an image.
func dataSize(h *Header, stackSize int32) (int32, error) {
	init := int64(h.DataLength) + int64(h.LitLength)
	need := init + int64(h.BssLength)
	if min := init + int64(stackSize); need < min {
		need = min
	}

	size := int64(1)
	for size < need {
		size <<= 1
	}
	if size > MaxDataSize {
		return 0, fmt.Errorf("%w: data segment of %d bytes", ErrTooLarge, size)
	}
	return int32(size), nil
}

// decode splits the code section into instructions.
func (v *validator) decode() error {
	code := v.img.Code
	count := v.img.Header.InstructionCount
	v.insts = make([]Instruction, count)

	pc := 0
	for i := int32(0); i < count; i++ {
		if pc >= len(code) {
			return v.fail(-1, "code section ends after %d of %d instructions", i, count)
		}
		op := Opcode(code[pc])
		pc++
		if !op.Valid() {
			return &ValidationError{IP: i, Op: op, Reason: "undefined opcode"}
		}

		in := &v.insts[i]
		in.Op = op
		switch op.ImmediateSize() {
		case 4:
			if pc+4 > len(code) {
				return v.fail(i, "truncated immediate")
			}
			in.Value = int32(binary.LittleEndian.Uint32(code[pc:]))
			pc += 4
		case 1:
			if pc+1 > len(code) {
				return v.fail(i, "truncated immediate")
			}
			in.Value = int32(code[pc])
			pc++
		}
	}
	return nil
}

// buildProcs splits the program into functions and checks that each one
// is well formed.
func (v *validator) buildProcs() error {
	if v.insts[0].Op != OpEnter {
		return v.fail(0, "program must start with ENTER")
	}

	count := int32(len(v.insts))
	v.prog.procOf = make([]int32, count)

	for i := int32(0); i < count; i++ {
		if v.insts[i].Op == OpEnter {
			if n := len(v.prog.Procs); n > 0 {
				v.prog.Procs[n-1].End = i
			}
			frame := v.insts[i].Value
			if frame < 8 || frame%4 != 0 || frame > v.prog.StackSize {
				return v.fail(i, "bad frame size %d", frame)
			}
			v.prog.Procs = append(v.prog.Procs, Proc{Start: i, Frame: frame})
		}
		v.prog.procOf[i] = int32(len(v.prog.Procs) - 1)
	}
	v.prog.Procs[len(v.prog.Procs)-1].End = count

	for _, p := range v.prog.Procs {
		leaves := 0
		for i := p.Start; i < p.End; i++ {
			if v.insts[i].Op == OpLeave {
				if v.insts[i].Value != p.Frame {
					return v.fail(i, "LEAVE %d does not match ENTER %d", v.insts[i].Value, p.Frame)
				}
				leaves++
			}
		}
		if leaves == 0 {
			return v.fail(p.Start, "function has no LEAVE")
		}
		switch v.insts[p.End-1].Op {
		case OpLeave, OpJump:
		default:
			return v.fail(p.End-1, "function falls through its end")
		}
	}
	return nil
}

// markTargets checks every static control transfer and flags branch
// destinations.
func (v *validator) markTargets() error {
	count := int32(len(v.insts))

	for i := int32(0); i < count; i++ {
		in := &v.insts[i]
		switch {
		case in.Op.IsBranch():
			t := in.Value
			if t < 0 || t >= count {
				return v.fail(i, "branch target %d out of range", t)
			}
			if v.prog.procOf[t] != v.prog.procOf[i] {
				return v.fail(i, "branch target %d outside function", t)
			}
			v.insts[t].Target = true

		case in.Op == OpConst && i+1 < count:
			t := in.Value
			switch v.insts[i+1].Op {
			case OpJump:
				if t < 0 || t >= count {
					return v.fail(i+1, "jump target %d out of range", t)
				}
				if v.prog.procOf[t] != v.prog.procOf[i] {
					return v.fail(i+1, "jump target %d outside function", t)
				}
				v.insts[t].Target = true
			case OpCall:
				if t >= 0 && (t >= count || v.insts[t].Op != OpEnter) {
					return v.fail(i+1, "call target %d is not a function", t)
				}
			}
		}
	}

	for n, t := range v.img.JumpTargets {
		if t < 0 || t >= count {
			return v.fail(-1, "jump table entry %d targets %d, outside [0,%d)", n, t, count)
		}
		v.insts[t].Target = true
	}
	return nil
}

// checkDepth tracks the operand-stack depth through every function.
func (v *validator) checkDepth() error {
	for pi := range v.prog.Procs {
		p := &v.prog.Procs[pi]
		depth := 0
		peak := 0

		for i := p.Start; i < p.End; i++ {
			in := &v.insts[i]
			if in.Target && depth != 0 {
				return v.fail(i, "jump target with %d operands on the stack", depth)
			}
			in.Depth = uint8(depth)

			pop, push := in.Op.StackEffect()
			if depth < pop {
				return v.fail(i, "operand stack underflow")
			}

			switch {
			case in.Op == OpLeave:
				if depth != 1 {
					return v.fail(i, "LEAVE with %d operands on the stack", depth)
				}
				depth = 0
				continue
			case in.Op == OpJump:
				if depth != 1 {
					return v.fail(i, "JUMP with %d operands on the stack", depth)
				}
				depth = 0
				continue
			case in.Op.IsBranch():
				if depth != 2 {
					return v.fail(i, "branch with %d operands on the stack", depth)
				}
			}

			depth += push - pop
			if depth > peak {
				peak = depth
			}
			if peak > MaxProcDepth {
				return v.fail(i, "operand stack deeper than %d", MaxProcDepth)
			}
		}
		p.MaxDepth = uint8(peak)
	}
	return nil
}

// checkOperands bounds every frame-relative immediate so compiled code can
// address locals without masking.
func (v *validator) checkOperands() error {
	for i := range v.insts {
		in := &v.insts[i]
		ip := int32(i)
		frame := v.prog.ProcAt(ip).Frame

		switch in.Op {
		case OpLocal:
			if in.Value < 0 || int64(in.Value)+4 > int64(frame)+EntryFrameSize {
				return v.fail(ip, "local offset %d outside frame of %d", in.Value, frame)
			}
		case OpArg:
			if in.Value < 8 || in.Value+4 > frame {
				return v.fail(ip, "argument offset %d outside frame of %d", in.Value, frame)
			}
		case OpBlockCopy:
			if in.Value < 0 {
				return v.fail(ip, "negative copy size %d", in.Value)
			}
		}
	}
	return nil
}
