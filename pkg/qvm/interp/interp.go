// Package interp implements the portable qvm interpreter.
//
// The interpreter walks the validated instruction array directly. It keeps
// the instruction index and the operand-stack index in locals and performs
// the same checks compiled code performs inline: every computed address is
// masked into the data segment, ENTER checks the program stack against its
// low-water mark and the operand stack against the function's peak depth,
// and every computed control transfer is checked against the program's
// entry tables.
package interp

import (
	"math"

	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
	"github.com/fortiblox/qvm/pkg/qvm/machine"
)

// Interpreter is the interpreted execution engine. It holds no state of its
// own and may be shared between instances.
type Interpreter struct{}

// New creates an interpreter.
func New() *Interpreter {
	return &Interpreter{}
}

// Close implements machine.Engine.
func (it *Interpreter) Close() error {
	return nil
}

// Execute implements machine.Engine.
func (it *Interpreter) Execute(st *machine.State, programStack int32) (result int32, err error) {
	var (
		prog  = st.Program
		insts = prog.Instructions
		data  = st.Data
		mask  = st.Mask
		ps    = programStack

		// slot 0 stays free so the empty stack has a valid top
		stack [machine.OpStackSize]int32
		sp    int
		ip    int32
		cur   int32
	)

	// Engine panics can only come from Go bounds checks on the data
	// segment; report them as data faults of the running instruction.
	defer func() {
		if r := recover(); r != nil {
			result = 0
			err = machine.NewTrap(machine.ErrDataAccess, cur, "%v", r)
		}
	}()

	const top = machine.OpStackSize - 1

	for {
		in := &insts[ip]
		cur = ip
		ip++
		v := in.Value

		switch in.Op {
		case bytecode.OpIgnore:

		case bytecode.OpBreak:
			st.Breaks++

		case bytecode.OpEnter:
			ps -= v
			if ps < st.StackBottom {
				return 0, machine.NewTrap(machine.ErrProgramStackOverflow, cur, "")
			}
			if sp+int(prog.ProcAt(cur).MaxDepth) > top {
				return 0, machine.NewTrap(machine.ErrOpStackOverflow, cur, "")
			}
			st.PushCall(cur)

		case bytecode.OpLeave:
			st.PopCall()
			ps += v
			ret := machine.Int32At(data, ps)
			if ret == machine.ReturnSentinel {
				if sp != 1 {
					return 0, machine.NewTrap(machine.ErrOpStackCorrupt, cur, "%d operands", sp)
				}
				return stack[1], nil
			}
			if !prog.CanReturn(ret) {
				return 0, machine.NewTrap(machine.ErrBadJump, cur, "return to %d", ret)
			}
			ip = ret

		case bytecode.OpCall:
			machine.PutInt32(data, ps, ip)
			t := stack[sp]
			if t < 0 {
				r, err := st.Syscall(cur, ps, t)
				if err != nil {
					return 0, err
				}
				stack[sp] = r
				ip = machine.Int32At(data, ps)
				if !prog.CanReturn(ip) {
					return 0, machine.NewTrap(machine.ErrBadJump, cur, "return to %d", ip)
				}
				continue
			}
			if !prog.CanCall(t) {
				return 0, machine.NewTrap(machine.ErrBadJump, cur, "call to %d", t)
			}
			sp--
			ip = t

		case bytecode.OpPush:
			sp++
			stack[sp] = 0

		case bytecode.OpPop:
			sp--

		case bytecode.OpConst:
			sp++
			stack[sp] = v

		case bytecode.OpLocal:
			sp++
			stack[sp] = v + ps

		case bytecode.OpJump:
			t := stack[sp]
			sp--
			if !prog.CanJump(cur, t) {
				return 0, machine.NewTrap(machine.ErrBadJump, cur, "jump to %d", t)
			}
			ip = t

		case bytecode.OpEQ, bytecode.OpNE,
			bytecode.OpLTI, bytecode.OpLEI, bytecode.OpGTI, bytecode.OpGEI,
			bytecode.OpLTU, bytecode.OpLEU, bytecode.OpGTU, bytecode.OpGEU,
			bytecode.OpEQF, bytecode.OpNEF,
			bytecode.OpLTF, bytecode.OpLEF, bytecode.OpGTF, bytecode.OpGEF:
			a, b := stack[sp-1], stack[sp]
			sp -= 2
			if Compare(in.Op, a, b) {
				ip = v
			}

		case bytecode.OpLoad1:
			stack[sp] = int32(data[stack[sp]&mask])

		case bytecode.OpLoad2:
			addr := stack[sp] & (mask &^ 1)
			stack[sp] = int32(uint16(data[addr]) | uint16(data[addr+1])<<8)

		case bytecode.OpLoad4:
			stack[sp] = machine.Int32At(data, stack[sp]&(mask&^3))

		case bytecode.OpStore1:
			data[stack[sp-1]&mask] = byte(stack[sp])
			sp -= 2

		case bytecode.OpStore2:
			addr := stack[sp-1] & (mask &^ 1)
			data[addr] = byte(stack[sp])
			data[addr+1] = byte(stack[sp] >> 8)
			sp -= 2

		case bytecode.OpStore4:
			machine.PutInt32(data, stack[sp-1]&(mask&^3), stack[sp])
			sp -= 2

		case bytecode.OpArg:
			machine.PutInt32(data, ps+v, stack[sp])
			sp--

		case bytecode.OpBlockCopy:
			machine.BlockCopy(data, mask, stack[sp-1], stack[sp], v)
			sp -= 2

		case bytecode.OpSex8:
			stack[sp] = int32(int8(stack[sp]))

		case bytecode.OpSex16:
			stack[sp] = int32(int16(stack[sp]))

		case bytecode.OpNegI:
			stack[sp] = -stack[sp]

		case bytecode.OpBcom:
			stack[sp] = ^stack[sp]

		case bytecode.OpNegF:
			stack[sp] = int32(uint32(stack[sp]) ^ 0x80000000)

		case bytecode.OpCvif:
			stack[sp] = fbits(float32(stack[sp]))

		case bytecode.OpCvfi:
			stack[sp] = Truncate(f32(stack[sp]))

		case bytecode.OpDivI, bytecode.OpDivU, bytecode.OpModI, bytecode.OpModU:
			if stack[sp] == 0 {
				return 0, machine.NewTrap(machine.ErrDivideByZero, cur, "")
			}
			stack[sp-1] = Binary(in.Op, stack[sp-1], stack[sp])
			sp--

		default:
			// remaining opcodes are two-operand arithmetic
			stack[sp-1] = Binary(in.Op, stack[sp-1], stack[sp])
			sp--
		}
	}
}

// Compare evaluates a conditional branch with a as the deeper operand and
// b as the top of the stack. Float comparisons are false on NaN except NEF.
func Compare(op bytecode.Opcode, a, b int32) bool {
	switch op {
	case bytecode.OpEQ:
		return a == b
	case bytecode.OpNE:
		return a != b
	case bytecode.OpLTI:
		return a < b
	case bytecode.OpLEI:
		return a <= b
	case bytecode.OpGTI:
		return a > b
	case bytecode.OpGEI:
		return a >= b
	case bytecode.OpLTU:
		return uint32(a) < uint32(b)
	case bytecode.OpLEU:
		return uint32(a) <= uint32(b)
	case bytecode.OpGTU:
		return uint32(a) > uint32(b)
	case bytecode.OpGEU:
		return uint32(a) >= uint32(b)
	case bytecode.OpEQF:
		return f32(a) == f32(b)
	case bytecode.OpNEF:
		return f32(a) != f32(b)
	case bytecode.OpLTF:
		return f32(a) < f32(b)
	case bytecode.OpLEF:
		return f32(a) <= f32(b)
	case bytecode.OpGTF:
		return f32(a) > f32(b)
	case bytecode.OpGEF:
		return f32(a) >= f32(b)
	}
	return false
}

// Binary evaluates a two-operand arithmetic opcode. Division and modulo by
// zero must be rejected by the caller.
func Binary(op bytecode.Opcode, a, b int32) int32 {
	switch op {
	case bytecode.OpAdd:
		return a + b
	case bytecode.OpSub:
		return a - b
	case bytecode.OpMulI:
		return a * b
	case bytecode.OpMulU:
		return int32(uint32(a) * uint32(b))
	case bytecode.OpDivI:
		return a / b
	case bytecode.OpDivU:
		return int32(uint32(a) / uint32(b))
	case bytecode.OpModI:
		return a % b
	case bytecode.OpModU:
		return int32(uint32(a) % uint32(b))
	case bytecode.OpBand:
		return a & b
	case bytecode.OpBor:
		return a | b
	case bytecode.OpBxor:
		return a ^ b
	case bytecode.OpLsh:
		return int32(uint32(a) << (uint32(b) & 31))
	case bytecode.OpRshI:
		return a >> (uint32(b) & 31)
	case bytecode.OpRshU:
		return int32(uint32(a) >> (uint32(b) & 31))
	case bytecode.OpAddF:
		return fbits(f32(a) + f32(b))
	case bytecode.OpSubF:
		return fbits(f32(a) - f32(b))
	case bytecode.OpMulF:
		return fbits(f32(a) * f32(b))
	case bytecode.OpDivF:
		return fbits(f32(a) / f32(b))
	}
	panic("interp: not a binary opcode: " + op.String())
}

// Truncate converts a float to int32 the way cvttss2si does: toward zero,
// with NaN and out-of-range values producing math.MinInt32.
func Truncate(f float32) int32 {
	if f != f || f >= 2147483648 || f < -2147483648 {
		return math.MinInt32
	}
	return int32(f)
}

func f32(v int32) float32 {
	return math.Float32frombits(uint32(v))
}

func fbits(f float32) int32 {
	return int32(math.Float32bits(f))
}
