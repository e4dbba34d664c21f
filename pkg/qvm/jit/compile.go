package jit

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
	"github.com/fortiblox/qvm/pkg/qvm/machine"
)

// Register assignment inside compiled code.
//
//	rbx  data segment base
//	esi  program stack offset
//	rdi  address of the operand-stack top slot
//	rbp  rbx+rsi, the current frame
//	r8   jump tables
//	r12  activation record
//	r13d program stack low-water mark
//	r14  address of the last usable operand slot
//
// eax, ecx, edx, r9, xmm0 and xmm1 are scratch.
const (
	regData   = RBX
	regPS     = RSI
	regOp     = RDI
	regFrame  = RBP
	regTables = R8
	regAct    = R12
	regBottom = R13
	regOpTop  = R14
)

var calleeSaved = []Reg{RBP, RBX, R12, R13, R14, R15}

var (
	top  = M(regOp, 0)
	next = M(regOp, -4)
)

// lastCommand tracks the final machine instruction emitted, for the
// peephole rules in push, pop and loadTop.
type lastCommand int

const (
	lastNone      lastCommand = iota
	lastStoreTop              // mov [rdi], eax
	lastLoadTop               // mov eax, [rdi]
	lastPop                   // sub rdi, 4
)

const popSize = 4 // bytes in "sub rdi, 4"

// thunkOffsets locates the shared code emitted ahead of the program body.
type thunkOffsets struct {
	entry        int
	exit         int
	done         int
	badJump      int
	programStack int
	opStack      int
	dataAccess   int
	divide       int
	syscall      int
	call         int
	blockCopy    int
}

type compiler struct {
	prog  *bytecode.Program
	opts  Options
	a     *Assembler
	th    thunkOffsets
	count int32
	mask  int32

	offsets []int32 // native offset of each instruction, this pass
	prev    []int32 // offsets from the previous pass

	last    lastCommand
	lastEnd int

	fused int // instructions folded into a neighbour
}

func newCompiler(prog *bytecode.Program, opts Options) *compiler {
	return &compiler{
		prog:    prog,
		opts:    opts,
		count:   prog.Count(),
		mask:    prog.Mask(),
		offsets: make([]int32, prog.Count()),
	}
}

// pass emits the whole program into buf[:0]. Branch displacements use the
// offsets recorded by the previous pass; every bytecode-level jump has a
// fixed-size encoding, so two passes always agree.
func (c *compiler) pass(buf []byte) []byte {
	c.a = NewAssembler(buf)
	c.last = lastNone
	c.fused = 0
	c.thunks()

	for ip := int32(0); ip < c.count; {
		if c.prog.IsEntry(ip) {
			c.last = lastNone
		}
		start := int32(c.a.Offset())
		n := c.instruction(ip)
		for i := int32(0); i < n; i++ {
			c.offsets[ip+i] = start
		}
		ip += n
	}
	return c.a.Bytes()
}

// target returns the native offset of instruction ip from the previous
// pass.
func (c *compiler) target(ip int32) int {
	if c.prev == nil {
		return 0
	}
	return int(c.prev[ip])
}

func (c *compiler) mark(l lastCommand) {
	c.last = l
	c.lastEnd = c.a.Offset()
}

func (c *compiler) lastIs(l lastCommand) bool {
	return c.last == l && c.lastEnd == c.a.Offset()
}

// push grows the operand stack by one slot. A directly preceding pop is
// cancelled instead.
func (c *compiler) push() {
	if c.lastIs(lastPop) {
		c.a.Rewind(popSize)
		c.last = lastNone
		return
	}
	c.a.AluImm64(aluAdd, R(regOp), 4)
}

func (c *compiler) pop() {
	c.a.AluImm64(aluSub, R(regOp), 4)
	c.mark(lastPop)
}

func (c *compiler) pop2() {
	c.a.AluImm64(aluSub, R(regOp), 8)
}

// loadTop puts the top operand in eax unless it is already there.
func (c *compiler) loadTop() {
	if c.lastIs(lastStoreTop) || c.lastIs(lastLoadTop) {
		return
	}
	c.a.Load32(RAX, top)
	c.mark(lastLoadTop)
}

func (c *compiler) storeTop() {
	c.a.Store32(top, RAX)
	c.mark(lastStoreTop)
}

func (c *compiler) checkData(r Reg, width int32) {
	if !c.opts.CheckData {
		return
	}
	c.a.AluImm32(aluCmp, R(r), c.prog.DataSize-width)
	c.a.JccRel32(CondA, c.th.dataAccess)
}

func (c *compiler) raise(code int32) {
	c.a.StoreImm32(M(regAct, offExit), code)
	c.a.JmpRel32(c.th.exit)
}

// thunks emits the entry routine, the common exit and the shared
// out-of-line helpers.
func (c *compiler) thunks() {
	a := c.a

	c.th.entry = a.Offset()
	for _, r := range calleeSaved {
		a.Push(r)
	}
	a.Store64(R(regAct), RDI)
	a.Load64(regData, M(regAct, offData))
	a.Load64(regTables, M(regAct, offTables))
	a.Load64(regOp, M(regAct, offOpStack))
	a.Load64(regOpTop, M(regAct, offOpStackTop))
	a.Load32(regPS, M(regAct, offProgramStack))
	a.Load32(regBottom, M(regAct, offStackBottom))
	a.Lea64(regFrame, MI(regData, regPS, 0, 0))
	a.JmpMem(M(regAct, offTarget))

	c.th.exit = a.Offset()
	a.Store32(M(regAct, offProgramStack), regPS)
	a.Store64(M(regAct, offOpStack), regOp)
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		a.Pop(calleeSaved[i])
	}
	a.Ret()

	c.th.done = a.Offset()
	c.raise(exitDone)
	c.th.badJump = a.Offset()
	c.raise(exitBadJump)
	c.th.programStack = a.Offset()
	c.raise(exitProgramStack)
	c.th.opStack = a.Offset()
	c.raise(exitOpStack)
	c.th.dataAccess = a.Offset()
	c.raise(exitDataAccess)
	c.th.divide = a.Offset()
	c.raise(exitDivide)

	// eax holds the negated syscall number, rdi the slot for its result
	c.th.syscall = a.Offset()
	a.Store32(M(regAct, offSyscall), RAX)
	c.raise(exitSyscall)

	// eax holds the call target; the return index is already at [rbp]
	c.th.call = a.Offset()
	a.Test32(R(RAX), RAX)
	a.JccRel32(CondL, c.th.syscall)
	a.AluImm32Long(aluCmp, R(RAX), c.count)
	a.JccRel32(CondAE, c.th.badJump)
	a.AluImm64(aluSub, R(regOp), 4)
	a.JmpMem(MI(regTables, RAX, 3, 8*c.count))

	// edx holds the byte count; copies forward from [top] to [next]
	size := c.prog.DataSize
	c.th.blockCopy = a.Offset()
	a.Load32(RAX, top)
	a.Load32(RCX, next)
	a.AluImm64(aluSub, R(regOp), 8)
	a.AluImm32(aluAnd, R(RAX), c.mask)
	a.AluImm32(aluAnd, R(RCX), c.mask)
	for _, r := range []Reg{RAX, RCX} {
		a.MovImm32(R9, size)
		a.AluLoad32(aluSub, R9, R(r))
		a.AluLoad32(aluCmp, RDX, R(R9))
		a.Cmov32(CondA, RDX, R(R9))
	}
	a.Push(RSI)
	a.Push(RDI)
	a.Lea64(RSI, MI(regData, RAX, 0, 0))
	a.Lea64(RDI, MI(regData, RCX, 0, 0))
	a.Store32(R(RCX), RDX)
	a.RepMovsb()
	a.Pop(RDI)
	a.Pop(RSI)
	a.Ret()
}

// instruction compiles the instruction at ip, possibly together with some
// of its successors, and returns how many instructions it consumed.
func (c *compiler) instruction(ip int32) int32 {
	a := c.a
	in := &c.prog.Instructions[ip]
	v := in.Value

	switch in.Op {
	case bytecode.OpIgnore:

	case bytecode.OpBreak:
		a.Inc64(M(regAct, offBreaks))

	case bytecode.OpEnter:
		c.enter(ip, v)

	case bytecode.OpLeave:
		a.Dec32(M(regAct, offCallDepth))
		a.AluImm32(aluAdd, R(regPS), v)
		a.Lea64(regFrame, MI(regData, regPS, 0, 0))
		a.Load32(RAX, M(regFrame, 0))
		a.AluImm32(aluCmp, R(RAX), machine.ReturnSentinel)
		a.JccRel32(CondE, c.th.done)
		a.AluImm32Long(aluCmp, R(RAX), c.count)
		a.JccRel32(CondAE, c.th.badJump)
		a.JmpMem(MI(regTables, RAX, 3, 16*c.count))

	case bytecode.OpCall:
		c.loadTop()
		a.StoreImm32(M(regFrame, 0), ip+1)
		a.JmpRel32(c.th.call)

	case bytecode.OpPush:
		c.push()
		a.StoreImm32(top, 0)

	case bytecode.OpPop:
		c.pop()

	case bytecode.OpConst:
		if n := c.constant(ip); n > 0 {
			return n
		}
		c.push()
		a.StoreImm32(top, v)

	case bytecode.OpLocal:
		if n := c.local(ip); n > 0 {
			return n
		}
		c.push()
		a.Lea32(RAX, M(regPS, v))
		c.storeTop()

	case bytecode.OpJump:
		proc := c.prog.ProcAt(ip)
		c.loadTop()
		c.pop()
		if proc.Start > 0 {
			a.AluImm32Long(aluCmp, R(RAX), proc.Start)
			a.JccRel32(CondB, c.th.badJump)
		}
		a.AluImm32Long(aluCmp, R(RAX), proc.End)
		a.JccRel32(CondAE, c.th.badJump)
		a.JmpMem(MI(regTables, RAX, 3, 0))

	case bytecode.OpEQ, bytecode.OpNE,
		bytecode.OpLTI, bytecode.OpLEI, bytecode.OpGTI, bytecode.OpGEI,
		bytecode.OpLTU, bytecode.OpLEU, bytecode.OpGTU, bytecode.OpGEU:
		c.pop2()
		a.Load32(RAX, M(regOp, 4))
		a.AluLoad32(aluCmp, RAX, M(regOp, 8))
		a.JccRel32(intCond[in.Op], c.target(v))

	case bytecode.OpEQF, bytecode.OpNEF,
		bytecode.OpLTF, bytecode.OpLEF, bytecode.OpGTF, bytecode.OpGEF:
		c.floatBranch(in.Op, c.target(v))

	case bytecode.OpLoad1, bytecode.OpLoad2, bytecode.OpLoad4:
		width := in.Op.AccessSize()
		c.loadTop()
		a.AluImm32(aluAnd, R(RAX), c.mask&^(width-1))
		c.checkData(RAX, width)
		c.loadData(width, MI(regData, RAX, 0, 0))
		c.storeTop()

	case bytecode.OpStore1, bytecode.OpStore2, bytecode.OpStore4:
		c.loadTop()
		c.storeData(in.Op.AccessSize())

	case bytecode.OpArg:
		c.loadTop()
		a.Store32(M(regFrame, v), RAX)
		c.pop()

	case bytecode.OpBlockCopy:
		a.MovImm32(RDX, v)
		a.CallRel32(c.th.blockCopy)

	case bytecode.OpSex8:
		a.MovsxByte(RAX, top)
		c.storeTop()

	case bytecode.OpSex16:
		a.MovsxWord(RAX, top)
		c.storeTop()

	case bytecode.OpNegI:
		a.Neg32(top)

	case bytecode.OpBcom:
		a.Not32(top)

	case bytecode.OpNegF:
		a.AluImm32Long(aluXor, top, math.MinInt32)

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpBand, bytecode.OpBor, bytecode.OpBxor:
		c.loadTop()
		c.pop()
		a.AluStore32(aluOps[in.Op], top, RAX)

	case bytecode.OpMulI, bytecode.OpMulU:
		a.Load32(RAX, next)
		a.Imul32(RAX, top)
		c.pop()
		c.storeTop()

	case bytecode.OpDivI, bytecode.OpModI:
		c.signedDivide(in.Op == bytecode.OpModI)

	case bytecode.OpDivU, bytecode.OpModU:
		a.Load32(RCX, top)
		a.Test32(R(RCX), RCX)
		a.JccRel32(CondE, c.th.divide)
		a.Load32(RAX, next)
		a.AluStore32(aluXor, R(RDX), RDX)
		a.Div32(R(RCX))
		c.pop()
		if in.Op == bytecode.OpModU {
			a.Store32(top, RDX)
		} else {
			c.storeTop()
		}

	case bytecode.OpLsh, bytecode.OpRshI, bytecode.OpRshU:
		a.Load32(RCX, top)
		c.pop()
		a.ShiftCL(shiftOps[in.Op], top)

	case bytecode.OpAddF, bytecode.OpSubF, bytecode.OpMulF, bytecode.OpDivF:
		a.Movss(X0, next)
		a.ScalarOp(sseOps[in.Op], X0, top)
		c.pop()
		a.MovssStore(top, X0)

	case bytecode.OpCvif:
		a.Cvtsi2ss(X0, top)
		a.MovssStore(top, X0)

	case bytecode.OpCvfi:
		a.Cvttss2si(RAX, top)
		c.storeTop()

	default:
		panic(fmt.Sprintf("jit: unhandled opcode %v at %d", in.Op, ip))
	}
	return 1
}

var intCond = map[bytecode.Opcode]Cond{
	bytecode.OpEQ:  CondE,
	bytecode.OpNE:  CondNE,
	bytecode.OpLTI: CondL,
	bytecode.OpLEI: CondLE,
	bytecode.OpGTI: CondG,
	bytecode.OpGEI: CondGE,
	bytecode.OpLTU: CondB,
	bytecode.OpLEU: CondBE,
	bytecode.OpGTU: CondA,
	bytecode.OpGEU: CondAE,
}

var aluOps = map[bytecode.Opcode]aluOp{
	bytecode.OpAdd:  aluAdd,
	bytecode.OpSub:  aluSub,
	bytecode.OpBand: aluAnd,
	bytecode.OpBor:  aluOr,
	bytecode.OpBxor: aluXor,
}

var shiftOps = map[bytecode.Opcode]shiftOp{
	bytecode.OpLsh:  shiftShl,
	bytecode.OpRshI: shiftSar,
	bytecode.OpRshU: shiftShr,
}

var sseOps = map[bytecode.Opcode]byte{
	bytecode.OpAddF: sseAdd,
	bytecode.OpSubF: sseSub,
	bytecode.OpMulF: sseMul,
	bytecode.OpDivF: sseDiv,
}

func (c *compiler) enter(ip, frame int32) {
	a := c.a
	proc := c.prog.ProcAt(ip)

	a.AluImm32(aluSub, R(regPS), frame)
	a.AluLoad32(aluCmp, regPS, R(regBottom))
	a.JccRel32(CondL, c.th.programStack)
	a.Lea64(regFrame, MI(regData, regPS, 0, 0))
	a.Lea64(RAX, M(regOp, 4*int32(proc.MaxDepth)))
	a.AluLoad64(aluCmp, RAX, R(regOpTop))
	a.JccRel32(CondA, c.th.opStack)

	c.trackCall(ip, true)
}

// trackCall records v in the diagnostic call stack:
// CallStack[min(depth, Max-1)] = v; peak = max(peak, clamped+1). With enter
// set the depth stays incremented, otherwise the entry is popped at once as
// a serviced syscall would be. Clobbers RAX, RCX and RDX.
func (c *compiler) trackCall(v int32, enter bool) {
	a := c.a
	a.Load32(RAX, M(regAct, offCallDepth))
	a.MovImm32(RCX, machine.MaxCallStackDepth-1)
	a.AluLoad32(aluCmp, RAX, R(RCX))
	a.Cmov32(CondL, RCX, R(RAX))
	a.Load64(RDX, M(regAct, offCallStack))
	a.StoreImm32(MI(RDX, RCX, 2, 0), v)
	if enter {
		a.Inc32(M(regAct, offCallDepth))
	}
	a.AluImm32(aluAdd, R(RCX), 1)
	a.AluLoad32(aluCmp, RCX, M(regAct, offPeakDepth))
	l := a.JccShort(CondLE)
	a.Store32(M(regAct, offPeakDepth), RCX)
	a.Bind(l)
}

// floatBranch pops two floats and branches to target. Every comparison
// except NEF is false when either operand is NaN.
func (c *compiler) floatBranch(op bytecode.Opcode, target int) {
	a := c.a
	c.pop2()
	a.Movss(X0, M(regOp, 4))
	switch op {
	case bytecode.OpEQF:
		a.Ucomiss(X0, M(regOp, 8))
		l := a.JccShort(CondP)
		a.JccRel32(CondE, target)
		a.Bind(l)
	case bytecode.OpNEF:
		a.Ucomiss(X0, M(regOp, 8))
		a.JccRel32(CondP, target)
		a.JccRel32(CondNE, target)
	case bytecode.OpGTF:
		a.Ucomiss(X0, M(regOp, 8))
		a.JccRel32(CondA, target)
	case bytecode.OpGEF:
		a.Ucomiss(X0, M(regOp, 8))
		a.JccRel32(CondAE, target)
	case bytecode.OpLTF:
		a.Movss(X1, M(regOp, 8))
		a.Ucomiss(X1, XR(X0))
		a.JccRel32(CondA, target)
	case bytecode.OpLEF:
		a.Movss(X1, M(regOp, 8))
		a.Ucomiss(X1, XR(X0))
		a.JccRel32(CondAE, target)
	}
}

func (c *compiler) loadData(width int32, m Operand) {
	switch width {
	case 1:
		c.a.MovzxByte(RAX, m)
	case 2:
		c.a.MovzxWord(RAX, m)
	default:
		c.a.Load32(RAX, m)
	}
}

// storeData writes eax to the masked address in the next slot and pops
// both operands.
func (c *compiler) storeData(width int32) {
	a := c.a
	a.Load32(RCX, next)
	a.AluImm32(aluAnd, R(RCX), c.mask&^(width-1))
	c.checkData(RCX, width)
	m := MI(regData, RCX, 0, 0)
	switch width {
	case 1:
		a.Store8(m, RAX)
	case 2:
		a.Store16(m, RAX)
	default:
		a.Store32(m, RAX)
	}
	c.pop2()
}

// signedDivide emits DIVI or MODI. A divisor of -1 is handled without idiv
// so that INT_MIN / -1 yields INT_MIN and INT_MIN % -1 yields 0.
func (c *compiler) signedDivide(mod bool) {
	a := c.a
	a.Load32(RCX, top)
	a.Test32(R(RCX), RCX)
	a.JccRel32(CondE, c.th.divide)
	a.Load32(RAX, next)
	a.AluImm32(aluCmp, R(RCX), -1)
	general := a.JccShort(CondNE)
	if mod {
		a.AluStore32(aluXor, R(RDX), RDX)
	} else {
		a.Neg32(R(RAX))
	}
	done := a.JmpShort()
	a.Bind(general)
	a.Cdq()
	a.Idiv32(R(RCX))
	a.Bind(done)
	c.pop()
	if mod {
		a.Store32(top, RDX)
	} else {
		c.storeTop()
	}
}

// fusable reports whether the n instructions after ip can only be reached
// by falling through from ip.
func (c *compiler) fusable(ip, n int32) bool {
	if ip+n >= c.count {
		return false
	}
	for i := ip + 1; i <= ip+n; i++ {
		if c.prog.IsEntry(i) {
			return false
		}
	}
	return true
}

func (c *compiler) op(ip int32) bytecode.Opcode {
	return c.prog.Instructions[ip].Op
}

// constant folds a CONST into the instruction that consumes it.
func (c *compiler) constant(ip int32) int32 {
	if !c.fusable(ip, 1) {
		return 0
	}
	a := c.a
	v := c.prog.Instructions[ip].Value
	nx := &c.prog.Instructions[ip+1]

	switch nx.Op {
	case bytecode.OpLoad1, bytecode.OpLoad2, bytecode.OpLoad4:
		width := nx.Op.AccessSize()
		c.push()
		c.loadData(width, M(regData, v&(c.mask&^(width-1))))
		c.storeTop()

	case bytecode.OpStore1, bytecode.OpStore2, bytecode.OpStore4:
		// the constant is the value; the address is already on the stack
		a.MovImm32(RAX, v)
		a.Load32(RCX, top)
		a.AluImm32(aluAnd, R(RCX), c.mask&^(nx.Op.AccessSize()-1))
		c.checkData(RCX, nx.Op.AccessSize())
		m := MI(regData, RCX, 0, 0)
		switch nx.Op {
		case bytecode.OpStore1:
			a.Store8(m, RAX)
		case bytecode.OpStore2:
			a.Store16(m, RAX)
		default:
			a.Store32(m, RAX)
		}
		c.pop()

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpBand, bytecode.OpBor, bytecode.OpBxor:
		a.AluImm32(aluOps[nx.Op], top, v)

	case bytecode.OpMulI, bytecode.OpMulU:
		a.ImulImm32(RAX, top, v)
		c.storeTop()

	case bytecode.OpLsh, bytecode.OpRshI, bytecode.OpRshU:
		a.ShiftImm(shiftOps[nx.Op], top, byte(v&31))

	case bytecode.OpEQ, bytecode.OpNE,
		bytecode.OpLTI, bytecode.OpLEI, bytecode.OpGTI, bytecode.OpGEI,
		bytecode.OpLTU, bytecode.OpLEU, bytecode.OpGTU, bytecode.OpGEU:
		c.loadTop()
		c.pop()
		a.AluImm32(aluCmp, R(RAX), v)
		a.JccRel32(intCond[nx.Op], c.target(nx.Value))

	case bytecode.OpJump:
		a.JmpRel32(c.target(v))

	case bytecode.OpCall:
		ret := ip + 2
		switch {
		case v >= 0:
			a.StoreImm32(M(regFrame, 0), ret)
			a.JmpRel32(c.target(v))
		case c.opts.InlineSqrt && ^v == c.opts.SqrtSyscall:
			a.StoreImm32(M(regFrame, 0), ret)
			a.StoreImm32(M(regFrame, 4), ^v)
			c.trackCall(v, false)
			c.push()
			a.ScalarOp(sseSqrt, X0, M(regFrame, 8))
			a.MovssStore(top, X0)
		default:
			c.push()
			a.StoreImm32(M(regFrame, 0), ret)
			a.MovImm32(RAX, v)
			a.JmpRel32(c.th.syscall)
		}

	default:
		return 0
	}
	c.fused++
	return 2
}

// local folds a LOCAL into loads of the same slot and into the
// read-modify-write patterns compilers emit for x += c and x = x.
func (c *compiler) local(ip int32) int32 {
	insts := c.prog.Instructions
	x := insts[ip].Value

	if x%4 == 0 && c.fusable(ip, 5) &&
		c.op(ip+1) == bytecode.OpLocal && insts[ip+1].Value == x &&
		c.op(ip+2) == bytecode.OpLoad4 &&
		c.op(ip+3) == bytecode.OpConst &&
		c.op(ip+5) == bytecode.OpStore4 {
		if op, ok := aluOps[c.op(ip+4)]; ok {
			c.a.AluImm32(op, M(regFrame, x), insts[ip+3].Value)
			c.fused += 5
			return 6
		}
	}

	if x%4 == 0 && c.fusable(ip, 3) &&
		c.op(ip+1) == bytecode.OpLocal && insts[ip+1].Value == x &&
		c.op(ip+2) == bytecode.OpLoad4 &&
		c.op(ip+3) == bytecode.OpStore4 {
		c.fused += 3
		return 4
	}

	if c.fusable(ip, 1) {
		switch nx := c.op(ip + 1); nx {
		case bytecode.OpLoad1, bytecode.OpLoad2, bytecode.OpLoad4:
			width := nx.AccessSize()
			if x%width != 0 {
				return 0
			}
			c.push()
			c.loadData(width, M(regFrame, x))
			c.storeTop()
			c.fused++
			return 2
		}
	}
	return 0
}

// assembly is the output of both passes: code followed by the jump, call
// and return tables, each holding one 8-byte entry per instruction.
type assembly struct {
	code        []byte
	offsets     []int32
	thunks      thunkOffsets
	tableOffset int
	size        int
	fused       int
}

// assemble runs both passes. buf is called once with the final size and
// must return a slice of at least that capacity; the second pass writes
// into it directly.
func assemble(prog *bytecode.Program, opts Options, buf func(size int) ([]byte, error)) (*assembly, error) {
	c := newCompiler(prog, opts)

	first := c.pass(make([]byte, 0, 64*int(c.count)+1024))
	codeSize := len(first)
	c.prev = append([]int32(nil), c.offsets...)
	prevThunks := c.th

	tableOffset := (codeSize + 7) &^ 7
	size := tableOffset + 24*int(c.count)

	out, err := buf(size)
	if err != nil {
		return nil, err
	}
	if cap(out) < size {
		return nil, fmt.Errorf("jit: buffer holds %d bytes, need %d", cap(out), size)
	}
	out = out[:size]

	code := c.pass(out[:0:codeSize])
	if len(code) != codeSize || &code[0] != &out[0] || c.th != prevThunks {
		return nil, fmt.Errorf("jit: second pass emitted %d bytes, first %d", len(code), codeSize)
	}
	for i, off := range c.offsets {
		if off != c.prev[i] {
			return nil, fmt.Errorf("jit: instruction %d moved between passes", i)
		}
	}
	for i := codeSize; i < tableOffset; i++ {
		out[i] = 0xCC // int3
	}

	return &assembly{
		code:        out,
		offsets:     c.offsets,
		thunks:      c.th,
		tableOffset: tableOffset,
		size:        size,
		fused:       c.fused,
	}, nil
}

// writeTables fills the three dispatch tables with absolute addresses for
// code loaded at base. Slots that are not legal destinations point at the
// bad-jump thunk.
func (asm *assembly) writeTables(prog *bytecode.Program, base uintptr) {
	n := int(prog.Count())
	bad := uint64(base) + uint64(asm.thunks.badJump)
	tables := asm.code[asm.tableOffset:]

	for i := 0; i < n; i++ {
		addr := uint64(base) + uint64(asm.offsets[i])
		in := &prog.Instructions[i]

		jump, call, ret := bad, bad, bad
		if in.Target {
			jump = addr
		}
		if in.Op == bytecode.OpEnter {
			call = addr
		}
		if prog.IsReturnSite(int32(i)) {
			ret = addr
		}
		binary.LittleEndian.PutUint64(tables[8*i:], jump)
		binary.LittleEndian.PutUint64(tables[8*(n+i):], call)
		binary.LittleEndian.PutUint64(tables[8*(2*n+i):], ret)
	}
}
