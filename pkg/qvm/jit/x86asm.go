package jit

import (
	"encoding/binary"
)

// Reg is an x86-64 general purpose register number.
type Reg byte

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

// XReg is an SSE register number.
type XReg byte

const (
	X0 XReg = 0
	X1 XReg = 1
)

// Condition codes, as the low nibble of Jcc/CMOVcc opcodes.
type Cond byte

const (
	CondO  Cond = 0x0
	CondB  Cond = 0x2 // unsigned <
	CondAE Cond = 0x3 // unsigned >=
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6 // unsigned <=
	CondA  Cond = 0x7 // unsigned >
	CondP  Cond = 0xA // parity (unordered compare)
	CondL  Cond = 0xC // signed <
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// ALU operations encoded in the /digit field of 81/83 and as the base of
// the reg,r/m forms.
type aluOp byte

const (
	aluAdd aluOp = 0
	aluOr  aluOp = 1
	aluAnd aluOp = 4
	aluSub aluOp = 5
	aluXor aluOp = 6
	aluCmp aluOp = 7
)

// Shift operations encoded in the /digit field of C1/D3.
type shiftOp byte

const (
	shiftShl shiftOp = 4
	shiftShr shiftOp = 5
	shiftSar shiftOp = 7
)

// Operand is a register or memory operand for ModR/M encoding.
type Operand struct {
	mem      bool
	reg      Reg
	base     Reg
	index    Reg
	hasIndex bool
	scale    byte // log2 of the index multiplier
	disp     int32
}

// R is a register operand.
func R(r Reg) Operand {
	return Operand{reg: r}
}

// M is a [base+disp] memory operand.
func M(base Reg, disp int32) Operand {
	return Operand{mem: true, base: base, disp: disp}
}

// MI is a [base+index<<scale+disp] memory operand.
func MI(base, index Reg, scale byte, disp int32) Operand {
	return Operand{mem: true, base: base, index: index, hasIndex: true, scale: scale, disp: disp}
}

// Assembler emits x86-64 machine code into a byte slice.
type Assembler struct {
	buf []byte
}

// NewAssembler creates an assembler appending to buf[:0].
func NewAssembler(buf []byte) *Assembler {
	return &Assembler{buf: buf[:0]}
}

// Offset returns the current write position.
func (a *Assembler) Offset() int {
	return len(a.buf)
}

// Bytes returns the assembled code.
func (a *Assembler) Bytes() []byte {
	return a.buf
}

// Rewind discards the last n bytes.
func (a *Assembler) Rewind(n int) {
	a.buf = a.buf[:len(a.buf)-n]
}

func (a *Assembler) emit(b ...byte) {
	a.buf = append(a.buf, b...)
}

func (a *Assembler) emitInt32(v int32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(v))
}

func isInt8(v int32) bool {
	return v >= -128 && v <= 127
}

// encode emits [prefix] [REX] opcode ModR/M [SIB] [disp] for a reg,rm pair.
// reg is either a register number or an opcode extension digit.
func (a *Assembler) encode(prefix byte, w bool, opcode []byte, reg byte, rm Operand) {
	if prefix != 0 {
		a.emit(prefix)
	}

	rex := byte(0x40)
	if w {
		rex |= 0x08
	}
	if reg&8 != 0 {
		rex |= 0x04
	}
	if rm.mem {
		if rm.hasIndex && rm.index&8 != 0 {
			rex |= 0x02
		}
		if rm.base&8 != 0 {
			rex |= 0x01
		}
	} else if rm.reg&8 != 0 {
		rex |= 0x01
	}
	if rex != 0x40 {
		a.emit(rex)
	}
	a.emit(opcode...)

	if !rm.mem {
		a.emit(0xC0 | (reg&7)<<3 | byte(rm.reg&7))
		return
	}

	var mod byte
	switch {
	case rm.disp == 0 && rm.base&7 != 5:
		mod = 0x00
	case isInt8(rm.disp):
		mod = 0x40
	default:
		mod = 0x80
	}

	if rm.hasIndex || rm.base&7 == 4 {
		index := byte(4) // none
		if rm.hasIndex {
			index = byte(rm.index & 7)
		}
		a.emit(mod|(reg&7)<<3|4, rm.scale<<6|index<<3|byte(rm.base&7))
	} else {
		a.emit(mod | (reg&7)<<3 | byte(rm.base&7))
	}

	switch mod {
	case 0x40:
		a.emit(byte(int8(rm.disp)))
	case 0x80:
		a.emitInt32(rm.disp)
	}
}

// Push emits push r64.
func (a *Assembler) Push(r Reg) {
	if r >= 8 {
		a.emit(0x41)
	}
	a.emit(0x50 | byte(r&7))
}

// Pop emits pop r64.
func (a *Assembler) Pop(r Reg) {
	if r >= 8 {
		a.emit(0x41)
	}
	a.emit(0x58 | byte(r&7))
}

// Ret emits ret.
func (a *Assembler) Ret() {
	a.emit(0xC3)
}

// Load32 emits mov r32, r/m32.
func (a *Assembler) Load32(dst Reg, src Operand) {
	a.encode(0, false, []byte{0x8B}, byte(dst), src)
}

// Load64 emits mov r64, r/m64.
func (a *Assembler) Load64(dst Reg, src Operand) {
	a.encode(0, true, []byte{0x8B}, byte(dst), src)
}

// Store32 emits mov r/m32, r32.
func (a *Assembler) Store32(dst Operand, src Reg) {
	a.encode(0, false, []byte{0x89}, byte(src), dst)
}

// Store64 emits mov r/m64, r64.
func (a *Assembler) Store64(dst Operand, src Reg) {
	a.encode(0, true, []byte{0x89}, byte(src), dst)
}

// Store16 emits mov r/m16, r16.
func (a *Assembler) Store16(dst Operand, src Reg) {
	a.encode(0x66, false, []byte{0x89}, byte(src), dst)
}

// Store8 emits mov r/m8, r8. src must be AL, CL, DL or BL.
func (a *Assembler) Store8(dst Operand, src Reg) {
	a.encode(0, false, []byte{0x88}, byte(src), dst)
}

// StoreImm32 emits mov r/m32, imm32.
func (a *Assembler) StoreImm32(dst Operand, imm int32) {
	a.encode(0, false, []byte{0xC7}, 0, dst)
	a.emitInt32(imm)
}

// MovImm32 emits mov r32, imm32.
func (a *Assembler) MovImm32(dst Reg, imm int32) {
	if dst >= 8 {
		a.emit(0x41)
	}
	a.emit(0xB8 | byte(dst&7))
	a.emitInt32(imm)
}

// Lea64 emits lea r64, m.
func (a *Assembler) Lea64(dst Reg, src Operand) {
	a.encode(0, true, []byte{0x8D}, byte(dst), src)
}

// Lea32 emits lea r32, m.
func (a *Assembler) Lea32(dst Reg, src Operand) {
	a.encode(0, false, []byte{0x8D}, byte(dst), src)
}

// MovzxByte emits movzx r32, r/m8.
func (a *Assembler) MovzxByte(dst Reg, src Operand) {
	a.encode(0, false, []byte{0x0F, 0xB6}, byte(dst), src)
}

// MovzxWord emits movzx r32, r/m16.
func (a *Assembler) MovzxWord(dst Reg, src Operand) {
	a.encode(0, false, []byte{0x0F, 0xB7}, byte(dst), src)
}

// MovsxByte emits movsx r32, r/m8.
func (a *Assembler) MovsxByte(dst Reg, src Operand) {
	a.encode(0, false, []byte{0x0F, 0xBE}, byte(dst), src)
}

// MovsxWord emits movsx r32, r/m16.
func (a *Assembler) MovsxWord(dst Reg, src Operand) {
	a.encode(0, false, []byte{0x0F, 0xBF}, byte(dst), src)
}

// aluImm emits op r/m, imm using the short form when imm fits in a byte.
func (a *Assembler) aluImm(w bool, op aluOp, dst Operand, imm int32) {
	if isInt8(imm) {
		a.encode(0, w, []byte{0x83}, byte(op), dst)
		a.emit(byte(int8(imm)))
		return
	}
	a.encode(0, w, []byte{0x81}, byte(op), dst)
	a.emitInt32(imm)
}

// AluImm32 emits a 32-bit op r/m32, imm.
func (a *Assembler) AluImm32(op aluOp, dst Operand, imm int32) {
	a.aluImm(false, op, dst, imm)
}

// AluImm64 emits a 64-bit op r/m64, imm.
func (a *Assembler) AluImm64(op aluOp, dst Operand, imm int32) {
	a.aluImm(true, op, dst, imm)
}

// AluImm32Long emits op r/m32, imm32 without the short form.
func (a *Assembler) AluImm32Long(op aluOp, dst Operand, imm int32) {
	a.encode(0, false, []byte{0x81}, byte(op), dst)
	a.emitInt32(imm)
}

// AluStore32 emits op r/m32, r32.
func (a *Assembler) AluStore32(op aluOp, dst Operand, src Reg) {
	a.encode(0, false, []byte{byte(op)<<3 | 0x01}, byte(src), dst)
}

// AluLoad32 emits op r32, r/m32.
func (a *Assembler) AluLoad32(op aluOp, dst Reg, src Operand) {
	a.encode(0, false, []byte{byte(op)<<3 | 0x03}, byte(dst), src)
}

// AluLoad64 emits op r64, r/m64.
func (a *Assembler) AluLoad64(op aluOp, dst Reg, src Operand) {
	a.encode(0, true, []byte{byte(op)<<3 | 0x03}, byte(dst), src)
}

// Test32 emits test r/m32, r32.
func (a *Assembler) Test32(dst Operand, src Reg) {
	a.encode(0, false, []byte{0x85}, byte(src), dst)
}

// Imul32 emits imul r32, r/m32.
func (a *Assembler) Imul32(dst Reg, src Operand) {
	a.encode(0, false, []byte{0x0F, 0xAF}, byte(dst), src)
}

// ImulImm32 emits imul r32, r/m32, imm.
func (a *Assembler) ImulImm32(dst Reg, src Operand, imm int32) {
	if isInt8(imm) {
		a.encode(0, false, []byte{0x6B}, byte(dst), src)
		a.emit(byte(int8(imm)))
		return
	}
	a.encode(0, false, []byte{0x69}, byte(dst), src)
	a.emitInt32(imm)
}

// Cdq emits cdq.
func (a *Assembler) Cdq() {
	a.emit(0x99)
}

// Idiv32 emits idiv r/m32.
func (a *Assembler) Idiv32(src Operand) {
	a.encode(0, false, []byte{0xF7}, 7, src)
}

// Div32 emits div r/m32.
func (a *Assembler) Div32(src Operand) {
	a.encode(0, false, []byte{0xF7}, 6, src)
}

// Neg32 emits neg r/m32.
func (a *Assembler) Neg32(dst Operand) {
	a.encode(0, false, []byte{0xF7}, 3, dst)
}

// Not32 emits not r/m32.
func (a *Assembler) Not32(dst Operand) {
	a.encode(0, false, []byte{0xF7}, 2, dst)
}

// Inc32 emits inc r/m32.
func (a *Assembler) Inc32(dst Operand) {
	a.encode(0, false, []byte{0xFF}, 0, dst)
}

// Dec32 emits dec r/m32.
func (a *Assembler) Dec32(dst Operand) {
	a.encode(0, false, []byte{0xFF}, 1, dst)
}

// Inc64 emits inc r/m64.
func (a *Assembler) Inc64(dst Operand) {
	a.encode(0, true, []byte{0xFF}, 0, dst)
}

// ShiftCL emits shl/shr/sar r/m32, cl.
func (a *Assembler) ShiftCL(op shiftOp, dst Operand) {
	a.encode(0, false, []byte{0xD3}, byte(op), dst)
}

// ShiftImm emits shl/shr/sar r/m32, imm8.
func (a *Assembler) ShiftImm(op shiftOp, dst Operand, imm byte) {
	a.encode(0, false, []byte{0xC1}, byte(op), dst)
	a.emit(imm)
}

// Cmov32 emits cmovcc r32, r/m32.
func (a *Assembler) Cmov32(cc Cond, dst Reg, src Operand) {
	a.encode(0, false, []byte{0x0F, 0x40 | byte(cc)}, byte(dst), src)
}

// Movss loads a float from memory: movss xmm, m32.
func (a *Assembler) Movss(dst XReg, src Operand) {
	a.encode(0xF3, false, []byte{0x0F, 0x10}, byte(dst), src)
}

// MovssStore stores a float: movss m32, xmm.
func (a *Assembler) MovssStore(dst Operand, src XReg) {
	a.encode(0xF3, false, []byte{0x0F, 0x11}, byte(src), dst)
}

// Float arithmetic opcodes (second byte after 0F).
const (
	sseAdd  byte = 0x58
	sseMul  byte = 0x59
	sseSub  byte = 0x5C
	sseDiv  byte = 0x5E
	sseSqrt byte = 0x51
)

// ScalarOp emits addss/subss/mulss/divss/sqrtss xmm, xmm/m32.
func (a *Assembler) ScalarOp(op byte, dst XReg, src Operand) {
	a.encode(0xF3, false, []byte{0x0F, op}, byte(dst), src)
}

// Ucomiss emits ucomiss xmm, xmm/m32.
func (a *Assembler) Ucomiss(x XReg, src Operand) {
	a.encode(0, false, []byte{0x0F, 0x2E}, byte(x), src)
}

// Cvtsi2ss emits cvtsi2ss xmm, r/m32.
func (a *Assembler) Cvtsi2ss(dst XReg, src Operand) {
	a.encode(0xF3, false, []byte{0x0F, 0x2A}, byte(dst), src)
}

// Cvttss2si emits cvttss2si r32, xmm/m32.
func (a *Assembler) Cvttss2si(dst Reg, src Operand) {
	a.encode(0xF3, false, []byte{0x0F, 0x2C}, byte(dst), src)
}

// XR is an SSE register used as an r/m operand.
func XR(x XReg) Operand {
	return Operand{reg: Reg(x)}
}

// RepMovsb emits rep movsb.
func (a *Assembler) RepMovsb() {
	a.emit(0xF3, 0xA4)
}

// JmpMem emits jmp qword [m].
func (a *Assembler) JmpMem(m Operand) {
	a.encode(0, false, []byte{0xFF}, 4, m)
}

// JmpRel32 emits jmp rel32 to the absolute code offset target.
func (a *Assembler) JmpRel32(target int) {
	a.emit(0xE9)
	a.emitInt32(int32(target - (a.Offset() + 4)))
}

// CallRel32 emits call rel32 to the absolute code offset target.
func (a *Assembler) CallRel32(target int) {
	a.emit(0xE8)
	a.emitInt32(int32(target - (a.Offset() + 4)))
}

// JccRel32 emits jcc rel32 to the absolute code offset target.
func (a *Assembler) JccRel32(cc Cond, target int) {
	a.emit(0x0F, 0x80|byte(cc))
	a.emitInt32(int32(target - (a.Offset() + 4)))
}

// Label is a pending short forward jump.
type Label int

// JccShort emits jcc rel8 with a displacement patched by Bind.
func (a *Assembler) JccShort(cc Cond) Label {
	a.emit(0x70|byte(cc), 0)
	return Label(a.Offset())
}

// JmpShort emits jmp rel8 with a displacement patched by Bind.
func (a *Assembler) JmpShort() Label {
	a.emit(0xEB, 0)
	return Label(a.Offset())
}

// Bind points a short jump at the current offset.
func (a *Assembler) Bind(l Label) {
	d := a.Offset() - int(l)
	if d > 127 {
		panic("jit: short jump out of range")
	}
	a.buf[int(l)-1] = byte(d)
}
