// Package bytecode defines the qvm instruction set, the image format and the
// load-time validator.
//
// A qvm image carries a flat stream of variable-length instructions for a
// stack machine. Every opcode is one byte, optionally followed by a 1-byte or
// 4-byte little-endian immediate. Operands live on a per-call operand stack of
// 32-bit slots; locals and arguments live on the program stack inside the
// instance's data segment.
package bytecode

import "fmt"

// Opcode is a qvm operation code.
type Opcode uint8

// Opcodes in image encoding order.
const (
	OpUndef Opcode = iota
	OpIgnore
	OpBreak

	OpEnter // reserve a stack frame
	OpLeave // release a stack frame and return
	OpCall
	OpPush
	OpPop

	OpConst
	OpLocal

	OpJump

	OpEQ
	OpNE

	OpLTI
	OpLEI
	OpGTI
	OpGEI

	OpLTU
	OpLEU
	OpGTU
	OpGEU

	OpEQF
	OpNEF

	OpLTF
	OpLEF
	OpGTF
	OpGEF

	OpLoad1
	OpLoad2
	OpLoad4
	OpStore1
	OpStore2
	OpStore4
	OpArg

	OpBlockCopy

	OpSex8
	OpSex16

	OpNegI
	OpAdd
	OpSub
	OpDivI
	OpDivU
	OpModI
	OpModU
	OpMulI
	OpMulU

	OpBand
	OpBor
	OpBxor
	OpBcom

	OpLsh
	OpRshI
	OpRshU

	OpNegF
	OpAddF
	OpSubF
	OpDivF
	OpMulF

	OpCvif
	OpCvfi

	opCount
)

// opInfo describes the encoding and operand-stack effect of an opcode.
type opInfo struct {
	name string
	imm  int // immediate size in bytes: 0, 1 or 4
	pop  int // operand slots consumed
	push int // operand slots produced
}

var opTable = [opCount]opInfo{
	OpUndef:  {"UNDEF", 0, 0, 0},
	OpIgnore: {"IGNORE", 0, 0, 0},
	OpBreak:  {"BREAK", 0, 0, 0},

	OpEnter: {"ENTER", 4, 0, 0},
	OpLeave: {"LEAVE", 4, 0, 0},
	OpCall:  {"CALL", 0, 1, 1},
	OpPush:  {"PUSH", 0, 0, 1},
	OpPop:   {"POP", 0, 1, 0},

	OpConst: {"CONST", 4, 0, 1},
	OpLocal: {"LOCAL", 4, 0, 1},

	OpJump: {"JUMP", 0, 1, 0},

	OpEQ:  {"EQ", 4, 2, 0},
	OpNE:  {"NE", 4, 2, 0},
	OpLTI: {"LTI", 4, 2, 0},
	OpLEI: {"LEI", 4, 2, 0},
	OpGTI: {"GTI", 4, 2, 0},
	OpGEI: {"GEI", 4, 2, 0},
	OpLTU: {"LTU", 4, 2, 0},
	OpLEU: {"LEU", 4, 2, 0},
	OpGTU: {"GTU", 4, 2, 0},
	OpGEU: {"GEU", 4, 2, 0},
	OpEQF: {"EQF", 4, 2, 0},
	OpNEF: {"NEF", 4, 2, 0},
	OpLTF: {"LTF", 4, 2, 0},
	OpLEF: {"LEF", 4, 2, 0},
	OpGTF: {"GTF", 4, 2, 0},
	OpGEF: {"GEF", 4, 2, 0},

	OpLoad1:  {"LOAD1", 0, 1, 1},
	OpLoad2:  {"LOAD2", 0, 1, 1},
	OpLoad4:  {"LOAD4", 0, 1, 1},
	OpStore1: {"STORE1", 0, 2, 0},
	OpStore2: {"STORE2", 0, 2, 0},
	OpStore4: {"STORE4", 0, 2, 0},
	OpArg:    {"ARG", 1, 1, 0},

	OpBlockCopy: {"BLOCK_COPY", 4, 2, 0},

	OpSex8:  {"SEX8", 0, 1, 1},
	OpSex16: {"SEX16", 0, 1, 1},

	OpNegI: {"NEGI", 0, 1, 1},
	OpAdd:  {"ADD", 0, 2, 1},
	OpSub:  {"SUB", 0, 2, 1},
	OpDivI: {"DIVI", 0, 2, 1},
	OpDivU: {"DIVU", 0, 2, 1},
	OpModI: {"MODI", 0, 2, 1},
	OpModU: {"MODU", 0, 2, 1},
	OpMulI: {"MULI", 0, 2, 1},
	OpMulU: {"MULU", 0, 2, 1},

	OpBand: {"BAND", 0, 2, 1},
	OpBor:  {"BOR", 0, 2, 1},
	OpBxor: {"BXOR", 0, 2, 1},
	OpBcom: {"BCOM", 0, 1, 1},

	OpLsh:  {"LSH", 0, 2, 1},
	OpRshI: {"RSHI", 0, 2, 1},
	OpRshU: {"RSHU", 0, 2, 1},

	OpNegF: {"NEGF", 0, 1, 1},
	OpAddF: {"ADDF", 0, 2, 1},
	OpSubF: {"SUBF", 0, 2, 1},
	OpDivF: {"DIVF", 0, 2, 1},
	OpMulF: {"MULF", 0, 2, 1},

	OpCvif: {"CVIF", 0, 1, 1},
	OpCvfi: {"CVFI", 0, 1, 1},
}

// String returns the assembler mnemonic of the opcode.
func (op Opcode) String() string {
	if op < opCount {
		return opTable[op].name
	}
	return fmt.Sprintf("OP(%d)", uint8(op))
}

// Valid reports whether op is a defined, executable opcode.
func (op Opcode) Valid() bool {
	return op > OpUndef && op < opCount
}

// ImmediateSize returns the number of immediate bytes following the opcode byte.
func (op Opcode) ImmediateSize() int {
	if op < opCount {
		return opTable[op].imm
	}
	return 0
}

// StackEffect returns the number of operand slots the opcode pops and pushes.
func (op Opcode) StackEffect() (pop, push int) {
	if op < opCount {
		return opTable[op].pop, opTable[op].push
	}
	return 0, 0
}

// IsBranch reports whether op is a conditional branch (EQ through GEF).
func (op Opcode) IsBranch() bool {
	return op >= OpEQ && op <= OpGEF
}

// IsFloatBranch reports whether op compares its operands as float32.
func (op Opcode) IsFloatBranch() bool {
	return op >= OpEQF && op <= OpGEF
}

// IsLoad reports whether op is LOAD1, LOAD2 or LOAD4.
func (op Opcode) IsLoad() bool {
	return op >= OpLoad1 && op <= OpLoad4
}

// IsStore reports whether op is STORE1, STORE2 or STORE4.
func (op Opcode) IsStore() bool {
	return op >= OpStore1 && op <= OpStore4
}

// AccessSize returns the width in bytes of a load or store, or 0.
func (op Opcode) AccessSize() int32 {
	switch op {
	case OpLoad1, OpStore1:
		return 1
	case OpLoad2, OpStore2:
		return 2
	case OpLoad4, OpStore4:
		return 4
	}
	return 0
}
