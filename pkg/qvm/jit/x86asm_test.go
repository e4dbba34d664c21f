package jit

import (
	"bytes"
	"testing"
)

// TestEncoding checks the assembler against hand-assembled bytes.
func TestEncoding(t *testing.T) {
	tests := []struct {
		name string
		emit func(a *Assembler)
		want []byte
	}{
		{"push rbp", func(a *Assembler) { a.Push(RBP) }, []byte{0x55}},
		{"push r12", func(a *Assembler) { a.Push(R12) }, []byte{0x41, 0x54}},
		{"pop r15", func(a *Assembler) { a.Pop(R15) }, []byte{0x41, 0x5F}},
		{"mov eax,[rdi]", func(a *Assembler) { a.Load32(RAX, M(RDI, 0)) }, []byte{0x8B, 0x07}},
		{"mov [rdi],eax", func(a *Assembler) { a.Store32(M(RDI, 0), RAX) }, []byte{0x89, 0x07}},
		{"mov eax,[rbp]", func(a *Assembler) { a.Load32(RAX, M(RBP, 0)) }, []byte{0x8B, 0x45, 0x00}},
		{"mov rbx,[r12+8]", func(a *Assembler) { a.Load64(RBX, M(R12, 8)) }, []byte{0x49, 0x8B, 0x5C, 0x24, 0x08}},
		{"mov r12,rdi", func(a *Assembler) { a.Store64(R(R12), RDI) }, []byte{0x49, 0x89, 0xFC}},
		{"add rdi,4", func(a *Assembler) { a.AluImm64(aluAdd, R(RDI), 4) }, []byte{0x48, 0x83, 0xC7, 0x04}},
		{"sub rdi,4", func(a *Assembler) { a.AluImm64(aluSub, R(RDI), 4) }, []byte{0x48, 0x83, 0xEF, 0x04}},
		{"and eax,0xfffc", func(a *Assembler) { a.AluImm32(aluAnd, R(RAX), 0xFFFC) }, []byte{0x81, 0xE0, 0xFC, 0xFF, 0x00, 0x00}},
		{"cmp esi,r13d", func(a *Assembler) { a.AluLoad32(aluCmp, RSI, R(R13)) }, []byte{0x41, 0x3B, 0xF5}},
		{"lea rbp,[rbx+rsi]", func(a *Assembler) { a.Lea64(RBP, MI(RBX, RSI, 0, 0)) }, []byte{0x48, 0x8D, 0x2C, 0x33}},
		{"jmp [r8+rax*8]", func(a *Assembler) { a.JmpMem(MI(R8, RAX, 3, 0)) }, []byte{0x41, 0xFF, 0x24, 0xC0}},
		{"mov dword [rdi],5", func(a *Assembler) { a.StoreImm32(M(RDI, 0), 5) }, []byte{0xC7, 0x07, 0x05, 0x00, 0x00, 0x00}},
		{"mov eax,1", func(a *Assembler) { a.MovImm32(RAX, 1) }, []byte{0xB8, 0x01, 0x00, 0x00, 0x00}},
		{"mov r9d,1", func(a *Assembler) { a.MovImm32(R9, 1) }, []byte{0x41, 0xB9, 0x01, 0x00, 0x00, 0x00}},
		{"cdq", func(a *Assembler) { a.Cdq() }, []byte{0x99}},
		{"idiv ecx", func(a *Assembler) { a.Idiv32(R(RCX)) }, []byte{0xF7, 0xF9}},
		{"div ecx", func(a *Assembler) { a.Div32(R(RCX)) }, []byte{0xF7, 0xF1}},
		{"neg dword [rdi]", func(a *Assembler) { a.Neg32(M(RDI, 0)) }, []byte{0xF7, 0x1F}},
		{"shl dword [rdi],cl", func(a *Assembler) { a.ShiftCL(shiftShl, M(RDI, 0)) }, []byte{0xD3, 0x27}},
		{"movss xmm0,[rdi-4]", func(a *Assembler) { a.Movss(X0, M(RDI, -4)) }, []byte{0xF3, 0x0F, 0x10, 0x47, 0xFC}},
		{"ucomiss xmm1,xmm0", func(a *Assembler) { a.Ucomiss(X1, XR(X0)) }, []byte{0x0F, 0x2E, 0xC8}},
		{"cvttss2si eax,[rdi]", func(a *Assembler) { a.Cvttss2si(RAX, M(RDI, 0)) }, []byte{0xF3, 0x0F, 0x2C, 0x07}},
		{"rep movsb", func(a *Assembler) { a.RepMovsb() }, []byte{0xF3, 0xA4}},
		{"mov [rbx+rcx],ax", func(a *Assembler) { a.Store16(MI(RBX, RCX, 0, 0), RAX) }, []byte{0x66, 0x89, 0x04, 0x0B}},
		{"inc qword [r12+72]", func(a *Assembler) { a.Inc64(M(R12, 72)) }, []byte{0x49, 0xFF, 0x44, 0x24, 0x48}},
		{"mov eax,[rbp+200]", func(a *Assembler) { a.Load32(RAX, M(RBP, 200)) }, []byte{0x8B, 0x85, 0xC8, 0x00, 0x00, 0x00}},
		{"jmp rel32", func(a *Assembler) { a.JmpRel32(0) }, []byte{0xE9, 0xFB, 0xFF, 0xFF, 0xFF}},
		{"je short", func(a *Assembler) {
			l := a.JccShort(CondE)
			a.Ret()
			a.Bind(l)
		}, []byte{0x74, 0x01, 0xC3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssembler(nil)
			tt.emit(a)
			if got := a.Bytes(); !bytes.Equal(got, tt.want) {
				t.Errorf("got % x, want % x", got, tt.want)
			}
		})
	}
}

// TestRewind drops trailing bytes.
func TestRewind(t *testing.T) {
	a := NewAssembler(nil)
	a.Cdq()
	a.AluImm64(aluSub, R(RDI), 4)
	a.Rewind(4)
	if got := a.Bytes(); !bytes.Equal(got, []byte{0x99}) {
		t.Errorf("got % x", got)
	}
}
