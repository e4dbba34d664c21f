package jit

import (
	"errors"
	"testing"

	"github.com/fortiblox/qvm/internal/qvmtest"
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
)

func load(t *testing.T, src string) *bytecode.Program {
	t.Helper()
	prog, err := bytecode.Load(qvmtest.Program(src), bytecode.DefaultLoadOptions())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return prog
}

func heap(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// fibSource computes fib(n) recursively; n is the first argument.
const fibSource = `
	ENTER 16
	LOCAL 24
	LOAD4
	CONST 2
	GEI @rec
	LOCAL 24
	LOAD4
	LEAVE 16
rec:
	LOCAL 24
	LOAD4
	CONST 1
	SUB
	ARG 8
	CONST 0
	CALL
	LOCAL 24
	LOAD4
	CONST 2
	SUB
	ARG 8
	CONST 0
	CALL
	ADD
	LEAVE 16
`

const addSource = `
	ENTER 8
	CONST 5
	CONST 3
	ADD
	LEAVE 8
`

// TestAssembleLayout checks the code and table layout of a small program.
func TestAssembleLayout(t *testing.T) {
	prog := load(t, addSource)
	asm, err := assemble(prog, Options{}, heap)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	n := int(prog.Count())
	if asm.tableOffset%8 != 0 {
		t.Errorf("table offset %d not aligned", asm.tableOffset)
	}
	if asm.size != asm.tableOffset+24*n {
		t.Errorf("size %d, want %d", asm.size, asm.tableOffset+24*n)
	}
	if asm.thunks.entry != 0 {
		t.Errorf("entry thunk at %d, want 0", asm.thunks.entry)
	}
	for i := 1; i < n; i++ {
		if asm.offsets[i] < asm.offsets[i-1] {
			t.Errorf("offset of %d (%d) before offset of %d (%d)", i, asm.offsets[i], i-1, asm.offsets[i-1])
		}
	}
	if int(asm.offsets[0]) <= asm.thunks.blockCopy {
		t.Errorf("program body at %d overlaps thunks", asm.offsets[0])
	}
}

// TestAssembleDeterministic assembles the same program twice.
func TestAssembleDeterministic(t *testing.T) {
	prog := load(t, fibSource)
	a1, err := assemble(prog, Options{}, heap)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := assemble(prog, Options{}, heap)
	if err != nil {
		t.Fatal(err)
	}
	if string(a1.code) != string(a2.code) {
		t.Error("two compilations differ")
	}
}

// TestAssembleBufferErrors propagates allocation failures.
func TestAssembleBufferErrors(t *testing.T) {
	prog := load(t, addSource)

	boom := errors.New("boom")
	if _, err := assemble(prog, Options{}, func(int) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}
	if _, err := assemble(prog, Options{}, func(size int) ([]byte, error) { return make([]byte, size-1), nil }); err == nil {
		t.Error("short buffer accepted")
	}
}

// TestFusion checks which instruction sequences are folded.
func TestFusion(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		fused int
	}{
		{"const add", addSource, 1},
		{"local increment", `
			ENTER 16
			LOCAL 8
			LOCAL 8
			LOAD4
			CONST 1
			ADD
			STORE4
			CONST 0
			LEAVE 16
		`, 5},
		{"self assignment", `
			ENTER 16
			LOCAL 8
			LOCAL 8
			LOAD4
			STORE4
			CONST 0
			LEAVE 16
		`, 3},
		{"unaligned local load", `
			ENTER 16
			LOCAL 9
			LOAD4
			LEAVE 16
		`, 0},
		{"constant syscall", `
			ENTER 8
			CONST -1
			CALL
			LEAVE 8
		`, 1},
		{"constant store", `
			ENTER 8
			CONST 64
			CONST 9
			STORE4
			CONST 0
			LEAVE 8
		`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asm, err := assemble(load(t, tt.src), Options{}, heap)
			if err != nil {
				t.Fatal(err)
			}
			if asm.fused != tt.fused {
				t.Errorf("fused %d instructions, want %d", asm.fused, tt.fused)
			}
		})
	}
}

// TestWriteTables checks that only legal destinations get real addresses.
func TestWriteTables(t *testing.T) {
	prog := load(t, fibSource)
	asm, err := assemble(prog, Options{}, heap)
	if err != nil {
		t.Fatal(err)
	}
	const base = 0x10000
	asm.writeTables(prog, base)

	n := int(prog.Count())
	bad := uint64(base + asm.thunks.badJump)
	entry := func(table, i int) uint64 {
		off := asm.tableOffset + 8*(table*n+i)
		var v uint64
		for b := 7; b >= 0; b-- {
			v = v<<8 | uint64(asm.code[off+b])
		}
		return v
	}

	for i := 0; i < n; i++ {
		in := prog.Instructions[i]
		addr := uint64(base) + uint64(asm.offsets[i])
		want := func(ok bool) uint64 {
			if ok {
				return addr
			}
			return bad
		}
		if got := entry(0, i); got != want(in.Target) {
			t.Errorf("jump[%d] = %#x", i, got)
		}
		if got := entry(1, i); got != want(in.Op == bytecode.OpEnter) {
			t.Errorf("call[%d] = %#x", i, got)
		}
		if got := entry(2, i); got != want(prog.IsReturnSite(int32(i))) {
			t.Errorf("return[%d] = %#x", i, got)
		}
	}
}
