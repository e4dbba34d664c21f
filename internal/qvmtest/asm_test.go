package qvmtest

import (
	"strings"
	"testing"

	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
)

// TestBuild checks label resolution and encoding.
func TestBuild(t *testing.T) {
	raw, err := Build(Image{
		Source: `
			ENTER 8      ; frame
			CONST 1
			CONST 2
			LTI @out
			CONST 3
			LEAVE 8
		out:
			CONST 4
			LEAVE 8
		`,
		JumpTargets: []string{"out"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	img, err := bytecode.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img.Header.InstructionCount != 8 {
		t.Errorf("instruction count %d, want 8", img.Header.InstructionCount)
	}
	// LTI is opcode byte + 4-byte target after ENTER and two CONSTs
	if got := img.Code[15+1]; got != 6 {
		t.Errorf("LTI target byte %d, want 6", got)
	}
	if len(img.JumpTargets) != 1 || img.JumpTargets[0] != 6 {
		t.Errorf("jump targets %v", img.JumpTargets)
	}
}

// TestBuildErrors checks assembler diagnostics.
func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		img  Image
		want string
	}{
		{"unknown mnemonic", Image{Source: "FROB 1"}, "unknown mnemonic"},
		{"bad operand", Image{Source: "CONST x"}, "bad operand"},
		{"undefined label", Image{Source: "EQ @nowhere"}, "undefined label"},
		{"undefined jump target", Image{Source: "ENTER 8", JumpTargets: []string{"x"}}, "undefined jump target"},
	}
	for _, tt := range tests {
		_, err := Build(tt.img)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: error %v, want %q", tt.name, err, tt.want)
		}
	}
}
