// Package qvmtest builds qvm images for tests.
//
// Programs are written in a small assembly syntax, one instruction per line:
//
//	ENTER 8
//	CONST 5
//	CONST 3
//	ADD
//	LEAVE 8
//
// A line ending in a colon defines a label at the next instruction, and an
// operand of the form @name refers to that label's instruction index.
// Comments start with a semicolon.
package qvmtest

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
)

// Image describes an image to build.
type Image struct {
	// Source is the program text.
	Source string

	// Data is the initialised data section. Its length is rounded up to a
	// whole number of words.
	Data []byte

	// Lit is the literal section placed after Data.
	Lit []byte

	// Bss is the number of zero-filled bytes after the literals.
	Bss int32

	// JumpTargets are label names written to a version 2 jump table.
	JumpTargets []string

	// V1 selects the header without a jump-target list.
	V1 bool
}

var mnemonics = func() map[string]bytecode.Opcode {
	m := make(map[string]bytecode.Opcode)
	for op := bytecode.OpUndef; op.String() != fmt.Sprintf("OP(%d)", uint8(op)); op++ {
		m[op.String()] = op
	}
	return m
}()

type line struct {
	op    bytecode.Opcode
	value int32
	label string
	src   int
}

// Build assembles img into raw image bytes.
func Build(img Image) ([]byte, error) {
	var lines []line
	labels := make(map[string]int32)

	for n, text := range strings.Split(img.Source, "\n") {
		if i := strings.IndexByte(text, ';'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		if len(fields) == 1 && strings.HasSuffix(fields[0], ":") {
			labels[strings.TrimSuffix(fields[0], ":")] = int32(len(lines))
			continue
		}

		op, ok := mnemonics[strings.ToUpper(fields[0])]
		if !ok {
			return nil, fmt.Errorf("line %d: unknown mnemonic %q", n+1, fields[0])
		}
		l := line{op: op, src: n + 1}
		if len(fields) > 1 {
			arg := fields[1]
			if strings.HasPrefix(arg, "@") {
				l.label = arg[1:]
			} else {
				v, err := strconv.ParseInt(arg, 0, 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad operand %q", n+1, arg)
				}
				l.value = int32(v)
			}
		}
		lines = append(lines, l)
	}

	var code []byte
	for _, l := range lines {
		if l.label != "" {
			idx, ok := labels[l.label]
			if !ok {
				return nil, fmt.Errorf("line %d: undefined label %q", l.src, l.label)
			}
			l.value = idx
		}
		code = append(code, byte(l.op))
		switch l.op.ImmediateSize() {
		case 4:
			code = binary.LittleEndian.AppendUint32(code, uint32(l.value))
		case 1:
			code = append(code, byte(l.value))
		}
	}

	var targets []int32
	for _, name := range img.JumpTargets {
		idx, ok := labels[name]
		if !ok {
			return nil, fmt.Errorf("undefined jump target %q", name)
		}
		targets = append(targets, idx)
	}

	return Raw(RawImage{
		Instructions: int32(len(lines)),
		Code:         code,
		Data:         img.Data,
		Lit:          img.Lit,
		Bss:          img.Bss,
		JumpTargets:  targets,
		V1:           img.V1,
	}), nil
}

// MustBuild is Build for static test programs.
func MustBuild(img Image) []byte {
	raw, err := Build(img)
	if err != nil {
		panic(err)
	}
	return raw
}

// Program assembles source with no data and returns the image bytes.
func Program(source string) []byte {
	return MustBuild(Image{Source: source})
}

// RawImage gives full control over the encoded sections, including
// inconsistent ones.
type RawImage struct {
	Instructions int32
	Code         []byte
	Data         []byte
	Lit          []byte
	Bss          int32
	JumpTargets  []int32
	V1           bool
}

// Raw encodes an image without checking it.
func Raw(r RawImage) []byte {
	data := append([]byte(nil), r.Data...)
	for len(data)%4 != 0 {
		data = append(data, 0)
	}

	headerSize := bytecode.HeaderSizeV2
	magic := uint32(bytecode.MagicV2)
	if r.V1 {
		headerSize = bytecode.HeaderSizeV1
		magic = bytecode.Magic
	}

	codeOffset := headerSize
	dataOffset := codeOffset + len(r.Code)

	fields := []uint32{
		magic,
		uint32(r.Instructions),
		uint32(codeOffset),
		uint32(len(r.Code)),
		uint32(dataOffset),
		uint32(len(data)),
		uint32(len(r.Lit)),
		uint32(r.Bss),
	}
	if !r.V1 {
		fields = append(fields, uint32(4*len(r.JumpTargets)))
	}

	var out []byte
	for _, f := range fields {
		out = binary.LittleEndian.AppendUint32(out, f)
	}
	out = append(out, r.Code...)
	out = append(out, data...)
	out = append(out, r.Lit...)
	if !r.V1 {
		for _, t := range r.JumpTargets {
			out = binary.LittleEndian.AppendUint32(out, uint32(t))
		}
	}
	return out
}
