package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/qvm/internal/types"
	"github.com/klauspost/compress/zstd"
)

// Image magic numbers.
const (
	Magic   = 0x12721444 // header without jump-table targets
	MagicV2 = 0x12721445 // header followed by jtrgLength
)

// Header sizes in bytes.
const (
	HeaderSizeV1 = 8 * 4
	HeaderSizeV2 = 9 * 4
)

// Maximum sizes.
const (
	MaxImageSize    = 64 * 1024 * 1024 // compressed or raw image bytes
	MaxInstructions = 4 * 1024 * 1024
	MaxDataSize     = 256 * 1024 * 1024 // data segment after power-of-two rounding
	MaxJumpTargets  = MaxInstructions
)

// zstdMagic is the frame magic of a zstd stream.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Image errors.
var (
	ErrInvalidMagic  = errors.New("invalid image magic")
	ErrTruncated     = errors.New("image truncated")
	ErrInvalidHeader = errors.New("invalid image header")
	ErrTooLarge      = errors.New("image too large")
)

// Header is the fixed image header.
type Header struct {
	Magic            int32
	InstructionCount int32
	CodeOffset       int32
	CodeLength       int32
	DataOffset       int32
	DataLength       int32 // initialised words
	LitLength        int32 // literal bytes following the data words
	BssLength        int32 // zero-filled bytes following the literals
	JtrgLength       int32 // bytes of jump-table targets, MagicV2 only
}

// Size returns the encoded header size.
func (h *Header) Size() int {
	if h.Magic == MagicV2 {
		return HeaderSizeV2
	}
	return HeaderSizeV1
}

// Image is a parsed but not yet validated bytecode image.
type Image struct {
	Header Header

	// ID is the content hash of the uncompressed image.
	ID types.ImageID

	// Code is the raw instruction stream.
	Code []byte

	// Data holds the initialised data words followed by the literals.
	Data []byte

	// JumpTargets lists instruction indices reachable through computed jumps.
	JumpTargets []int32
}

// Parse decodes an image. A zstd-compressed image is decompressed first.
func Parse(raw []byte) (*Image, error) {
	if len(raw) > MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}

	if bytes.HasPrefix(raw, zstdMagic) {
		plain, err := decompress(raw)
		if err != nil {
			return nil, err
		}
		raw = plain
	}

	h, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(h, len(raw)); err != nil {
		return nil, err
	}

	img := &Image{
		Header: *h,
		ID:     types.ComputeImageID(raw),
		Code:   raw[h.CodeOffset : h.CodeOffset+h.CodeLength],
	}

	dataEnd := h.DataOffset + h.DataLength + h.LitLength
	img.Data = raw[h.DataOffset:dataEnd]

	if h.Magic == MagicV2 && h.JtrgLength > 0 {
		buf := raw[dataEnd : dataEnd+h.JtrgLength]
		img.JumpTargets = make([]int32, len(buf)/4)
		for i := range img.JumpTargets {
			img.JumpTargets[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
		}
	}

	return img, nil
}

// decompress inflates a zstd image, refusing output beyond MaxImageSize.
func decompress(raw []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxImageSize))
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrInvalidHeader, err)
	}
	if len(out) > MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes decompressed", ErrTooLarge, len(out))
	}
	return out, nil
}

// Compress returns the zstd form of a raw image.
func Compress(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// parseHeader reads the header fields.
func parseHeader(raw []byte) (*Header, error) {
	if len(raw) < HeaderSizeV1 {
		return nil, fmt.Errorf("%w: %d byte header", ErrTruncated, len(raw))
	}

	field := func(i int) int32 {
		return int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	h := &Header{
		Magic:            field(0),
		InstructionCount: field(1),
		CodeOffset:       field(2),
		CodeLength:       field(3),
		DataOffset:       field(4),
		DataLength:       field(5),
		LitLength:        field(6),
		BssLength:        field(7),
	}

	switch h.Magic {
	case Magic:
	case MagicV2:
		if len(raw) < HeaderSizeV2 {
			return nil, fmt.Errorf("%w: %d byte header", ErrTruncated, len(raw))
		}
		h.JtrgLength = field(8)
	default:
		return nil, fmt.Errorf("%w: 0x%08x", ErrInvalidMagic, uint32(h.Magic))
	}

	return h, nil
}

// validateHeader checks that every section lies inside the file.
func validateHeader(h *Header, fileSize int) error {
	if h.InstructionCount <= 0 || h.InstructionCount > MaxInstructions {
		return fmt.Errorf("%w: instruction count %d", ErrInvalidHeader, h.InstructionCount)
	}
	if h.CodeLength <= 0 || h.DataLength < 0 || h.LitLength < 0 || h.BssLength < 0 || h.JtrgLength < 0 {
		return fmt.Errorf("%w: negative section length", ErrInvalidHeader)
	}
	// every instruction takes at least its opcode byte
	if h.InstructionCount > h.CodeLength {
		return fmt.Errorf("%w: %d instructions in %d code bytes", ErrInvalidHeader, h.InstructionCount, h.CodeLength)
	}
	if h.DataLength%4 != 0 {
		return fmt.Errorf("%w: data length %d not word aligned", ErrInvalidHeader, h.DataLength)
	}
	if h.JtrgLength%4 != 0 || int(h.JtrgLength/4) > MaxJumpTargets {
		return fmt.Errorf("%w: jump target length %d", ErrInvalidHeader, h.JtrgLength)
	}

	size := int64(fileSize)
	if !inFile(int64(h.CodeOffset), int64(h.CodeLength), size) {
		return fmt.Errorf("%w: code section [%d,+%d) outside %d byte image",
			ErrTruncated, h.CodeOffset, h.CodeLength, fileSize)
	}
	dataBytes := int64(h.DataLength) + int64(h.LitLength)
	if !inFile(int64(h.DataOffset), dataBytes+int64(h.JtrgLength), size) {
		return fmt.Errorf("%w: data section [%d,+%d) outside %d byte image",
			ErrTruncated, h.DataOffset, dataBytes+int64(h.JtrgLength), fileSize)
	}
	if int64(h.CodeOffset) < int64(h.Size()) || int64(h.DataOffset) < int64(h.Size()) {
		return fmt.Errorf("%w: section overlaps header", ErrInvalidHeader)
	}
	if dataBytes+int64(h.BssLength) > MaxDataSize {
		return fmt.Errorf("%w: %d bytes of data", ErrTooLarge, dataBytes+int64(h.BssLength))
	}

	return nil
}

func inFile(off, length, size int64) bool {
	return off >= 0 && length >= 0 && off+length <= size
}
