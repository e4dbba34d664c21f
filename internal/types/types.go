// Package types defines identifiers shared across qvm packages.
//
// Images are content addressed: an ImageID is the BLAKE3-256 digest of the
// uncompressed image bytes and is rendered in base58 wherever it is shown to
// an operator.
package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// IDSize is the size of an ImageID in bytes.
const IDSize = 32

var (
	// ErrInvalidID is returned when an image ID has invalid length.
	ErrInvalidID = errors.New("invalid image id: must be 32 bytes")
)

// ImageID identifies a bytecode image by content.
type ImageID [IDSize]byte

// ComputeImageID hashes raw image bytes.
func ComputeImageID(raw []byte) ImageID {
	return ImageID(blake3.Sum256(raw))
}

// ImageIDFromBase58 parses a base58-encoded image ID.
func ImageIDFromBase58(s string) (ImageID, error) {
	var id ImageID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != IDSize {
		return id, ErrInvalidID
	}
	copy(id[:], data)
	return id, nil
}

// ImageIDFromBytes creates an ImageID from a byte slice.
func ImageIDFromBytes(b []byte) (ImageID, error) {
	var id ImageID
	if len(b) != IDSize {
		return id, ErrInvalidID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ImageID) String() string {
	return base58.Encode(id[:])
}

// Short returns the first eight characters of the base58 form, for log lines.
func (id ImageID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero returns true if the ID is all zeros.
func (id ImageID) IsZero() bool {
	return id == ImageID{}
}

// Bytes returns the ID as a byte slice.
func (id ImageID) Bytes() []byte {
	return id[:]
}
