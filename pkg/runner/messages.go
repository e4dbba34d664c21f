package runner

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// RunRequest asks the service to execute one call of a stored image.
type RunRequest struct {
	// Image is an image name or base58 image ID.
	Image string `cbor:"1,keyasint"`

	// Args are the call arguments, at most bytecode.MaxArgs.
	Args []int32 `cbor:"2,keyasint,omitempty"`

	// Strategy overrides the server's default ("interpreted" or
	// "compiled").
	Strategy string `cbor:"3,keyasint,omitempty"`

	// Restore names a snapshot of the image to start from.
	Restore string `cbor:"4,keyasint,omitempty"`

	// SaveAs names a snapshot to take after a successful call.
	SaveAs string `cbor:"5,keyasint,omitempty"`
}

// RunResponse reports the outcome of a call. Traps are reported here, not
// as RPC errors.
type RunResponse struct {
	ImageID   string   `cbor:"1,keyasint"`
	Strategy  string   `cbor:"2,keyasint"`
	Result    int32    `cbor:"3,keyasint"`
	Trap      string   `cbor:"4,keyasint,omitempty"`
	TrapIP    int32    `cbor:"5,keyasint,omitempty"`
	Breaks    int64    `cbor:"6,keyasint,omitempty"`
	CallDepth int32    `cbor:"7,keyasint,omitempty"`
	Output    []string `cbor:"8,keyasint,omitempty"`
	Saved     string   `cbor:"9,keyasint,omitempty"`
	Micros    int64    `cbor:"10,keyasint"`
}

// Failed reports whether the call trapped.
func (r *RunResponse) Failed() bool {
	return r.Trap != ""
}

// ImportRequest stores an image.
type ImportRequest struct {
	Name  string `cbor:"1,keyasint,omitempty"`
	Image []byte `cbor:"2,keyasint"`
}

// ImageInfo describes a stored image.
type ImageInfo struct {
	ID           string   `cbor:"1,keyasint"`
	Names        []string `cbor:"2,keyasint,omitempty"`
	Size         int      `cbor:"3,keyasint"`
	Instructions int32    `cbor:"4,keyasint"`
	DataSize     int32    `cbor:"5,keyasint"`
}

// ListRequest lists stored images.
type ListRequest struct{}

// ListResponse holds the stored images.
type ListResponse struct {
	Images []ImageInfo `cbor:"1,keyasint"`
}

// codecName is the content subtype of the runner protocol.
const codecName = "cbor"

// codec encodes runner messages as CBOR.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal %T: %w", v, err)
	}
	return b, nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor unmarshal %T: %w", v, err)
	}
	return nil
}

func (codec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(codec{})
}
