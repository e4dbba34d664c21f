package syscall

import (
	"crypto/sha256"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zeebo/blake3"
)

type fakeVM struct {
	mem []byte
}

func (v *fakeVM) Memory() []byte {
	return v.mem
}

func (v *fakeVM) Call(args ...int32) (int32, error) {
	return 0, errors.New("not supported")
}

type recorder struct {
	lines []string
	ms    int32
}

func (r *recorder) Print(msg string) {
	r.lines = append(r.lines, msg)
}

func (r *recorder) Milliseconds() int32 {
	return r.ms
}

func call(t *testing.T, r *Registry, vm VM, num int32, params ...int32) (int32, error) {
	t.Helper()
	args := make(Args, 16)
	args[0] = int(num)
	for i, p := range params {
		args[i+1] = int(p)
	}
	return r.Handle(vm, args)
}

func newVM(size int) *fakeVM {
	return &fakeVM{mem: make([]byte, size)}
}

// TestArgs checks argument decoding.
func TestArgs(t *testing.T) {
	args := Args{5, -3, int(FloatResult(1.5))}
	if args.Num() != 5 {
		t.Errorf("Num() = %d, want 5", args.Num())
	}
	if args.Int(1) != -3 {
		t.Errorf("Int(1) = %d, want -3", args.Int(1))
	}
	if args.Float(2) != 1.5 {
		t.Errorf("Float(2) = %v, want 1.5", args.Float(2))
	}
	if args.Int(9) != 0 || args.Int(0) != 0 {
		t.Error("out-of-range arguments not zero")
	}
}

// TestSpan checks masking and bounds of host memory access.
func TestSpan(t *testing.T) {
	mem := make([]byte, 256)
	tests := []struct {
		name    string
		addr, n int32
		off     int
		wantErr error
	}{
		{"inside", 16, 8, 16, nil},
		{"masked", 256 + 16, 8, 16, nil},
		{"to end", 248, 8, 248, nil},
		{"past end", 250, 8, 0, ErrAccessViolation},
		{"negative length", 0, -1, 0, ErrInvalidLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Span(mem, tt.addr, tt.n)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Span() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && (len(b) != int(tt.n) || &b[0] != &mem[tt.off]) {
				t.Errorf("Span() = %d bytes at wrong offset", len(b))
			}
		})
	}
}

// TestPrintAndError checks the logging syscalls.
func TestPrintAndError(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(rec)
	vm := newVM(256)
	copy(vm.mem[32:], "hello\x00")
	copy(vm.mem[64:], "bad state\x00")

	if _, err := call(t, r, vm, TrapPrint, 32); err != nil {
		t.Fatal(err)
	}
	if _, err := call(t, r, vm, TrapTestPrintInt, 32, 42); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"hello", "hello 42"}, rec.lines); diff != "" {
		t.Errorf("printed lines (-want +got):\n%s", diff)
	}

	_, err := call(t, r, vm, TrapError, 64)
	if !errors.Is(err, ErrProgramError) {
		t.Fatalf("error syscall returned %v", err)
	}
	if got := err.Error(); got != "program raised an error: bad state" {
		t.Errorf("error message %q", got)
	}
}

// TestMemorySyscalls checks memset, memcpy and strncpy.
func TestMemorySyscalls(t *testing.T) {
	r := NewRegistry(nil)
	vm := newVM(64)

	if got, err := call(t, r, vm, TrapMemset, 8, 0x41, 4); err != nil || got != 8 {
		t.Fatalf("memset = %d, %v", got, err)
	}
	if _, err := call(t, r, vm, TrapMemcpy, 10, 8, 4); err != nil {
		t.Fatal(err)
	}
	if got := string(vm.mem[8:14]); got != "AAAAAA" {
		t.Errorf("after memcpy %q", got)
	}

	copy(vm.mem[32:], "abc\x00zzz")
	if _, err := call(t, r, vm, TrapStrncpy, 40, 32, 6); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("abc\x00\x00\x00"), vm.mem[40:46]); diff != "" {
		t.Errorf("strncpy (-want +got):\n%s", diff)
	}

	if _, err := call(t, r, vm, TrapMemset, 60, 0, 8); !errors.Is(err, ErrAccessViolation) {
		t.Errorf("memset past end returned %v", err)
	}
}

// TestMathSyscalls checks float results.
func TestMathSyscalls(t *testing.T) {
	r := NewRegistry(nil)
	vm := newVM(16)
	f := FloatResult

	tests := []struct {
		name   string
		num    int32
		params []int32
		want   float32
	}{
		{"sqrt", TrapSqrt, []int32{f(9)}, 3},
		{"floor", TrapFloor, []int32{f(-1.5)}, -2},
		{"ceil", TrapCeil, []int32{f(1.25)}, 2},
		{"sin", TrapSin, []int32{f(0)}, 0},
		{"cos", TrapCos, []int32{f(0)}, 1},
		{"atan2", TrapAtan2, []int32{f(1), f(-1)}, float32(math.Atan2(1, -1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := call(t, r, vm, tt.num, tt.params...)
			if err != nil {
				t.Fatal(err)
			}
			if got != f(tt.want) {
				t.Errorf("%s = %v, want %v", tt.name, math.Float32frombits(uint32(got)), tt.want)
			}
		})
	}
}

// TestHashSyscalls checks digests written into memory.
func TestHashSyscalls(t *testing.T) {
	r := NewRegistry(nil)
	vm := newVM(256)
	copy(vm.mem, "qvm")

	if _, err := call(t, r, vm, TrapBlake3, 0, 3, 64); err != nil {
		t.Fatal(err)
	}
	want := blake3.Sum256([]byte("qvm"))
	if diff := cmp.Diff(want[:], vm.mem[64:96]); diff != "" {
		t.Errorf("blake3 (-want +got):\n%s", diff)
	}

	if _, err := call(t, r, vm, TrapSha256, 0, 3, 128); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte("qvm"))
	if diff := cmp.Diff(sum[:], vm.mem[128:160]); diff != "" {
		t.Errorf("sha256 (-want +got):\n%s", diff)
	}

	if _, err := call(t, r, vm, TrapKeccak256, 0, 0, 160); err != nil {
		t.Fatal(err)
	}
	// keccak256 of the empty string
	const empty = "\xc5\xd2\x46\x01\x86\xf7\x23\x3c\x92\x7e\x7d\xb2\xdc\xc7\x03\xc0\xe5\x00\xb6\x53\xca\x82\x27\x3b\x7b\xfa\xd8\x04\x5d\x85\xa4\x70"
	if got := string(vm.mem[160:192]); got != empty {
		t.Errorf("keccak256 of empty input = %x", got)
	}
}

// TestRegistry checks registration and unknown numbers.
func TestRegistry(t *testing.T) {
	rec := &recorder{ms: 1234}
	r := NewRegistry(rec)
	vm := newVM(16)

	if got, _ := call(t, r, vm, TrapMilliseconds); got != 1234 {
		t.Errorf("milliseconds = %d, want 1234", got)
	}
	if r.Name(TrapSqrt) != "sqrt" {
		t.Errorf("Name(TrapSqrt) = %q", r.Name(TrapSqrt))
	}
	if _, err := call(t, r, vm, 999); !errors.Is(err, ErrUnknownSyscall) {
		t.Errorf("unknown syscall returned %v", err)
	}

	r.RegisterFunc(999, "answer", func(vm VM, args Args) (int32, error) {
		return 42, nil
	})
	if got, err := call(t, r, vm, 999); err != nil || got != 42 {
		t.Errorf("custom syscall = %d, %v", got, err)
	}

	empty := NewEmptyRegistry()
	if _, ok := empty.Get(TrapPrint); ok {
		t.Error("empty registry has print")
	}
}
