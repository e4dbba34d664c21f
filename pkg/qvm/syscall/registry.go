package syscall

import (
	"crypto/sha256"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Standard syscall numbers. Programs call them as CALL ^n.
const (
	TrapPrint          int32 = 0
	TrapError          int32 = 1
	TrapMilliseconds   int32 = 2
	TrapTestPrintInt   int32 = 3
	TrapTestPrintFloat int32 = 4

	TrapMemset  int32 = 100
	TrapMemcpy  int32 = 101
	TrapStrncpy int32 = 102
	TrapSin     int32 = 103
	TrapCos     int32 = 104
	TrapAtan2   int32 = 105
	TrapSqrt    int32 = 106
	TrapFloor   int32 = 110
	TrapCeil    int32 = 111

	TrapBlake3    int32 = 200
	TrapKeccak256 int32 = 201
	TrapSha256    int32 = 202
)

// HostContext provides the host services standard syscalls need.
type HostContext interface {
	// Print receives text written by the program.
	Print(msg string)

	// Milliseconds returns a monotonic clock reading.
	Milliseconds() int32
}

// LogContext is a HostContext that prints through a logger.
type LogContext struct {
	logger *log.Logger
	start  time.Time
}

// NewLogContext creates a context printing to logger. A nil logger drops
// program output.
func NewLogContext(logger *log.Logger) *LogContext {
	return &LogContext{logger: logger, start: time.Now()}
}

// Print implements HostContext.
func (c *LogContext) Print(msg string) {
	if c.logger != nil {
		c.logger.Print(msg)
	}
}

// Milliseconds implements HostContext.
func (c *LogContext) Milliseconds() int32 {
	return int32(time.Since(c.start).Milliseconds())
}

type entry struct {
	name string
	h    Handler
}

// Registry maps syscall numbers to handlers. It implements Handler.
type Registry struct {
	syscalls map[int32]entry
}

// NewRegistry creates a registry holding the standard syscalls. A nil ctx
// discards printed output.
func NewRegistry(ctx HostContext) *Registry {
	if ctx == nil {
		ctx = NewLogContext(nil)
	}
	r := &Registry{syscalls: make(map[int32]entry)}

	r.registerLogging(ctx)
	r.registerMemory()
	r.registerMath()
	r.registerCrypto()
	r.registerMisc(ctx)

	return r
}

// NewEmptyRegistry creates a registry with no syscalls.
func NewEmptyRegistry() *Registry {
	return &Registry{syscalls: make(map[int32]entry)}
}

// Register adds or replaces the handler for num.
func (r *Registry) Register(num int32, name string, h Handler) {
	r.syscalls[num] = entry{name: name, h: h}
}

// RegisterFunc is Register for a function.
func (r *Registry) RegisterFunc(num int32, name string, fn func(vm VM, args Args) (int32, error)) {
	r.Register(num, name, HandlerFunc(fn))
}

// Get returns the handler for num.
func (r *Registry) Get(num int32) (Handler, bool) {
	e, ok := r.syscalls[num]
	return e.h, ok
}

// Name returns the registered name of num, or "" if there is none.
func (r *Registry) Name(num int32) string {
	return r.syscalls[num].name
}

// Handle implements Handler by dispatching on the syscall number.
func (r *Registry) Handle(vm VM, args Args) (int32, error) {
	e, ok := r.syscalls[args.Num()]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSyscall, args.Num())
	}
	return e.h.Handle(vm, args)
}

func (r *Registry) registerLogging(ctx HostContext) {
	r.RegisterFunc(TrapPrint, "print", func(vm VM, args Args) (int32, error) {
		ctx.Print(CString(vm.Memory(), args.Int(1), MaxPrintLen))
		return 0, nil
	})

	r.RegisterFunc(TrapError, "error", func(vm VM, args Args) (int32, error) {
		msg := CString(vm.Memory(), args.Int(1), MaxPrintLen)
		return 0, fmt.Errorf("%w: %s", ErrProgramError, msg)
	})

	r.RegisterFunc(TrapTestPrintInt, "testPrintInt", func(vm VM, args Args) (int32, error) {
		ctx.Print(fmt.Sprintf("%s %d", CString(vm.Memory(), args.Int(1), MaxPrintLen), args.Int(2)))
		return 0, nil
	})

	r.RegisterFunc(TrapTestPrintFloat, "testPrintFloat", func(vm VM, args Args) (int32, error) {
		ctx.Print(fmt.Sprintf("%s %f", CString(vm.Memory(), args.Int(1), MaxPrintLen), args.Float(2)))
		return 0, nil
	})
}

func (r *Registry) registerMemory() {
	// memset(dst, c, n) returns dst
	r.RegisterFunc(TrapMemset, "memset", func(vm VM, args Args) (int32, error) {
		dst, err := Span(vm.Memory(), args.Int(1), args.Int(3))
		if err != nil {
			return 0, err
		}
		c := byte(args.Int(2))
		for i := range dst {
			dst[i] = c
		}
		return args.Int(1), nil
	})

	// memcpy(dst, src, n) returns dst; overlapping spans behave as memmove
	r.RegisterFunc(TrapMemcpy, "memcpy", func(vm VM, args Args) (int32, error) {
		mem := vm.Memory()
		n := args.Int(3)
		dst, err := Span(mem, args.Int(1), n)
		if err != nil {
			return 0, err
		}
		src, err := Span(mem, args.Int(2), n)
		if err != nil {
			return 0, err
		}
		copy(dst, src)
		return args.Int(1), nil
	})

	// strncpy(dst, src, n) returns dst
	r.RegisterFunc(TrapStrncpy, "strncpy", func(vm VM, args Args) (int32, error) {
		mem := vm.Memory()
		n := args.Int(3)
		dst, err := Span(mem, args.Int(1), n)
		if err != nil {
			return 0, err
		}
		s := CString(mem, args.Int(2), int(n))
		i := copy(dst, s)
		for ; i < len(dst); i++ {
			dst[i] = 0
		}
		return args.Int(1), nil
	})
}

func (r *Registry) registerMath() {
	unary := func(num int32, name string, fn func(float64) float64) {
		r.RegisterFunc(num, name, func(vm VM, args Args) (int32, error) {
			return FloatResult(float32(fn(float64(args.Float(1))))), nil
		})
	}
	unary(TrapSin, "sin", math.Sin)
	unary(TrapCos, "cos", math.Cos)
	unary(TrapSqrt, "sqrt", math.Sqrt)
	unary(TrapFloor, "floor", math.Floor)
	unary(TrapCeil, "ceil", math.Ceil)

	r.RegisterFunc(TrapAtan2, "atan2", func(vm VM, args Args) (int32, error) {
		y, x := float64(args.Float(1)), float64(args.Float(2))
		return FloatResult(float32(math.Atan2(y, x))), nil
	})
}

func (r *Registry) registerCrypto() {
	// hash(src, n, dst) writes a 32-byte digest to dst
	digest := func(num int32, name string, sum func([]byte) [32]byte) {
		r.RegisterFunc(num, name, func(vm VM, args Args) (int32, error) {
			mem := vm.Memory()
			src, err := Span(mem, args.Int(1), args.Int(2))
			if err != nil {
				return 0, err
			}
			dst, err := Span(mem, args.Int(3), 32)
			if err != nil {
				return 0, err
			}
			h := sum(src)
			copy(dst, h[:])
			return 0, nil
		})
	}

	digest(TrapBlake3, "blake3", blake3.Sum256)
	digest(TrapSha256, "sha256", sha256.Sum256)
	digest(TrapKeccak256, "keccak256", func(b []byte) [32]byte {
		var out [32]byte
		h := sha3.NewLegacyKeccak256()
		h.Write(b)
		h.Sum(out[:0])
		return out
	})
}

func (r *Registry) registerMisc(ctx HostContext) {
	r.RegisterFunc(TrapMilliseconds, "milliseconds", func(vm VM, args Args) (int32, error) {
		return ctx.Milliseconds(), nil
	})
}
