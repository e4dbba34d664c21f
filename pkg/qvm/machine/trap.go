package machine

import (
	"errors"
	"fmt"
)

// Runtime violations. Each one is fatal to the executing instance.
var (
	ErrProgramStackOverflow = errors.New("program stack overflow")
	ErrOpStackOverflow      = errors.New("operand stack overflow")
	ErrBadJump              = errors.New("jump target out of range")
	ErrDataAccess           = errors.New("data access out of range")
	ErrDivideByZero         = errors.New("integer divide by zero")
	ErrSyscall              = errors.New("syscall failed")
	ErrOpStackCorrupt       = errors.New("operand stack not balanced on return")
	ErrBroken               = errors.New("vm unusable after fatal trap")
)

// Severity classifies a failure reported to the host.
type Severity int

const (
	// SeverityModule failures reject one module; the host may continue.
	SeverityModule Severity = iota

	// SeverityFatal failures terminate the instance that raised them.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityModule:
		return "module"
	case SeverityFatal:
		return "fatal"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Trap is a runtime safety violation raised by an engine.
type Trap struct {
	// Kind is one of the Err* sentinels above.
	Kind error

	// IP is the instruction index that raised the trap, or -1 when the
	// engine cannot attribute it.
	IP int32

	// Detail carries extra context, such as a syscall error.
	Detail string
}

// NewTrap creates a trap of the given kind.
func NewTrap(kind error, ip int32, format string, args ...interface{}) *Trap {
	t := &Trap{Kind: kind, IP: ip}
	if format != "" {
		t.Detail = fmt.Sprintf(format, args...)
	}
	return t
}

func (t *Trap) Error() string {
	msg := t.Kind.Error()
	if t.IP >= 0 {
		msg = fmt.Sprintf("%s at instruction %d", msg, t.IP)
	}
	if t.Detail != "" {
		msg += ": " + t.Detail
	}
	return msg
}

func (t *Trap) Unwrap() error {
	return t.Kind
}

// Severity reports SeverityFatal for every trap.
func (t *Trap) Severity() Severity {
	return SeverityFatal
}

// SeverityOf classifies an error returned by a qvm operation. Traps are
// fatal; anything else (load or validation failures) rejects only the
// module.
func SeverityOf(err error) Severity {
	var t *Trap
	if errors.As(err, &t) {
		return SeverityFatal
	}
	return SeverityModule
}
