//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package execmem

// Supported reports whether this platform can map executable memory.
const Supported = false

func mapRW(size int) ([]byte, error) {
	return nil, ErrUnsupported
}

func protectExec(m []byte) error {
	return ErrUnsupported
}

func unmap(m []byte) error {
	return nil
}
