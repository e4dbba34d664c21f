//go:build windows

package execmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Supported reports whether this platform can map executable memory.
const Supported = true

func mapRW(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("execmem: VirtualAlloc %d bytes: %w", size, err)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func protectExec(m []byte) error {
	var old uint32
	return windows.VirtualProtect(uintptr(unsafe.Pointer(&m[0])), uintptr(len(m)), windows.PAGE_EXECUTE_READ, &old)
}

func unmap(m []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&m[0])), 0, windows.MEM_RELEASE)
}
