//go:build windows && amd64
// +build windows,amd64

package native

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/go-minidump/minidump/pkg/format"
)

const hostArch = format.CPUArchitectureAMD64

// newAlignedContext allocates a format.ContextAMD64 aligned to 16 bytes.
// The Go struct has the exact field layout of the Win32 CONTEXT for x64, but
// GetThreadContext additionally requires 16-byte alignment, which the Go
// allocator does not guarantee for a 1232-byte object.
func newAlignedContext() *format.ContextAMD64 {
	buf := make([]byte, unsafe.Sizeof(format.ContextAMD64{})+15)
	p := uintptr(unsafe.Pointer(&buf[0]))
	p = (p + 15) &^ 15
	return (*format.ContextAMD64)(unsafe.Pointer(p))
}

// threadContext reads the full register state of the suspended thread.
func threadContext(hThread windows.Handle) (format.Context, error) {
	aligned := newAlignedContext()
	aligned.ContextFlags = format.ContextAMD64Full | format.ContextAMD64Segments
	if err := getThreadContext(hThread, uintptr(unsafe.Pointer(aligned))); err != nil {
		return nil, err
	}
	// copy out of the aligned buffer so the context has ordinary lifetime
	ctx := *aligned
	return &ctx, nil
}

// emptyContext returns an all-zero context in this platform's layout, used
// for threads whose registers could not be read.
func emptyContext() format.Context {
	return &format.ContextAMD64{ContextFlags: format.ContextAMD64Base}
}
