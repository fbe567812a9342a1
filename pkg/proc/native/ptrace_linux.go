//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(tid int) error {
	return sys.PtraceAttach(tid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH) delivering sig to the thread as
// it resumes.
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT, delivering sig.
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVmRead calls process_vm_readv. Returns the number of bytes read,
// which is less than len(data) when the tail of the range is unmapped.
func processVmRead(tid int, addr uintptr, data []byte) (int, error) {
	len_iov := uint64(len(data))
	local_iov := sys.Iovec{Base: &data[0], Len: len_iov}
	remote_iov := remoteIovec{base: addr, len: uintptr(len_iov)}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(tid), uintptr(unsafe.Pointer(&local_iov)), 1, uintptr(unsafe.Pointer(&remote_iov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}

// peekRead reads data word by word with PTRACE_PEEKDATA. Used as the
// fallback when process_vm_readv is unavailable (seccomp filters commonly
// block it).
func peekRead(tid int, addr uintptr, data []byte) (int, error) {
	read := 0
	var word [8]byte
	for read < len(data) {
		n, err := sys.PtracePeekData(tid, addr+uintptr(read), word[:])
		if err != nil || n == 0 {
			if read > 0 {
				return read, nil
			}
			return 0, err
		}
		read += copy(data[read:], word[:n])
	}
	return read, nil
}
