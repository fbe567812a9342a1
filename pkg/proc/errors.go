package proc

import (
	"errors"
	"fmt"
)

// ErrNotAttached is returned by accessor methods used after Detach.
var ErrNotAttached = errors.New("not attached to a process")

// TargetUnavailableError is returned when attaching to the target fails,
// either because the process is gone or because the caller lacks debug
// permission. It is fatal: no bytes of the dump have been written.
type TargetUnavailableError struct {
	Pid int
	Err error
}

func (err *TargetUnavailableError) Error() string {
	return fmt.Sprintf("target process %d unavailable: %v", err.Pid, err.Err)
}

func (err *TargetUnavailableError) Unwrap() error { return err.Err }

// UnmappedMemoryError is returned by ReadMemory when any byte of the
// requested range is not mapped in the target. Recoverable: the caller
// decides whether to retry with a clamped length or skip the record.
type UnmappedMemoryError struct {
	Addr uint64
	Size int
}

func (err *UnmappedMemoryError) Error() string {
	return fmt.Sprintf("unmapped target memory at %#x (%d bytes)", err.Addr, err.Size)
}

// InvalidAddressError is returned by ReadCString when the start address
// itself is unmapped.
type InvalidAddressError struct {
	Addr uint64
}

func (err *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid target address %#x", err.Addr)
}

// ThreadGoneError is returned by ThreadState when the thread exited between
// enumeration and the state read. Transient: callers skip the thread and
// continue.
type ThreadGoneError struct {
	ThreadID uint32
}

func (err *ThreadGoneError) Error() string {
	return fmt.Sprintf("thread %d exited during dump", err.ThreadID)
}

// IsThreadGone reports whether err is a ThreadGoneError.
func IsThreadGone(err error) bool {
	var tg *ThreadGoneError
	return errors.As(err, &tg)
}
