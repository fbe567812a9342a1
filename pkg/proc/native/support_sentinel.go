//go:build (!linux || (!amd64 && !arm64)) && !(windows && amd64) && !(darwin && cgo)
// +build !linux !amd64,!arm64
// +build !windows !amd64
// +build !darwin !cgo

package native

import (
	"errors"

	"github.com/go-minidump/minidump/pkg/proc"
)

var errUnsupported = errors.New("process dumping is not supported on this platform")

// Attach is not available on this platform.
func Attach(pid int) (proc.Accessor, error) {
	return nil, &proc.TargetUnavailableError{Pid: pid, Err: errUnsupported}
}
