//go:build !linux || (!amd64 && !arm64)
// +build !linux !amd64,!arm64

package native

import (
	"errors"
	"os"

	"github.com/go-minidump/minidump/pkg/proc"
)

// Self is only implemented on Linux, where a crash handler can read its own
// process through /proc without stopping it.
func Self() (proc.Accessor, error) {
	return nil, &proc.TargetUnavailableError{Pid: os.Getpid(), Err: errors.New("self dumping is only supported on linux")}
}
