// Package native contains the platform-specific process accessors: a ptrace
// based accessor for stopped-target dumps on Linux, a pread based accessor
// for dumping the calling process from a signal handler, a debug-API
// accessor for Windows and a mach accessor for Darwin. They all implement
// proc.Accessor and are constructed through Attach or Self.
package native

import (
	"bytes"

	"github.com/go-minidump/minidump/pkg/proc"
)

// readCString reads a NUL-terminated string through acc, clamping every
// chunk to a page boundary so a string ending near an unmapped page still
// reads successfully.
func readCString(acc proc.Accessor, addr uint64, max int, pageSize uint64) ([]byte, error) {
	var out []byte
	pos := addr
	for len(out) < max {
		chunk := uint64(max - len(out))
		if room := pageSize - (pos & (pageSize - 1)); chunk > room {
			chunk = room
		}
		buf := make([]byte, chunk)
		if err := acc.ReadMemory(buf, pos); err != nil {
			if pos == addr {
				return nil, &proc.InvalidAddressError{Addr: addr}
			}
			return out, nil
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return append(out, buf[:i]...), nil
		}
		out = append(out, buf...)
		pos += chunk
	}
	return out, nil
}

func clampCPUs(n int) uint8 {
	if n > 255 {
		return 255
	}
	return uint8(n)
}
