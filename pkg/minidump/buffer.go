// Package minidump assembles minidump files from the state of a target
// process. It owns the append-only dump buffer, the stream directory and the
// per-stream section writers; the platform work of reading the target is
// delegated to a proc.Accessor.
package minidump

import (
	"fmt"
	"unicode/utf16"

	"github.com/go-minidump/minidump/pkg/format"
)

// BufferExhaustedError is returned when an allocation would grow the dump
// buffer past its configured limit. It is fatal for the remaining section
// writers, but streams already written stay valid and are still indexed by
// the finalized directory.
type BufferExhaustedError struct {
	Need  int
	Limit int
}

func (err *BufferExhaustedError) Error() string {
	return fmt.Sprintf("dump buffer exhausted: need %d bytes, limit %d", err.Need, err.Limit)
}

// Buffer is the append-only byte store a dump is assembled into. Every
// allocation returns a file-relative offset (RVA) that stays valid for the
// buffer's lifetime; nothing is ever moved or reused. Writers that need a
// particular alignment must request it explicitly, the buffer pads with
// zeros.
type Buffer struct {
	data  []byte
	limit int // 0 means unlimited
}

// NewBuffer returns a Buffer that refuses to grow beyond limit bytes, with
// capacity bytes reserved up front. A limit of 0 means unlimited. Signal-safe
// callers construct the buffer with the full expected capacity before
// installing their handler, so assembling the dump does not allocate.
func NewBuffer(limit, capacity int) *Buffer {
	if capacity == 0 {
		capacity = 4096
	}
	return &Buffer{data: make([]byte, 0, capacity), limit: limit}
}

// Allocate reserves size zeroed bytes at the next offset with the given
// alignment and returns that offset.
func (b *Buffer) Allocate(size, align int) (format.RVA, error) {
	off, need := b.nextAlloc(size, align)
	if b.limit > 0 && need > b.limit {
		return 0, &BufferExhaustedError{Need: need, Limit: b.limit}
	}
	b.grow(need)
	return format.RVA(off), nil
}

// allocateFinal reserves space ignoring the limit. The stream directory must
// always be written, or a truncated dump would be unreadable instead of
// partial; everything else goes through Allocate.
func (b *Buffer) allocateFinal(size, align int) format.RVA {
	off, need := b.nextAlloc(size, align)
	b.grow(need)
	return format.RVA(off)
}

func (b *Buffer) nextAlloc(size, align int) (off, need int) {
	off = len(b.data)
	if align > 1 {
		if rem := off % align; rem != 0 {
			off += align - rem
		}
	}
	return off, off + size
}

func (b *Buffer) grow(need int) {
	if need <= cap(b.data) {
		b.data = b.data[:need]
		return
	}
	b.data = append(b.data, make([]byte, need-len(b.data))...)
}

// WriteAt overwrites previously allocated space at rva. It panics if the
// write would extend the buffer; allocation is the only way to grow it.
func (b *Buffer) WriteAt(rva format.RVA, p []byte) {
	if int(rva)+len(p) > len(b.data) {
		panic(fmt.Sprintf("minidump: write of %d bytes at %#x past end of buffer (%d)", len(p), rva, len(b.data)))
	}
	copy(b.data[rva:], p)
}

// Append allocates space for p with the given alignment and fills it,
// returning the offset p was written at.
func (b *Buffer) Append(p []byte, align int) (format.RVA, error) {
	rva, err := b.Allocate(len(p), align)
	if err != nil {
		return 0, err
	}
	b.WriteAt(rva, p)
	return rva, nil
}

// Len returns the current length of the buffer.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the assembled file contents. The returned slice aliases the
// buffer's storage.
func (b *Buffer) Bytes() []byte { return b.data }

// writeString appends s as an MDString (u32 byte length followed by
// NUL-terminated UTF-16LE) and returns its location.
func writeString(b *Buffer, s string) (format.LocationDescriptor, error) {
	units := utf16.Encode([]rune(s))
	enc := make([]byte, 4+2*len(units)+2)
	byteLen := uint32(2 * len(units))
	enc[0] = byte(byteLen)
	enc[1] = byte(byteLen >> 8)
	enc[2] = byte(byteLen >> 16)
	enc[3] = byte(byteLen >> 24)
	for i, u := range units {
		enc[4+2*i] = byte(u)
		enc[4+2*i+1] = byte(u >> 8)
	}
	// trailing NUL is already zero
	rva, err := b.Append(enc, 4)
	if err != nil {
		return format.LocationDescriptor{}, err
	}
	return format.LocationDescriptor{DataSize: byteLen, RVA: rva}, nil
}
