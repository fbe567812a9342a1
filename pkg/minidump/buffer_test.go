package minidump

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"unicode/utf16"
)

func TestBufferAllocateAlignment(t *testing.T) {
	b := NewBuffer(0, 0)

	rva, err := b.Allocate(3, 1)
	assertNoError(err, t, "Allocate(3, 1)")
	if rva != 0 {
		t.Errorf("first allocation at %#x, want 0", rva)
	}

	rva, err = b.Allocate(8, 16)
	assertNoError(err, t, "Allocate(8, 16)")
	if rva != 16 {
		t.Errorf("aligned allocation at %#x, want 0x10", rva)
	}
	if b.Len() != 24 {
		t.Errorf("buffer length %d, want 24", b.Len())
	}
}

func TestBufferOffsetsStable(t *testing.T) {
	b := NewBuffer(0, 0)
	first, err := b.Append([]byte("abcd"), 1)
	assertNoError(err, t, "Append")
	for i := 0; i < 100; i++ {
		_, err = b.Append(bytes.Repeat([]byte{byte(i)}, 128), 4)
		assertNoError(err, t, "Append")
	}
	if got := b.Bytes()[first : first+4]; !bytes.Equal(got, []byte("abcd")) {
		t.Errorf("data at first offset = %q after later appends", got)
	}
}

func TestBufferExhaustion(t *testing.T) {
	b := NewBuffer(64, 0)
	_, err := b.Allocate(60, 1)
	assertNoError(err, t, "Allocate(60)")

	_, err = b.Allocate(8, 1)
	var exhausted *BufferExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected BufferExhaustedError, got %v", err)
	}
	if exhausted.Limit != 64 {
		t.Errorf("limit = %d, want 64", exhausted.Limit)
	}
	// a smaller allocation still fits
	_, err = b.Allocate(4, 1)
	assertNoError(err, t, "Allocate(4)")
}

func TestBufferWriteAtPastEndPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	b := NewBuffer(0, 0)
	b.WriteAt(8, []byte("x"))
}

func TestWriteString(t *testing.T) {
	b := NewBuffer(0, 0)
	loc, err := writeString(b, "crashy")
	assertNoError(err, t, "writeString")

	raw := b.Bytes()
	if got := binary.LittleEndian.Uint32(raw[loc.RVA:]); got != loc.DataSize {
		t.Errorf("length prefix %d, datasize %d", got, loc.DataSize)
	}
	if loc.DataSize != 12 {
		t.Errorf("datasize = %d, want 12", loc.DataSize)
	}
	units := make([]uint16, 0, 6)
	for i := uint32(0); i < loc.DataSize; i += 2 {
		units = append(units, binary.LittleEndian.Uint16(raw[loc.RVA+4+i:]))
	}
	if s := string(utf16.Decode(units)); s != "crashy" {
		t.Errorf("decoded %q, want crashy", s)
	}
	// NUL terminator after the counted characters
	if raw[int(loc.RVA)+4+int(loc.DataSize)] != 0 || raw[int(loc.RVA)+5+int(loc.DataSize)] != 0 {
		t.Error("missing NUL terminator")
	}
}
