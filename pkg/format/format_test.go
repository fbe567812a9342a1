package format

import (
	"encoding/binary"
	"testing"
)

// Consumers index into streams with the struct sizes mandated by the file
// format, so every Encode must produce exactly the documented number of
// bytes.
func TestEncodedSizes(t *testing.T) {
	for _, tc := range []struct {
		name string
		enc  []byte
		want int
	}{
		{"Header", (&Header{}).Encode(), HeaderSize},
		{"Directory", (&Directory{}).Encode(), DirectorySize},
		{"LocationDescriptor", (&LocationDescriptor{}).Encode(), LocationSize},
		{"MemoryDescriptor", (&MemoryDescriptor{}).Encode(), MemoryDescSize},
		{"Thread", (&Thread{}).Encode(), ThreadSize},
		{"Module", (&Module{}).Encode(), ModuleSize},
		{"SystemInfo", (&SystemInfo{}).Encode(), SystemInfoSize},
		{"MiscInfo2", (&MiscInfo2{}).Encode(), MiscInfo2Size},
		{"ExceptionStreamBody", (&ExceptionStreamBody{}).Encode(), ExceptionStreamSize},
		{"ThreadName", (&ThreadName{}).Encode(), ThreadNameSize},
		{"BreakpadInfo", (&BreakpadInfo{}).Encode(), BreakpadInfoSize},
		{"ContextAMD64", (&ContextAMD64{}).Encode(), ContextAMD64Size},
		{"ContextARM64", (&ContextARM64{}).Encode(), ContextARM64OldSize},
	} {
		if len(tc.enc) != tc.want {
			t.Errorf("%s: encoded to %d bytes, want %d", tc.name, len(tc.enc), tc.want)
		}
	}
}

func TestHeaderLayout(t *testing.T) {
	hdr := Header{
		Signature:          Signature,
		Version:            Version,
		StreamCount:        3,
		StreamDirectoryRVA: 0x1234,
		TimeDateStamp:      0x5f000000,
	}
	enc := hdr.Encode()

	if got := binary.LittleEndian.Uint32(enc[0:]); got != Signature {
		t.Errorf("signature = %#x, want %#x", got, uint32(Signature))
	}
	if got := binary.LittleEndian.Uint16(enc[4:]); got != Version {
		t.Errorf("version = %#x, want %#x", got, uint16(Version))
	}
	if got := binary.LittleEndian.Uint32(enc[8:]); got != 3 {
		t.Errorf("stream count = %d, want 3", got)
	}
	if got := binary.LittleEndian.Uint32(enc[12:]); got != 0x1234 {
		t.Errorf("directory rva = %#x, want 0x1234", got)
	}
	if got := binary.LittleEndian.Uint32(enc[20:]); got != 0x5f000000 {
		t.Errorf("timestamp = %#x, want 0x5f000000", got)
	}
}

// The thread name entry is packed: a 4-byte thread id directly followed by
// an 8-byte RVA with no alignment padding.
func TestThreadNamePacked(t *testing.T) {
	enc := (&ThreadName{ThreadID: 7, ThreadNameRVA: 0x1122334455667788}).Encode()
	if got := binary.LittleEndian.Uint32(enc[0:]); got != 7 {
		t.Errorf("thread id = %d, want 7", got)
	}
	if got := binary.LittleEndian.Uint64(enc[4:]); got != 0x1122334455667788 {
		t.Errorf("name rva = %#x", got)
	}
}

// Both context layouts must be available on every platform: dumps are
// inspected on machines other than the one that crashed.
func TestContextFlagBits(t *testing.T) {
	var _ Context = &ContextAMD64{ContextFlags: ContextAMD64Base}
	var _ Context = &ContextARM64{ContextFlags: ContextARM64Old}

	if ContextAMD64Full&ContextAMD64Base != ContextAMD64Base {
		t.Errorf("ContextAMD64Full = %#x does not carry the base bit", uint32(ContextAMD64Full))
	}
	if ContextAMD64Full&(ContextAMD64Control|ContextAMD64Integer|ContextAMD64FloatingPoint) != ContextAMD64Control|ContextAMD64Integer|ContextAMD64FloatingPoint {
		t.Errorf("ContextAMD64Full = %#x missing register groups", uint32(ContextAMD64Full))
	}
	if ContextARM64OldFull&ContextARM64Old != ContextARM64Old {
		t.Errorf("ContextARM64OldFull = %#x does not carry the base bit", ContextARM64OldFull)
	}
}

func TestContextPointerAccessors(t *testing.T) {
	amd := &ContextAMD64{Rsp: 0x1000, Rip: 0x2000}
	if amd.StackPointer() != 0x1000 || amd.InstructionPointer() != 0x2000 {
		t.Errorf("amd64 accessors: sp %#x ip %#x", amd.StackPointer(), amd.InstructionPointer())
	}
	if amd.Arch() != CPUArchitectureAMD64 {
		t.Errorf("amd64 arch = %v", amd.Arch())
	}
	arm := &ContextARM64{Sp: 0x3000, Pc: 0x4000}
	if arm.StackPointer() != 0x3000 || arm.InstructionPointer() != 0x4000 {
		t.Errorf("arm64 accessors: sp %#x ip %#x", arm.StackPointer(), arm.InstructionPointer())
	}
	if arm.Arch() != CPUArchitectureARM64Old {
		t.Errorf("arm64 arch = %v", arm.Arch())
	}
}

func TestStreamTypeString(t *testing.T) {
	if s := ThreadListStream.String(); s != "ThreadListStream" {
		t.Errorf("ThreadListStream.String() = %q", s)
	}
	if s := BreakpadInfoStream.String(); s != "BreakpadInfoStream" {
		t.Errorf("BreakpadInfoStream.String() = %q", s)
	}
}
