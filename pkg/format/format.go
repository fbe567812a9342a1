// Package format defines the on-disk minidump container format: the file
// header, the stream directory and the raw per-stream structures, together
// with their little-endian encodings.
//
// The file format is described on MSDN starting at:
//  https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_header
// which is the structure found at offset 0 on a minidump file.
//
// Further information on the format can be found reading
// chromium-breakpad's minidump loading code, specifically:
//  https://chromium.googlesource.com/breakpad/breakpad/+/master/src/google_breakpad/common/minidump_format.h
//
// The numeric identifiers and byte layouts in this package are a hard
// compatibility surface: they must match what Breakpad-compatible consumers
// expect, byte for byte.
package format

import "encoding/binary"

const (
	// Signature is the 'MDMP' magic found at offset 0 of every minidump.
	Signature = 0x504d444d
	// Version is the low 16 bits of the header version field.
	Version = 0xa793
)

// RVA is an offset relative to the start of the minidump file.
type RVA = uint32

// StreamType identifies the kind of data held by one stream.
type StreamType uint32

const (
	UnusedStream       StreamType = 0
	ThreadListStream   StreamType = 3
	ModuleListStream   StreamType = 4
	MemoryListStream   StreamType = 5
	ExceptionStream    StreamType = 6
	SystemInfoStream   StreamType = 7
	Memory64ListStream StreamType = 9
	CommentStreamA     StreamType = 10
	CommentStreamW     StreamType = 11
	MiscInfoStream     StreamType = 15
	ThreadNamesStream  StreamType = 24

	// Breakpad extension streams live above 0x47670000 ('Gg').
	BreakpadInfoStream StreamType = 0x47670001
)

func (st StreamType) String() string {
	switch st {
	case UnusedStream:
		return "UnusedStream"
	case ThreadListStream:
		return "ThreadListStream"
	case ModuleListStream:
		return "ModuleListStream"
	case MemoryListStream:
		return "MemoryListStream"
	case ExceptionStream:
		return "ExceptionStream"
	case SystemInfoStream:
		return "SystemInfoStream"
	case Memory64ListStream:
		return "Memory64ListStream"
	case CommentStreamA:
		return "CommentStreamA"
	case CommentStreamW:
		return "CommentStreamW"
	case MiscInfoStream:
		return "MiscInfoStream"
	case ThreadNamesStream:
		return "ThreadNamesStream"
	case BreakpadInfoStream:
		return "BreakpadInfoStream"
	}
	return "UnknownStream"
}

// Arch is the type of the ProcessorArchitecture field of MINIDUMP_SYSTEM_INFO.
type Arch uint16

const (
	CPUArchitectureX86      Arch = 0
	CPUArchitectureARM      Arch = 5
	CPUArchitectureAMD64    Arch = 9
	CPUArchitectureARM64    Arch = 12
	CPUArchitectureARM64Old Arch = 0x8003 // Breakpad's pre-Windows ARM64 identifier
	CPUArchitectureUnknown  Arch = 0xffff
)

func (a Arch) String() string {
	switch a {
	case CPUArchitectureX86:
		return "x86"
	case CPUArchitectureARM:
		return "arm"
	case CPUArchitectureAMD64:
		return "amd64"
	case CPUArchitectureARM64, CPUArchitectureARM64Old:
		return "arm64"
	}
	return "unknown"
}

// PlatformID is the type of the PlatformID field of MINIDUMP_SYSTEM_INFO.
type PlatformID uint32

const (
	PlatformWindows PlatformID = 2
	PlatformMacOS   PlatformID = 0x8101
	PlatformIOS     PlatformID = 0x8102
	PlatformLinux   PlatformID = 0x8201
	PlatformAndroid PlatformID = 0x8203
)

// MiscInfo flags1 bits, declaring which MiscInfo fields are valid.
const (
	MiscInfoProcessID          = 0x1
	MiscInfoProcessTimes       = 0x2
	MiscInfoProcessorPowerInfo = 0x4
)

// BreakpadInfo validity bits.
const (
	BreakpadInfoValidDumpThreadID       = 1 << 0
	BreakpadInfoValidRequestingThreadID = 1 << 1
)

// CodeView record signatures.
const (
	CVSignaturePDB70 = 0x53445352 // 'RSDS', followed by a 16 byte GUID and age
	CVSignatureELF   = 0x4270454c // 'BpEL', followed by the ELF build id
)

// Sizes of the fixed-layout structures, used when allocating buffer space.
const (
	HeaderSize          = 32
	DirectorySize       = 12
	LocationSize        = 8
	MemoryDescSize      = 16
	ThreadSize          = 48
	ModuleSize          = 108
	SystemInfoSize      = 56
	MiscInfo2Size       = 44
	ExceptionSize       = 152
	ExceptionStreamSize = 4 + 4 + ExceptionSize + LocationSize
	ThreadNameSize      = 12
	BreakpadInfoSize    = 12
)

// encbuf appends little-endian fields to a byte slice. The write-side
// counterpart of the cursor used by the reader package.
type encbuf struct {
	b []byte
}

func (e *encbuf) u16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *encbuf) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *encbuf) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *encbuf) bytes(p []byte) {
	e.b = append(e.b, p...)
}

// Header is the MINIDUMP_HEADER found at offset 0 of the file.
type Header struct {
	Signature          uint32
	Version            uint32
	StreamCount        uint32
	StreamDirectoryRVA RVA
	Checksum           uint32
	TimeDateStamp      uint32
	Flags              uint64
}

func (h *Header) Encode() []byte {
	e := encbuf{b: make([]byte, 0, HeaderSize)}
	e.u32(h.Signature)
	e.u32(h.Version)
	e.u32(h.StreamCount)
	e.u32(h.StreamDirectoryRVA)
	e.u32(h.Checksum)
	e.u32(h.TimeDateStamp)
	e.u64(h.Flags)
	return e.b
}

// LocationDescriptor addresses a subregion of the file.
type LocationDescriptor struct {
	DataSize uint32
	RVA      RVA
}

func (l LocationDescriptor) encode(e *encbuf) {
	e.u32(l.DataSize)
	e.u32(l.RVA)
}

func (l *LocationDescriptor) Encode() []byte {
	e := encbuf{b: make([]byte, 0, LocationSize)}
	l.encode(&e)
	return e.b
}

// Directory is one entry of the stream directory.
type Directory struct {
	StreamType StreamType
	Location   LocationDescriptor
}

func (d *Directory) Encode() []byte {
	e := encbuf{b: make([]byte, 0, DirectorySize)}
	e.u32(uint32(d.StreamType))
	d.Location.encode(&e)
	return e.b
}

// MemoryDescriptor describes a range of target memory saved into the file.
type MemoryDescriptor struct {
	StartOfMemoryRange uint64
	Memory             LocationDescriptor
}

func (m MemoryDescriptor) encode(e *encbuf) {
	e.u64(m.StartOfMemoryRange)
	m.Memory.encode(e)
}

func (m *MemoryDescriptor) Encode() []byte {
	e := encbuf{b: make([]byte, 0, MemoryDescSize)}
	m.encode(&e)
	return e.b
}

// Thread is one entry of the ThreadList stream (MINIDUMP_THREAD).
type Thread struct {
	ThreadID      uint32
	SuspendCount  uint32
	PriorityClass uint32
	Priority      uint32
	Teb           uint64
	Stack         MemoryDescriptor
	ThreadContext LocationDescriptor
}

func (t *Thread) Encode() []byte {
	e := encbuf{b: make([]byte, 0, ThreadSize)}
	e.u32(t.ThreadID)
	e.u32(t.SuspendCount)
	e.u32(t.PriorityClass)
	e.u32(t.Priority)
	e.u64(t.Teb)
	t.Stack.encode(&e)
	t.ThreadContext.encode(&e)
	return e.b
}

// VSFixedFileInfo is the VS_FIXEDFILEINFO version record embedded in each
// module entry.
type VSFixedFileInfo struct {
	Signature        uint32
	StructVersion    uint32
	FileVersionHi    uint32
	FileVersionLo    uint32
	ProductVersionHi uint32
	ProductVersionLo uint32
	FileFlagsMask    uint32
	FileFlags        uint32
	FileOS           uint32
	FileType         uint32
	FileSubtype      uint32
	FileDateHi       uint32
	FileDateLo       uint32
}

func (v VSFixedFileInfo) encode(e *encbuf) {
	e.u32(v.Signature)
	e.u32(v.StructVersion)
	e.u32(v.FileVersionHi)
	e.u32(v.FileVersionLo)
	e.u32(v.ProductVersionHi)
	e.u32(v.ProductVersionLo)
	e.u32(v.FileFlagsMask)
	e.u32(v.FileFlags)
	e.u32(v.FileOS)
	e.u32(v.FileType)
	e.u32(v.FileSubtype)
	e.u32(v.FileDateHi)
	e.u32(v.FileDateLo)
}

// Module is one entry of the ModuleList stream (MINIDUMP_MODULE, 108 bytes).
type Module struct {
	BaseOfImage   uint64
	SizeOfImage   uint32
	Checksum      uint32
	TimeDateStamp uint32
	ModuleNameRVA RVA
	VersionInfo   VSFixedFileInfo
	CVRecord      LocationDescriptor
	MiscRecord    LocationDescriptor
	Reserved0     [2]uint32
	Reserved1     [2]uint32
}

func (m *Module) Encode() []byte {
	e := encbuf{b: make([]byte, 0, ModuleSize)}
	e.u64(m.BaseOfImage)
	e.u32(m.SizeOfImage)
	e.u32(m.Checksum)
	e.u32(m.TimeDateStamp)
	e.u32(m.ModuleNameRVA)
	m.VersionInfo.encode(&e)
	m.CVRecord.encode(&e)
	m.MiscRecord.encode(&e)
	e.u32(m.Reserved0[0])
	e.u32(m.Reserved0[1])
	e.u32(m.Reserved1[0])
	e.u32(m.Reserved1[1])
	return e.b
}

// SystemInfo is the body of the SystemInfo stream (MINIDUMP_SYSTEM_INFO).
type SystemInfo struct {
	ProcessorArchitecture Arch
	ProcessorLevel        uint16
	ProcessorRevision     uint16
	NumberOfProcessors    uint8
	ProductType           uint8
	MajorVersion          uint32
	MinorVersion          uint32
	BuildNumber           uint32
	PlatformID            PlatformID
	CSDVersionRVA         RVA
	SuiteMask             uint16
	Reserved2             uint16
	CPU                   [24]byte
}

func (s *SystemInfo) Encode() []byte {
	e := encbuf{b: make([]byte, 0, SystemInfoSize)}
	e.u16(uint16(s.ProcessorArchitecture))
	e.u16(s.ProcessorLevel)
	e.u16(s.ProcessorRevision)
	e.b = append(e.b, s.NumberOfProcessors, s.ProductType)
	e.u32(s.MajorVersion)
	e.u32(s.MinorVersion)
	e.u32(s.BuildNumber)
	e.u32(uint32(s.PlatformID))
	e.u32(s.CSDVersionRVA)
	e.u16(s.SuiteMask)
	e.u16(s.Reserved2)
	e.bytes(s.CPU[:])
	return e.b
}

// MiscInfo2 is the body of the MiscInfo stream (MINIDUMP_MISC_INFO_2).
// Fields whose corresponding Flags1 bit is unset are zero-filled.
type MiscInfo2 struct {
	SizeOfInfo                uint32
	Flags1                    uint32
	ProcessID                 uint32
	ProcessCreateTime         uint32
	ProcessUserTime           uint32
	ProcessKernelTime         uint32
	ProcessorMaxMhz           uint32
	ProcessorCurrentMhz       uint32
	ProcessorMhzLimit         uint32
	ProcessorMaxIdleState     uint32
	ProcessorCurrentIdleState uint32
}

func (m *MiscInfo2) Encode() []byte {
	e := encbuf{b: make([]byte, 0, MiscInfo2Size)}
	e.u32(m.SizeOfInfo)
	e.u32(m.Flags1)
	e.u32(m.ProcessID)
	e.u32(m.ProcessCreateTime)
	e.u32(m.ProcessUserTime)
	e.u32(m.ProcessKernelTime)
	e.u32(m.ProcessorMaxMhz)
	e.u32(m.ProcessorCurrentMhz)
	e.u32(m.ProcessorMhzLimit)
	e.u32(m.ProcessorMaxIdleState)
	e.u32(m.ProcessorCurrentIdleState)
	return e.b
}

// Exception is the MINIDUMP_EXCEPTION record.
type Exception struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      uint64
	ExceptionAddress     uint64
	NumberParameters     uint32
	ExceptionInformation [15]uint64
}

// ExceptionStreamBody is the body of the Exception stream
// (MINIDUMP_EXCEPTION_STREAM).
type ExceptionStreamBody struct {
	ThreadID        uint32
	ExceptionRecord Exception
	ThreadContext   LocationDescriptor
}

func (s *ExceptionStreamBody) Encode() []byte {
	e := encbuf{b: make([]byte, 0, ExceptionStreamSize)}
	e.u32(s.ThreadID)
	e.u32(0) // alignment
	e.u32(s.ExceptionRecord.ExceptionCode)
	e.u32(s.ExceptionRecord.ExceptionFlags)
	e.u64(s.ExceptionRecord.ExceptionRecord)
	e.u64(s.ExceptionRecord.ExceptionAddress)
	e.u32(s.ExceptionRecord.NumberParameters)
	e.u32(0) // alignment
	for _, info := range s.ExceptionRecord.ExceptionInformation {
		e.u64(info)
	}
	s.ThreadContext.encode(&e)
	return e.b
}

// ThreadName is one entry of the ThreadNames stream (MINIDUMP_THREAD_NAME).
// The name RVA is 64 bits and the struct is packed, so the RVA field is not
// naturally aligned; a zero RVA means the thread has no known name, which is
// distinct from an empty name.
type ThreadName struct {
	ThreadID      uint32
	ThreadNameRVA uint64
}

func (t *ThreadName) Encode() []byte {
	e := encbuf{b: make([]byte, 0, ThreadNameSize)}
	e.u32(t.ThreadID)
	e.u64(t.ThreadNameRVA)
	return e.b
}

// BreakpadInfo is the body of the Breakpad extension stream that records
// which thread produced the dump and which thread the dump is about.
type BreakpadInfo struct {
	Validity           uint32
	DumpThreadID       uint32
	RequestingThreadID uint32
}

func (b *BreakpadInfo) Encode() []byte {
	e := encbuf{b: make([]byte, 0, BreakpadInfoSize)}
	e.u32(b.Validity)
	e.u32(b.DumpThreadID)
	e.u32(b.RequestingThreadID)
	return e.b
}
