// Package reader loads minidump files. It understands the streams produced
// by the writer in this module (plus the common Windows ones) and is used
// both by the inspect command and by round-trip tests that verify the
// writer's output with an independent parser.
package reader

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"unicode/utf16"

	"github.com/go-minidump/minidump/pkg/format"
	"github.com/go-minidump/minidump/pkg/logflags"
)

// mdbuf is a bounds-checked little-endian cursor over the raw file.
type mdbuf struct {
	buf []byte
	off int
	err error
	ctx string
}

func (b *mdbuf) u16() uint16 {
	const stride = 2
	if b.err != nil {
		return 0
	}
	if b.off+stride > len(b.buf) {
		b.err = fmt.Errorf("minidump truncated at offset %#x while %s", b.off, b.ctx)
		return 0
	}
	r := uint16(b.buf[b.off]) | uint16(b.buf[b.off+1])<<8
	b.off += stride
	return r
}

func (b *mdbuf) u32() uint32 {
	const stride = 4
	if b.err != nil {
		return 0
	}
	if b.off+stride > len(b.buf) {
		b.err = fmt.Errorf("minidump truncated at offset %#x while %s", b.off, b.ctx)
		return 0
	}
	var r uint32
	for i := stride - 1; i >= 0; i-- {
		r = r<<8 | uint32(b.buf[b.off+i])
	}
	b.off += stride
	return r
}

func (b *mdbuf) u64() uint64 {
	const stride = 8
	if b.err != nil {
		return 0
	}
	if b.off+stride > len(b.buf) {
		b.err = fmt.Errorf("minidump truncated at offset %#x while %s", b.off, b.ctx)
		return 0
	}
	var r uint64
	for i := stride - 1; i >= 0; i-- {
		r = r<<8 | uint64(b.buf[b.off+i])
	}
	b.off += stride
	return r
}

func (b *mdbuf) u8() uint8 {
	if b.err != nil {
		return 0
	}
	if b.off+1 > len(b.buf) {
		b.err = fmt.Errorf("minidump truncated at offset %#x while %s", b.off, b.ctx)
		return 0
	}
	r := b.buf[b.off]
	b.off++
	return r
}

func streamBuf(stream *Stream, raw []byte, name string) *mdbuf {
	return &mdbuf{
		buf: raw,
		off: int(stream.Offset),
		ctx: fmt.Sprintf("reading %s stream at %#x", name, stream.Offset),
	}
}

// ErrNotAMinidump is the error returned when the file being loaded is not a
// minidump file.
type ErrNotAMinidump struct {
	what string
	got  uint32
}

func (err ErrNotAMinidump) Error() string {
	return fmt.Sprintf("not a minidump, invalid %s %#x", err.what, err.got)
}

// Minidump is a parsed minidump file.
type Minidump struct {
	Timestamp uint32
	Flags     uint64

	Streams []Stream

	SystemInfo *SystemInfo
	Exception  *Exception
	Threads    []Thread
	Modules    []Module
	Memory     []MemoryRange
	Pid        uint32

	// ThreadNames maps thread ids to names; threads without a name are
	// absent.
	ThreadNames map[uint32]string

	// BreakpadDumpThread and BreakpadRequestingThread come from the
	// Breakpad info stream; -1 when not present or not valid.
	BreakpadDumpThread       int64
	BreakpadRequestingThread int64

	streamNum uint32
	streamOff uint32
}

// Stream is one (uninterpreted) directory entry and its raw data.
type Stream struct {
	Type    format.StreamType
	Offset  uint32
	RawData []byte
}

// SystemInfo is the parsed SystemInfo stream.
type SystemInfo struct {
	Arch               format.Arch
	ProcessorLevel     uint16
	ProcessorRevision  uint16
	NumberOfProcessors uint8
	ProductType        uint8
	MajorVersion       uint32
	MinorVersion       uint32
	BuildNumber        uint32
	Platform           format.PlatformID
	OSBuild            string
}

// Thread is one parsed ThreadList entry.
type Thread struct {
	ID            uint32
	SuspendCount  uint32
	PriorityClass uint32
	Priority      uint32
	Teb           uint64
	StackStart    uint64
	StackData     []byte
	RawContext    []byte
}

// Module is one parsed ModuleList entry.
type Module struct {
	BaseOfImage   uint64
	SizeOfImage   uint32
	Checksum      uint32
	TimeDateStamp uint32
	Name          string
	CVRecord      []byte
}

// MemoryRange is one parsed MemoryList entry.
type MemoryRange struct {
	Addr uint64
	Data []byte
}

// ReadMemory reads len(buf) bytes starting at addr from this range.
func (m *MemoryRange) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if addr < m.Addr || addr+uint64(len(buf)) > m.Addr+uint64(len(m.Data)) {
		return 0, io.EOF
	}
	copy(buf, m.Data[addr-m.Addr:])
	return len(buf), nil
}

// Exception is the parsed Exception stream.
type Exception struct {
	ThreadID    uint32
	Code        uint32
	Flags       uint32
	Address     uint64
	Information []uint64
	RawContext  []byte
}

// Open reads the minidump file at path. Gzip-compressed dumps (as produced
// by the writer's compressing sink) are decompressed transparently.
func Open(path string) (*Minidump, error) {
	rawbuf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(rawbuf) > 2 && rawbuf[0] == 0x1f && rawbuf[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(rawbuf))
		if err != nil {
			return nil, err
		}
		rawbuf, err = io.ReadAll(gz)
		if err != nil {
			return nil, err
		}
	}
	return Parse(rawbuf)
}

// Parse loads a minidump from an in-memory buffer.
func Parse(raw []byte) (*Minidump, error) {
	log := logflags.ReaderLogger()

	buf := &mdbuf{buf: raw}
	mdmp := &Minidump{
		ThreadNames:              map[uint32]string{},
		BreakpadDumpThread:       -1,
		BreakpadRequestingThread: -1,
	}

	readHeader(mdmp, buf)
	if buf.err != nil {
		return nil, buf.err
	}
	log.Debugf("%d streams, directory at %#x", mdmp.streamNum, mdmp.streamOff)

	readDirectory(mdmp, buf)
	if buf.err != nil {
		return nil, buf.err
	}

	for i := range mdmp.Streams {
		stream := &mdmp.Streams[i]
		log.Debugf("stream %d: type:%s off:%#x size:%#x", i, stream.Type, stream.Offset, len(stream.RawData))
		switch stream.Type {
		case format.SystemInfoStream:
			readSystemInfo(mdmp, streamBuf(stream, raw, "system info"))
		case format.ThreadListStream:
			readThreadList(mdmp, streamBuf(stream, raw, "thread list"))
		case format.ModuleListStream:
			readModuleList(mdmp, streamBuf(stream, raw, "module list"))
		case format.MemoryListStream:
			readMemoryList(mdmp, streamBuf(stream, raw, "memory list"))
		case format.ExceptionStream:
			readException(mdmp, streamBuf(stream, raw, "exception"))
		case format.MiscInfoStream:
			readMiscInfo(mdmp, streamBuf(stream, raw, "misc info"))
		case format.ThreadNamesStream:
			readThreadNames(mdmp, streamBuf(stream, raw, "thread names"))
		case format.BreakpadInfoStream:
			readBreakpadInfo(mdmp, streamBuf(stream, raw, "breakpad info"))
		}
		if buf.err != nil {
			return nil, buf.err
		}
	}

	return mdmp, nil
}

func readHeader(mdmp *Minidump, buf *mdbuf) {
	buf.ctx = "reading minidump header"

	if sig := buf.u32(); sig != format.Signature {
		buf.err = ErrNotAMinidump{"signature", sig}
		return
	}
	if ver := uint32(buf.u16()); ver != format.Version {
		buf.err = ErrNotAMinidump{"version", ver}
		return
	}
	buf.u16() // implementation specific version
	mdmp.streamNum = buf.u32()
	mdmp.streamOff = buf.u32()
	buf.u32() // checksum, always 0
	mdmp.Timestamp = buf.u32()
	mdmp.Flags = buf.u64()
}

func readDirectory(mdmp *Minidump, buf *mdbuf) {
	buf.off = int(mdmp.streamOff)

	// bound the allocation by what the file could actually hold
	if max := uint32(len(buf.buf) / format.DirectorySize); mdmp.streamNum > max {
		buf.err = fmt.Errorf("stream count %d exceeds the %d directory entries that fit in the file", mdmp.streamNum, max)
		return
	}
	mdmp.Streams = make([]Stream, mdmp.streamNum)
	for i := range mdmp.Streams {
		buf.ctx = fmt.Sprintf("reading stream directory entry %d", i)
		stream := &mdmp.Streams[i]
		stream.Type = format.StreamType(buf.u32())
		stream.Offset, stream.RawData = readLocation(buf)
		if buf.err != nil {
			return
		}
	}
}

// readLocation reads a location descriptor and returns the offset it points
// at together with a slice of the file covering it.
func readLocation(buf *mdbuf) (off uint32, rawData []byte) {
	sz := buf.u32()
	off = buf.u32()
	if buf.err != nil {
		return off, nil
	}
	end := int(off) + int(sz)
	if int(off) > len(buf.buf) || end > len(buf.buf) {
		buf.err = fmt.Errorf("location at %#x of size %#x is past the end of file, while %s", off, sz, buf.ctx)
		return 0, nil
	}
	rawData = buf.buf[off:end]
	return off, rawData
}

// readString reads an MDString at the cursor: u32 byte length followed by
// UTF-16LE characters.
func readString(buf *mdbuf) string {
	startOff := buf.off
	sz := buf.u32()
	if buf.err != nil {
		return ""
	}
	end := buf.off + int(sz)
	if buf.off > len(buf.buf) || end > len(buf.buf) {
		buf.err = fmt.Errorf("string at %#x of size %#x is past the end of file, while %s", startOff, sz, buf.ctx)
		return ""
	}
	return decodeUTF16(buf.buf[buf.off:end])
}

func readStringAt(buf *mdbuf, off int) string {
	if off == 0 {
		return ""
	}
	sb := &mdbuf{buf: buf.buf, off: off, ctx: buf.ctx}
	s := readString(sb)
	if sb.err != nil {
		buf.err = sb.err
	}
	return s
}

// decodeUTF16 converts a (possibly NUL-terminated) UTF16LE string to UTF8.
func decodeUTF16(in []byte) string {
	units := make([]uint16, 0, len(in)/2)
	for i := 0; i+1 < len(in); i += 2 {
		units = append(units, uint16(in[i])|uint16(in[i+1])<<8)
	}
	s := string(utf16.Decode(units))
	if len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return s
}

func readSystemInfo(mdmp *Minidump, buf *mdbuf) {
	si := &SystemInfo{}
	si.Arch = format.Arch(buf.u16())
	si.ProcessorLevel = buf.u16()
	si.ProcessorRevision = buf.u16()
	si.NumberOfProcessors = buf.u8()
	si.ProductType = buf.u8()
	si.MajorVersion = buf.u32()
	si.MinorVersion = buf.u32()
	si.BuildNumber = buf.u32()
	si.Platform = format.PlatformID(buf.u32())
	csdRVA := buf.u32()
	if buf.err != nil {
		return
	}
	si.OSBuild = readStringAt(buf, int(csdRVA))
	mdmp.SystemInfo = si
}

func readThreadList(mdmp *Minidump, buf *mdbuf) {
	threadNum := buf.u32()
	if buf.err != nil {
		return
	}

	mdmp.Threads = make([]Thread, threadNum)
	for i := range mdmp.Threads {
		buf.ctx = fmt.Sprintf("reading thread list entry %d", i)
		thread := &mdmp.Threads[i]

		thread.ID = buf.u32()
		thread.SuspendCount = buf.u32()
		thread.PriorityClass = buf.u32()
		thread.Priority = buf.u32()
		thread.Teb = buf.u64()
		thread.StackStart = buf.u64()
		_, thread.StackData = readLocation(buf)
		_, thread.RawContext = readLocation(buf)
		if buf.err != nil {
			return
		}
	}
}

func readModuleList(mdmp *Minidump, buf *mdbuf) {
	moduleNum := buf.u32()
	if buf.err != nil {
		return
	}

	mdmp.Modules = make([]Module, moduleNum)
	for i := range mdmp.Modules {
		buf.ctx = fmt.Sprintf("reading module list entry %d", i)
		module := &mdmp.Modules[i]

		module.BaseOfImage = buf.u64()
		module.SizeOfImage = buf.u32()
		module.Checksum = buf.u32()
		module.TimeDateStamp = buf.u32()
		nameOff := buf.u32()
		for j := 0; j < 13; j++ {
			buf.u32() // VS_FIXEDFILEINFO
		}
		_, module.CVRecord = readLocation(buf)
		readLocation(buf) // misc record
		buf.u32()         // reserved0
		buf.u32()
		buf.u32() // reserved1
		buf.u32()
		if buf.err != nil {
			return
		}
		module.Name = readStringAt(buf, int(nameOff))
		if buf.err != nil {
			return
		}
	}
}

func readMemoryList(mdmp *Minidump, buf *mdbuf) {
	rangeNum := buf.u32()
	if buf.err != nil {
		return
	}
	for i := uint32(0); i < rangeNum; i++ {
		buf.ctx = fmt.Sprintf("reading memory range %d", i)
		addr := buf.u64()
		_, data := readLocation(buf)
		if buf.err != nil {
			return
		}
		mdmp.Memory = append(mdmp.Memory, MemoryRange{Addr: addr, Data: data})
	}
}

func readException(mdmp *Minidump, buf *mdbuf) {
	exc := &Exception{}
	exc.ThreadID = buf.u32()
	buf.u32() // alignment
	exc.Code = buf.u32()
	exc.Flags = buf.u32()
	buf.u64() // chained exception record
	exc.Address = buf.u64()
	numParams := buf.u32()
	buf.u32() // alignment
	info := make([]uint64, 0, 15)
	for i := 0; i < 15; i++ {
		info = append(info, buf.u64())
	}
	if numParams > 15 {
		numParams = 15
	}
	exc.Information = info[:numParams]
	_, exc.RawContext = readLocation(buf)
	if buf.err != nil {
		return
	}
	mdmp.Exception = exc
}

func readMiscInfo(mdmp *Minidump, buf *mdbuf) {
	buf.u32() // size of info
	buf.u32() // flags1
	mdmp.Pid = buf.u32()
	// the timing fields follow, the inspect command doesn't use them
}

func readThreadNames(mdmp *Minidump, buf *mdbuf) {
	nameNum := buf.u32()
	if buf.err != nil {
		return
	}
	for i := uint32(0); i < nameNum; i++ {
		buf.ctx = fmt.Sprintf("reading thread name entry %d", i)
		tid := buf.u32()
		nameRVA := buf.u64()
		if buf.err != nil {
			return
		}
		if nameRVA == 0 {
			continue
		}
		mdmp.ThreadNames[tid] = readStringAt(buf, int(nameRVA))
		if buf.err != nil {
			return
		}
	}
}

func readBreakpadInfo(mdmp *Minidump, buf *mdbuf) {
	validity := buf.u32()
	dumpThread := buf.u32()
	requestingThread := buf.u32()
	if buf.err != nil {
		return
	}
	if validity&format.BreakpadInfoValidDumpThreadID != 0 {
		mdmp.BreakpadDumpThread = int64(dumpThread)
	}
	if validity&format.BreakpadInfoValidRequestingThreadID != 0 {
		mdmp.BreakpadRequestingThread = int64(requestingThread)
	}
}
