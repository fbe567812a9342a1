package minidump

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-minidump/minidump/pkg/format"
	"github.com/go-minidump/minidump/pkg/logflags"
	"github.com/go-minidump/minidump/pkg/proc"
)

// StreamRejectedError is returned by a section writer whose semantic
// validation failed, e.g. an exception code the platform never raises. The
// stream is omitted rather than written with bogus content.
type StreamRejectedError struct {
	Type   format.StreamType
	Reason string
}

func (err *StreamRejectedError) Error() string {
	return fmt.Sprintf("stream %s rejected: %s", err.Type, err.Reason)
}

// DefaultStreams is the full set of streams, in the fixed order they are
// written: system facts first so a truncated dump is still attributable,
// the exception record early, the bulky lists after, auxiliary metadata
// last. Configuration can drop streams from this set but never reorders it.
var DefaultStreams = []format.StreamType{
	format.SystemInfoStream,
	format.ExceptionStream,
	format.ThreadListStream,
	format.MemoryListStream,
	format.ModuleListStream,
	format.MiscInfoStream,
	format.BreakpadInfoStream,
	format.ThreadNamesStream,
}

const (
	// DefaultStackWindow bounds the number of bytes captured for one
	// thread's stack.
	DefaultStackWindow = 512 * 1024
	// DefaultFaultWindow is the number of bytes captured around the
	// faulting address.
	DefaultFaultWindow = 256
)

// Options configures a dump.
type Options struct {
	// Streams selects which streams to include. Nil means DefaultStreams.
	// The selection is a filter: streams are always written in the fixed
	// DefaultStreams order.
	Streams []format.StreamType

	// StackWindow bounds the bytes captured per thread stack. 0 means
	// DefaultStackWindow.
	StackWindow int

	// FaultWindow is the size of the memory window captured around the
	// crash context's faulting address. 0 means DefaultFaultWindow.
	FaultWindow int

	// SanitizeStacks defaces non-pointer data in captured stacks, keeping
	// small integers and addresses that point into executable mappings.
	SanitizeStacks bool

	// BufferLimit bounds the size of the assembled dump. 0 means unlimited.
	BufferLimit int

	// Buffer supplies a preallocated dump buffer, so a signal handler can
	// set up all storage before the crash. The buffer's own limit governs;
	// nil means allocate one bounded by BufferLimit.
	Buffer *Buffer

	// Clock supplies the header timestamp; nil means time.Now. Tests use
	// this to produce byte-identical dumps.
	Clock func() time.Time
}

// StreamOmission records an optional stream that was left out of the dump
// and why.
type StreamOmission struct {
	Type   format.StreamType
	Reason error
}

// Result is the outcome of a dump: either a complete file, or a best-effort
// partial file together with the list of omitted streams. A silently
// truncated or corrupt file is never produced.
type Result struct {
	// Bytes is the assembled minidump.
	Bytes []byte

	// Directory lists the streams present in the file.
	Directory []format.Directory

	// Omitted lists the configured streams that could not be written.
	Omitted []StreamOmission

	// Truncated reports that the buffer limit was reached before all
	// configured streams were written. The file is still well formed.
	Truncated bool
}

// dump phases; the orchestrator moves through them strictly in order, except
// that detach runs on every exit path.
type phase int

const (
	phaseIdle phase = iota
	phaseAttached
	phaseWriting
	phaseFinalizing
	phaseDone
)

// dumper holds the state shared by the section writers during one dump.
type dumper struct {
	opts Options
	buf  *Buffer
	acc  proc.Accessor
	cctx *proc.CrashContext
	host *proc.HostInfo

	phase phase
	log   logflags.Logger

	// regions caches the target's memory map; read at most once per dump.
	regions       []proc.MemoryRegion
	regionsLoaded bool

	// threads is the state captured by the thread list writer, reused by
	// the thread names writer so both streams describe the same snapshot.
	threads []*proc.ThreadInfo

	// memoryBlocks collects the memory ranges referenced by other streams
	// (thread stacks, the fault window); the memory list stream indexes
	// them.
	memoryBlocks []format.MemoryDescriptor
}

type streamWriter func(*dumper) (format.Directory, error)

func (d *dumper) writerFor(st format.StreamType) streamWriter {
	switch st {
	case format.SystemInfoStream:
		return (*dumper).writeSystemInfo
	case format.ExceptionStream:
		return (*dumper).writeException
	case format.ThreadListStream:
		return (*dumper).writeThreadList
	case format.MemoryListStream:
		return (*dumper).writeMemoryList
	case format.ModuleListStream:
		return (*dumper).writeModuleList
	case format.MiscInfoStream:
		return (*dumper).writeMiscInfo
	case format.BreakpadInfoStream:
		return (*dumper).writeBreakpadInfo
	case format.ThreadNamesStream:
		return (*dumper).writeThreadNames
	}
	return nil
}

// Dump captures the state of the process behind acc into a minidump. cctx
// may be nil for on-demand dumps of healthy processes. The accessor is
// detached before Dump returns, on every path.
//
// The returned error is non-nil only for fatal failures (host facts
// unavailable, buffer exhausted before any stream completed, directory
// write failure); every other failure degrades to an entry in
// Result.Omitted.
func Dump(acc proc.Accessor, cctx *proc.CrashContext, opts Options) (*Result, error) {
	if opts.StackWindow == 0 {
		opts.StackWindow = DefaultStackWindow
	}
	if opts.FaultWindow == 0 {
		opts.FaultWindow = DefaultFaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	buf := opts.Buffer
	if buf == nil {
		buf = NewBuffer(opts.BufferLimit, 0)
	}

	d := &dumper{
		opts:  opts,
		buf:   buf,
		acc:   acc,
		cctx:  cctx,
		phase: phaseAttached,
		log:   logflags.WriterLogger(),
	}
	defer func() {
		if err := acc.Detach(); err != nil {
			d.log.WithError(err).Error("detach failed")
		}
	}()

	host, err := acc.Host()
	if err != nil {
		// Without host facts the dump cannot be interpreted at all.
		return nil, fmt.Errorf("reading host information: %w", err)
	}
	d.host = host

	hdrRVA, err := d.buf.Allocate(format.HeaderSize, 1)
	if err != nil {
		return nil, err
	}
	if hdrRVA != 0 {
		panic("minidump: header not at offset 0")
	}

	d.phase = phaseWriting
	res := &Result{}
	selected := opts.Streams
	if selected == nil {
		selected = DefaultStreams
	}
	want := make(map[format.StreamType]bool, len(selected))
	for _, st := range selected {
		want[st] = true
	}

	for _, st := range DefaultStreams {
		if !want[st] {
			continue
		}
		if res.Truncated {
			res.Omitted = append(res.Omitted, StreamOmission{Type: st, Reason: errors.New("buffer exhausted")})
			continue
		}
		dirent, err := d.writerFor(st)(d)
		if err == nil {
			res.Directory = append(res.Directory, dirent)
			d.log.WithField("stream", st.String()).Debugf("wrote %d bytes at %#x", dirent.Location.DataSize, dirent.Location.RVA)
			continue
		}
		var exhausted *BufferExhaustedError
		if errors.As(err, &exhausted) {
			// Fatal for the remaining writers, but the directory for the
			// streams already written is still finalized below.
			d.log.WithError(err).Error("dump truncated")
			res.Truncated = true
			res.Omitted = append(res.Omitted, StreamOmission{Type: st, Reason: err})
			continue
		}
		if st == format.SystemInfoStream {
			// A dump without system facts is meaningless.
			return nil, fmt.Errorf("writing system info: %w", err)
		}
		d.log.WithError(err).WithField("stream", st.String()).Warn("stream omitted")
		res.Omitted = append(res.Omitted, StreamOmission{Type: st, Reason: err})
	}

	d.phase = phaseFinalizing
	// The directory is exempt from the limit: streams already written must
	// stay reachable even when the limit was hit mid-dump.
	dirRVA := d.buf.allocateFinal(len(res.Directory)*format.DirectorySize, 4)
	for i := range res.Directory {
		d.buf.WriteAt(dirRVA+format.RVA(i*format.DirectorySize), res.Directory[i].Encode())
	}

	hdr := format.Header{
		Signature:          format.Signature,
		Version:            format.Version,
		StreamCount:        uint32(len(res.Directory)),
		StreamDirectoryRVA: dirRVA,
		Checksum:           0, // always 0 in practice
		TimeDateStamp:      uint32(opts.Clock().Unix()),
		Flags:              0,
	}
	d.buf.WriteAt(hdrRVA, hdr.Encode())

	d.phase = phaseDone
	res.Bytes = d.buf.Bytes()
	return res, nil
}

// memoryRegions returns the target's memory map, reading it on first use.
func (d *dumper) memoryRegions() []proc.MemoryRegion {
	if !d.regionsLoaded {
		regions, err := d.acc.MemoryRegions()
		if err != nil {
			d.log.WithError(err).Warn("memory region enumeration failed")
		}
		d.regions = regions
		d.regionsLoaded = true
	}
	return d.regions
}

// threadIDs enumerates the target's threads, excluding the thread the dump
// is being written from.
func (d *dumper) threadIDs() ([]uint32, error) {
	ids, err := d.acc.ThreadIDs()
	if err != nil {
		return nil, err
	}
	if d.cctx == nil || d.cctx.HandlerThreadID == 0 {
		return ids, nil
	}
	out := ids[:0]
	for _, id := range ids {
		if id != d.cctx.HandlerThreadID {
			out = append(out, id)
		}
	}
	return out, nil
}
