package minidump

import (
	"encoding/binary"

	"github.com/go-minidump/minidump/pkg/format"
	"github.com/go-minidump/minidump/pkg/proc"
)

// Sentinel values stored as the stack contents when the real stack could not
// be captured, so that consumers can tell the two failure modes apart.
const (
	stackPointerNull = 0xdeadbeef // the thread's stack pointer was 0
	stackReadFailed  = 0xdeaddead // the stack memory could not be read
)

// writeThreadList writes one entry per enumerated thread. A thread that
// vanishes or whose state read fails is skipped without dropping the others,
// so the stream may contain fewer threads than were enumerated.
func (d *dumper) writeThreadList() (format.Directory, error) {
	ids, err := d.threadIDs()
	if err != nil {
		return format.Directory{}, err
	}

	infos := make([]*proc.ThreadInfo, 0, len(ids))
	for _, tid := range ids {
		info, err := d.acc.ThreadState(tid)
		if err != nil {
			if proc.IsThreadGone(err) {
				d.log.WithField("thread", tid).Debug("thread exited during dump, skipped")
			} else {
				d.log.WithError(err).WithField("thread", tid).Warn("thread state unavailable, skipped")
			}
			continue
		}
		if d.cctx != nil && tid == d.cctx.ThreadID && d.cctx.Context != nil {
			// The crash-time registers captured by the exception front end
			// are more accurate than whatever the thread looks like now.
			info.Context = d.cctx.Context
		}
		infos = append(infos, info)
	}
	d.threads = infos

	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(infos)))
	countRVA, err := d.buf.Append(count[:], 4)
	if err != nil {
		return format.Directory{}, err
	}
	arrayRVA, err := d.buf.Allocate(len(infos)*format.ThreadSize, 4)
	if err != nil {
		return format.Directory{}, err
	}

	for i, info := range infos {
		th := format.Thread{
			ThreadID:     info.ID,
			SuspendCount: info.SuspendCount,
			// The native scheduler may only expose a scheduling class, not
			// a numeric priority; the class value is stored here as an
			// approximation.
			Priority: info.SchedClass,
		}

		ctxRVA, err := d.buf.Append(info.Context.Encode(), 16)
		if err != nil {
			return format.Directory{}, err
		}
		th.ThreadContext = format.LocationDescriptor{
			DataSize: uint32(len(info.Context.Encode())),
			RVA:      ctxRVA,
		}

		if err := d.captureStack(info, &th); err != nil {
			return format.Directory{}, err
		}

		d.buf.WriteAt(arrayRVA+format.RVA(i*format.ThreadSize), th.Encode())
	}

	return format.Directory{
		StreamType: format.ThreadListStream,
		Location: format.LocationDescriptor{
			DataSize: uint32(4 + len(infos)*format.ThreadSize),
			RVA:      countRVA,
		},
	}, nil
}

// captureStack saves the memory around the thread's stack pointer into the
// buffer and records it both in the thread entry and in the dump's memory
// block list. Unreadable or absent stacks are replaced by a sentinel block.
// Only buffer exhaustion is returned as an error.
func (d *dumper) captureStack(info *proc.ThreadInfo, th *format.Thread) error {
	sp := info.StackPointer()
	start, size := d.stackRange(sp)

	var data []byte
	if size != 0 {
		data = make([]byte, size)
		if err := d.acc.ReadMemory(data, start); err != nil {
			d.log.WithError(err).WithField("thread", info.ID).Warn("stack read failed")
			data = nil
		}
	}

	if data == nil {
		sentinel := uint64(stackReadFailed)
		if size == 0 {
			sentinel = stackPointerNull
		}
		var block [16]byte
		binary.LittleEndian.PutUint64(block[:8], sentinel)
		binary.LittleEndian.PutUint64(block[8:], sentinel)
		rva, err := d.buf.Append(block[:], 16)
		if err != nil {
			return err
		}
		th.Stack = format.MemoryDescriptor{
			StartOfMemoryRange: sentinel,
			Memory:             format.LocationDescriptor{DataSize: 16, RVA: rva},
		}
		d.memoryBlocks = append(d.memoryBlocks, th.Stack)
		return nil
	}

	if d.opts.SanitizeStacks {
		d.sanitizeStack(data, start, sp)
	}

	rva, err := d.buf.Append(data, 16)
	if err != nil {
		return err
	}
	th.Stack = format.MemoryDescriptor{
		StartOfMemoryRange: start,
		Memory:             format.LocationDescriptor{DataSize: uint32(len(data)), RVA: rva},
	}
	d.memoryBlocks = append(d.memoryBlocks, th.Stack)
	return nil
}

// stackRange locates the mapped stack region for a stack pointer. The
// pointer is rounded down to a page so data just below it is captured too.
// If the pointer lands in a guard page (no permissions or unmapped) the
// probe walks towards higher addresses, since stacks grow down; guard pages
// have been up to 1 MiB since kernel 4.12. Abutting readable regions are
// coalesced because a stack can be split by mprotect or setrlimit.
func (d *dumper) stackRange(sp uint64) (start, size uint64) {
	if sp == 0 {
		return 0, 0
	}
	page := d.host.PageSize
	if page == 0 {
		page = 4096
	}

	probe := sp &^ (page - 1)
	regions := d.memoryRegions()
	r := proc.FindRegion(regions, probe)
	guardMax := probe + 1024*1024
	for !maybeStack(r) && probe <= guardMax {
		probe += page
		r = proc.FindRegion(regions, probe)
	}
	if r == nil {
		return 0, 0
	}

	start = probe
	end := r.End()
	for {
		next := proc.FindRegion(regions, end)
		if next == nil || next.Base != end || !next.Read {
			break
		}
		end = next.End()
	}

	size = end - start
	if size > uint64(d.opts.StackWindow) {
		size = uint64(d.opts.StackWindow)
	}
	return start, size
}

func maybeStack(r *proc.MemoryRegion) bool {
	return r != nil && (r.Read || r.Write)
}

const defacedPattern = 0x0defaced0defaced

// sanitizeStack scrubs potential PII from a captured stack: memory below the
// stack pointer is zeroed, and pointer-sized words are replaced with a
// recognizable pattern unless they are small integers, point back into the
// stack, or point into an executable mapping (likely return addresses).
func (d *dumper) sanitizeStack(data []byte, start, sp uint64) {
	const wordSize = 8

	offset := int(sp - start)
	if offset < 0 || offset > len(data) {
		offset = 0
	}
	offset = (offset + wordSize - 1) &^ (wordSize - 1)
	for i := 0; i < offset && i < len(data); i++ {
		data[i] = 0
	}

	regions := d.memoryRegions()
	stackRegion := proc.FindRegion(regions, sp)

	const smallIntMagnitude = 4096

	i := offset
	for ; i+wordSize <= len(data); i += wordSize {
		word := binary.LittleEndian.Uint64(data[i : i+wordSize])
		if word <= smallIntMagnitude || int64(word) >= -smallIntMagnitude && int64(word) < 0 {
			continue
		}
		if stackRegion != nil && stackRegion.Contains(word) {
			continue
		}
		if hit := proc.FindRegion(regions, word); hit != nil && hit.Exec {
			continue
		}
		binary.LittleEndian.PutUint64(data[i:i+wordSize], defacedPattern)
	}
	// zero any partial word at the top of the stack
	for ; i < len(data); i++ {
		data[i] = 0
	}
}
