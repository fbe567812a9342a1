package minidump

import (
	"encoding/binary"

	"github.com/go-minidump/minidump/pkg/format"
)

// writeBreakpadInfo records which thread wrote the dump and which thread the
// dump is about, so that analyzers can deprioritize the handler thread.
// Best effort: with no crash context there is nothing to attribute and the
// stream is omitted.
func (d *dumper) writeBreakpadInfo() (format.Directory, error) {
	if d.cctx == nil {
		return format.Directory{}, &StreamRejectedError{
			Type:   format.BreakpadInfoStream,
			Reason: "no crash context supplied",
		}
	}

	info := format.BreakpadInfo{
		Validity:           format.BreakpadInfoValidRequestingThreadID,
		RequestingThreadID: d.cctx.ThreadID,
	}
	if d.cctx.HandlerThreadID != 0 {
		info.Validity |= format.BreakpadInfoValidDumpThreadID
		info.DumpThreadID = d.cctx.HandlerThreadID
	}

	rva, err := d.buf.Append(info.Encode(), 4)
	if err != nil {
		return format.Directory{}, err
	}
	return format.Directory{
		StreamType: format.BreakpadInfoStream,
		Location:   format.LocationDescriptor{DataSize: format.BreakpadInfoSize, RVA: rva},
	}, nil
}

// writeThreadNames writes a name for every thread captured by the thread
// list. A thread whose name is unknown gets a zero RVA, which consumers
// treat as "no name" rather than an empty string.
func (d *dumper) writeThreadNames() (format.Directory, error) {
	infos := d.threads
	if infos == nil {
		// Thread list stream not configured; take a fresh snapshot.
		ids, err := d.threadIDs()
		if err != nil {
			return format.Directory{}, err
		}
		for _, tid := range ids {
			info, err := d.acc.ThreadState(tid)
			if err != nil {
				continue
			}
			infos = append(infos, info)
		}
	}

	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(infos)))
	countRVA, err := d.buf.Append(count[:], 4)
	if err != nil {
		return format.Directory{}, err
	}
	arrayRVA, err := d.buf.Allocate(len(infos)*format.ThreadNameSize, 4)
	if err != nil {
		return format.Directory{}, err
	}

	for i, info := range infos {
		entry := format.ThreadName{ThreadID: info.ID}
		if info.Name != "" {
			loc, err := writeString(d.buf, info.Name)
			if err != nil {
				return format.Directory{}, err
			}
			entry.ThreadNameRVA = uint64(loc.RVA)
		}
		d.buf.WriteAt(arrayRVA+format.RVA(i*format.ThreadNameSize), entry.Encode())
	}

	return format.Directory{
		StreamType: format.ThreadNamesStream,
		Location: format.LocationDescriptor{
			DataSize: uint32(4 + len(infos)*format.ThreadNameSize),
			RVA:      countRVA,
		},
	}, nil
}
