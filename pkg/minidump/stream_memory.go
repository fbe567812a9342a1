package minidump

import (
	"encoding/binary"

	"github.com/go-minidump/minidump/pkg/format"
	"github.com/go-minidump/minidump/pkg/proc"
)

// writeMemoryList indexes every raw memory block written so far (the thread
// stacks), plus bounded windows around the faulting address and around the
// crashing thread's instruction pointer. The two windows are distinct: for a
// bad memory access the referenced address and the faulting instruction live
// in different mappings.
func (d *dumper) writeMemoryList() (format.Directory, error) {
	blocks := make([]format.MemoryDescriptor, len(d.memoryBlocks))
	copy(blocks, d.memoryBlocks)

	if d.cctx != nil {
		if d.cctx.FaultAddress != 0 {
			if desc, ok, err := d.captureWindow(d.cctx.FaultAddress); err != nil {
				return format.Directory{}, err
			} else if ok {
				blocks = append(blocks, desc)
			}
		}
		if ip := d.crashIP(); ip != 0 && ip != d.cctx.FaultAddress {
			if desc, ok, err := d.captureWindow(ip); err != nil {
				return format.Directory{}, err
			} else if ok {
				blocks = append(blocks, desc)
			}
		}
	}

	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(blocks)))
	countRVA, err := d.buf.Append(count[:], 4)
	if err != nil {
		return format.Directory{}, err
	}
	arrayRVA, err := d.buf.Allocate(len(blocks)*format.MemoryDescSize, 4)
	if err != nil {
		return format.Directory{}, err
	}
	for i := range blocks {
		d.buf.WriteAt(arrayRVA+format.RVA(i*format.MemoryDescSize), blocks[i].Encode())
	}

	return format.Directory{
		StreamType: format.MemoryListStream,
		Location: format.LocationDescriptor{
			DataSize: uint32(4 + len(blocks)*format.MemoryDescSize),
			RVA:      countRVA,
		},
	}, nil
}

// crashIP returns the crashing thread's instruction pointer, preferring the
// registers captured by the crash front end over the thread's current state.
func (d *dumper) crashIP() uint64 {
	if d.cctx.Context != nil {
		return d.cctx.Context.InstructionPointer()
	}
	for _, info := range d.threads {
		if info.ID == d.cctx.ThreadID {
			return info.ProgramCounter()
		}
	}
	return 0
}

// captureWindow saves the memory surrounding addr, clamped to the containing
// region. The containment test is half-open: an address equal to a region's
// end does not belong to it. An unmapped address (common for wild pointer
// dereferences) is skipped, not an error.
func (d *dumper) captureWindow(addr uint64) (format.MemoryDescriptor, bool, error) {
	r := proc.FindRegion(d.memoryRegions(), addr)
	if r == nil {
		d.log.WithField("addr", addr).Debug("address not mapped, window skipped")
		return format.MemoryDescriptor{}, false, nil
	}

	half := uint64(d.opts.FaultWindow) / 2
	start := addr - half
	if start < r.Base || start > addr {
		start = r.Base
	}
	end := addr + half
	if end > r.End() {
		end = r.End()
	}

	data := make([]byte, end-start)
	if err := d.acc.ReadMemory(data, start); err != nil {
		d.log.WithError(err).Debug("window read failed, skipped")
		return format.MemoryDescriptor{}, false, nil
	}

	rva, err := d.buf.Append(data, 16)
	if err != nil {
		return format.MemoryDescriptor{}, false, err
	}
	return format.MemoryDescriptor{
		StartOfMemoryRange: start,
		Memory:             format.LocationDescriptor{DataSize: uint32(len(data)), RVA: rva},
	}, true, nil
}
