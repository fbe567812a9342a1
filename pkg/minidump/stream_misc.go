package minidump

import "github.com/go-minidump/minidump/pkg/format"

// writeMiscInfo writes process-level timing counters. Fields the platform
// could not supply are left zero and masked out of Flags1 instead of failing
// the stream.
func (d *dumper) writeMiscInfo() (format.Directory, error) {
	info := format.MiscInfo2{
		SizeOfInfo: format.MiscInfo2Size,
		Flags1:     format.MiscInfoProcessID,
		ProcessID:  uint32(d.acc.Pid()),
	}

	times, err := d.acc.ProcessTimes()
	if err != nil {
		d.log.WithError(err).Debug("process times unavailable")
	} else if times.CreateTime != 0 {
		info.Flags1 |= format.MiscInfoProcessTimes
		info.ProcessCreateTime = times.CreateTime
		info.ProcessUserTime = times.UserTime
		info.ProcessKernelTime = times.KernelTime
	}

	rva, err := d.buf.Append(info.Encode(), 4)
	if err != nil {
		return format.Directory{}, err
	}
	return format.Directory{
		StreamType: format.MiscInfoStream,
		Location:   format.LocationDescriptor{DataSize: format.MiscInfo2Size, RVA: rva},
	}, nil
}
