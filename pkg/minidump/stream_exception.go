package minidump

import "github.com/go-minidump/minidump/pkg/format"

// writeException records the crash that triggered the dump. The exception
// code is validated against the set the platform actually raises; a spurious
// code causes the stream to be omitted rather than writing a bogus record.
func (d *dumper) writeException() (format.Directory, error) {
	if d.cctx == nil {
		return format.Directory{}, &StreamRejectedError{
			Type:   format.ExceptionStream,
			Reason: "no crash context supplied",
		}
	}
	if !d.acc.KnownException(d.cctx.ExceptionCode) {
		return format.Directory{}, &StreamRejectedError{
			Type:   format.ExceptionStream,
			Reason: "exception code not raised by this platform",
		}
	}

	var ctxLoc format.LocationDescriptor
	ctx := d.cctx.Context
	if ctx == nil {
		// No registers captured at crash time; fall back to the thread's
		// current state. If the thread is gone the context stays empty,
		// which the format permits.
		if info, err := d.acc.ThreadState(d.cctx.ThreadID); err == nil {
			ctx = info.Context
		} else {
			d.log.WithError(err).Warn("faulting thread state unavailable")
		}
	}
	if ctx != nil {
		enc := ctx.Encode()
		rva, err := d.buf.Append(enc, 16)
		if err != nil {
			return format.Directory{}, err
		}
		ctxLoc = format.LocationDescriptor{DataSize: uint32(len(enc)), RVA: rva}
	}

	body := format.ExceptionStreamBody{
		ThreadID: d.cctx.ThreadID,
		ExceptionRecord: format.Exception{
			ExceptionCode:    d.cctx.ExceptionCode,
			ExceptionFlags:   uint32(d.cctx.ExceptionSubcode),
			ExceptionAddress: d.cctx.FaultAddress,
		},
		ThreadContext: ctxLoc,
	}
	if d.cctx.ExceptionSubcode != 0 {
		body.ExceptionRecord.NumberParameters = 1
		body.ExceptionRecord.ExceptionInformation[0] = d.cctx.ExceptionSubcode
	}

	rva, err := d.buf.Append(body.Encode(), 8)
	if err != nil {
		return format.Directory{}, err
	}
	return format.Directory{
		StreamType: format.ExceptionStream,
		Location:   format.LocationDescriptor{DataSize: format.ExceptionStreamSize, RVA: rva},
	}, nil
}
