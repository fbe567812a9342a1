package minidump

import "github.com/go-minidump/minidump/pkg/format"

// writeSystemInfo writes the static host facts. Failure here is fatal: a
// dump whose architecture and OS are unknown cannot be analyzed at all.
func (d *dumper) writeSystemInfo() (format.Directory, error) {
	rva, err := d.buf.Allocate(format.SystemInfoSize, 4)
	if err != nil {
		return format.Directory{}, err
	}

	csd, err := writeString(d.buf, d.host.OSBuild)
	if err != nil {
		return format.Directory{}, err
	}

	productType := uint8(0)
	if d.host.Platform == format.PlatformIOS || d.host.Platform == format.PlatformAndroid {
		productType = 1 // mobile device
	}

	info := format.SystemInfo{
		ProcessorArchitecture: d.host.Arch,
		ProcessorLevel:        d.host.ProcessorLevel,
		ProcessorRevision:     d.host.ProcessorRevision,
		NumberOfProcessors:    d.host.NumberOfCPUs,
		ProductType:           productType,
		MajorVersion:          d.host.MajorVersion,
		MinorVersion:          d.host.MinorVersion,
		BuildNumber:           d.host.BuildNumber,
		PlatformID:            d.host.Platform,
		CSDVersionRVA:         csd.RVA,
	}
	d.buf.WriteAt(rva, info.Encode())

	return format.Directory{
		StreamType: format.SystemInfoStream,
		Location:   format.LocationDescriptor{DataSize: format.SystemInfoSize, RVA: rva},
	}, nil
}
