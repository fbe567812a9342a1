package minidump

import (
	"encoding/binary"

	"github.com/go-minidump/minidump/pkg/format"
)

// writeModuleList writes one entry per loaded module. Consumers assume the
// first entry is the main executable, so the module containing the entry
// point is moved to the front when the platform's enumeration order differs.
func (d *dumper) writeModuleList() (format.Directory, error) {
	mods, err := d.acc.Modules()
	if err != nil {
		return format.Directory{}, err
	}

	for i := range mods {
		if mods[i].EntryPoint && i != 0 {
			mods[0], mods[i] = mods[i], mods[0]
			break
		}
	}

	raws := make([]format.Module, 0, len(mods))
	for i := range mods {
		mod := &mods[i]
		raw := format.Module{
			BaseOfImage: mod.Base,
			SizeOfImage: uint32(mod.Size),
		}

		if mod.Path != "" {
			loc, err := writeString(d.buf, mod.Path)
			if err != nil {
				return format.Directory{}, err
			}
			raw.ModuleNameRVA = loc.RVA
		}

		if mod.Version != 0 {
			raw.VersionInfo = versionInfo(mod.Version)
		}

		if len(mod.BuildID) > 0 {
			loc, err := d.writeCVRecord(mod.BuildID)
			if err != nil {
				return format.Directory{}, err
			}
			raw.CVRecord = loc
		}

		raws = append(raws, raw)
	}

	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(raws)))
	countRVA, err := d.buf.Append(count[:], 4)
	if err != nil {
		return format.Directory{}, err
	}
	arrayRVA, err := d.buf.Allocate(len(raws)*format.ModuleSize, 4)
	if err != nil {
		return format.Directory{}, err
	}
	for i := range raws {
		d.buf.WriteAt(arrayRVA+format.RVA(i*format.ModuleSize), raws[i].Encode())
	}

	return format.Directory{
		StreamType: format.ModuleListStream,
		Location: format.LocationDescriptor{
			DataSize: uint32(4 + len(raws)*format.ModuleSize),
			RVA:      countRVA,
		},
	}, nil
}

// writeCVRecord writes the CodeView record identifying a module build. On
// Darwin targets the LC_UUID becomes a PDB70 record (16 byte GUID plus age);
// everywhere else the raw ELF build id is stored behind the Breakpad ELF
// signature.
func (d *dumper) writeCVRecord(buildID []byte) (format.LocationDescriptor, error) {
	var rec []byte
	switch d.host.Platform {
	case format.PlatformMacOS, format.PlatformIOS:
		rec = make([]byte, 4+16+4)
		binary.LittleEndian.PutUint32(rec[:4], format.CVSignaturePDB70)
		copy(rec[4:20], buildID)
		// age stays 0
	default:
		rec = make([]byte, 4+len(buildID))
		binary.LittleEndian.PutUint32(rec[:4], format.CVSignatureELF)
		copy(rec[4:], buildID)
	}
	rva, err := d.buf.Append(rec, 4)
	if err != nil {
		return format.LocationDescriptor{}, err
	}
	return format.LocationDescriptor{DataSize: uint32(len(rec)), RVA: rva}, nil
}

// versionInfo expands a Darwin-style packed version (0xAAAABBCC:
// major.minor.patch) into the VS_FIXEDFILEINFO record minidump consumers
// expect.
func versionInfo(v uint32) format.VSFixedFileInfo {
	major := (v >> 16) & 0xffff
	minor := (v >> 8) & 0xff
	patch := v & 0xff
	return format.VSFixedFileInfo{
		Signature:        0xfeef04bd, // VS_FFI_SIGNATURE
		StructVersion:    0x00010000, // VS_FFI_STRUCVERSION
		FileVersionHi:    major<<16 | minor,
		FileVersionLo:    patch << 16,
		ProductVersionHi: major<<16 | minor,
		ProductVersionLo: patch << 16,
		FileFlagsMask:    0x3f,       // VS_FFI_FILEFLAGSMASK
		FileOS:           0x00040004, // VOS_UNKNOWN
		FileType:         0x00000001, // VFT_APP
	}
}
