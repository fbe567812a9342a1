package reader

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-minidump/minidump/pkg/format"
)

// minimalDump assembles a header with an empty stream directory by hand.
func minimalDump() []byte {
	hdr := format.Header{
		Signature:          format.Signature,
		Version:            format.Version,
		StreamCount:        0,
		StreamDirectoryRVA: format.HeaderSize,
		TimeDateStamp:      0x11223344,
	}
	return hdr.Encode()
}

func TestParseMinimal(t *testing.T) {
	mdmp, err := Parse(minimalDump())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if mdmp.Timestamp != 0x11223344 {
		t.Errorf("timestamp = %#x", mdmp.Timestamp)
	}
	if len(mdmp.Streams) != 0 {
		t.Errorf("streams = %d, want 0", len(mdmp.Streams))
	}
	if mdmp.BreakpadDumpThread != -1 || mdmp.BreakpadRequestingThread != -1 {
		t.Error("breakpad thread ids not defaulted to -1")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("this is not a dump file at all!!"))
	var notdump ErrNotAMinidump
	if !errors.As(err, &notdump) {
		t.Fatalf("expected ErrNotAMinidump, got %v", err)
	}
}

func TestParseRejectsWrongVersion(t *testing.T) {
	raw := minimalDump()
	binary.LittleEndian.PutUint16(raw[4:], 0x1234)
	_, err := Parse(raw)
	var notdump ErrNotAMinidump
	if !errors.As(err, &notdump) {
		t.Fatalf("expected ErrNotAMinidump, got %v", err)
	}
}

func TestParseTruncatedHeader(t *testing.T) {
	raw := minimalDump()
	if _, err := Parse(raw[:10]); err == nil {
		t.Error("truncated header parsed without error")
	}
}

func TestParseDirectoryPastEnd(t *testing.T) {
	raw := minimalDump()
	binary.LittleEndian.PutUint32(raw[8:], 4)         // stream count
	binary.LittleEndian.PutUint32(raw[12:], 0x100000) // directory rva
	if _, err := Parse(raw); err == nil {
		t.Error("out of bounds directory parsed without error")
	}
}

func TestParseHugeStreamCount(t *testing.T) {
	// a forged stream count must fail cleanly instead of sizing an
	// allocation from attacker-controlled input
	raw := minimalDump()
	binary.LittleEndian.PutUint32(raw[8:], 0xffffffff)
	if _, err := Parse(raw); err == nil {
		t.Error("absurd stream count parsed without error")
	}
}

func TestOpenGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mini.dmp.gz")

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(minimalDump()); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, compressed.Bytes(), 0o640); err != nil {
		t.Fatal(err)
	}

	mdmp, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if mdmp.Timestamp != 0x11223344 {
		t.Errorf("timestamp = %#x", mdmp.Timestamp)
	}
}
