package minidump

import (
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// WriteTo writes the assembled dump to w.
func (r *Result) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes)
	return int64(n), err
}

// WriteFile writes the assembled dump to path, gzip-compressing it when
// compress is set. Crash archives are mostly zero pages and compress well.
func (r *Result) WriteFile(path string, compress bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(r.Bytes); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return f.Sync()
}
