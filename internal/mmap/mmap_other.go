//go:build !unix

package mmap

import (
	"io"
	"os"
)

// Fallback: read the whole file. Callers get the same Bytes view, just
// without the zero-copy property.
func osMap(f *os.File, size int) ([]byte, bool, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, false, err
	}
	return data, false, nil
}

func osUnmap([]byte) error { return nil }
