package segcodec

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/snapdb/blobstore"
)

// VectorFormat encodes raw vector blocks as a uint64 payload size followed
// by the payload bytes.
type VectorFormat struct{}

// NewVectorFormat creates a new raw vector format codec.
func NewVectorFormat() *VectorFormat {
	return &VectorFormat{}
}

// Write stores the raw vector block under the given blob name.
func (f *VectorFormat) Write(ctx context.Context, store blobstore.BlobStore, name string, data []byte) error {
	w, err := store.Create(ctx, name)
	if err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(data))); err != nil {
		_ = w.Close()
		return fmt.Errorf("write vectors %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write vectors %s: %w", name, err)
	}
	return w.Close()
}

// Read loads the whole raw vector block.
func (f *VectorFormat) Read(ctx context.Context, store blobstore.BlobStore, name string) ([]byte, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	size, err := f.readHeader(ctx, b, name)
	if err != nil {
		return nil, err
	}
	return readExactly(ctx, b, 8, int64(size))
}

// ReadSlice loads num bytes of vector data starting at off within the
// payload, without touching the rest of the block.
func (f *VectorFormat) ReadSlice(ctx context.Context, store blobstore.BlobStore, name string, off, num int64) ([]byte, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	size, err := f.readHeader(ctx, b, name)
	if err != nil {
		return nil, err
	}
	if off < 0 || num < 0 || off+num > int64(size) {
		return nil, fmt.Errorf("%w: vectors %s slice [%d,%d) exceeds payload size %d", ErrCorrupt, name, off, off+num, size)
	}
	return readExactly(ctx, b, 8+off, num)
}

func (f *VectorFormat) readHeader(ctx context.Context, b blobstore.Blob, name string) (uint64, error) {
	var hdr [8]byte
	if _, err := b.ReadAt(ctx, hdr[:], 0); err != nil && err != io.EOF {
		return 0, err
	}

	size := binary.LittleEndian.Uint64(hdr[:])
	if int64(size) != b.Size()-8 {
		return 0, fmt.Errorf("%w: vectors %s declares %d bytes, blob holds %d", ErrCorrupt, name, size, b.Size()-8)
	}
	return size, nil
}

// VectorCompressFormat encodes vector blocks LZ4-compressed, with a header
// carrying the uncompressed size for exact allocation on read.
type VectorCompressFormat struct{}

// NewVectorCompressFormat creates a new compressed vector format codec.
func NewVectorCompressFormat() *VectorCompressFormat {
	return &VectorCompressFormat{}
}

// Write compresses and stores the vector block under the given blob name.
// Payloads LZ4 cannot shrink are stored verbatim.
func (f *VectorCompressFormat) Write(ctx context.Context, store blobstore.BlobStore, name string, data []byte) error {
	buf := make([]byte, lz4.CompressBlockBound(len(data)))

	var c lz4.Compressor
	n, err := c.CompressBlock(data, buf)
	if err != nil {
		return fmt.Errorf("compress vectors %s: %w", name, err)
	}

	compressed := buf[:n]
	if n == 0 || n >= len(data) {
		// Incompressible; zero compressed size marks verbatim payload.
		compressed = data
		n = 0
	}

	w, err := store.Create(ctx, name)
	if err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(data))); err != nil {
		_ = w.Close()
		return fmt.Errorf("write vectors %s: %w", name, err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(n)); err != nil {
		_ = w.Close()
		return fmt.Errorf("write vectors %s: %w", name, err)
	}
	if _, err := w.Write(compressed); err != nil {
		_ = w.Close()
		return fmt.Errorf("write vectors %s: %w", name, err)
	}
	return w.Close()
}

// Read loads and decompresses the whole vector block.
func (f *VectorCompressFormat) Read(ctx context.Context, store blobstore.BlobStore, name string) ([]byte, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	var hdr [16]byte
	if _, err := b.ReadAt(ctx, hdr[:], 0); err != nil && err != io.EOF {
		return nil, err
	}

	rawSize := binary.LittleEndian.Uint64(hdr[:8])
	compSize := binary.LittleEndian.Uint64(hdr[8:])

	if compSize == 0 {
		// Verbatim payload.
		if int64(rawSize) != b.Size()-16 {
			return nil, fmt.Errorf("%w: vectors %s declares %d bytes, blob holds %d", ErrCorrupt, name, rawSize, b.Size()-16)
		}
		return readExactly(ctx, b, 16, int64(rawSize))
	}

	if int64(compSize) != b.Size()-16 {
		return nil, fmt.Errorf("%w: vectors %s declares %d compressed bytes, blob holds %d", ErrCorrupt, name, compSize, b.Size()-16)
	}

	compressed, err := readExactly(ctx, b, 16, int64(compSize))
	if err != nil {
		return nil, err
	}

	raw := make([]byte, rawSize)
	n, err := lz4.UncompressBlock(compressed, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: vectors %s: %v", ErrCorrupt, name, err)
	}
	if uint64(n) != rawSize {
		return nil, fmt.Errorf("%w: vectors %s decompressed to %d bytes, expected %d", ErrCorrupt, name, n, rawSize)
	}
	return raw, nil
}

func readExactly(ctx context.Context, b blobstore.Blob, off, length int64) ([]byte, error) {
	data := make([]byte, length)
	if length == 0 {
		return data, nil
	}

	n, err := b.ReadAt(ctx, data, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if int64(n) != length {
		return nil, fmt.Errorf("%w: short read %d of %d bytes", ErrCorrupt, n, length)
	}
	return data, nil
}
