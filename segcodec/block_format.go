package segcodec

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/snapdb/blobstore"
)

const (
	blockPlain      byte = 0
	blockCompressed byte = 1

	blockHeaderSize = 9 // flag byte + uint64 raw size
)

// ReadRange selects a byte range of a block payload.
type ReadRange struct {
	Offset   int64
	NumBytes int64
}

// BlockFormat stores opaque data blocks with optional zstd compression. The
// header records whether the payload is compressed and its raw size; range
// reads on plain blocks touch only the requested bytes.
type BlockFormat struct {
	compress bool
	level    zstd.EncoderLevel
}

// BlockFormatOptions configures a BlockFormat.
type BlockFormatOptions struct {
	// Compress enables zstd compression for written blocks.
	// Default: false. Compressed blocks lose cheap range reads.
	Compress bool

	// Level is the zstd encoder level used when Compress is set.
	// Default: zstd.SpeedDefault.
	Level zstd.EncoderLevel
}

// NewBlockFormat creates a new block format codec.
func NewBlockFormat(optFns ...func(o *BlockFormatOptions)) *BlockFormat {
	opts := BlockFormatOptions{
		Level: zstd.SpeedDefault,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &BlockFormat{compress: opts.Compress, level: opts.Level}
}

// Write stores the block under the given blob name.
func (f *BlockFormat) Write(ctx context.Context, store blobstore.BlobStore, name string, raw []byte) error {
	var hdr [blockHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[1:], uint64(len(raw)))

	payload := raw
	if f.compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(f.level))
		if err != nil {
			return err
		}
		payload = enc.EncodeAll(raw, nil)
		_ = enc.Close()
		hdr[0] = blockCompressed
	}

	w, err := store.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(hdr[:]); err != nil {
		_ = w.Close()
		return fmt.Errorf("write block %s: %w", name, err)
	}
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return fmt.Errorf("write block %s: %w", name, err)
	}
	return w.Close()
}

// Read loads the whole block.
func (f *BlockFormat) Read(ctx context.Context, store blobstore.BlobStore, name string) ([]byte, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	flag, rawSize, err := readBlockHeader(ctx, b, name)
	if err != nil {
		return nil, err
	}

	payload, err := readExactly(ctx, b, blockHeaderSize, b.Size()-blockHeaderSize)
	if err != nil {
		return nil, err
	}

	if flag == blockPlain {
		if uint64(len(payload)) != rawSize {
			return nil, fmt.Errorf("%w: block %s declares %d bytes, blob holds %d", ErrCorrupt, name, rawSize, len(payload))
		}
		return payload, nil
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(payload, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("%w: block %s: %v", ErrCorrupt, name, err)
	}
	if uint64(len(raw)) != rawSize {
		return nil, fmt.Errorf("%w: block %s decompressed to %d bytes, expected %d", ErrCorrupt, name, len(raw), rawSize)
	}
	return raw, nil
}

// ReadAt loads numBytes of block data starting at offset within the raw
// payload. Plain blocks are read with a single ranged request; compressed
// blocks are decoded and sliced.
func (f *BlockFormat) ReadAt(ctx context.Context, store blobstore.BlobStore, name string, offset, numBytes int64) ([]byte, error) {
	out, err := f.ReadRanges(ctx, store, name, []ReadRange{{Offset: offset, NumBytes: numBytes}})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadRanges loads and concatenates several byte ranges of the raw payload.
func (f *BlockFormat) ReadRanges(ctx context.Context, store blobstore.BlobStore, name string, ranges []ReadRange) ([]byte, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	flag, rawSize, err := readBlockHeader(ctx, b, name)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, r := range ranges {
		if r.Offset < 0 || r.NumBytes < 0 || r.Offset+r.NumBytes > int64(rawSize) {
			return nil, fmt.Errorf("%w: block %s range [%d,%d) exceeds raw size %d", ErrCorrupt, name, r.Offset, r.Offset+r.NumBytes, rawSize)
		}
		total += r.NumBytes
	}

	if flag == blockPlain {
		out := make([]byte, 0, total)
		for _, r := range ranges {
			part, err := readExactly(ctx, b, blockHeaderSize+r.Offset, r.NumBytes)
			if err != nil {
				return nil, err
			}
			out = append(out, part...)
		}
		return out, nil
	}

	payload, err := readExactly(ctx, b, blockHeaderSize, b.Size()-blockHeaderSize)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(payload, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("%w: block %s: %v", ErrCorrupt, name, err)
	}

	out := make([]byte, 0, total)
	for _, r := range ranges {
		out = append(out, raw[r.Offset:r.Offset+r.NumBytes]...)
	}
	return out, nil
}

func readBlockHeader(ctx context.Context, b blobstore.Blob, name string) (byte, uint64, error) {
	if b.Size() < blockHeaderSize {
		return 0, 0, fmt.Errorf("%w: block %s truncated header", ErrCorrupt, name)
	}

	var hdr [blockHeaderSize]byte
	if _, err := b.ReadAt(ctx, hdr[:], 0); err != nil && err != io.EOF {
		return 0, 0, err
	}

	flag := hdr[0]
	if flag != blockPlain && flag != blockCompressed {
		return 0, 0, fmt.Errorf("%w: block %s unknown flag %d", ErrCorrupt, name, flag)
	}
	return flag, binary.LittleEndian.Uint64(hdr[1:]), nil
}
