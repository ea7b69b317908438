package segcodec

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/snapdb/blobstore"
)

func TestBlockFormatPlainRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	f := NewBlockFormat()

	data := []byte("hello block world")
	require.NoError(t, f.Write(ctx, store, "blk", data))

	// Plain blocks carry the raw bytes after the header.
	b, err := store.Open(ctx, "blk")
	require.NoError(t, err)
	assert.Equal(t, int64(blockHeaderSize+len(data)), b.Size())
	require.NoError(t, b.Close())

	out, err := f.Read(ctx, store, "blk")
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestBlockFormatCompressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	f := NewBlockFormat(func(o *BlockFormatOptions) {
		o.Compress = true
	})

	data := bytes.Repeat([]byte("block"), 4096)
	require.NoError(t, f.Write(ctx, store, "blk", data))

	b, err := store.Open(ctx, "blk")
	require.NoError(t, err)
	assert.Less(t, b.Size(), int64(len(data)))
	require.NoError(t, b.Close())

	out, err := f.Read(ctx, store, "blk")
	require.NoError(t, err)
	assert.Equal(t, data, out)

	// A plain reader decodes compressed blocks too; the flag decides.
	out, err = NewBlockFormat().Read(ctx, store, "blk")
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestBlockFormatReadAt(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	data := []byte("0123456789abcdefghij")

	for _, compress := range []bool{false, true} {
		f := NewBlockFormat(func(o *BlockFormatOptions) {
			o.Compress = compress
		})
		require.NoError(t, f.Write(ctx, store, "blk", data))

		out, err := f.ReadAt(ctx, store, "blk", 10, 6)
		require.NoError(t, err)
		assert.Equal(t, []byte("abcdef"), out)

		out, err = f.ReadRanges(ctx, store, "blk", []ReadRange{
			{Offset: 0, NumBytes: 3},
			{Offset: 16, NumBytes: 4},
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("012ghij"), out)

		_, err = f.ReadAt(ctx, store, "blk", 15, 10)
		assert.ErrorIs(t, err, ErrCorrupt)
	}
}

func TestBlockFormatCorruptHeader(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	f := NewBlockFormat()

	require.NoError(t, store.Put(ctx, "short", []byte{0, 1, 2}))
	_, err := f.Read(ctx, store, "short")
	assert.ErrorIs(t, err, ErrCorrupt)

	bad := make([]byte, blockHeaderSize+1)
	bad[0] = 9 // unknown flag
	require.NoError(t, store.Put(ctx, "flag", bad))
	_, err = f.Read(ctx, store, "flag")
	assert.ErrorIs(t, err, ErrCorrupt)
}
