package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	localfs "github.com/hupe1980/snapdb/internal/fs"
)

// mappedBytes reads a blob's full contents through the Mappable fast path.
func mappedBytes(t *testing.T, b Blob) []byte {
	t.Helper()

	m, ok := b.(Mappable)
	require.True(t, ok, "blob does not expose its contents as a byte slice")

	data, err := m.Bytes()
	require.NoError(t, err)
	return data
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	require.NoError(t, store.Put(ctx, "meta/CURRENT", []byte("CATALOG-000001")))

	b, err := store.Open(ctx, "meta/CURRENT")
	require.NoError(t, err)
	assert.Equal(t, int64(14), b.Size())

	assert.Equal(t, "CATALOG-000001", string(mappedBytes(t, b)))

	buf := make([]byte, 7)
	_, err = b.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "CATALOG", string(buf))
	require.NoError(t, b.Close())

	_, err = store.Open(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	require.NoError(t, store.Put(ctx, "blob", []byte("first")))
	require.NoError(t, store.Put(ctx, "blob", []byte("second")))

	b, err := store.Open(ctx, "blob")
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, "second", string(mappedBytes(t, b)))
}

func TestLocalStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	require.NoError(t, store.Put(ctx, "collections/1/segments/1/vector_raw", []byte("a")))
	require.NoError(t, store.Put(ctx, "collections/1/segments/2/vector_raw", []byte("b")))
	require.NoError(t, store.Put(ctx, "meta/CURRENT", []byte("c")))

	names, err := store.List(ctx, "collections/1/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"collections/1/segments/1/vector_raw",
		"collections/1/segments/2/vector_raw",
	}, names)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLocalStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	require.NoError(t, store.Put(ctx, "blob", []byte("x")))
	require.NoError(t, store.Delete(ctx, "blob"))
	_, err := store.Open(ctx, "blob")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, "blob"))
}

func TestLocalStoreCreateIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	w, err := store.Create(ctx, "blob")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	// Not visible before Close.
	_, err = store.Open(ctx, "blob")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names, "temp files must not be listed")

	require.NoError(t, w.Close())

	b, err := store.Open(ctx, "blob")
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, "partial", string(mappedBytes(t, b)))
}

func TestLocalStoreCrashDuringWrite(t *testing.T) {
	ctx := context.Background()

	ffs := localfs.NewFaultyFS(localfs.LocalFS{})
	ffs.AddRule(".tmp", localfs.Fault{FailOnSync: true})

	store := NewLocalStore(t.TempDir(), func(o *LocalStoreOptions) {
		o.FS = ffs
	})

	w, err := store.Create(ctx, "blob")
	require.NoError(t, err)
	_, err = w.Write([]byte("doomed"))
	require.NoError(t, err)

	// The sync failure surfaces on Close and the blob never appears.
	assert.ErrorIs(t, w.Close(), localfs.ErrInjected)

	_, err = store.Open(ctx, "blob")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStoreWriteFaultAfterBytes(t *testing.T) {
	ctx := context.Background()

	ffs := localfs.NewFaultyFS(localfs.LocalFS{})
	ffs.AddRule(".tmp", localfs.Fault{FailAfterBytes: 4})

	store := NewLocalStore(t.TempDir(), func(o *LocalStoreOptions) {
		o.FS = ffs
	})

	w, err := store.Create(ctx, "blob")
	require.NoError(t, err)
	_, err = w.Write([]byte("0123456789"))
	assert.ErrorIs(t, err, localfs.ErrInjected)
	_ = w.Close()

	_, err = store.Open(ctx, "blob")
	assert.ErrorIs(t, err, ErrNotFound)
}
