package metastore

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/snapdb/blobstore"
	"github.com/hupe1980/snapdb/snapshot"
)

func TestBlobMetaStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	s1 := NewBlobMetaStore(blobs)
	reg1 := populate(t, s1, "c1", 1)
	commitSegment(t, reg1, "c1", 100, 2)
	commitSegment(t, reg1, "c1", 50, 3)

	// A fresh store over the same blobs sees the committed state.
	s2 := NewBlobMetaStore(blobs)
	rs, err := s2.LoadCollection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", rs.Collection.GetName())
	assert.Equal(t, uint64(150), rs.CollectionCommit.GetRowCount())
	assert.Len(t, rs.Segments, 2)
	assert.Len(t, rs.SegmentFiles, 2)

	// The snapshot rebuilds end to end from persisted rows.
	reg2 := snapshot.NewRegistry(s2, nil)
	ss, err := reg2.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	defer ss.Release()
	assert.Equal(t, uint64(150), ss.RowCount())
	assert.NotZero(t, ss.GetFieldElementID("vector", "_raw"))

	names, err := s2.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, names)
}

func TestBlobMetaStoreLayout(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	s := NewBlobMetaStore(blobs)
	populate(t, s, "c1", 1)

	// Catalog pointer plus at least one catalog version.
	names, err := blobs.List(ctx, "meta/")
	require.NoError(t, err)
	assert.Contains(t, names, "meta/CURRENT")

	var perCollection int
	for _, n := range names {
		if strings.HasPrefix(n, "meta/collections/") {
			perCollection++
		}
	}
	// Per-collection CURRENT plus at least one META version.
	assert.GreaterOrEqual(t, perCollection, 2)
}

func TestBlobMetaStoreCollectionIDsNeverReused(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	s1 := NewBlobMetaStore(blobs)
	id1, err := s1.AllocateCollectionID(ctx)
	require.NoError(t, err)

	// The counter survives a restart even without any Apply.
	s2 := NewBlobMetaStore(blobs)
	id2, err := s2.AllocateCollectionID(ctx)
	require.NoError(t, err)
	assert.Greater(t, uint64(id2), uint64(id1))
}

func TestBlobMetaStoreDropCollection(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	s := NewBlobMetaStore(blobs)
	reg := populate(t, s, "c1", 1)

	ss, err := reg.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	id := ss.GetID()
	drop := snapshot.NewDropCollectionOperation(snapshot.OperationContext{LSN: 2}, ss, reg)
	require.NoError(t, drop.Push(ctx))
	ss.Release()

	// Gone from the catalog, for this store and any later one.
	_, err = s.LoadCollection(ctx, "c1")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	s2 := NewBlobMetaStore(blobs)
	_, err = s2.LoadCollection(ctx, "c1")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	// The id path is closed as well.
	_, err = s2.LoadCollectionByID(ctx, id)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	names, err := s2.ListCollections(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestBlobMetaStoreCollectionRowSurvivesIDOverlap(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	// The first collection's id equals its first field's id: collection ids
	// come from the catalog counter, resource ids start at 1 per collection.
	s := NewBlobMetaStore(blobs)
	populate(t, s, "c1", 1)
	populate(t, s, "c2", 1)

	// A cold store forces the documents through their serialized form.
	s2 := NewBlobMetaStore(blobs)
	for _, name := range []string{"c1", "c2"} {
		rs, err := s2.LoadCollection(ctx, name)
		require.NoError(t, err)
		require.NotNil(t, rs.Collection)
		assert.Equal(t, name, rs.Collection.GetName())
		require.Len(t, rs.Fields, 1)
		assert.Equal(t, "vector", rs.Fields[0].GetName())

		byID, err := s2.LoadCollectionByID(ctx, rs.Collection.GetID())
		require.NoError(t, err)
		assert.Equal(t, name, byID.Collection.GetName())
	}
}

func TestBlobMetaStoreDropThenReclaim(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	s := NewBlobMetaStore(blobs)
	reg := populate(t, s, "c1", 1)
	commitSegment(t, reg, "c1", 100, 2)

	ss, err := reg.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	id := ss.GetID()
	drop := snapshot.NewDropCollectionOperation(snapshot.OperationContext{LSN: 3}, ss, reg)
	require.NoError(t, drop.Push(ctx))
	ss.Release()

	rc := snapshot.NewReclaimer(reg, nil, nil)
	require.NoError(t, rc.Run(ctx))

	// With the last row and the collection row expunged, every document
	// version of the collection has been deleted.
	names, err := blobs.List(ctx, fmt.Sprintf("meta/collections/%d/", id))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestBlobMetaStoreExpungeCompacts(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	s := NewBlobMetaStore(blobs)
	reg := populate(t, s, "c1", 1)
	commitSegment(t, reg, "c1", 100, 2)
	commitSegment(t, reg, "c1", 50, 3)

	rc := snapshot.NewReclaimer(reg, nil, nil)
	require.NoError(t, rc.Run(ctx))

	// Still loadable after compaction, from a cold store as well.
	s2 := NewBlobMetaStore(blobs)
	rs, err := s2.LoadCollection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), rs.CollectionCommit.GetRowCount())
	assert.Len(t, rs.Segments, 2)
}
