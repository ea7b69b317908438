package metastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/snapdb/model"
	"github.com/hupe1980/snapdb/snapshot"
)

// populate commits one collection with a vector field and a raw element
// through the operation framework, returning the registry used.
func populate(t *testing.T, store snapshot.MetaStore, name string, lsn model.LSN) *snapshot.Registry {
	t.Helper()

	reg := snapshot.NewRegistry(store, nil)
	op := snapshot.NewCreateCollectionOperation(snapshot.OperationContext{LSN: lsn}, snapshot.CollectionSchema{
		Name: name,
		Fields: []snapshot.FieldSchema{
			{
				Name:     "vector",
				Type:     model.FieldTypeVector,
				Params:   map[string]string{model.DimParam: "64"},
				Elements: []snapshot.ElementSchema{{Name: "_raw", Type: model.ElementTypeRaw}},
			},
		},
	}, reg)
	require.NoError(t, op.Push(context.Background()))
	return reg
}

func commitSegment(t *testing.T, reg *snapshot.Registry, name string, rows uint64, lsn model.LSN) {
	t.Helper()
	ctx := context.Background()

	ss, err := reg.GetSnapshot(ctx, name)
	require.NoError(t, err)
	defer ss.Release()

	p := ss.GetPartitionByName(snapshot.DefaultPartitionName)
	op := snapshot.NewNewSegmentOperation(snapshot.OperationContext{LSN: lsn, PrevPartition: p}, ss, reg)
	_, err = op.CommitNewSegment(ctx)
	require.NoError(t, err)
	_, err = op.CommitNewSegmentFile(ctx, snapshot.SegmentFileContext{
		FieldName: "vector", FieldElementName: "_raw", Path: "raw", Size: int64(rows) * 4,
	})
	require.NoError(t, err)
	require.NoError(t, op.CommitRowCount(rows))
	require.NoError(t, op.Push(ctx))
}

func TestInMemoryStoreAllocate(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	c1, err := s.AllocateCollectionID(ctx)
	require.NoError(t, err)
	c2, err := s.AllocateCollectionID(ctx)
	require.NoError(t, err)
	assert.Greater(t, uint64(c2), uint64(c1))

	// Resource ids are scoped per collection.
	a1, err := s.AllocateID(ctx, c1)
	require.NoError(t, err)
	a2, err := s.AllocateID(ctx, c1)
	require.NoError(t, err)
	b1, err := s.AllocateID(ctx, c2)
	require.NoError(t, err)
	assert.Greater(t, uint64(a2), uint64(a1))
	assert.Equal(t, a1, b1)
}

func TestInMemoryStoreLoadCollection(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	populate(t, s, "c1", 1)

	rs, err := s.LoadCollection(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, rs.Collection)
	require.NotNil(t, rs.CollectionCommit)
	assert.Equal(t, "c1", rs.Collection.GetName())
	assert.Len(t, rs.Partitions, 1)
	assert.Len(t, rs.PartitionCommits, 1)
	assert.Len(t, rs.Fields, 1)
	assert.Len(t, rs.FieldElements, 1)

	byID, err := s.LoadCollectionByID(ctx, rs.Collection.GetID())
	require.NoError(t, err)
	assert.Equal(t, rs.Collection.GetID(), byID.Collection.GetID())

	_, err = s.LoadCollection(ctx, "missing")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	_, err = s.LoadCollectionByID(ctx, 9999)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestInMemoryStoreHeadAdvances(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	reg := populate(t, s, "c1", 1)
	commitSegment(t, reg, "c1", 100, 2)
	commitSegment(t, reg, "c1", 50, 3)

	// A cold load resolves the latest head, not an intermediate commit.
	rs, err := s.LoadCollection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.LSN(3), rs.CollectionCommit.CreatedLSN())
	assert.Equal(t, uint64(150), rs.CollectionCommit.GetRowCount())
	assert.Len(t, rs.Segments, 2)
}

func TestInMemoryStoreDropCollection(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	reg := populate(t, s, "c1", 1)

	names, err := s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, names)

	ss, err := reg.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	id := ss.GetID()
	drop := snapshot.NewDropCollectionOperation(snapshot.OperationContext{LSN: 2}, ss, reg)
	require.NoError(t, drop.Push(ctx))
	ss.Release()

	_, err = s.LoadCollection(ctx, "c1")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	// The id path is closed as well; a dropped collection cannot come back
	// through a cold load.
	_, err = s.LoadCollectionByID(ctx, id)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	cold := snapshot.NewRegistry(s, nil)
	_, err = cold.GetSnapshotByID(ctx, id)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	names, err = s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestInMemoryStoreCollectionRowSurvivesIDOverlap(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	// Collection ids come from the database-wide counter while resource ids
	// start at 1 per collection, so the first collection's id equals its first
	// field's id. Neither row may clobber the other.
	populate(t, s, "c1", 1)
	populate(t, s, "c2", 1)

	for _, name := range []string{"c1", "c2"} {
		rs, err := s.LoadCollection(ctx, name)
		require.NoError(t, err)
		require.NotNil(t, rs.Collection)
		assert.Equal(t, name, rs.Collection.GetName())
		require.Len(t, rs.Fields, 1)
		assert.Equal(t, "vector", rs.Fields[0].GetName())
		require.Len(t, rs.FieldElements, 1)

		byID, err := s.LoadCollectionByID(ctx, rs.Collection.GetID())
		require.NoError(t, err)
		assert.Equal(t, name, byID.Collection.GetName())
	}
}

func TestInMemoryStoreDropThenReclaim(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
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

	// Every row was expunged, the collection row included, so the store holds
	// no trace of the collection anymore.
	s.mu.RLock()
	_, ok := s.collections[id]
	s.mu.RUnlock()
	assert.False(t, ok)
}

func TestInMemoryStoreExpunge(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	reg := populate(t, s, "c1", 1)
	commitSegment(t, reg, "c1", 100, 2)

	// Supersede the first data commit, then expunge what fell out of scope.
	commitSegment(t, reg, "c1", 50, 3)

	rc := snapshot.NewReclaimer(reg, nil, nil)
	require.NoError(t, rc.Run(ctx))

	rs, err := s.LoadCollection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), rs.CollectionCommit.GetRowCount())
	assert.Len(t, rs.Segments, 2)

	// Expunging unknown ids or collections is harmless.
	require.NoError(t, s.Expunge(ctx, rs.Collection.GetID(), []model.ID{9999}))
	require.NoError(t, s.Expunge(ctx, 12345, []model.ID{1}))
}
