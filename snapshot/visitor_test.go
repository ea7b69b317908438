package snapshot_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/snapdb/model"
	"github.com/hupe1980/snapdb/snapshot"
)

func TestSegmentVisitor(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv()
	e.createCollection(t, "c1")
	segID := e.appendSegment(t, "c1", snapshot.DefaultPartitionName, 100)

	ss, err := e.reg.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	defer ss.Release()

	v, err := snapshot.BuildSegmentVisitor(ss, segID)
	require.NoError(t, err)

	assert.Equal(t, segID, v.GetSegment().GetID())
	require.Len(t, v.GetFieldVisitors(), 1)

	fv := v.GetFieldVisitors()[0]
	assert.Equal(t, "vector", fv.GetField().GetName())
	require.Len(t, fv.GetElementVisitors(), 2)

	// The raw element is materialized, the index element is not.
	byName := make(map[string]*snapshot.FieldElementVisitor)
	for _, ev := range fv.GetElementVisitors() {
		byName[ev.GetElement().GetName()] = ev
	}
	require.NotNil(t, byName["_raw"].GetFile())
	assert.Equal(t, "raw", byName["_raw"].GetFile().GetPath())
	assert.Nil(t, byName["ivf"].GetFile())

	assert.NotEmpty(t, v.String())

	// Unknown segment.
	_, err = snapshot.BuildSegmentVisitor(ss, 9999)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestSegmentIterator(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv()
	e.createCollection(t, "c1")

	ss, err := e.reg.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	op := snapshot.NewCreatePartitionOperation(snapshot.OperationContext{LSN: e.nextLSN()}, ss, e.reg, "p1")
	require.NoError(t, op.Push(ctx))
	ss.Release()

	want := []model.ID{
		e.appendSegment(t, "c1", snapshot.DefaultPartitionName, 1),
		e.appendSegment(t, "c1", snapshot.DefaultPartitionName, 2),
		e.appendSegment(t, "c1", "p1", 3),
	}

	ss, err = e.reg.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	defer ss.Release()

	// Deterministic order: partitions ascending, then segments ascending.
	var got []model.ID
	it := snapshot.NewSegmentIterator(ss, func(seg *snapshot.Segment, _ *snapshot.SegmentIterator) error {
		got = append(got, seg.GetID())
		return nil
	})
	it.Iterate()
	require.NoError(t, it.GetStatus())
	assert.Equal(t, want, got)

	// Short-circuit on the first error.
	boom := errors.New("boom")
	count := 0
	it = snapshot.NewSegmentIterator(ss, func(*snapshot.Segment, *snapshot.SegmentIterator) error {
		count++
		return boom
	})
	it.Iterate()
	assert.ErrorIs(t, it.GetStatus(), boom)
	assert.Equal(t, 1, count)

	// ContinueOnError visits everything and joins the errors.
	count = 0
	it = snapshot.NewSegmentIterator(ss, func(*snapshot.Segment, *snapshot.SegmentIterator) error {
		count++
		return boom
	})
	it.ContinueOnError = true
	it.Iterate()
	assert.ErrorIs(t, it.GetStatus(), boom)
	assert.Equal(t, 3, count)
}

func TestSegmentFileCollector(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv()
	e.createCollection(t, "c1")
	e.appendSegment(t, "c1", snapshot.DefaultPartitionName, 1)
	e.appendSegment(t, "c1", snapshot.DefaultPartitionName, 2)

	ss, err := e.reg.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	defer ss.Release()

	all := snapshot.NewSegmentFileCollector(ss, nil)
	all.Iterate()
	assert.Len(t, all.Files(), 2)

	rawID := ss.GetFieldElementID("vector", "_raw")
	filtered := snapshot.NewSegmentFileCollector(ss, func(f *snapshot.SegmentFile) bool {
		return f.GetFieldElementID() == rawID
	})
	filtered.Iterate()
	assert.Len(t, filtered.Files(), 2)

	none := snapshot.NewSegmentFileCollector(ss, func(*snapshot.SegmentFile) bool { return false })
	none.Iterate()
	assert.Empty(t, none.Files())
}
