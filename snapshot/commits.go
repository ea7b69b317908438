package snapshot

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/snapdb/model"
)

// commitBase is the shared shape of the three commit aggregates: a set of
// child ids plus the recomputed row count of the active children. A commit
// is immutable once published; structural changes clone it into a successor
// with a fresh id instead of mutating it.
type commitBase struct {
	resourceBase
	mappings *roaring64.Bitmap
	rowCount uint64
}

func initCommitBase(c *commitBase, id model.ID, lsn model.LSN, state model.State) {
	initResourceBase(&c.resourceBase, id, lsn, state)
	c.mappings = roaring64.NewBitmap()
}

// GetRowCount returns the combined row count of the referenced children.
func (c *commitBase) GetRowCount() uint64 { return c.rowCount }

// GetMappings returns the referenced child ids in ascending order.
func (c *commitBase) GetMappings() []model.ID {
	raw := c.mappings.ToArray()
	ids := make([]model.ID, len(raw))
	for i, v := range raw {
		ids[i] = model.ID(v)
	}
	return ids
}

// HasMapping reports whether the commit references the given child id.
func (c *commitBase) HasMapping(id model.ID) bool { return c.mappings.Contains(uint64(id)) }

// NumMappings returns the number of referenced children.
func (c *commitBase) NumMappings() int { return int(c.mappings.GetCardinality()) }

func (c *commitBase) addMapping(id model.ID)    { c.mappings.Add(uint64(id)) }
func (c *commitBase) removeMapping(id model.ID) { c.mappings.Remove(uint64(id)) }

// SegmentCommit references the active segment files of one segment.
type SegmentCommit struct {
	commitBase
	segmentID model.ID
}

// NewSegmentCommit creates a segment commit in the NEW state.
func NewSegmentCommit(id, segmentID model.ID, lsn model.LSN) *SegmentCommit {
	sc := &SegmentCommit{segmentID: segmentID}
	initCommitBase(&sc.commitBase, id, lsn, model.StateNew)
	return sc
}

// RestoreSegmentCommit rebuilds a segment commit from persisted attributes.
func RestoreSegmentCommit(id, segmentID model.ID, mappings []model.ID, rowCount uint64, lsn model.LSN, state model.State) *SegmentCommit {
	sc := NewSegmentCommit(id, segmentID, lsn)
	sc.state.Store(uint32(state))
	for _, m := range mappings {
		sc.addMapping(m)
	}
	sc.rowCount = rowCount
	return sc
}

// GetSegmentID returns the segment this commit versions.
func (c *SegmentCommit) GetSegmentID() model.ID { return c.segmentID }

// clone produces a NEW successor commit with the given id and LSN.
func (c *SegmentCommit) clone(id model.ID, lsn model.LSN) *SegmentCommit {
	next := NewSegmentCommit(id, c.segmentID, lsn)
	next.mappings = c.mappings.Clone()
	next.rowCount = c.rowCount
	return next
}

// PartitionCommit references the active segment commits of one partition.
type PartitionCommit struct {
	commitBase
	partitionID model.ID
}

// NewPartitionCommit creates a partition commit in the NEW state.
func NewPartitionCommit(id, partitionID model.ID, lsn model.LSN) *PartitionCommit {
	pc := &PartitionCommit{partitionID: partitionID}
	initCommitBase(&pc.commitBase, id, lsn, model.StateNew)
	return pc
}

// RestorePartitionCommit rebuilds a partition commit from persisted attributes.
func RestorePartitionCommit(id, partitionID model.ID, mappings []model.ID, rowCount uint64, lsn model.LSN, state model.State) *PartitionCommit {
	pc := NewPartitionCommit(id, partitionID, lsn)
	pc.state.Store(uint32(state))
	for _, m := range mappings {
		pc.addMapping(m)
	}
	pc.rowCount = rowCount
	return pc
}

// GetPartitionID returns the partition this commit versions.
func (c *PartitionCommit) GetPartitionID() model.ID { return c.partitionID }

func (c *PartitionCommit) clone(id model.ID, lsn model.LSN) *PartitionCommit {
	next := NewPartitionCommit(id, c.partitionID, lsn)
	next.mappings = c.mappings.Clone()
	next.rowCount = c.rowCount
	return next
}

// CollectionCommit references the active partition commits of one collection.
// Exactly one CollectionCommit roots every Snapshot.
type CollectionCommit struct {
	commitBase
	collectionID model.ID
}

// NewCollectionCommit creates a collection commit in the NEW state.
func NewCollectionCommit(id, collectionID model.ID, lsn model.LSN) *CollectionCommit {
	cc := &CollectionCommit{collectionID: collectionID}
	initCommitBase(&cc.commitBase, id, lsn, model.StateNew)
	return cc
}

// RestoreCollectionCommit rebuilds a collection commit from persisted attributes.
func RestoreCollectionCommit(id, collectionID model.ID, mappings []model.ID, rowCount uint64, lsn model.LSN, state model.State) *CollectionCommit {
	cc := NewCollectionCommit(id, collectionID, lsn)
	cc.state.Store(uint32(state))
	for _, m := range mappings {
		cc.addMapping(m)
	}
	cc.rowCount = rowCount
	return cc
}

// GetCollectionID returns the collection this commit versions.
func (c *CollectionCommit) GetCollectionID() model.ID { return c.collectionID }

func (c *CollectionCommit) clone(id model.ID, lsn model.LSN) *CollectionCommit {
	next := NewCollectionCommit(id, c.collectionID, lsn)
	next.mappings = c.mappings.Clone()
	next.rowCount = c.rowCount
	return next
}
