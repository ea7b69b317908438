package snapshot

import (
	"context"

	"github.com/hupe1980/snapdb/model"
)

// MetaStore is the durable store collaborator. Implementations must apply a
// ChangeSet atomically, or fail without leaving partial state visible; the
// operation framework treats any Apply error as a full operation failure.
//
// See the metastore package for the provided implementations.
type MetaStore interface {
	// AllocateCollectionID returns a fresh collection id.
	AllocateCollectionID(ctx context.Context) (model.ID, error)

	// AllocateID returns a fresh resource id, unique within the collection.
	AllocateID(ctx context.Context, collectionID model.ID) (model.ID, error)

	// LoadCollection loads the full resource set of an active collection by
	// name. Returns ErrNotFound if no active collection has that name.
	LoadCollection(ctx context.Context, name string) (*ResourceSet, error)

	// LoadCollectionByID is LoadCollection keyed by collection id.
	LoadCollectionByID(ctx context.Context, id model.ID) (*ResourceSet, error)

	// ListCollections returns the names of all active collections.
	ListCollections(ctx context.Context) ([]string, error)

	// Apply atomically persists the change set: new resources, new commit
	// aggregates, state transitions and the new head commit.
	Apply(ctx context.Context, cs *ChangeSet) error

	// Expunge permanently removes stale resources that no live snapshot
	// references anymore.
	Expunge(ctx context.Context, collectionID model.ID, ids []model.ID) error
}

// ResourceSet is the flat, unresolved resource universe of one collection as
// loaded from the metadata store or assembled by an operation. Snapshot
// construction resolves the commit chain rooted at CollectionCommit against
// it; unreferenced (stale) entries are simply not picked up.
type ResourceSet struct {
	Collection       *Collection
	CollectionCommit *CollectionCommit
	Partitions       []*Partition
	PartitionCommits []*PartitionCommit
	Segments         []*Segment
	SegmentCommits   []*SegmentCommit
	SegmentFiles     []*SegmentFile
	Fields           []*Field
	FieldElements    []*FieldElement
}

// ChangeSet is the durable delta produced by one operation push. IDs listed
// in Deactivated transition to the stale state; everything else is appended.
type ChangeSet struct {
	CollectionID model.ID
	LSN          model.LSN

	// Collection is set only when the change set creates the collection.
	Collection *Collection

	Partitions    []*Partition
	Segments      []*Segment
	SegmentFiles  []*SegmentFile
	Fields        []*Field
	FieldElements []*FieldElement

	SegmentCommits   []*SegmentCommit
	PartitionCommits []*PartitionCommit

	// CollectionCommit is the new head commit. It is nil only when
	// DropCollection is set.
	CollectionCommit *CollectionCommit

	// Deactivated lists resource ids transitioning to the stale state.
	Deactivated []model.ID

	// DropCollection marks the whole collection dropped; the store removes
	// it from the active name index.
	DropCollection bool
}
