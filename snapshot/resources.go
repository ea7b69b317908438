package snapshot

import (
	"sync/atomic"

	"github.com/hupe1980/snapdb/model"
)

// DefaultPartitionName is the name of the partition created atomically with
// every collection. It cannot be dropped.
const DefaultPartitionName = "_default"

// resourceBase carries the attributes shared by all versioned resources.
// State transitions happen only inside the registry's per-collection commit
// section; reads may happen concurrently, hence the atomic.
type resourceBase struct {
	id         model.ID
	createdLSN model.LSN
	state      atomic.Uint32
}

func initResourceBase(b *resourceBase, id model.ID, lsn model.LSN, state model.State) {
	b.id = id
	b.createdLSN = lsn
	b.state.Store(uint32(state))
}

// GetID returns the resource identifier.
func (b *resourceBase) GetID() model.ID { return b.id }

// CreatedLSN returns the LSN at which the resource was created.
func (b *resourceBase) CreatedLSN() model.LSN { return b.createdLSN }

// State returns the current lifecycle state.
func (b *resourceBase) State() model.State { return model.State(b.state.Load()) }

// IsActive reports whether the resource is visible in the current snapshot.
func (b *resourceBase) IsActive() bool { return b.State() == model.StateActive }

// Activate promotes the resource to the active state.
func (b *resourceBase) Activate() { b.state.Store(uint32(model.StateActive)) }

// Deactivate marks the resource stale. Stale resources remain readable for
// snapshots that still reference them.
func (b *resourceBase) Deactivate() { b.state.Store(uint32(model.StateStale)) }

// Resource is the interface satisfied by every versioned resource kind.
type Resource interface {
	GetID() model.ID
	CreatedLSN() model.LSN
	State() model.State
	IsActive() bool
}

// Collection is a named logical table.
type Collection struct {
	resourceBase
	name string
}

// NewCollection creates a collection resource in the NEW state.
func NewCollection(id model.ID, name string, lsn model.LSN) *Collection {
	return RestoreCollection(id, name, lsn, model.StateNew)
}

// RestoreCollection rebuilds a collection resource from persisted attributes.
func RestoreCollection(id model.ID, name string, lsn model.LSN, state model.State) *Collection {
	c := &Collection{name: name}
	initResourceBase(&c.resourceBase, id, lsn, state)
	return c
}

// GetName returns the collection name.
func (c *Collection) GetName() string { return c.name }

// Field is one schema column of a collection.
type Field struct {
	resourceBase
	name   string
	ftype  model.FieldType
	params map[string]string
}

// NewField creates a field resource in the NEW state.
func NewField(id model.ID, name string, ftype model.FieldType, params map[string]string, lsn model.LSN) *Field {
	return RestoreField(id, name, ftype, params, lsn, model.StateNew)
}

// RestoreField rebuilds a field resource from persisted attributes.
func RestoreField(id model.ID, name string, ftype model.FieldType, params map[string]string, lsn model.LSN, state model.State) *Field {
	f := &Field{name: name, ftype: ftype, params: params}
	initResourceBase(&f.resourceBase, id, lsn, state)
	return f
}

// GetName returns the field name.
func (f *Field) GetName() string { return f.name }

// GetType returns the field data type.
func (f *Field) GetType() model.FieldType { return f.ftype }

// GetParams returns the type parameters (e.g. vector dimension).
func (f *Field) GetParams() map[string]string { return f.params }

// FieldElement is a derived artifact of a field, e.g. a built index.
type FieldElement struct {
	resourceBase
	fieldID model.ID
	name    string
	etype   model.FieldElementType
}

// NewFieldElement creates a field element resource in the NEW state.
func NewFieldElement(id, fieldID model.ID, name string, etype model.FieldElementType, lsn model.LSN) *FieldElement {
	return RestoreFieldElement(id, fieldID, name, etype, lsn, model.StateNew)
}

// RestoreFieldElement rebuilds a field element resource from persisted attributes.
func RestoreFieldElement(id, fieldID model.ID, name string, etype model.FieldElementType, lsn model.LSN, state model.State) *FieldElement {
	e := &FieldElement{fieldID: fieldID, name: name, etype: etype}
	initResourceBase(&e.resourceBase, id, lsn, state)
	return e
}

// GetFieldID returns the owning field id.
func (e *FieldElement) GetFieldID() model.ID { return e.fieldID }

// GetName returns the element name.
func (e *FieldElement) GetName() string { return e.name }

// GetType returns the element kind.
func (e *FieldElement) GetType() model.FieldElementType { return e.etype }

// Partition is a named row-group shard of a collection.
type Partition struct {
	resourceBase
	collectionID model.ID
	name         string
}

// NewPartition creates a partition resource in the NEW state.
func NewPartition(id, collectionID model.ID, name string, lsn model.LSN) *Partition {
	return RestorePartition(id, collectionID, name, lsn, model.StateNew)
}

// RestorePartition rebuilds a partition resource from persisted attributes.
func RestorePartition(id, collectionID model.ID, name string, lsn model.LSN, state model.State) *Partition {
	p := &Partition{collectionID: collectionID, name: name}
	initResourceBase(&p.resourceBase, id, lsn, state)
	return p
}

// GetCollectionID returns the owning collection id.
func (p *Partition) GetCollectionID() model.ID { return p.collectionID }

// GetName returns the partition name.
func (p *Partition) GetName() string { return p.name }

// Segment is an immutable unit of stored rows within a partition.
type Segment struct {
	resourceBase
	partitionID model.ID
	rowCount    uint64
}

// NewSegment creates a segment resource in the NEW state.
func NewSegment(id, partitionID model.ID, lsn model.LSN) *Segment {
	return RestoreSegment(id, partitionID, 0, lsn, model.StateNew)
}

// RestoreSegment rebuilds a segment resource from persisted attributes.
func RestoreSegment(id, partitionID model.ID, rowCount uint64, lsn model.LSN, state model.State) *Segment {
	s := &Segment{partitionID: partitionID, rowCount: rowCount}
	initResourceBase(&s.resourceBase, id, lsn, state)
	return s
}

// GetPartitionID returns the owning partition id.
func (s *Segment) GetPartitionID() model.ID { return s.partitionID }

// GetRowCount returns the number of rows stored in the segment.
func (s *Segment) GetRowCount() uint64 { return s.rowCount }

// SetRowCount records the row count of a staged segment. It must only be
// called before the segment is published.
func (s *Segment) SetRowCount(rows uint64) { s.rowCount = rows }

// SegmentFile is one physical artifact of a segment for one field element.
type SegmentFile struct {
	resourceBase
	segmentID      model.ID
	fieldElementID model.ID
	path           string
	size           int64
}

// NewSegmentFile creates a segment file resource in the NEW state.
func NewSegmentFile(id, segmentID, fieldElementID model.ID, path string, size int64, lsn model.LSN) *SegmentFile {
	f := &SegmentFile{
		segmentID:      segmentID,
		fieldElementID: fieldElementID,
		path:           path,
		size:           size,
	}
	initResourceBase(&f.resourceBase, id, lsn, model.StateNew)
	return f
}

// RestoreSegmentFile rebuilds a segment file resource from persisted attributes.
func RestoreSegmentFile(id, segmentID, fieldElementID model.ID, path string, size int64, lsn model.LSN, state model.State) *SegmentFile {
	f := NewSegmentFile(id, segmentID, fieldElementID, path, size, lsn)
	f.state.Store(uint32(state))
	return f
}

// GetSegmentID returns the owning segment id.
func (f *SegmentFile) GetSegmentID() model.ID { return f.segmentID }

// GetFieldElementID returns the field element this file materializes.
func (f *SegmentFile) GetFieldElementID() model.ID { return f.fieldElementID }

// GetPath returns the blob name of the file.
func (f *SegmentFile) GetPath() string { return f.path }

// GetSize returns the file size in bytes.
func (f *SegmentFile) GetSize() int64 { return f.size }
