package metastore

import (
	"fmt"

	"github.com/hupe1980/snapdb/model"
	"github.com/hupe1980/snapdb/snapshot"
)

// kind discriminates the persisted resource rows.
type kind uint8

const (
	kindCollection kind = iota + 1
	kindField
	kindFieldElement
	kindPartition
	kindSegment
	kindSegmentFile
	kindSegmentCommit
	kindPartitionCommit
	kindCollectionCommit
)

// row is the universal persisted form of a resource or commit aggregate.
// Unused columns stay at their zero value for the given kind.
type row struct {
	Kind  kind        `json:"kind"`
	ID    model.ID    `json:"id"`
	LSN   model.LSN   `json:"lsn"`
	State model.State `json:"state"`

	Name string `json:"name,omitempty"`

	CollectionID   model.ID `json:"collection_id,omitempty"`
	PartitionID    model.ID `json:"partition_id,omitempty"`
	SegmentID      model.ID `json:"segment_id,omitempty"`
	FieldID        model.ID `json:"field_id,omitempty"`
	FieldElementID model.ID `json:"field_element_id,omitempty"`

	FieldType   model.FieldType        `json:"field_type,omitempty"`
	ElementType model.FieldElementType `json:"element_type,omitempty"`
	Params      map[string]string      `json:"params,omitempty"`

	Path string `json:"path,omitempty"`
	Size int64  `json:"size,omitempty"`

	RowCount uint64     `json:"row_count,omitempty"`
	Mappings []model.ID `json:"mappings,omitempty"`
}

func collectionRow(c *snapshot.Collection, state model.State) row {
	return row{Kind: kindCollection, ID: c.GetID(), LSN: c.CreatedLSN(), State: state, Name: c.GetName()}
}

func fieldRow(f *snapshot.Field, state model.State) row {
	return row{Kind: kindField, ID: f.GetID(), LSN: f.CreatedLSN(), State: state, Name: f.GetName(), FieldType: f.GetType(), Params: f.GetParams()}
}

func fieldElementRow(e *snapshot.FieldElement, state model.State) row {
	return row{Kind: kindFieldElement, ID: e.GetID(), LSN: e.CreatedLSN(), State: state, Name: e.GetName(), FieldID: e.GetFieldID(), ElementType: e.GetType()}
}

func partitionRow(p *snapshot.Partition, state model.State) row {
	return row{Kind: kindPartition, ID: p.GetID(), LSN: p.CreatedLSN(), State: state, Name: p.GetName(), CollectionID: p.GetCollectionID()}
}

func segmentRow(s *snapshot.Segment, state model.State) row {
	return row{Kind: kindSegment, ID: s.GetID(), LSN: s.CreatedLSN(), State: state, PartitionID: s.GetPartitionID(), RowCount: s.GetRowCount()}
}

func segmentFileRow(f *snapshot.SegmentFile, state model.State) row {
	return row{Kind: kindSegmentFile, ID: f.GetID(), LSN: f.CreatedLSN(), State: state, SegmentID: f.GetSegmentID(), FieldElementID: f.GetFieldElementID(), Path: f.GetPath(), Size: f.GetSize()}
}

func segmentCommitRow(c *snapshot.SegmentCommit, state model.State) row {
	return row{Kind: kindSegmentCommit, ID: c.GetID(), LSN: c.CreatedLSN(), State: state, SegmentID: c.GetSegmentID(), RowCount: c.GetRowCount(), Mappings: c.GetMappings()}
}

func partitionCommitRow(c *snapshot.PartitionCommit, state model.State) row {
	return row{Kind: kindPartitionCommit, ID: c.GetID(), LSN: c.CreatedLSN(), State: state, PartitionID: c.GetPartitionID(), RowCount: c.GetRowCount(), Mappings: c.GetMappings()}
}

func collectionCommitRow(c *snapshot.CollectionCommit, state model.State) row {
	return row{Kind: kindCollectionCommit, ID: c.GetID(), LSN: c.CreatedLSN(), State: state, CollectionID: c.GetCollectionID(), RowCount: c.GetRowCount(), Mappings: c.GetMappings()}
}

// restoreInto rebuilds the row's resource and appends it to the set. The
// head commit is only attached when its id matches head.
func restoreInto(rs *snapshot.ResourceSet, r row, head model.ID) error {
	switch r.Kind {
	case kindCollection:
		rs.Collection = snapshot.RestoreCollection(r.ID, r.Name, r.LSN, r.State)
	case kindField:
		rs.Fields = append(rs.Fields, snapshot.RestoreField(r.ID, r.Name, r.FieldType, r.Params, r.LSN, r.State))
	case kindFieldElement:
		rs.FieldElements = append(rs.FieldElements, snapshot.RestoreFieldElement(r.ID, r.FieldID, r.Name, r.ElementType, r.LSN, r.State))
	case kindPartition:
		rs.Partitions = append(rs.Partitions, snapshot.RestorePartition(r.ID, r.CollectionID, r.Name, r.LSN, r.State))
	case kindSegment:
		rs.Segments = append(rs.Segments, snapshot.RestoreSegment(r.ID, r.PartitionID, r.RowCount, r.LSN, r.State))
	case kindSegmentFile:
		rs.SegmentFiles = append(rs.SegmentFiles, snapshot.RestoreSegmentFile(r.ID, r.SegmentID, r.FieldElementID, r.Path, r.Size, r.LSN, r.State))
	case kindSegmentCommit:
		rs.SegmentCommits = append(rs.SegmentCommits, snapshot.RestoreSegmentCommit(r.ID, r.SegmentID, r.Mappings, r.RowCount, r.LSN, r.State))
	case kindPartitionCommit:
		rs.PartitionCommits = append(rs.PartitionCommits, snapshot.RestorePartitionCommit(r.ID, r.PartitionID, r.Mappings, r.RowCount, r.LSN, r.State))
	case kindCollectionCommit:
		if r.ID == head {
			rs.CollectionCommit = snapshot.RestoreCollectionCommit(r.ID, r.CollectionID, r.Mappings, r.RowCount, r.LSN, r.State)
		}
	default:
		return fmt.Errorf("%w: unknown row kind %d", snapshot.ErrCorruptData, r.Kind)
	}
	return nil
}

// changeSetRows flattens a change set into persisted resource rows. The
// collection row is excluded: its id comes from the store-global collection
// counter and is kept in a dedicated slot so it can never collide with the
// per-collection resource ids. Added resources are stored active; ids listed
// in Deactivated are handled by the caller.
func changeSetRows(cs *snapshot.ChangeSet) []row {
	var rows []row

	for _, f := range cs.Fields {
		rows = append(rows, fieldRow(f, model.StateActive))
	}
	for _, e := range cs.FieldElements {
		rows = append(rows, fieldElementRow(e, model.StateActive))
	}
	for _, p := range cs.Partitions {
		rows = append(rows, partitionRow(p, model.StateActive))
	}
	for _, s := range cs.Segments {
		rows = append(rows, segmentRow(s, model.StateActive))
	}
	for _, f := range cs.SegmentFiles {
		rows = append(rows, segmentFileRow(f, model.StateActive))
	}
	for _, c := range cs.SegmentCommits {
		rows = append(rows, segmentCommitRow(c, model.StateActive))
	}
	for _, c := range cs.PartitionCommits {
		rows = append(rows, partitionCommitRow(c, model.StateActive))
	}
	if cs.CollectionCommit != nil {
		rows = append(rows, collectionCommitRow(cs.CollectionCommit, model.StateActive))
	}

	return rows
}
