package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/snapdb/model"
)

type elementKey struct {
	fieldID model.ID
	name    string
}

// Snapshot is an immutable, fully resolved view of one collection's resource
// graph as of one CollectionCommit. Once constructed it never changes and may
// be read concurrently without locking.
//
// Snapshots are reference counted. The registry holds one reference for the
// current generation; callers obtain their own via GetSnapshot and must
// Release it when done.
type Snapshot struct {
	collection *Collection
	commit     *CollectionCommit

	partitions         map[model.ID]*Partition
	partitionCommits   map[model.ID]*PartitionCommit // keyed by partition id
	partitionCommitIDs map[model.ID]*PartitionCommit // keyed by commit id
	segments           map[model.ID]*Segment
	segmentCommits     map[model.ID]*SegmentCommit // keyed by segment id
	segmentCommitIDs   map[model.ID]*SegmentCommit // keyed by commit id
	segmentFiles       map[model.ID]*SegmentFile
	fields             map[model.ID]*Field
	fieldElements      map[model.ID]*FieldElement

	partitionNames map[string]model.ID
	fieldNames     map[string]model.ID
	elementNames   map[elementKey]model.ID

	// sorted views, precomputed at build time
	sortedPartitions []*Partition
	sortedSegments   []*Segment
	sortedFiles      []*SegmentFile
	sortedFields     []*Field
	sortedElements   []*FieldElement

	refs   atomic.Int64
	onZero func(*Snapshot)
}

// newSnapshot resolves the commit chain rooted at rs.CollectionCommit into a
// consistent snapshot. A dangling reference anywhere in the chain yields
// ErrCorruptData.
func newSnapshot(rs *ResourceSet) (*Snapshot, error) {
	if rs.Collection == nil || rs.CollectionCommit == nil {
		return nil, fmt.Errorf("%w: missing collection or head commit", ErrCorruptData)
	}

	ss := &Snapshot{
		collection:         rs.Collection,
		commit:             rs.CollectionCommit,
		partitions:         make(map[model.ID]*Partition),
		partitionCommits:   make(map[model.ID]*PartitionCommit),
		partitionCommitIDs: make(map[model.ID]*PartitionCommit),
		segments:           make(map[model.ID]*Segment),
		segmentCommits:     make(map[model.ID]*SegmentCommit),
		segmentCommitIDs:   make(map[model.ID]*SegmentCommit),
		segmentFiles:       make(map[model.ID]*SegmentFile),
		fields:             make(map[model.ID]*Field),
		fieldElements:      make(map[model.ID]*FieldElement),
		partitionNames:     make(map[string]model.ID),
		fieldNames:         make(map[string]model.ID),
		elementNames:       make(map[elementKey]model.ID),
	}
	ss.refs.Store(1)

	partitionsByID := make(map[model.ID]*Partition, len(rs.Partitions))
	for _, p := range rs.Partitions {
		partitionsByID[p.GetID()] = p
	}
	pcByID := make(map[model.ID]*PartitionCommit, len(rs.PartitionCommits))
	for _, pc := range rs.PartitionCommits {
		pcByID[pc.GetID()] = pc
	}
	segmentsByID := make(map[model.ID]*Segment, len(rs.Segments))
	for _, s := range rs.Segments {
		segmentsByID[s.GetID()] = s
	}
	scByID := make(map[model.ID]*SegmentCommit, len(rs.SegmentCommits))
	for _, sc := range rs.SegmentCommits {
		scByID[sc.GetID()] = sc
	}
	filesByID := make(map[model.ID]*SegmentFile, len(rs.SegmentFiles))
	for _, f := range rs.SegmentFiles {
		filesByID[f.GetID()] = f
	}

	for _, pcID := range rs.CollectionCommit.GetMappings() {
		pc, ok := pcByID[pcID]
		if !ok {
			return nil, fmt.Errorf("%w: partition commit %d not found", ErrCorruptData, pcID)
		}
		p, ok := partitionsByID[pc.GetPartitionID()]
		if !ok {
			return nil, fmt.Errorf("%w: partition %d not found", ErrCorruptData, pc.GetPartitionID())
		}
		ss.partitions[p.GetID()] = p
		ss.partitionCommits[p.GetID()] = pc
		ss.partitionCommitIDs[pc.GetID()] = pc
		ss.partitionNames[p.GetName()] = p.GetID()

		for _, scID := range pc.GetMappings() {
			sc, ok := scByID[scID]
			if !ok {
				return nil, fmt.Errorf("%w: segment commit %d not found", ErrCorruptData, scID)
			}
			seg, ok := segmentsByID[sc.GetSegmentID()]
			if !ok {
				return nil, fmt.Errorf("%w: segment %d not found", ErrCorruptData, sc.GetSegmentID())
			}
			ss.segments[seg.GetID()] = seg
			ss.segmentCommits[seg.GetID()] = sc
			ss.segmentCommitIDs[sc.GetID()] = sc

			for _, fileID := range sc.GetMappings() {
				file, ok := filesByID[fileID]
				if !ok {
					return nil, fmt.Errorf("%w: segment file %d not found", ErrCorruptData, fileID)
				}
				ss.segmentFiles[fileID] = file
			}
		}
	}

	for _, f := range rs.Fields {
		if !f.IsActive() && f.State() != model.StateNew {
			continue
		}
		ss.fields[f.GetID()] = f
		ss.fieldNames[f.GetName()] = f.GetID()
	}
	for _, e := range rs.FieldElements {
		if !e.IsActive() && e.State() != model.StateNew {
			continue
		}
		if _, ok := ss.fields[e.GetFieldID()]; !ok {
			return nil, fmt.Errorf("%w: field %d of element %d not found", ErrCorruptData, e.GetFieldID(), e.GetID())
		}
		ss.fieldElements[e.GetID()] = e
		ss.elementNames[elementKey{fieldID: e.GetFieldID(), name: e.GetName()}] = e.GetID()
	}

	ss.sortedPartitions = sortedByID(ss.partitions)
	ss.sortedSegments = sortedByID(ss.segments)
	ss.sortedFiles = sortedByID(ss.segmentFiles)
	ss.sortedFields = sortedByID(ss.fields)
	ss.sortedElements = sortedByID(ss.fieldElements)

	return ss, nil
}

func sortedByID[T Resource](m map[model.ID]T) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetID() < out[j].GetID() })
	return out
}

// Ref takes an additional reference on the snapshot.
func (ss *Snapshot) Ref() { ss.refs.Add(1) }

// Release drops a reference. When the count reaches zero the snapshot's
// resources become eligible for reclamation.
func (ss *Snapshot) Release() {
	if ss.refs.Add(-1) == 0 && ss.onZero != nil {
		ss.onZero(ss)
	}
}

// GetID returns the collection id.
func (ss *Snapshot) GetID() model.ID { return ss.collection.GetID() }

// GetName returns the collection name.
func (ss *Snapshot) GetName() string { return ss.collection.GetName() }

// GetLSN returns the LSN of the commit this snapshot was built from.
func (ss *Snapshot) GetLSN() model.LSN { return ss.commit.CreatedLSN() }

// GetCollection returns the collection resource.
func (ss *Snapshot) GetCollection() *Collection { return ss.collection }

// GetCollectionCommit returns the root commit of this snapshot.
func (ss *Snapshot) GetCollectionCommit() *CollectionCommit { return ss.commit }

// RowCount returns the total row count of the collection at this snapshot.
func (ss *Snapshot) RowCount() uint64 { return ss.commit.GetRowCount() }

// GetPartition returns the partition with the given id, or nil.
func (ss *Snapshot) GetPartition(id model.ID) *Partition { return ss.partitions[id] }

// GetPartitionByName returns the partition with the given name, or nil.
func (ss *Snapshot) GetPartitionByName(name string) *Partition {
	return ss.partitions[ss.partitionNames[name]]
}

// GetPartitionCommit returns the partition commit versioning the given
// partition, or nil.
func (ss *Snapshot) GetPartitionCommit(partitionID model.ID) *PartitionCommit {
	return ss.partitionCommits[partitionID]
}

// GetSegment returns the segment with the given id, or nil.
func (ss *Snapshot) GetSegment(id model.ID) *Segment { return ss.segments[id] }

// GetSegmentCommit returns the segment commit versioning the given segment,
// or nil.
func (ss *Snapshot) GetSegmentCommit(segmentID model.ID) *SegmentCommit {
	return ss.segmentCommits[segmentID]
}

// GetSegmentFile returns the segment file with the given id, or nil.
func (ss *Snapshot) GetSegmentFile(id model.ID) *SegmentFile { return ss.segmentFiles[id] }

// GetField returns the field with the given id, or nil.
func (ss *Snapshot) GetField(id model.ID) *Field { return ss.fields[id] }

// GetFieldByName returns the field with the given name, or nil.
func (ss *Snapshot) GetFieldByName(name string) *Field { return ss.fields[ss.fieldNames[name]] }

// GetFieldElement returns the field element with the given id, or nil.
func (ss *Snapshot) GetFieldElement(id model.ID) *FieldElement { return ss.fieldElements[id] }

// GetFieldElementID resolves a (field name, element name) pair to the element
// id. It returns 0 if either name does not resolve.
func (ss *Snapshot) GetFieldElementID(fieldName, elementName string) model.ID {
	fieldID, ok := ss.fieldNames[fieldName]
	if !ok {
		return 0
	}
	return ss.elementNames[elementKey{fieldID: fieldID, name: elementName}]
}

// Partitions returns the active partitions ordered by id. The returned slice
// must not be mutated.
func (ss *Snapshot) Partitions() []*Partition { return ss.sortedPartitions }

// Segments returns the active segments ordered by id.
func (ss *Snapshot) Segments() []*Segment { return ss.sortedSegments }

// SegmentFiles returns the active segment files ordered by id.
func (ss *Snapshot) SegmentFiles() []*SegmentFile { return ss.sortedFiles }

// Fields returns the active fields ordered by id.
func (ss *Snapshot) Fields() []*Field { return ss.sortedFields }

// FieldElements returns the active field elements ordered by id.
func (ss *Snapshot) FieldElements() []*FieldElement { return ss.sortedElements }

// segmentsOfPartition returns the active segments of one partition, ordered
// by id.
func (ss *Snapshot) segmentsOfPartition(partitionID model.ID) []*Segment {
	var out []*Segment
	for _, seg := range ss.sortedSegments {
		if seg.GetPartitionID() == partitionID {
			out = append(out, seg)
		}
	}
	return out
}

// idSet returns the ids of every resource (commits included) this snapshot
// references. Used by the reclamation pass to decide what is still pinned.
func (ss *Snapshot) idSet() *roaring64.Bitmap {
	set := roaring64.NewBitmap()
	set.Add(uint64(ss.collection.GetID()))
	set.Add(uint64(ss.commit.GetID()))
	for _, pc := range ss.partitionCommitIDs {
		set.Add(uint64(pc.GetID()))
	}
	for _, sc := range ss.segmentCommitIDs {
		set.Add(uint64(sc.GetID()))
	}
	for id := range ss.partitions {
		set.Add(uint64(id))
	}
	for id := range ss.segments {
		set.Add(uint64(id))
	}
	for id := range ss.segmentFiles {
		set.Add(uint64(id))
	}
	for id := range ss.fields {
		set.Add(uint64(id))
	}
	for id := range ss.fieldElements {
		set.Add(uint64(id))
	}
	return set
}

// toResourceSet flattens the snapshot back into an unresolved resource set.
// Operations extend the result with staged resources before building the
// successor snapshot.
func (ss *Snapshot) toResourceSet() *ResourceSet {
	rs := &ResourceSet{
		Collection:       ss.collection,
		CollectionCommit: ss.commit,
	}
	for _, p := range ss.sortedPartitions {
		rs.Partitions = append(rs.Partitions, p)
	}
	for _, pc := range ss.partitionCommitIDs {
		rs.PartitionCommits = append(rs.PartitionCommits, pc)
	}
	for _, s := range ss.sortedSegments {
		rs.Segments = append(rs.Segments, s)
	}
	for _, sc := range ss.segmentCommitIDs {
		rs.SegmentCommits = append(rs.SegmentCommits, sc)
	}
	for _, f := range ss.sortedFiles {
		rs.SegmentFiles = append(rs.SegmentFiles, f)
	}
	for _, f := range ss.sortedFields {
		rs.Fields = append(rs.Fields, f)
	}
	for _, e := range ss.sortedElements {
		rs.FieldElements = append(rs.FieldElements, e)
	}
	return rs
}

// String produces a deterministic, human-readable dump of the snapshot.
// It is meant for diagnostics and tests, not for parsing.
func (ss *Snapshot) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Collection{id=%d, name=%s, lsn=%d, commit=%d, rows=%d}\n",
		ss.GetID(), ss.GetName(), ss.GetLSN(), ss.commit.GetID(), ss.RowCount())
	for _, p := range ss.sortedPartitions {
		pc := ss.partitionCommits[p.GetID()]
		fmt.Fprintf(&sb, "  Partition{id=%d, name=%s, commit=%d, rows=%d}\n",
			p.GetID(), p.GetName(), pc.GetID(), pc.GetRowCount())
		for _, seg := range ss.segmentsOfPartition(p.GetID()) {
			sc := ss.segmentCommits[seg.GetID()]
			fmt.Fprintf(&sb, "    Segment{id=%d, commit=%d, rows=%d, files=%v}\n",
				seg.GetID(), sc.GetID(), sc.GetRowCount(), sc.GetMappings())
		}
	}
	for _, f := range ss.sortedFields {
		fmt.Fprintf(&sb, "  Field{id=%d, name=%s, type=%s}\n", f.GetID(), f.GetName(), f.GetType())
		for _, e := range ss.sortedElements {
			if e.GetFieldID() != f.GetID() {
				continue
			}
			fmt.Fprintf(&sb, "    FieldElement{id=%d, name=%s, type=%s}\n", e.GetID(), e.GetName(), e.GetType())
		}
	}
	return sb.String()
}
