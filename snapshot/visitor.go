package snapshot

import (
	"fmt"
	"strings"

	"github.com/hupe1980/snapdb/model"
)

// FieldElementVisitor exposes one field element of a visited segment and the
// active segment file materializing it, if any.
type FieldElementVisitor struct {
	element *FieldElement
	file    *SegmentFile
}

// GetElement returns the visited field element.
func (v *FieldElementVisitor) GetElement() *FieldElement { return v.element }

// GetFile returns the segment file materializing the element, or nil.
func (v *FieldElementVisitor) GetFile() *SegmentFile { return v.file }

// FieldVisitor exposes one field of a visited segment and its element visitors.
type FieldVisitor struct {
	field    *Field
	elements []*FieldElementVisitor
}

// GetField returns the visited field.
func (v *FieldVisitor) GetField() *Field { return v.field }

// GetElementVisitors returns the element visitors ordered by element id.
func (v *FieldVisitor) GetElementVisitors() []*FieldElementVisitor { return v.elements }

// SegmentVisitor resolves the full field -> element -> file structure of one
// segment within a snapshot.
type SegmentVisitor struct {
	snapshot *Snapshot
	segment  *Segment
	fields   []*FieldVisitor
}

// BuildSegmentVisitor resolves the visitor for an active segment. It fails
// with ErrNotFound if the segment id is absent from the snapshot; a dangling
// file reference fails with ErrCorruptData.
func BuildSegmentVisitor(ss *Snapshot, segmentID model.ID) (*SegmentVisitor, error) {
	segment := ss.GetSegment(segmentID)
	if segment == nil {
		return nil, fmt.Errorf("%w: segment %d", ErrNotFound, segmentID)
	}
	sc := ss.GetSegmentCommit(segmentID)
	if sc == nil {
		return nil, fmt.Errorf("%w: segment commit for segment %d not found", ErrCorruptData, segmentID)
	}
	files := make([]*SegmentFile, 0, sc.NumMappings())
	for _, fileID := range sc.GetMappings() {
		file := ss.GetSegmentFile(fileID)
		if file == nil {
			return nil, fmt.Errorf("%w: segment file %d not found", ErrCorruptData, fileID)
		}
		files = append(files, file)
	}
	return buildSegmentVisitor(ss, segment, files)
}

// BuildStagedSegmentVisitor resolves the visitor for a segment staged by an
// operation that has not been pushed yet, together with its staged files.
func BuildStagedSegmentVisitor(ss *Snapshot, segment *Segment, files []*SegmentFile) (*SegmentVisitor, error) {
	if segment == nil {
		return nil, fmt.Errorf("%w: nil segment", ErrNotFound)
	}
	return buildSegmentVisitor(ss, segment, files)
}

func buildSegmentVisitor(ss *Snapshot, segment *Segment, files []*SegmentFile) (*SegmentVisitor, error) {
	fileByElement := make(map[model.ID]*SegmentFile, len(files))
	for _, f := range files {
		fileByElement[f.GetFieldElementID()] = f
	}

	v := &SegmentVisitor{snapshot: ss, segment: segment}
	for _, field := range ss.Fields() {
		fv := &FieldVisitor{field: field}
		for _, element := range ss.FieldElements() {
			if element.GetFieldID() != field.GetID() {
				continue
			}
			fv.elements = append(fv.elements, &FieldElementVisitor{
				element: element,
				file:    fileByElement[element.GetID()],
			})
		}
		v.fields = append(v.fields, fv)
	}
	return v, nil
}

// GetSegment returns the visited segment.
func (v *SegmentVisitor) GetSegment() *Segment { return v.segment }

// GetFieldVisitors returns the field visitors ordered by field id.
func (v *SegmentVisitor) GetFieldVisitors() []*FieldVisitor { return v.fields }

// String produces a deterministic dump of the visited structure.
func (v *SegmentVisitor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SegmentVisitor{segment=%d, partition=%d, rows=%d}\n",
		v.segment.GetID(), v.segment.GetPartitionID(), v.segment.GetRowCount())
	for _, fv := range v.fields {
		fmt.Fprintf(&sb, "  Field{id=%d, name=%s}\n", fv.field.GetID(), fv.field.GetName())
		for _, ev := range fv.elements {
			if ev.file != nil {
				fmt.Fprintf(&sb, "    Element{id=%d, name=%s} file=%d size=%d\n",
					ev.element.GetID(), ev.element.GetName(), ev.file.GetID(), ev.file.GetSize())
			} else {
				fmt.Fprintf(&sb, "    Element{id=%d, name=%s} file=none\n",
					ev.element.GetID(), ev.element.GetName())
			}
		}
	}
	return sb.String()
}
