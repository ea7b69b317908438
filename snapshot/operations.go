package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/snapdb/model"
)

// OperationContext carries the caller-supplied inputs of an operation: the
// target LSN and references to prior resources being extended or superseded.
type OperationContext struct {
	// LSN is the log sequence number the commit will be published at. It
	// must be greater than the LSN of the base snapshot.
	LSN model.LSN

	// PrevPartition is the partition new segments are staged under.
	PrevPartition *Partition
}

// CollectionSchema describes a collection to be created.
type CollectionSchema struct {
	Name   string
	Fields []FieldSchema
}

// FieldSchema describes one column of a new collection.
type FieldSchema struct {
	Name     string
	Type     model.FieldType
	Params   map[string]string
	Elements []ElementSchema
}

// ElementSchema describes a derived artifact of a field.
type ElementSchema struct {
	Name string
	Type model.FieldElementType
}

// SegmentFileContext identifies the field element a new segment file
// materializes. The element may be addressed by id or by names.
type SegmentFileContext struct {
	FieldName        string
	FieldElementName string
	FieldElementID   model.ID

	// SegmentID may be left zero to target the operation's staged segment.
	SegmentID model.ID

	Path string
	Size int64
}

// deactivator is any resource that can transition to the stale state.
type deactivator interface {
	GetID() model.ID
	Deactivate()
}

// operationBase implements the shared validate+persist+publish protocol.
type operationBase struct {
	octx   OperationContext
	base   *Snapshot
	reg    *Registry
	pushed bool
}

func (op *operationBase) allocID(ctx context.Context) (model.ID, error) {
	return op.reg.store.AllocateID(ctx, op.base.GetID())
}

// doPush runs the critical section: staleness check, staging via the
// kind-specific build func, durable apply, state transitions, snapshot
// construction and publication. Any error leaves the base snapshot current.
func (op *operationBase) doPush(ctx context.Context, build func(ctx context.Context) (*ChangeSet, []deactivator, error)) error {
	if op.pushed {
		return fmt.Errorf("%w: operation already pushed", ErrInvalidState)
	}

	e := op.reg.entry(op.base.GetID())
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	cur := e.current.Load()
	if cur == nil || cur.GetLSN() != op.base.GetLSN() {
		return fmt.Errorf("%w: base snapshot at lsn %d superseded", ErrStaleSnapshot, op.base.GetLSN())
	}
	if op.octx.LSN <= op.base.GetLSN() {
		return fmt.Errorf("%w: target lsn %d not greater than base lsn %d",
			ErrStaleSnapshot, op.octx.LSN, op.base.GetLSN())
	}

	cs, deactivated, err := build(ctx)
	if err != nil {
		return err
	}
	cs.CollectionID = op.base.GetID()
	cs.LSN = op.octx.LSN
	dropped := make(map[model.ID]struct{}, len(deactivated))
	for _, d := range deactivated {
		cs.Deactivated = append(cs.Deactivated, d.GetID())
		dropped[d.GetID()] = struct{}{}
	}

	// The successor is resolved before anything durable or shared changes;
	// a staging defect fails the push with the base snapshot untouched.
	ss, err := newSnapshot(successorResourceSet(op.base, cs, dropped))
	if err != nil {
		return err
	}

	if err := op.reg.store.Apply(ctx, cs); err != nil {
		return err
	}

	activateChangeSet(cs)
	for _, d := range deactivated {
		d.Deactivate()
	}

	op.reg.publish(ss)
	op.pushed = true
	return nil
}

func activateChangeSet(cs *ChangeSet) {
	if cs.Collection != nil {
		cs.Collection.Activate()
	}
	for _, p := range cs.Partitions {
		p.Activate()
	}
	for _, s := range cs.Segments {
		s.Activate()
	}
	for _, f := range cs.SegmentFiles {
		f.Activate()
	}
	for _, f := range cs.Fields {
		f.Activate()
	}
	for _, e := range cs.FieldElements {
		e.Activate()
	}
	for _, sc := range cs.SegmentCommits {
		sc.Activate()
	}
	for _, pc := range cs.PartitionCommits {
		pc.Activate()
	}
	if cs.CollectionCommit != nil {
		cs.CollectionCommit.Activate()
	}
}

func successorResourceSet(base *Snapshot, cs *ChangeSet, dropped map[model.ID]struct{}) *ResourceSet {
	rs := base.toResourceSet()
	rs.CollectionCommit = cs.CollectionCommit
	rs.Partitions = append(rs.Partitions, cs.Partitions...)
	rs.PartitionCommits = append(rs.PartitionCommits, cs.PartitionCommits...)
	rs.Segments = append(rs.Segments, cs.Segments...)
	rs.SegmentCommits = append(rs.SegmentCommits, cs.SegmentCommits...)
	rs.SegmentFiles = append(rs.SegmentFiles, cs.SegmentFiles...)
	rs.Fields = append(rs.Fields, cs.Fields...)
	rs.FieldElements = append(rs.FieldElements, cs.FieldElements...)

	// Fields and elements are carried by state rather than commit mappings,
	// so the ones being dropped must be filtered out explicitly.
	if len(dropped) > 0 {
		rs.Fields = filterDropped(rs.Fields, dropped)
		rs.FieldElements = filterDropped(rs.FieldElements, dropped)
	}
	return rs
}

func filterDropped[T Resource](in []T, dropped map[model.ID]struct{}) []T {
	out := in[:0]
	for _, r := range in {
		if _, ok := dropped[r.GetID()]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// segmentCommitRows recomputes a partition commit's row count from the
// segment commits it references.
func segmentCommitRows(base *Snapshot, pc *PartitionCommit, staged map[model.ID]*SegmentCommit) (uint64, error) {
	var rows uint64
	for _, scID := range pc.GetMappings() {
		if sc, ok := staged[scID]; ok {
			rows += sc.GetRowCount()
			continue
		}
		sc, ok := base.segmentCommitIDs[scID]
		if !ok {
			return 0, fmt.Errorf("%w: segment commit %d not found", ErrCorruptData, scID)
		}
		rows += sc.GetRowCount()
	}
	return rows, nil
}

// partitionCommitRows recomputes a collection commit's row count from the
// partition commits it references.
func partitionCommitRows(base *Snapshot, cc *CollectionCommit, staged map[model.ID]*PartitionCommit) (uint64, error) {
	var rows uint64
	for _, pcID := range cc.GetMappings() {
		if pc, ok := staged[pcID]; ok {
			rows += pc.GetRowCount()
			continue
		}
		pc, ok := base.partitionCommitIDs[pcID]
		if !ok {
			return 0, fmt.Errorf("%w: partition commit %d not found", ErrCorruptData, pcID)
		}
		rows += pc.GetRowCount()
	}
	return rows, nil
}

// CreateCollectionOperation creates a collection together with its schema,
// its default partition and an empty collection commit.
type CreateCollectionOperation struct {
	octx   OperationContext
	reg    *Registry
	schema CollectionSchema
	pushed bool
}

// NewCreateCollectionOperation constructs the operation. It has no base
// snapshot; duplicate names are checked against the store at push time.
func NewCreateCollectionOperation(octx OperationContext, schema CollectionSchema, reg *Registry) *CreateCollectionOperation {
	return &CreateCollectionOperation{octx: octx, schema: schema, reg: reg}
}

// Push validates and atomically publishes the new collection.
func (op *CreateCollectionOperation) Push(ctx context.Context) error {
	if op.pushed {
		return fmt.Errorf("%w: operation already pushed", ErrInvalidState)
	}
	if op.schema.Name == "" {
		return fmt.Errorf("%w: empty collection name", ErrInvalidState)
	}

	op.reg.createMu.Lock()
	defer op.reg.createMu.Unlock()

	_, err := op.reg.store.LoadCollection(ctx, op.schema.Name)
	switch {
	case err == nil:
		return fmt.Errorf("%w: collection %s", ErrAlreadyExists, op.schema.Name)
	case !errors.Is(err, ErrNotFound):
		return err
	}

	cid, err := op.reg.store.AllocateCollectionID(ctx)
	if err != nil {
		return err
	}
	alloc := func() (model.ID, error) { return op.reg.store.AllocateID(ctx, cid) }

	lsn := op.octx.LSN
	coll := NewCollection(cid, op.schema.Name, lsn)

	cs := &ChangeSet{CollectionID: cid, LSN: lsn, Collection: coll}
	for _, fs := range op.schema.Fields {
		fid, err := alloc()
		if err != nil {
			return err
		}
		cs.Fields = append(cs.Fields, NewField(fid, fs.Name, fs.Type, fs.Params, lsn))
		for _, es := range fs.Elements {
			eid, err := alloc()
			if err != nil {
				return err
			}
			cs.FieldElements = append(cs.FieldElements, NewFieldElement(eid, fid, es.Name, es.Type, lsn))
		}
	}

	pid, err := alloc()
	if err != nil {
		return err
	}
	partition := NewPartition(pid, cid, DefaultPartitionName, lsn)
	cs.Partitions = append(cs.Partitions, partition)

	pcID, err := alloc()
	if err != nil {
		return err
	}
	pc := NewPartitionCommit(pcID, pid, lsn)
	cs.PartitionCommits = append(cs.PartitionCommits, pc)

	ccID, err := alloc()
	if err != nil {
		return err
	}
	cc := NewCollectionCommit(ccID, cid, lsn)
	cc.addMapping(pcID)
	cs.CollectionCommit = cc

	ss, err := newSnapshot(&ResourceSet{
		Collection:       coll,
		CollectionCommit: cc,
		Partitions:       cs.Partitions,
		PartitionCommits: cs.PartitionCommits,
		Fields:           cs.Fields,
		FieldElements:    cs.FieldElements,
	})
	if err != nil {
		return err
	}

	if err := op.reg.store.Apply(ctx, cs); err != nil {
		return err
	}
	activateChangeSet(cs)

	e := op.reg.entry(cid)
	e.commitMu.Lock()
	op.reg.publish(ss)
	e.commitMu.Unlock()

	op.pushed = true
	return nil
}

// CreatePartitionOperation adds a named partition to a collection.
type CreatePartitionOperation struct {
	operationBase
	name string
}

// NewCreatePartitionOperation constructs the operation against a base snapshot.
func NewCreatePartitionOperation(octx OperationContext, base *Snapshot, reg *Registry, name string) *CreatePartitionOperation {
	return &CreatePartitionOperation{operationBase: operationBase{octx: octx, base: base, reg: reg}, name: name}
}

// Push validates and atomically publishes the new partition.
func (op *CreatePartitionOperation) Push(ctx context.Context) error {
	return op.doPush(ctx, func(ctx context.Context) (*ChangeSet, []deactivator, error) {
		if op.name == "" {
			return nil, nil, fmt.Errorf("%w: empty partition name", ErrInvalidState)
		}
		if op.base.GetPartitionByName(op.name) != nil {
			return nil, nil, fmt.Errorf("%w: partition %s", ErrAlreadyExists, op.name)
		}

		pid, err := op.allocID(ctx)
		if err != nil {
			return nil, nil, err
		}
		partition := NewPartition(pid, op.base.GetID(), op.name, op.octx.LSN)

		pcID, err := op.allocID(ctx)
		if err != nil {
			return nil, nil, err
		}
		pc := NewPartitionCommit(pcID, pid, op.octx.LSN)

		ccID, err := op.allocID(ctx)
		if err != nil {
			return nil, nil, err
		}
		cc := op.base.commit.clone(ccID, op.octx.LSN)
		cc.addMapping(pcID)
		rows, err := partitionCommitRows(op.base, cc, map[model.ID]*PartitionCommit{pcID: pc})
		if err != nil {
			return nil, nil, err
		}
		cc.rowCount = rows

		cs := &ChangeSet{
			Partitions:       []*Partition{partition},
			PartitionCommits: []*PartitionCommit{pc},
			CollectionCommit: cc,
		}
		return cs, []deactivator{op.base.commit}, nil
	})
}

// DropPartitionOperation removes a partition and marks its segments and
// their files stale. The default partition cannot be dropped.
type DropPartitionOperation struct {
	operationBase
	name string
}

// NewDropPartitionOperation constructs the operation against a base snapshot.
func NewDropPartitionOperation(octx OperationContext, base *Snapshot, reg *Registry, name string) *DropPartitionOperation {
	return &DropPartitionOperation{operationBase: operationBase{octx: octx, base: base, reg: reg}, name: name}
}

// Push validates and atomically publishes the drop.
func (op *DropPartitionOperation) Push(ctx context.Context) error {
	return op.doPush(ctx, func(ctx context.Context) (*ChangeSet, []deactivator, error) {
		partition := op.base.GetPartitionByName(op.name)
		if partition == nil {
			return nil, nil, fmt.Errorf("%w: partition %s", ErrNotFound, op.name)
		}
		if partition.GetName() == DefaultPartitionName {
			return nil, nil, fmt.Errorf("%w: cannot drop the default partition", ErrInvalidState)
		}

		oldPC := op.base.GetPartitionCommit(partition.GetID())
		if oldPC == nil {
			return nil, nil, fmt.Errorf("%w: partition commit for partition %d not found", ErrCorruptData, partition.GetID())
		}

		ccID, err := op.allocID(ctx)
		if err != nil {
			return nil, nil, err
		}
		cc := op.base.commit.clone(ccID, op.octx.LSN)
		cc.removeMapping(oldPC.GetID())
		rows, err := partitionCommitRows(op.base, cc, nil)
		if err != nil {
			return nil, nil, err
		}
		cc.rowCount = rows

		deactivated := []deactivator{op.base.commit, oldPC, partition}
		for _, seg := range op.base.segmentsOfPartition(partition.GetID()) {
			deactivated = append(deactivated, seg)
			if sc := op.base.GetSegmentCommit(seg.GetID()); sc != nil {
				deactivated = append(deactivated, sc)
			}
			for _, file := range op.base.SegmentFiles() {
				if file.GetSegmentID() == seg.GetID() {
					deactivated = append(deactivated, file)
				}
			}
		}

		return &ChangeSet{CollectionCommit: cc}, deactivated, nil
	})
}

// NewSegmentOperation stages one new segment plus zero or more segment files
// under a partition given by OperationContext.PrevPartition.
type NewSegmentOperation struct {
	operationBase
	segment *Segment
	files   []*SegmentFile
}

// NewNewSegmentOperation constructs the operation against a base snapshot.
func NewNewSegmentOperation(octx OperationContext, base *Snapshot, reg *Registry) *NewSegmentOperation {
	return &NewSegmentOperation{operationBase: operationBase{octx: octx, base: base, reg: reg}}
}

// CommitNewSegment stages the new segment.
func (op *NewSegmentOperation) CommitNewSegment(ctx context.Context) (*Segment, error) {
	if op.segment != nil {
		return nil, fmt.Errorf("%w: segment already staged", ErrInvalidState)
	}
	prev := op.octx.PrevPartition
	if prev == nil {
		return nil, fmt.Errorf("%w: missing prev partition", ErrInvalidState)
	}
	if op.base.GetPartition(prev.GetID()) == nil {
		return nil, fmt.Errorf("%w: partition %d", ErrNotFound, prev.GetID())
	}

	id, err := op.allocID(ctx)
	if err != nil {
		return nil, err
	}
	op.segment = NewSegment(id, prev.GetID(), op.octx.LSN)
	return op.segment, nil
}

// CommitNewSegmentFile stages a file of the staged segment. The referenced
// field element must be active in the base snapshot.
func (op *NewSegmentOperation) CommitNewSegmentFile(ctx context.Context, sfc SegmentFileContext) (*SegmentFile, error) {
	if op.segment == nil {
		return nil, fmt.Errorf("%w: no staged segment", ErrInvalidState)
	}
	if sfc.SegmentID != 0 && sfc.SegmentID != op.segment.GetID() {
		return nil, fmt.Errorf("%w: segment %d is not the staged segment", ErrInvalidState, sfc.SegmentID)
	}
	elementID := sfc.FieldElementID
	if elementID == 0 {
		elementID = op.base.GetFieldElementID(sfc.FieldName, sfc.FieldElementName)
	}
	if op.base.GetFieldElement(elementID) == nil {
		return nil, fmt.Errorf("%w: field element %s/%s", ErrNotFound, sfc.FieldName, sfc.FieldElementName)
	}

	id, err := op.allocID(ctx)
	if err != nil {
		return nil, err
	}
	file := NewSegmentFile(id, op.segment.GetID(), elementID, sfc.Path, sfc.Size, op.octx.LSN)
	op.files = append(op.files, file)
	return file, nil
}

// CommitRowCount records the row count of the staged segment.
func (op *NewSegmentOperation) CommitRowCount(rows uint64) error {
	if op.segment == nil {
		return fmt.Errorf("%w: no staged segment", ErrInvalidState)
	}
	op.segment.SetRowCount(rows)
	return nil
}

// StagedSegment returns the staged segment, or nil.
func (op *NewSegmentOperation) StagedSegment() *Segment { return op.segment }

// StagedFiles returns the staged segment files.
func (op *NewSegmentOperation) StagedFiles() []*SegmentFile { return op.files }

// Push validates and atomically publishes the new segment.
func (op *NewSegmentOperation) Push(ctx context.Context) error {
	return op.doPush(ctx, func(ctx context.Context) (*ChangeSet, []deactivator, error) {
		if op.segment == nil {
			return nil, nil, fmt.Errorf("%w: no staged segment", ErrInvalidState)
		}

		scID, err := op.allocID(ctx)
		if err != nil {
			return nil, nil, err
		}
		sc := NewSegmentCommit(scID, op.segment.GetID(), op.octx.LSN)
		for _, f := range op.files {
			sc.addMapping(f.GetID())
		}
		sc.rowCount = op.segment.GetRowCount()

		basePC := op.base.GetPartitionCommit(op.segment.GetPartitionID())
		if basePC == nil {
			return nil, nil, fmt.Errorf("%w: partition commit for partition %d not found", ErrCorruptData, op.segment.GetPartitionID())
		}
		pcID, err := op.allocID(ctx)
		if err != nil {
			return nil, nil, err
		}
		pc := basePC.clone(pcID, op.octx.LSN)
		pc.addMapping(scID)
		rows, err := segmentCommitRows(op.base, pc, map[model.ID]*SegmentCommit{scID: sc})
		if err != nil {
			return nil, nil, err
		}
		pc.rowCount = rows

		ccID, err := op.allocID(ctx)
		if err != nil {
			return nil, nil, err
		}
		cc := op.base.commit.clone(ccID, op.octx.LSN)
		cc.removeMapping(basePC.GetID())
		cc.addMapping(pcID)
		total, err := partitionCommitRows(op.base, cc, map[model.ID]*PartitionCommit{pcID: pc})
		if err != nil {
			return nil, nil, err
		}
		cc.rowCount = total

		cs := &ChangeSet{
			Segments:         []*Segment{op.segment},
			SegmentFiles:     op.files,
			SegmentCommits:   []*SegmentCommit{sc},
			PartitionCommits: []*PartitionCommit{pc},
			CollectionCommit: cc,
		}
		return cs, []deactivator{op.base.commit, basePC}, nil
	})
}

// DropIndexOperation removes a field element and marks every segment file
// that materializes it stale.
type DropIndexOperation struct {
	operationBase
	fieldName   string
	elementName string
}

// NewDropIndexOperation constructs the operation against a base snapshot.
func NewDropIndexOperation(octx OperationContext, base *Snapshot, reg *Registry, fieldName, elementName string) *DropIndexOperation {
	return &DropIndexOperation{
		operationBase: operationBase{octx: octx, base: base, reg: reg},
		fieldName:     fieldName,
		elementName:   elementName,
	}
}

// Push validates and atomically publishes the drop.
func (op *DropIndexOperation) Push(ctx context.Context) error {
	return op.doPush(ctx, func(ctx context.Context) (*ChangeSet, []deactivator, error) {
		elementID := op.base.GetFieldElementID(op.fieldName, op.elementName)
		if elementID == 0 {
			return nil, nil, fmt.Errorf("%w: field element %s/%s", ErrNotFound, op.fieldName, op.elementName)
		}
		element := op.base.GetFieldElement(elementID)
		if element.GetType() != model.ElementTypeIndex {
			return nil, nil, fmt.Errorf("%w: field element %s/%s is not an index", ErrInvalidState, op.fieldName, op.elementName)
		}

		// Group the element's files by segment.
		filesBySegment := make(map[model.ID][]*SegmentFile)
		for _, file := range op.base.SegmentFiles() {
			if file.GetFieldElementID() == elementID {
				filesBySegment[file.GetSegmentID()] = append(filesBySegment[file.GetSegmentID()], file)
			}
		}

		deactivated := []deactivator{op.base.commit, element}
		stagedSCs := make(map[model.ID]*SegmentCommit)
		newSCBySegment := make(map[model.ID]*SegmentCommit)
		for segID, files := range filesBySegment {
			oldSC := op.base.GetSegmentCommit(segID)
			if oldSC == nil {
				return nil, nil, fmt.Errorf("%w: segment commit for segment %d not found", ErrCorruptData, segID)
			}
			scID, err := op.allocID(ctx)
			if err != nil {
				return nil, nil, err
			}
			sc := oldSC.clone(scID, op.octx.LSN)
			for _, f := range files {
				sc.removeMapping(f.GetID())
				deactivated = append(deactivated, f)
			}
			stagedSCs[scID] = sc
			newSCBySegment[segID] = sc
			deactivated = append(deactivated, oldSC)
		}

		// Rebuild the partition commits whose segments changed.
		stagedPCs := make(map[model.ID]*PartitionCommit)
		cs := &ChangeSet{}
		touchedPartitions := make(map[model.ID]bool)
		for segID := range filesBySegment {
			seg := op.base.GetSegment(segID)
			if seg == nil {
				return nil, nil, fmt.Errorf("%w: segment %d not found", ErrCorruptData, segID)
			}
			touchedPartitions[seg.GetPartitionID()] = true
		}

		ccID, err := op.allocID(ctx)
		if err != nil {
			return nil, nil, err
		}
		cc := op.base.commit.clone(ccID, op.octx.LSN)

		for pid := range touchedPartitions {
			oldPC := op.base.GetPartitionCommit(pid)
			if oldPC == nil {
				return nil, nil, fmt.Errorf("%w: partition commit for partition %d not found", ErrCorruptData, pid)
			}
			pcID, err := op.allocID(ctx)
			if err != nil {
				return nil, nil, err
			}
			pc := oldPC.clone(pcID, op.octx.LSN)
			for _, seg := range op.base.segmentsOfPartition(pid) {
				newSC, ok := newSCBySegment[seg.GetID()]
				if !ok {
					continue
				}
				oldSC := op.base.GetSegmentCommit(seg.GetID())
				pc.removeMapping(oldSC.GetID())
				pc.addMapping(newSC.GetID())
			}
			rows, err := segmentCommitRows(op.base, pc, stagedSCs)
			if err != nil {
				return nil, nil, err
			}
			pc.rowCount = rows

			cc.removeMapping(oldPC.GetID())
			cc.addMapping(pcID)
			stagedPCs[pcID] = pc
			deactivated = append(deactivated, oldPC)
			cs.PartitionCommits = append(cs.PartitionCommits, pc)
		}

		total, err := partitionCommitRows(op.base, cc, stagedPCs)
		if err != nil {
			return nil, nil, err
		}
		cc.rowCount = total
		cs.CollectionCommit = cc
		for _, sc := range stagedSCs {
			cs.SegmentCommits = append(cs.SegmentCommits, sc)
		}
		return cs, deactivated, nil
	})
}

// MergeSegmentsOperation stages one replacement segment consuming the rows of
// multiple superseded segments of the same partition.
type MergeSegmentsOperation struct {
	operationBase
	sourceIDs []model.ID
	segment   *Segment
	files     []*SegmentFile
}

// NewMergeSegmentsOperation constructs the operation against a base snapshot.
func NewMergeSegmentsOperation(octx OperationContext, base *Snapshot, reg *Registry, sourceIDs []model.ID) *MergeSegmentsOperation {
	return &MergeSegmentsOperation{
		operationBase: operationBase{octx: octx, base: base, reg: reg},
		sourceIDs:     sourceIDs,
	}
}

// CommitNewSegment stages the replacement segment. Its row count is the sum
// of the source segments' row counts.
func (op *MergeSegmentsOperation) CommitNewSegment(ctx context.Context) (*Segment, error) {
	if op.segment != nil {
		return nil, fmt.Errorf("%w: segment already staged", ErrInvalidState)
	}
	if len(op.sourceIDs) < 2 {
		return nil, fmt.Errorf("%w: merge needs at least two source segments", ErrInvalidState)
	}

	var partitionID model.ID
	var rows uint64
	for _, segID := range op.sourceIDs {
		seg := op.base.GetSegment(segID)
		if seg == nil {
			return nil, fmt.Errorf("%w: segment %d", ErrNotFound, segID)
		}
		if partitionID == 0 {
			partitionID = seg.GetPartitionID()
		} else if seg.GetPartitionID() != partitionID {
			return nil, fmt.Errorf("%w: merge sources span partitions", ErrInvalidState)
		}
		rows += seg.GetRowCount()
	}

	id, err := op.allocID(ctx)
	if err != nil {
		return nil, err
	}
	op.segment = NewSegment(id, partitionID, op.octx.LSN)
	op.segment.SetRowCount(rows)
	return op.segment, nil
}

// CommitNewSegmentFile stages a file of the replacement segment.
func (op *MergeSegmentsOperation) CommitNewSegmentFile(ctx context.Context, sfc SegmentFileContext) (*SegmentFile, error) {
	if op.segment == nil {
		return nil, fmt.Errorf("%w: no staged segment", ErrInvalidState)
	}
	elementID := sfc.FieldElementID
	if elementID == 0 {
		elementID = op.base.GetFieldElementID(sfc.FieldName, sfc.FieldElementName)
	}
	if op.base.GetFieldElement(elementID) == nil {
		return nil, fmt.Errorf("%w: field element %s/%s", ErrNotFound, sfc.FieldName, sfc.FieldElementName)
	}

	id, err := op.allocID(ctx)
	if err != nil {
		return nil, err
	}
	file := NewSegmentFile(id, op.segment.GetID(), elementID, sfc.Path, sfc.Size, op.octx.LSN)
	op.files = append(op.files, file)
	return file, nil
}

// StagedSegment returns the staged replacement segment, or nil.
func (op *MergeSegmentsOperation) StagedSegment() *Segment { return op.segment }

// Push validates and atomically publishes the merge.
func (op *MergeSegmentsOperation) Push(ctx context.Context) error {
	return op.doPush(ctx, func(ctx context.Context) (*ChangeSet, []deactivator, error) {
		if op.segment == nil {
			return nil, nil, fmt.Errorf("%w: no staged segment", ErrInvalidState)
		}

		scID, err := op.allocID(ctx)
		if err != nil {
			return nil, nil, err
		}
		sc := NewSegmentCommit(scID, op.segment.GetID(), op.octx.LSN)
		for _, f := range op.files {
			sc.addMapping(f.GetID())
		}
		sc.rowCount = op.segment.GetRowCount()

		basePC := op.base.GetPartitionCommit(op.segment.GetPartitionID())
		if basePC == nil {
			return nil, nil, fmt.Errorf("%w: partition commit for partition %d not found", ErrCorruptData, op.segment.GetPartitionID())
		}

		pcID, err := op.allocID(ctx)
		if err != nil {
			return nil, nil, err
		}
		pc := basePC.clone(pcID, op.octx.LSN)
		pc.addMapping(scID)

		deactivated := []deactivator{op.base.commit, basePC}
		for _, segID := range op.sourceIDs {
			seg := op.base.GetSegment(segID)
			if seg == nil || !seg.IsActive() {
				return nil, nil, fmt.Errorf("%w: segment %d", ErrNotFound, segID)
			}
			oldSC := op.base.GetSegmentCommit(segID)
			if oldSC == nil {
				return nil, nil, fmt.Errorf("%w: segment commit for segment %d not found", ErrCorruptData, segID)
			}
			pc.removeMapping(oldSC.GetID())
			deactivated = append(deactivated, seg, oldSC)
			for _, file := range op.base.SegmentFiles() {
				if file.GetSegmentID() == segID {
					deactivated = append(deactivated, file)
				}
			}
		}
		rows, err := segmentCommitRows(op.base, pc, map[model.ID]*SegmentCommit{scID: sc})
		if err != nil {
			return nil, nil, err
		}
		pc.rowCount = rows

		ccID, err := op.allocID(ctx)
		if err != nil {
			return nil, nil, err
		}
		cc := op.base.commit.clone(ccID, op.octx.LSN)
		cc.removeMapping(basePC.GetID())
		cc.addMapping(pcID)
		total, err := partitionCommitRows(op.base, cc, map[model.ID]*PartitionCommit{pcID: pc})
		if err != nil {
			return nil, nil, err
		}
		cc.rowCount = total

		cs := &ChangeSet{
			Segments:         []*Segment{op.segment},
			SegmentFiles:     op.files,
			SegmentCommits:   []*SegmentCommit{sc},
			PartitionCommits: []*PartitionCommit{pc},
			CollectionCommit: cc,
		}
		return cs, deactivated, nil
	})
}

// DropCollectionOperation drops a whole collection. The final snapshot stays
// readable for holders of existing references; the collection disappears
// from the registry and the store's active name index.
type DropCollectionOperation struct {
	operationBase
}

// NewDropCollectionOperation constructs the operation against a base snapshot.
func NewDropCollectionOperation(octx OperationContext, base *Snapshot, reg *Registry) *DropCollectionOperation {
	return &DropCollectionOperation{operationBase: operationBase{octx: octx, base: base, reg: reg}}
}

// Push validates and atomically publishes the drop.
func (op *DropCollectionOperation) Push(ctx context.Context) error {
	if op.pushed {
		return fmt.Errorf("%w: operation already pushed", ErrInvalidState)
	}

	e := op.reg.entry(op.base.GetID())
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	cur := e.current.Load()
	if cur == nil || cur.GetLSN() != op.base.GetLSN() {
		return fmt.Errorf("%w: base snapshot at lsn %d superseded", ErrStaleSnapshot, op.base.GetLSN())
	}

	cs := &ChangeSet{
		CollectionID:   op.base.GetID(),
		LSN:            op.octx.LSN,
		DropCollection: true,
	}
	// The collection row itself is retired by the DropCollection flag; its
	// id never enters Deactivated, which addresses per-collection resources.
	deactivated := []deactivator{op.base.commit}
	for _, p := range op.base.Partitions() {
		deactivated = append(deactivated, p, op.base.GetPartitionCommit(p.GetID()))
	}
	for _, seg := range op.base.Segments() {
		deactivated = append(deactivated, seg, op.base.GetSegmentCommit(seg.GetID()))
	}
	for _, f := range op.base.SegmentFiles() {
		deactivated = append(deactivated, f)
	}
	for _, f := range op.base.Fields() {
		deactivated = append(deactivated, f)
	}
	for _, el := range op.base.FieldElements() {
		deactivated = append(deactivated, el)
	}
	for _, d := range deactivated {
		cs.Deactivated = append(cs.Deactivated, d.GetID())
	}

	if err := op.reg.store.Apply(ctx, cs); err != nil {
		return err
	}
	op.base.GetCollection().Deactivate()
	for _, d := range deactivated {
		d.Deactivate()
	}

	op.reg.unpublish(cur)
	op.pushed = true
	return nil
}
