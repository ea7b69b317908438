package snapdb

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hupe1980/snapdb/model"
	"github.com/hupe1980/snapdb/snapshot"
)

// MergePolicy decides which committed segments should be merged. Plan
// returns groups of segment ids; every group lies within one partition.
type MergePolicy interface {
	Plan(ss *snapshot.Snapshot) [][]model.ID
}

// TieredMergePolicy merges partitions that accumulated enough small
// segments. Segments at or above MaxSegmentRows are left alone.
type TieredMergePolicy struct {
	// MinSegments is the number of mergeable segments a partition needs
	// before a merge is planned. Default: 4.
	MinSegments int

	// MaxSegmentRows is the row count at which a segment stops being a
	// merge candidate. Default: 1 << 20.
	MaxSegmentRows uint64
}

// DefaultMergePolicy returns the policy used when none is configured.
func DefaultMergePolicy() *TieredMergePolicy {
	return &TieredMergePolicy{
		MinSegments:    4,
		MaxSegmentRows: 1 << 20,
	}
}

// Plan groups the small segments of each partition.
func (p *TieredMergePolicy) Plan(ss *snapshot.Snapshot) [][]model.ID {
	byPartition := make(map[model.ID][]model.ID)
	for _, seg := range ss.Segments() {
		if seg.GetRowCount() >= p.MaxSegmentRows {
			continue
		}
		byPartition[seg.GetPartitionID()] = append(byPartition[seg.GetPartitionID()], seg.GetID())
	}

	var groups [][]model.ID
	for _, ids := range byPartition {
		if len(ids) < p.MinSegments {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		groups = append(groups, ids)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}

// Compact merges segments of a collection according to the merge policy
// until no more merges are planned. Merges run under the background worker
// and IO budgets.
func (db *DB) Compact(ctx context.Context, collection string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if db.mergePolicy == nil {
		return nil
	}

	for {
		ss, err := db.GetSnapshot(ctx, collection)
		if err != nil {
			return err
		}

		groups := db.mergePolicy.Plan(ss)
		if len(groups) == 0 {
			ss.Release()
			return nil
		}

		// One group per snapshot generation; the commit supersedes the
		// snapshot, so later groups re-plan against the successor.
		err = db.mergeGroup(ctx, ss, groups[0])
		ss.Release()
		if err != nil {
			if errors.Is(err, ErrStaleSnapshot) {
				continue
			}
			return err
		}
	}
}

// mergeGroup replaces the given segments with one merged segment. Raw
// element payloads are concatenated; derived elements (indexes, compressed
// data) are not carried over and must be rebuilt.
func (db *DB) mergeGroup(ctx context.Context, ss *snapshot.Snapshot, group []model.ID) error {
	if err := db.ctl.AcquireWorker(ctx); err != nil {
		return err
	}
	defer db.ctl.ReleaseWorker()

	op := snapshot.NewMergeSegmentsOperation(snapshot.OperationContext{LSN: db.nextLSN()}, ss, db.reg, group)

	seg, err := op.CommitNewSegment(ctx)
	if err != nil {
		return err
	}

	inGroup := make(map[model.ID]bool, len(group))
	for _, id := range group {
		inGroup[id] = true
	}

	// Source raw files per element, in segment id order.
	filesByElement := make(map[model.ID][]*snapshot.SegmentFile)
	for _, file := range ss.SegmentFiles() {
		if !inGroup[file.GetSegmentID()] {
			continue
		}
		el := ss.GetFieldElement(file.GetFieldElementID())
		if el == nil || el.GetType() != model.ElementTypeRaw {
			continue
		}
		filesByElement[el.GetID()] = append(filesByElement[el.GetID()], file)
	}

	var written []string
	cleanup := func() {
		for _, path := range written {
			_ = db.blobs.Delete(ctx, path)
		}
	}

	for elementID, files := range filesByElement {
		el := ss.GetFieldElement(elementID)
		field := ss.GetField(el.GetFieldID())
		if field == nil {
			cleanup()
			return fmt.Errorf("%w: field %d for element %d", ErrCorruptData, el.GetFieldID(), elementID)
		}

		var payload []byte
		for _, file := range files {
			data, err := db.vectorFormat.Read(ctx, db.blobs, file.GetPath())
			if err != nil {
				cleanup()
				return err
			}
			if err := db.ctl.WaitIO(ctx, len(data)); err != nil {
				cleanup()
				return err
			}
			payload = append(payload, data...)
		}

		path := segmentFilePath(ss.GetID(), seg.GetID(), field.GetName(), el.GetName())
		if err := db.ctl.WaitIO(ctx, len(payload)); err != nil {
			cleanup()
			return err
		}
		if err := db.vectorFormat.Write(ctx, db.blobs, path, payload); err != nil {
			cleanup()
			return err
		}
		written = append(written, path)

		if _, err := op.CommitNewSegmentFile(ctx, snapshot.SegmentFileContext{
			FieldElementID: elementID,
			Path:           path,
			Size:           int64(len(payload)),
		}); err != nil {
			cleanup()
			return err
		}
	}

	if err := op.Push(ctx); err != nil {
		cleanup()
		return err
	}

	db.logger.InfoContext(ctx, "segments merged",
		"collection", ss.GetName(), "sources", len(group),
		"segment", uint64(seg.GetID()), "rows", seg.GetRowCount())
	return nil
}
