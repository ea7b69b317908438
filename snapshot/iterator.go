package snapshot

import (
	"errors"
	"sort"
)

// SegmentExecutor is invoked once per active segment during iteration. The
// iterator itself is passed so the executor can inspect accumulated state.
type SegmentExecutor func(segment *Segment, it *SegmentIterator) error

// SegmentIterator walks all active segments of a snapshot in deterministic
// order: partitions ascending by id, then segments ascending by id.
//
// By default iteration short-circuits on the first executor error. With
// ContinueOnError set, iteration visits every segment and GetStatus returns
// the joined errors.
type SegmentIterator struct {
	snapshot *Snapshot
	executor SegmentExecutor

	// ContinueOnError keeps iterating past failing segments, aggregating
	// the errors instead of stopping at the first one.
	ContinueOnError bool

	status error
}

// NewSegmentIterator creates an iterator over the snapshot's segments.
func NewSegmentIterator(ss *Snapshot, executor SegmentExecutor) *SegmentIterator {
	return &SegmentIterator{snapshot: ss, executor: executor}
}

// Iterate runs the executor over every active segment.
func (it *SegmentIterator) Iterate() {
	for _, partition := range it.snapshot.Partitions() {
		for _, segment := range it.snapshot.segmentsOfPartition(partition.GetID()) {
			if err := it.executor(segment, it); err != nil {
				if !it.ContinueOnError {
					it.status = err
					return
				}
				it.status = errors.Join(it.status, err)
			}
		}
	}
}

// GetStatus returns the aggregated iteration status; nil means every
// executor invocation succeeded.
func (it *SegmentIterator) GetStatus() error { return it.status }

// SegmentFileFilter is a pure predicate over segment files. It must not
// mutate the file and must be total.
type SegmentFileFilter func(file *SegmentFile) bool

// SegmentFileCollector gathers all active segment files of a snapshot that
// satisfy a predicate, ordered by file id.
type SegmentFileCollector struct {
	snapshot *Snapshot
	filter   SegmentFileFilter
	files    []*SegmentFile
}

// NewSegmentFileCollector creates a collector with the given predicate.
// A nil filter matches every file.
func NewSegmentFileCollector(ss *Snapshot, filter SegmentFileFilter) *SegmentFileCollector {
	return &SegmentFileCollector{snapshot: ss, filter: filter}
}

// Iterate scans the snapshot and materializes the matching files.
func (c *SegmentFileCollector) Iterate() {
	c.files = c.files[:0]
	for _, file := range c.snapshot.SegmentFiles() {
		if !file.IsActive() {
			continue
		}
		if c.filter == nil || c.filter(file) {
			c.files = append(c.files, file)
		}
	}
	sort.Slice(c.files, func(i, j int) bool { return c.files[i].GetID() < c.files[j].GetID() })
}

// Files returns the collected files.
func (c *SegmentFileCollector) Files() []*SegmentFile { return c.files }
