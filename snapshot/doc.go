// Package snapshot implements the versioned metadata core of snapdb.
//
// Every collection is described by a graph of versioned resources
// (Collection, Partition, Segment, SegmentFile, Field, FieldElement) rolled
// up by immutable commit aggregates (SegmentCommit, PartitionCommit,
// CollectionCommit). A Snapshot is a fully resolved, immutable view of one
// collection as of one CollectionCommit; it is safe to share across
// goroutines without locking.
//
// Structural changes are expressed as Operations: a caller stages new or
// superseded resources against a base Snapshot, then calls Push, which
// validates, persists through the metadata store, and atomically publishes
// the resulting Snapshot to the Registry. Commits for one collection are
// linearized by LSN; a Push against a superseded base fails with
// ErrStaleSnapshot and must be rebuilt against the current Snapshot.
//
// Read-side traversal is provided by SegmentVisitor (one segment's
// field/element/file tree), SegmentIterator (deterministic walk over all
// active segments) and SegmentFileCollector (predicate-filtered file scan).
package snapshot
