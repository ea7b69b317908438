package snapdb

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/snapdb/model"
	"github.com/hupe1980/snapdb/snapshot"
)

// Entities is one batch of rows to insert: a row count plus the raw column
// payload per field.
type Entities struct {
	Rows   uint64
	Fields map[string][]byte
}

// insertBuffer accumulates inserted batches of one (collection, partition)
// pair until Flush turns them into a segment.
type insertBuffer struct {
	rows   uint64
	fields map[string][]byte
}

func (b *insertBuffer) add(e Entities) {
	b.rows += e.Rows
	for name, data := range e.Fields {
		b.fields[name] = append(b.fields[name], data...)
	}
}

// InsertEntities buffers a batch of rows for the given partition. An empty
// partition name targets the default partition. Buffered rows become visible
// after Flush.
func (db *DB) InsertEntities(ctx context.Context, collection, partition string, e Entities) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if e.Rows == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidState)
	}
	if partition == "" {
		partition = snapshot.DefaultPartitionName
	}

	ss, err := db.GetSnapshot(ctx, collection)
	if err != nil {
		return err
	}
	defer ss.Release()

	if ss.GetPartitionByName(partition) == nil {
		return fmt.Errorf("%w: partition %s", ErrNotFound, partition)
	}
	for name := range e.Fields {
		if ss.GetFieldByName(name) == nil {
			return fmt.Errorf("%w: field %s", ErrNotFound, name)
		}
		if ss.GetFieldElementID(name, RawElementName) == 0 {
			return fmt.Errorf("%w: field %s has no raw element", ErrInvalidState, name)
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	parts, ok := db.buffers[collection]
	if !ok {
		parts = make(map[string]*insertBuffer)
		db.buffers[collection] = parts
	}
	buf, ok := parts[partition]
	if !ok {
		buf = &insertBuffer{fields: make(map[string][]byte)}
		parts[partition] = buf
	}
	buf.add(e)
	return nil
}

// Flush turns the buffered rows of the given collections into committed
// segments. With no arguments, every collection with buffered rows is
// flushed. Collections flush concurrently; buffers are restored on failure.
func (db *DB) Flush(ctx context.Context, collections ...string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	db.mu.Lock()
	if len(collections) == 0 {
		for name := range db.buffers {
			collections = append(collections, name)
		}
	}
	taken := make(map[string]map[string]*insertBuffer, len(collections))
	for _, name := range collections {
		if parts, ok := db.buffers[name]; ok && len(parts) > 0 {
			taken[name] = parts
			delete(db.buffers, name)
		}
	}
	db.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for name, parts := range taken {
		g.Go(func() error {
			for partition, buf := range parts {
				if err := db.flushBuffer(gctx, name, partition, buf); err != nil {
					db.restoreBuffer(name, partition, buf)
					return fmt.Errorf("flush %s/%s: %w", name, partition, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (db *DB) restoreBuffer(collection, partition string, buf *insertBuffer) {
	db.mu.Lock()
	defer db.mu.Unlock()

	parts, ok := db.buffers[collection]
	if !ok {
		parts = make(map[string]*insertBuffer)
		db.buffers[collection] = parts
	}
	if cur, ok := parts[partition]; ok {
		// New rows arrived during the failed flush; keep both, with the
		// restored rows first to preserve insertion order.
		cur.rows += buf.rows
		for name, data := range buf.fields {
			merged := make([]byte, 0, len(data)+len(cur.fields[name]))
			merged = append(merged, data...)
			merged = append(merged, cur.fields[name]...)
			cur.fields[name] = merged
		}
		return
	}
	parts[partition] = buf
}

// flushBuffer writes the buffer's column payloads as segment files and
// commits the new segment.
func (db *DB) flushBuffer(ctx context.Context, collection, partition string, buf *insertBuffer) error {
	return db.withCurrent(ctx, collection, func(ss *snapshot.Snapshot) error {
		p := ss.GetPartitionByName(partition)
		if p == nil {
			return fmt.Errorf("%w: partition %s", ErrNotFound, partition)
		}

		op := snapshot.NewNewSegmentOperation(snapshot.OperationContext{
			LSN:           db.nextLSN(),
			PrevPartition: p,
		}, ss, db.reg)

		seg, err := op.CommitNewSegment(ctx)
		if err != nil {
			return err
		}

		var written []string
		cleanup := func() {
			for _, path := range written {
				_ = db.blobs.Delete(ctx, path)
			}
		}

		for field, payload := range buf.fields {
			path := segmentFilePath(ss.GetID(), seg.GetID(), field, RawElementName)
			if err := db.vectorFormat.Write(ctx, db.blobs, path, payload); err != nil {
				cleanup()
				return err
			}
			written = append(written, path)

			if _, err := op.CommitNewSegmentFile(ctx, snapshot.SegmentFileContext{
				FieldName:        field,
				FieldElementName: RawElementName,
				Path:             path,
				Size:             int64(len(payload)),
			}); err != nil {
				cleanup()
				return err
			}
		}

		if err := op.CommitRowCount(buf.rows); err != nil {
			cleanup()
			return err
		}
		if err := op.Push(ctx); err != nil {
			cleanup()
			return err
		}

		db.logger.InfoContext(ctx, "segment flushed",
			"collection", collection, "partition", partition,
			"segment", uint64(seg.GetID()), "rows", buf.rows)
		return nil
	})
}

// segmentFilePath names the blob holding one element payload of a segment.
func segmentFilePath(collectionID, segmentID model.ID, field, element string) string {
	return fmt.Sprintf("collections/%d/segments/%d/%s_%s", collectionID, segmentID, field, element)
}
