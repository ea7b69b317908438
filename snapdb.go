// Package snapdb provides an embedded, MVCC-versioned metadata engine for
// vector database storage: collections, partitions, segments and their
// files are versioned resources, and every mutation publishes an immutable
// point-in-time snapshot.
//
// Readers take a reference-counted snapshot and never block writers;
// writers commit optimistically against the snapshot they started from and
// fail with ErrStaleSnapshot when a concurrent commit got there first.
// Resources a superseded snapshot referenced exclusively are reclaimed in
// the background once the last reference is released.
//
// # Quick start
//
//	db, err := snapdb.New()
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	ctx := context.Background()
//	err = db.CreateCollection(ctx, snapdb.CollectionSchema{
//	    Name: "products",
//	    Fields: []snapdb.FieldSchema{
//	        {Name: "vector", Type: model.FieldTypeVector, Params: map[string]string{model.DimParam: "128"}},
//	    },
//	})
//
//	err = db.InsertEntities(ctx, "products", "", snapdb.Entities{
//	    Rows:   100,
//	    Fields: map[string][]byte{"vector": payload},
//	})
//	err = db.Flush(ctx, "products")
//
// Persistence is pluggable: pass a metastore.BlobMetaStore and a local, S3
// or MinIO blob store to run durably.
package snapdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/snapdb/blobstore"
	"github.com/hupe1980/snapdb/metastore"
	"github.com/hupe1980/snapdb/model"
	"github.com/hupe1980/snapdb/resource"
	"github.com/hupe1980/snapdb/segcodec"
	"github.com/hupe1980/snapdb/snapshot"
)

// Schema types accepted by CreateCollection.
type (
	// CollectionSchema describes a collection to be created.
	CollectionSchema = snapshot.CollectionSchema
	// FieldSchema describes one column of a new collection.
	FieldSchema = snapshot.FieldSchema
	// ElementSchema describes a derived artifact of a field.
	ElementSchema = snapshot.ElementSchema
)

// RawElementName is the field element holding a field's raw column data.
// CreateCollection adds it to every field that declares no elements.
const RawElementName = "_raw"

// commitRetries bounds optimistic retries when a concurrent commit
// supersedes an operation's base snapshot.
const commitRetries = 3

// DB is an embedded MVCC metadata engine for vector database storage.
type DB struct {
	reg       *snapshot.Registry
	store     snapshot.MetaStore
	blobs     blobstore.BlobStore
	ctl       *resource.Controller
	reclaimer *snapshot.Reclaimer
	logger    *Logger

	mergePolicy  MergePolicy
	vectorFormat *segcodec.VectorFormat

	lsn atomic.Uint64

	mu      sync.Mutex
	closed  bool
	buffers map[string]map[string]*insertBuffer
}

// New creates a database. Without options it runs fully in memory.
func New(optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)

	if o.metaStore == nil {
		o.metaStore = metastore.NewInMemoryStore()
	}
	if o.blobStore == nil {
		o.blobStore = blobstore.NewMemoryStore()
	}

	ctl := resource.NewController(o.resourceCfg)
	reg := snapshot.NewRegistry(o.metaStore, o.logger.Logger)

	return &DB{
		reg:          reg,
		store:        o.metaStore,
		blobs:        o.blobStore,
		ctl:          ctl,
		reclaimer:    snapshot.NewReclaimer(reg, ctl, o.logger.Logger),
		logger:       o.logger,
		mergePolicy:  o.mergePolicy,
		vectorFormat: segcodec.NewVectorFormat(),
		buffers:      make(map[string]map[string]*insertBuffer),
	}, nil
}

// Close drops all cached snapshots and rejects further operations.
// In-flight readers holding snapshot references are unaffected.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true
	db.reg.Close()
	return nil
}

func (db *DB) checkOpen() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}

// nextLSN hands out the next log sequence number.
func (db *DB) nextLSN() model.LSN {
	return model.LSN(db.lsn.Add(1))
}

// advanceLSN raises the LSN counter to at least the observed value, so
// commits against reloaded collections keep LSNs monotonic.
func (db *DB) advanceLSN(observed model.LSN) {
	for {
		cur := db.lsn.Load()
		if cur >= uint64(observed) {
			return
		}
		if db.lsn.CompareAndSwap(cur, uint64(observed)) {
			return
		}
	}
}

// GetSnapshot returns the current snapshot of the named collection. The
// caller owns one reference and must Release it.
func (db *DB) GetSnapshot(ctx context.Context, collection string) (*snapshot.Snapshot, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	ss, err := db.reg.GetSnapshot(ctx, collection)
	if err != nil {
		return nil, err
	}
	db.advanceLSN(ss.GetLSN())
	return ss, nil
}

// CreateCollection creates a collection with the given schema, along with
// its default partition. Fields without declared elements get a raw data
// element.
func (db *DB) CreateCollection(ctx context.Context, schema CollectionSchema) error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	for i, fs := range schema.Fields {
		if len(fs.Elements) == 0 {
			schema.Fields[i].Elements = []ElementSchema{{Name: RawElementName, Type: model.ElementTypeRaw}}
		}
	}

	op := snapshot.NewCreateCollectionOperation(snapshot.OperationContext{LSN: db.nextLSN()}, schema, db.reg)
	if err := op.Push(ctx); err != nil {
		return err
	}

	db.logger.InfoContext(ctx, "collection created", "collection", schema.Name)
	return nil
}

// DropCollection drops a collection. Existing snapshot references stay
// readable; the collection disappears from the catalog.
func (db *DB) DropCollection(ctx context.Context, collection string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	db.mu.Lock()
	delete(db.buffers, collection)
	db.mu.Unlock()

	err := db.withCurrent(ctx, collection, func(ss *snapshot.Snapshot) error {
		op := snapshot.NewDropCollectionOperation(snapshot.OperationContext{LSN: db.nextLSN()}, ss, db.reg)
		return op.Push(ctx)
	})
	if err != nil {
		return err
	}

	db.logger.InfoContext(ctx, "collection dropped", "collection", collection)
	return nil
}

// HasCollection reports whether an active collection with the given name
// exists.
func (db *DB) HasCollection(ctx context.Context, collection string) (bool, error) {
	if err := db.checkOpen(); err != nil {
		return false, err
	}
	return db.reg.HasCollection(ctx, collection)
}

// ListCollections returns the names of all active collections.
func (db *DB) ListCollections(ctx context.Context) ([]string, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.reg.ListCollections(ctx)
}

// CreatePartition adds a named partition to a collection.
func (db *DB) CreatePartition(ctx context.Context, collection, partition string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.withCurrent(ctx, collection, func(ss *snapshot.Snapshot) error {
		op := snapshot.NewCreatePartitionOperation(snapshot.OperationContext{LSN: db.nextLSN()}, ss, db.reg, partition)
		return op.Push(ctx)
	})
}

// DropPartition drops a named partition together with its segments. The
// default partition cannot be dropped.
func (db *DB) DropPartition(ctx context.Context, collection, partition string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	db.mu.Lock()
	if parts, ok := db.buffers[collection]; ok {
		delete(parts, partition)
	}
	db.mu.Unlock()

	return db.withCurrent(ctx, collection, func(ss *snapshot.Snapshot) error {
		op := snapshot.NewDropPartitionOperation(snapshot.OperationContext{LSN: db.nextLSN()}, ss, db.reg, partition)
		return op.Push(ctx)
	})
}

// ShowPartitions returns the partition names of a collection.
func (db *DB) ShowPartitions(ctx context.Context, collection string) ([]string, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	ss, err := db.GetSnapshot(ctx, collection)
	if err != nil {
		return nil, err
	}
	defer ss.Release()

	partitions := ss.Partitions()
	names := make([]string, 0, len(partitions))
	for _, p := range partitions {
		names = append(names, p.GetName())
	}
	return names, nil
}

// GetCollectionRowCount returns the committed row count of a collection.
// Buffered, unflushed rows are not counted.
func (db *DB) GetCollectionRowCount(ctx context.Context, collection string) (uint64, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}

	ss, err := db.GetSnapshot(ctx, collection)
	if err != nil {
		return 0, err
	}
	defer ss.Release()

	return ss.RowCount(), nil
}

// DropIndex removes an index element from a field and invalidates every
// segment file that materializes it.
func (db *DB) DropIndex(ctx context.Context, collection, field, element string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.withCurrent(ctx, collection, func(ss *snapshot.Snapshot) error {
		op := snapshot.NewDropIndexOperation(snapshot.OperationContext{LSN: db.nextLSN()}, ss, db.reg, field, element)
		return op.Push(ctx)
	})
}

// Reclaim performs one reclamation sweep: stale resources no live snapshot
// references anymore are expunged from the metadata store.
func (db *DB) Reclaim(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.reclaimer.Run(ctx)
}

// withCurrent runs fn against the current snapshot, retrying with a fresh
// one when a concurrent commit superseded it.
func (db *DB) withCurrent(ctx context.Context, collection string, fn func(ss *snapshot.Snapshot) error) error {
	var lastErr error
	for attempt := 0; attempt < commitRetries; attempt++ {
		ss, err := db.GetSnapshot(ctx, collection)
		if err != nil {
			return err
		}
		err = fn(ss)
		ss.Release()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStaleSnapshot) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("commit kept losing against concurrent writers: %w", lastErr)
}
