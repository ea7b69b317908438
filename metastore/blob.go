package metastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/hupe1980/snapdb/blobstore"
	"github.com/hupe1980/snapdb/codec"
	"github.com/hupe1980/snapdb/model"
	"github.com/hupe1980/snapdb/snapshot"
)

const (
	catalogCurrentName = "meta/CURRENT"
	catalogNameFmt     = "meta/CATALOG-%06d.json"

	collectionCurrentFmt = "meta/collections/%d/CURRENT"
	collectionNameFmt    = "meta/collections/%d/META-%06d.json"
	collectionPrefixFmt  = "meta/collections/%d/"
)

// catalog is the database-wide metadata document: the active collection name
// index and the collection id counter.
type catalog struct {
	Version          uint64              `json:"version"`
	Names            map[string]model.ID `json:"names"`
	NextCollectionID model.ID            `json:"next_collection_id"`
}

// collectionDoc is the per-collection metadata document. A new immutable
// version is written on every change; CURRENT points at the latest one. The
// collection row has a dedicated column: its id comes from the catalog's
// collection counter and may numerically equal a resource row id.
type collectionDoc struct {
	Version      uint64   `json:"version"`
	CollectionID model.ID `json:"collection_id"`
	Head         model.ID `json:"head"`
	NextID       model.ID `json:"next_id"`
	Collection   *row     `json:"collection,omitempty"`
	Rows         []row    `json:"rows"`
}

func (d *collectionDoc) rowIndex() map[model.ID]int {
	idx := make(map[model.ID]int, len(d.Rows))
	for i, r := range d.Rows {
		idx[r.ID] = i
	}
	return idx
}

// BlobMetaStore is a snapshot.MetaStore persisted as versioned blobs. Every
// Apply writes a full new metadata document and flips the collection's
// CURRENT pointer, so readers always observe a complete state. Pointer
// atomicity comes from the blob store: rename for local, strongly consistent
// overwrite for S3, conditional write for the DynamoDB commit store.
//
// A single writer per database is assumed unless the backing store rejects
// conflicting pointer updates.
type BlobMetaStore struct {
	blobs  blobstore.BlobStore
	codec  codec.Codec
	logger *slog.Logger

	mu   sync.Mutex
	cat  *catalog
	docs map[model.ID]*collectionDoc
}

var _ snapshot.MetaStore = (*BlobMetaStore)(nil)

// BlobMetaStoreOptions configures a BlobMetaStore.
type BlobMetaStoreOptions struct {
	// Codec serializes the metadata documents. Defaults to codec.Default.
	Codec codec.Codec

	// Logger receives store diagnostics. Defaults to a discard logger.
	Logger *slog.Logger
}

// NewBlobMetaStore creates a blob-backed metadata store.
func NewBlobMetaStore(blobs blobstore.BlobStore, optFns ...func(o *BlobMetaStoreOptions)) *BlobMetaStore {
	opts := BlobMetaStoreOptions{
		Codec:  codec.Default,
		Logger: slog.New(slog.DiscardHandler),
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &BlobMetaStore{
		blobs:  blobs,
		codec:  opts.Codec,
		logger: opts.Logger,
		docs:   make(map[model.ID]*collectionDoc),
	}
}

// AllocateCollectionID returns a fresh collection id. The counter is
// persisted immediately so ids are never reused across restarts.
func (s *BlobMetaStore) AllocateCollectionID(ctx context.Context) (model.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cat, err := s.loadCatalog(ctx)
	if err != nil {
		return 0, err
	}

	cat.NextCollectionID++
	if err := s.saveCatalog(ctx, cat); err != nil {
		return 0, err
	}
	return cat.NextCollectionID, nil
}

// AllocateID returns a fresh resource id, unique within the collection. The
// counter is persisted with the next Apply; ids handed out for operations
// that never commit are recycled after a restart, which is harmless because
// nothing referencing them was stored.
func (s *BlobMetaStore) AllocateID(ctx context.Context, collectionID model.ID) (model.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadDoc(ctx, collectionID)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNotFound) {
			return 0, err
		}
		// Collection is being created; start a fresh unsaved document.
		doc = &collectionDoc{CollectionID: collectionID}
		s.docs[collectionID] = doc
	}

	doc.NextID++
	return doc.NextID, nil
}

// LoadCollection loads the resource set of an active collection by name.
func (s *BlobMetaStore) LoadCollection(ctx context.Context, name string) (*snapshot.ResourceSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cat, err := s.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}

	id, ok := cat.Names[name]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", snapshot.ErrNotFound, name)
	}
	return s.resourceSet(ctx, id)
}

// LoadCollectionByID loads the resource set of a collection by id.
func (s *BlobMetaStore) LoadCollectionByID(ctx context.Context, id model.ID) (*snapshot.ResourceSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resourceSet(ctx, id)
}

func (s *BlobMetaStore) resourceSet(ctx context.Context, id model.ID) (*snapshot.ResourceSet, error) {
	doc, err := s.loadDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Head == 0 {
		return nil, fmt.Errorf("%w: collection id %d", snapshot.ErrNotFound, id)
	}

	rs := &snapshot.ResourceSet{}
	if doc.Collection != nil {
		if err := restoreInto(rs, *doc.Collection, doc.Head); err != nil {
			return nil, err
		}
	}
	for _, r := range doc.Rows {
		if err := restoreInto(rs, r, doc.Head); err != nil {
			return nil, err
		}
	}
	if rs.Collection == nil || rs.CollectionCommit == nil {
		return nil, fmt.Errorf("%w: collection id %d has no head commit", snapshot.ErrCorruptData, id)
	}
	return rs, nil
}

// ListCollections returns the names of all active collections, sorted.
func (s *BlobMetaStore) ListCollections(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cat, err := s.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cat.Names))
	for name := range cat.Names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Apply persists the change set as a new document version and flips the
// CURRENT pointer. The catalog is written after the document so it never
// points at a collection whose document is missing.
func (s *BlobMetaStore) Apply(ctx context.Context, cs *snapshot.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadDoc(ctx, cs.CollectionID)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNotFound) {
			return err
		}
		if cs.Collection == nil {
			return err
		}
		doc = &collectionDoc{CollectionID: cs.CollectionID}
		s.docs[cs.CollectionID] = doc
	}

	if cs.Collection != nil {
		r := collectionRow(cs.Collection, model.StateActive)
		doc.Collection = &r
	}

	idx := doc.rowIndex()
	for _, r := range changeSetRows(cs) {
		if i, ok := idx[r.ID]; ok {
			doc.Rows[i] = r
		} else {
			idx[r.ID] = len(doc.Rows)
			doc.Rows = append(doc.Rows, r)
		}
	}

	for _, id := range cs.Deactivated {
		i, ok := idx[id]
		if !ok {
			return fmt.Errorf("%w: deactivated id %d", snapshot.ErrNotFound, id)
		}
		doc.Rows[i].State = model.StateStale
	}

	if cs.DropCollection {
		doc.Head = 0
		if doc.Collection != nil {
			doc.Collection.State = model.StateStale
		}
	} else {
		doc.Head = cs.CollectionCommit.GetID()
	}

	if err := s.saveDoc(ctx, doc); err != nil {
		return err
	}

	if cs.Collection != nil || cs.DropCollection {
		cat, err := s.loadCatalog(ctx)
		if err != nil {
			return err
		}
		if cs.Collection != nil {
			cat.Names[cs.Collection.GetName()] = cs.CollectionID
		}
		if cs.DropCollection {
			for name, id := range cat.Names {
				if id == cs.CollectionID {
					delete(cat.Names, name)
				}
			}
		}
		if err := s.saveCatalog(ctx, cat); err != nil {
			return err
		}
	}

	s.logger.Debug("applied change set",
		slog.Uint64("collection_id", uint64(cs.CollectionID)),
		slog.Uint64("lsn", uint64(cs.LSN)),
		slog.Uint64("doc_version", doc.Version),
	)
	return nil
}

// Expunge removes stale rows and writes a compacted document version. When
// no rows remain, all document versions of the collection are deleted.
func (s *BlobMetaStore) Expunge(ctx context.Context, collectionID model.ID, ids []model.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadDoc(ctx, collectionID)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			return nil
		}
		return err
	}

	drop := make(map[model.ID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	kept := doc.Rows[:0]
	for _, r := range doc.Rows {
		if _, ok := drop[r.ID]; !ok {
			kept = append(kept, r)
		}
	}
	doc.Rows = kept

	if doc.Head == 0 && doc.Collection != nil {
		if _, ok := drop[doc.Collection.ID]; ok {
			doc.Collection = nil
		}
	}

	if len(doc.Rows) == 0 && doc.Collection == nil {
		delete(s.docs, collectionID)
		names, err := s.blobs.List(ctx, fmt.Sprintf(collectionPrefixFmt, collectionID))
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := s.blobs.Delete(ctx, name); err != nil {
				return err
			}
		}
		return nil
	}

	return s.saveDoc(ctx, doc)
}

func (s *BlobMetaStore) loadCatalog(ctx context.Context) (*catalog, error) {
	if s.cat != nil {
		return s.cat, nil
	}

	cat := &catalog{Names: make(map[string]model.ID)}
	data, err := s.readCurrent(ctx, catalogCurrentName)
	if err != nil {
		if !errors.Is(err, blobstore.ErrNotFound) {
			return nil, err
		}
		// Fresh database.
		s.cat = cat
		return cat, nil
	}

	if err := s.codec.Unmarshal(data, cat); err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %v", snapshot.ErrCorruptData, err)
	}
	if cat.Names == nil {
		cat.Names = make(map[string]model.ID)
	}
	s.cat = cat
	return cat, nil
}

func (s *BlobMetaStore) saveCatalog(ctx context.Context, cat *catalog) error {
	cat.Version++
	name := fmt.Sprintf(catalogNameFmt, cat.Version)

	data, err := s.codec.Marshal(cat)
	if err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, name, data); err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, catalogCurrentName, []byte(name)); err != nil {
		return err
	}

	s.cat = cat
	return nil
}

func (s *BlobMetaStore) loadDoc(ctx context.Context, id model.ID) (*collectionDoc, error) {
	if doc, ok := s.docs[id]; ok {
		return doc, nil
	}

	data, err := s.readCurrent(ctx, fmt.Sprintf(collectionCurrentFmt, id))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: collection id %d", snapshot.ErrNotFound, id)
		}
		return nil, err
	}

	doc := &collectionDoc{}
	if err := s.codec.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: decode collection %d: %v", snapshot.ErrCorruptData, id, err)
	}
	s.docs[id] = doc
	return doc, nil
}

func (s *BlobMetaStore) saveDoc(ctx context.Context, doc *collectionDoc) error {
	doc.Version++
	name := fmt.Sprintf(collectionNameFmt, doc.CollectionID, doc.Version)

	data, err := s.codec.Marshal(doc)
	if err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, name, data); err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, fmt.Sprintf(collectionCurrentFmt, doc.CollectionID), []byte(name)); err != nil {
		return err
	}

	s.docs[doc.CollectionID] = doc
	return nil
}

// readCurrent resolves a CURRENT pointer and returns the contents of the
// blob it points at.
func (s *BlobMetaStore) readCurrent(ctx context.Context, pointerName string) ([]byte, error) {
	ptr, err := s.readAll(ctx, pointerName)
	if err != nil {
		return nil, err
	}
	return s.readAll(ctx, string(ptr))
}

func (s *BlobMetaStore) readAll(ctx context.Context, name string) ([]byte, error) {
	b, err := s.blobs.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	r, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
