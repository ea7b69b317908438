package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/snapdb/model"
)

// Registry caches the latest published Snapshot per collection and is the
// only place a consumer fetches "the current state". Readers never block
// each other; publication is a single atomic pointer swap.
type Registry struct {
	store  MetaStore
	logger *slog.Logger

	mu      sync.RWMutex
	byName  map[string]model.ID
	entries map[model.ID]*collectionEntry

	// createMu serializes collection creation so duplicate-name checks and
	// publication cannot interleave.
	createMu sync.Mutex

	reclaimMu   sync.Mutex
	retired     map[*Snapshot]struct{}
	reclaimable map[model.ID]*roaring64.Bitmap
}

type collectionEntry struct {
	// commitMu serializes the validate+publish critical section of
	// operations targeting this collection.
	commitMu sync.Mutex
	current  atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry backed by the given metadata store.
// A nil logger disables logging.
func NewRegistry(store MetaStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		store:       store,
		logger:      logger,
		byName:      make(map[string]model.ID),
		entries:     make(map[model.ID]*collectionEntry),
		retired:     make(map[*Snapshot]struct{}),
		reclaimable: make(map[model.ID]*roaring64.Bitmap),
	}
}

// GetSnapshot returns the current snapshot of the named collection, loading
// it from the metadata store on first access. The caller owns one reference
// and must Release it.
func (r *Registry) GetSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	r.mu.RLock()
	id, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		if ss := r.currentRef(id); ss != nil {
			return ss, nil
		}
	}
	return r.loadByName(ctx, name)
}

// GetSnapshotByID is GetSnapshot keyed by collection id.
func (r *Registry) GetSnapshotByID(ctx context.Context, id model.ID) (*Snapshot, error) {
	if ss := r.currentRef(id); ss != nil {
		return ss, nil
	}
	rs, err := r.store.LoadCollectionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.installLoaded(rs)
}

// currentRef returns a referenced current snapshot, or nil if not cached.
func (r *Registry) currentRef(id model.ID) *Snapshot {
	r.mu.RLock()
	e := r.entries[id]
	r.mu.RUnlock()
	if e == nil {
		return nil
	}
	ss := e.current.Load()
	if ss == nil {
		return nil
	}
	ss.Ref()
	return ss
}

func (r *Registry) loadByName(ctx context.Context, name string) (*Snapshot, error) {
	rs, err := r.store.LoadCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.installLoaded(rs)
}

// installLoaded caches a snapshot reconstructed from the store, unless a
// concurrent loader or committer won the race.
func (r *Registry) installLoaded(rs *ResourceSet) (*Snapshot, error) {
	ss, err := newSnapshot(rs)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	e, ok := r.entries[ss.GetID()]
	if !ok {
		e = &collectionEntry{}
		r.entries[ss.GetID()] = e
		r.byName[ss.GetName()] = ss.GetID()
	}
	r.mu.Unlock()

	if cur := e.current.Load(); cur != nil {
		// Lost the race; serve the established snapshot.
		cur.Ref()
		return cur, nil
	}
	ss.onZero = r.snapshotUnreferenced
	if !e.current.CompareAndSwap(nil, ss) {
		cur := e.current.Load()
		cur.Ref()
		return cur, nil
	}
	ss.Ref() // caller's reference; the registry keeps the construction one
	r.logger.Debug("snapshot loaded", "collection", ss.GetName(), "lsn", uint64(ss.GetLSN()))
	return ss, nil
}

// entry returns the commit entry for a collection, creating it if needed.
func (r *Registry) entry(id model.ID) *collectionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &collectionEntry{}
		r.entries[id] = e
	}
	return e
}

// publish swaps in a newly committed snapshot. Must be called while holding
// the collection's commitMu.
func (r *Registry) publish(ss *Snapshot) {
	e := r.entry(ss.GetID())
	ss.onZero = r.snapshotUnreferenced

	r.mu.Lock()
	r.byName[ss.GetName()] = ss.GetID()
	r.mu.Unlock()

	old := e.current.Swap(ss)
	if old != nil {
		r.retire(old)
	}
	r.logger.Debug("snapshot published",
		"collection", ss.GetName(), "lsn", uint64(ss.GetLSN()), "rows", ss.RowCount())
}

// unpublish removes a dropped collection from the registry.
func (r *Registry) unpublish(ss *Snapshot) {
	r.mu.Lock()
	delete(r.byName, ss.GetName())
	e := r.entries[ss.GetID()]
	delete(r.entries, ss.GetID())
	r.mu.Unlock()

	if e != nil {
		if old := e.current.Swap(nil); old != nil {
			r.retire(old)
		}
	}
}

func (r *Registry) retire(ss *Snapshot) {
	r.reclaimMu.Lock()
	r.retired[ss] = struct{}{}
	r.reclaimMu.Unlock()
	ss.Release() // drop the registry's reference
}

// snapshotUnreferenced runs when a superseded snapshot's refcount hits zero.
// The ids it referenced exclusively become eligible for reclamation.
func (r *Registry) snapshotUnreferenced(ss *Snapshot) {
	dead := ss.idSet()

	r.reclaimMu.Lock()
	delete(r.retired, ss)
	pinned := roaring64.NewBitmap()
	for other := range r.retired {
		if other.GetID() == ss.GetID() {
			pinned.Or(other.idSet())
		}
	}
	r.reclaimMu.Unlock()

	if cur := r.currentRef(ss.GetID()); cur != nil {
		pinned.Or(cur.idSet())
		cur.Release()
	}

	dead.AndNot(pinned)
	if dead.IsEmpty() {
		return
	}

	r.reclaimMu.Lock()
	set, ok := r.reclaimable[ss.GetID()]
	if !ok {
		set = roaring64.NewBitmap()
		r.reclaimable[ss.GetID()] = set
	}
	set.Or(dead)
	r.reclaimMu.Unlock()

	r.logger.Debug("snapshot unreferenced",
		"collection", ss.GetName(), "lsn", uint64(ss.GetLSN()), "reclaimable", dead.GetCardinality())
}

// reclaimableIDs drains the reclaimable id set for a collection.
func (r *Registry) reclaimableIDs(collectionID model.ID) []model.ID {
	r.reclaimMu.Lock()
	defer r.reclaimMu.Unlock()
	set, ok := r.reclaimable[collectionID]
	if !ok || set.IsEmpty() {
		return nil
	}
	delete(r.reclaimable, collectionID)
	raw := set.ToArray()
	ids := make([]model.ID, len(raw))
	for i, v := range raw {
		ids[i] = model.ID(v)
	}
	return ids
}

// requeueReclaimable returns ids to the reclaimable set after a failed
// expunge so a later sweep can retry them.
func (r *Registry) requeueReclaimable(collectionID model.ID, ids []model.ID) {
	r.reclaimMu.Lock()
	defer r.reclaimMu.Unlock()
	set, ok := r.reclaimable[collectionID]
	if !ok {
		set = roaring64.NewBitmap()
		r.reclaimable[collectionID] = set
	}
	for _, id := range ids {
		set.Add(uint64(id))
	}
}

// reclaimableCollections lists collections with pending reclaimable ids.
func (r *Registry) reclaimableCollections() []model.ID {
	r.reclaimMu.Lock()
	defer r.reclaimMu.Unlock()
	ids := make([]model.ID, 0, len(r.reclaimable))
	for id := range r.reclaimable {
		ids = append(ids, id)
	}
	return ids
}

// HasCollection reports whether an active collection with the given name
// exists.
func (r *Registry) HasCollection(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	_, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return true, nil
	}
	_, err := r.store.LoadCollection(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListCollections returns the names of all active collections.
func (r *Registry) ListCollections(ctx context.Context) ([]string, error) {
	names, err := r.store.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return names, nil
}

// Close drops all cached snapshots. In-flight readers holding references are
// unaffected.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[model.ID]*collectionEntry)
	r.byName = make(map[string]model.ID)
	r.mu.Unlock()

	for _, e := range entries {
		if old := e.current.Swap(nil); old != nil {
			r.retire(old)
		}
	}
}
