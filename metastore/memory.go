package metastore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/snapdb/model"
	"github.com/hupe1980/snapdb/snapshot"
)

// collectionRows is the stored state of one collection: its resource rows
// plus the id of the head collection commit. The collection row lives in its
// own slot because its id comes from the collection counter, not from the
// per-collection resource counter the row map is keyed by.
type collectionRows struct {
	collection *row
	rows       map[model.ID]row
	head       model.ID
}

// InMemoryStore is a snapshot.MetaStore held entirely in memory, for tests
// and ephemeral databases. Thread-safe.
type InMemoryStore struct {
	mu               sync.RWMutex
	names            map[string]model.ID
	collections      map[model.ID]*collectionRows
	counters         map[model.ID]model.ID
	nextCollectionID model.ID
}

var _ snapshot.MetaStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory metadata store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		names:       make(map[string]model.ID),
		collections: make(map[model.ID]*collectionRows),
		counters:    make(map[model.ID]model.ID),
	}
}

// AllocateCollectionID returns a fresh collection id.
func (s *InMemoryStore) AllocateCollectionID(_ context.Context) (model.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCollectionID++
	return s.nextCollectionID, nil
}

// AllocateID returns a fresh resource id, unique within the collection.
func (s *InMemoryStore) AllocateID(_ context.Context, collectionID model.ID) (model.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[collectionID]++
	return s.counters[collectionID], nil
}

// LoadCollection loads the resource set of an active collection by name.
func (s *InMemoryStore) LoadCollection(ctx context.Context, name string) (*snapshot.ResourceSet, error) {
	s.mu.RLock()
	id, ok := s.names[name]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: collection %q", snapshot.ErrNotFound, name)
	}
	return s.LoadCollectionByID(ctx, id)
}

// LoadCollectionByID loads the resource set of a collection by id.
func (s *InMemoryStore) LoadCollectionByID(_ context.Context, id model.ID) (*snapshot.ResourceSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.collections[id]
	if !ok {
		return nil, fmt.Errorf("%w: collection id %d", snapshot.ErrNotFound, id)
	}
	if state.head == 0 {
		return nil, fmt.Errorf("%w: collection id %d", snapshot.ErrNotFound, id)
	}

	rs := &snapshot.ResourceSet{}
	if state.collection != nil {
		if err := restoreInto(rs, *state.collection, state.head); err != nil {
			return nil, err
		}
	}
	for _, r := range state.rows {
		if err := restoreInto(rs, r, state.head); err != nil {
			return nil, err
		}
	}
	if rs.Collection == nil || rs.CollectionCommit == nil {
		return nil, fmt.Errorf("%w: collection id %d has no head commit", snapshot.ErrCorruptData, id)
	}
	return rs, nil
}

// ListCollections returns the names of all active collections, sorted.
func (s *InMemoryStore) ListCollections(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.names))
	for name := range s.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Apply atomically persists the change set.
func (s *InMemoryStore) Apply(_ context.Context, cs *snapshot.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.collections[cs.CollectionID]
	if !ok {
		if cs.Collection == nil {
			return fmt.Errorf("%w: collection id %d", snapshot.ErrNotFound, cs.CollectionID)
		}
		state = &collectionRows{rows: make(map[model.ID]row)}
		s.collections[cs.CollectionID] = state
	}

	if cs.Collection != nil {
		r := collectionRow(cs.Collection, model.StateActive)
		state.collection = &r
	}

	for _, r := range changeSetRows(cs) {
		state.rows[r.ID] = r
	}

	for _, id := range cs.Deactivated {
		r, ok := state.rows[id]
		if !ok {
			return fmt.Errorf("%w: deactivated id %d", snapshot.ErrNotFound, id)
		}
		r.State = model.StateStale
		state.rows[id] = r
	}

	if cs.Collection != nil {
		s.names[cs.Collection.GetName()] = cs.CollectionID
	}

	if cs.DropCollection {
		for name, id := range s.names {
			if id == cs.CollectionID {
				delete(s.names, name)
			}
		}
		if state.collection != nil {
			state.collection.State = model.StateStale
		}
		state.head = 0
		return nil
	}

	state.head = cs.CollectionCommit.GetID()
	return nil
}

// Expunge permanently removes stale rows. Once a collection has no rows
// left, its bookkeeping is dropped entirely.
func (s *InMemoryStore) Expunge(_ context.Context, collectionID model.ID, ids []model.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.collections[collectionID]
	if !ok {
		return nil
	}

	for _, id := range ids {
		delete(state.rows, id)
		if state.head == 0 && state.collection != nil && state.collection.ID == id {
			state.collection = nil
		}
	}

	if len(state.rows) == 0 && state.collection == nil {
		delete(s.collections, collectionID)
		delete(s.counters, collectionID)
	}
	return nil
}
