// Package memory provides an in-memory implementation of service.Store
// for testing and lightweight deployments. Records are stored in memory and
// lost when the process restarts. Optional LRU eviction limits memory usage.
package memory

import (
	"cmp"
	"container/list"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/debug"
	"github.com/rhuss/plume/pkg/service"
	"github.com/rhuss/plume/pkg/storage"
)

// entry holds a stored record and its metadata.
type entry struct {
	rec     api.Record
	seq     uint64        // insertion order, used as the natural find order
	lruElem *list.Element // position in LRU list
}

// Store is an in-memory record store with optional LRU eviction.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	lruList *list.List // front = most recently used, back = least recently used
	maxSize int        // 0 = unlimited
	unique  []string
	seq     uint64
}

// Ensure Store implements service.Store at compile time.
var _ service.Store = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit. If maxSize > 0, the least recently used entry is evicted
// when the limit is reached. Values of the unique fields must not repeat
// across records.
func New(maxSize int, unique ...string) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
		unique:  unique,
	}
}

// Find returns the records matching q.
func (s *Store) Find(_ context.Context, q api.Query) ([]api.Record, error) {
	p, err := storage.ParseQuery(q)
	if err != nil {
		return nil, err
	}

	// Stored records are replaced, never mutated in place, so references
	// taken under the read lock stay consistent.
	type snapshot struct {
		rec api.Record
		seq uint64
	}
	s.mu.RLock()
	all := make([]snapshot, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, snapshot{rec: e.rec, seq: e.seq})
	}
	s.mu.RUnlock()

	slices.SortFunc(all, func(a, b snapshot) int {
		return cmp.Compare(a.seq, b.seq)
	})
	records := make([]api.Record, len(all))
	for i, e := range all {
		records[i] = e.rec
	}
	return p.Apply(records), nil
}

// Get retrieves a record by ID.
func (s *Store) Get(_ context.Context, id string) (api.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.lruList.MoveToFront(e.lruElem)
	return e.rec.Clone(), nil
}

// Create stores a new record. A missing id is generated.
func (s *Store) Create(_ context.Context, data api.Record) (api.Record, error) {
	rec := data.Clone()
	if rec == nil {
		rec = api.Record{}
	}
	id := rec.ID()
	if id == "" {
		id = api.NewRecordID()
	}
	rec[api.IDField] = id

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return nil, storage.ErrConflict
	}
	if err := s.checkUnique(id, rec); err != nil {
		return nil, err
	}

	// Evict if at capacity.
	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	s.seq++
	s.entries[id] = &entry{
		rec:     rec,
		seq:     s.seq,
		lruElem: s.lruList.PushFront(id),
	}
	debug.Log("storage", "memory create", "id", id)
	return rec.Clone(), nil
}

// Update replaces a record. The id is preserved.
func (s *Store) Update(_ context.Context, id string, data api.Record) (api.Record, error) {
	rec := data.Clone()
	if rec == nil {
		rec = api.Record{}
	}
	rec[api.IDField] = id
	return s.modify(id, func(api.Record) api.Record { return rec })
}

// Patch merges top-level fields into a record. The id cannot change.
func (s *Store) Patch(_ context.Context, id string, data api.Record) (api.Record, error) {
	patch := data.Clone()
	return s.modify(id, func(old api.Record) api.Record {
		merged := old.Clone()
		for k, v := range patch {
			if k == api.IDField {
				continue
			}
			merged[k] = v
		}
		return merged
	})
}

// modify swaps the record at id for the result of fn under the write lock.
func (s *Store) modify(id string, fn func(old api.Record) api.Record) (api.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec := fn(e.rec)
	if err := s.checkUnique(id, rec); err != nil {
		return nil, err
	}
	e.rec = rec
	s.lruList.MoveToFront(e.lruElem)
	return rec.Clone(), nil
}

// Remove deletes a record and returns it.
func (s *Store) Remove(_ context.Context, id string) (api.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.lruList.Remove(e.lruElem)
	delete(s.entries, id)
	return e.rec, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// checkUnique rejects rec when another record shares a unique field value.
// Must be called with s.mu held.
func (s *Store) checkUnique(id string, rec api.Record) error {
	for _, field := range s.unique {
		v, ok := rec[field]
		if !ok || v == nil {
			continue
		}
		for otherID, e := range s.entries {
			if otherID == id {
				continue
			}
			if ov, ok := e.rec[field]; ok && fmt.Sprint(ov) == fmt.Sprint(v) {
				return fmt.Errorf("%w: %s must be unique", storage.ErrConflict, field)
			}
		}
	}
	return nil
}

// evictOldest removes the least recently used entry.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}

	id := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, id)
	debug.Log("storage", "memory evict", "id", id)
}

// Backend hands out independent in-memory collections.
type Backend struct {
	maxSize int
}

// Ensure Backend implements storage.Backend at compile time.
var _ storage.Backend = (*Backend)(nil)

// NewBackend creates a Backend whose collections evict beyond maxSize
// records (0 = unlimited).
func NewBackend(maxSize int) *Backend {
	return &Backend{maxSize: maxSize}
}

// Collection creates a new in-memory store for the named service.
func (b *Backend) Collection(_ context.Context, _ string, opts storage.CollectionOptions) (service.Store, error) {
	return New(b.maxSize, opts.Unique...), nil
}

// HealthCheck always returns nil for the in-memory backend.
func (b *Backend) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error {
	return nil
}
