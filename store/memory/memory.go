// Package memory provides an in-process TreeStore.
//
// Items live in an arena keyed by id. A transaction keeps a private overlay of
// the rows it touches and applies it under the store's write lock on commit, so
// readers only ever see whole transactions.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jacentio/treeorder/order"
	"github.com/jacentio/treeorder/store"
)

var errTxDone = errors.New("memory: transaction already finished")

// Store is an in-memory TreeStore. The zero value is not usable; call New.
type Store struct {
	mu     sync.RWMutex
	items  map[int64]*store.Item
	nextID int64
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		items:  make(map[int64]*store.Item),
		nextID: 1,
	}
}

// Load replaces the contents of s with items. Ids keep their values and the
// id sequence continues after the largest one.
func (s *Store) Load(items []store.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[int64]*store.Item, len(items))
	s.nextID = 1
	for _, it := range items {
		c := it.Clone()
		s.items[it.ID] = &c
		if it.ID >= s.nextID {
			s.nextID = it.ID + 1
		}
	}
}

// Get returns a copy of the committed item.
func (s *Store) Get(_ context.Context, id int64) (*store.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("item %d: %w", id, store.ErrNotFound)
	}
	c := it.Clone()
	return &c, nil
}

// ListAll returns every committed item ordered by (parentId, position).
func (s *Store) ListAll(_ context.Context) ([]store.Item, error) {
	s.mu.RLock()
	items := make([]store.Item, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, it.Clone())
	}
	s.mu.RUnlock()

	store.SortItems(items)
	return items, nil
}

// ListScope returns the committed items of one scope ordered by position.
func (s *Store) ListScope(_ context.Context, parent *int64) ([]store.Item, error) {
	s.mu.RLock()
	var items []store.Item
	for _, it := range s.items {
		if order.SameScope(it.ParentID, parent) {
			items = append(items, it.Clone())
		}
	}
	s.mu.RUnlock()

	store.SortItems(items)
	return items, nil
}

// Begin opens an overlay transaction.
func (s *Store) Begin(_ context.Context) (store.Tx, error) {
	return &tx{
		s:       s,
		cache:   make(map[int64]*store.Item),
		dirty:   make(map[int64]bool),
		deleted: make(map[int64]bool),
	}, nil
}

func (s *Store) reserveID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// tx caches every row it reads; only rows marked dirty are written back.
type tx struct {
	s       *Store
	cache   map[int64]*store.Item
	dirty   map[int64]bool
	deleted map[int64]bool
	done    bool
}

// lookup returns the working copy of id, pulling it into the overlay.
func (t *tx) lookup(id int64) (*store.Item, bool) {
	if t.deleted[id] {
		return nil, false
	}
	if it, ok := t.cache[id]; ok {
		return it, true
	}

	t.s.mu.RLock()
	base, ok := t.s.items[id]
	var c store.Item
	if ok {
		c = base.Clone()
	}
	t.s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	t.cache[id] = &c
	return &c, true
}

// scope returns working copies of every item in parent's scope.
func (t *tx) scope(parent *int64) []*store.Item {
	var ids []int64

	t.s.mu.RLock()
	for id, it := range t.s.items {
		if _, cached := t.cache[id]; cached || t.deleted[id] {
			continue
		}
		if order.SameScope(it.ParentID, parent) {
			ids = append(ids, id)
		}
	}
	t.s.mu.RUnlock()

	// Cached rows first so their in-transaction parent decides membership.
	out := make([]*store.Item, 0, len(ids))
	for id, it := range t.cache {
		if !t.deleted[id] && order.SameScope(it.ParentID, parent) {
			out = append(out, it)
		}
	}
	for _, id := range ids {
		if it, ok := t.lookup(id); ok {
			out = append(out, it)
		}
	}
	return out
}

func (t *tx) Get(_ context.Context, id int64) (*store.Item, error) {
	if t.done {
		return nil, errTxDone
	}
	it, ok := t.lookup(id)
	if !ok {
		return nil, fmt.Errorf("item %d: %w", id, store.ErrNotFound)
	}
	c := it.Clone()
	return &c, nil
}

func (t *tx) ScopeSize(_ context.Context, parent *int64) (int, error) {
	if t.done {
		return 0, errTxDone
	}
	return len(t.scope(parent)), nil
}

func (t *tx) HasChildren(_ context.Context, id int64) (bool, error) {
	if t.done {
		return false, errTxDone
	}
	return len(t.scope(&id)) > 0, nil
}

func (t *tx) Shift(_ context.Context, s order.Shift, now time.Time) error {
	if t.done {
		return errTxDone
	}
	if s.Range.Empty() || s.Delta == 0 {
		return nil
	}
	for _, it := range t.scope(s.Parent) {
		if s.Range.Contains(it.Position) {
			it.Position += s.Delta
			it.UpdatedAt = now
			t.dirty[it.ID] = true
		}
	}
	return nil
}

func (t *tx) Insert(_ context.Context, d store.Draft, parent *int64, position int, now time.Time) (*store.Item, error) {
	if t.done {
		return nil, errTxDone
	}
	it := &store.Item{
		ID:        t.s.reserveID(),
		Name:      d.Name,
		Kind:      d.Kind,
		Icon:      d.Icon,
		ParentID:  store.ParentRef(parent),
		Position:  position,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.cache[it.ID] = it
	t.dirty[it.ID] = true
	c := it.Clone()
	return &c, nil
}

func (t *tx) Place(_ context.Context, id int64, parent *int64, position int, now time.Time) (*store.Item, error) {
	if t.done {
		return nil, errTxDone
	}
	it, ok := t.lookup(id)
	if !ok {
		return nil, fmt.Errorf("item %d: %w", id, store.ErrNotFound)
	}
	it.ParentID = store.ParentRef(parent)
	it.Position = position
	it.UpdatedAt = now
	t.dirty[id] = true
	c := it.Clone()
	return &c, nil
}

func (t *tx) Delete(_ context.Context, id int64) error {
	if t.done {
		return errTxDone
	}
	if _, ok := t.lookup(id); !ok {
		return fmt.Errorf("item %d: %w", id, store.ErrNotFound)
	}
	delete(t.cache, id)
	delete(t.dirty, id)
	t.deleted[id] = true
	return nil
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id := range t.deleted {
		delete(t.s.items, id)
	}
	for id := range t.dirty {
		t.s.items[id] = t.cache[id]
	}
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	t.done = true
	t.cache = nil
	t.dirty = nil
	t.deleted = nil
	return nil
}
