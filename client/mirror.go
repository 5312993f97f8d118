package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jacentio/treeorder/broadcast"
	"github.com/jacentio/treeorder/order"
	"github.com/jacentio/treeorder/store"
)

// ErrGap is returned by Mirror.Apply when an event's sequence number shows
// that earlier events were missed. The mirror is unchanged and should be
// reset from a fresh listing.
var ErrGap = errors.New("treeorder: missed events")

// Mirror is a local replica of the forest kept current by push events.
//
// Events are applied as upserts: the item is taken out of whatever scope it
// is in and inserted at its reported position, using the same planner as
// the server. Applying an event that a snapshot already reflects is a no-op,
// so a listing taken after subscribing can be followed by every event the
// subscription yields.
type Mirror struct {
	mu    sync.RWMutex
	items map[int64]store.Item
	seq   uint64
}

// NewMirror returns an empty mirror at sequence zero.
func NewMirror() *Mirror {
	return &Mirror{items: make(map[int64]store.Item)}
}

// Reset replaces the contents with a listing that reflects at least every
// event up to seq.
func (m *Mirror) Reset(items []store.Item, seq uint64) {
	next := make(map[int64]store.Item, len(items))
	for _, it := range items {
		next[it.ID] = it.Clone()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = next
	m.seq = seq
}

// Apply folds ev into the replica. Events at or below the current sequence
// are ignored.
func (m *Mirror) Apply(ev broadcast.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Seq <= m.seq {
		return nil
	}
	if ev.Seq > m.seq+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrGap, m.seq, ev.Seq)
	}

	switch ev.Type {
	case broadcast.ItemMoved, broadcast.ItemCreated:
		if ev.Item == nil {
			return fmt.Errorf("%w: %s event without item", store.ErrValidation, ev.Type)
		}
		m.remove(ev.Item.ID)
		m.insert(ev.Item.Clone())
	case broadcast.ItemDeleted:
		m.remove(ev.ItemID)
	default:
		return fmt.Errorf("%w: unknown event type %q", store.ErrValidation, ev.Type)
	}
	m.seq = ev.Seq
	return nil
}

func (m *Mirror) remove(id int64) {
	cur, ok := m.items[id]
	if !ok {
		return
	}
	delete(m.items, id)
	m.shift(order.PlanRemove(cur.ParentID, cur.Position))
}

func (m *Mirror) insert(it store.Item) {
	it.Position = order.Clamp(it.Position, m.sizeOf(it.ParentID))
	m.shift(order.PlanInsert(it.ParentID, it.Position))
	m.items[it.ID] = it
}

func (m *Mirror) shift(steps []order.Shift) {
	for _, st := range steps {
		for id, it := range m.items {
			if order.SameScope(it.ParentID, st.Parent) && st.Range.Contains(it.Position) {
				it.Position += st.Delta
				m.items[id] = it
			}
		}
	}
}

func (m *Mirror) sizeOf(parent *int64) int {
	n := 0
	for _, it := range m.items {
		if order.SameScope(it.ParentID, parent) {
			n++
		}
	}
	return n
}

// Seq returns the sequence number of the last applied event.
func (m *Mirror) Seq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

// Len returns the number of items in the replica.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Get returns a copy of one item.
func (m *Mirror) Get(id int64) (store.Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	return it.Clone(), ok
}

// Items returns every item ordered by (parentId, position).
func (m *Mirror) Items() []store.Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it.Clone())
	}
	store.SortItems(out)
	return out
}

// Scope returns the children of parent in position order.
func (m *Mirror) Scope(parent *int64) []store.Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []store.Item
	for _, it := range m.items {
		if order.SameScope(it.ParentID, parent) {
			out = append(out, it.Clone())
		}
	}
	store.SortItems(out)
	return out
}
