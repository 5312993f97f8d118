package store

import (
	"context"
	"sort"
	"time"

	"github.com/jacentio/treeorder/order"
)

// Getter reads a single item by id. Implemented by both [Reader] and [Tx] so
// validation can run against committed state or against a locked transaction.
type Getter interface {
	Get(ctx context.Context, id int64) (*Item, error)
}

// Reader is the read path of a TreeStore. Reads observe committed state only.
type Reader interface {
	Getter

	// ListAll returns every item ordered by (parentId, position).
	ListAll(ctx context.Context) ([]Item, error)

	// ListScope returns the items of one scope ordered by position.
	ListScope(ctx context.Context, parent *int64) ([]Item, error)
}

// Store is a transactional table of items.
type Store interface {
	Reader

	// Begin opens a transaction. Nothing written through the returned Tx is
	// visible to other readers until Commit succeeds.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a read-modify-write unit against a Store. Reads through a Tx observe
// its own uncommitted writes.
type Tx interface {
	Getter

	// ScopeSize returns the number of items whose parent is parent.
	ScopeSize(ctx context.Context, parent *int64) (int, error)

	// HasChildren reports whether any item has id as its parent.
	HasChildren(ctx context.Context, id int64) (bool, error)

	// Shift applies s to every matching sibling and stamps their updatedAt.
	Shift(ctx context.Context, s order.Shift, now time.Time) error

	// Insert stores a new item at (parent, position) and assigns its id.
	Insert(ctx context.Context, d Draft, parent *int64, position int, now time.Time) (*Item, error)

	// Place sets the parent and position of an existing item.
	Place(ctx context.Context, id int64, parent *int64, position int, now time.Time) (*Item, error)

	// Delete removes an item.
	Delete(ctx context.Context, id int64) error

	Commit(ctx context.Context) error

	// Rollback discards the transaction. Safe to call after Commit.
	Rollback(ctx context.Context) error
}

// Less orders items by (parentId, position) with the root scope first.
func Less(a, b Item) bool {
	switch {
	case a.ParentID == nil && b.ParentID != nil:
		return true
	case a.ParentID != nil && b.ParentID == nil:
		return false
	case a.ParentID != nil && *a.ParentID != *b.ParentID:
		return *a.ParentID < *b.ParentID
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.ID < b.ID
}

// SortItems sorts items in place by (parentId, position).
func SortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool { return Less(items[i], items[j]) })
}
