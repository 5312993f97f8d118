// Package scopelock serialises mutations that renumber the same scope.
//
// Keys are always acquired in one total order: the structure key first, then
// the root scope, then folder scopes by ascending id. Two operations asking for
// overlapping key sets therefore never wait on each other in a cycle.
package scopelock

import (
	"context"
	"sort"
	"strconv"
)

type keyKind uint8

const (
	kindStructure keyKind = iota
	kindRoot
	kindFolder
)

// Key names one lockable resource.
type Key struct {
	kind keyKind
	id   int64
}

// Structure guards the shape of the forest. Moves that change an item's
// parent hold it while they check for cycles.
func Structure() Key { return Key{kind: kindStructure} }

// Root is the key of the root scope.
func Root() Key { return Key{kind: kindRoot} }

// Folder is the key of the scope holding the children of folder id.
func Folder(id int64) Key { return Key{kind: kindFolder, id: id} }

// Scope returns the key for the scope whose parent is parent (nil = root).
func Scope(parent *int64) Key {
	if parent == nil {
		return Root()
	}
	return Folder(*parent)
}

// String returns a stable name, used for lease rows and logs.
func (k Key) String() string {
	switch k.kind {
	case kindStructure:
		return "structure"
	case kindRoot:
		return "root"
	}
	return "folder:" + strconv.FormatInt(k.id, 10)
}

// Less reports whether k is acquired before o.
func (k Key) Less(o Key) bool {
	if k.kind != o.kind {
		return k.kind < o.kind
	}
	return k.id < o.id
}

// Release gives back every key taken by one Acquire. It is safe to call more
// than once.
type Release func()

// Locker acquires a set of keys for the duration of one mutation.
// Acquire blocks until all keys are held, the lock timeout elapses or ctx is
// done. On timeout it returns an error wrapping store.ErrConcurrencyTimeout
// and holds nothing.
type Locker interface {
	Acquire(ctx context.Context, keys ...Key) (Release, error)
}

// Ordered returns keys sorted into acquisition order with duplicates removed.
func Ordered(keys []Key) []Key {
	out := make([]Key, len(keys))
	copy(out, keys)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })

	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
