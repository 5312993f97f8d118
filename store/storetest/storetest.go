// Package storetest holds a conformance suite every TreeStore backend runs.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/treeorder/order"
	"github.com/jacentio/treeorder/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore(t)) })
	t.Run("RollbackDiscards", func(t *testing.T) { testRollbackDiscards(t, newStore(t)) })
	t.Run("ShiftRange", func(t *testing.T) { testShiftRange(t, newStore(t)) })
	t.Run("PlaceAcrossScopes", func(t *testing.T) { testPlaceAcrossScopes(t, newStore(t)) })
	t.Run("DeleteAndHasChildren", func(t *testing.T) { testDeleteAndHasChildren(t, newStore(t)) })
	t.Run("ReadYourWrites", func(t *testing.T) { testReadYourWrites(t, newStore(t)) })
	t.Run("ListOrdering", func(t *testing.T) { testListOrdering(t, newStore(t)) })
	t.Run("IDsNotReused", func(t *testing.T) { testIDsNotReused(t, newStore(t)) })
}

// Seed inserts items by name into parent's scope at consecutive positions and
// returns their ids in order.
func Seed(t *testing.T, s store.Store, parent *int64, kind store.Kind, names ...string) []int64 {
	t.Helper()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	size, err := tx.ScopeSize(ctx, parent)
	require.NoError(t, err)

	ids := make([]int64, 0, len(names))
	for i, name := range names {
		icon := store.IconFileText
		if kind == store.KindFolder {
			icon = store.IconFolder
		}
		it, err := tx.Insert(ctx, store.Draft{Name: name, Kind: kind, Icon: icon}, parent, size+i, epoch)
		require.NoError(t, err)
		ids = append(ids, it.ID)
	}
	require.NoError(t, tx.Commit(ctx))
	return ids
}

// Positions returns name -> position for one scope.
func Positions(t *testing.T, s store.Reader, parent *int64) map[string]int {
	t.Helper()
	items, err := s.ListScope(context.Background(), parent)
	require.NoError(t, err)

	out := make(map[string]int, len(items))
	for _, it := range items {
		out[it.Name] = it.Position
	}
	return out
}

func testInsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	ids := Seed(t, s, nil, store.KindFolder, "docs")

	got, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "docs", got.Name)
	assert.Equal(t, store.KindFolder, got.Kind)
	assert.Equal(t, store.IconFolder, got.Icon)
	assert.Nil(t, got.ParentID)
	assert.Equal(t, 0, got.Position)
	assert.True(t, got.CreatedAt.Equal(epoch), "createdAt = %v", got.CreatedAt)

	_, err = s.Get(ctx, ids[0]+1000)
	assert.True(t, errors.Is(err, store.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func testRollbackDiscards(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seed(t, s, nil, store.KindFile, "a")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Shift(ctx, order.Shift{Range: order.AtLeast(0), Delta: 1}, epoch))
	_, err = tx.Insert(ctx, store.Draft{Name: "b", Kind: store.KindFile, Icon: store.IconCode}, nil, 0, epoch)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	assert.Equal(t, map[string]int{"a": 0}, Positions(t, s, nil))
}

func testShiftRange(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seed(t, s, nil, store.KindFile, "a", "b", "c", "d")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	later := epoch.Add(time.Minute)
	require.NoError(t, tx.Shift(ctx, order.Shift{Range: order.Between(1, 2), Delta: 5}, later))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, map[string]int{"a": 0, "b": 6, "c": 7, "d": 3}, Positions(t, s, nil))

	items, err := s.ListScope(ctx, nil)
	require.NoError(t, err)
	for _, it := range items {
		shifted := it.Name == "b" || it.Name == "c"
		assert.Equal(t, shifted, it.UpdatedAt.Equal(later), "updatedAt of %s = %v", it.Name, it.UpdatedAt)
	}
}

func testPlaceAcrossScopes(t *testing.T, s store.Store) {
	ctx := context.Background()
	folders := Seed(t, s, nil, store.KindFolder, "src", "dst")
	src, dst := store.Ref(folders[0]), store.Ref(folders[1])
	files := Seed(t, s, src, store.KindFile, "x", "y")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	moved, err := tx.Place(ctx, files[0], dst, 0, epoch)
	require.NoError(t, err)
	require.NotNil(t, moved.ParentID)
	assert.Equal(t, folders[1], *moved.ParentID)
	require.NoError(t, tx.Shift(ctx, order.Shift{Parent: src, Range: order.AtLeast(1), Delta: -1}, epoch))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, map[string]int{"y": 0}, Positions(t, s, src))
	assert.Equal(t, map[string]int{"x": 0}, Positions(t, s, dst))
}

func testDeleteAndHasChildren(t *testing.T, s store.Store) {
	ctx := context.Background()
	folders := Seed(t, s, nil, store.KindFolder, "f")
	files := Seed(t, s, store.Ref(folders[0]), store.KindFile, "x")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	has, err := tx.HasChildren(ctx, folders[0])
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, tx.Delete(ctx, files[0]))
	has, err = tx.HasChildren(ctx, folders[0])
	require.NoError(t, err)
	assert.False(t, has, "deleted child must not count inside the transaction")

	err = tx.Delete(ctx, files[0])
	assert.True(t, errors.Is(err, store.ErrNotFound), "double delete: %v", err)
	require.NoError(t, tx.Commit(ctx))

	_, err = s.Get(ctx, files[0])
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testReadYourWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seed(t, s, nil, store.KindFile, "a", "b")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	it, err := tx.Insert(ctx, store.Draft{Name: "c", Kind: store.KindFile, Icon: store.IconMusic}, nil, 2, epoch)
	require.NoError(t, err)

	size, err := tx.ScopeSize(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	got, err := tx.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "c", got.Name)

	// Not visible outside until commit.
	outside, err := s.ListScope(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, outside, 2)
}

func testListOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	folders := Seed(t, s, nil, store.KindFolder, "one", "two")
	Seed(t, s, store.Ref(folders[1]), store.KindFile, "t0", "t1")
	Seed(t, s, store.Ref(folders[0]), store.KindFile, "o0")

	items, err := s.ListAll(ctx)
	require.NoError(t, err)

	var names []string
	for _, it := range items {
		names = append(names, it.Name)
	}
	assert.Equal(t, []string{"one", "two", "o0", "t0", "t1"}, names)
}

func testIDsNotReused(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := Seed(t, s, nil, store.KindFile, "a")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, first[0]))
	require.NoError(t, tx.Commit(ctx))

	second := Seed(t, s, nil, store.KindFile, "b")
	assert.NotEqual(t, first[0], second[0])
}
