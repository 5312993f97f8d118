package client

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/treeorder/broadcast"
	"github.com/jacentio/treeorder/engine"
	"github.com/jacentio/treeorder/store"
	"github.com/jacentio/treeorder/store/memory"
)

func ptr(v int64) *int64 { return &v }

func item(id int64, name string, kind store.Kind, parent *int64, pos int) store.Item {
	return store.Item{ID: id, Name: name, Kind: kind, Icon: store.IconFileText, ParentID: parent, Position: pos}
}

// layout renders a listing as "parent/position:name" strings.
func layout(items []store.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		parent := "root"
		if it.ParentID != nil {
			parent = fmt.Sprint(*it.ParentID)
		}
		out = append(out, fmt.Sprintf("%s/%d:%s", parent, it.Position, it.Name))
	}
	return out
}

func seeded() *Mirror {
	m := NewMirror()
	m.Reset([]store.Item{
		item(1, "A", store.KindFile, nil, 0),
		item(2, "B", store.KindFile, nil, 1),
		item(3, "dir", store.KindFolder, nil, 2),
		item(4, "x", store.KindFile, ptr(3), 0),
	}, 10)
	return m
}

func at(ev broadcast.Event, seq uint64) broadcast.Event {
	ev.Seq = seq
	return ev
}

func TestMirror_Create(t *testing.T) {
	m := seeded()
	it := item(5, "new", store.KindFile, nil, 0)
	require.NoError(t, m.Apply(at(broadcast.Created(&it), 11)))

	assert.Equal(t, []string{"root/0:new", "root/1:A", "root/2:B", "root/3:dir", "3/0:x"}, layout(m.Items()))
	assert.Equal(t, uint64(11), m.Seq())
}

func TestMirror_MoveAcrossScopes(t *testing.T) {
	m := seeded()
	a := item(1, "A", store.KindFile, ptr(3), 0)
	require.NoError(t, m.Apply(at(broadcast.Moved(&a), 11)))

	assert.Equal(t, []string{"root/0:B", "root/1:dir"}, layout(m.Scope(nil)))
	assert.Equal(t, []string{"3/0:A", "3/1:x"}, layout(m.Scope(ptr(3))))
}

func TestMirror_MoveWithinScope(t *testing.T) {
	m := seeded()
	a := item(1, "A", store.KindFile, nil, 2)
	require.NoError(t, m.Apply(at(broadcast.Moved(&a), 11)))
	assert.Equal(t, []string{"root/0:B", "root/1:dir", "root/2:A"}, layout(m.Scope(nil)))
}

func TestMirror_Delete(t *testing.T) {
	m := seeded()
	require.NoError(t, m.Apply(at(broadcast.Deleted(1), 11)))
	assert.Equal(t, []string{"root/0:B", "root/1:dir", "3/0:x"}, layout(m.Items()))

	_, ok := m.Get(1)
	assert.False(t, ok)
}

func TestMirror_ReflectedEventIsNoop(t *testing.T) {
	m := seeded()
	before := layout(m.Items())

	b := item(2, "B", store.KindFile, nil, 1)
	require.NoError(t, m.Apply(at(broadcast.Moved(&b), 11)))
	require.NoError(t, m.Apply(at(broadcast.Created(&b), 12)))
	require.NoError(t, m.Apply(at(broadcast.Deleted(99), 13)))

	assert.Equal(t, before, layout(m.Items()))
	assert.Equal(t, uint64(13), m.Seq())
}

func TestMirror_StaleAndGap(t *testing.T) {
	m := seeded()
	before := layout(m.Items())

	require.NoError(t, m.Apply(at(broadcast.Deleted(1), 9)), "stale events are skipped")
	assert.Equal(t, before, layout(m.Items()))

	err := m.Apply(at(broadcast.Deleted(1), 12))
	require.ErrorIs(t, err, ErrGap)
	assert.Equal(t, before, layout(m.Items()))
	assert.Equal(t, uint64(10), m.Seq())
}

func TestMirror_RejectsMalformed(t *testing.T) {
	m := seeded()
	err := m.Apply(broadcast.Event{Seq: 11, Type: broadcast.ItemMoved, ItemID: 1})
	require.ErrorIs(t, err, store.ErrValidation)
	err = m.Apply(broadcast.Event{Seq: 11, Type: "itemRenamed"})
	require.ErrorIs(t, err, store.ErrValidation)
	assert.Equal(t, uint64(10), m.Seq())
}

func TestMirror_ClampsPosition(t *testing.T) {
	m := NewMirror()
	it := item(1, "A", store.KindFile, nil, 7)
	require.NoError(t, m.Apply(at(broadcast.Created(&it), 1)))
	assert.Equal(t, []string{"root/0:A"}, layout(m.Items()))
}

// TestMirror_TracksEngine replays a random operation sequence through the
// engine and checks that a mirror fed only the published events ends up with
// the same layout.
func TestMirror_TracksEngine(t *testing.T) {
	ctx := context.Background()
	hub := broadcast.NewHub(broadcast.Config{Buffer: 4096}, nil)
	defer hub.Close()
	sub := hub.Subscribe()
	defer sub.Close()

	eng := engine.New(memory.New(), nil, hub, engine.DefaultConfig(), nil)
	m := NewMirror()
	rng := rand.New(rand.NewSource(7))

	var folders []int64
	var all []int64
	for i := 0; i < 300; i++ {
		var parent *int64
		if len(folders) > 0 && rng.Intn(2) == 0 {
			parent = ptr(folders[rng.Intn(len(folders))])
		}

		switch op := rng.Intn(10); {
		case op < 4 || len(all) == 0:
			kind := store.KindFile
			if rng.Intn(3) == 0 {
				kind = store.KindFolder
			}
			it, err := eng.Create(ctx, store.Draft{Name: fmt.Sprint("n", i), Kind: kind, Icon: store.IconFolder}, parent, rng.Intn(6))
			require.NoError(t, err)
			all = append(all, it.ID)
			if kind == store.KindFolder {
				folders = append(folders, it.ID)
			}
		case op < 8:
			_, err := eng.Move(ctx, all[rng.Intn(len(all))], parent, rng.Intn(6))
			if err != nil {
				require.ErrorIs(t, err, store.ErrInvalidTarget)
			}
		default:
			idx := rng.Intn(len(all))
			err := eng.Delete(ctx, all[idx])
			if err != nil {
				require.ErrorIs(t, err, store.ErrNotEmpty)
				continue
			}
			id := all[idx]
			all = append(all[:idx], all[idx+1:]...)
			for j, f := range folders {
				if f == id {
					folders = append(folders[:j], folders[j+1:]...)
					break
				}
			}
		}

		for drained := false; !drained; {
			select {
			case ev := <-sub.C():
				require.NoError(t, m.Apply(ev))
			default:
				drained = true
			}
		}
	}

	want, err := eng.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, layout(want), layout(m.Items()))
	assert.Equal(t, hub.Seq(), m.Seq())
	assert.Empty(t, engine.Verify(m.Items()))
}
