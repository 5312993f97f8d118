package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/jacentio/treeorder/store"
)

// ViolationKind classifies a broken invariant.
type ViolationKind string

const (
	ViolationDensity        ViolationKind = "density"
	ViolationDanglingParent ViolationKind = "danglingParent"
	ViolationParentNotDir   ViolationKind = "parentNotFolder"
	ViolationCycle          ViolationKind = "cycle"
)

// Violation is one broken invariant found by Verify.
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	ItemID   int64         `json:"itemId"`
	ParentID *int64        `json:"parentId"`
	Detail   string        `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: item %d: %s", v.Kind, v.ItemID, v.Detail)
}

// Verify checks a full listing for dense positions, existing folder parents
// and an acyclic parent relation. It returns nil when the forest is sound.
func Verify(items []store.Item) []Violation {
	var out []Violation

	byID := make(map[int64]*store.Item, len(items))
	for i := range items {
		byID[items[i].ID] = &items[i]
	}

	type scopeKey struct {
		root bool
		id   int64
	}
	scopes := make(map[scopeKey][]*store.Item)
	for i := range items {
		it := &items[i]
		k := scopeKey{root: true}
		if it.ParentID != nil {
			k = scopeKey{id: *it.ParentID}
			parent, ok := byID[*it.ParentID]
			switch {
			case !ok:
				out = append(out, Violation{Kind: ViolationDanglingParent, ItemID: it.ID, ParentID: store.ParentRef(it.ParentID),
					Detail: fmt.Sprintf("parent %d does not exist", *it.ParentID)})
			case !parent.Kind.CanContain():
				out = append(out, Violation{Kind: ViolationParentNotDir, ItemID: it.ID, ParentID: store.ParentRef(it.ParentID),
					Detail: fmt.Sprintf("parent %d is a %s", *it.ParentID, parent.Kind)})
			}
		}
		scopes[k] = append(scopes[k], it)
	}

	for _, members := range scopes {
		sort.Slice(members, func(i, j int) bool { return store.Less(*members[i], *members[j]) })
		for want, it := range members {
			if it.Position != want {
				out = append(out, Violation{Kind: ViolationDensity, ItemID: it.ID, ParentID: store.ParentRef(it.ParentID),
					Detail: fmt.Sprintf("position %d, expected %d", it.Position, want)})
				break
			}
		}
	}

	// An item is on a cycle if following parents from it revisits a node.
	// Each cycle is reported once, by its smallest id.
	reported := make(map[int64]bool)
	for i := range items {
		start := items[i].ID
		seen := map[int64]bool{start: true}
		cur := items[i].ParentID
		for cur != nil {
			if *cur == start {
				lowest := start
				for id := range seen {
					if id < lowest {
						lowest = id
					}
				}
				if lowest == start && !reported[start] {
					reported[start] = true
					out = append(out, Violation{Kind: ViolationCycle, ItemID: start, ParentID: store.ParentRef(items[i].ParentID),
						Detail: fmt.Sprintf("item is its own ancestor via %d items", len(seen))})
				}
				break
			}
			if seen[*cur] {
				break
			}
			seen[*cur] = true
			next, ok := byID[*cur]
			if !ok {
				break
			}
			cur = next.ParentID
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

// Verify checks the committed forest.
func (e *Engine) Verify(ctx context.Context) ([]Violation, error) {
	items, err := e.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return Verify(items), nil
}
