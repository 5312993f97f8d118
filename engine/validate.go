package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jacentio/treeorder/store"
)

const maxNameLength = 255

// checkDraft validates the caller-supplied fields of a new item.
func checkDraft(d store.Draft) error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", store.ErrValidation)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", store.ErrValidation, maxNameLength)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: kind is required", store.ErrValidation)
	}
	if !d.Icon.Valid() {
		return fmt.Errorf("%w: icon is required", store.ErrValidation)
	}
	return nil
}

// checkParent verifies that parent is nil or an existing folder. A parent that
// cannot hold children is reported as notFolder.
func checkParent(ctx context.Context, g store.Getter, parent *int64, notFolder error) error {
	if parent == nil {
		return nil
	}
	p, err := g.Get(ctx, *parent)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("parent %d: %w", *parent, store.ErrNotFound)
		}
		return err
	}
	if !p.Kind.CanContain() {
		return fmt.Errorf("%w: parent %d is a %s", notFolder, *parent, p.Kind)
	}
	return nil
}

// checkAncestry rejects a target parent that is id itself or one of its
// descendants. It walks up from target until the root, at most depth steps.
func checkAncestry(ctx context.Context, g store.Getter, id int64, target *int64, depth int) error {
	seen := make(map[int64]struct{})
	for cur := target; cur != nil; {
		if *cur == id {
			return fmt.Errorf("%w: item %d cannot be moved into itself or a descendant", store.ErrInvalidTarget, id)
		}
		if _, ok := seen[*cur]; ok {
			return fmt.Errorf("ancestor chain of %d loops at %d", *target, *cur)
		}
		if len(seen) >= depth {
			return fmt.Errorf("ancestor chain of %d exceeds depth %d", *target, depth)
		}
		seen[*cur] = struct{}{}

		it, err := g.Get(ctx, *cur)
		if err != nil {
			return fmt.Errorf("ancestor %d: %w", *cur, err)
		}
		cur = it.ParentID
	}
	return nil
}

// checkMove runs every precondition of a move against g.
func (e *Engine) checkMove(ctx context.Context, g store.Getter, id int64, target *int64) error {
	if err := checkParent(ctx, g, target, store.ErrInvalidTarget); err != nil {
		return err
	}
	return checkAncestry(ctx, g, id, target, e.config.MaxDepth)
}
