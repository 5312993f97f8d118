// Package engine applies move, create and delete to a TreeStore while keeping
// every scope's positions dense.
//
// Each mutation runs the validation checks against committed state, takes the
// scope locks it needs, repeats the checks inside one store transaction, applies
// the renumbering plan and commits. Events are published after commit while the
// locks are still held, so observers of one scope see commits in order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jacentio/treeorder/broadcast"
	"github.com/jacentio/treeorder/order"
	"github.com/jacentio/treeorder/scopelock"
	"github.com/jacentio/treeorder/store"
)

// Engine is the only writer of parentId and position.
type Engine struct {
	store  store.Store
	locker scopelock.Locker
	pub    broadcast.Publisher
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Engine. A nil locker gets an in-process scopelock.Manager and
// a nil publisher discards events.
func New(s store.Store, locker scopelock.Locker, pub broadcast.Publisher, config Config, logger *slog.Logger) *Engine {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = scopelock.NewManager(scopelock.DefaultConfig(), logger)
	}
	if pub == nil {
		pub = broadcast.Discard
	}
	return &Engine{
		store:  s,
		locker: locker,
		pub:    pub,
		config: config,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// errReplan signals that the item left the scope it was planned against.
var errReplan = errors.New("item changed scope")

// run retries fn while it reports errReplan, up to MaxReplans extra attempts.
func (e *Engine) run(ctx context.Context, op string, id int64, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err != errReplan {
			e.warnFailure(op, id, err)
			return err
		}
		if attempt >= e.config.MaxReplans {
			e.logger.Warn("gave up re-planning", "op", op, "itemId", id, "attempts", attempt+1)
			return fmt.Errorf("%s %d: scope kept changing: %w", op, id, store.ErrConcurrencyTimeout)
		}
		e.logger.Debug("re-planning", "op", op, "itemId", id, "attempt", attempt+1)
	}
}

// warnFailure logs failures that are not the caller's fault.
func (e *Engine) warnFailure(op string, id int64, err error) {
	switch store.Code(err) {
	case store.CodeInternal, store.CodeConcurrencyTimeout:
		e.logger.Warn("mutation failed", "op", op, "itemId", id, "error", err)
	}
}

// parentAttr renders a parent reference for logs.
func parentAttr(parent *int64) any {
	if parent == nil {
		return "root"
	}
	return *parent
}

// publish hands ev to the publisher. The mutation has already committed so a
// failure is only logged.
func (e *Engine) publish(ctx context.Context, ev broadcast.Event) {
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish event", "type", ev.Type, "itemId", ev.ItemID, "error", err)
	}
}

// publishCommitted publishes the event of a committed mutation unless the
// store's change stream delivers those.
func (e *Engine) publishCommitted(ctx context.Context, ev broadcast.Event) {
	if e.config.ExternalEvents {
		return
	}
	e.publish(ctx, ev)
}

// Move reparents and/or reorders an item. position is clamped into the target
// scope. Moving an item onto its current place commits nothing and still
// publishes itemMoved, also under ExternalEvents.
func (e *Engine) Move(ctx context.Context, id int64, target *int64, position int) (*store.Item, error) {
	var result *store.Item
	err := e.run(ctx, "move", id, func() error {
		it, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := e.checkMove(ctx, e.store, id, target); err != nil {
			return err
		}

		cross := !order.SameScope(it.ParentID, target)
		keys := []scopelock.Key{scopelock.Scope(it.ParentID), scopelock.Scope(target)}
		if cross {
			keys = append(keys, scopelock.Structure())
		}
		release, err := e.locker.Acquire(ctx, keys...)
		if err != nil {
			return err
		}
		defer release()

		moved, changed, err := e.moveLocked(ctx, id, it.ParentID, target, position)
		if err != nil {
			return err
		}
		if changed {
			e.logger.Info("item moved", "itemId", id, "parentId", parentAttr(target), "position", moved.Position)
			e.publishCommitted(ctx, broadcast.Moved(moved))
		} else {
			e.publish(ctx, broadcast.Moved(moved))
		}
		result = moved
		return nil
	})
	return result, err
}

func (e *Engine) moveLocked(ctx context.Context, id int64, planned, target *int64, position int) (*store.Item, bool, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := tx.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !order.SameScope(cur.ParentID, planned) {
		return nil, false, errReplan
	}

	same := order.SameScope(cur.ParentID, target)
	if !same {
		if err := e.checkMove(ctx, tx, id, target); err != nil {
			return nil, false, err
		}
	}

	size, err := tx.ScopeSize(ctx, target)
	if err != nil {
		return nil, false, err
	}
	to := order.Clamp(position, order.MaxTarget(size, same))
	if same && to == cur.Position {
		return cur, false, nil
	}

	now := e.now()
	for _, s := range order.PlanMove(cur.ParentID, cur.Position, target, to) {
		if err := tx.Shift(ctx, s, now); err != nil {
			return nil, false, fmt.Errorf("shift: %w", err)
		}
	}
	moved, err := tx.Place(ctx, id, target, to, now)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit move: %w", err)
	}
	return moved, true, nil
}

// Create inserts a new item into parent's scope at position, clamped to the
// scope's size.
func (e *Engine) Create(ctx context.Context, d store.Draft, parent *int64, position int) (*store.Item, error) {
	if err := checkDraft(d); err != nil {
		return nil, err
	}
	d.Name = strings.TrimSpace(d.Name)
	if err := checkParent(ctx, e.store, parent, store.ErrValidation); err != nil {
		return nil, err
	}

	release, err := e.locker.Acquire(ctx, scopelock.Scope(parent))
	if err != nil {
		e.warnFailure("create", 0, err)
		return nil, err
	}
	defer release()

	created, err := e.createLocked(ctx, d, parent, position)
	if err != nil {
		e.warnFailure("create", 0, err)
		return nil, err
	}
	e.logger.Info("item created", "itemId", created.ID, "parentId", parentAttr(parent), "position", created.Position)
	e.publish(ctx, broadcast.Created(created))
	return created, nil
}

func (e *Engine) createLocked(ctx context.Context, d store.Draft, parent *int64, position int) (*store.Item, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := checkParent(ctx, tx, parent, store.ErrValidation); err != nil {
		return nil, err
	}
	size, err := tx.ScopeSize(ctx, parent)
	if err != nil {
		return nil, err
	}
	at := order.Clamp(position, order.MaxTarget(size, false))

	now := e.now()
	for _, s := range order.PlanInsert(parent, at) {
		if err := tx.Shift(ctx, s, now); err != nil {
			return nil, fmt.Errorf("shift: %w", err)
		}
	}
	created, err := tx.Insert(ctx, d, parent, at, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}
	return created, nil
}

// Delete removes an item and closes the gap it leaves. Folders that still
// have children are rejected with store.ErrNotEmpty.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	return e.run(ctx, "delete", id, func() error {
		it, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}

		keys := []scopelock.Key{scopelock.Scope(it.ParentID)}
		if it.Kind.CanContain() {
			keys = append(keys, scopelock.Folder(id))
		}
		release, err := e.locker.Acquire(ctx, keys...)
		if err != nil {
			return err
		}
		defer release()

		if err := e.deleteLocked(ctx, id, it.ParentID); err != nil {
			return err
		}
		e.logger.Info("item deleted", "itemId", id, "parentId", parentAttr(it.ParentID))
		e.publishCommitted(ctx, broadcast.Deleted(id))
		return nil
	})
}

func (e *Engine) deleteLocked(ctx context.Context, id int64, planned *int64) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := tx.Get(ctx, id)
	if err != nil {
		return err
	}
	if !order.SameScope(cur.ParentID, planned) {
		return errReplan
	}
	if cur.Kind.CanContain() {
		has, err := tx.HasChildren(ctx, id)
		if err != nil {
			return err
		}
		if has {
			return fmt.Errorf("folder %d: %w", id, store.ErrNotEmpty)
		}
	}

	if err := tx.Delete(ctx, id); err != nil {
		return err
	}
	now := e.now()
	for _, s := range order.PlanRemove(cur.ParentID, cur.Position) {
		if err := tx.Shift(ctx, s, now); err != nil {
			return fmt.Errorf("shift: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// ListAll returns every item ordered by (parentId, position).
func (e *Engine) ListAll(ctx context.Context) ([]store.Item, error) {
	return e.store.ListAll(ctx)
}

// ListScope returns one scope ordered by position.
func (e *Engine) ListScope(ctx context.Context, parent *int64) ([]store.Item, error) {
	return e.store.ListScope(ctx, parent)
}
