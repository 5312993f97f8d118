package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/treeorder/internal/keys"
	"github.com/jacentio/treeorder/order"
	"github.com/jacentio/treeorder/store"
)

var errTxDone = errors.New("dynamo: transaction already finished")

// entry is one item as seen by a transaction.
type entry struct {
	item      store.Item
	persisted string // scope partition of the committed row, "" for new items
	op        string
	dirty     bool
	deleted   bool
}

func (e *entry) scope() string { return keys.ScopePK(e.item.ParentID) }

// scopeState records the header version a scope had when first read. Every
// loaded scope is part of the read set: touched scopes have their header
// bumped, dropped scopes have it deleted and the rest are checked unchanged.
type scopeState struct {
	version int64
	header  bool
	touched bool
	drop    bool
}

type tx struct {
	s       *Store
	rows    map[int64]*entry
	scopes  map[string]*scopeState
	parents map[int64]struct{} // folders that must still exist at commit
	done    bool
}

func (t *tx) check() error {
	if t.done {
		return errTxDone
	}
	return nil
}

// loadScope reads a scope partition once per transaction. Rows already held
// by the transaction are kept as they are.
func (t *tx) loadScope(ctx context.Context, pk string) (*scopeState, error) {
	if st, ok := t.scopes[pk]; ok {
		return st, nil
	}
	items, version, header, err := t.s.queryScope(ctx, pk)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if _, ok := t.rows[it.ID]; ok {
			continue
		}
		t.rows[it.ID] = &entry{item: it, persisted: pk}
	}
	st := &scopeState{version: version, header: header}
	t.scopes[pk] = st
	return st, nil
}

// members returns the live entries of a loaded scope.
func (t *tx) members(pk string) []*entry {
	var out []*entry
	for _, e := range t.rows {
		if !e.deleted && e.scope() == pk {
			out = append(out, e)
		}
	}
	return out
}

func (t *tx) lookup(ctx context.Context, id int64) (*entry, error) {
	if e, ok := t.rows[id]; ok {
		if e.deleted {
			return nil, fmt.Errorf("item %d: %w", id, store.ErrNotFound)
		}
		return e, nil
	}
	pk, err := t.s.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := t.loadScope(ctx, pk); err != nil {
		return nil, err
	}
	e, ok := t.rows[id]
	if !ok || e.deleted {
		return nil, fmt.Errorf("item %d left %s: %w", id, pk, store.ErrConcurrentModification)
	}
	return e, nil
}

func (t *tx) Get(ctx context.Context, id int64) (*store.Item, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	e, err := t.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	c := e.item.Clone()
	return &c, nil
}

func (t *tx) ScopeSize(ctx context.Context, parent *int64) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	pk := keys.ScopePK(parent)
	if _, err := t.loadScope(ctx, pk); err != nil {
		return 0, err
	}
	return len(t.members(pk)), nil
}

func (t *tx) HasChildren(ctx context.Context, id int64) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	pk := keys.ScopePK(&id)
	if _, err := t.loadScope(ctx, pk); err != nil {
		return false, err
	}
	return len(t.members(pk)) > 0, nil
}

func (t *tx) touch(ctx context.Context, pk string) error {
	st, err := t.loadScope(ctx, pk)
	if err != nil {
		return err
	}
	st.touched = true
	return nil
}

func (t *tx) Shift(ctx context.Context, s order.Shift, now time.Time) error {
	if err := t.check(); err != nil {
		return err
	}
	if s.Range.Empty() || s.Delta == 0 {
		return nil
	}
	pk := keys.ScopePK(s.Parent)
	if err := t.touch(ctx, pk); err != nil {
		return err
	}
	for _, e := range t.members(pk) {
		if !s.Range.Contains(e.item.Position) {
			continue
		}
		e.item.Position += s.Delta
		e.item.UpdatedAt = now
		e.dirty = true
		if e.op == "" {
			e.op = OpShift
		}
	}
	return nil
}

func (t *tx) Insert(ctx context.Context, d store.Draft, parent *int64, position int, now time.Time) (*store.Item, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	pk := keys.ScopePK(parent)
	if err := t.touch(ctx, pk); err != nil {
		return nil, err
	}
	id, err := t.s.nextID(ctx)
	if err != nil {
		return nil, err
	}
	t.requireParent(parent)
	e := &entry{
		item: store.Item{
			ID:        id,
			Name:      d.Name,
			Kind:      d.Kind,
			Icon:      d.Icon,
			ParentID:  store.ParentRef(parent),
			Position:  position,
			CreatedAt: now,
			UpdatedAt: now,
		},
		op:    OpCreate,
		dirty: true,
	}
	t.rows[id] = e
	c := e.item.Clone()
	return &c, nil
}

func (t *tx) Place(ctx context.Context, id int64, parent *int64, position int, now time.Time) (*store.Item, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	e, err := t.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.touch(ctx, e.scope()); err != nil {
		return nil, err
	}
	if err := t.touch(ctx, keys.ScopePK(parent)); err != nil {
		return nil, err
	}
	if e.scope() != keys.ScopePK(parent) {
		t.requireParent(parent)
	}
	e.item.ParentID = store.ParentRef(parent)
	e.item.Position = position
	e.item.UpdatedAt = now
	e.dirty = true
	if e.op != OpCreate {
		e.op = OpMove
	}
	c := e.item.Clone()
	return &c, nil
}

func (t *tx) Delete(ctx context.Context, id int64) error {
	if err := t.check(); err != nil {
		return err
	}
	e, err := t.lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := t.touch(ctx, e.scope()); err != nil {
		return err
	}
	e.deleted = true
	if e.item.Kind.CanContain() {
		pk := keys.ScopePK(&id)
		st, err := t.loadScope(ctx, pk)
		if err != nil {
			return err
		}
		if !st.touched && len(t.members(pk)) == 0 {
			st.drop = true
		}
	}
	return nil
}

// requireParent adds a check that parent's locator still exists at commit.
func (t *tx) requireParent(parent *int64) {
	if parent == nil {
		return
	}
	t.parents[*parent] = struct{}{}
}

// headerCondition guards a scope header on the version the transaction read.
func headerCondition(st *scopeState) (*string, map[string]types.AttributeValue) {
	if !st.header {
		return aws.String("attribute_not_exists(pk)"), nil
	}
	return aws.String("version = :v"), map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(st.version, 10)},
	}
}

// writes builds the transaction actions in a stable order.
func (t *tx) writes() ([]types.TransactWriteItem, error) {
	table := aws.String(t.s.config.Table)
	var actions []types.TransactWriteItem

	pks := make([]string, 0, len(t.scopes))
	written := false
	for pk, st := range t.scopes {
		pks = append(pks, pk)
		written = written || st.touched
	}
	if !written {
		return nil, nil
	}
	sort.Strings(pks)
	for _, pk := range pks {
		st := t.scopes[pk]
		cond, values := headerCondition(st)
		switch {
		case st.touched:
			actions = append(actions, types.TransactWriteItem{Put: &types.Put{
				TableName: table,
				Item: map[string]types.AttributeValue{
					"pk":      &types.AttributeValueMemberS{Value: pk},
					"sk":      &types.AttributeValueMemberS{Value: keys.ScopeHeaderSK},
					"version": &types.AttributeValueMemberN{Value: strconv.FormatInt(st.version+1, 10)},
				},
				ConditionExpression:       cond,
				ExpressionAttributeValues: values,
			}})
		case st.drop && st.header:
			actions = append(actions, types.TransactWriteItem{Delete: &types.Delete{
				TableName:                 table,
				Key:                       key(pk, keys.ScopeHeaderSK),
				ConditionExpression:       cond,
				ExpressionAttributeValues: values,
			}})
		default:
			actions = append(actions, types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
				TableName:                 table,
				Key:                       key(pk, keys.ScopeHeaderSK),
				ConditionExpression:       cond,
				ExpressionAttributeValues: values,
			}})
		}
	}

	parents := make([]int64, 0, len(t.parents))
	for id := range t.parents {
		if e, ok := t.rows[id]; ok && (e.dirty || e.deleted) {
			continue
		}
		parents = append(parents, id)
	}
	sort.Slice(parents, func(i, j int) bool { return parents[i] < parents[j] })
	for _, id := range parents {
		actions = append(actions, types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
			TableName:           table,
			Key:                 key(keys.LocatorPK(id), keys.LocatorSK),
			ConditionExpression: aws.String("attribute_exists(pk)"),
		}})
	}

	ids := make([]int64, 0, len(t.rows))
	for id, e := range t.rows {
		if e.dirty || e.deleted {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		e := t.rows[id]
		if e.deleted {
			if e.persisted == "" {
				continue
			}
			actions = append(actions,
				types.TransactWriteItem{Delete: &types.Delete{TableName: table, Key: key(e.persisted, keys.ItemSK(id))}},
				types.TransactWriteItem{Delete: &types.Delete{TableName: table, Key: key(keys.LocatorPK(id), keys.LocatorSK)}},
			)
			continue
		}

		av, err := attributevalue.MarshalMap(newRecord(e.item, e.op))
		if err != nil {
			return nil, fmt.Errorf("marshal item %d: %w", id, err)
		}
		actions = append(actions, types.TransactWriteItem{Put: &types.Put{TableName: table, Item: av}})

		current := e.scope()
		if e.persisted == current {
			continue
		}
		if e.persisted != "" {
			actions = append(actions, types.TransactWriteItem{
				Delete: &types.Delete{TableName: table, Key: key(e.persisted, keys.ItemSK(id))},
			})
		}
		actions = append(actions, types.TransactWriteItem{Put: &types.Put{
			TableName: table,
			Item: map[string]types.AttributeValue{
				"pk":    &types.AttributeValueMemberS{Value: keys.LocatorPK(id)},
				"sk":    &types.AttributeValueMemberS{Value: keys.LocatorSK},
				"id":    &types.AttributeValueMemberN{Value: strconv.FormatInt(id, 10)},
				"scope": &types.AttributeValueMemberS{Value: current},
			},
		}})
	}
	return actions, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true

	actions, err := t.writes()
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return nil
	}
	if len(actions) > t.s.config.MaxTransactItems {
		return fmt.Errorf("%w: %d writes, limit %d", store.ErrScopeTooLarge, len(actions), t.s.config.MaxTransactItems)
	}

	_, err = t.s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: actions,
	})
	return mapCommitError(err)
}

func (t *tx) Rollback(_ context.Context) error {
	t.done = true
	return nil
}
