// Package dynamo implements the TreeStore on a single DynamoDB table.
//
// # Table layout
//
// The table has a string partition key "pk" and a string sort key "sk":
//
//	pk                sk                     row
//	scope#root        #scope                 scope header (version)
//	scope#root        item#000…0007          item 7 in the root scope
//	scope#3           item#000…0012          item 12 inside folder 3
//	loc#12            #loc                   locator: which scope holds item 12
//	#counter          item_id                id sequence
//
// Siblings share a partition so a scope is read with one strongly consistent
// Query. A transaction reads items by loading their whole scope, so every scope
// it read is in its read set. On commit it bumps the header of each scope it
// wrote, checks the header of each scope it only read, and checks that the
// locator of every folder it inserted or moved into still exists. All of these
// are conditions on the one TransactWriteItems call, so a commit fails with
// store.ErrConcurrentModification if anything it read has changed since.
// A folder's own header row is removed when the folder is deleted.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/treeorder/internal/keys"
	"github.com/jacentio/treeorder/store"
)

// Client is the subset of the DynamoDB API the store uses.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ Client = (*dynamodb.Client)(nil)

// Operation tags written to item rows for stream consumers.
const (
	OpCreate = "create"
	OpMove   = "move"
	OpShift  = "shift"
)

// record is the persisted layout of an item row.
type record struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	ID        int64  `dynamodbav:"id"`
	Name      string `dynamodbav:"name"`
	Kind      string `dynamodbav:"kind"`
	Icon      string `dynamodbav:"icon"`
	ParentID  *int64 `dynamodbav:"parent_id,omitempty"`
	Position  int    `dynamodbav:"position"`
	CreatedAt string `dynamodbav:"created_at"`
	UpdatedAt string `dynamodbav:"updated_at"`
	LastOp    string `dynamodbav:"last_op"`
}

func newRecord(it store.Item, op string) record {
	return record{
		PK:        keys.ScopePK(it.ParentID),
		SK:        keys.ItemSK(it.ID),
		ID:        it.ID,
		Name:      it.Name,
		Kind:      it.Kind.String(),
		Icon:      it.Icon.String(),
		ParentID:  store.ParentRef(it.ParentID),
		Position:  it.Position,
		CreatedAt: it.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: it.UpdatedAt.UTC().Format(time.RFC3339Nano),
		LastOp:    op,
	}
}

func (r record) item() (store.Item, error) {
	kind, err := store.ParseKind(r.Kind)
	if err != nil {
		return store.Item{}, fmt.Errorf("item %d: %w", r.ID, err)
	}
	icon, err := store.ParseIcon(r.Icon)
	if err != nil {
		return store.Item{}, fmt.Errorf("item %d: %w", r.ID, err)
	}
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return store.Item{}, fmt.Errorf("item %d created_at: %w", r.ID, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return store.Item{}, fmt.Errorf("item %d updated_at: %w", r.ID, err)
	}
	return store.Item{
		ID:        r.ID,
		Name:      r.Name,
		Kind:      kind,
		Icon:      icon,
		ParentID:  store.ParentRef(r.ParentID),
		Position:  r.Position,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

// UnmarshalItem converts a raw item row into a store.Item.
func UnmarshalItem(raw map[string]types.AttributeValue) (store.Item, error) {
	var r record
	if err := attributevalue.UnmarshalMap(raw, &r); err != nil {
		return store.Item{}, fmt.Errorf("unmarshal item: %w", err)
	}
	return r.item()
}

// Store provides the TreeStore on DynamoDB.
type Store struct {
	client Client
	config Config
}

var _ store.Store = (*Store)(nil)

// New creates a new Store instance.
func New(client Client, config Config) *Store {
	config.validate()
	return &Store{
		client: client,
		config: config,
	}
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

// locate returns the scope partition currently holding id.
func (s *Store) locate(ctx context.Context, id int64) (string, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.Table),
		Key:            key(keys.LocatorPK(id), keys.LocatorSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if out.Item == nil {
		return "", fmt.Errorf("item %d: %w", id, store.ErrNotFound)
	}
	v, ok := out.Item["scope"].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("item %d: locator has no scope", id)
	}
	return v.Value, nil
}

// Get retrieves an item by id, returning store.ErrNotFound if missing.
func (s *Store) Get(ctx context.Context, id int64) (*store.Item, error) {
	scope, err := s.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.Table),
		Key:            key(scope, keys.ItemSK(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("item %d: %w", id, store.ErrNotFound)
	}
	it, err := UnmarshalItem(out.Item)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// queryScope reads one scope partition. It returns the item rows and the
// header version (0 when the header does not exist yet).
func (s *Store) queryScope(ctx context.Context, scopePK string) ([]store.Item, int64, bool, error) {
	var (
		items   []store.Item
		version int64
		header  bool
	)
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.Table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: scopePK},
		},
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, 0, false, err
		}
		for _, raw := range page.Items {
			sk, _ := raw["sk"].(*types.AttributeValueMemberS)
			if sk != nil && sk.Value == keys.ScopeHeaderSK {
				header = true
				version = numberAttr(raw, "version")
				continue
			}
			it, err := UnmarshalItem(raw)
			if err != nil {
				return nil, 0, false, err
			}
			items = append(items, it)
		}
	}
	return items, version, header, nil
}

// ListScope returns the items of one scope ordered by position.
func (s *Store) ListScope(ctx context.Context, parent *int64) ([]store.Item, error) {
	items, _, _, err := s.queryScope(ctx, keys.ScopePK(parent))
	if err != nil {
		return nil, err
	}
	store.SortItems(items)
	return items, nil
}

// ListAll scans the table and returns every item ordered by (parentId, position).
func (s *Store) ListAll(ctx context.Context) ([]store.Item, error) {
	var items []store.Item
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.config.Table),
		FilterExpression: aws.String("begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: keys.ItemPrefix},
		},
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			it, err := UnmarshalItem(raw)
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		}
	}
	store.SortItems(items)
	return items, nil
}

// nextID reserves an id from the counter row. Reserved ids are never handed
// out again, even if the transaction that asked for them rolls back.
func (s *Store) nextID(ctx context.Context) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.config.Table),
		Key:              key(keys.CounterPK, keys.CounterSK),
		UpdateExpression: aws.String("ADD #next :one"),
		ExpressionAttributeNames: map[string]string{
			"#next": "next",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("reserve id: %w", err)
	}
	id := numberAttr(out.Attributes, "next")
	if id == 0 {
		return 0, errors.New("reserve id: counter returned no value")
	}
	return id, nil
}

// Begin opens a buffered transaction. Writes are held locally and sent as one
// TransactWriteItems call on Commit.
func (s *Store) Begin(_ context.Context) (store.Tx, error) {
	return &tx{
		s:      s,
		rows:    make(map[int64]*entry),
		scopes:  make(map[string]*scopeState),
		parents: make(map[int64]struct{}),
	}, nil
}

// mapCommitError maps DynamoDB transaction errors for commits.
func mapCommitError(err error) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code == nil {
				continue
			}
			switch *reason.Code {
			case "ConditionalCheckFailed", "TransactionConflict":
				return fmt.Errorf("%w: %s", store.ErrConcurrentModification, *reason.Code)
			}
		}
	}

	var conflict *types.TransactionConflictException
	if errors.As(err, &conflict) {
		return store.ErrConcurrentModification
	}

	return err
}

// numberAttr extracts a numeric attribute, returning 0 when absent.
func numberAttr(raw map[string]types.AttributeValue, name string) int64 {
	v, ok := raw[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(v.Value, 10, 64)
	return n
}
