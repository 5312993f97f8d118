package scopelock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/treeorder/internal/keys"
	"github.com/jacentio/treeorder/store"
)

// leaseSK is the sort key of every lease row.
const leaseSK = "#lease"

// LeaseClient is the subset of the DynamoDB API the lease locker uses.
type LeaseClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoConfig holds configuration for a DynamoLocker.
type DynamoConfig struct {
	// Table holds the lease rows. It may be the item table.
	// Default: "treeorder_items"
	Table string

	// Timeout bounds how long Acquire waits for all keys.
	// Default: 5s
	// Max: 1m
	Timeout time.Duration

	// Lease is how long a lease stays valid if its holder never releases it.
	// The ttl attribute is set to the lease expiry, so DynamoDB TTL reaps
	// leases left by crashed holders. Held leases are renewed every Lease/3.
	// Default: 30s
	// Min: 1s
	Lease time.Duration

	// RetryInterval is the initial wait between attempts on a held key.
	// Doubles up to 8x.
	// Default: 25ms
	RetryInterval time.Duration
}

// DefaultDynamoConfig returns sensible defaults.
func DefaultDynamoConfig() DynamoConfig {
	return DynamoConfig{
		Table:         "treeorder_items",
		Timeout:       defaultTimeout,
		Lease:         30 * time.Second,
		RetryInterval: 25 * time.Millisecond,
	}
}

func (c *DynamoConfig) validate() {
	d := DefaultDynamoConfig()
	if c.Table == "" {
		c.Table = d.Table
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Timeout > maxTimeout {
		c.Timeout = maxTimeout
	}
	if c.Lease < time.Second {
		c.Lease = d.Lease
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
}

// DynamoLocker is a Locker shared by every process using the same table.
// Each key is a conditional-put lease row owned by a random token.
type DynamoLocker struct {
	client LeaseClient
	config DynamoConfig
	logger *slog.Logger
	now    func() time.Time
}

var _ Locker = (*DynamoLocker)(nil)

// NewDynamoLocker creates a new lease-based locker.
func NewDynamoLocker(client LeaseClient, config DynamoConfig, logger *slog.Logger) *DynamoLocker {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	return &DynamoLocker{
		client: client,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// IsExpired reports whether a lease row's ttl has passed.
func IsExpired(item map[string]types.AttributeValue, now time.Time) bool {
	ttlAttr, exists := item["ttl"]
	if !exists {
		return true
	}
	ttlNum, ok := ttlAttr.(*types.AttributeValueMemberN)
	if !ok {
		return true
	}
	ttl, err := strconv.ParseInt(ttlNum.Value, 10, 64)
	if err != nil {
		return true
	}
	return ttl <= now.Unix()
}

// freeCondition matches a lease row that is absent or expired. DynamoDB TTL
// deletes lazily, so expired rows can linger and must count as free.
func freeCondition() string {
	return "attribute_not_exists(pk) OR #ttl <= :now"
}

func leaseKey(k Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: keys.LockPK(k.String())},
		"sk": &types.AttributeValueMemberS{Value: leaseSK},
	}
}

func (l *DynamoLocker) tryPut(ctx context.Context, k Key, owner string) (bool, error) {
	now := l.now()
	item := leaseKey(k)
	item["owner"] = &types.AttributeValueMemberS{Value: owner}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(l.config.Lease).Unix(), 10)}

	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(l.config.Table),
		Item:                     item,
		ConditionExpression:      aws.String(freeCondition()),
		ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err == nil {
		return true, nil
	}
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return false, nil
	}
	return false, err
}

// extend pushes the expiry of a lease owner still holds.
func (l *DynamoLocker) extend(ctx context.Context, k Key, owner string) error {
	item := leaseKey(k)
	item["owner"] = &types.AttributeValueMemberS{Value: owner}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(l.now().Add(l.config.Lease).Unix(), 10)}

	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(l.config.Table),
		Item:                      item,
		ConditionExpression:       aws.String("#owner = :owner"),
		ExpressionAttributeNames:  map[string]string{"#owner": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":owner": &types.AttributeValueMemberS{Value: owner}},
	})
	return err
}

// renew extends every held lease until stop is closed. A lease taken over by
// someone else is logged and no longer renewed.
func (l *DynamoLocker) renew(stop <-chan struct{}, held []Key, owner string) {
	ticker := time.NewTicker(l.config.Lease / 3)
	defer ticker.Stop()

	live := append([]Key(nil), held...)
	for len(live) > 0 {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		kept := live[:0]
		for _, k := range live {
			ctx, cancel := context.WithTimeout(context.Background(), l.config.Timeout)
			err := l.extend(ctx, k, owner)
			cancel()
			var condErr *types.ConditionalCheckFailedException
			switch {
			case errors.As(err, &condErr):
				l.logger.Warn("lease lost while held", "key", k.String())
				continue
			case err != nil:
				l.logger.Warn("failed to renew lease", "key", k.String(), "error", err)
			}
			kept = append(kept, k)
		}
		live = kept
	}
}

func (l *DynamoLocker) release(k Key, owner string) {
	// Detached so a cancelled request still frees its leases.
	ctx, cancel := context.WithTimeout(context.Background(), l.config.Timeout)
	defer cancel()
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(l.config.Table),
		Key:                       leaseKey(k),
		ConditionExpression:       aws.String("#owner = :owner"),
		ExpressionAttributeNames:  map[string]string{"#owner": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":owner": &types.AttributeValueMemberS{Value: owner}},
	})
	var condErr *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &condErr) {
		l.logger.Warn("failed to release lease", "key", k.String(), "error", err)
	}
}

// Acquire takes a lease per key in order and renews them until released. See
// Locker.
func (l *DynamoLocker) Acquire(ctx context.Context, ks ...Key) (Release, error) {
	ks = Ordered(ks)
	ctx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	owner := uuid.NewString()
	var held []Key
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i], owner)
		}
	}

	for _, k := range ks {
		wait := l.config.RetryInterval
		for {
			ok, err := l.tryPut(ctx, k, owner)
			if err != nil && ctx.Err() == nil {
				releaseHeld()
				return nil, fmt.Errorf("acquire %s: %w", k, err)
			}
			if ok {
				held = append(held, k)
				break
			}
			if ctx.Err() != nil {
				releaseHeld()
				return nil, fmt.Errorf("%s: %w", k, store.ErrConcurrencyTimeout)
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				releaseHeld()
				l.logger.Warn("lease wait expired", "key", k.String(), "timeout", l.config.Timeout)
				return nil, fmt.Errorf("%s: %w", k, store.ErrConcurrencyTimeout)
			}
			if wait < 8*l.config.RetryInterval {
				wait *= 2
			}
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.renew(stop, held, owner)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseHeld()
		})
	}, nil
}
