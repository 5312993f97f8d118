package dynamo_test

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeTable is an in-memory DynamoDB table keyed by pk/sk. It understands the
// handful of expressions the store issues.
type fakeTable struct {
	mu       sync.Mutex
	rows     map[string]map[string]types.AttributeValue
	txCalls  int
	failNext bool
	last     []types.TransactWriteItem
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: make(map[string]map[string]types.AttributeValue)}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func rowKey(item map[string]types.AttributeValue) string {
	return str(item["pk"]) + "|" + str(item["sk"])
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[rowKey(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(row)}, nil
}

func (f *fakeTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := str(in.ExpressionAttributeValues[":pk"])
	var out []map[string]types.AttributeValue
	for _, row := range f.rows {
		if str(row["pk"]) == pk {
			out = append(out, copyItem(row))
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeTable) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := str(in.ExpressionAttributeValues[":prefix"])
	var out []map[string]types.AttributeValue
	for _, row := range f.rows {
		if strings.HasPrefix(str(row["sk"]), prefix) {
			out = append(out, copyItem(row))
		}
	}
	return &dynamodb.ScanOutput{Items: out}, nil
}

func (f *fakeTable) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if aws.ToString(in.UpdateExpression) != "ADD #next :one" {
		return nil, fmt.Errorf("fake: unsupported update %q", aws.ToString(in.UpdateExpression))
	}
	k := rowKey(in.Key)
	row, ok := f.rows[k]
	if !ok {
		row = copyItem(in.Key)
	}
	var n int64
	if v, ok := row["next"].(*types.AttributeValueMemberN); ok {
		n, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	n++
	row["next"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
	f.rows[k] = row
	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{"next": row["next"]}}, nil
}

func (f *fakeTable) conditionHolds(k map[string]types.AttributeValue, expr *string, values map[string]types.AttributeValue) bool {
	existing, exists := f.rows[rowKey(k)]
	switch aws.ToString(expr) {
	case "":
		return true
	case "attribute_not_exists(pk)":
		return !exists
	case "attribute_exists(pk)":
		return exists
	case "version = :v":
		if !exists {
			return false
		}
		want := values[":v"].(*types.AttributeValueMemberN).Value
		got, _ := existing["version"].(*types.AttributeValueMemberN)
		return got != nil && got.Value == want
	}
	return false
}

func (f *fakeTable) actionHolds(action types.TransactWriteItem) bool {
	switch {
	case action.Put != nil:
		return f.conditionHolds(action.Put.Item, action.Put.ConditionExpression, action.Put.ExpressionAttributeValues)
	case action.Delete != nil:
		return f.conditionHolds(action.Delete.Key, action.Delete.ConditionExpression, action.Delete.ExpressionAttributeValues)
	case action.ConditionCheck != nil:
		return f.conditionHolds(action.ConditionCheck.Key, action.ConditionCheck.ConditionExpression, action.ConditionCheck.ExpressionAttributeValues)
	}
	return true
}

func (f *fakeTable) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	f.last = in.TransactItems

	if f.failNext {
		f.failNext = false
		return nil, &types.TransactionConflictException{Message: aws.String("conflict")}
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, action := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		if !f.actionHolds(action) {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, action := range in.TransactItems {
		switch {
		case action.Put != nil:
			f.rows[rowKey(action.Put.Item)] = copyItem(action.Put.Item)
		case action.Delete != nil:
			delete(f.rows, rowKey(action.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// lastTx returns the actions of the most recent TransactWriteItems call.
func (f *fakeTable) lastTx() []types.TransactWriteItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// count returns how many rows have a partition key with the given prefix.
func (f *fakeTable) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, row := range f.rows {
		if strings.HasPrefix(str(row["pk"]), prefix) {
			n++
		}
	}
	return n
}
