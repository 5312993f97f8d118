// Package stream turns DynamoDB Streams records of the tree table into
// broadcast events.
//
// Deployments with several server processes on one table cannot rely on the
// committing process to reach every observer. Instead a Lambda consumes the
// table's stream (NEW_AND_OLD_IMAGES) and forwards each logical mutation to
// the servers' relay endpoint.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/treeorder/broadcast"
	"github.com/jacentio/treeorder/internal/keys"
	"github.com/jacentio/treeorder/store/dynamo"
)

// Handler processes DynamoDB stream events from the tree table.
type Handler struct {
	pub    broadcast.Publisher
	logger *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(pub broadcast.Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = broadcast.Discard
	}
	return &Handler{
		pub:    pub,
		logger: logger,
	}
}

// HandleStream publishes one event per mutation found in the batch.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleStream(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		ev, ok, err := Translate(record)
		if err != nil {
			h.logger.Error("failed to translate record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
		if !ok {
			continue
		}
		if err := h.pub.Publish(ctx, ev); err != nil {
			h.logger.Error("failed to publish event",
				"eventID", record.EventID,
				"type", ev.Type,
				"itemId", ev.ItemID,
				"error", err,
			)
			return err
		}
		h.logger.Debug("relayed event", "type", ev.Type, "itemId", ev.ItemID)
	}
	return nil
}

// Translate maps one stream record to an event. ok is false for records that
// are side effects of a mutation rather than the mutation itself: sibling
// renumbering, scope headers, the id counter, lease rows and the old row of a
// cross-scope move.
func Translate(record events.DynamoDBEventRecord) (broadcast.Event, bool, error) {
	pk := getStringAttr(record.Change.Keys, "pk")
	sk := getStringAttr(record.Change.Keys, "sk")

	switch {
	case strings.HasPrefix(sk, keys.ItemPrefix):
		if record.EventName == string(events.DynamoDBOperationTypeRemove) {
			return broadcast.Event{}, false, nil
		}
		var typ broadcast.Type
		switch getStringAttr(record.Change.NewImage, "last_op") {
		case dynamo.OpCreate:
			typ = broadcast.ItemCreated
		case dynamo.OpMove:
			typ = broadcast.ItemMoved
		default:
			return broadcast.Event{}, false, nil
		}
		it, err := dynamo.UnmarshalItem(ConvertImage(record.Change.NewImage))
		if err != nil {
			return broadcast.Event{}, false, fmt.Errorf("record %s: %w", record.EventID, err)
		}
		return broadcast.Event{Type: typ, Item: &it, ItemID: it.ID}, true, nil

	case sk == keys.LocatorSK && record.EventName == string(events.DynamoDBOperationTypeRemove):
		id, ok := keys.ParseLocatorPK(pk)
		if !ok {
			return broadcast.Event{}, false, fmt.Errorf("record %s: bad locator key %q", record.EventID, pk)
		}
		return broadcast.Deleted(id), true, nil
	}
	return broadcast.Event{}, false, nil
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}
