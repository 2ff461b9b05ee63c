package replication

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/relay/pkg/types"
	"github.com/jackc/pglogrepl"
)

// Timestamp layouts Postgres uses in pgoutput text tuples
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
}

// isMessagesRelation accepts the message table and its range
// partitions, which is what the publication actually emits
func isMessagesRelation(rel *pglogrepl.RelationMessage) bool {
	return rel.Namespace == "realtime" && strings.HasPrefix(rel.RelationName, "messages")
}

// decodeRow maps a pgoutput insert tuple onto a message row. The
// commit timestamp comes from the surrounding transaction's Begin
// message, not the tuple.
func decodeRow(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData, commitTime time.Time) (*types.Message, error) {
	if tuple == nil {
		return nil, fmt.Errorf("insert without tuple data")
	}
	if len(tuple.Columns) != len(rel.Columns) {
		return nil, fmt.Errorf("tuple has %d columns, relation has %d", len(tuple.Columns), len(rel.Columns))
	}

	row := &types.Message{CommittedAt: commitTime}

	for idx, col := range tuple.Columns {
		name := rel.Columns[idx].Name
		if col.DataType == pglogrepl.TupleDataTypeNull {
			continue
		}
		if col.DataType != pglogrepl.TupleDataTypeText {
			// unchanged TOAST values never appear on inserts
			continue
		}
		value := string(col.Data)

		switch name {
		case "id":
			row.ID = value
		case "topic":
			row.Topic = value
		case "private":
			row.Private = value == "t"
		case "event":
			event := value
			row.Event = &event
		case "extension":
			row.Extension = value
		case "payload":
			var payload map[string]interface{}
			if err := json.Unmarshal(col.Data, &payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload: %w", err)
			}
			row.Payload = payload
		case "inserted_at":
			ts, err := parseTimestamp(value)
			if err != nil {
				return nil, fmt.Errorf("failed to decode inserted_at: %w", err)
			}
			row.InsertedAt = ts
		}
	}

	if row.Payload == nil {
		row.Payload = map[string]interface{}{}
	}
	return row, nil
}

func parseTimestamp(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, value)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// EncodeFrame renders the envelope once so fastlane subscribers push
// the same bytes without re-encoding
func EncodeFrame(envelope types.Broadcast) ([]byte, error) {
	return json.Marshal(envelope)
}
