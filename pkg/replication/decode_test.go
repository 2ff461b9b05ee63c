package replication

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/types"
	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messagesRelation() *pglogrepl.RelationMessage {
	return &pglogrepl.RelationMessage{
		RelationID:   1,
		Namespace:    "realtime",
		RelationName: "messages_2026_08_01",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id"},
			{Name: "topic"},
			{Name: "private"},
			{Name: "event"},
			{Name: "extension"},
			{Name: "payload"},
			{Name: "inserted_at"},
		},
	}
}

func textColumn(value string) *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Data: []byte(value)}
}

func nullColumn() *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeNull}
}

func insertTuple(event string, payload string) *pglogrepl.TupleData {
	var eventCol *pglogrepl.TupleDataColumn
	if event == "" {
		eventCol = nullColumn()
	} else {
		eventCol = textColumn(event)
	}
	return &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		textColumn("row-1"),
		textColumn("room"),
		textColumn("t"),
		eventCol,
		textColumn("broadcast"),
		textColumn(payload),
		textColumn("2026-08-01 10:00:00.123456+00"),
	}}
}

func TestDecodeRow(t *testing.T) {
	commit := time.Date(2026, 8, 1, 10, 0, 1, 0, time.UTC)
	row, err := decodeRow(messagesRelation(), insertTuple("INSERT", `{"value":"v_1"}`), commit)
	require.NoError(t, err)

	assert.Equal(t, "row-1", row.ID)
	assert.Equal(t, "room", row.Topic)
	assert.True(t, row.Private)
	require.NotNil(t, row.Event)
	assert.Equal(t, "INSERT", *row.Event)
	assert.Equal(t, "broadcast", row.Extension)
	assert.Equal(t, "v_1", row.Payload["value"])
	assert.Equal(t, commit, row.CommittedAt)
	assert.Equal(t, 2026, row.InsertedAt.Year())
}

func TestDecodeRowNullEvent(t *testing.T) {
	row, err := decodeRow(messagesRelation(), insertTuple("", `{}`), time.Now())
	require.NoError(t, err)
	assert.Nil(t, row.Event)
	assert.False(t, row.Broadcastable())
}

func TestIsMessagesRelation(t *testing.T) {
	assert.True(t, isMessagesRelation(messagesRelation()))
	assert.False(t, isMessagesRelation(&pglogrepl.RelationMessage{Namespace: "public", RelationName: "messages"}))
	assert.False(t, isMessagesRelation(&pglogrepl.RelationMessage{Namespace: "realtime", RelationName: "other"}))
}

func newTestIngester(t *testing.T) (*Ingester, *bus.Broker) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})
	broker := bus.NewBroker()
	return &Ingester{
		tenant:    &types.Tenant{ExternalID: "tenant-1", BroadcastAdapter: types.AdapterLocal},
		bus:       bus.New(broker, nil),
		logger:    log.WithComponent("replication"),
		relations: make(map[uint32]*pglogrepl.RelationMessage),
	}, broker
}

func TestEmitComposesEnvelope(t *testing.T) {
	ing, broker := newTestIngester(t)
	sub := broker.Subscribe("realtime:tenant-1:room")

	event := "INSERT"
	ing.emit(&types.Message{
		ID:        "row-1",
		Topic:     "room",
		Event:     &event,
		Extension: types.ExtensionBroadcast,
		Payload:   map[string]interface{}{"value": "v_1"},
	})

	msg := <-sub.C
	envelope := msg.Payload.(types.Broadcast)
	assert.Equal(t, "broadcast", envelope.Event)
	assert.Equal(t, "room", envelope.Topic)
	assert.Nil(t, envelope.Ref)

	inner := envelope.Payload["payload"].(map[string]interface{})
	assert.Equal(t, "row-1", inner["id"])
	assert.Equal(t, "v_1", inner["value"])

	// Frame carries the same envelope pre-encoded
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Frame, &decoded))
	assert.Equal(t, "broadcast", decoded["event"])
}

func TestEmitNeverOverridesPayloadID(t *testing.T) {
	ing, broker := newTestIngester(t)
	sub := broker.Subscribe("realtime:tenant-1:room")

	event := "INSERT"
	ing.emit(&types.Message{
		ID:        "row-1",
		Topic:     "room",
		Event:     &event,
		Extension: types.ExtensionBroadcast,
		Payload:   map[string]interface{}{"id": "caller-chosen"},
	})

	msg := <-sub.C
	inner := msg.Payload.(types.Broadcast).Payload["payload"].(map[string]interface{})
	assert.Equal(t, "caller-chosen", inner["id"])
}

func TestEmitSkipsNonBroadcastRows(t *testing.T) {
	ing, broker := newTestIngester(t)
	sub := broker.Subscribe("realtime:tenant-1:room")

	ing.emit(&types.Message{ID: "row-1", Topic: "room", Extension: types.ExtensionPresence})

	select {
	case <-sub.C:
		t.Fatal("non-broadcast row must not fan out")
	default:
	}
}

func TestEmitBatchKeepsCommitOrder(t *testing.T) {
	ing, broker := newTestIngester(t)
	sub := broker.Subscribe("realtime:tenant-1:room")

	ing.relations[1] = messagesRelation()
	ing.commitTime = time.Now()

	for i := 0; i < 5; i++ {
		rel := ing.relations[1]
		row, err := decodeRow(rel, insertTuple("INSERT", fmt.Sprintf(`{"seq":%d}`, i)), ing.commitTime)
		require.NoError(t, err)
		ing.emit(row)
	}

	for i := 0; i < 5; i++ {
		msg := <-sub.C
		inner := msg.Payload.(types.Broadcast).Payload["payload"].(map[string]interface{})
		assert.EqualValues(t, i, inner["seq"])
	}
}
