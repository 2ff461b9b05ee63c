package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTriLatch(t *testing.T) {
	// Unknown may become either boolean
	assert.Equal(t, TriTrue, TriUnknown.Set(TriTrue))
	assert.Equal(t, TriFalse, TriUnknown.Set(TriFalse))

	// A boolean may be restated
	assert.Equal(t, TriTrue, TriTrue.Set(TriTrue))
	assert.Equal(t, TriFalse, TriFalse.Set(TriFalse))

	// A boolean is never demoted or flipped
	assert.Equal(t, TriTrue, TriTrue.Set(TriUnknown))
	assert.Equal(t, TriTrue, TriTrue.Set(TriFalse))
	assert.Equal(t, TriFalse, TriFalse.Set(TriTrue))
	assert.Equal(t, TriFalse, TriFalse.Set(TriUnknown))
}

func TestTriUnknownIsNotFalse(t *testing.T) {
	// Unknown means "probe needed", never "denied"
	assert.False(t, TriUnknown.Known())
	assert.False(t, TriUnknown.Allowed())
	assert.True(t, TriFalse.Known())
}

func TestMergeReadLeavesWriteUntouched(t *testing.T) {
	p := Policies{}
	p.Broadcast.Write = TriTrue

	p.MergeRead(Policies{
		Broadcast: BroadcastPolicies{Read: TriTrue},
		Presence:  PresencePolicies{Read: TriFalse},
	})

	assert.Equal(t, TriTrue, p.Broadcast.Read)
	assert.Equal(t, TriFalse, p.Presence.Read)
	assert.Equal(t, TriTrue, p.Broadcast.Write)
	assert.Equal(t, TriUnknown, p.Presence.Write)
}

func TestMergeWriteRespectsLatch(t *testing.T) {
	p := Policies{}
	p.Presence.Write = TriFalse

	p.MergeWrite(Policies{
		Broadcast: BroadcastPolicies{Write: TriTrue},
		Presence:  PresencePolicies{Write: TriTrue},
	})

	assert.Equal(t, TriTrue, p.Broadcast.Write)
	// The earlier false is terminal for the session
	assert.Equal(t, TriFalse, p.Presence.Write)
}

func TestTenantTopic(t *testing.T) {
	assert.Equal(t, "realtime:tenant-1:room", TenantTopic("tenant-1", "room"))
	assert.Equal(t, "realtime:operations:tenant-1", OperationsTopic("tenant-1"))
}

func TestBroadcastable(t *testing.T) {
	event := "INSERT"
	assert.True(t, (&Message{Event: &event, Extension: ExtensionBroadcast}).Broadcastable())
	assert.False(t, (&Message{Event: nil, Extension: ExtensionBroadcast}).Broadcastable())
	assert.False(t, (&Message{Event: &event, Extension: ExtensionPresence}).Broadcastable())
}

func TestExtensionDSN(t *testing.T) {
	ext := &TenantExtension{Host: "db.internal", Port: 5432, User: "postgres", Password: "pw", DBName: "tenant"}
	assert.Equal(t, "postgres://postgres:pw@db.internal:5432/tenant?sslmode=prefer", ext.DSN())

	ext.SSLEnforced = true
	assert.Contains(t, ext.DSN(), "sslmode=require")
}
