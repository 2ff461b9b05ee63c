package connect

import (
	"testing"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/ratecounter"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/tenants"
	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})
	broker := bus.NewBroker()
	reg := registry.New(registry.Config{NodeID: "node-a", Region: "iad"}, broker, nil)
	cache := tenants.NewCache(nil, tenants.DefaultTTL)
	return NewManager(Config{NodeID: "node-a", Region: "iad"}, reg, cache, bus.New(broker, nil), ratecounter.New(10))
}

func TestIdleShutdownBucket(t *testing.T) {
	m := newTestManager(t)
	s := newSupervisor(m, "tenant-1")
	s.tenant = &types.Tenant{ExternalID: "tenant-1"}

	// Five zero observations: not enough history yet
	for i := 0; i < 5; i++ {
		assert.False(t, s.checkConnectedUsers())
	}

	// Sixth zero fills the bucket and schedules the shutdown
	assert.False(t, s.checkConnectedUsers())
	assert.True(t, s.shutdownScheduled)

	// One more all-zero interval executes it
	assert.True(t, s.checkConnectedUsers())
}

func TestIdleShutdownResetsOnActivity(t *testing.T) {
	m := newTestManager(t)
	s := newSupervisor(m, "tenant-1")
	s.tenant = &types.Tenant{ExternalID: "tenant-1"}

	for i := 0; i < 6; i++ {
		s.checkConnectedUsers()
	}
	assert.True(t, s.shutdownScheduled)

	// A connected user resets the schedule
	sub := m.bus.Local.Subscribe(types.TenantTopic("tenant-1", "room"))
	defer m.bus.Local.Unsubscribe(sub)

	assert.False(t, s.checkConnectedUsers())
	assert.False(t, s.shutdownScheduled)

	// Zeros must accumulate across six fresh intervals again
	m.bus.Local.Unsubscribe(sub)
	for i := 0; i < 5; i++ {
		assert.False(t, s.checkConnectedUsers())
	}
	assert.False(t, s.shutdownScheduled)
	assert.False(t, s.checkConnectedUsers())
	assert.True(t, s.shutdownScheduled)
}

func TestHandleOperation(t *testing.T) {
	m := newTestManager(t)
	s := newSupervisor(m, "tenant-1")

	stop, reason := s.handleOperation(&bus.Message{Event: string(types.OpSuspendTenant)})
	assert.True(t, stop)
	assert.Equal(t, ReasonSuspended, reason)

	stop, reason = s.handleOperation(&bus.Message{Event: string(types.OpDisconnect)})
	assert.True(t, stop)
	assert.Equal(t, ReasonDisconnect, reason)

	stop, _ = s.handleOperation(&bus.Message{Event: string(types.OpUnsuspendTenant)})
	assert.False(t, stop)

	stop, _ = s.handleOperation(&bus.Message{Event: "mystery"})
	assert.False(t, stop)
}

func TestMapWireError(t *testing.T) {
	assert.ErrorIs(t, mapWireError("tenant_not_found"), types.ErrTenantNotFound)
	assert.ErrorIs(t, mapWireError("tenant_suspended"), types.ErrTenantSuspended)
	assert.ErrorIs(t, mapWireError("increase_connection_pool"), types.ErrIncreaseConnectionPool)

	var rpcErr *types.RPCError
	assert.ErrorAs(t, mapWireError("something else"), &rpcErr)
}

func TestPreferredNode(t *testing.T) {
	m := newTestManager(t)

	// No members in region: stay local
	assert.Equal(t, "node-a", m.preferredNode(&types.Tenant{Region: "us-east-1"}))
}

func TestNodeSetKeyIsOrderInsensitive(t *testing.T) {
	assert.Equal(t, nodeSetKey([]string{"b", "a"}), nodeSetKey([]string{"a", "b"}))
	assert.NotEqual(t, nodeSetKey([]string{"a"}), nodeSetKey([]string{"a", "b"}))
}
