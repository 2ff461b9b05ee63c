package channels

import (
	"context"
	"testing"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/ratecounter"
	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber counts probes and returns canned policies or errors
type fakeProber struct {
	readCalls  int
	writeCalls int
	policies   types.Policies
	err        error
}

func (p *fakeProber) GetReadAuthorizations(context.Context, types.AuthorizationContext) (types.Policies, error) {
	p.readCalls++
	if p.err != nil {
		return types.Policies{}, p.err
	}
	return p.policies, nil
}

func (p *fakeProber) GetWriteAuthorizations(context.Context, types.AuthorizationContext) (types.Policies, error) {
	p.writeCalls++
	if p.err != nil {
		return types.Policies{}, p.err
	}
	return p.policies, nil
}

func newSession(private bool) *types.Session {
	return &types.Session{
		TenantID:    "tenant-1",
		Topic:       "room",
		TenantTopic: types.TenantTopic("tenant-1", "room"),
		Private:     private,
	}
}

func newBroadcastFixture(t *testing.T) (*BroadcastHandler, *bus.Broker, *ratecounter.Counters) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})
	broker := bus.NewBroker()
	counters := ratecounter.New(10)
	return NewBroadcastHandler(bus.New(broker, nil), counters, types.AdapterLocal), broker, counters
}

func TestPublicBroadcastFansOut(t *testing.T) {
	h, broker, counters := newBroadcastFixture(t)
	session := newSession(false)
	session.AckBroadcast = true
	sub := broker.Subscribe(session.TenantTopic)

	for i := 0; i < 100; i++ {
		reply, err := h.Handle(context.Background(), map[string]interface{}{}, nil, session)
		require.NoError(t, err)
		assert.Equal(t, ReplyOK, reply)

		msg := <-sub.C
		envelope := msg.Payload.(types.Broadcast)
		assert.Equal(t, "broadcast", envelope.Event)
		assert.Equal(t, "room", envelope.Topic)
		assert.Nil(t, envelope.Ref)
	}

	snap := counters.Get(ratecounter.Key{Tenant: "tenant-1", Kind: ratecounter.KindEvents})
	assert.Greater(t, snap.Avg, 0.0)
}

func TestPublicBroadcastWithoutAckRepliesNone(t *testing.T) {
	h, _, _ := newBroadcastFixture(t)
	session := newSession(false)

	reply, err := h.Handle(context.Background(), map[string]interface{}{}, nil, session)
	require.NoError(t, err)
	assert.Equal(t, ReplyNone, reply)
}

func TestPrivateBroadcastProbesOnce(t *testing.T) {
	h, broker, _ := newBroadcastFixture(t)
	session := newSession(true)
	session.AckBroadcast = true
	sub := broker.Subscribe(session.TenantTopic)

	prober := &fakeProber{policies: types.Policies{
		Broadcast: types.BroadcastPolicies{Write: types.TriTrue},
		Presence:  types.PresencePolicies{Write: types.TriTrue},
	}}

	for i := 0; i < 100; i++ {
		reply, err := h.Handle(context.Background(), map[string]interface{}{}, prober, session)
		require.NoError(t, err)
		assert.Equal(t, ReplyOK, reply)

		msg := <-sub.C
		assert.Equal(t, "broadcast", msg.Event)
	}

	// The first call probed; the other 99 reused the cached result
	assert.Equal(t, 1, prober.writeCalls)
	assert.Equal(t, 0, prober.readCalls)
	assert.Equal(t, types.TriTrue, session.Policies.Broadcast.Write)
}

func TestPrivateBroadcastDeniedDropsSilently(t *testing.T) {
	h, broker, counters := newBroadcastFixture(t)
	session := newSession(true)
	session.Policies.Broadcast.Write = types.TriFalse
	sub := broker.Subscribe(session.TenantTopic)

	prober := &fakeProber{}
	for i := 0; i < 10; i++ {
		reply, err := h.Handle(context.Background(), map[string]interface{}{}, prober, session)
		require.NoError(t, err)
		assert.Equal(t, ReplyNone, reply)
	}

	// Nothing left the handler and the events counter saw nothing
	assert.Empty(t, sub.C)
	assert.Equal(t, 0, prober.writeCalls)
	snap := counters.Get(ratecounter.Key{Tenant: "tenant-1", Kind: ratecounter.KindEvents})
	assert.Equal(t, int64(0), snap.Sum)
}

func TestBrokenRLSLatchesWriteFalse(t *testing.T) {
	h, _, _ := newBroadcastFixture(t)
	session := newSession(true)

	prober := &fakeProber{err: &types.RLSPolicyError{Err: assert.AnError}}
	reply, err := h.Handle(context.Background(), map[string]interface{}{}, prober, session)

	assert.Equal(t, ReplyError, reply)
	var rlsErr *types.RLSPolicyError
	assert.ErrorAs(t, err, &rlsErr)
	assert.Equal(t, types.TriFalse, session.Policies.Broadcast.Write)
	assert.Equal(t, types.TriFalse, session.Policies.Presence.Write)
}

func TestPoolExhaustionLeavesSessionRetryable(t *testing.T) {
	h, _, _ := newBroadcastFixture(t)
	session := newSession(true)

	prober := &fakeProber{err: types.ErrIncreaseConnectionPool}
	_, err := h.Handle(context.Background(), map[string]interface{}{}, prober, session)
	assert.ErrorIs(t, err, types.ErrIncreaseConnectionPool)

	// The capability stays unknown: the next call probes again
	assert.Equal(t, types.TriUnknown, session.Policies.Broadcast.Write)

	prober.err = nil
	prober.policies = types.Policies{Broadcast: types.BroadcastPolicies{Write: types.TriTrue}}
	_, err = h.Handle(context.Background(), map[string]interface{}{}, prober, session)
	assert.NoError(t, err)
	assert.Equal(t, 2, prober.writeCalls)
}

func TestSelfBroadcastControlsEcho(t *testing.T) {
	h, broker, _ := newBroadcastFixture(t)
	session := newSession(false)

	own := broker.Subscribe(session.TenantTopic)
	other := broker.Subscribe(session.TenantTopic)
	session.SubscriptionID = own.ID

	_, err := h.Handle(context.Background(), map[string]interface{}{}, nil, session)
	require.NoError(t, err)
	assert.Empty(t, own.C)
	assert.Len(t, other.C, 1)

	session.SelfBroadcast = true
	_, err = h.Handle(context.Background(), map[string]interface{}{}, nil, session)
	require.NoError(t, err)
	assert.Len(t, own.C, 1)
}
