package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimAt(name, node, nodeRegion, tenantRegion string, at time.Time) Claim {
	return Claim{
		Scope:  ScopeConnect,
		Name:   name,
		Node:   node,
		Region: nodeRegion,
		Meta:   Meta{Region: tenantRegion},
		At:     at,
	}
}

func TestResolvePrefersPlatformRegion(t *testing.T) {
	t0 := time.Now()
	inRegion := claimAt("tenant-1", "node-a", "iad", "us-east-1", t0.Add(time.Second))
	outRegion := claimAt("tenant-1", "node-b", "sjc", "us-east-1", t0)

	// The later claimant wins because it sits in the platform region
	assert.Equal(t, "node-a", Resolve(inRegion, outRegion).Node)
	assert.Equal(t, "node-a", Resolve(outRegion, inRegion).Node)
}

func TestResolveFallsBackToTimestamp(t *testing.T) {
	t0 := time.Now()
	older := claimAt("tenant-1", "node-a", "iad", "us-east-1", t0)
	newer := claimAt("tenant-1", "node-b", "iad", "us-east-1", t0.Add(time.Second))

	// Both in region: smaller timestamp wins regardless of order
	assert.Equal(t, "node-a", Resolve(older, newer).Node)
	assert.Equal(t, "node-a", Resolve(newer, older).Node)

	// Neither in region: still the smaller timestamp
	olderOut := claimAt("tenant-1", "node-a", "lhr", "us-east-1", t0)
	newerOut := claimAt("tenant-1", "node-b", "fra", "us-east-1", t0.Add(time.Second))
	assert.Equal(t, "node-a", Resolve(olderOut, newerOut).Node)
}

func TestResolveConverges(t *testing.T) {
	// Conflict resolution must keep exactly one claimant whichever
	// order replicas observe the claims
	a := claimAt("tenant-1", "node-a", "iad", "us-east-1", time.Now())
	b := claimAt("tenant-1", "node-b", "iad", "us-east-1", time.Now().Add(time.Millisecond))

	ab := Resolve(a, b)
	ba := Resolve(b, a)
	assert.Equal(t, ab.Node, ba.Node)
}

func applyCommand(t *testing.T, fsm *FSM, op string, claim Claim) ApplyResult {
	t.Helper()
	data, err := json.Marshal(claim)
	require.NoError(t, err)
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)

	res, ok := fsm.Apply(&raft.Log{Data: cmd}).(ApplyResult)
	require.True(t, ok)
	return res
}

func TestFSMRegisterAndConflict(t *testing.T) {
	fsm := NewFSM(nil)
	t0 := time.Now()

	res := applyCommand(t, fsm, "register", claimAt("tenant-1", "node-a", "iad", "us-east-1", t0))
	assert.False(t, res.Rejected)

	// A later out-of-region claimant loses
	res = applyCommand(t, fsm, "register", claimAt("tenant-1", "node-b", "sjc", "us-east-1", t0.Add(time.Second)))
	assert.True(t, res.Rejected)
	require.NotNil(t, res.Kept)
	assert.Equal(t, "node-a", res.Kept.Node)

	// An in-region claimant displaces an out-of-region incumbent
	fsm2 := NewFSM(nil)
	applyCommand(t, fsm2, "register", claimAt("tenant-2", "node-b", "sjc", "us-east-1", t0))
	res = applyCommand(t, fsm2, "register", claimAt("tenant-2", "node-a", "iad", "us-east-1", t0.Add(time.Second)))
	assert.False(t, res.Rejected)
	require.NotNil(t, res.Displaced)
	assert.Equal(t, "node-b", res.Displaced.Node)

	claim, ok := fsm2.Lookup(ScopeConnect, "tenant-2")
	require.True(t, ok)
	assert.Equal(t, "node-a", claim.Node)
}

func TestFSMUpdateRequiresOwner(t *testing.T) {
	fsm := NewFSM(nil)
	applyCommand(t, fsm, "register", claimAt("tenant-1", "node-a", "iad", "us-east-1", time.Now()))

	res := applyCommand(t, fsm, "update", Claim{Scope: ScopeConnect, Name: "tenant-1", Node: "node-b", Meta: Meta{ConnReady: true}})
	assert.True(t, res.Rejected)

	res = applyCommand(t, fsm, "update", Claim{Scope: ScopeConnect, Name: "tenant-1", Node: "node-a", Meta: Meta{ConnReady: true}})
	assert.True(t, res.Updated)

	claim, _ := fsm.Lookup(ScopeConnect, "tenant-1")
	assert.True(t, claim.Meta.ConnReady)
}

func TestFSMMembers(t *testing.T) {
	fsm := NewFSM(nil)
	applyCommand(t, fsm, "register", Claim{Scope: ScopeRegionNodes, Name: "node-a", Node: "node-a", Meta: Meta{Region: "us-east-1"}})
	applyCommand(t, fsm, "register", Claim{Scope: ScopeRegionNodes, Name: "node-b", Node: "node-b", Meta: Meta{Region: "eu-west-2"}})

	assert.Equal(t, []string{"node-a"}, fsm.Members("us-east-1"))
	assert.Len(t, fsm.Nodes(), 2)
}

func newLocalRegistry(t *testing.T) *Registry {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})
	return New(Config{NodeID: "node-a", Region: "iad"}, bus.NewBroker(), nil)
}

func TestWaitReadyObservesExistingState(t *testing.T) {
	r := newLocalRegistry(t)
	applyCommand(t, r.fsm, "register", claimAt("tenant-1", "node-a", "iad", "us-east-1", time.Now()))
	applyCommand(t, r.fsm, "update", Claim{Scope: ScopeConnect, Name: "tenant-1", Node: "node-a", Meta: Meta{ConnReady: true, Region: "us-east-1"}})

	// The handle was ready before the wait: the post-subscribe re-read
	// must observe it without needing a broadcast
	meta, err := r.WaitReady("tenant-1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, meta.ConnReady)
}

func TestWaitReadyWakesOnBroadcast(t *testing.T) {
	r := newLocalRegistry(t)
	applyCommand(t, r.fsm, "register", claimAt("tenant-1", "node-a", "iad", "us-east-1", time.Now()))

	done := make(chan error, 1)
	go func() {
		_, err := r.WaitReady("tenant-1", 5*time.Second)
		done <- err
	}()

	// Give the waiter time to subscribe, then flip ConnReady; the
	// apply hook fires the ready broadcast
	time.Sleep(50 * time.Millisecond)
	applyCommand(t, r.fsm, "update", Claim{Scope: ScopeConnect, Name: "tenant-1", Node: "node-a", Meta: Meta{ConnReady: true}})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter missed the ready broadcast")
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	r := newLocalRegistry(t)
	applyCommand(t, r.fsm, "register", claimAt("tenant-1", "node-a", "iad", "us-east-1", time.Now()))

	_, err := r.WaitReady("tenant-1", 50*time.Millisecond)
	assert.ErrorIs(t, err, types.ErrInitializing)
}
