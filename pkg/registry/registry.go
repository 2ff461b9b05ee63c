package registry

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

const (
	applyTimeout   = 5 * time.Second
	forwardTimeout = 10 * time.Second
	// StopGrace is the ceiling for stopping a displaced claimant
	StopGrace = 30 * time.Second
)

// Stopper gracefully stops a local process that lost its name. It must
// return within the grace ceiling.
type Stopper func(scope Scope, name string)

// Config holds configuration for creating a Registry
type Config struct {
	NodeID    string
	Region    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	// JoinAddr, when set, asks an existing member to add this node
	JoinAddr string
}

// Registry is the cluster-wide process-name registry. Names replicate
// through raft; ready events publish on the local bus keyed by name.
type Registry struct {
	cfg     Config
	fsm     *FSM
	raft    *raft.Raft
	broker  *bus.Broker
	cluster *bus.Cluster
	stopper Stopper
	logger  zerolog.Logger
}

// New creates a registry around the local broker and cluster adapter.
// The cluster adapter may be nil on single-node deployments.
func New(cfg Config, broker *bus.Broker, cluster *bus.Cluster) *Registry {
	r := &Registry{
		cfg:     cfg,
		broker:  broker,
		cluster: cluster,
		logger:  log.WithComponent("registry"),
	}
	r.fsm = NewFSM(r.onApply)
	return r
}

// SetStopper installs the callback that stops displaced local
// claimants. Must be set before conflicts can occur.
func (r *Registry) SetStopper(stopper Stopper) {
	r.stopper = stopper
}

// Start initializes raft and, when configured, bootstraps or joins the
// cluster. It does not register this node under its region tag;
// RegisterNode does that.
func (r *Registry) Start() error {
	if err := os.MkdirAll(r.cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(r.cfg.NodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", r.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(r.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(r.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.DataDir, "registry-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.DataDir, "registry-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	ra, err := raft.NewRaft(config, r.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	r.raft = ra

	if r.cfg.Bootstrap {
		future := ra.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	if r.cluster != nil {
		if err := r.setupForwarding(); err != nil {
			return err
		}
	}

	if r.cfg.JoinAddr != "" {
		if err := r.join(); err != nil {
			return err
		}
	}

	return nil
}

// RegisterNode claims this node's name under the region scope so
// Members can resolve preferred nodes per region
func (r *Registry) RegisterNode() error {
	return r.Register(ScopeRegionNodes, r.cfg.NodeID, Meta{Region: r.cfg.Region})
}

// Register claims a name cluster-wide. Losing conflict resolution
// returns name_taken.
func (r *Registry) Register(scope Scope, name string, meta Meta) error {
	claim := Claim{
		Scope:  scope,
		Name:   name,
		Node:   r.cfg.NodeID,
		Region: r.cfg.Region,
		Meta:   meta,
		At:     time.Now(),
	}
	res, err := r.apply("register", claim)
	if err != nil {
		return err
	}
	if res.Rejected {
		return types.ErrNameTaken
	}
	return nil
}

// Update replaces the metadata on a name this node owns. Flipping
// ConnReady on fires the ready broadcast on connect:<name>.
func (r *Registry) Update(scope Scope, name string, meta Meta) error {
	claim := Claim{Scope: scope, Name: name, Node: r.cfg.NodeID, Meta: meta}
	res, err := r.apply("update", claim)
	if err != nil {
		return err
	}
	if res.Rejected {
		return fmt.Errorf("failed to update %s/%s: not the owner", scope, name)
	}
	return nil
}

// Unregister drops a name owned by this node
func (r *Registry) Unregister(scope Scope, name string) error {
	claim := Claim{Scope: scope, Name: name, Node: r.cfg.NodeID}
	_, err := r.apply("unregister", claim)
	return err
}

// Lookup reads a claim from local replicated state
func (r *Registry) Lookup(scope Scope, name string) (Claim, bool) {
	return r.fsm.Lookup(scope, name)
}

// Members lists the nodes registered under a region tag
func (r *Registry) Members(region string) []string {
	return r.fsm.Members(region)
}

// Nodes lists every node in the cluster
func (r *Registry) Nodes() []string {
	return r.fsm.Nodes()
}

// NodeID returns the local node's identity
func (r *Registry) NodeID() string {
	return r.cfg.NodeID
}

// Region returns the local node's region
func (r *Registry) Region() string {
	return r.cfg.Region
}

// WaitReady waits for the ready broadcast of a name. It subscribes
// first and re-reads the registry before blocking so a publish racing
// the subscription is never lost.
func (r *Registry) WaitReady(name string, timeout time.Duration) (Meta, error) {
	sub := r.broker.Subscribe("connect:" + name)
	defer r.broker.Unsubscribe(sub)

	// Re-check after subscribing to close the subscribe/publish race
	if claim, ok := r.fsm.Lookup(ScopeConnect, name); ok && claim.Meta.ConnReady {
		return claim.Meta, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return Meta{}, types.ErrInitializing
			}
			if msg.Event != "ready" {
				continue
			}
			if claim, ok := r.fsm.Lookup(ScopeConnect, name); ok && claim.Meta.ConnReady {
				return claim.Meta, nil
			}
		case <-deadline.C:
			return Meta{}, types.ErrInitializing
		}
	}
}

// Shutdown tears raft down
func (r *Registry) Shutdown() error {
	if r.raft == nil {
		return nil
	}
	if err := r.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("failed to shutdown raft: %w", err)
	}
	return nil
}

// apply replicates a command, forwarding to the leader when this node
// is a follower
func (r *Registry) apply(op string, claim Claim) (ApplyResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RegistryApplyDuration)

	data, err := json.Marshal(claim)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to marshal claim: %w", err)
	}
	cmd := Command{Op: op, Data: data}

	if r.raft.State() == raft.Leader {
		return r.applyLocal(cmd)
	}
	return r.forward(cmd)
}

func (r *Registry) applyLocal(cmd Command) (ApplyResult, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := r.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to apply command: %w", err)
	}

	switch resp := future.Response().(type) {
	case ApplyResult:
		return resp, nil
	case error:
		return ApplyResult{}, resp
	default:
		return ApplyResult{}, fmt.Errorf("unexpected apply response %T", resp)
	}
}

// forward sends the command to the raft leader over the cluster bus
func (r *Registry) forward(cmd Command) (ApplyResult, error) {
	if r.cluster == nil {
		return ApplyResult{}, fmt.Errorf("not the leader and no cluster bus attached")
	}

	_, leaderID := r.raft.LeaderWithID()
	if leaderID == "" {
		return ApplyResult{}, &types.RPCError{Reason: "no raft leader"}
	}

	data, err := r.cluster.Request(fmt.Sprintf("registry.apply.%s", leaderID), cmd, forwardTimeout)
	if err != nil {
		return ApplyResult{}, &types.RPCError{Reason: err.Error()}
	}

	var reply struct {
		ApplyResult
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to decode apply reply: %w", err)
	}
	if reply.Error != "" {
		return ApplyResult{}, &types.RPCError{Reason: reply.Error}
	}
	return reply.ApplyResult, nil
}

// setupForwarding answers apply and join requests addressed to this
// node when it is the leader
func (r *Registry) setupForwarding() error {
	_, err := r.cluster.Handle(fmt.Sprintf("registry.apply.%s", r.cfg.NodeID), func(data []byte) ([]byte, error) {
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("failed to decode forwarded command: %w", err)
		}
		if r.raft.State() != raft.Leader {
			return nil, fmt.Errorf("not the leader")
		}
		res, err := r.applyLocal(cmd)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	if err != nil {
		return fmt.Errorf("failed to register apply handler: %w", err)
	}

	_, err = r.cluster.Handle(fmt.Sprintf("registry.join.%s", r.cfg.NodeID), func(data []byte) ([]byte, error) {
		var req struct {
			NodeID string `json:"node_id"`
			Addr   string `json:"addr"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("failed to decode join request: %w", err)
		}
		if r.raft.State() != raft.Leader {
			return nil, fmt.Errorf("not the leader")
		}
		future := r.raft.AddVoter(raft.ServerID(req.NodeID), raft.ServerAddress(req.Addr), 0, 10*time.Second)
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("failed to add voter: %w", err)
		}
		return json.Marshal(map[string]bool{"ok": true})
	})
	if err != nil {
		return fmt.Errorf("failed to register join handler: %w", err)
	}
	return nil
}

// join asks an existing member to add this node as a voter
func (r *Registry) join() error {
	if r.cluster == nil {
		return fmt.Errorf("joining requires the cluster bus")
	}
	req := map[string]string{"node_id": r.cfg.NodeID, "addr": r.cfg.BindAddr}
	if _, err := r.cluster.Request(fmt.Sprintf("registry.join.%s", r.cfg.JoinAddr), req, forwardTimeout); err != nil {
		return fmt.Errorf("failed to join cluster via %s: %w", r.cfg.JoinAddr, err)
	}
	return nil
}

// onApply runs on every replica after a command commits. Effects that
// belong to a specific node happen here: ready broadcasts for names
// this node can observe, and stopping displaced local claimants.
func (r *Registry) onApply(cmd Command, res ApplyResult) {
	switch cmd.Op {
	case "register":
		if res.Displaced != nil {
			metrics.RegistryConflictsTotal.Inc()
			r.logger.Warn().
				Str("name", res.Displaced.Name).
				Str("node", res.Displaced.Node).
				Msg("Registry conflict resolved, displacing claimant")
			if res.Displaced.Node == r.cfg.NodeID {
				go r.stopDisplaced(*res.Displaced)
			}
		}
	case "update":
		if res.Updated && res.Kept != nil && res.Kept.Scope == ScopeConnect && res.Kept.Meta.ConnReady {
			r.broker.Publish(&bus.Message{
				Topic:   "connect:" + res.Kept.Name,
				Event:   "ready",
				Payload: res.Kept.Meta,
			})
		}
	}
}

// stopDisplaced gracefully stops the local loser of a conflict and
// announces it on the bus
func (r *Registry) stopDisplaced(claim Claim) {
	if r.stopper != nil {
		done := make(chan struct{})
		go func() {
			r.stopper(claim.Scope, claim.Name)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(StopGrace):
			r.logger.Error().Str("name", claim.Name).Msg("Displaced claimant did not stop within grace period")
		}
	}

	r.broker.Publish(&bus.Message{
		Topic:   fmt.Sprintf("%s_down:%s", claim.Scope, claim.Name),
		Event:   fmt.Sprintf("%s_down", claim.Scope),
		Payload: claim.Name,
	})
}
