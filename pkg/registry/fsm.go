package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// Scope partitions the registry namespace
type Scope string

const (
	// ScopeConnect registers one connect supervisor per tenant
	ScopeConnect Scope = "connect"
	// ScopeRegionNodes registers cluster nodes by region tag
	ScopeRegionNodes Scope = "region_nodes"
)

// Meta is the mutable metadata attached to a registered name
type Meta struct {
	// ConnReady flips true when the tenant database pool is live
	ConnReady bool `json:"conn_ready"`
	// Region is the registrant's preferred region
	Region string `json:"region"`
}

// Claim is one name registration
type Claim struct {
	Scope  Scope     `json:"scope"`
	Name   string    `json:"name"`
	Node   string    `json:"node"`
	Region string    `json:"region"`
	Meta   Meta      `json:"meta"`
	At     time.Time `json:"at"`
}

// Command represents a registry state change in the raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// ApplyResult is returned from applying one command
type ApplyResult struct {
	// Kept is the claim holding the name after the command
	Kept *Claim `json:"kept,omitempty"`
	// Displaced is the claim that lost a conflict, if any
	Displaced *Claim `json:"displaced,omitempty"`
	// Rejected is true when the incoming registration lost
	Rejected bool `json:"rejected"`
	// Updated is true when metadata changed on an existing claim
	Updated bool `json:"updated"`
}

// applyHook observes committed commands on every replica; side effects
// that must run on a specific node (stopping a displaced supervisor,
// firing ready broadcasts) hang off it
type applyHook func(cmd Command, res ApplyResult)

// FSM is the replicated name table
type FSM struct {
	mu    sync.RWMutex
	names map[Scope]map[string]Claim
	hook  applyHook
}

// NewFSM creates an empty registry state machine
func NewFSM(hook applyHook) *FSM {
	return &FSM{
		names: map[Scope]map[string]Claim{
			ScopeConnect:     {},
			ScopeRegionNodes: {},
		},
		hook: hook,
	}
}

// Apply applies a raft log entry to the name table
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	res := f.apply(cmd)
	if f.hook != nil {
		f.hook(cmd, res)
	}
	return res
}

func (f *FSM) apply(cmd Command) ApplyResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "register":
		var claim Claim
		if err := json.Unmarshal(cmd.Data, &claim); err != nil {
			return ApplyResult{Rejected: true}
		}
		scope := f.scope(claim.Scope)

		existing, taken := scope[claim.Name]
		if !taken {
			scope[claim.Name] = claim
			return ApplyResult{Kept: &claim}
		}
		if existing.Node == claim.Node {
			// Re-registration from the same node replaces the claim
			scope[claim.Name] = claim
			return ApplyResult{Kept: &claim}
		}

		winner := Resolve(existing, claim)
		scope[claim.Name] = winner
		if winner.Node == existing.Node && winner.At.Equal(existing.At) {
			return ApplyResult{Kept: &winner, Displaced: &claim, Rejected: true}
		}
		return ApplyResult{Kept: &winner, Displaced: &existing}

	case "update":
		var claim Claim
		if err := json.Unmarshal(cmd.Data, &claim); err != nil {
			return ApplyResult{Rejected: true}
		}
		scope := f.scope(claim.Scope)
		existing, ok := scope[claim.Name]
		if !ok || existing.Node != claim.Node {
			return ApplyResult{Rejected: true}
		}
		existing.Meta = claim.Meta
		scope[claim.Name] = existing
		return ApplyResult{Kept: &existing, Updated: true}

	case "unregister":
		var claim Claim
		if err := json.Unmarshal(cmd.Data, &claim); err != nil {
			return ApplyResult{Rejected: true}
		}
		scope := f.scope(claim.Scope)
		existing, ok := scope[claim.Name]
		if !ok {
			return ApplyResult{}
		}
		if claim.Node != "" && existing.Node != claim.Node {
			return ApplyResult{Rejected: true}
		}
		delete(scope, claim.Name)
		return ApplyResult{Displaced: &existing}

	default:
		return ApplyResult{Rejected: true}
	}
}

func (f *FSM) scope(s Scope) map[string]Claim {
	scope, ok := f.names[s]
	if !ok {
		scope = make(map[string]Claim)
		f.names[s] = scope
	}
	return scope
}

// Lookup reads one claim from local replicated state
func (f *FSM) Lookup(scope Scope, name string) (Claim, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	claim, ok := f.names[scope][name]
	return claim, ok
}

// Members lists the nodes registered under a region tag
func (f *FSM) Members(region string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var nodes []string
	for _, claim := range f.names[ScopeRegionNodes] {
		if claim.Meta.Region == region {
			nodes = append(nodes, claim.Node)
		}
	}
	return nodes
}

// Nodes lists every registered cluster node
func (f *FSM) Nodes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var nodes []string
	for _, claim := range f.names[ScopeRegionNodes] {
		nodes = append(nodes, claim.Node)
	}
	return nodes
}

// Snapshot captures the name table for raft log compaction
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := json.Marshal(f.names)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot registry: %w", err)
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore replaces the name table from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var names map[Scope]map[string]Claim
	if err := json.NewDecoder(rc).Decode(&names); err != nil {
		return fmt.Errorf("failed to restore registry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = names
	return nil
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
