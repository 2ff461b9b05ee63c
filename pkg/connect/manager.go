package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/authorization"
	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/ratecounter"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/tenants"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

// WaitReadyTimeout bounds the wait for another starter's ready
// broadcast before callers are told the tenant is still initializing
const WaitReadyTimeout = 5 * time.Second

// Config tunes the connect manager
type Config struct {
	NodeID string
	Region string
	// RPCTimeout bounds internode start and authorize calls
	RPCTimeout time.Duration
	// CheckUserInterval is the idle-shutdown observation interval
	CheckUserInterval time.Duration
	// RegionCheckInterval is the rebalance observation interval
	RegionCheckInterval time.Duration
	// SlotSuffix is the environment suffix on replication slot names
	SlotSuffix string
	// StartTimeout bounds one supervisor startup pipeline
	StartTimeout time.Duration
	// PoolSize caps the tenant database pool
	PoolSize int32
}

func (c Config) withDefaults() Config {
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 30 * time.Second
	}
	if c.CheckUserInterval <= 0 {
		c.CheckUserInterval = 50 * time.Second
	}
	if c.RegionCheckInterval <= 0 {
		c.RegionCheckInterval = time.Minute
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 5
	}
	return c
}

// Manager owns every local connect supervisor and serves the lookup
// API used by channel handlers
type Manager struct {
	cfg      Config
	registry *registry.Registry
	cache    *tenants.Cache
	bus      *bus.Bus
	cluster  *bus.Cluster
	counters *ratecounter.Counters
	logger   zerolog.Logger

	mu          sync.Mutex
	supervisors map[string]*Supervisor
}

// NewManager creates the connect manager
func NewManager(cfg Config, reg *registry.Registry, cache *tenants.Cache, b *bus.Bus, counters *ratecounter.Counters) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		registry:    reg,
		cache:       cache,
		bus:         b,
		cluster:     b.Cluster,
		counters:    counters,
		logger:      log.WithComponent("connect"),
		supervisors: make(map[string]*Supervisor),
	}
}

// Start wires the registry conflict stopper and, when clustered, the
// internode start and authorize handlers
func (m *Manager) Start() error {
	m.registry.SetStopper(func(scope registry.Scope, name string) {
		if scope != registry.ScopeConnect {
			return
		}
		m.stopAndWait(name, ReasonConflict)
	})

	if m.cluster == nil {
		return nil
	}

	_, err := m.cluster.Handle(fmt.Sprintf("connect.start.%s", m.cfg.NodeID), func(data []byte) ([]byte, error) {
		var req struct {
			TenantID string `json:"tenant_id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("failed to decode start request: %w", err)
		}
		log.WithTenantID(req.TenantID).Info().Msg("Remote start requested")
		if err := m.ensureLocal(context.Background(), req.TenantID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	})
	if err != nil {
		return fmt.Errorf("failed to register start handler: %w", err)
	}

	_, err = m.cluster.Handle(fmt.Sprintf("connect.authorize.%s", m.cfg.NodeID), func(data []byte) ([]byte, error) {
		var req authorizeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("failed to decode authorize request: %w", err)
		}

		sup := m.supervisor(req.TenantID)
		if sup == nil || sup.State() != StateServing {
			return json.Marshal(authorizeReply{Error: types.ErrInitializing.Error()})
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RPCTimeout)
		defer cancel()

		var policies types.Policies
		var probeErr error
		switch req.Direction {
		case authorization.DirectionWrite:
			policies, probeErr = authorization.GetWriteAuthorizations(ctx, sup.pool, req.Context)
		default:
			policies, probeErr = authorization.GetReadAuthorizations(ctx, sup.pool, req.Context)
		}
		if probeErr != nil {
			return json.Marshal(authorizeReply{Error: probeErr.Error()})
		}
		return json.Marshal(authorizeReply{Policies: policies})
	})
	if err != nil {
		return fmt.Errorf("failed to register authorize handler: %w", err)
	}
	return nil
}

// Lookup returns the tenant's connection handle without starting one
func (m *Manager) Lookup(tenantID string) (TenantConn, error) {
	claim, ok := m.registry.Lookup(registry.ScopeConnect, tenantID)
	if !ok {
		return nil, types.ErrTenantNotFound
	}
	if !claim.Meta.ConnReady {
		return nil, types.ErrInitializing
	}
	return m.connFor(tenantID, claim)
}

// LookupOrStart resolves the tenant's connection handle, spawning the
// supervisor on this or the preferred node when absent. Waiters
// subscribe before re-checking the registry so a ready broadcast
// racing the lookup is never lost.
func (m *Manager) LookupOrStart(ctx context.Context, tenantID string) (TenantConn, error) {
	if claim, ok := m.registry.Lookup(registry.ScopeConnect, tenantID); ok {
		if claim.Meta.ConnReady {
			return m.connFor(tenantID, claim)
		}
		if _, err := m.registry.WaitReady(tenantID, WaitReadyTimeout); err != nil {
			return nil, types.ErrInitializing
		}
		claim, _ = m.registry.Lookup(registry.ScopeConnect, tenantID)
		return m.connFor(tenantID, claim)
	}

	tenant, err := m.cache.Get(tenantID)
	if err != nil {
		if errors.Is(err, types.ErrTenantNotFound) {
			return nil, types.ErrTenantNotFound
		}
		return nil, err
	}
	if tenant.Suspend {
		return nil, types.ErrTenantSuspended
	}

	node := m.preferredNode(tenant)
	if node == m.cfg.NodeID {
		if err := m.ensureLocal(ctx, tenantID); err != nil {
			return nil, err
		}
	} else {
		if err := m.startRemote(tenantID, node); err != nil {
			return nil, err
		}
		if _, err := m.registry.WaitReady(tenantID, WaitReadyTimeout); err != nil {
			return nil, types.ErrInitializing
		}
	}

	claim, ok := m.registry.Lookup(registry.ScopeConnect, tenantID)
	if !ok || !claim.Meta.ConnReady {
		return nil, types.ErrInitializing
	}
	return m.connFor(tenantID, claim)
}

// Shutdown asks the tenant's supervisor to stop, wherever it runs
func (m *Manager) Shutdown(tenantID string) error {
	if sup := m.supervisor(tenantID); sup != nil {
		sup.Stop(ReasonShutdown)
		return nil
	}
	// Remote supervisors stop through the operations topic
	return m.bus.PublishOperation(tenantID, types.OpDisconnect)
}

// StopAll gracefully stops every local supervisor
func (m *Manager) StopAll() {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		sups = append(sups, sup)
	}
	m.mu.Unlock()

	for _, sup := range sups {
		sup.Stop(ReasonShutdown)
		<-sup.Done()
	}
}

// ensureLocal starts the supervisor on this node if absent and waits
// for its pipeline to finish
func (m *Manager) ensureLocal(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	if _, exists := m.supervisors[tenantID]; exists {
		m.mu.Unlock()
		// Another caller is starting it; wait for the ready broadcast
		if _, err := m.registry.WaitReady(tenantID, m.cfg.StartTimeout); err != nil {
			return types.ErrInitializing
		}
		return nil
	}
	sup := newSupervisor(m, tenantID)
	m.supervisors[tenantID] = sup
	m.mu.Unlock()

	go sup.run(context.WithoutCancel(ctx))

	select {
	case err := <-sup.ready:
		return err
	case <-time.After(m.cfg.StartTimeout):
		return types.ErrConnectionInitializing
	case <-ctx.Done():
		// The caller abandoning the result does not cancel the startup
		return types.ErrConnectionInitializing
	}
}

// startRemote performs the internode start call, tagged with the
// tenant id for correlated logging. Timeouts and suspensions
// propagate verbatim.
func (m *Manager) startRemote(tenantID, node string) error {
	if m.cluster == nil {
		return &types.RPCError{Reason: "cluster bus not attached"}
	}
	log.WithTenantID(tenantID).Info().Str("node", node).Msg("Starting tenant connect on preferred node")

	req := map[string]string{"tenant_id": tenantID}
	data, err := m.cluster.Request(fmt.Sprintf("connect.start.%s", node), req, m.cfg.RPCTimeout)
	if err != nil {
		return &types.RPCError{Reason: err.Error()}
	}

	var reply struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("failed to decode start reply: %w", err)
	}
	if reply.Error != "" {
		return mapWireError(reply.Error)
	}
	return nil
}

// preferredNode resolves which node should host the tenant: a member
// of the tenant's region when one exists, otherwise this node
func (m *Manager) preferredNode(tenant *types.Tenant) string {
	members := m.registry.Members(tenant.Region)
	if len(members) == 0 {
		return m.cfg.NodeID
	}
	for _, member := range members {
		if member == m.cfg.NodeID {
			return m.cfg.NodeID
		}
	}
	sort.Strings(members)
	return members[0]
}

func (m *Manager) connFor(tenantID string, claim registry.Claim) (TenantConn, error) {
	if claim.Node == m.cfg.NodeID {
		sup := m.supervisor(tenantID)
		if sup == nil || sup.pool == nil {
			return nil, types.ErrInitializing
		}
		return &localConn{pool: sup.pool, node: m.cfg.NodeID}, nil
	}
	if m.cluster == nil {
		return nil, types.ErrInitializing
	}
	return &remoteConn{mgr: m, tenantID: tenantID, node: claim.Node}, nil
}

func (m *Manager) supervisor(tenantID string) *Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supervisors[tenantID]
}

func (m *Manager) remove(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.supervisors, tenantID)
}

// stopAndWait stops a local supervisor and blocks until it terminates
// or the registry grace ceiling passes
func (m *Manager) stopAndWait(tenantID, reason string) {
	sup := m.supervisor(tenantID)
	if sup == nil {
		return
	}
	sup.Stop(reason)
	select {
	case <-sup.Done():
	case <-time.After(registry.StopGrace):
		m.logger.Error().Str("external_id", tenantID).Msg("Supervisor did not stop within grace period")
	}
}
