package connect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/database"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/ratecounter"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/replication"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

// State is the supervisor lifecycle state
type State string

const (
	StateInitializing State = "initializing"
	StateMigrating    State = "migrating"
	StateReplicating  State = "replicating"
	StateServing      State = "serving"
	StateShuttingDown State = "shutting_down"
)

// Shutdown reasons
const (
	ReasonNoConnectedUsers = "shutdown_no_connected_users"
	ReasonRebalancing      = "rebalancing"
	ReasonSuspended        = "tenant_suspended"
	ReasonDisconnect       = "disconnect"
	ReasonShutdown         = "shutdown"
	ReasonConflict         = "registry_conflict"
)

// userCountBuckets is the length of the idle-shutdown bucket
const userCountBuckets = 6

// Supervisor is the per-tenant singleton state machine. It exclusively
// owns the tenant database pool and the replication ingester; either
// going down is fatal to the supervisor, which terminates the other.
type Supervisor struct {
	mgr      *Manager
	tenantID string
	tenant   *types.Tenant
	logger   zerolog.Logger

	pool     *database.Pool
	ingester *replication.Ingester
	opsSub   *bus.Subscription

	mu    sync.Mutex
	state State

	ready    chan error
	stopCh   chan string
	stopOnce sync.Once
	done     chan struct{}

	userCounts        []int
	shutdownScheduled bool
	lastNodeSet       string
}

// step is one stage of the startup pipeline
type step struct {
	name string
	run  func(ctx context.Context) error
}

func newSupervisor(mgr *Manager, tenantID string) *Supervisor {
	return &Supervisor{
		mgr:      mgr,
		tenantID: tenantID,
		logger:   log.WithComponent("connect").With().Str("external_id", tenantID).Logger(),
		state:    StateInitializing,
		ready:    make(chan error, 1),
		stopCh:   make(chan string, 1),
		done:     make(chan struct{}),
	}
}

// State reports the current lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Stop requests a graceful stop with a reason
func (s *Supervisor) Stop(reason string) {
	s.stopOnce.Do(func() {
		s.stopCh <- reason
	})
}

// Done is closed when the supervisor has fully terminated
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// run drives the startup pipeline and then the serving loop. It is the
// single goroutine that serializes every lifecycle event for the
// tenant.
func (s *Supervisor) run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pipeline := []step{
		{name: "get_tenant", run: s.getTenant},
		{name: "check_connection", run: s.checkConnection},
		{name: "start_counters", run: s.startCounters},
		{name: "register_process", run: s.registerProcess},
		{name: "run_migrations", run: s.runMigrations},
		{name: "start_replication", run: s.startReplication},
		{name: "publish_ready", run: s.publishReady},
		{name: "setup_watchdogs", run: s.setupWatchdogs},
	}

	for _, st := range pipeline {
		if err := st.run(runCtx); err != nil {
			s.logger.Error().Err(err).Str("step", st.name).Msg("Connect startup step failed")
			metrics.ConnectStartsTotal.WithLabelValues("error_" + st.name).Inc()
			s.ready <- err
			s.terminate(st.name)
			return
		}
	}

	s.setState(StateServing)
	metrics.ConnectStartsTotal.WithLabelValues("ok").Inc()
	s.ready <- nil
	s.logger.Info().Msg("Tenant connect is serving")

	s.serve(runCtx)
}

// serve is the watchdog loop entered once the pipeline completes
func (s *Supervisor) serve(ctx context.Context) {
	userTicker := time.NewTicker(s.mgr.cfg.CheckUserInterval)
	defer userTicker.Stop()
	regionTicker := time.NewTicker(s.mgr.cfg.RegionCheckInterval)
	defer regionTicker.Stop()

	for {
		select {
		case <-userTicker.C:
			if !s.poolAlive(ctx) {
				s.logger.Error().Msg("Tenant database pool is down")
				s.terminate(ReasonShutdown)
				return
			}
			if stop := s.checkConnectedUsers(); stop {
				s.terminate(ReasonNoConnectedUsers)
				return
			}

		case <-regionTicker.C:
			if wrongRegion := s.checkRegion(); wrongRegion {
				s.logger.Info().Msg("Tenant belongs to another region, rebalancing")
				s.terminate(ReasonRebalancing)
				return
			}

		case msg, ok := <-s.opsSub.C:
			if !ok {
				s.terminate(ReasonShutdown)
				return
			}
			if stop, reason := s.handleOperation(msg); stop {
				s.terminate(reason)
				return
			}

		case <-s.ingester.Done():
			if err := s.ingester.Err(); err != nil {
				s.logger.Error().Err(err).Msg("Replication ingester terminated")
			}
			s.terminate(ReasonShutdown)
			return

		case reason := <-s.stopCh:
			s.terminate(reason)
			return

		case <-ctx.Done():
			s.terminate(ReasonShutdown)
			return
		}
	}
}

// --- startup pipeline steps ---

func (s *Supervisor) getTenant(context.Context) error {
	tenant, err := s.mgr.cache.Get(s.tenantID)
	if err != nil {
		if errors.Is(err, types.ErrTenantNotFound) {
			return types.ErrTenantNotFound
		}
		return fmt.Errorf("failed to load tenant: %w", err)
	}
	if tenant.Suspend {
		return types.ErrTenantSuspended
	}
	s.tenant = tenant
	return nil
}

func (s *Supervisor) checkConnection(ctx context.Context) error {
	pool, err := database.Connect(ctx, s.tenant, database.Options{
		MaxConns:        s.mgr.cfg.PoolSize,
		ApplicationName: "relay_connect",
	})
	if err != nil {
		return err
	}
	s.pool = pool
	return nil
}

func (s *Supervisor) startCounters(context.Context) error {
	for _, kind := range []ratecounter.Kind{
		ratecounter.KindRequests,
		ratecounter.KindChannels,
		ratecounter.KindJoins,
		ratecounter.KindEvents,
	} {
		s.mgr.counters.Get(ratecounter.Key{Tenant: s.tenantID, Kind: kind})
	}
	return nil
}

func (s *Supervisor) registerProcess(context.Context) error {
	meta := registry.Meta{ConnReady: false, Region: s.tenant.Region}
	if err := s.mgr.registry.Register(registry.ScopeConnect, s.tenantID, meta); err != nil {
		// Losing the registration race is fatal here
		return err
	}
	return nil
}

func (s *Supervisor) runMigrations(ctx context.Context) error {
	s.setState(StateMigrating)

	version, err := database.RunMigrations(s.tenant)
	if err != nil {
		return err
	}
	s.tenant.MigrationsRan = version

	if err := database.CreatePartitions(ctx, s.pool, 3); err != nil {
		return err
	}
	return nil
}

func (s *Supervisor) startReplication(ctx context.Context) error {
	s.setState(StateReplicating)

	ingester, err := replication.Start(ctx, s.tenant, s.mgr.bus, replication.Config{
		SlotSuffix:   s.mgr.cfg.SlotSuffix,
		StartTimeout: s.mgr.cfg.StartTimeout,
	})
	if err != nil {
		return err
	}
	s.ingester = ingester
	return nil
}

func (s *Supervisor) publishReady(context.Context) error {
	meta := registry.Meta{ConnReady: true, Region: s.tenant.Region}
	return s.mgr.registry.Update(registry.ScopeConnect, s.tenantID, meta)
}

func (s *Supervisor) setupWatchdogs(context.Context) error {
	s.opsSub = s.mgr.bus.Local.Subscribe(types.OperationsTopic(s.tenantID))
	s.lastNodeSet = nodeSetKey(s.mgr.registry.Nodes())
	return nil
}

// --- watchdogs ---

// checkConnectedUsers appends the current connected-user count to the
// bounded bucket. Six consecutive zero observations schedule the idle
// shutdown; the next all-zero observation executes it. Any non-zero
// count resets the schedule.
func (s *Supervisor) checkConnectedUsers() bool {
	count := s.mgr.bus.Local.SubscriberCountPrefix(types.TenantTopic(s.tenantID, ""))
	metrics.ConnectedUsers.WithLabelValues(s.tenantID).Set(float64(count))

	s.userCounts = append(s.userCounts, count)
	if len(s.userCounts) > userCountBuckets {
		s.userCounts = s.userCounts[1:]
	}

	if len(s.userCounts) < userCountBuckets {
		return false
	}
	for _, c := range s.userCounts {
		if c != 0 {
			s.shutdownScheduled = false
			return false
		}
	}

	if s.shutdownScheduled {
		s.logger.Info().Msg("No connected users, shutting tenant connect down")
		return true
	}
	s.shutdownScheduled = true
	return false
}

// checkRegion returns true when the node set changed and the tenant's
// preferred region now holds a node other than this one
func (s *Supervisor) checkRegion() bool {
	nodes := s.mgr.registry.Nodes()
	key := nodeSetKey(nodes)
	if key == s.lastNodeSet {
		return false
	}
	s.lastNodeSet = key

	for _, member := range s.mgr.registry.Members(s.tenant.Region) {
		if member != s.mgr.cfg.NodeID {
			return true
		}
	}
	return false
}

func (s *Supervisor) handleOperation(msg *bus.Message) (bool, string) {
	switch types.OperationEvent(msg.Event) {
	case types.OpSuspendTenant:
		s.mgr.cache.Invalidate(s.tenantID)
		return true, ReasonSuspended
	case types.OpDisconnect:
		return true, ReasonDisconnect
	case types.OpUnsuspendTenant:
		s.mgr.cache.Invalidate(s.tenantID)
		return false, ""
	default:
		s.logger.Warn().Str("event", msg.Event).Msg("Unknown operator event")
		return false, ""
	}
}

func (s *Supervisor) poolAlive(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, database.DefaultCheckoutTimeout)
	defer cancel()
	return s.pool.Ping(pingCtx) == nil
}

// terminate tears the supervisor down: ingester and pool stop
// together, the registry entry disappears and counters are dropped
func (s *Supervisor) terminate(reason string) {
	s.setState(StateShuttingDown)
	s.logger.Info().Str("reason", reason).Msg("Tenant connect shutting down")
	metrics.ConnectShutdownsTotal.WithLabelValues(reason).Inc()

	if s.opsSub != nil {
		s.mgr.bus.Local.Unsubscribe(s.opsSub)
	}
	if s.ingester != nil {
		s.ingester.Stop()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if err := s.mgr.registry.Unregister(registry.ScopeConnect, s.tenantID); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to unregister tenant connect")
	}
	s.mgr.counters.DeleteTenant(s.tenantID)
	metrics.ConnectedUsers.DeleteLabelValues(s.tenantID)

	s.mgr.remove(s.tenantID)
	close(s.done)
}

func nodeSetKey(nodes []string) string {
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
