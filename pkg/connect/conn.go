package connect

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/relay/pkg/authorization"
	"github.com/cuemby/relay/pkg/database"
	"github.com/cuemby/relay/pkg/types"
)

// TenantConn is the opaque handle to a tenant's database returned by
// the lookup API. Sessions borrow it; they never assume its lifetime.
type TenantConn interface {
	// GetReadAuthorizations probes the read direction of the tenant's
	// RLS policies
	GetReadAuthorizations(ctx context.Context, authCtx types.AuthorizationContext) (types.Policies, error)
	// GetWriteAuthorizations probes the write direction
	GetWriteAuthorizations(ctx context.Context, authCtx types.AuthorizationContext) (types.Policies, error)
	// Node names the cluster node that owns the underlying pool
	Node() string
}

// localConn wraps the pool owned by a supervisor on this node
type localConn struct {
	pool *database.Pool
	node string
}

func (c *localConn) GetReadAuthorizations(ctx context.Context, authCtx types.AuthorizationContext) (types.Policies, error) {
	return authorization.GetReadAuthorizations(ctx, c.pool, authCtx)
}

func (c *localConn) GetWriteAuthorizations(ctx context.Context, authCtx types.AuthorizationContext) (types.Policies, error) {
	return authorization.GetWriteAuthorizations(ctx, c.pool, authCtx)
}

func (c *localConn) Node() string { return c.node }

// remoteConn proxies authorization probes to the node owning the
// tenant's pool. The probe runs against the real pool there; only the
// resulting Policies travel back.
type remoteConn struct {
	mgr      *Manager
	tenantID string
	node     string
}

// authorizeRequest is the wire form of a proxied probe
type authorizeRequest struct {
	TenantID  string                     `json:"tenant_id"`
	Direction authorization.Direction    `json:"direction"`
	Context   types.AuthorizationContext `json:"context"`
}

type authorizeReply struct {
	Policies types.Policies `json:"policies"`
	Error    string         `json:"error,omitempty"`
}

func (c *remoteConn) GetReadAuthorizations(ctx context.Context, authCtx types.AuthorizationContext) (types.Policies, error) {
	return c.authorize(ctx, authorization.DirectionRead, authCtx)
}

func (c *remoteConn) GetWriteAuthorizations(ctx context.Context, authCtx types.AuthorizationContext) (types.Policies, error) {
	return c.authorize(ctx, authorization.DirectionWrite, authCtx)
}

func (c *remoteConn) Node() string { return c.node }

func (c *remoteConn) authorize(ctx context.Context, dir authorization.Direction, authCtx types.AuthorizationContext) (types.Policies, error) {
	req := authorizeRequest{TenantID: c.tenantID, Direction: dir, Context: authCtx}

	data, err := c.mgr.cluster.Request(fmt.Sprintf("connect.authorize.%s", c.node), req, c.mgr.cfg.RPCTimeout)
	if err != nil {
		return types.Policies{}, &types.RPCError{Reason: err.Error()}
	}

	var reply authorizeReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return types.Policies{}, fmt.Errorf("failed to decode authorize reply: %w", err)
	}
	if reply.Error != "" {
		return types.Policies{}, mapWireError(reply.Error)
	}
	return reply.Policies, nil
}

// mapWireError restores sentinel errors that crossed the cluster bus
// as strings so callers branch on them verbatim
func mapWireError(msg string) error {
	for _, sentinel := range []error{
		types.ErrTenantNotFound,
		types.ErrTenantSuspended,
		types.ErrTenantDatabaseUnavailable,
		types.ErrTooManyConnections,
		types.ErrConnectionInitializing,
		types.ErrInitializing,
		types.ErrIncreaseConnectionPool,
		types.ErrMaxWalSendersReached,
	} {
		if msg == sentinel.Error() {
			return sentinel
		}
	}
	return &types.RPCError{Reason: msg}
}
