package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/relay/pkg/types"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres reports pool saturation as too_many_connections
const pgTooManyConnections = "53300"

// DefaultCheckoutTimeout bounds a single pool checkout
const DefaultCheckoutTimeout = 5 * time.Second

// Pool wraps the tenant database pool. A connect supervisor owns
// exactly one Pool; sessions borrow it by handle only.
type Pool struct {
	*pgxpool.Pool
	TenantID string
}

// Options tunes the pool opened against a tenant database
type Options struct {
	MaxConns        int32
	CheckoutTimeout time.Duration
	ApplicationName string
}

// Connect opens a small pool against the tenant database and verifies
// it with a ping. Saturation and unavailability map to the distinct
// lifecycle errors callers branch on.
func Connect(ctx context.Context, tenant *types.Tenant, opts Options) (*Pool, error) {
	if len(tenant.Extensions) == 0 {
		return nil, fmt.Errorf("tenant %s has no database extension: %w", tenant.ExternalID, types.ErrTenantDatabaseUnavailable)
	}
	ext := tenant.Extensions[0]

	cfg, err := pgxpool.ParseConfig(ext.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse tenant dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.ApplicationName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, mapConnectError(err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DefaultCheckoutTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, mapConnectError(err)
	}

	return &Pool{Pool: pool, TenantID: tenant.ExternalID}, nil
}

// Checkout acquires a connection within the checkout timeout. A pool
// exhausted past the deadline surfaces increase_connection_pool, which
// informs the session without killing it.
func (p *Pool) Checkout(ctx context.Context, timeout time.Duration) (*pgxpool.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultCheckoutTimeout
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.ErrIncreaseConnectionPool
		}
		return nil, err
	}
	return conn, nil
}

func mapConnectError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgTooManyConnections {
		return types.ErrTooManyConnections
	}
	return fmt.Errorf("%w: %v", types.ErrTenantDatabaseUnavailable, err)
}
