package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/relay/pkg/database"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Direction selects which half of the Policies record a probe fills
type Direction string

const (
	DirectionRead  Direction = "read"
	DirectionWrite Direction = "write"
)

// ProbeTimeout bounds one authorization transaction
const ProbeTimeout = 15 * time.Second

// GetReadAuthorizations evaluates the tenant's RLS policies for the
// read direction and returns a Policies record with the write
// direction left unknown
func GetReadAuthorizations(ctx context.Context, pool *database.Pool, authCtx types.AuthorizationContext) (types.Policies, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReadAuthorizationCheck, authCtx.TenantID)
	return probe(ctx, pool, authCtx, DirectionRead)
}

// GetWriteAuthorizations evaluates the tenant's RLS policies for the
// write direction and returns a Policies record with the read
// direction left unknown
func GetWriteAuthorizations(ctx context.Context, pool *database.Pool, authCtx types.AuthorizationContext) (types.Policies, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.WriteAuthorizationCheck, authCtx.TenantID)
	return probe(ctx, pool, authCtx, DirectionWrite)
}

// probe runs the tenant's actual RLS policy program inside a
// transaction that is rolled back in every exit path. The read
// direction uses a READ ONLY transaction; the write direction inserts
// throw-away rows that the rollback discards.
func probe(ctx context.Context, pool *database.Pool, authCtx types.AuthorizationContext, dir Direction) (types.Policies, error) {
	var policies types.Policies

	conn, err := pool.Checkout(ctx, ProbeTimeout)
	if err != nil {
		return policies, err
	}
	defer conn.Release()

	txOpts := pgx.TxOptions{}
	if dir == DirectionRead {
		txOpts.AccessMode = pgx.ReadOnly
	}

	tx, err := conn.BeginTx(ctx, txOpts)
	if err != nil {
		return policies, fmt.Errorf("failed to begin authorization transaction: %w", err)
	}
	// The probe transaction must never commit
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.WithTenantID(authCtx.TenantID).Warn().Err(rbErr).Msg("Failed to roll back authorization probe")
		}
	}()

	if err := setContext(ctx, tx, authCtx); err != nil {
		return policies, err
	}

	for _, extension := range []string{types.ExtensionBroadcast, types.ExtensionPresence} {
		var allowed bool
		var probeErr error

		switch dir {
		case DirectionRead:
			allowed, probeErr = readProbe(ctx, tx, authCtx.Topic, extension)
		case DirectionWrite:
			allowed, probeErr = writeProbe(ctx, tx, authCtx.Topic, extension)
		}
		if probeErr != nil {
			return types.Policies{}, probeErr
		}

		tri := types.TriFromBool(allowed)
		switch {
		case extension == types.ExtensionBroadcast && dir == DirectionRead:
			policies.Broadcast.Read = tri
		case extension == types.ExtensionBroadcast && dir == DirectionWrite:
			policies.Broadcast.Write = tri
		case extension == types.ExtensionPresence && dir == DirectionRead:
			policies.Presence.Read = tri
		case extension == types.ExtensionPresence && dir == DirectionWrite:
			policies.Presence.Write = tri
		}
	}

	return policies, nil
}

// setContext installs the session variables the policies read:
// the claimed role, the JWT claims, and the request headers
func setContext(ctx context.Context, tx pgx.Tx, authCtx types.AuthorizationContext) error {
	claims, err := json.Marshal(authCtx.Claims)
	if err != nil {
		return fmt.Errorf("failed to encode claims: %w", err)
	}
	headers, err := json.Marshal(authCtx.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}

	sub, _ := authCtx.Claims["sub"].(string)

	batch := &pgx.Batch{}
	batch.Queue(`SELECT set_config('role', $1, true)`, authCtx.Role)
	batch.Queue(`SELECT set_config('request.jwt.claim.sub', $1, true)`, sub)
	batch.Queue(`SELECT set_config('request.jwt.claim.role', $1, true)`, authCtx.Role)
	batch.Queue(`SELECT set_config('request.jwt.claims', $1, true)`, string(claims))
	batch.Queue(`SELECT set_config('request.headers', $1, true)`, string(headers))

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to set authorization context: %w", err)
	}
	return nil
}

// readProbe attempts a gated SELECT against the message table. Rows
// visible under the policy grant the capability; none deny it.
func readProbe(ctx context.Context, tx pgx.Tx, topic, extension string) (bool, error) {
	// Savepoint so a policy rejection does not abort the outer transaction
	sp, err := tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to open probe savepoint: %w", err)
	}

	var visible bool
	err = sp.QueryRow(ctx,
		`SELECT true FROM realtime.messages WHERE topic = $1 AND extension = $2 LIMIT 1`,
		topic, extension,
	).Scan(&visible)

	if err != nil {
		_ = sp.Rollback(ctx)
		return interpretProbeError(err)
	}
	if err := sp.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to release probe savepoint: %w", err)
	}
	return visible, nil
}

// writeProbe performs a real INSERT that the enclosing rollback
// discards. Static policy inspection would not exercise the tenant's
// policy program, so the insert is genuine.
func writeProbe(ctx context.Context, tx pgx.Tx, topic, extension string) (bool, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to open probe savepoint: %w", err)
	}

	var id string
	err = sp.QueryRow(ctx,
		`INSERT INTO realtime.messages (topic, private, extension, payload)
		 VALUES ($1, true, $2, '{}'::jsonb) RETURNING id`,
		topic, extension,
	).Scan(&id)

	if err != nil {
		_ = sp.Rollback(ctx)
		return interpretProbeError(err)
	}
	if err := sp.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to release probe savepoint: %w", err)
	}
	return id != "", nil
}

// interpretProbeError classifies a failed probe: policy rejections are
// a denied capability, anything else raised while evaluating the
// policy is an rls_policy_error the session latches to false
func interpretProbeError(err error) (bool, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "42501" {
			return false, nil
		}
		return false, &types.RLSPolicyError{Err: pgErr}
	}
	return false, err
}
