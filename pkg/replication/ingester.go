package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/types"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"
)

const (
	slotBaseName    = "supabase_realtime_messages_replication_slot"
	publicationName = "supabase_realtime_messages_publication"

	pgTooManyConnections = "53300"
	pgDuplicateObject    = "42710"
)

// SlotName returns the per-environment replication slot name
func SlotName(suffix string) string {
	if suffix == "" {
		return slotBaseName
	}
	return slotBaseName + "_" + suffix
}

// Config tunes one replication stream
type Config struct {
	// SlotSuffix is appended to the slot name so parallel environments
	// can share a database
	SlotSuffix string
	// StartTimeout bounds slot creation and stream start
	StartTimeout time.Duration
	// StatusInterval is how often standby status is reported when the
	// server does not request one
	StatusInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StartTimeout <= 0 {
		out.StartTimeout = 30 * time.Second
	}
	if out.StatusInterval <= 0 {
		out.StatusInterval = 10 * time.Second
	}
	return out
}

// Ingester consumes the tenant's logical replication stream and fans
// committed message inserts out on the bus
type Ingester struct {
	tenant *types.Tenant
	bus    *bus.Bus
	cfg    Config
	conn   *pgconn.PgConn
	logger zerolog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error

	// decoder state
	relations  map[uint32]*pglogrepl.RelationMessage
	commitTime time.Time
	clientXLog pglogrepl.LSN
}

// Start opens the replication stream against the tenant database and
// begins decoding. It returns once the stream is live; exceeding the
// start timeout returns timeout.
func Start(ctx context.Context, tenant *types.Tenant, b *bus.Bus, cfg Config) (*Ingester, error) {
	cfg = cfg.withDefaults()
	if len(tenant.Extensions) == 0 {
		return nil, fmt.Errorf("tenant %s has no database extension: %w", tenant.ExternalID, types.ErrTenantDatabaseUnavailable)
	}

	startCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()

	conn, err := pgconn.Connect(startCtx, tenant.Extensions[0].DSN()+"&replication=database")
	if err != nil {
		if startCtx.Err() != nil {
			return nil, types.ErrReplicationTimeout
		}
		return nil, mapStreamError(err)
	}

	i := &Ingester{
		tenant:    tenant,
		bus:       b,
		cfg:       cfg,
		conn:      conn,
		logger:    log.WithComponent("replication").With().Str("external_id", tenant.ExternalID).Logger(),
		done:      make(chan struct{}),
		relations: make(map[uint32]*pglogrepl.RelationMessage),
	}

	if err := i.createSlot(startCtx); err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}

	sysident, err := pglogrepl.IdentifySystem(startCtx, conn)
	if err != nil {
		_ = conn.Close(context.Background())
		return nil, mapStreamError(err)
	}

	err = pglogrepl.StartReplication(startCtx, conn, SlotName(cfg.SlotSuffix), sysident.XLogPos,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", publicationName),
			},
		})
	if err != nil {
		_ = conn.Close(context.Background())
		if startCtx.Err() != nil {
			return nil, types.ErrReplicationTimeout
		}
		return nil, mapStreamError(err)
	}

	i.clientXLog = sysident.XLogPos

	runCtx, runCancel := context.WithCancel(ctx)
	i.cancel = runCancel
	go i.run(runCtx)

	i.logger.Info().Str("slot", SlotName(cfg.SlotSuffix)).Msg("Replication stream started")
	return i, nil
}

// Stop disconnects the stream cleanly
func (i *Ingester) Stop() {
	i.stopOnce.Do(func() {
		i.cancel()
	})
	<-i.done
}

// Done is closed when the stream terminates; supervisors monitor it
func (i *Ingester) Done() <-chan struct{} {
	return i.done
}

// Err reports why the stream terminated, nil on a clean stop
func (i *Ingester) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

func (i *Ingester) fail(err error) {
	i.mu.Lock()
	if i.err == nil {
		i.err = err
	}
	i.mu.Unlock()
}

// createSlot creates the temporary slot; a second instance against the
// same slot is refused by the server
func (i *Ingester) createSlot(ctx context.Context) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, i.conn, SlotName(i.cfg.SlotSuffix), "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Temporary: true})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateObject {
			return types.ErrSlotInUse
		}
		if ctx.Err() != nil {
			return types.ErrReplicationTimeout
		}
		return mapStreamError(err)
	}
	return nil
}

// run is the stream loop: receive, decode, fan out, keep alive
func (i *Ingester) run(ctx context.Context) {
	defer close(i.done)
	defer func() {
		if err := i.conn.Close(context.Background()); err != nil {
			i.logger.Warn().Err(err).Msg("Failed to close replication connection")
		}
	}()

	nextStatus := time.Now().Add(i.cfg.StatusInterval)

	for {
		if ctx.Err() != nil {
			i.logger.Info().Msg("Disconnecting broadcast changes handler in the step")
			return
		}

		if time.Now().After(nextStatus) {
			if err := i.sendStatus(ctx, i.clientXLog); err != nil {
				i.fail(err)
				return
			}
			nextStatus = time.Now().Add(i.cfg.StatusInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStatus)
		rawMsg, err := i.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				i.logger.Info().Msg("Disconnecting broadcast changes handler in the step")
				return
			}
			i.fail(fmt.Errorf("failed to receive replication message: %w", err))
			metrics.ReplicationErrorsTotal.WithLabelValues("receive").Inc()
			return
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				i.fail(fmt.Errorf("failed to parse keepalive: %w", err))
				return
			}
			if pkm.ServerWALEnd > i.clientXLog {
				i.clientXLog = pkm.ServerWALEnd
			}
			// reply=now demands an immediate standby status; otherwise hold
			if pkm.ReplyRequested {
				if err := i.sendStatus(ctx, pkm.ServerWALEnd); err != nil {
					i.fail(err)
					return
				}
				nextStatus = time.Now().Add(i.cfg.StatusInterval)
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				i.fail(fmt.Errorf("failed to parse xlog data: %w", err))
				return
			}
			if xld.WALStart > i.clientXLog {
				i.clientXLog = xld.WALStart
			}
			i.handleWALData(xld.WALData)
		}
	}
}

// sendStatus acknowledges everything up to wal_end+1
func (i *Ingester) sendStatus(ctx context.Context, walEnd pglogrepl.LSN) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, i.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: walEnd + 1,
		WALFlushPosition: walEnd + 1,
		WALApplyPosition: walEnd + 1,
	})
	if err != nil {
		return fmt.Errorf("failed to send standby status: %w", err)
	}
	return nil
}

// handleWALData decodes one pgoutput message and emits fan-outs for
// message-table inserts
func (i *Ingester) handleWALData(data []byte) {
	logical, err := pglogrepl.Parse(data)
	if err != nil {
		i.logger.Error().Err(err).Msg("Failed to parse logical replication message")
		metrics.ReplicationErrorsTotal.WithLabelValues("decode").Inc()
		return
	}

	switch m := logical.(type) {
	case *pglogrepl.RelationMessage:
		i.relations[m.RelationID] = m

	case *pglogrepl.BeginMessage:
		i.commitTime = m.CommitTime

	case *pglogrepl.InsertMessage:
		rel, ok := i.relations[m.RelationID]
		if !ok {
			i.logger.Error().Uint32("relation_id", m.RelationID).Msg("Insert for unknown relation")
			return
		}
		if !isMessagesRelation(rel) {
			return
		}
		row, err := decodeRow(rel, m.Tuple, i.commitTime)
		if err != nil {
			i.logger.Error().Err(err).Msg("UnableToBroadcastChanges")
			return
		}
		i.emit(row)

	case *pglogrepl.CommitMessage:
		// commit boundaries carry no row data
	}
}

// emit validates the row and publishes exactly one fan-out for it
func (i *Ingester) emit(row *types.Message) {
	if !row.Broadcastable() {
		i.logger.Error().
			Str("topic", row.Topic).
			Str("extension", row.Extension).
			Msg("UnableToBroadcastChanges")
		return
	}

	// id is merged into the payload, never overriding one already there
	payload := make(map[string]interface{}, len(row.Payload)+1)
	for k, v := range row.Payload {
		payload[k] = v
	}
	if _, ok := payload["id"]; !ok {
		payload["id"] = row.ID
	}

	envelope := types.Broadcast{
		Event: "broadcast",
		Topic: row.Topic,
		Ref:   nil,
		Payload: map[string]interface{}{
			"type":    "broadcast",
			"event":   *row.Event,
			"payload": payload,
		},
	}

	frame, err := EncodeFrame(envelope)
	if err != nil {
		i.logger.Error().Err(err).Msg("Failed to encode broadcast frame")
		return
	}

	msg := &bus.Message{
		Topic:   types.TenantTopic(i.tenant.ExternalID, row.Topic),
		Event:   "broadcast",
		Payload: envelope,
		Frame:   frame,
	}
	if err := i.bus.Publish(msg, i.tenant.BroadcastAdapter); err != nil {
		i.logger.Error().Err(err).Msg("Failed to publish database broadcast")
		return
	}

	now := time.Now()
	metrics.BroadcastFromDatabaseTotal.WithLabelValues(i.tenant.ExternalID).Inc()
	if !row.CommittedAt.IsZero() {
		metrics.LatencyCommittedAt.WithLabelValues(i.tenant.ExternalID).Observe(now.Sub(row.CommittedAt).Seconds())
	}
	if !row.InsertedAt.IsZero() {
		metrics.LatencyInsertedAt.WithLabelValues(i.tenant.ExternalID).Observe(now.Sub(row.InsertedAt).Seconds())
	}
}

func mapStreamError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgTooManyConnections {
		return types.ErrMaxWalSendersReached
	}
	return fmt.Errorf("%w: %v", types.ErrTenantDatabaseUnavailable, err)
}
