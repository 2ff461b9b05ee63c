package channels

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/ratecounter"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

// Reply mirrors what the socket layer sends back for one inbound event
type Reply int

const (
	// ReplyNone means no reply frame is produced
	ReplyNone Reply = iota
	// ReplyOK acknowledges the event
	ReplyOK
	// ReplyError reports a rejected event
	ReplyError
)

// AuthProber runs authorization probes against the tenant database.
// Satisfied by the connect package's tenant connection handles.
type AuthProber interface {
	GetReadAuthorizations(ctx context.Context, authCtx types.AuthorizationContext) (types.Policies, error)
	GetWriteAuthorizations(ctx context.Context, authCtx types.AuthorizationContext) (types.Policies, error)
}

// BroadcastHandler gates and publishes client broadcast events
type BroadcastHandler struct {
	bus      *bus.Bus
	counters *ratecounter.Counters
	adapter  types.BroadcastAdapter
	logger   zerolog.Logger
}

// NewBroadcastHandler creates a broadcast handler publishing through
// the given adapter
func NewBroadcastHandler(b *bus.Bus, counters *ratecounter.Counters, adapter types.BroadcastAdapter) *BroadcastHandler {
	return &BroadcastHandler{
		bus:      b,
		counters: counters,
		adapter:  adapter,
		logger:   log.WithComponent("broadcast"),
	}
}

// Handle processes one broadcast event from a session. Public
// channels always publish; private channels publish only when the
// session's broadcast write capability is true, probing it once when
// still unknown.
func (h *BroadcastHandler) Handle(ctx context.Context, payload map[string]interface{}, conn AuthProber, session *types.Session) (Reply, error) {
	h.counters.Add(ratecounter.Key{Tenant: session.TenantID, Kind: ratecounter.KindRequests}, 1)

	if session.Private {
		if session.Policies.Broadcast.Write == types.TriUnknown {
			if err := probeWrite(ctx, conn, session); err != nil {
				return ReplyError, err
			}
		}
		if !session.Policies.Broadcast.Write.Allowed() {
			return ReplyNone, nil
		}
	}

	if err := h.publish(payload, session); err != nil {
		return ReplyError, err
	}

	if session.AckBroadcast {
		return ReplyOK, nil
	}
	return ReplyNone, nil
}

// publish fans the event out on the session's tenant topic and
// credits the events counter
func (h *BroadcastHandler) publish(payload map[string]interface{}, session *types.Session) error {
	envelope := types.Broadcast{
		Event:   "broadcast",
		Topic:   session.Topic,
		Ref:     nil,
		Payload: payload,
	}

	frame, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	msg := &bus.Message{
		Topic:   session.TenantTopic,
		Event:   "broadcast",
		Payload: envelope,
		Frame:   frame,
	}
	if !session.SelfBroadcast {
		msg.Sender = session.SubscriptionID
	}

	if err := h.bus.Publish(msg, h.adapter); err != nil {
		return err
	}

	h.counters.Add(ratecounter.Key{Tenant: session.TenantID, Kind: ratecounter.KindEvents}, 1)
	return nil
}

// probeWrite runs the write-direction probe once and latches the
// result onto the session. A broken policy latches the write
// capabilities to false; a saturated pool leaves them unknown so the
// session survives to retry.
func probeWrite(ctx context.Context, conn AuthProber, session *types.Session) error {
	policies, err := conn.GetWriteAuthorizations(ctx, session.AuthContext)
	if err != nil {
		var rlsErr *types.RLSPolicyError
		if errors.As(err, &rlsErr) {
			session.Policies.MergeWrite(types.Policies{
				Broadcast: types.BroadcastPolicies{Write: types.TriFalse},
				Presence:  types.PresencePolicies{Write: types.TriFalse},
			})
		}
		return err
	}
	session.Policies.MergeWrite(policies)
	return nil
}
