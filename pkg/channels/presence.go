package channels

import (
	"context"
	"encoding/json"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/ratecounter"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

// Presence events recognized on the channel
const (
	presenceEventTrack   = "track"
	presenceEventUntrack = "untrack"
)

// presenceDiff is the wire envelope for presence changes
type presenceDiff struct {
	Event   string                 `json:"event"`
	Topic   string                 `json:"topic"`
	Payload map[string]interface{} `json:"payload"`
}

// PresenceHandler gates and applies presence events
type PresenceHandler struct {
	bus      *bus.Bus
	counters *ratecounter.Counters
	tracker  *PresenceTracker
	adapter  types.BroadcastAdapter
	logger   zerolog.Logger
}

// NewPresenceHandler creates a presence handler around a shared
// tracker
func NewPresenceHandler(b *bus.Bus, counters *ratecounter.Counters, tracker *PresenceTracker, adapter types.BroadcastAdapter) *PresenceHandler {
	return &PresenceHandler{
		bus:      b,
		counters: counters,
		tracker:  tracker,
		adapter:  adapter,
		logger:   log.WithComponent("presence"),
	}
}

// Handle processes one presence event from a session. Gating mirrors
// broadcast: public channels always allow, private channels require
// the presence write capability, probed once when unknown.
func (h *PresenceHandler) Handle(ctx context.Context, payload map[string]interface{}, conn AuthProber, session *types.Session) (Reply, error) {
	if !session.PresenceEnabled {
		return ReplyOK, nil
	}

	h.counters.Add(ratecounter.Key{Tenant: session.TenantID, Kind: ratecounter.KindRequests}, 1)

	event, _ := payload["event"].(string)
	switch event {
	case presenceEventTrack, presenceEventUntrack:
	default:
		h.logger.Warn().
			Str("external_id", session.TenantID).
			Str("event", event).
			Msg("UnknownPresenceEvent")
		return ReplyError, nil
	}

	if session.Private {
		if session.Policies.Presence.Write == types.TriUnknown {
			if err := probeWrite(ctx, conn, session); err != nil {
				return ReplyError, err
			}
		}
		if !session.Policies.Presence.Write.Allowed() {
			return ReplyNone, nil
		}
	}

	var diff Diff
	switch event {
	case presenceEventTrack:
		meta, _ := payload["payload"].(map[string]interface{})
		diff = h.tracker.Track(session.TenantTopic, session.PresenceKey, meta)
		h.counters.Add(ratecounter.Key{Tenant: session.TenantID, Kind: ratecounter.KindJoins}, 1)
	case presenceEventUntrack:
		diff = h.tracker.Untrack(session.TenantTopic, session.PresenceKey)
	}

	if diff.Empty() {
		return ReplyOK, nil
	}
	if err := h.publishDiff(session, diff); err != nil {
		return ReplyError, err
	}
	return ReplyOK, nil
}

// publishDiff fans the presence change out to the topic and credits
// the events counter
func (h *PresenceHandler) publishDiff(session *types.Session, diff Diff) error {
	envelope := presenceDiff{
		Event: "presence_diff",
		Topic: session.Topic,
		Payload: map[string]interface{}{
			"joins":  diff.Joins,
			"leaves": diff.Leaves,
		},
	}

	frame, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	msg := &bus.Message{
		Topic:   session.TenantTopic,
		Event:   "presence_diff",
		Payload: envelope,
		Frame:   frame,
	}
	if err := h.bus.Publish(msg, h.adapter); err != nil {
		return err
	}

	h.counters.Add(ratecounter.Key{Tenant: session.TenantID, Kind: ratecounter.KindEvents}, 1)
	return nil
}
