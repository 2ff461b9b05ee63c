package types

import (
	"github.com/golang-jwt/jwt/v5"
)

// AuthorizationContext is the immutable per-session bundle handed to
// every authorization probe. Passed by value; probes never mutate it.
type AuthorizationContext struct {
	TenantID string
	Topic    string
	JWT      string
	Claims   jwt.MapClaims
	Headers  map[string]string
	Role     string
}

// Session holds the per-channel socket assigns. One session is bound
// to exactly one topic.
type Session struct {
	TenantID        string
	Topic           string
	TenantTopic     string
	Private         bool
	SelfBroadcast   bool
	AckBroadcast    bool
	PresenceKey     string
	PresenceEnabled bool
	// SubscriptionID names the session's own bus subscription so
	// publishes can skip the sender when self_broadcast is off
	SubscriptionID string
	Policies       Policies
	AuthContext    AuthorizationContext
}
