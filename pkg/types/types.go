package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tenant represents an isolated customer environment with its own
// database and JWT verification material
type Tenant struct {
	ExternalID       string
	Region           string
	Suspend          bool
	JWTSecret        string
	JWTJWKS          json.RawMessage
	MigrationsRan    int
	MaxConcurrency   int
	Extensions       []*TenantExtension
	BroadcastAdapter BroadcastAdapter
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TenantExtension carries the database connection settings for one tenant
type TenantExtension struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	PollInterval time.Duration
	SSLEnforced  bool
}

// DSN renders the extension as a Postgres connection string
func (e *TenantExtension) DSN() string {
	sslmode := "prefer"
	if e.SSLEnforced {
		sslmode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		e.User, e.Password, e.Host, e.Port, e.DBName, sslmode)
}

// BroadcastAdapter selects how database changes are fanned out
type BroadcastAdapter string

const (
	// AdapterLocal delivers through the in-process broker only
	AdapterLocal BroadcastAdapter = "local"
	// AdapterCluster mirrors every fan-out through the cluster bus
	AdapterCluster BroadcastAdapter = "cluster"
)

// Extension names recognized on message rows
const (
	ExtensionBroadcast = "broadcast"
	ExtensionPresence  = "presence"
)

// Message represents a row in the tenant message table
type Message struct {
	ID          string
	Topic       string
	Private     bool
	Event       *string
	Extension   string
	Payload     map[string]interface{}
	InsertedAt  time.Time
	CommittedAt time.Time
}

// Broadcastable reports whether the replication ingester may fan the
// row out: a non-null event and the broadcast extension
func (m *Message) Broadcastable() bool {
	return m.Event != nil && m.Extension == ExtensionBroadcast
}

// Broadcast is the envelope delivered to every subscriber of a topic
type Broadcast struct {
	Event   string                 `json:"event"`
	Topic   string                 `json:"topic"`
	Ref     *string                `json:"ref"`
	Payload map[string]interface{} `json:"payload"`
}

// TenantTopic builds the bus topic for a tenant channel. Private and
// public channels share the namespace; the private flag travels on the
// session and gates authorization, not addressing.
func TenantTopic(externalID, topic string) string {
	return fmt.Sprintf("realtime:%s:%s", externalID, topic)
}

// OperationsTopic is the per-tenant operator event topic
func OperationsTopic(externalID string) string {
	return fmt.Sprintf("realtime:operations:%s", externalID)
}

// OperationEvent is an operator event carried on the operations topic
type OperationEvent string

const (
	OpSuspendTenant   OperationEvent = "suspend_tenant"
	OpUnsuspendTenant OperationEvent = "unsuspend_tenant"
	OpDisconnect      OperationEvent = "disconnect"
)
