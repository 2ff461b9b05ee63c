package storage

import (
	"github.com/cuemby/relay/pkg/types"
)

// Store defines the interface for control-plane tenant storage
// This is implemented by BoltDB-backed storage
type Store interface {
	CreateTenant(tenant *types.Tenant) error
	GetTenant(externalID string) (*types.Tenant, error)
	ListTenants() ([]*types.Tenant, error)
	UpdateTenant(tenant *types.Tenant) error
	DeleteTenant(externalID string) error

	Close() error
}
