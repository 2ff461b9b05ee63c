package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/relay/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTenants = []byte("tenants")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "relay.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTenants); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketTenants, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// CreateTenant stores a new tenant keyed by external id
func (s *BoltStore) CreateTenant(tenant *types.Tenant) error {
	if tenant.ExternalID == "" {
		return fmt.Errorf("tenant external id is required")
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now()
	}
	tenant.UpdatedAt = time.Now()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		if b.Get([]byte(tenant.ExternalID)) != nil {
			return fmt.Errorf("tenant %s already exists", tenant.ExternalID)
		}
		data, err := json.Marshal(tenant)
		if err != nil {
			return fmt.Errorf("failed to marshal tenant: %w", err)
		}
		return b.Put([]byte(tenant.ExternalID), data)
	})
}

// GetTenant retrieves a tenant by external id
func (s *BoltStore) GetTenant(externalID string) (*types.Tenant, error) {
	var tenant types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenants).Get([]byte(externalID))
		if data == nil {
			return types.ErrTenantNotFound
		}
		return json.Unmarshal(data, &tenant)
	})
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

// UpdateTenant replaces a stored tenant
func (s *BoltStore) UpdateTenant(tenant *types.Tenant) error {
	tenant.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		if b.Get([]byte(tenant.ExternalID)) == nil {
			return types.ErrTenantNotFound
		}
		data, err := json.Marshal(tenant)
		if err != nil {
			return fmt.Errorf("failed to marshal tenant: %w", err)
		}
		return b.Put([]byte(tenant.ExternalID), data)
	})
}

// DeleteTenant removes a tenant
func (s *BoltStore) DeleteTenant(externalID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		if b.Get([]byte(externalID)) == nil {
			return types.ErrTenantNotFound
		}
		return b.Delete([]byte(externalID))
	})
}

// ListTenants returns all tenants
func (s *BoltStore) ListTenants() ([]*types.Tenant, error) {
	var tenants []*types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, v []byte) error {
			var tenant types.Tenant
			if err := json.Unmarshal(v, &tenant); err != nil {
				return fmt.Errorf("failed to unmarshal tenant %s: %w", k, err)
			}
			tenants = append(tenants, &tenant)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

// Close closes the underlying database
func (s *BoltStore) Close() error {
	return s.db.Close()
}
