package tenants

import (
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore counts reads so tests can observe cache hits
type fakeStore struct {
	tenants map[string]*types.Tenant
	reads   int
}

func (s *fakeStore) CreateTenant(t *types.Tenant) error { s.tenants[t.ExternalID] = t; return nil }

func (s *fakeStore) GetTenant(id string) (*types.Tenant, error) {
	s.reads++
	t, ok := s.tenants[id]
	if !ok {
		return nil, types.ErrTenantNotFound
	}
	return t, nil
}

func (s *fakeStore) ListTenants() ([]*types.Tenant, error) { return nil, nil }
func (s *fakeStore) UpdateTenant(t *types.Tenant) error    { s.tenants[t.ExternalID] = t; return nil }
func (s *fakeStore) DeleteTenant(id string) error          { delete(s.tenants, id); return nil }
func (s *fakeStore) Close() error                          { return nil }

func TestCacheReadThrough(t *testing.T) {
	store := &fakeStore{tenants: map[string]*types.Tenant{
		"tenant-1": {ExternalID: "tenant-1", Region: "us-east-1"},
	}}
	cache := NewCache(store, time.Minute)

	got, err := cache.Get("tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", got.Region)
	assert.Equal(t, 1, store.reads)

	// Second read is served from cache
	_, err = cache.Get("tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.reads)
}

func TestCacheMissPropagatesNotFound(t *testing.T) {
	cache := NewCache(&fakeStore{tenants: map[string]*types.Tenant{}}, time.Minute)

	_, err := cache.Get("ghost")
	assert.ErrorIs(t, err, types.ErrTenantNotFound)
}

func TestCacheInvalidate(t *testing.T) {
	store := &fakeStore{tenants: map[string]*types.Tenant{
		"tenant-1": {ExternalID: "tenant-1"},
	}}
	cache := NewCache(store, time.Minute)

	_, err := cache.Get("tenant-1")
	require.NoError(t, err)

	cache.Invalidate("tenant-1")
	_, err = cache.Get("tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.reads)
}
