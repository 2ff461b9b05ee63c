package tenants

import (
	"time"

	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultTTL keeps tenant records hot long enough to absorb connect
// storms without serving stale suspend flags for long
const DefaultTTL = 5 * time.Second

const cacheSize = 10_000

// Cache is a short-TTL read-through cache over the tenant store,
// keyed by external id
type Cache struct {
	store storage.Store
	lru   *expirable.LRU[string, *types.Tenant]
}

// NewCache creates a tenant cache with the given TTL
func NewCache(store storage.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store: store,
		lru:   expirable.NewLRU[string, *types.Tenant](cacheSize, nil, ttl),
	}
}

// Get returns the tenant, reading through to the store on a miss
func (c *Cache) Get(externalID string) (*types.Tenant, error) {
	if tenant, ok := c.lru.Get(externalID); ok {
		return tenant, nil
	}

	tenant, err := c.store.GetTenant(externalID)
	if err != nil {
		return nil, err
	}
	c.lru.Add(externalID, tenant)
	return tenant, nil
}

// Invalidate drops a tenant from the cache, forcing the next Get to
// hit the store. Called when operator events mutate the tenant.
func (c *Cache) Invalidate(externalID string) {
	c.lru.Remove(externalID)
}
