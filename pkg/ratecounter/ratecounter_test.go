package ratecounter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounterCreatedOnFirstUse(t *testing.T) {
	c := New(10)
	key := Key{Tenant: "tenant-1", Kind: KindEvents}

	snap := c.Get(key)
	assert.Equal(t, int64(0), snap.Sum)
	assert.Equal(t, 10, snap.Window)

	c.Add(key, 5)
	snap = c.Get(key)
	assert.Equal(t, int64(5), snap.Sum)
	assert.Equal(t, 0.5, snap.Avg)
}

func TestCounterSlidesWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(5)
	c.now = func() time.Time { return now }

	key := Key{Tenant: "tenant-1", Kind: KindJoins}
	c.Add(key, 10)

	// Advance past the whole window; everything should expire
	now = now.Add(6 * time.Second)
	snap := c.Get(key)
	assert.Equal(t, int64(0), snap.Sum)

	// Partial slide keeps recent buckets
	c.Add(key, 3)
	now = now.Add(2 * time.Second)
	c.Add(key, 4)
	snap = c.Get(key)
	assert.Equal(t, int64(7), snap.Sum)
}

func TestConcurrentWriters(t *testing.T) {
	c := New(60)
	key := Key{Tenant: "tenant-1", Kind: KindRequests}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Add(key, 1)
			}
		}()
	}
	wg.Wait()

	snap := c.Get(key)
	assert.Equal(t, int64(1000), snap.Sum)
}

func TestDeleteTenant(t *testing.T) {
	c := New(10)
	c.Add(Key{Tenant: "a", Kind: KindEvents}, 1)
	c.Add(Key{Tenant: "a", Kind: KindJoins}, 1)
	c.Add(Key{Tenant: "b", Kind: KindEvents}, 1)

	c.DeleteTenant("a")

	assert.Equal(t, []string{"b"}, c.Tenants())
	assert.Equal(t, int64(0), c.Get(Key{Tenant: "a", Kind: KindEvents}).Sum)
}
