package metrics

import (
	"time"

	"github.com/cuemby/relay/pkg/ratecounter"
)

// Collector periodically snapshots the per-tenant rate counters into
// prometheus gauges
type Collector struct {
	counters *ratecounter.Counters
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(counters *ratecounter.Counters) *Collector {
	return &Collector{
		counters: counters,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, tenant := range c.counters.Tenants() {
		RateRequestsPerSecond.WithLabelValues(tenant).Set(
			c.counters.Get(ratecounter.Key{Tenant: tenant, Kind: ratecounter.KindRequests}).Avg)
		RateChannelsPerClient.WithLabelValues(tenant).Set(
			c.counters.Get(ratecounter.Key{Tenant: tenant, Kind: ratecounter.KindChannels}).Avg)
		RateJoinsPerSecond.WithLabelValues(tenant).Set(
			c.counters.Get(ratecounter.Key{Tenant: tenant, Kind: ratecounter.KindJoins}).Avg)
		RateEventsPerSecond.WithLabelValues(tenant).Set(
			c.counters.Get(ratecounter.Key{Tenant: tenant, Kind: ratecounter.KindEvents}).Avg)
	}
}
