package bus

import (
	"github.com/cuemby/relay/pkg/types"
)

// Bus combines the local broker with the optional cluster adapter
type Bus struct {
	Local   *Broker
	Cluster *Cluster
}

// New creates a bus around a local broker. The cluster adapter may be
// nil on single-node deployments.
func New(local *Broker, cluster *Cluster) *Bus {
	return &Bus{Local: local, Cluster: cluster}
}

// Publish fans the message out locally and, when the tenant's adapter
// asks for it, across the cluster. The envelope is identical on both
// paths.
func (b *Bus) Publish(msg *Message, adapter types.BroadcastAdapter) error {
	b.Local.Publish(msg)
	if adapter == types.AdapterCluster && b.Cluster != nil {
		return b.Cluster.Publish(msg)
	}
	return nil
}

// PublishOperation broadcasts an operator event on the tenant's
// operations topic. Operator events always cross the cluster so they
// reach whichever node hosts the supervisor.
func (b *Bus) PublishOperation(tenantID string, op types.OperationEvent) error {
	msg := &Message{
		Topic:   types.OperationsTopic(tenantID),
		Event:   string(op),
		Payload: string(op),
	}
	return b.Publish(msg, types.AdapterCluster)
}
