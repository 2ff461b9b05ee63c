package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// wireMessage is the cluster representation of a bus message
type wireMessage struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Frame     []byte          `json:"frame,omitempty"`
	Origin    string          `json:"origin"`
}

// Cluster mirrors bus traffic across nodes over NATS and carries the
// internode request/reply calls
type Cluster struct {
	nc     *nats.Conn
	nodeID string
	prefix string
	broker *Broker
	bridge *nats.Subscription
	logger zerolog.Logger
}

// ClusterConfig configures the cluster adapter
type ClusterConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222"
	URL string
	// NodeID identifies this node; used as the connection name and to
	// break mirror loops
	NodeID string
	// Prefix is prepended to all subjects. Default: "relay".
	Prefix string
}

// NewCluster connects the cluster adapter
func NewCluster(cfg ClusterConfig, broker *Broker) (*Cluster, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "relay"
	}

	nc, err := nats.Connect(url, nats.Name(cfg.NodeID))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cluster bus: %w", err)
	}

	return &Cluster{
		nc:     nc,
		nodeID: cfg.NodeID,
		prefix: prefix,
		broker: broker,
		logger: log.WithComponent("bus"),
	}, nil
}

// Start begins mirroring remote publishes into the local broker
func (c *Cluster) Start() error {
	sub, err := c.nc.Subscribe(c.prefix+".bcast.>", func(m *nats.Msg) {
		var wm wireMessage
		if err := json.Unmarshal(m.Data, &wm); err != nil {
			c.logger.Error().Err(err).Msg("Failed to decode cluster message")
			return
		}
		if wm.Origin == c.nodeID {
			return
		}
		msg := &Message{
			ID:        wm.ID,
			Topic:     wm.Topic,
			Event:     wm.Event,
			Timestamp: wm.Timestamp,
			Frame:     wm.Frame,
			Origin:    wm.Origin,
		}
		if len(wm.Payload) > 0 {
			var payload interface{}
			if err := json.Unmarshal(wm.Payload, &payload); err == nil {
				msg.Payload = payload
			}
		}
		c.broker.Publish(msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe cluster bridge: %w", err)
	}
	c.bridge = sub
	return nil
}

// Publish mirrors a local message to every other node
func (c *Cluster) Publish(msg *Message) error {
	wm := wireMessage{
		ID:        msg.ID,
		Topic:     msg.Topic,
		Event:     msg.Event,
		Timestamp: msg.Timestamp,
		Frame:     msg.Frame,
		Origin:    c.nodeID,
	}
	if msg.Payload != nil {
		data, err := json.Marshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode cluster payload: %w", err)
		}
		wm.Payload = data
	}

	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("failed to encode cluster message: %w", err)
	}

	metrics.BusPublishTotal.WithLabelValues("cluster").Inc()
	return c.nc.Publish(c.subject("bcast", msg.Topic), data)
}

// Request performs an internode request/reply call
func (c *Cluster) Request(subject string, payload interface{}, timeout time.Duration) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	msg, err := c.nc.Request(c.prefix+"."+subject, data, timeout)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Handle registers a request/reply handler for a subject
func (c *Cluster) Handle(subject string, handler func(data []byte) ([]byte, error)) (*nats.Subscription, error) {
	return c.nc.Subscribe(c.prefix+"."+subject, func(m *nats.Msg) {
		resp, err := handler(m.Data)
		if err != nil {
			resp, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
		if err := m.Respond(resp); err != nil {
			c.logger.Error().Err(err).Str("subject", m.Subject).Msg("Failed to respond to cluster request")
		}
	})
}

// NodeID returns this node's identity on the bus
func (c *Cluster) NodeID() string {
	return c.nodeID
}

// Close drains the bridge and disconnects
func (c *Cluster) Close() {
	if c.bridge != nil {
		_ = c.bridge.Unsubscribe()
	}
	if c.nc != nil {
		c.nc.Close()
	}
}

// subject builds a NATS subject from a bus topic. Dots would split
// subject tokens, so they are folded.
func (c *Cluster) subject(kind, topic string) string {
	return c.prefix + "." + kind + "." + strings.ReplaceAll(topic, ".", "_")
}
