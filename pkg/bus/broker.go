package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/metrics"
	"github.com/google/uuid"
)

// Message is one unit of delivery on the bus
type Message struct {
	ID        string
	Topic     string
	Event     string
	Timestamp time.Time
	Payload   interface{}
	// Frame is the pre-encoded wire frame. When set, subscribers with a
	// fastlane sink receive these bytes directly and the payload is
	// never re-encoded per subscriber.
	Frame []byte
	// Origin identifies the publishing node so cluster mirrors can
	// break forwarding loops
	Origin string
	// Sender, when set, names a subscription that must not receive
	// this message. Lets a publisher opt out of hearing itself.
	Sender string
}

// SubscriberSink is the fastlane delivery path: a pre-encoded frame is
// pushed straight onto the subscriber's output queue
type SubscriberSink interface {
	Push(frame []byte) bool
}

// Subscription is one subscriber attached to a topic
type Subscription struct {
	ID    string
	Topic string
	C     chan *Message
	sink  SubscriberSink
}

// SubOption configures a subscription
type SubOption func(*Subscription)

// WithSink attaches a fastlane sink to the subscription
func WithSink(sink SubscriberSink) SubOption {
	return func(s *Subscription) {
		s.sink = sink
	}
}

// Broker distributes messages to local subscribers by topic
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscription
}

const subscriberBuffer = 64

// NewBroker creates a new local broker
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]map[string]*Subscription),
	}
}

// Subscribe attaches a new subscriber to a topic
func (b *Broker) Subscribe(topic string, opts ...SubOption) *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		C:     make(chan *Message, subscriberBuffer),
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.ID] = sub
	return sub
}

// Unsubscribe detaches a subscriber from its topic
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[sub.Topic]
	if !ok {
		return
	}
	if _, ok := subs[sub.ID]; !ok {
		return
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(b.topics, sub.Topic)
	}
	close(sub.C)
}

// Publish delivers the message to every subscriber of its topic.
// Delivery is synchronous so publishes from one producer keep their
// order; a saturated subscriber queue drops the frame rather than
// stalling the producer.
func (b *Broker) Publish(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.topics[msg.Topic]
	targets := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	metrics.BusPublishTotal.WithLabelValues("local").Inc()

	for _, sub := range targets {
		if msg.Sender != "" && sub.ID == msg.Sender {
			continue
		}
		if sub.sink != nil && msg.Frame != nil {
			if !sub.sink.Push(msg.Frame) {
				metrics.BusDroppedTotal.Inc()
			}
			continue
		}
		select {
		case sub.C <- msg:
		default:
			metrics.BusDroppedTotal.Inc()
		}
	}
}

// SubscriberCount returns the number of subscribers on one topic
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// SubscriberCountPrefix returns the number of subscribers across all
// topics sharing a prefix. Feeds the connected-user watchdog.
func (b *Broker) SubscriberCountPrefix(prefix string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n int
	for topic, subs := range b.topics {
		if strings.HasPrefix(topic, prefix) {
			n += len(subs)
		}
	}
	return n
}
