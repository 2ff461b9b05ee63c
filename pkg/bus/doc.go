/*
Package bus provides topic-addressed pub/sub messaging for Relay's fan-out.

The bus package implements the delivery fabric between producers (channel
handlers, the replication ingester, the registry) and subscribers (client
sessions, supervisors, waiters). It combines an in-process broker with an
optional NATS-backed cluster adapter; the envelope is identical on both paths.

# Architecture

	┌───────────────────────── BUS ─────────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐            │
	│  │              Local Broker                  │            │
	│  │  - Topic → subscriber set                  │            │
	│  │  - Synchronous publish (per-producer FIFO) │            │
	│  │  - Saturated queues drop, never stall      │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │              Fastlane                      │            │
	│  │                                            │            │
	│  │  Producer encodes the frame once.          │            │
	│  │  Subscribers with a SubscriberSink get     │            │
	│  │  the bytes pushed straight onto their      │            │
	│  │  output queue; no per-subscriber encode.   │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │           Cluster Adapter (NATS)           │            │
	│  │                                            │            │
	│  │  relay.bcast.<topic>  mirrored publishes   │            │
	│  │  relay.connect.*      start/authorize RPC  │            │
	│  │  relay.registry.*     leader forwarding    │            │
	│  │                                            │            │
	│  │  Origin tagging breaks mirror loops.       │            │
	│  └────────────────────────────────────────────┘            │
	└────────────────────────────────────────────────────────────┘

# Topics

	realtime:<tenant>:<topic>        channel fan-out
	realtime:operations:<tenant>     operator events
	connect:<tenant>                 supervisor ready broadcasts
	connect_down:<tenant>            conflict-resolution losers

# Usage

	broker := bus.NewBroker()
	sub := broker.Subscribe("realtime:t1:room", bus.WithSink(socketSink))

	b := bus.New(broker, cluster)
	b.Publish(&bus.Message{Topic: "realtime:t1:room", Event: "broadcast", Frame: frame},
		types.AdapterCluster)

Ordering: one producer's publishes arrive in order on every local
subscriber. Nothing is promised across producers or across nodes.
*/
package bus
