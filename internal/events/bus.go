// Package events is the pub/sub backbone shared by the execution core
// components. It generalizes core.Router's subscription map (market ->
// strategies, fanned out under a mutex) into a topic -> subscribers map
// of channels, so SOE/EFC/SR/EQM can publish snapshots without knowing
// who (if anyone) is listening.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Event is an immutable snapshot published onto a topic. Payload is
// one of the snapshot types described in spec §3 (Order, EndpointHealth,
// Failover, Inconsistency, RepairResult, Anomaly, ...).
type Event struct {
	Topic   string
	Payload any
}

const subscriberBuffer = 64

// Bus is a minimal synchronous pub/sub dispatcher. Publish never blocks
// on a slow subscriber: each subscriber owns a bounded channel, and when
// that channel is full the event being published is dropped for that
// subscriber (events already queued are kept) rather than stall the
// publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	dropWarned  map[string]bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan Event),
		dropWarned:  make(map[string]bool),
	}
}

// Subscribe returns a channel that receives every Event published to
// topic from this point forward. The channel is never closed by the
// bus; callers select on it alongside their own shutdown signal.
func (b *Bus) Subscribe(topic string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	return ch
}

// Publish fans evt out to every subscriber of topic.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := b.subscribers[topic]
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			b.warnDrop(topic)
		}
	}
}

func (b *Bus) warnDrop(topic string) {
	b.mu.Lock()
	already := b.dropWarned[topic]
	b.dropWarned[topic] = true
	b.mu.Unlock()

	if !already {
		log.Warn().Str("topic", topic).Msg("event subscriber lagging, dropping events")
	}
}

// Topic names published by the execution core.
const (
	TopicOrderSubmitted    = "order.submitted"
	TopicOrderFilled       = "order.filled"
	TopicOrderCanceled     = "order.canceled"
	TopicOrderResubmitting = "order.resubmitting"
	TopicOrderFailed       = "order.failed"

	TopicEndpointFailover        = "endpoint.failover"
	TopicEndpointNoBackup        = "endpoint.no_backup"
	TopicEndpointHealthChanged   = "endpoint.health_changed"

	TopicReconcileInconsistency = "reconcile.inconsistency"
	TopicReconcileRepairRequired = "reconcile.repair_required"
	TopicReconcileRepaired      = "reconcile.repaired"
	TopicReconcilePartition     = "reconcile.partition"

	TopicQualityAnomaly = "quality.anomaly"
)
