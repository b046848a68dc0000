// Package bus implements the topic-based Event/Alert Bus described in spec
// §4.10: best-effort, in-process pub/sub for observers such as dashboards
// and alert sinks, with durable subscribers expected to read the Store's
// event table instead (spec §4.10, §5 "Event Bus: per-topic best-effort
// FIFO; slow subscribers may miss messages").
//
// This is a direct generalization of the teacher's emit.Emitter
// (graph/emit/emitter.go): BeamFlow needs topic-addressed delivery
// (workflow:{id}, workflows, alerts, circuit_breaker:{name}, chaos:events)
// rather than the teacher's single firehose, so Bus adds topic routing and
// replaces the teacher's Emit/EmitBatch/Flush shape with Publish/Subscribe/
// Flush, keeping the same thread-safe contract.
package bus

import (
	"context"
	"sync"
	"time"
)

// Event is a structured message published on the bus (spec §6 "Event Bus
// topic contracts": each message is {topic, type, payload, timestamp}).
type Event struct {
	Topic     string
	Type      string
	Payload   map[string]any
	Timestamp time.Time
}

// Subscriber receives events for topics it has subscribed to. Delivery is
// best-effort and must not block the publisher for long; slow subscribers
// may miss messages under load, exactly as spec §5 allows.
type Subscriber interface {
	Receive(Event)
}

// SubscriberFunc adapts a plain function to a Subscriber.
type SubscriberFunc func(Event)

// Receive implements Subscriber.
func (f SubscriberFunc) Receive(e Event) { f(e) }

// Bus is the Event/Alert Bus contract consumed by the rest of the kernel.
// Components publish; external collaborators (dashboards, alert sinks,
// metrics) subscribe by topic.
type Bus interface {
	// Publish sends event to every subscriber of event.Topic. InProcess
	// delivers synchronously on the caller's goroutine, so a slow subscriber
	// delays the publisher.
	Publish(event Event)

	// Subscribe registers sub to receive every Event published on topic.
	// Returns an unsubscribe function.
	Subscribe(topic string, sub Subscriber) (unsubscribe func())

	// Flush waits for any buffered/asynchronous delivery to drain, honoring
	// ctx's deadline. Safe to call multiple times.
	Flush(ctx context.Context) error
}

// InProcess is the default Bus: synchronous, in-memory fan-out to
// subscribers, matching the teacher's emit.BufferedEmitter's
// thread-safety shape (graph/emit/buffered.go) but keyed by topic rather
// than by run id.
type InProcess struct {
	mu   sync.RWMutex
	subs map[string][]subEntry
	seq  uint64
}

type subEntry struct {
	id  uint64
	sub Subscriber
}

// New creates an empty in-process Bus.
func New() *InProcess {
	return &InProcess{subs: make(map[string][]subEntry)}
}

// Publish delivers event to every current subscriber of event.Topic. Each
// subscriber is invoked synchronously but a panic in one subscriber is
// isolated so it cannot take down the publisher (the Actor) or other
// subscribers — dashboards misbehaving must never break orchestration.
func (b *InProcess) Publish(event Event) {
	b.mu.RLock()
	subs := append([]subEntry(nil), b.subs[event.Topic]...)
	b.mu.RUnlock()

	for _, e := range subs {
		deliver(e.sub, event)
	}
}

func deliver(sub Subscriber, event Event) {
	defer func() { _ = recover() }()
	sub.Receive(event)
}

// Subscribe registers sub for topic and returns a function that removes it.
func (b *InProcess) Subscribe(topic string, sub Subscriber) func() {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[topic] = append(b.subs[topic], subEntry{id: id, sub: sub})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subs[topic]
		for i, e := range entries {
			if e.id == id {
				b.subs[topic] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Flush is a no-op for InProcess since Publish is synchronous; it exists to
// satisfy the Bus contract for implementations that do buffer.
func (b *InProcess) Flush(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Recorded is a test/debug Bus that both fans out to subscribers and keeps
// every event, grouped by topic, so tests can assert on published history
// without wiring a Subscriber — the bus-flavored analogue of the teacher's
// BufferedEmitter (graph/emit/buffered.go).
type Recorded struct {
	inner  *InProcess
	mu     sync.RWMutex
	events map[string][]Event
}

// NewRecorded creates a Recorded bus.
func NewRecorded() *Recorded {
	return &Recorded{inner: New(), events: make(map[string][]Event)}
}

// Publish records event and forwards it to subscribers of its topic.
func (r *Recorded) Publish(event Event) {
	r.mu.Lock()
	r.events[event.Topic] = append(r.events[event.Topic], event)
	r.mu.Unlock()
	r.inner.Publish(event)
}

// Subscribe delegates to the inner InProcess bus.
func (r *Recorded) Subscribe(topic string, sub Subscriber) func() {
	return r.inner.Subscribe(topic, sub)
}

// Flush delegates to the inner InProcess bus.
func (r *Recorded) Flush(ctx context.Context) error { return r.inner.Flush(ctx) }

// History returns a copy of every event published on topic, in publish
// order.
func (r *Recorded) History(topic string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := r.events[topic]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}
