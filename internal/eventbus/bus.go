// Package eventbus implements the in-process publish/subscribe topic
// broker that Watchers and the Arbiter publish lifecycle events onto,
// and that the pubsub/stats endpoints and external relays read from
// (spec.md §4.6). Grounded on kdlbs-kandev's gorilla/websocket +
// nats.go combination: a lightweight in-memory broker fans out locally,
// an optional NATS connection relays the same events externally.
package eventbus

import (
	"strings"
	"sync"
	"time"
)

// Event is one published message: topic plus an arbitrary JSON-able
// payload, per spec.md §4.6 ("watcher.event_name" topics).
type Event struct {
	Topic     string
	Payload   map[string]interface{}
	Published time.Time
}

// Subscription is a live prefix-matched subscriber. Frames it cannot
// keep up with are dropped rather than blocking the publisher
// (spec.md §4.6 invariant: "publish never blocks on a slow subscriber").
type Subscription struct {
	id      uint64
	prefix  string
	ch      chan Event
	dropped *counter
}

// C returns the channel of matching events. Closed when Unsubscribe is
// called.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber has missed due to a
// full buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.get() }

type counter struct {
	mu sync.Mutex
	n  int64
}

func (c *counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Relay receives every published Event, used to fan events out to an
// external transport (websocket broadcast, NATS publish).
type Relay interface {
	Relay(Event)
}

// Bus is the at-most-once, per-publisher-ordered topic broker.
// Publish() never blocks: each subscriber has its own bounded buffer,
// and a full buffer drops the event rather than stalling the caller
// (the event loop publishes from inside Arbiter.Submit'd closures, so
// a blocking Publish would stall the whole supervisor).
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	subs     map[uint64]*Subscription
	relays   []Relay
	bufSize  int
}

// NewBus constructs a Bus whose per-subscriber channel depth is
// bufSize (spec.md default: 100).
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &Bus{subs: map[uint64]*Subscription{}, bufSize: bufSize}
}

// AddRelay registers an external fan-out target (websocket hub, NATS
// connection). Relays observe every event regardless of subscription
// prefix.
func (b *Bus) AddRelay(r Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relays = append(b.relays, r)
}

// Publish fans out an event to every subscriber whose prefix matches
// topic, and to every registered relay. Implements supervisor.Publisher
// so a *Bus can be handed straight to Arbiter/Watcher.
func (b *Bus) Publish(topic string, payload map[string]interface{}) {
	ev := Event{Topic: topic, Payload: payload, Published: now()}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if strings.HasPrefix(topic, s.prefix) {
			subs = append(subs, s)
		}
	}
	relays := append([]Relay(nil), b.relays...)
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.inc()
		}
	}
	for _, r := range relays {
		r.Relay(ev)
	}
}

// Subscribe registers a new prefix-matched subscriber. An empty prefix
// matches every topic (spec.md's "subscribe to everything" mode).
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		prefix:  prefix,
		ch:      make(chan Event, b.bufSize),
		dropped: &counter{},
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// SubscriberCount reports how many live subscriptions exist, for the
// stats endpoint.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// now is a seam so tests can avoid depending on wall-clock ordering;
// production code always uses time.Now.
var now = time.Now
