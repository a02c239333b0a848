// Package events fans bundle lifecycle notifications out to subscribers.
// Delivery is at-most-once: a subscriber that falls behind loses events.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"tangled.org/solarpunk.net/dtnbundle/dtn"
)

// Kind names a lifecycle notification
type Kind string

const (
	BundleCreated     Kind = "bundle.created"
	BundleReceived    Kind = "bundle.received"
	BundleExpired     Kind = "bundle.expired"
	BundleEvicted     Kind = "bundle.evicted"
	BundleQuarantined Kind = "bundle.quarantined"
)

// Event is one notification
type Event struct {
	Kind      Kind         `json:"kind"`
	BundleID  string       `json:"bundle_id"`
	Queue     dtn.Queue    `json:"queue"`
	Priority  dtn.Priority `json:"priority"`
	Topic     string       `json:"topic,omitempty"`
	SizeBytes int64        `json:"size_bytes"`
	Reason    string       `json:"reason,omitempty"`
	Time      time.Time    `json:"time"`
}

// FromRecord builds an event describing rec
func FromRecord(kind Kind, rec *dtn.Record, at time.Time) Event {
	return Event{
		Kind:      kind,
		BundleID:  rec.ID(),
		Queue:     rec.Queue,
		Priority:  rec.Bundle.Priority,
		Topic:     rec.Bundle.Topic,
		SizeBytes: rec.Bundle.SizeBytes,
		Time:      at,
	}
}

// Publisher is what services need to emit events
type Publisher interface {
	Publish(ev Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event
var Discard Publisher = discard{}

// Bus is an in-process publish/subscribe hub. Publish never blocks.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish delivers ev to every subscriber with room in its buffer
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The
// returned cancel function unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of live subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
