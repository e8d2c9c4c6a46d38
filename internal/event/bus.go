// Package event provides the process-wide pub/sub bus using watermill.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/wardenhq/warden/internal/logging"
)

// busTopic is the single gochannel topic every event flows through.
const busTopic = "events"

// Type represents the type of event.
type Type string

const (
	FileChange           Type = "file-change"
	ProcessStateChanged  Type = "process-state-changed"
	SessionStatusChanged Type = "session-status-changed"
	SessionCreated       Type = "session-created"
	SessionUpdated       Type = "session-updated"
	ModeChange           Type = "mode-change"
)

// Event represents an event to be published.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Subscriber is a function that receives events. Subscribers must not block;
// anything slow belongs behind the subscriber's own buffer.
type Subscriber func(event Event)

// subscriberEntry wraps a subscriber with an ID.
type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is the event bus that manages pub/sub using watermill.
// Publishes flow through the gochannel, so ordering and buffering come from
// watermill; the subscriber maps keep the typed payload that the wire
// message loses.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	// Direct subscriber tracking - preserves type information
	subscribers map[Type][]subscriberEntry
	global      []subscriberEntry

	// inflight carries the typed event across the pubsub hop, keyed by
	// message uuid.
	inflightMu sync.Mutex
	inflight   map[string]Event

	nextID       uint64
	closed       bool
	closedCancel context.CancelFunc
	closedCtx    context.Context
}

// NewBus creates a new event bus. The server initializer owns its lifecycle
// and hands it to every component that publishes or subscribes.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers:  make(map[Type][]subscriberEntry),
		inflight:     make(map[string]Event),
		closedCtx:    ctx,
		closedCancel: cancel,
	}

	msgs, err := b.pubsub.Subscribe(ctx, busTopic)
	if err != nil {
		// gochannel only refuses when already closed; nothing to route.
		logging.Error().Err(err).Msg("event bus subscribe failed")
		return b
	}
	go b.route(msgs)
	return b
}

// route drains the pubsub and fans each message's typed event out to the
// registered subscribers.
func (b *Bus) route(msgs <-chan *message.Message) {
	for msg := range msgs {
		b.inflightMu.Lock()
		e, ok := b.inflight[msg.UUID]
		delete(b.inflight, msg.UUID)
		b.inflightMu.Unlock()
		msg.Ack()
		if !ok {
			continue
		}
		for _, sub := range b.collect(e.Type) {
			go safeCall(sub, e)
		}
	}
}

// newID generates a unique subscriber ID.
func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	entry := subscriberEntry{id: id, fn: fn}
	b.subscribers[eventType] = append(b.subscribers[eventType], entry)

	return func() {
		b.unsubscribe(eventType, id)
	}
}

// SubscribeAll registers a subscriber for all events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	entry := subscriberEntry{id: id, fn: fn}
	b.global = append(b.global, entry)

	return func() {
		b.unsubscribeGlobal(id)
	}
}

// unsubscribe removes a subscriber for a specific event type.
func (b *Bus) unsubscribe(eventType Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// unsubscribeGlobal removes a global subscriber.
func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

// collect gathers the subscribers that should receive an event.
func (b *Bus) collect(eventType Type) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	subs := make([]Subscriber, 0, len(b.subscribers[eventType])+len(b.global))
	for _, entry := range b.subscribers[eventType] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// safeCall invokes a subscriber, isolating panics so one bad subscriber
// cannot take down the publisher or its siblings.
func safeCall(fn Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("eventType", string(e.Type)).
				Any("panic", r).
				Msg("event subscriber panicked")
		}
	}()
	fn(e)
}

// Publish sends an event to all subscribers asynchronously, routed through
// the watermill channel. Each subscriber is called in its own goroutine to
// prevent blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), marshalPayload(event))
	b.inflightMu.Lock()
	b.inflight[msg.UUID] = event
	b.inflightMu.Unlock()

	if err := b.pubsub.Publish(busTopic, msg); err != nil {
		b.inflightMu.Lock()
		delete(b.inflight, msg.UUID)
		b.inflightMu.Unlock()
		logging.Error().Err(err).Str("eventType", string(event.Type)).Msg("event publish failed")
	}
}

// marshalPayload renders the wire form of an event so pubsub middleware can
// inspect it. The typed payload still travels via the inflight map.
func marshalPayload(e Event) []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return data
}

// PublishSync sends an event to all subscribers synchronously.
// All subscribers are called in the current goroutine before returning.
func (b *Bus) PublishSync(event Event) {
	for _, sub := range b.collect(event.Type) {
		safeCall(sub, event)
	}
}

// Close closes the bus and all its subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.closedCancel()

	b.subscribers = make(map[Type][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	b.inflightMu.Lock()
	b.inflight = make(map[string]Event)
	b.inflightMu.Unlock()

	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel for advanced use cases.
// This can be used for middleware, routing, or when switching to distributed backends.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
