package events

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/metrics"
)

// ErrUnknownType is returned when publishing an event outside the vocabulary.
var ErrUnknownType = errors.New("event type not in vocabulary")

// Handler is an in-process subscriber callback. Handlers run synchronously
// inside Publish, so they must be fast and must not call back into the bus.
type Handler func(Event)

// Sink is an out-of-process delivery path (the WebSocket hub, the webhook
// dispatcher). Enqueue must not block on I/O: Publish returns once every
// sink has accepted the event, not once it has been delivered.
type Sink interface {
	Enqueue(Event)
}

// Bus is the in-process pub/sub hub. Publish invokes every handler
// synchronously in registration order, then hands the event to each sink.
// A single publisher goroutine therefore observes its own events in
// publication order at every subscriber; ordering across publishers is
// unspecified.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers []subscription
	sinks    []Sink

	logger *zap.Logger
}

type subscription struct {
	id      int
	types   map[Type]struct{} // nil means all types
	handler Handler
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler for the given types (all types when empty)
// and returns its subscription id.
func (b *Bus) Subscribe(handler Handler, types ...Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := subscription{id: b.nextID, handler: handler}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.handlers = append(b.handlers, sub)
	return sub.id
}

// Unsubscribe removes a handler by id. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.handlers {
		if sub.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

// AddSink attaches a delivery sink. Sinks receive every event.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish dispatches the event to every matching handler then every sink.
// It returns once all handlers have run and all sinks have accepted the
// event. Events outside the vocabulary are rejected.
func (b *Bus) Publish(evt Event) error {
	if !evt.Type.Valid() {
		b.logger.Warn("Rejected event outside vocabulary", zap.String("type", string(evt.Type)))
		return ErrUnknownType
	}

	// Copy-on-read so handlers run outside the lock and slow subscribers
	// never serialize registration.
	b.mu.Lock()
	handlers := make([]subscription, len(b.handlers))
	copy(handlers, b.handlers)
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()

	for _, sub := range handlers {
		if sub.types != nil {
			if _, ok := sub.types[evt.Type]; !ok {
				continue
			}
		}
		sub.handler(evt)
	}
	for _, s := range sinks {
		s.Enqueue(evt)
	}

	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
	return nil
}
