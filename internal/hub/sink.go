package hub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/events"
)

// BusSink adapts the hub to the event bus. Enqueue never blocks the
// publisher: events queue onto a buffered channel drained by one worker
// goroutine, and overflow drops the event with a warning (slow consumers
// must not stall publication).
type BusSink struct {
	hub    *Hub
	ch     chan events.Event
	stop   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// DefaultSinkBuffer bounds the sink queue.
const DefaultSinkBuffer = 256

// NewBusSink starts the sink worker. buffer <= 0 selects the default.
func NewBusSink(h *Hub, buffer int, logger *zap.Logger) *BusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	s := &BusSink{
		hub:    h,
		ch:     make(chan events.Event, buffer),
		stop:   make(chan struct{}),
		logger: logger,
	}
	go s.run()
	return s
}

// Enqueue accepts one event for broadcast, dropping on overflow.
func (s *BusSink) Enqueue(evt events.Event) {
	select {
	case s.ch <- evt:
	default:
		s.logger.Warn("Hub sink overflow, event dropped",
			zap.String("type", string(evt.Type)))
	}
}

func (s *BusSink) run() {
	for {
		select {
		case <-s.stop:
			return
		case evt := <-s.ch:
			s.hub.Broadcast(evt.Type, evt.Payload)
		}
	}
}

// Close stops the worker. Queued events are discarded.
func (s *BusSink) Close() {
	s.once.Do(func() { close(s.stop) })
}
