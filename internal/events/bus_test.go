package events

import (
	"testing"

	"go.uber.org/zap"
)

func TestPublishOrderPerSubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var seen []Type
	bus.Subscribe(func(e Event) { seen = append(seen, e.Type) })

	published := []Type{TicketCreated, TicketClaimed, TicketUpdated, TicketClosed}
	for _, typ := range published {
		if err := bus.Publish(New(typ, nil)); err != nil {
			t.Fatalf("publish %s: %v", typ, err)
		}
	}
	if len(seen) != len(published) {
		t.Fatalf("expected %d events, got %d", len(published), len(seen))
	}
	for i, typ := range published {
		if seen[i] != typ {
			t.Fatalf("event %d: expected %s, got %s", i, typ, seen[i])
		}
	}
}

func TestSubscribeTypeFilter(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var tickets, agents int
	bus.Subscribe(func(Event) { tickets++ }, TicketCreated)
	bus.Subscribe(func(Event) { agents++ }, AgentStarted, AgentStopped)

	bus.Publish(New(TicketCreated, nil))
	bus.Publish(New(AgentStarted, nil))
	bus.Publish(New(BuildStarted, nil))

	if tickets != 1 {
		t.Fatalf("ticket handler: expected 1 call, got %d", tickets)
	}
	if agents != 1 {
		t.Fatalf("agent handler: expected 1 call, got %d", agents)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())
	calls := 0
	id := bus.Subscribe(func(Event) { calls++ })
	bus.Publish(New(TicketCreated, nil))
	bus.Unsubscribe(id)
	bus.Publish(New(TicketCreated, nil))
	if calls != 1 {
		t.Fatalf("expected 1 call after unsubscribe, got %d", calls)
	}
}

func TestPublishRejectsUnknownType(t *testing.T) {
	bus := NewBus(zap.NewNop())
	if err := bus.Publish(New(Type("bogus.event"), nil)); err != ErrUnknownType {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if err := bus.Publish(New(Wildcard, nil)); err != ErrUnknownType {
		t.Fatalf("wildcard must not be publishable, got %v", err)
	}
}

type captureSink struct{ events []Event }

func (c *captureSink) Enqueue(e Event) { c.events = append(c.events, e) }

func TestSinksReceiveEveryEvent(t *testing.T) {
	bus := NewBus(zap.NewNop())
	sink := &captureSink{}
	bus.AddSink(sink)

	bus.Publish(New(TicketCreated, map[string]any{"id": "1"}))
	bus.Publish(New(AgentStarted, nil))

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 sink events, got %d", len(sink.events))
	}
	if sink.events[0].Type != TicketCreated || sink.events[1].Type != AgentStarted {
		t.Fatalf("sink events out of order: %v", sink.events)
	}
}

func TestVocabulary(t *testing.T) {
	for _, typ := range Types() {
		if !typ.Valid() {
			t.Fatalf("%s should be valid", typ)
		}
	}
	if Type("ticket.bogus").Valid() {
		t.Fatal("ticket.bogus should not be valid")
	}
	if got := TicketCreated.Family(); got != "ticket" {
		t.Fatalf("family: expected ticket, got %s", got)
	}
}
