package stride

import (
	"context"
	"testing"
)

func TestEventSinkDropsUnknownAgents(t *testing.T) {
	ch := make(chan Event, 4)
	sink := newEventSink(ch, nil)
	sink.register("agent-a")

	if !sink.send(context.Background(), Event{Type: EventText, AgentID: "agent-a", Text: "hi"}) {
		t.Error("event from a registered agent dropped")
	}
	if sink.send(context.Background(), Event{Type: EventText, AgentID: "agent-b", Text: "hi"}) {
		t.Error("event from an unregistered agent delivered")
	}
	if len(ch) != 1 {
		t.Errorf("channel holds %d events, want 1", len(ch))
	}
}

func TestEventSinkUnblocksOnCancel(t *testing.T) {
	ch := make(chan Event) // unbuffered, no consumer
	sink := newEventSink(ch, nil)
	sink.register("agent-a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sink.send(ctx, Event{Type: EventText, AgentID: "agent-a"}) {
		t.Error("send reported delivery on a cancelled full channel")
	}
}

func TestEventSinkCloseOnce(t *testing.T) {
	ch := make(chan Event, 1)
	sink := newEventSink(ch, nil)
	sink.close()
	sink.close() // second close must not panic

	if _, open := <-ch; open {
		t.Error("channel still open")
	}
}

func TestEventSinkNilChannel(t *testing.T) {
	sink := newEventSink(nil, nil)
	sink.register("agent-a")
	if !sink.send(context.Background(), Event{Type: EventText, AgentID: "agent-a"}) {
		t.Error("nil-channel sink must accept events")
	}
	sink.close()
}
