package bus

import (
	"context"
	"testing"
	"time"
)

func TestEventsArriveInPublishOrder(t *testing.T) {
	mb := NewMessageBus(8)
	mb.Publish(Event{Type: EventReady})
	mb.Publish(Event{Type: EventCredentials, Credentials: []byte("v1")})
	mb.Publish(Event{Type: EventMessage, Message: &InboundMessage{ID: "m1"}})

	want := []EventType{EventReady, EventCredentials, EventMessage}
	for i, typ := range want {
		ev, ok := mb.Consume(context.Background())
		if !ok || ev.Type != typ {
			t.Fatalf("event %d = %s (ok=%v), want %s", i, ev.Type, ok, typ)
		}
		if ev.Time.IsZero() {
			t.Fatalf("event %d has no timestamp", i)
		}
	}
}

func TestObserversGetCopiesWithoutBlocking(t *testing.T) {
	mb := NewMessageBus(8)
	obs := mb.Subscribe()
	defer mb.Unsubscribe(obs)

	mb.Publish(Event{Type: EventReady})
	mb.PublishOutbound(OutboundMessage{Chat: "628123@s.whatsapp.net", Kind: "text"})

	select {
	case ev := <-obs:
		if ev.Type != EventReady {
			t.Fatalf("first observed = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("observer saw nothing")
	}
	ev := <-obs
	if ev.Type != EventOutbound || ev.Outbound.Chat != "628123@s.whatsapp.net" {
		t.Fatalf("second observed = %+v", ev)
	}

	// Outbound records are for observers only.
	if _, ok := mb.Consume(context.Background()); !ok {
		t.Fatal("ready event missing from stream")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if ev, ok := mb.Consume(ctx); ok {
		t.Fatalf("unexpected stream event %s", ev.Type)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	mb := NewMessageBus(1)
	mb.Close()
	if mb.Publish(Event{Type: EventReady}) {
		t.Fatal("publish on a closed bus should report false")
	}
	select {
	case <-mb.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestTerminalReasons(t *testing.T) {
	for _, r := range []DisconnectReason{ReasonNetwork, ReasonServerClose, ReasonClientOutdated, ReasonStreamReplaced, ReasonConnectFailure} {
		if r.Terminal() {
			t.Errorf("%s should be transient", r)
		}
	}
	if !ReasonLoggedOut.Terminal() {
		t.Error("logged_out should be terminal")
	}
}
