package events

import (
	"strings"
	"testing"
)

func TestFanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = b.Subscribe()
	}
	defer func() {
		for _, sub := range subs {
			b.Unsubscribe(sub)
		}
	}()

	b.Publish(EventEmailUpdated, map[string]any{"id": 7, "status": "responded"})

	for i, sub := range subs {
		select {
		case ev := <-sub.C:
			if ev.Name != EventEmailUpdated {
				t.Errorf("subscriber %d got event %q", i, ev.Name)
			}
			if !strings.Contains(string(ev.Data), `"id":7`) {
				t.Errorf("subscriber %d got data %s", i, ev.Data)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}

func TestPublishDropsOnFullChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	b.bufferSize = 2
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(EventEmailCreated, map[string]int{"id": i})
	}

	// only the first two fit; the publisher never blocked
	received := 0
	for {
		select {
		case <-sub.C:
			received++
			continue
		default:
		}
		break
	}
	if received != 2 {
		t.Errorf("received %d events, want 2", received)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Errorf("count = %d after unsubscribe", b.SubscriberCount())
	}
	if _, open := <-sub.C; open {
		t.Error("channel should be closed")
	}

	// double unsubscribe must not panic
	b.Unsubscribe(sub)

	// publishing with no subscribers is a no-op
	b.Publish(EventEmailUpdated, map[string]int{"id": 1})
}

func TestSSEFraming(t *testing.T) {
	ev := Event{Name: "email_updated", Data: []byte(`{"id":3,"status":"responded"}`)}
	got := string(ev.Frame())
	want := "event: email_updated\ndata: {\"id\":3,\"status\":\"responded\"}\n\n"
	if got != want {
		t.Errorf("Frame() = %q, want %q", got, want)
	}

	if ka := string(KeepaliveFrame()); !strings.HasPrefix(ka, ":") || !strings.HasSuffix(ka, "\n\n") {
		t.Errorf("keepalive frame = %q", ka)
	}
}
