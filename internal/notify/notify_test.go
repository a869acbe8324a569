package notify

import (
	"context"
	"testing"
)

func TestHubDeliversToSubscribers(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch1, cancel1 := hub.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := hub.Subscribe(4)
	defer cancel2()

	hub.Publish(ctx, Event{
		Type:       TypeSuccess,
		UserID:     "user-1",
		EntityID:   "cluster-1",
		EntityType: "cluster",
		Payload:    map[string]interface{}{"link": "https://example.com"},
	})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeSuccess || ev.EntityID != "cluster-1" {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
			if ev.At.IsZero() {
				t.Errorf("subscriber %d event has no timestamp", i)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestHubFullBufferDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Publish(ctx, Event{Type: TypeStatusChanged, EntityID: "a"})
	// Buffer full now; this publish must return instead of blocking.
	hub.Publish(ctx, Event{Type: TypeStatusChanged, EntityID: "b"})

	ev := <-ch
	if ev.EntityID != "a" {
		t.Errorf("got %q, want the first event", ev.EntityID)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected second event %+v", extra)
	default:
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(1)

	cancel()
	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}

	// Double cancel is safe, and publishes after cancel go nowhere.
	cancel()
	hub.Publish(context.Background(), Event{Type: TypeError, EntityID: "x"})
}

func TestMultiFansOut(t *testing.T) {
	hub1 := NewHub()
	hub2 := NewHub()
	ch1, cancel1 := hub1.Subscribe(1)
	defer cancel1()
	ch2, cancel2 := hub2.Subscribe(1)
	defer cancel2()

	multi := Multi{hub1, hub2}
	multi.Publish(context.Background(), Event{Type: TypeError, Alias: AliasDeployError, EntityID: "site-1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Alias != AliasDeployError {
				t.Errorf("notifier %d alias = %s", i, ev.Alias)
			}
			if ev.At.IsZero() {
				t.Errorf("notifier %d event has no timestamp", i)
			}
		default:
			t.Fatalf("notifier %d received nothing", i)
		}
	}
}
