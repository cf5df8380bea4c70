package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("notification.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindNotificationCreated, Timestamp: time.Now(), Recipient: "u1", Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindNotificationCreated {
			t.Errorf("got kind %q, want %s", evt.Kind, KindNotificationCreated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("intercept.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindNotificationRead})
	b.Publish(Event{Kind: KindInterceptUnread})

	select {
	case evt := <-ch:
		if evt.Kind != KindInterceptUnread {
			t.Errorf("got kind %q, want %s", evt.Kind, KindInterceptUnread)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the notification event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("notification.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindNotificationCreated})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	var dropped []string
	b.OnDrop(func(evt Event) { dropped = append(dropped, evt.Kind) })
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if len(dropped) != 1 || dropped[0] != "test.two" {
		t.Errorf("dropped = %v, want [test.two]", dropped)
	}
}

func TestEventAddressing(t *testing.T) {
	tests := []struct {
		name string
		evt  Event
		user string
		role string
		want bool
	}{
		{"recipient match", Event{Recipient: "u1"}, "u1", "client", true},
		{"recipient mismatch", Event{Recipient: "u1"}, "u2", "client", false},
		{"role broadcast", Event{Role: "admin"}, "op1", "admin", true},
		{"role broadcast other role", Event{Role: "admin"}, "u1", "client", false},
		{"global", Event{}, "u1", "provider", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.evt.For(tt.user, tt.role); got != tt.want {
				t.Errorf("For(%q, %q) = %v, want %v", tt.user, tt.role, got, tt.want)
			}
		})
	}
}
