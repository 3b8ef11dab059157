package events_test

import (
	"sync/atomic"
	"testing"
	"time"

	"volarbiter/internal/events"
)

func TestHubFiltersByResource(t *testing.T) {
	hub := events.NewHub(4)
	all, cancelAll := hub.Subscribe("")
	defer cancelAll()
	one, cancelOne := hub.Subscribe("a")
	defer cancelOne()

	hub.Notify(events.Event{Type: events.TypeAcquired, Resource: "a"})
	hub.Notify(events.Event{Type: events.TypeAcquired, Resource: "b"})

	if got := len(all); got != 2 {
		t.Fatalf("wildcard subscriber got %d events, want 2", got)
	}
	if got := len(one); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	if e := <-one; e.Resource != "a" {
		t.Fatalf("filtered subscriber got %q", e.Resource)
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := events.NewHub(1)
	var onDrop atomic.Int64
	hub.OnDrop = func(events.Event) { onDrop.Add(1) }

	_, cancel := hub.Subscribe("")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			hub.Notify(events.Event{Type: events.TypeRenewed, Resource: "a"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Notify blocked on a full subscriber")
	}

	if hub.Dropped() != 4 || onDrop.Load() != 4 {
		t.Fatalf("dropped = %d, OnDrop calls = %d, want 4", hub.Dropped(), onDrop.Load())
	}
}

func TestHubCancelAndClose(t *testing.T) {
	hub := events.NewHub(0)
	ch, cancel := hub.Subscribe("")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel open after cancel")
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("subscribers = %d after cancel", hub.Subscribers())
	}

	ch2, cancel2 := hub.Subscribe("x")
	hub.Close()
	if _, ok := <-ch2; ok {
		t.Fatalf("channel open after Close")
	}
	cancel2()
	hub.Notify(events.Event{Type: events.TypeAcquired, Resource: "x"})

	late, _ := hub.Subscribe("")
	if _, ok := <-late; ok {
		t.Fatalf("subscribe after Close returned open channel")
	}
}

func TestEventRoundTrip(t *testing.T) {
	e := events.Event{Type: events.TypeTransferred, Resource: "v", From: "producer", To: "consumer", FencingToken: 9}
	b, err := e.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := events.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.From != "producer" || got.To != "consumer" || got.FencingToken != 9 {
		t.Fatalf("decoded = %+v", got)
	}
}
