package jobs

import (
	"testing"
	"time"

	"geoaudit/internal/model"
)

func TestBusSequenceIsStrictlyIncreasing(t *testing.T) {
	bus := NewBus(16, time.Minute)
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(1, model.ProgressEvent{Stage: "crawl", Progress: i * 10, Status: model.StatusRunning})
	}
	// A second audit gets its own counter.
	bus.Publish(2, model.ProgressEvent{Stage: "crawl", Status: model.StatusRunning})

	var last uint64
	for i := 0; i < 5; i++ {
		ev := <-ch
		if ev.Seq <= last {
			t.Fatalf("seq not increasing: got %d after %d", ev.Seq, last)
		}
		if ev.AuditID != 1 {
			t.Fatalf("event leaked across audits: audit_id=%d", ev.AuditID)
		}
		last = ev.Seq
	}
	if last != 5 {
		t.Fatalf("expected final seq 5, got %d", last)
	}
}

func TestBusDropsOldestForSlowSubscribers(t *testing.T) {
	bus := NewBus(2, time.Minute)
	defer bus.Close()

	ch, cancel := bus.Subscribe(7)
	defer cancel()

	for i := 1; i <= 5; i++ {
		bus.Publish(7, model.ProgressEvent{Stage: "crawl", Progress: i, Status: model.StatusRunning})
	}

	ev := <-ch
	if ev.Seq != 4 {
		t.Fatalf("expected oldest surviving event seq 4, got %d", ev.Seq)
	}
	if ev.Dropped == 0 {
		t.Fatalf("expected dropped counter on event after overflow")
	}
	ev = <-ch
	if ev.Seq != 5 {
		t.Fatalf("expected newest event seq 5, got %d", ev.Seq)
	}
	if ev.Dropped != 3 {
		t.Fatalf("expected 3 dropped events, got %d", ev.Dropped)
	}
}

func TestBusTerminalStatusClosesSubscription(t *testing.T) {
	bus := NewBus(8, time.Minute)
	defer bus.Close()

	ch, cancel := bus.Subscribe(3)
	defer cancel()

	bus.Publish(3, model.ProgressEvent{Stage: "finalize", Progress: 100, Status: model.StatusCompleted})

	ev, ok := <-ch
	if !ok {
		t.Fatalf("expected the terminal event before close")
	}
	if ev.Status != model.StatusCompleted {
		t.Fatalf("expected completed status, got %s", ev.Status)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after terminal event")
	}
	if n := bus.Subscribers(3); n != 0 {
		t.Fatalf("expected 0 subscribers after terminal event, got %d", n)
	}
}

func TestBusSubscriptionExpiresAfterTTL(t *testing.T) {
	bus := NewBus(8, 30*time.Millisecond)
	defer bus.Close()

	ch, cancel := bus.Subscribe(9)
	defer cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event before expiry")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not expire")
	}
}

func TestBusCancelIsIdempotent(t *testing.T) {
	bus := NewBus(8, time.Minute)
	defer bus.Close()

	_, cancel := bus.Subscribe(4)
	cancel()
	cancel()

	if n := bus.Subscribers(4); n != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", n)
	}
	// Publishing to an audit with no subscribers must not block.
	bus.Publish(4, model.ProgressEvent{Stage: "crawl", Status: model.StatusRunning})
}

func TestBusCloseClosesAllSubscriptions(t *testing.T) {
	bus := NewBus(8, time.Minute)
	ch1, _ := bus.Subscribe(1)
	ch2, _ := bus.Subscribe(2)

	bus.Close()

	if _, ok := <-ch1; ok {
		t.Fatalf("expected ch1 closed")
	}
	if _, ok := <-ch2; ok {
		t.Fatalf("expected ch2 closed")
	}

	// Subscribing after close yields a closed channel.
	ch3, cancel := bus.Subscribe(3)
	defer cancel()
	if _, ok := <-ch3; ok {
		t.Fatalf("expected closed channel from closed bus")
	}
}
