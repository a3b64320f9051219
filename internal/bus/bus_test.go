package bus

import "testing"

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe(8)
	defer cancel()

	for i := 1; i <= 3; i++ {
		b.Publish(Event{Type: CountUpdated, Counter: i})
	}

	for want := 1; want <= 3; want++ {
		ev := <-ch
		if ev.Counter != want {
			t.Fatalf("got counter %d, want %d", ev.Counter, want)
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe(2)
	defer cancel()

	// Three publishes into a queue of two: the first event must be shed.
	b.Publish(Event{Type: CountUpdated, Counter: 1})
	b.Publish(Event{Type: CountUpdated, Counter: 2})
	b.Publish(Event{Type: CountUpdated, Counter: 3})

	first := <-ch
	if first.Counter != 2 {
		t.Fatalf("oldest surviving event has counter %d, want 2", first.Counter)
	}
	second := <-ch
	if second.Counter != 3 {
		t.Fatalf("second surviving event has counter %d, want 3", second.Counter)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe(1)
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}

	// Publishing after cancel must not panic.
	b.Publish(Event{Type: StateChanged})
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe(1)
	b.Close()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after bus close")
	}

	// Subscribing after close yields an already-closed channel.
	ch2, cancel := b.Subscribe(1)
	defer cancel()
	if _, ok := <-ch2; ok {
		t.Fatal("post-close subscription should be closed")
	}
}

func TestEventTypeStrings(t *testing.T) {
	types := []Type{
		CountUpdated, ProgressUpdated, StateChanged, DeviceHeartbeat,
		DeviceReset, StaleCounterDetected, LecturaCompleted,
		IncrementRejected, SyncStarted, SyncCompleted, EngineFailed,
	}
	seen := make(map[string]bool)
	for _, ty := range types {
		s := ty.String()
		if s == "UNKNOWN" {
			t.Errorf("type %d has no name", ty)
		}
		if seen[s] {
			t.Errorf("duplicate name %q", s)
		}
		seen[s] = true
	}
	if Type(0).String() != "UNKNOWN" {
		t.Error("zero type should be UNKNOWN")
	}
}
