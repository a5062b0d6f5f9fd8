package event

import (
	"testing"
	"time"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBus(4, nil)
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Type: ExecutionRequested, ExecutionID: "e1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != ExecutionRequested || e.ExecutionID != "e1" {
				t.Errorf("got %+v", e)
			}
			if e.Time.IsZero() {
				t.Error("expected timestamp to be stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := NewBus(1, nil)
	_, cancel := b.Subscribe()
	defer cancel()

	// Fill the buffer and keep publishing; the extra events must be dropped,
	// not block the publisher.
	done := make(chan struct{})
	go func() {
		for range 10 {
			b.Publish(Event{Type: ReasoningStep})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}

	if b.Dropped() == 0 {
		t.Error("expected dropped events to be counted")
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	t.Parallel()

	b := NewBus(0, nil)
	ch, cancel := b.Subscribe()
	cancel()
	cancel() // second cancel is a no-op

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}

	// Publishing after cancel must not panic.
	b.Publish(Event{Type: WorkflowCompleted})
}
