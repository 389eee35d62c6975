package events

import (
	"fmt"
	"sync"
	"testing"
)

func TestBusHistoryCap(t *testing.T) {
	bus := NewBus(nil, WithHistoryCap(5))
	defer bus.Close()

	for i := 0; i < 12; i++ {
		bus.Publish(New(EventTypeTranscriptLine, map[string]string{KeyLine: fmt.Sprintf("line %d", i)}))
	}

	history := bus.History()
	if len(history) != 5 {
		t.Fatalf("expected history length 5, got %d", len(history))
	}

	// Retained tail must be the most recent events, in publish order.
	for i := 0; i < 4; i++ {
		if history[i].ID >= history[i+1].ID {
			t.Errorf("history not in publish order: id %d before %d", history[i].ID, history[i+1].ID)
		}
	}
	if got := history[4].Data[KeyLine]; got != "line 11" {
		t.Errorf("expected newest event to be 'line 11', got %q", got)
	}
	if got := history[0].Data[KeyLine]; got != "line 7" {
		t.Errorf("expected oldest retained event to be 'line 7', got %q", got)
	}
}

func TestBusSubscriberDropsOldestWhenFull(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	const queueCap = 3
	id, ch := bus.Subscribe(queueCap)
	defer bus.Unsubscribe(id)

	var last Event
	for i := 0; i < 10; i++ {
		last = New(EventTypeTranscriptLine, map[string]string{KeyLine: fmt.Sprintf("line %d", i)})
		bus.Publish(last)
	}

	if got := len(ch); got != queueCap {
		t.Fatalf("expected queue to hold exactly %d events, got %d", queueCap, got)
	}

	found := false
	for i := 0; i < queueCap; i++ {
		e := <-ch
		if e.ID == last.ID {
			found = true
		}
	}
	if !found {
		t.Error("most recently published event was not retained in the queue")
	}
}

func TestBusUnsubscribeIdempotent(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	id, _ := bus.Subscribe(0)
	bus.Unsubscribe(id)
	bus.Unsubscribe(id) // must not panic

	// Publishing after unsubscribe must not panic either.
	bus.Publish(New(EventTypeTriageStarted, nil))
}

func TestBusScopedSubscriptionRemovedOnError(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	wantErr := fmt.Errorf("boom")
	err := bus.WithSubscription(4, func(ch <-chan Event) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected error to propagate, got %v", err)
	}

	bus.mu.Lock()
	remaining := len(bus.subs)
	bus.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected 0 subscribers after scope exit, got %d", remaining)
	}
}

func TestEventIDsMonotonic(t *testing.T) {
	prev := New(EventTypeTriageStarted, nil).ID
	for i := 0; i < 100; i++ {
		e := New(EventTypeTriageStarted, nil)
		if e.ID <= prev {
			t.Fatalf("event ID %d not greater than previous %d", e.ID, prev)
		}
		prev = e.ID
	}
}

func TestBusPublishDuringCloseDoesNotPanic(t *testing.T) {
	l := openTestLog(t)
	bus := NewBus(nil, WithJournal(l))

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				bus.Publish(New(EventTypeTranscriptLine, map[string]string{KeyLine: "x"}))
			}
		}()
	}
	bus.Close()
	wg.Wait()

	// Publishing after close is a silent no-op.
	before := len(bus.History())
	bus.Publish(New(EventTypeTranscriptLine, nil))
	if got := len(bus.History()); got != before {
		t.Errorf("history grew from %d to %d after close", before, got)
	}
}
