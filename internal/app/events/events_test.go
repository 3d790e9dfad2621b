package events

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRingBuffer_Log(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Log(Event{Type: TypeMessageAccepted, MessageID: "m-1"})

	if rb.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", rb.Count())
	}
	recent := rb.Recent(1)
	if len(recent) != 1 || recent[0].MessageID != "m-1" {
		t.Fatalf("unexpected recent events %+v", recent)
	}
	if recent[0].ID == "" {
		t.Error("ID should be generated")
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 10; i++ {
		rb.Log(Event{Type: TypeMessageSent, Message: string(rune('A' + i))})
	}
	if rb.Count() != 5 {
		t.Fatalf("Count() = %d, want 5", rb.Count())
	}
	recent := rb.Recent(10)
	if len(recent) != 5 {
		t.Fatalf("Recent len = %d, want 5", len(recent))
	}
	if recent[0].Message != "J" || recent[4].Message != "F" {
		t.Fatalf("unexpected order: first %q last %q", recent[0].Message, recent[4].Message)
	}
}

func TestRingBuffer_RecentByMessageAndType(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Log(Event{Type: TypeMessageAccepted, MessageID: "a"})
	rb.Log(Event{Type: TypeMessageAccepted, MessageID: "b"})
	rb.Log(Event{Type: TypeMessageDelivered, MessageID: "a"})

	if got := rb.RecentByMessage("a", 10); len(got) != 2 || got[0].Type != TypeMessageDelivered {
		t.Fatalf("RecentByMessage = %+v", got)
	}
	if got := rb.RecentByType(TypeMessageAccepted, 10); len(got) != 2 {
		t.Fatalf("RecentByType len = %d, want 2", len(got))
	}
	if got := rb.Recent(0); got != nil {
		t.Fatalf("Recent(0) = %+v, want nil", got)
	}
}

func TestRingBuffer_Subscribe(t *testing.T) {
	rb := NewRingBuffer(10)

	var all, failed atomic.Int32
	unsubscribe := rb.Subscribe(func(Event) { all.Add(1) })
	rb.SubscribeFiltered(func(e Event) bool { return e.Type == TypeMessageFailed }, func(Event) { failed.Add(1) })

	rb.Log(Event{Type: TypeMessageFailed})
	rb.Log(Event{Type: TypeMessageDelivered})
	unsubscribe()
	rb.Log(Event{Type: TypeMessageFailed})

	if all.Load() != 2 {
		t.Fatalf("subscriber saw %d events, want 2", all.Load())
	}
	if failed.Load() != 2 {
		t.Fatalf("filtered subscriber saw %d events, want 2", failed.Load())
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(100)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rb.Log(Event{Type: TypeSessionState})
				_ = rb.Recent(5)
			}
		}()
	}
	wg.Wait()
	if rb.Count() != 100 {
		t.Fatalf("Count() = %d, want 100", rb.Count())
	}
}
