package dispatch

import (
	"testing"

	"github.com/relaytrans/relaytrans/internal/relay"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue(0)
	a, b := &relay.Session{}, &relay.Session{}
	q.Push(a)
	q.Push(b)

	got1, _, ok := q.Pop()
	if !ok || got1 != a {
		t.Fatalf("first pop = %v, want a", got1)
	}
	got2, _, ok := q.Pop()
	if !ok || got2 != b {
		t.Fatalf("second pop = %v, want b", got2)
	}
	if _, _, ok := q.Pop(); ok {
		t.Fatal("pop on empty queue should report ok=false")
	}
}

func TestQueueBoundedDropsOldest(t *testing.T) {
	q := NewQueue(2)
	a, b, c := &relay.Session{}, &relay.Session{}, &relay.Session{}
	q.Push(a)
	q.Push(b)
	q.Push(c) // should evict a

	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	if q.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", q.Dropped())
	}
	got, _, _ := q.Pop()
	if got != b {
		t.Fatalf("oldest surviving entry = %v, want b", got)
	}
}

func TestQueueUnboundedByDefault(t *testing.T) {
	q := NewQueue(0)
	for i := 0; i < 100; i++ {
		q.Push(&relay.Session{})
	}
	if q.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", q.Len())
	}
	if q.Dropped() != 0 {
		t.Fatalf("Dropped() = %d, want 0 for an unbounded queue", q.Dropped())
	}
}
