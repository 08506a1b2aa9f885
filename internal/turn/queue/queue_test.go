package queue

import (
	"context"
	"testing"

	"github.com/haasonsaas/nexus/internal/turn/bus"
	"github.com/haasonsaas/nexus/pkg/models"
)

func text(s string) []models.ContentPart {
	return []models.ContentPart{{Type: models.ContentPartText, Text: s}}
}

func TestEnqueueAssignsFIFOPositions(t *testing.T) {
	q := New(bus.New(nil), "s1", 0)

	_, pos1, err := q.Enqueue(text("a"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, pos2, err := q.Enqueue(text("b"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if pos1 != 1 || pos2 != 2 {
		t.Fatalf("expected positions 1,2 got %d,%d", pos1, pos2)
	}
}

func TestEnqueueEmitsMessageQueued(t *testing.T) {
	b := bus.New(nil)
	q := New(b, "s1", 0)

	got := make(chan bus.Event, 1)
	b.On(context.Background(), bus.EventMessageQueued, func(e bus.Event) { got <- e })

	id, pos, err := q.Enqueue(text("a"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	e := <-got
	payload, ok := e.Payload.(bus.MessageQueuedPayload)
	if !ok {
		t.Fatalf("unexpected payload type: %T", e.Payload)
	}
	if payload.ID != id || payload.Position != pos {
		t.Fatalf("payload mismatch: %+v want id=%s pos=%d", payload, id, pos)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := New(bus.New(nil), "s1", 1)

	if _, _, err := q.Enqueue(text("a")); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, _, err := q.Enqueue(text("b")); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestDrainReturnsFIFOOrderAndEmptiesQueue(t *testing.T) {
	q := New(bus.New(nil), "s1", 0)
	q.Enqueue(text("a"))
	q.Enqueue(text("b"))

	drained := q.Drain()
	if len(drained) != 2 || drained[0].Content[0].Text != "a" || drained[1].Content[0].Text != "b" {
		t.Fatalf("unexpected drain order: %+v", drained)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after drain, got len %d", q.Len())
	}
}

func TestDrainEmitsMessageDequeuedPerItem(t *testing.T) {
	b := bus.New(nil)
	q := New(b, "s1", 0)
	id1, _, _ := q.Enqueue(text("a"))
	id2, _, _ := q.Enqueue(text("b"))

	var got []bus.MessageDequeuedPayload
	b.On(context.Background(), bus.EventMessageDequeued, func(e bus.Event) {
		got = append(got, e.Payload.(bus.MessageDequeuedPayload))
	})

	q.Drain()

	if len(got) != 2 || got[0].ID != id1 || got[1].ID != id2 {
		t.Fatalf("unexpected dequeued events: %+v", got)
	}
}

func TestEnqueueThenRemoveLeavesLengthUnchanged(t *testing.T) {
	q := New(bus.New(nil), "s1", 0)
	before := q.Len()

	id, _, err := q.Enqueue(text("a"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !q.Remove(id) {
		t.Fatal("Remove returned false for a just-enqueued id")
	}

	if q.Len() != before {
		t.Fatalf("queue length changed: before=%d after=%d", before, q.Len())
	}
}

func TestRemoveUnknownIDReturnsFalse(t *testing.T) {
	q := New(bus.New(nil), "s1", 0)
	if q.Remove("nonexistent") {
		t.Fatal("expected Remove to return false for unknown id")
	}
}

func TestClearDiscardsAllAndReturnsCount(t *testing.T) {
	q := New(bus.New(nil), "s1", 0)
	q.Enqueue(text("a"))
	q.Enqueue(text("b"))

	n := q.Clear()
	if n != 2 {
		t.Fatalf("expected Clear to report 2 discarded, got %d", n)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after Clear, got len %d", q.Len())
	}
}

func TestSnapshotDoesNotDrain(t *testing.T) {
	q := New(bus.New(nil), "s1", 0)
	q.Enqueue(text("a"))

	snap := q.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected snapshot of 1, got %d", len(snap))
	}
	if q.Len() != 1 {
		t.Fatalf("Snapshot should not drain the queue, len=%d", q.Len())
	}
}
