package queue

import (
	"sync"
	"testing"
)

func TestEnqueuePickupFIFO(t *testing.T) {
	q := NewQueue()
	q.Enqueue(New(KindDeliverBolus, Payload{Units: 0.5}, "loop"))
	q.Enqueue(New(KindSetProfile, Payload{ProfileName: "day"}, "user"))
	q.Enqueue(New(KindCustom, Payload{Custom: map[string]string{"action": "beep"}}, "user"))

	if q.Size() != 3 {
		t.Fatalf("expected 3 pending, got %d", q.Size())
	}

	first := q.Pickup()
	if first == nil || first.Kind != KindDeliverBolus {
		t.Fatalf("expected bolus first, got %+v", first)
	}
	if first.Status != StatusExecuting {
		t.Fatalf("expected executing, got %s", first.Status)
	}
	if q.Pickup() != nil {
		t.Fatal("second pickup while executing must return nil")
	}
	if err := q.Finish(first, true, "ok"); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if first.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", first.Status)
	}

	second := q.Pickup()
	if second == nil || second.Kind != KindSetProfile {
		t.Fatalf("expected set profile second, got %+v", second)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("expected increasing seq, got %d then %d", first.Seq, second.Seq)
	}
	if err := q.Finish(second, false, "pump refused"); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if second.Status != StatusFailed || second.Comment != "pump refused" {
		t.Fatalf("unexpected terminal state %s %q", second.Status, second.Comment)
	}
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	q := NewQueue()
	cmd := New(KindReadStatus, Payload{}, "refresh")
	if !q.Enqueue(cmd) {
		t.Fatal("expected enqueue to succeed")
	}
	if cmd.ID == "" {
		t.Error("expected non-empty ID")
	}
	if cmd.Status != StatusPending {
		t.Errorf("expected pending, got %s", cmd.Status)
	}
	if cmd.EnqueuedAt.IsZero() {
		t.Error("expected enqueue time")
	}
	select {
	case <-q.Ready():
	default:
		t.Error("expected ready signal")
	}
}

func TestTempBasalSupersedesPending(t *testing.T) {
	q := NewQueue()
	q.Enqueue(New(KindSetTempAbsolute, Payload{Rate: 1.2, DurationMinutes: 30}, "loop"))
	q.Enqueue(New(KindDeliverBolus, Payload{Units: 0.3}, "loop"))
	q.Enqueue(New(KindSetTempPercent, Payload{Percent: 150, DurationMinutes: 30}, "loop"))

	pending := q.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].Kind != KindDeliverBolus || pending[1].Kind != KindSetTempPercent {
		t.Fatalf("unexpected order: %s, %s", pending[0].Kind, pending[1].Kind)
	}

	q.Enqueue(New(KindCancelTemp, Payload{}, "user"))
	pending = q.Pending()
	if len(pending) != 2 || pending[1].Kind != KindCancelTemp {
		t.Fatalf("expected cancel to replace percent temp, got %+v", pending)
	}
}

func TestDuplicateStatusReadSkipped(t *testing.T) {
	q := NewQueue()
	if !q.Enqueue(New(KindReadStatus, Payload{}, "refresh")) {
		t.Fatal("first read should be accepted")
	}
	if q.Enqueue(New(KindReadStatus, Payload{}, "refresh")) {
		t.Fatal("second read should be skipped")
	}
	if q.Size() != 1 {
		t.Fatalf("expected 1 pending, got %d", q.Size())
	}
}

func TestClearDropsAllPending(t *testing.T) {
	q := NewQueue()
	a := New(KindDeliverBolus, Payload{Units: 1}, "user")
	q.Enqueue(a)
	q.Enqueue(New(KindSetProfile, Payload{ProfileName: "night"}, "user"))
	q.Enqueue(New(KindReadStatus, Payload{}, "refresh"))

	executing := q.Pickup()
	if n := q.Clear(); n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if q.Size() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Size())
	}
	if q.Performing() == nil || q.Performing().ID != executing.ID {
		t.Fatal("clear must not touch the executing command")
	}
	if q.Idle() {
		t.Fatal("queue with executing command is not idle")
	}
	q.Finish(executing, true, "")
	if !q.Idle() {
		t.Fatal("expected idle after finish")
	}
}

func TestFinishWrongCommand(t *testing.T) {
	q := NewQueue()
	q.Enqueue(New(KindReadStatus, Payload{}, "refresh"))
	other := New(KindCancelTemp, Payload{}, "user")
	if err := q.Finish(other, true, ""); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestConcurrentEnqueue(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(New(KindDeliverBolus, Payload{Units: float64(i) / 10}, "user"))
		}(i)
	}
	wg.Wait()

	pending := q.Pending()
	if len(pending) != 50 {
		t.Fatalf("expected 50 pending, got %d", len(pending))
	}
	seen := make(map[string]bool)
	for i, c := range pending {
		if c.Seq != uint64(i+1) {
			t.Fatalf("position %d has seq %d", i, c.Seq)
		}
		if seen[c.ID] {
			t.Fatalf("duplicate id %s", c.ID)
		}
		seen[c.ID] = true
	}
}

func TestPendingReturnsCopies(t *testing.T) {
	q := NewQueue()
	q.Enqueue(New(KindCustom, Payload{Custom: map[string]string{"action": "beep"}}, "user"))
	p := q.Pending()
	p[0].Payload.Custom["action"] = "changed"
	if q.Pending()[0].Payload.Custom["action"] != "beep" {
		t.Fatal("Pending leaked internal payload map")
	}
}

func TestParseKind(t *testing.T) {
	if _, err := ParseKind("cancel_temp"); err != nil {
		t.Fatalf("ParseKind: %v", err)
	}
	if _, err := ParseKind("explode"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
