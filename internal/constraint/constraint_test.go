package constraint

import (
	"math"
	"strings"
	"testing"
)

func TestApply_ChainedClampMax(t *testing.T) {
	c := Apply(10.0, ClampMax("pump max", 5.0), ClampMax("user max", 3.0))

	if c.Value() != 3.0 {
		t.Fatalf("expected 3.0, got %f", c.Value())
	}
	entries := c.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Original != 10.0 || entries[0].Applied != 5.0 {
		t.Errorf("first entry: expected 10 -> 5, got %f -> %f", entries[0].Original, entries[0].Applied)
	}
	if entries[1].Original != 5.0 || entries[1].Applied != 3.0 {
		t.Errorf("second entry: expected 5 -> 3, got %f -> %f", entries[1].Original, entries[1].Applied)
	}
	if c.MostLimiting() != "user max" {
		t.Errorf("expected most limiting 'user max', got %q", c.MostLimiting())
	}
}

func TestApply_NoChangeStillRecorded(t *testing.T) {
	c := Apply(3.0, ClampMax("pump max", 10.0))

	if c.Value() != 3.0 {
		t.Fatalf("expected 3.0, got %f", c.Value())
	}
	entries := c.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Outcome != OutcomeUnchanged {
		t.Errorf("expected unchanged outcome, got %s", entries[0].Outcome)
	}
	if len(c.Changed()) != 0 {
		t.Error("expected no changed entries")
	}
	if c.Reasons() != "" {
		t.Errorf("expected empty reasons, got %q", c.Reasons())
	}
}

func TestApply_AbstainPassesThrough(t *testing.T) {
	c := Apply(4.0, ClampMax("broken", math.NaN()), ClampMax("zero", 0.0), Limiter[float64]{Name: "nil fn"})

	if c.Value() != 4.0 {
		t.Fatalf("expected 4.0, got %f", c.Value())
	}
	for _, e := range c.Entries() {
		if e.Outcome != OutcomeAbstained {
			t.Errorf("%s: expected abstained, got %s", e.Limiter, e.Outcome)
		}
	}
}

func TestApply_NeverWidens(t *testing.T) {
	widen := Limiter[float64]{
		Name:  "misbehaving",
		Bound: Upper,
		Fn:    func(v float64) (float64, bool) { return v * 2, true },
	}
	c := Apply(2.0, ClampMax("cap", 1.0), widen)
	if c.Value() != 1.0 {
		t.Fatalf("upper limiter widened value to %f", c.Value())
	}

	// A lower bound may not lift the value above an earlier cap.
	c = Apply(5.0, ClampMax("cap", 1.0), ClampMin("floor", 2.0))
	if c.Value() != 1.0 {
		t.Fatalf("lower limiter lifted value above cap: %f", c.Value())
	}
}

func TestApply_ClampMinRaises(t *testing.T) {
	c := Apply(-0.5, ClampMin("non-negative", 0.0))
	if c.Value() != 0 {
		t.Fatalf("expected 0, got %f", c.Value())
	}
	if c.Entries()[0].Outcome != OutcomeChanged {
		t.Error("expected changed outcome")
	}
}

func TestApply_IntValues(t *testing.T) {
	c := Apply(250, ClampMax("pump max percent", 200))
	if c.Value() != 200 {
		t.Fatalf("expected 200, got %d", c.Value())
	}
	if !strings.Contains(c.Reasons(), "pump max percent: 250 -> 200") {
		t.Errorf("unexpected reasons: %q", c.Reasons())
	}
}

func TestFloorToStep(t *testing.T) {
	tests := []struct {
		in, step, want float64
	}{
		{1.37, 0.05, 1.35},
		{0.3, 0.1, 0.3},
		{2.0, 0.5, 2.0},
		{0.04, 0.05, 0},
	}
	for _, tt := range tests {
		c := Apply(tt.in, FloorToStep("step", tt.step))
		if math.Abs(c.Value()-tt.want) > 1e-9 {
			t.Errorf("FloorToStep(%f, %f) = %f, want %f", tt.in, tt.step, c.Value(), tt.want)
		}
	}

	c := Apply(1.37, FloorToStep("step", 0))
	if c.Entries()[0].Outcome != OutcomeAbstained {
		t.Error("expected zero step to abstain")
	}
}

func TestEntriesIsCopy(t *testing.T) {
	c := Apply(10.0, ClampMax("cap", 5.0))
	e := c.Entries()
	e[0].Applied = 99
	if c.Entries()[0].Applied != 5.0 {
		t.Fatal("mutating Entries() result changed the constraint")
	}
}
