package main

import (
	"testing"
	"time"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/dosing"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/pump"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

func TestSeedFromDriver_FreshStartAllowsZeroTemp(t *testing.T) {
	state := pump.NewStateHolder()
	driver := pump.NewVirtualDriver(pump.DefaultVirtualConfig())
	now := time.Date(2026, 2, 1, 7, 0, 0, 0, time.UTC)

	seedFromDriver(state, driver, now)

	st := state.Load()
	if st.BaseBasalRate != 1.0 || st.Limits.MaxAbsoluteRate != 15.0 {
		t.Fatalf("expected state seeded from driver, got %+v", st)
	}
	if st.Phase != pump.PhaseDisconnected {
		t.Fatalf("expected disconnected phase, got %s", st.Phase)
	}

	q := queue.NewQueue()
	profiles := orchestrator.DeviceProfile{State: state}
	orch := orchestrator.NewOrchestrator(dosing.NewEngine(dosing.DefaultConfig(), profiles), profiles, q, state, nil)

	d := orch.HandleRecommendation(dosing.Recommendation{
		Mode:               dosing.ModeAbsolute,
		Rate:               0,
		DurationMinutes:    30,
		TempBasalRequested: true,
		IssuedAt:           now,
	})
	if d.Outcome() != dosing.OutcomeEnqueue {
		t.Fatalf("expected zero temp enqueued on a fresh start, got %s (%v)", d.Outcome(), d.Err())
	}
	if !q.IsQueued(queue.KindSetTempAbsolute) {
		t.Fatal("expected a temp basal command in the queue")
	}
}

func TestSeedFromDriver_KeepsRestoredState(t *testing.T) {
	state := pump.NewStateHolder()
	state.Store(pump.DeviceState{Phase: pump.PhaseDisconnected, BaseBasalRate: 0.7})

	seedFromDriver(state, pump.NewVirtualDriver(pump.DefaultVirtualConfig()), time.Now())

	if got := state.Load().BaseBasalRate; got != 0.7 {
		t.Fatalf("expected restored base 0.7 kept, got %v", got)
	}
}
