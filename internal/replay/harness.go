package replay

import (
	"time"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/dosing"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/logging"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/pump"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

// #region types
// Step is a single recorded algorithm run for replay.
type Step struct {
	StepID         string
	At             time.Time
	ProfileBasal   float64 // U/h; 0 means no active profile
	Recommendation dosing.Recommendation
}

// ReplayResult captures the outcome of replaying one step through the engine.
type ReplayResult struct {
	StepID   string
	Action   string // "enqueue" | "no_change" | "error"
	Reason   string
	Decision dosing.Decision
	Commands []queue.Kind

	// Device state after the step's commands were applied
	Device pump.DeviceState
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalSteps  int
	Enqueued    int
	NoChange    int
	Errors      int
	FinalDevice pump.DeviceState
}

// #endregion types

// #region replay
// Replay runs each step through the dosing engine and applies the resulting
// commands to a simulated device, so later steps see the temps earlier ones
// set. Operates entirely in-memory.
func Replay(start pump.DeviceState, steps []Step, config dosing.Config) []ReplayResult {
	device := start.Clone()
	results := make([]ReplayResult, 0, len(steps))

	for _, step := range steps {
		d := decide(config, step, device)
		cmds := d.Commands("replay")
		for _, c := range cmds {
			device = apply(device, c, step.At)
		}
		results = append(results, result(step.StepID, d, cmds, device))
	}
	return results
}

// ReplayRecord re-decides a persisted decision from its own inputs. A
// record made without a profile replays without one.
func ReplayRecord(r logging.DecisionRecord) ReplayResult {
	step := Step{
		StepID:         r.DecisionID,
		At:             r.DecidedAt,
		ProfileBasal:   r.ProfileBasal,
		Recommendation: r.Recommendation,
	}
	device := r.Device.Clone()
	d := decide(r.Thresholds.Config(), step, device)
	cmds := d.Commands("replay")
	for _, c := range cmds {
		device = apply(device, c, step.At)
	}
	return result(step.StepID, d, cmds, device)
}

func decide(config dosing.Config, step Step, device pump.DeviceState) dosing.Decision {
	source := dosing.StaticSource{}
	if step.ProfileBasal > 0 {
		source.P = dosing.FlatProfile(step.ProfileBasal)
	}
	at := step.At
	engine := dosing.NewEngine(config, source).WithClock(func() time.Time { return at })
	return engine.Decide(step.Recommendation, device)
}

func result(stepID string, d dosing.Decision, cmds []*queue.Command, device pump.DeviceState) ReplayResult {
	r := ReplayResult{
		StepID:   stepID,
		Action:   d.Outcome(),
		Reason:   d.Verdict(),
		Decision: d,
		Device:   device.Clone(),
	}
	if d.Err() != nil {
		r.Reason = d.Err().Error()
	}
	for _, c := range cmds {
		r.Commands = append(r.Commands, c.Kind)
	}
	return r
}

// apply mirrors what a pump does with a command that succeeds.
func apply(device pump.DeviceState, cmd *queue.Command, at time.Time) pump.DeviceState {
	p := cmd.Payload
	switch cmd.Kind {
	case queue.KindSetTempAbsolute:
		device.ActiveTemp = &pump.ActiveTemp{Mode: pump.TempAbsolute, Rate: p.Rate, StartedAt: at, PlannedDurationMinutes: p.DurationMinutes}
	case queue.KindSetTempPercent:
		device.ActiveTemp = &pump.ActiveTemp{Mode: pump.TempPercent, Percent: p.Percent, StartedAt: at, PlannedDurationMinutes: p.DurationMinutes}
	case queue.KindCancelTemp:
		device.ActiveTemp = nil
	}
	device.UpdatedAt = at
	return device
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult, start pump.DeviceState) ReplaySummary {
	s := ReplaySummary{
		TotalSteps:  len(results),
		FinalDevice: start,
	}
	for _, r := range results {
		switch r.Action {
		case dosing.OutcomeEnqueue:
			s.Enqueued++
		case dosing.OutcomeNoChange:
			s.NoChange++
		case dosing.OutcomeError:
			s.Errors++
		}
		s.FinalDevice = r.Device
	}
	return s
}

// #endregion replay
