package dosing

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/constraint"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/pump"
)

// #region engine

// Engine decides whether a recommendation has to be sent to the pump.
type Engine struct {
	config   Config
	profiles ProfileSource
	now      func() time.Time
}

// NewEngine creates an engine with the given configuration.
func NewEngine(config Config, profiles ProfileSource) *Engine {
	return &Engine{config: config, profiles: profiles, now: time.Now}
}

// WithClock replaces the engine's time source. Replays pin it to the
// recorded decision time.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.config
}

// IsChangeRequired is the boolean view of Evaluate.
func (e *Engine) IsChangeRequired(rec Recommendation, device pump.DeviceState) bool {
	return e.Evaluate(rec, device).Required
}

// Evaluate applies closed-loop passthrough or open-loop hysteresis.
// It never panics and fails closed when no profile is available.
func (e *Engine) Evaluate(rec Recommendation, device pump.DeviceState) Verdict {
	if e.config.ClosedLoop {
		if rec.Pending() {
			return verdict(true, "closed loop: instruction pending")
		}
		return verdict(false, "closed loop: no request")
	}

	if !rec.Pending() {
		return verdict(false, "no request")
	}

	profile, ok := e.profiles.Profile()
	if !ok {
		log.Printf("[DOSING] ERROR no profile, suppressing change")
		return Verdict{Required: false, Reason: "no profile", Err: ErrProfileUnavailable}
	}

	// A bolus is never held back by the basal hysteresis band.
	if !rec.TempRequested() {
		return verdict(true, "bolus requested")
	}

	now := e.now()
	active := device.ActiveTemp
	if active != nil && !active.RunningAt(now) {
		active = nil
	}

	if rec.Mode == ModePercent {
		return e.evaluatePercent(rec, device, active, profile, now)
	}
	return e.evaluateAbsolute(rec, device, active, profile, now)
}

func (e *Engine) evaluatePercent(rec Recommendation, device pump.DeviceState, active *pump.ActiveTemp, profile Profile, now time.Time) Verdict {
	if active == nil && rec.Percent == 100 {
		return verdict(false, "no temp running, 100% equals doing nothing")
	}
	activePercent := 100
	if active != nil {
		activePercent = ConvertToPercent(*active, profile, now)
		if math.Abs(float64(rec.Percent-activePercent)) < device.Limits.BasalStep {
			return verdict(false, "temp equal")
		}
	}
	if rec.Percent == 0 {
		return verdict(true, "zero temp")
	}
	if device.Limits.MaxPercent > 0 && rec.Percent == device.Limits.MaxPercent {
		return verdict(true, "pump limit")
	}
	change := float64(rec.Percent) / float64(activePercent)
	return e.band(change)
}

func (e *Engine) evaluateAbsolute(rec Recommendation, device pump.DeviceState, active *pump.ActiveTemp, profile Profile, now time.Time) Verdict {
	if active == nil && rec.Rate == device.BaseBasalRate {
		return verdict(false, "no temp running, rate equals base basal")
	}
	base := profile.BasalAt(now)
	if base <= 0 {
		base = device.BaseBasalRate
	}
	if active != nil {
		base = ConvertToAbsolute(*active, profile, now)
		if math.Abs(rec.Rate-base) < device.Limits.BasalStep {
			return verdict(false, "temp equal")
		}
	}
	if rec.Rate == 0 {
		return verdict(true, "zero temp")
	}
	if device.Limits.MaxAbsoluteRate > 0 && rec.Rate == device.Limits.MaxAbsoluteRate {
		return verdict(true, "pump limit")
	}
	if base <= 0 {
		return verdict(true, "no usable base rate to compare against")
	}
	return e.band(rec.Rate / base)
}

// band reports a change when change falls outside [1-f, 1+f].
func (e *Engine) band(change float64) Verdict {
	low := 1 - e.config.MinChangeFraction
	high := 1 + e.config.MinChangeFraction
	if change < low || change > high {
		return verdict(true, fmt.Sprintf("outside allowed range %.0f%%", change*100))
	}
	return verdict(false, fmt.Sprintf("inside allowed range %.0f%%", change*100))
}

func verdict(required bool, reason string) Verdict {
	if required {
		log.Printf("[DOSING] TRUE: %s", reason)
	} else {
		log.Printf("[DOSING] FALSE: %s", reason)
	}
	return Verdict{Required: required, Reason: reason}
}

// #endregion engine

// #region limiters

// Limits bundles the limiter chains for each delivered quantity.
type Limits struct {
	Base    float64 // device base basal rate the chains were built for
	Rate    []constraint.Limiter[float64]
	Percent []constraint.Limiter[int]
	SMB     []constraint.Limiter[float64]
}

// Limiters builds the standard safety chains for the given device.
func (e *Engine) Limiters(device pump.DeviceState) Limits {
	base := device.BaseBasalRate
	l := Limits{
		Base: base,
		Rate: []constraint.Limiter[float64]{
			constraint.ClampMin("non-negative", 0.0),
			constraint.ClampMax("pump max rate", device.Limits.MaxAbsoluteRate),
			constraint.ClampMax("max basal", e.config.MaxBasal),
			constraint.ClampMax("max current basal multiplier", base*e.config.MaxCurrentBasalMultiplier),
			constraint.FloorToStep("basal step", device.Limits.BasalStep),
		},
		Percent: []constraint.Limiter[int]{
			constraint.ClampMin("non-negative", 0),
			constraint.ClampMax("pump max percent", device.Limits.MaxPercent),
			constraint.ClampMax("max current basal multiplier", int(math.Floor(e.config.MaxCurrentBasalMultiplier*100))),
		},
		SMB: []constraint.Limiter[float64]{
			constraint.ClampMin("non-negative", 0.0),
			constraint.ClampMax("max bolus", e.config.MaxBolus),
			constraint.FloorToStep("bolus step", device.Limits.BolusStep),
		},
	}
	if base > 0 && e.config.MaxBasal > 0 {
		l.Percent = append(l.Percent, constraint.ClampMax("max basal", int(math.Floor(e.config.MaxBasal/base*100))))
	}
	return l
}

// #endregion limiters

// #region decide

// BuildDecision runs the recommendation through the limiter chains and
// assembles the immutable decision. The verdict is recorded as given.
func (e *Engine) BuildDecision(rec Recommendation, limits Limits, verdict Verdict) Decision {
	d := Decision{
		rec:       rec,
		required:  verdict.Required,
		verdict:   verdict.Reason,
		err:       verdict.Err,
		base:      limits.Base,
		id:        uuid.New().String(),
		createdAt: e.now(),
	}
	if rec.Carbs != nil {
		c := *rec.Carbs
		d.rec.Carbs = &c
	}

	switch {
	case rec.LetsTempRun():
		d.rate = constraint.Fixed(LetTempRun)
	case rec.Mode == ModeAbsolute:
		d.rate = constraint.Apply(rec.Rate, limits.Rate...)
	default:
		d.percent = constraint.Apply(rec.Percent, limits.Percent...)
	}
	d.smb = constraint.Apply(rec.SMB, limits.SMB...)

	d.reason = rec.Reason
	for _, r := range []string{d.rate.Reasons(), d.percent.Reasons(), d.smb.Reasons()} {
		if r == "" {
			continue
		}
		if d.reason != "" {
			d.reason += "; "
		}
		d.reason += r
	}
	return d
}

// Decide constrains rec, evaluates the constrained result against the
// device and returns the decision.
func (e *Engine) Decide(rec Recommendation, device pump.DeviceState) Decision {
	if err := rec.Validate(); err != nil {
		log.Printf("[DOSING] ERROR invalid recommendation: %v", err)
		return e.BuildDecision(rec, Limits{}, Verdict{Reason: "invalid recommendation", Err: err})
	}
	limits := e.Limiters(device)
	draft := e.BuildDecision(rec, limits, Verdict{})
	v := e.Evaluate(draft.Constrained(), device)
	return e.BuildDecision(rec, limits, v)
}

// #endregion decide
