package dosing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/constraint"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

// #region decision

// Decision is the read model handed to the queue, the UI and sync
// consumers. It is immutable once built; use Clone to hand out copies.
type Decision struct {
	id        string
	rec       Recommendation
	required  bool
	verdict   string
	err       error
	base      float64
	rate      constraint.Constraint[float64]
	percent   constraint.Constraint[int]
	smb       constraint.Constraint[float64]
	reason    string
	createdAt time.Time
}

func (d Decision) ID() string { return d.id }
func (d Decision) ChangeRequested() bool { return d.required }
func (d Decision) Verdict() string { return d.verdict }
func (d Decision) Err() error { return d.err }
func (d Decision) Reason() string { return d.reason }
func (d Decision) CreatedAt() time.Time { return d.createdAt }
func (d Decision) Mode() DeliveryMode { return d.rec.Mode }
func (d Decision) DurationMinutes() int { return d.rec.DurationMinutes }
func (d Decision) Rate() float64 { return d.rate.Value() }
func (d Decision) Percent() int { return d.percent.Value() }
func (d Decision) SMB() float64 { return d.smb.Value() }
func (d Decision) RateTrail() []constraint.Entry[float64] { return d.rate.Entries() }
func (d Decision) PercentTrail() []constraint.Entry[int] { return d.percent.Entries() }
func (d Decision) SMBTrail() []constraint.Entry[float64] { return d.smb.Entries() }

// Recommendation returns a copy of the raw recommendation.
func (d Decision) Recommendation() Recommendation {
	r := d.rec
	if r.Carbs != nil {
		c := *r.Carbs
		r.Carbs = &c
	}
	return r
}

// Constrained returns the recommendation with the constrained values in
// place of the raw ones.
func (d Decision) Constrained() Recommendation {
	r := d.Recommendation()
	if r.Mode == ModePercent {
		r.Percent = d.percent.Value()
	} else {
		r.Rate = d.rate.Value()
	}
	r.SMB = d.smb.Value()
	return r
}

// Clone returns a deep copy sharing no mutable state with d.
func (d Decision) Clone() Decision {
	c := d
	c.rec = d.Recommendation()
	c.rate = d.rate.Clone()
	c.percent = d.percent.Clone()
	c.smb = d.smb.Clone()
	return c
}

// CarbsRequiredText is empty when no carbs are requested.
func (d Decision) CarbsRequiredText() string {
	if !d.rec.CarbsRequested() {
		return ""
	}
	return fmt.Sprintf("%d g additional carbs required within %d minutes", d.rec.Carbs.Grams, d.rec.Carbs.WithinMinutes)
}

// #endregion decision

// #region render

// Summary renders the decision for humans.
func (d Decision) Summary() string {
	if !d.required {
		if d.reason == "" {
			return "no change requested"
		}
		return "no change requested\nReason: " + d.reason
	}

	c := d.Constrained()
	var lines []string
	switch {
	case c.CancelsTemp():
		lines = append(lines, "Cancel temp basal")
	case c.LetsTempRun() || !c.TempBasalRequested:
		lines = append(lines, "Let current temp basal run")
	case c.Mode == ModePercent:
		lines = append(lines, fmt.Sprintf("Temp basal: %d%%", c.Percent))
		lines = append(lines, fmt.Sprintf("Duration: %d min", c.DurationMinutes))
	default:
		if d.base > 0 {
			lines = append(lines, fmt.Sprintf("Temp basal: %.2f U/h (%.0f%%)", c.Rate, c.Rate/d.base*100))
		} else {
			lines = append(lines, fmt.Sprintf("Temp basal: %.2f U/h", c.Rate))
		}
		lines = append(lines, fmt.Sprintf("Duration: %d min", c.DurationMinutes))
	}
	if c.SMB > 0 {
		lines = append(lines, fmt.Sprintf("SMB: %.2f U", c.SMB))
	}
	if txt := d.CarbsRequiredText(); txt != "" {
		lines = append(lines, txt)
	}
	if d.reason != "" {
		lines = append(lines, "Reason: "+d.reason)
	}
	return strings.Join(lines, "\n")
}

type decisionJSON struct {
	ID              string       `json:"id"`
	ChangeRequested bool         `json:"change_requested"`
	Mode            DeliveryMode `json:"mode"`
	Rate            *float64     `json:"rate,omitempty"`
	Percent         *int         `json:"percent,omitempty"`
	DurationMinutes *int         `json:"duration,omitempty"`
	SMB             float64      `json:"smb,omitempty"`
	CarbsRequired   string       `json:"carbs_required,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// MarshalJSON includes the delivery values and the reason only when a
// change is requested.
func (d Decision) MarshalJSON() ([]byte, error) {
	out := decisionJSON{
		ID:              d.id,
		ChangeRequested: d.required,
		Mode:            d.rec.Mode,
		CarbsRequired:   d.CarbsRequiredText(),
		CreatedAt:       d.createdAt,
	}
	if d.required {
		c := d.Constrained()
		if c.Mode == ModePercent {
			out.Percent = &c.Percent
		} else {
			out.Rate = &c.Rate
		}
		out.DurationMinutes = &c.DurationMinutes
		out.SMB = c.SMB
		out.Reason = d.reason
	}
	return json.Marshal(out)
}

// #endregion render

// #region commands

// Commands translates a required decision into queue commands. A decision
// that is not required, or that carries an error, yields nothing.
func (d Decision) Commands(source string) []*queue.Command {
	if !d.required || d.err != nil {
		return nil
	}
	c := d.Constrained()
	var cmds []*queue.Command
	switch {
	case !c.TempRequested():
	case c.CancelsTemp():
		cmds = append(cmds, queue.New(queue.KindCancelTemp, queue.Payload{}, source))
	case c.Mode == ModePercent:
		cmds = append(cmds, queue.New(queue.KindSetTempPercent, queue.Payload{Percent: c.Percent, DurationMinutes: c.DurationMinutes}, source))
	default:
		cmds = append(cmds, queue.New(queue.KindSetTempAbsolute, queue.Payload{Rate: c.Rate, DurationMinutes: c.DurationMinutes}, source))
	}
	if c.BolusRequested() {
		cmds = append(cmds, queue.New(queue.KindDeliverBolus, queue.Payload{Units: c.SMB}, source))
	}
	return cmds
}

// Decision outcomes as recorded in provenance and metrics.
const (
	OutcomeEnqueue  = "enqueue"
	OutcomeNoChange = "no_change"
	OutcomeError    = "error"
)

// Outcome classifies the decision by what it sends to the pump.
func (d Decision) Outcome() string {
	switch {
	case d.err != nil:
		return OutcomeError
	case len(d.Commands("")) > 0:
		return OutcomeEnqueue
	default:
		return OutcomeNoChange
	}
}

// #endregion commands
