package logging

import (
	"time"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/dosing"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/pump"
)

// #region provenance-entry
// ProvenanceEntry is a single row in the provenance_log table.
type ProvenanceEntry struct {
	DecisionID  string
	TriggerType string // "open_loop" | "closed_loop" | "replay"
	RecordJSON  string
	Outcome     string // "enqueue" | "no_change" | "error"
	Reason      string
	CreatedAt   time.Time
}

// #endregion provenance-entry

// #region decision-record
// DecisionRecord captures everything a dosing decision was made from.
// Serialized as JSON into provenance_log.record_json for deterministic replay.
type DecisionRecord struct {
	DecisionID     string                `json:"decision_id"`
	Recommendation dosing.Recommendation `json:"recommendation"`
	Device         pump.DeviceState      `json:"device"`
	ProfileBasal   float64               `json:"profile_basal,omitempty"` // U/h at DecidedAt, 0 when no profile
	DecidedAt      time.Time             `json:"decided_at"`

	// Settings active at decision time
	Thresholds DecisionThresholds `json:"thresholds"`

	// Engine output
	ChangeRequested bool    `json:"change_requested"`
	Verdict         string  `json:"verdict"`
	Rate            float64 `json:"rate"`
	Percent         int     `json:"percent"`
	SMB             float64 `json:"smb"`
	Reason          string  `json:"reason"`
	Error           string  `json:"error,omitempty"`
}

// DecisionThresholds captures the dosing config active at decision time.
type DecisionThresholds struct {
	ClosedLoop                bool    `json:"closed_loop"`
	MinChangeFraction         float64 `json:"min_change_fraction"`
	MaxBasal                  float64 `json:"max_basal"`
	MaxBolus                  float64 `json:"max_bolus"`
	MaxCurrentBasalMultiplier float64 `json:"max_current_basal_multiplier"`
}

// NewDecisionRecord flattens a decision and its inputs.
func NewDecisionRecord(d dosing.Decision, device pump.DeviceState, cfg dosing.Config) DecisionRecord {
	r := DecisionRecord{
		DecisionID:     d.ID(),
		Recommendation: d.Recommendation(),
		Device:         device.Clone(),
		DecidedAt:      d.CreatedAt(),
		Thresholds: DecisionThresholds{
			ClosedLoop:                cfg.ClosedLoop,
			MinChangeFraction:         cfg.MinChangeFraction,
			MaxBasal:                  cfg.MaxBasal,
			MaxBolus:                  cfg.MaxBolus,
			MaxCurrentBasalMultiplier: cfg.MaxCurrentBasalMultiplier,
		},
		ChangeRequested: d.ChangeRequested(),
		Verdict:         d.Verdict(),
		Rate:            d.Rate(),
		Percent:         d.Percent(),
		SMB:             d.SMB(),
		Reason:          d.Reason(),
	}
	if d.Err() != nil {
		r.Error = d.Err().Error()
	}
	return r
}

// Config returns the thresholds as a dosing config.
func (t DecisionThresholds) Config() dosing.Config {
	return dosing.Config{
		ClosedLoop:                t.ClosedLoop,
		MinChangeFraction:         t.MinChangeFraction,
		MaxBasal:                  t.MaxBasal,
		MaxBolus:                  t.MaxBolus,
		MaxCurrentBasalMultiplier: t.MaxCurrentBasalMultiplier,
	}
}

// #endregion decision-record
