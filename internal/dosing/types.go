package dosing

import (
	"errors"
	"fmt"
	"time"
)

// ErrProfileUnavailable means no basal profile was active when a decision
// was needed. Decisions fail closed to "no change".
var ErrProfileUnavailable = errors.New("dosing: no profile available")

// LetTempRun is the rate sentinel meaning "leave the current temp alone".
const LetTempRun = -1.0

// #region recommendation

// DeliveryMode selects how a temp basal is expressed.
type DeliveryMode string

const (
	ModeAbsolute DeliveryMode = "absolute"
	ModePercent  DeliveryMode = "percent"
)

// CarbsRequired is the algorithm's request for additional carbs.
type CarbsRequired struct {
	Grams         int `json:"grams"`
	WithinMinutes int `json:"within_minutes"`
}

// Recommendation is the raw output of the external dosing algorithm.
type Recommendation struct {
	Mode               DeliveryMode   `json:"mode"`
	Rate               float64        `json:"rate"`    // U/h, absolute mode
	Percent            int            `json:"percent"` // percent mode
	DurationMinutes    int            `json:"duration_minutes"`
	TempBasalRequested bool           `json:"temp_basal_requested"`
	SMB                float64        `json:"smb,omitempty"` // super micro bolus, U
	Carbs              *CarbsRequired `json:"carbs,omitempty"`
	Reason             string         `json:"reason"`
	IssuedAt           time.Time      `json:"issued_at"`
}

// Validate checks the mode invariant.
func (r Recommendation) Validate() error {
	switch r.Mode {
	case ModeAbsolute:
		if r.Rate < 0 && r.Rate != LetTempRun {
			return fmt.Errorf("negative rate %.2f", r.Rate)
		}
	case ModePercent:
		if r.Percent < 0 {
			return fmt.Errorf("negative percent %d", r.Percent)
		}
	default:
		return fmt.Errorf("unknown delivery mode %q", r.Mode)
	}
	if r.DurationMinutes < 0 {
		return fmt.Errorf("negative duration %d", r.DurationMinutes)
	}
	if r.SMB < 0 {
		return fmt.Errorf("negative smb %.2f", r.SMB)
	}
	return nil
}

// LetsTempRun reports whether the recommendation asks to leave the temp alone.
func (r Recommendation) LetsTempRun() bool {
	return r.Mode == ModeAbsolute && r.Rate == LetTempRun
}

// CancelsTemp reports whether the recommendation asks to cancel the temp.
func (r Recommendation) CancelsTemp() bool {
	return r.Mode == ModeAbsolute && r.Rate == 0 && r.DurationMinutes == 0
}

// BolusRequested reports whether an SMB is requested.
func (r Recommendation) BolusRequested() bool {
	return r.SMB > 0
}

// TempRequested reports whether a temp basal instruction is requested.
func (r Recommendation) TempRequested() bool {
	return r.TempBasalRequested && !r.LetsTempRun()
}

// Pending reports whether anything needs to reach the pump.
func (r Recommendation) Pending() bool {
	return r.TempRequested() || r.BolusRequested()
}

// CarbsRequested reports whether extra carbs are requested.
func (r Recommendation) CarbsRequested() bool {
	return r.Carbs != nil && r.Carbs.Grams > 0
}

// #endregion recommendation

// #region config

// Config holds the user settings the engine applies.
type Config struct {
	ClosedLoop                bool
	MinChangeFraction         float64 // open-loop hysteresis band, 0.30 = +/-30%
	MaxBasal                  float64 // U/h, user cap on temp basals
	MaxBolus                  float64 // U, user cap on a single bolus
	MaxCurrentBasalMultiplier float64 // temp may not exceed base * multiplier
}

// DefaultConfig returns open-loop defaults.
func DefaultConfig() Config {
	return Config{
		ClosedLoop:                false,
		MinChangeFraction:         0.30,
		MaxBasal:                  1.0,
		MaxBolus:                  3.0,
		MaxCurrentBasalMultiplier: 4.0,
	}
}

// #endregion config

// #region verdict

// Verdict is the engine's answer to "must the pump be told anything".
type Verdict struct {
	Required bool
	Reason   string
	Err      error
}

// #endregion verdict
