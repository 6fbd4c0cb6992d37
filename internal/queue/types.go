package queue

import (
	"fmt"
	"time"
)

// #region kind

// Kind enumerates the instructions a pump can be asked to perform.
type Kind string

const (
	KindSetTempAbsolute     Kind = "set_temp_absolute"
	KindSetTempPercent      Kind = "set_temp_percent"
	KindCancelTemp          Kind = "cancel_temp"
	KindDeliverBolus        Kind = "deliver_bolus"
	KindSetExtendedBolus    Kind = "set_extended_bolus"
	KindCancelExtendedBolus Kind = "cancel_extended_bolus"
	KindSetProfile          Kind = "set_profile"
	KindReadStatus          Kind = "read_status"
	KindCustom              Kind = "custom_vendor_command"
)

// Kinds lists every known command kind.
var Kinds = []Kind{
	KindSetTempAbsolute, KindSetTempPercent, KindCancelTemp,
	KindDeliverBolus, KindSetExtendedBolus, KindCancelExtendedBolus,
	KindSetProfile, KindReadStatus, KindCustom,
}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown command kind %q", s)
}

// IsTempBasal reports whether k changes the temporary basal.
func (k Kind) IsTempBasal() bool {
	return k == KindSetTempAbsolute || k == KindSetTempPercent || k == KindCancelTemp
}

// IsExtendedBolus reports whether k changes the extended bolus.
func (k Kind) IsExtendedBolus() bool {
	return k == KindSetExtendedBolus || k == KindCancelExtendedBolus
}

// #endregion kind

// #region status

// Status is a command's lifecycle position.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// #endregion status

// #region command

// Payload carries kind-specific parameters. Unused fields stay zero.
type Payload struct {
	Rate            float64           `json:"rate,omitempty"`             // U/h, SetTempAbsolute
	Percent         int               `json:"percent,omitempty"`          // SetTempPercent
	DurationMinutes int               `json:"duration_minutes,omitempty"` // temps and extended boluses
	Units           float64           `json:"units,omitempty"`            // boluses
	ProfileName     string            `json:"profile_name,omitempty"`
	Custom          map[string]string `json:"custom,omitempty"`
}

// Command is a single queued pump instruction.
type Command struct {
	ID         string
	Seq        uint64
	Kind       Kind
	Payload    Payload
	Source     string // "loop", "user", "refresh"
	EnqueuedAt time.Time
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time
	Comment    string
}

// New builds an unqueued command.
func New(kind Kind, payload Payload, source string) *Command {
	return &Command{Kind: kind, Payload: payload, Source: source}
}

// Describe renders a short log line for the command.
func (c *Command) Describe() string {
	switch c.Kind {
	case KindSetTempAbsolute:
		return fmt.Sprintf("TEMP BASAL %.2f U/h %d min", c.Payload.Rate, c.Payload.DurationMinutes)
	case KindSetTempPercent:
		return fmt.Sprintf("TEMP BASAL %d%% %d min", c.Payload.Percent, c.Payload.DurationMinutes)
	case KindCancelTemp:
		return "CANCEL TEMP BASAL"
	case KindDeliverBolus:
		return fmt.Sprintf("BOLUS %.2f U", c.Payload.Units)
	case KindSetExtendedBolus:
		return fmt.Sprintf("EXTENDED BOLUS %.2f U %d min", c.Payload.Units, c.Payload.DurationMinutes)
	case KindCancelExtendedBolus:
		return "CANCEL EXTENDED BOLUS"
	case KindSetProfile:
		return "SET PROFILE " + c.Payload.ProfileName
	case KindReadStatus:
		return "READ STATUS"
	default:
		return "CUSTOM " + c.Payload.Custom["action"]
	}
}

// Snapshot returns a detached copy of c.
func (c *Command) Snapshot() Command {
	cp := *c
	if c.Payload.Custom != nil {
		cp.Payload.Custom = make(map[string]string, len(c.Payload.Custom))
		for k, v := range c.Payload.Custom {
			cp.Payload.Custom[k] = v
		}
	}
	return cp
}

// #endregion command
