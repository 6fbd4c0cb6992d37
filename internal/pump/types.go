package pump

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

// #region phase

// Phase is the position of the pump link in the connection state machine.
type Phase string

const (
	PhaseDisconnected  Phase = "disconnected"
	PhaseConnecting    Phase = "connecting"
	PhaseHandshaking   Phase = "handshaking"
	PhaseConnected     Phase = "connected"
	PhaseDisconnecting Phase = "disconnecting"
)

// #endregion phase

// #region device-state

// TempMode says whether a temporary basal is expressed in U/h or percent.
type TempMode string

const (
	TempAbsolute TempMode = "absolute"
	TempPercent  TempMode = "percent"
)

// ActiveTemp is a temporary basal the pump is currently running.
type ActiveTemp struct {
	Mode                   TempMode  `json:"mode"`
	Rate                   float64   `json:"rate,omitempty"`    // U/h when Mode is absolute
	Percent                int       `json:"percent,omitempty"` // when Mode is percent
	StartedAt              time.Time `json:"started_at"`
	PlannedDurationMinutes int       `json:"planned_duration_minutes"`
}

// EndsAt returns the planned end of the temp.
func (t ActiveTemp) EndsAt() time.Time {
	return t.StartedAt.Add(time.Duration(t.PlannedDurationMinutes) * time.Minute)
}

// RunningAt reports whether the temp is still running at now.
func (t ActiveTemp) RunningAt(now time.Time) bool {
	return !now.Before(t.StartedAt) && now.Before(t.EndsAt())
}

// Limits are the hardware delivery limits a driver reports.
type Limits struct {
	MaxAbsoluteRate float64 `json:"max_absolute_rate"` // U/h
	MaxPercent      int     `json:"max_percent"`
	BasalStep       float64 `json:"basal_step"` // U/h
	BolusStep       float64 `json:"bolus_step"` // U
}

// DeviceState is the last known state of the pump.
type DeviceState struct {
	Phase         Phase       `json:"phase"`
	ActiveTemp    *ActiveTemp `json:"active_temp,omitempty"`
	BaseBasalRate float64     `json:"base_basal_rate"`
	Limits        Limits      `json:"limits"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with s.
func (s DeviceState) Clone() DeviceState {
	if s.ActiveTemp != nil {
		t := *s.ActiveTemp
		s.ActiveTemp = &t
	}
	return s
}

// #endregion device-state

// #region state-holder

// StateHolder publishes DeviceState snapshots. One goroutine writes;
// any goroutine may read.
type StateHolder struct {
	v atomic.Pointer[DeviceState]
}

// NewStateHolder starts with a disconnected, empty state.
func NewStateHolder() *StateHolder {
	h := &StateHolder{}
	h.v.Store(&DeviceState{Phase: PhaseDisconnected})
	return h
}

// Load returns a copy of the latest state.
func (h *StateHolder) Load() DeviceState {
	return h.v.Load().Clone()
}

// Store replaces the state with a copy of s.
func (h *StateHolder) Store(s DeviceState) {
	cp := s.Clone()
	h.v.Store(&cp)
}

// #endregion state-holder

// #region driver

// Result is the outcome of one command executed by a driver.
type Result struct {
	Success bool
	Enacted bool
	Comment string
}

// Driver is the capability surface of a vendor pump driver. Connect,
// Disconnect and StopConnecting start transitions and return immediately;
// the Is* methods report progress.
type Driver interface {
	Connect(reason string)
	Disconnect(reason string)
	StopConnecting()
	IsConnected() bool
	IsConnecting() bool
	IsHandshakeInProgress() bool
	Execute(ctx context.Context, cmd *queue.Command) Result
	WaitForDisconnectionInSeconds() int
	Limits() Limits
	BaseBasalRate() float64
	ActiveTemp() *ActiveTemp
}

// Snapshot reads the driver's current delivery state into a DeviceState
// with the given phase.
func Snapshot(d Driver, phase Phase, now time.Time) DeviceState {
	return DeviceState{
		Phase:         phase,
		ActiveTemp:    d.ActiveTemp(),
		BaseBasalRate: d.BaseBasalRate(),
		Limits:        d.Limits(),
		UpdatedAt:     now,
	}
}

// #endregion driver
