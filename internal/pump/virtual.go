package pump

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

// #region virtual-config

// VirtualConfig shapes how the simulated pump behaves on the link.
type VirtualConfig struct {
	BaseBasalRate  float64
	Limits         Limits
	ConnectPolls   int  // IsConnecting polls before the handshake starts
	HandshakePolls int  // IsHandshakeInProgress polls before connected
	Unreachable    bool // never completes a connection
	IdleSeconds    int  // WaitForDisconnectionInSeconds
}

// DefaultVirtualConfig returns a pump that connects after a short handshake.
func DefaultVirtualConfig() VirtualConfig {
	return VirtualConfig{
		BaseBasalRate: 1.0,
		Limits: Limits{
			MaxAbsoluteRate: 15.0,
			MaxPercent:      200,
			BasalStep:       0.05,
			BolusStep:       0.05,
		},
		ConnectPolls:   1,
		HandshakePolls: 1,
		IdleSeconds:    5,
	}
}

// #endregion virtual-config

// #region virtual-driver

type linkState int

const (
	linkDown linkState = iota
	linkConnecting
	linkHandshake
	linkUp
)

// VirtualDriver is an in-process pump that keeps delivery state in memory.
type VirtualDriver struct {
	mu       sync.Mutex
	cfg      VirtualConfig
	link     linkState
	polls    int
	temp     *ActiveTemp
	extended *ActiveTemp
	profile  string
	now      func() time.Time
	executed []queue.Kind
}

// NewVirtualDriver creates a disconnected simulated pump.
func NewVirtualDriver(cfg VirtualConfig) *VirtualDriver {
	return &VirtualDriver{cfg: cfg, now: time.Now}
}

func (v *VirtualDriver) Connect(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.link != linkDown {
		return
	}
	log.Printf("[VPUMP] connect: %s", reason)
	v.link = linkConnecting
	v.polls = 0
}

func (v *VirtualDriver) Disconnect(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	log.Printf("[VPUMP] disconnect: %s", reason)
	v.link = linkDown
}

func (v *VirtualDriver) StopConnecting() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.link == linkConnecting || v.link == linkHandshake {
		v.link = linkDown
	}
}

func (v *VirtualDriver) IsConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.link == linkUp
}

func (v *VirtualDriver) IsConnecting() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.link != linkConnecting {
		return false
	}
	if v.cfg.Unreachable {
		return true
	}
	v.polls++
	if v.polls > v.cfg.ConnectPolls {
		v.link = linkHandshake
		v.polls = 0
		return false
	}
	return true
}

func (v *VirtualDriver) IsHandshakeInProgress() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.link != linkHandshake {
		return false
	}
	v.polls++
	if v.polls > v.cfg.HandshakePolls {
		v.link = linkUp
		return false
	}
	return true
}

func (v *VirtualDriver) WaitForDisconnectionInSeconds() int {
	return v.cfg.IdleSeconds
}

func (v *VirtualDriver) Limits() Limits {
	return v.cfg.Limits
}

func (v *VirtualDriver) BaseBasalRate() float64 {
	return v.cfg.BaseBasalRate
}

func (v *VirtualDriver) ActiveTemp() *ActiveTemp {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.temp == nil || !v.temp.RunningAt(v.now()) {
		return nil
	}
	t := *v.temp
	return &t
}

// Profile returns the name of the last profile set on the pump.
func (v *VirtualDriver) Profile() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.profile
}

// Executed returns the kinds executed so far, in order.
func (v *VirtualDriver) Executed() []queue.Kind {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]queue.Kind, len(v.executed))
	copy(out, v.executed)
	return out
}

// Execute applies cmd to the simulated delivery state.
func (v *VirtualDriver) Execute(ctx context.Context, cmd *queue.Command) Result {
	if err := ctx.Err(); err != nil {
		return Result{Comment: err.Error()}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.link != linkUp {
		return Result{Comment: "not connected"}
	}
	v.executed = append(v.executed, cmd.Kind)
	now := v.now()
	p := cmd.Payload

	switch cmd.Kind {
	case queue.KindSetTempAbsolute:
		if p.Rate < 0 || p.Rate > v.cfg.Limits.MaxAbsoluteRate {
			return Result{Comment: fmt.Sprintf("rate %.2f outside 0..%.2f", p.Rate, v.cfg.Limits.MaxAbsoluteRate)}
		}
		v.temp = &ActiveTemp{Mode: TempAbsolute, Rate: p.Rate, StartedAt: now, PlannedDurationMinutes: p.DurationMinutes}
	case queue.KindSetTempPercent:
		if p.Percent < 0 || p.Percent > v.cfg.Limits.MaxPercent {
			return Result{Comment: fmt.Sprintf("percent %d outside 0..%d", p.Percent, v.cfg.Limits.MaxPercent)}
		}
		v.temp = &ActiveTemp{Mode: TempPercent, Percent: p.Percent, StartedAt: now, PlannedDurationMinutes: p.DurationMinutes}
	case queue.KindCancelTemp:
		v.temp = nil
	case queue.KindSetExtendedBolus:
		v.extended = &ActiveTemp{Mode: TempAbsolute, Rate: p.Units, StartedAt: now, PlannedDurationMinutes: p.DurationMinutes}
	case queue.KindCancelExtendedBolus:
		v.extended = nil
	case queue.KindSetProfile:
		v.profile = p.ProfileName
	case queue.KindDeliverBolus:
		if p.Units <= 0 {
			return Result{Comment: "bolus must be positive"}
		}
	case queue.KindReadStatus, queue.KindCustom:
		return Result{Success: true, Comment: "ok"}
	}
	return Result{Success: true, Enacted: true, Comment: "ok"}
}

// #endregion virtual-driver
