package orchestrator

// #region imports
import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/bus"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/dosing"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/logging"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/metrics"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/pump"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

// #endregion

// #region orchestrator-struct

// Orchestrator turns algorithm recommendations and user requests into
// queued pump commands. Every recommendation leaves a provenance row.
type Orchestrator struct {
	engine   *dosing.Engine
	profiles dosing.ProfileSource
	queue    *queue.Queue
	state    *pump.StateHolder
	db       *sql.DB
}

// Source is the intake the orchestrator consumes.
type Source interface {
	Read(ctx context.Context) (bus.Message, error)
	Ack(ctx context.Context, id string) error
}

// #endregion

// #region constructor

// NewOrchestrator wires an orchestrator. db receives provenance rows and may
// be nil in tests that do not care.
func NewOrchestrator(engine *dosing.Engine, profiles dosing.ProfileSource, q *queue.Queue, state *pump.StateHolder, db *sql.DB) *Orchestrator {
	return &Orchestrator{engine: engine, profiles: profiles, queue: q, state: state, db: db}
}

// #endregion

// #region recommendation

// HandleRecommendation decides rec against the latest device state, records
// the decision and enqueues its commands.
func (o *Orchestrator) HandleRecommendation(rec dosing.Recommendation) dosing.Decision {
	device := o.state.Load()
	d := o.engine.Decide(rec, device)
	outcome := d.Outcome()

	trigger := "open_loop"
	if o.engine.Config().ClosedLoop {
		trigger = "closed_loop"
	}
	if o.db != nil {
		record := logging.NewDecisionRecord(d, device, o.engine.Config())
		if p, ok := o.profiles.Profile(); ok {
			record.ProfileBasal = p.BasalAt(d.CreatedAt())
		}
		if err := logging.LogDecisionRecord(o.db, trigger, outcome, record); err != nil {
			log.Printf("[ORCH] provenance: %v", err)
		}
	}
	metrics.ObserveDecision(outcome)

	for _, cmd := range d.Commands("loop") {
		o.queue.Enqueue(cmd)
	}
	metrics.SetQueueDepth(o.queue.Size())

	log.Printf("[ORCH] decision %s: outcome=%s verdict=%q", d.ID(), outcome, d.Verdict())
	return d
}

// #endregion

// #region user-command

var userKinds = map[queue.Kind]bool{
	queue.KindSetTempAbsolute:     true,
	queue.KindSetTempPercent:      true,
	queue.KindCancelTemp:          true,
	queue.KindDeliverBolus:        true,
	queue.KindSetExtendedBolus:    true,
	queue.KindCancelExtendedBolus: true,
	queue.KindSetProfile:          true,
	queue.KindReadStatus:          true,
	queue.KindCustom:              true,
}

// HandleCommand enqueues a user command. Boluses above the configured max
// bolus are refused rather than silently reduced.
func (o *Orchestrator) HandleCommand(req bus.CommandRequest) (*queue.Command, error) {
	if !userKinds[req.Kind] {
		return nil, fmt.Errorf("unsupported command kind %q", req.Kind)
	}
	if req.Kind == queue.KindDeliverBolus {
		limit := o.engine.Config().MaxBolus
		if req.Payload.Units <= 0 {
			return nil, fmt.Errorf("bolus must be positive, got %.2f", req.Payload.Units)
		}
		if limit > 0 && req.Payload.Units > limit {
			return nil, fmt.Errorf("bolus %.2f U exceeds max bolus %.2f U", req.Payload.Units, limit)
		}
	}
	source := req.Source
	if source == "" {
		source = "user"
	}
	cmd := queue.New(req.Kind, req.Payload, source)
	if !o.queue.Enqueue(cmd) {
		return nil, nil
	}
	metrics.SetQueueDepth(o.queue.Size())
	log.Printf("[ORCH] user command %s queued as %s", cmd.Kind, cmd.ID)
	return cmd, nil
}

// #endregion

// #region consume

// Consume reads src until ctx is done. Every message is acked, including
// ones that fail to decode, so a poison entry cannot block the group.
func (o *Orchestrator) Consume(ctx context.Context, src Source) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := src.Read(ctx)
		if errors.Is(err, bus.ErrNoMessage) {
			continue
		}
		if err != nil && msg.ID == "" {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[ORCH] intake: %v", err)
			sleep(ctx, time.Second)
			continue
		}
		switch {
		case err != nil:
			log.Printf("[ORCH] dropping %s: %v", msg.ID, err)
		case msg.Recommendation != nil:
			o.HandleRecommendation(*msg.Recommendation)
		case msg.Command != nil:
			if _, err := o.HandleCommand(*msg.Command); err != nil {
				log.Printf("[ORCH] rejected %s: %v", msg.ID, err)
			}
		}
		if err := src.Ack(ctx, msg.ID); err != nil {
			log.Printf("[ORCH] %v", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// #endregion

// #region profile

// DeviceProfile serves the pump's own base basal rate as a flat profile.
// It reports no profile until the pump has reported a base rate.
type DeviceProfile struct {
	State *pump.StateHolder
}

func (p DeviceProfile) Profile() (dosing.Profile, bool) {
	base := p.State.Load().BaseBasalRate
	if base <= 0 {
		return nil, false
	}
	return dosing.FlatProfile(base), true
}

// #endregion
