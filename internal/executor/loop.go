package executor

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/metrics"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/pump"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

// #region config

// Outcome is how a loop run ended.
type Outcome string

const (
	OutcomeIdleDisconnect    Outcome = "idle_disconnect"
	OutcomeConnectionTimeout Outcome = "connection_timeout"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomeAborted           Outcome = "aborted"
)

// Config holds the connection and watchdog settings.
type Config struct {
	WatchdogEnabled     bool
	MinWatchdogInterval time.Duration
	MaxConnectionTime   time.Duration
	CommandTimeout      time.Duration
	PollInterval        time.Duration // connect, permission and idle waits
	HandshakeInterval   time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		WatchdogEnabled:     false,
		MinWatchdogInterval: 720 * time.Second,
		MaxConnectionTime:   110 * time.Second,
		CommandTimeout:      180 * time.Second,
		PollInterval:        time.Second,
		HandshakeInterval:   100 * time.Millisecond,
	}
}

// Deps are the optional collaborators of a Loop. Nil fields get defaults.
type Deps struct {
	Clock      Clock
	WakeLock   WakeLock
	Permission Permission
	Adapter    Adapter
	Watchdog   WatchdogStore
	History    History
	Tracer     trace.Tracer // defaults to the global provider's "executor" tracer
}

// #endregion config

// #region loop

// Loop is the single worker that connects to the pump and drains the queue.
// Run must not be called concurrently.
type Loop struct {
	cfg      Config
	driver   pump.Driver
	queue    *queue.Queue
	notifier *pump.Notifier
	state    *pump.StateHolder
	clock    Clock
	wake     WakeLock
	perm     Permission
	adapter  Adapter
	watchdog WatchdogStore
	history  History
	tracer   trace.Tracer
}

// NewLoop wires a loop around driver and q.
func NewLoop(cfg Config, driver pump.Driver, q *queue.Queue, notifier *pump.Notifier, state *pump.StateHolder, deps Deps) *Loop {
	l := &Loop{
		cfg:      cfg,
		driver:   driver,
		queue:    q,
		notifier: notifier,
		state:    state,
		clock:    deps.Clock,
		wake:     deps.WakeLock,
		perm:     deps.Permission,
		adapter:  deps.Adapter,
		watchdog: deps.Watchdog,
		history:  deps.History,
		tracer:   deps.Tracer,
	}
	if l.tracer == nil {
		l.tracer = otel.Tracer("executor")
	}
	if l.clock == nil {
		l.clock = SystemClock{}
	}
	if l.wake == nil {
		l.wake = noopWakeLock{}
	}
	if l.perm == nil {
		l.perm = AlwaysGranted{}
	}
	if l.adapter == nil {
		l.adapter = noopAdapter{}
	}
	if l.watchdog == nil {
		l.watchdog = &MemoryWatchdog{}
	}
	if l.notifier == nil {
		l.notifier = pump.NewNotifier()
	}
	if l.state == nil {
		l.state = pump.NewStateHolder()
	}
	if l.cfg.PollInterval <= 0 {
		l.cfg.PollInterval = time.Second
	}
	if l.cfg.HandshakeInterval <= 0 {
		l.cfg.HandshakeInterval = 100 * time.Millisecond
	}
	return l
}

// Run connects, executes pending commands one at a time and disconnects
// once the pump has been idle long enough. The wake lock is held for the
// whole run and released on every exit path.
func (l *Loop) Run(ctx context.Context) (outcome Outcome, err error) {
	l.wake.Acquire()
	defer l.wake.Release()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[EXEC] ERROR loop aborted: %v", r)
			l.queue.Clear()
			l.safeDisconnect("aborted")
			outcome, err = OutcomeAborted, fmt.Errorf("%w: %v", ErrUnexpected, r)
		}
		metrics.ObserveRun(string(outcome))
		log.Printf("[EXEC] loop finished: %s", outcome)
	}()

	start := l.clock.Now()
	var lastActivity time.Time
	connectedReported := false

	for {
		if ctx.Err() != nil {
			l.publish(pump.Status{Kind: pump.StatusDisconnecting})
			l.driver.Disconnect("cancelled")
			l.publish(pump.Status{Kind: pump.StatusDisconnected, Detail: "cancelled"})
			return OutcomeCancelled, ctx.Err()
		}

		if !l.perm.Granted() {
			log.Printf("[EXEC] %v, retrying", ErrPermissionDenied)
			l.publish(pump.Status{Kind: pump.StatusConnecting, ElapsedSeconds: l.elapsed(start)})
			l.sleep(ctx, l.cfg.PollInterval)
			continue
		}

		connected := l.driver.IsConnected()
		if !connected && l.clock.Now().Sub(start) > l.cfg.MaxConnectionTime {
			metrics.IncConnectionTimeout()
			log.Printf("[EXEC] connection timed out after %ds", l.elapsed(start))
			l.driver.StopConnecting()
			if l.watchdogDue(ctx) {
				l.bark(ctx)
				start = l.clock.Now()
				connectedReported = false
				continue
			}
			dropped := l.queue.Clear()
			metrics.SetQueueDepth(0)
			log.Printf("[EXEC] giving up, %d pending command(s) dropped", dropped)
			l.publish(pump.Status{Kind: pump.StatusDisconnecting})
			l.driver.Disconnect("timeout")
			l.publish(pump.Status{Kind: pump.StatusDisconnected, Detail: "connection timeout"})
			return OutcomeConnectionTimeout, ErrConnectionTimeout
		}

		if l.driver.IsHandshakeInProgress() {
			l.publish(pump.Status{Kind: pump.StatusHandshaking, ElapsedSeconds: l.elapsed(start)})
			l.sleep(ctx, l.cfg.HandshakeInterval)
			continue
		}

		if l.driver.IsConnecting() {
			l.publish(pump.Status{Kind: pump.StatusConnecting, ElapsedSeconds: l.elapsed(start)})
			l.sleep(ctx, l.cfg.PollInterval)
			continue
		}

		if !connected && !l.driver.IsConnected() {
			connectedReported = false
			log.Printf("[EXEC] connect")
			l.driver.Connect("connection needed")
			l.publish(pump.Status{Kind: pump.StatusConnecting, ElapsedSeconds: l.elapsed(start)})
			l.sleep(ctx, l.cfg.PollInterval)
			continue
		}

		if !connectedReported {
			connectedReported = true
			lastActivity = l.clock.Now()
			l.publish(pump.Status{Kind: pump.StatusConnected})
			l.refreshState(pump.PhaseConnected)
		}

		if l.queue.Performing() == nil {
			if cmd := l.queue.Pickup(); cmd != nil {
				l.execute(ctx, cmd)
				lastActivity = l.clock.Now()
				continue
			}
		}

		idleFor := l.clock.Now().Sub(lastActivity)
		wait := time.Duration(l.driver.WaitForDisconnectionInSeconds()) * time.Second
		if idleFor > wait {
			log.Printf("[EXEC] idle for %s, disconnecting", idleFor.Round(time.Second))
			l.publish(pump.Status{Kind: pump.StatusDisconnecting})
			l.driver.Disconnect("idle")
			l.publish(pump.Status{Kind: pump.StatusDisconnected})
			return OutcomeIdleDisconnect, nil
		}
		l.publish(pump.Status{Kind: pump.StatusWaitingForDisconnection})
		l.sleep(ctx, l.cfg.PollInterval)
	}
}

// #endregion loop

// #region command

func (l *Loop) execute(ctx context.Context, cmd *queue.Command) {
	ctx, span := l.tracer.Start(ctx, "pump.execute", trace.WithAttributes(
		attribute.String("command.id", cmd.ID),
		attribute.String("command.kind", string(cmd.Kind)),
		attribute.String("command.source", cmd.Source),
	))
	defer span.End()

	log.Printf("[EXEC] executing %s", cmd.Describe())
	started := l.clock.Now()
	res := l.runCommand(ctx, cmd)
	metrics.ObserveCommand(string(cmd.Kind), res.Success, l.clock.Now().Sub(started))

	if !res.Success {
		err := fmt.Errorf("%w: %s: %s", ErrCommandFailed, cmd.Kind, res.Comment)
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Comment)
		log.Printf("[EXEC] %v", err)
	}
	if err := l.queue.Finish(cmd, res.Success, res.Comment); err != nil {
		log.Printf("[EXEC] finish %s: %v", cmd.ID, err)
	}
	if l.history != nil {
		if err := l.history.RecordCommand(ctx, cmd.Snapshot()); err != nil {
			log.Printf("[EXEC] record history: %v", err)
		}
	}
	metrics.SetQueueDepth(l.queue.Size())
	l.refreshState(pump.PhaseConnected)
}

// runCommand confines a driver panic to the command that caused it.
func (l *Loop) runCommand(ctx context.Context, cmd *queue.Command) (res pump.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[EXEC] ERROR driver panic on %s: %v", cmd.Kind, r)
			res = pump.Result{Comment: fmt.Sprintf("driver panic: %v", r)}
		}
	}()
	if l.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.CommandTimeout)
		defer cancel()
	}
	return l.driver.Execute(ctx, cmd)
}

// #endregion command

// #region watchdog

func (l *Loop) watchdogDue(ctx context.Context) bool {
	if !l.cfg.WatchdogEnabled {
		return false
	}
	last, err := l.watchdog.LastBark(ctx)
	if err != nil {
		log.Printf("[WATCHDOG] read last bark: %v", err)
		return false
	}
	return last.IsZero() || l.clock.Now().Sub(last) >= l.cfg.MinWatchdogInterval
}

// bark power-cycles the adapter and starts a fresh connection attempt.
func (l *Loop) bark(ctx context.Context) {
	now := l.clock.Now()
	log.Printf("[WATCHDOG] power-cycling adapter")
	metrics.IncWatchdogBark()
	if err := l.watchdog.RecordBark(ctx, now); err != nil {
		log.Printf("[WATCHDOG] record bark: %v", err)
	}
	l.driver.Disconnect("watchdog")
	l.sleep(ctx, time.Second)
	if err := l.adapter.PowerCycle(ctx); err != nil {
		log.Printf("[WATCHDOG] power cycle: %v", err)
	}
	l.driver.Connect("watchdog")
}

// #endregion watchdog

// #region helpers

func (l *Loop) publish(s pump.Status) {
	if s.At.IsZero() {
		s.At = l.clock.Now().UTC()
	}
	l.notifier.Publish(s)
	st := l.state.Load()
	st.Phase = s.Kind.Phase()
	l.state.Store(st)
}

func (l *Loop) refreshState(phase pump.Phase) {
	l.state.Store(pump.Snapshot(l.driver, phase, l.clock.Now()))
}

func (l *Loop) elapsed(start time.Time) int {
	return int(l.clock.Now().Sub(start) / time.Second)
}

// sleep ignores cancellation; the loop checks ctx at the top of each pass.
func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	_ = l.clock.Sleep(ctx, d)
}

func (l *Loop) safeDisconnect(reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[EXEC] ERROR disconnect panic: %v", r)
		}
	}()
	l.driver.Disconnect(reason)
	l.publish(pump.Status{Kind: pump.StatusDisconnected, Detail: reason})
}

// #endregion helpers
