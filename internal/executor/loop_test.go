package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/pump"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

// #region fakes

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

type countingWakeLock struct {
	acquired, released atomic.Int32
}

func (w *countingWakeLock) Acquire() { w.acquired.Add(1) }
func (w *countingWakeLock) Release() { w.released.Add(1) }

type countingAdapter struct {
	cycles atomic.Int32
}

func (a *countingAdapter) PowerCycle(context.Context) error {
	a.cycles.Add(1)
	return nil
}

type statusSink struct {
	mu  sync.Mutex
	got []pump.Status
}

func (s *statusSink) record(st pump.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, st)
}

// recordedNotifier sees every status in publish order.
func recordedNotifier(s *statusSink) *pump.Notifier {
	n := pump.NewNotifier()
	n.OnPublish(s.record)
	return n
}

// stuckSink holds each publish until its context expires.
type stuckSink struct {
	calls atomic.Int32
}

func (s *stuckSink) PublishStatus(ctx context.Context, _ pump.Status) error {
	s.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (s *statusSink) count(kind pump.StatusKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.got {
		if st.Kind == kind {
			n++
		}
	}
	return n
}

type memHistory struct {
	mu   sync.Mutex
	cmds []queue.Command
}

func (h *memHistory) RecordCommand(_ context.Context, cmd queue.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmds = append(h.cmds, cmd)
	return nil
}

// fakeDriver connects immediately and records what it executes.
type fakeDriver struct {
	mu          sync.Mutex
	connected   bool
	connects    int
	executed    []float64
	active      atomic.Int32
	maxActive   atomic.Int32
	panicOnKind queue.Kind
	panicLink   bool
}

func (d *fakeDriver) Connect(string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	d.connected = true
}

func (d *fakeDriver) Disconnect(string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
}

func (d *fakeDriver) StopConnecting() {}

func (d *fakeDriver) IsConnected() bool {
	if d.panicLink {
		panic("link lost")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDriver) IsConnecting() bool                { return false }
func (d *fakeDriver) IsHandshakeInProgress() bool       { return false }
func (d *fakeDriver) WaitForDisconnectionInSeconds() int { return 3 }
func (d *fakeDriver) Limits() pump.Limits                { return pump.DefaultVirtualConfig().Limits }
func (d *fakeDriver) BaseBasalRate() float64             { return 1.0 }
func (d *fakeDriver) ActiveTemp() *pump.ActiveTemp       { return nil }

func (d *fakeDriver) Execute(_ context.Context, cmd *queue.Command) pump.Result {
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		m := d.maxActive.Load()
		if n <= m || d.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if d.panicOnKind != "" && cmd.Kind == d.panicOnKind {
		panic("driver bug")
	}
	time.Sleep(time.Millisecond)
	d.mu.Lock()
	d.executed = append(d.executed, cmd.Payload.Units)
	d.mu.Unlock()
	return pump.Result{Success: true, Enacted: true, Comment: "ok"}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConnectionTime = 60 * time.Second
	cfg.CommandTimeout = 5 * time.Second
	return cfg
}

// #endregion fakes

// #region timeout-tests

func TestRun_TimeoutWithoutWatchdogClearsQueue(t *testing.T) {
	vcfg := pump.DefaultVirtualConfig()
	vcfg.Unreachable = true
	driver := pump.NewVirtualDriver(vcfg)

	q := queue.NewQueue()
	q.Enqueue(queue.New(queue.KindSetTempAbsolute, queue.Payload{Rate: 1.5, DurationMinutes: 30}, "loop"))
	q.Enqueue(queue.New(queue.KindDeliverBolus, queue.Payload{Units: 0.5}, "loop"))

	sink := &statusSink{}
	notifier := recordedNotifier(sink)
	state := pump.NewStateHolder()
	wake := &countingWakeLock{}
	adapter := &countingAdapter{}
	loop := NewLoop(testConfig(), driver, q, notifier, state, Deps{Clock: newFakeClock(), WakeLock: wake, Adapter: adapter})

	outcome, err := loop.Run(context.Background())
	if outcome != OutcomeConnectionTimeout {
		t.Fatalf("expected connection timeout, got %s", outcome)
	}
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("expected ErrConnectionTimeout, got %v", err)
	}
	if q.Size() != 0 {
		t.Fatalf("expected queue cleared, %d left", q.Size())
	}
	if n := sink.count(pump.StatusDisconnected); n != 1 {
		t.Fatalf("expected exactly one Disconnected, got %d", n)
	}
	if notifier.Latest().Kind != pump.StatusDisconnected {
		t.Fatalf("expected final status disconnected, got %s", notifier.Latest().Kind)
	}
	if state.Load().Phase != pump.PhaseDisconnected {
		t.Fatalf("expected disconnected phase, got %s", state.Load().Phase)
	}
	if adapter.cycles.Load() != 0 {
		t.Fatal("watchdog disabled but adapter was power-cycled")
	}
	if wake.acquired.Load() != 1 || wake.released.Load() != 1 {
		t.Fatalf("wake lock acquire/release = %d/%d", wake.acquired.Load(), wake.released.Load())
	}
	if len(driver.Executed()) != 0 {
		t.Fatal("nothing should execute without a connection")
	}
}

func TestRun_WatchdogBarksOnceWithinInterval(t *testing.T) {
	vcfg := pump.DefaultVirtualConfig()
	vcfg.Unreachable = true
	driver := pump.NewVirtualDriver(vcfg)

	q := queue.NewQueue()
	q.Enqueue(queue.New(queue.KindReadStatus, queue.Payload{}, "refresh"))

	cfg := testConfig()
	cfg.WatchdogEnabled = true
	cfg.MinWatchdogInterval = 720 * time.Second

	clock := newFakeClock()
	adapter := &countingAdapter{}
	watchdog := &MemoryWatchdog{}
	sink := &statusSink{}
	loop := NewLoop(cfg, driver, q, recordedNotifier(sink), nil, Deps{Clock: clock, Adapter: adapter, Watchdog: watchdog})

	outcome, err := loop.Run(context.Background())
	if outcome != OutcomeConnectionTimeout || !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("expected timeout after second attempt, got %s %v", outcome, err)
	}
	if adapter.cycles.Load() != 1 {
		t.Fatalf("expected one power cycle, got %d", adapter.cycles.Load())
	}
	last, _ := watchdog.LastBark(context.Background())
	if last.IsZero() {
		t.Fatal("expected bark to be recorded")
	}
	if q.Size() != 0 {
		t.Fatal("expected queue cleared after second timeout")
	}
	if n := sink.count(pump.StatusDisconnected); n != 1 {
		t.Fatalf("expected exactly one Disconnected, got %d", n)
	}
	// Two full connection windows must have elapsed.
	if elapsed := clock.Now().Sub(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); elapsed < 120*time.Second {
		t.Fatalf("expected the timer to restart after the bark, elapsed %s", elapsed)
	}
}

func TestRun_WatchdogBarksAgainAfterInterval(t *testing.T) {
	vcfg := pump.DefaultVirtualConfig()
	vcfg.Unreachable = true
	driver := pump.NewVirtualDriver(vcfg)

	q := queue.NewQueue()
	q.Enqueue(queue.New(queue.KindReadStatus, queue.Payload{}, "refresh"))

	cfg := testConfig()
	cfg.WatchdogEnabled = true
	cfg.MinWatchdogInterval = 720 * time.Second

	clock := newFakeClock()
	watchdog := &MemoryWatchdog{}
	watchdog.RecordBark(context.Background(), clock.Now().Add(-721*time.Second))
	adapter := &countingAdapter{}
	loop := NewLoop(cfg, driver, q, nil, nil, Deps{Clock: clock, Adapter: adapter, Watchdog: watchdog})

	loop.Run(context.Background())
	if adapter.cycles.Load() != 1 {
		t.Fatalf("expected stale bark to allow one power cycle, got %d", adapter.cycles.Load())
	}
}

// #endregion timeout-tests

// #region execution-tests

func TestRun_ConcurrentProducersExecuteInOrder(t *testing.T) {
	driver := &fakeDriver{}
	q := queue.NewQueue()

	var wg sync.WaitGroup
	for _, units := range []float64{0.1, 0.2, 0.3} {
		wg.Add(1)
		go func(u float64) {
			defer wg.Done()
			q.Enqueue(queue.New(queue.KindDeliverBolus, queue.Payload{Units: u}, "user"))
		}(units)
	}
	wg.Wait()

	var want []float64
	for _, c := range q.Pending() {
		want = append(want, c.Payload.Units)
	}

	history := &memHistory{}
	loop := NewLoop(testConfig(), driver, q, nil, nil, Deps{Clock: newFakeClock(), History: history})
	outcome, err := loop.Run(context.Background())
	if err != nil || outcome != OutcomeIdleDisconnect {
		t.Fatalf("expected idle disconnect, got %s %v", outcome, err)
	}

	if len(driver.executed) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(driver.executed))
	}
	for i := range want {
		if driver.executed[i] != want[i] {
			t.Fatalf("execution order %v, want %v", driver.executed, want)
		}
	}
	if driver.maxActive.Load() != 1 {
		t.Fatalf("expected at most one command executing, saw %d", driver.maxActive.Load())
	}
	if len(history.cmds) != 3 {
		t.Fatalf("expected 3 history records, got %d", len(history.cmds))
	}
	for i, c := range history.cmds {
		if c.Status != queue.StatusCompleted {
			t.Errorf("command %d: expected completed, got %s", i, c.Status)
		}
		if i > 0 && c.Seq <= history.cmds[i-1].Seq {
			t.Errorf("history out of order at %d", i)
		}
	}
	if !q.Idle() {
		t.Fatal("expected idle queue")
	}
}

func TestRun_CommandPanicFailsOnlyThatCommand(t *testing.T) {
	driver := &fakeDriver{panicOnKind: queue.KindCustom}
	q := queue.NewQueue()
	q.Enqueue(queue.New(queue.KindCustom, queue.Payload{Custom: map[string]string{"action": "reset"}}, "user"))
	q.Enqueue(queue.New(queue.KindDeliverBolus, queue.Payload{Units: 0.4}, "user"))

	wake := &countingWakeLock{}
	history := &memHistory{}
	loop := NewLoop(testConfig(), driver, q, nil, nil, Deps{Clock: newFakeClock(), WakeLock: wake, History: history})

	outcome, err := loop.Run(context.Background())
	if err != nil || outcome != OutcomeIdleDisconnect {
		t.Fatalf("expected loop to survive a command panic, got %s %v", outcome, err)
	}
	if len(history.cmds) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(history.cmds))
	}
	if history.cmds[0].Status != queue.StatusFailed {
		t.Errorf("expected panicking command failed, got %s", history.cmds[0].Status)
	}
	if history.cmds[1].Status != queue.StatusCompleted {
		t.Errorf("expected next command completed, got %s", history.cmds[1].Status)
	}
	if wake.released.Load() != 1 {
		t.Fatal("wake lock not released")
	}
}

func TestRun_LoopPanicReleasesWakeLock(t *testing.T) {
	driver := &fakeDriver{panicLink: true}
	q := queue.NewQueue()
	q.Enqueue(queue.New(queue.KindReadStatus, queue.Payload{}, "refresh"))

	wake := &countingWakeLock{}
	loop := NewLoop(testConfig(), driver, q, nil, nil, Deps{Clock: newFakeClock(), WakeLock: wake})

	outcome, err := loop.Run(context.Background())
	if outcome != OutcomeAborted {
		t.Fatalf("expected aborted, got %s", outcome)
	}
	if !errors.Is(err, ErrUnexpected) {
		t.Fatalf("expected ErrUnexpected, got %v", err)
	}
	if wake.acquired.Load() != 1 || wake.released.Load() != 1 {
		t.Fatalf("wake lock acquire/release = %d/%d", wake.acquired.Load(), wake.released.Load())
	}
	if q.Size() != 0 {
		t.Fatal("expected queue cleared after abort")
	}
}

type scriptedPermission struct {
	calls  int
	cancel context.CancelFunc
}

func (p *scriptedPermission) Granted() bool {
	p.calls++
	if p.calls == 5 {
		p.cancel()
	}
	return false
}

func TestRun_PermissionDeniedKeepsConnecting(t *testing.T) {
	driver := &fakeDriver{}
	q := queue.NewQueue()
	q.Enqueue(queue.New(queue.KindReadStatus, queue.Payload{}, "refresh"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	perm := &scriptedPermission{cancel: cancel}
	sink := &statusSink{}
	loop := NewLoop(testConfig(), driver, q, recordedNotifier(sink), nil, Deps{Clock: newFakeClock(), Permission: perm})

	outcome, err := loop.Run(ctx)
	if outcome != OutcomeCancelled || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled, got %s %v", outcome, err)
	}
	if driver.connects != 0 {
		t.Fatal("must not connect without permission")
	}
	if n := sink.count(pump.StatusConnecting); n != 5 {
		t.Fatalf("expected 5 connecting reports, got %d", n)
	}
	if q.Size() != 1 {
		t.Fatal("permission retries must not touch the queue")
	}
}

func TestRun_UpdatesDeviceState(t *testing.T) {
	driver := pump.NewVirtualDriver(pump.DefaultVirtualConfig())
	q := queue.NewQueue()
	q.Enqueue(queue.New(queue.KindSetTempAbsolute, queue.Payload{Rate: 0.8, DurationMinutes: 60}, "loop"))

	sink := &statusSink{}
	state := pump.NewStateHolder()
	loop := NewLoop(testConfig(), driver, q, recordedNotifier(sink), state, Deps{Clock: newFakeClock()})

	outcome, err := loop.Run(context.Background())
	if err != nil || outcome != OutcomeIdleDisconnect {
		t.Fatalf("expected idle disconnect, got %s %v", outcome, err)
	}
	st := state.Load()
	if st.Phase != pump.PhaseDisconnected {
		t.Fatalf("expected disconnected phase, got %s", st.Phase)
	}
	if st.ActiveTemp == nil || st.ActiveTemp.Rate != 0.8 {
		t.Fatalf("expected active temp in state, got %+v", st.ActiveTemp)
	}
	for _, kind := range []pump.StatusKind{pump.StatusConnecting, pump.StatusHandshaking, pump.StatusWaitingForDisconnection} {
		if sink.count(kind) == 0 {
			t.Errorf("expected at least one %s status", kind)
		}
	}
	if sink.count(pump.StatusConnected) != 1 {
		t.Errorf("expected Connected once, got %d", sink.count(pump.StatusConnected))
	}
}

func TestRun_SlowSinkDoesNotStallWorker(t *testing.T) {
	driver := pump.NewVirtualDriver(pump.DefaultVirtualConfig())
	q := queue.NewQueue()
	q.Enqueue(queue.New(queue.KindDeliverBolus, queue.Payload{Units: 0.5}, "user"))

	sink := &stuckSink{}
	notifier := pump.NewNotifier(sink)
	defer notifier.Close()
	loop := NewLoop(testConfig(), driver, q, notifier, nil, Deps{Clock: newFakeClock()})

	start := time.Now()
	outcome, err := loop.Run(context.Background())
	took := time.Since(start)
	if err != nil || outcome != OutcomeIdleDisconnect {
		t.Fatalf("expected idle disconnect, got %s %v", outcome, err)
	}
	if took > time.Second {
		t.Fatalf("worker waited on the status sink: run took %v", took)
	}
	if len(driver.Executed()) != 1 {
		t.Fatalf("expected bolus executed, got %v", driver.Executed())
	}
	if sink.calls.Load() == 0 {
		t.Fatal("expected the sink to be handed a status")
	}
}

func TestRun_RecordsCommandSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	driver := &fakeDriver{panicOnKind: queue.KindCancelTemp}
	q := queue.NewQueue()
	q.Enqueue(queue.New(queue.KindDeliverBolus, queue.Payload{Units: 0.3}, "user"))
	q.Enqueue(queue.New(queue.KindCancelTemp, queue.Payload{}, "loop"))

	loop := NewLoop(testConfig(), driver, q, nil, nil, Deps{Clock: newFakeClock(), Tracer: tp.Tracer("executor")})
	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 command spans, got %d", len(spans))
	}
	kinds := map[string]codes.Code{}
	for _, sp := range spans {
		if sp.Name() != "pump.execute" {
			t.Errorf("unexpected span name %q", sp.Name())
		}
		for _, kv := range sp.Attributes() {
			if kv.Key == "command.kind" {
				kinds[kv.Value.AsString()] = sp.Status().Code
			}
		}
	}
	if code, ok := kinds[string(queue.KindDeliverBolus)]; !ok || code == codes.Error {
		t.Errorf("expected ok bolus span, got %v (present=%v)", code, ok)
	}
	if kinds[string(queue.KindCancelTemp)] != codes.Error {
		t.Errorf("expected failed cancel span to carry error status")
	}
}

// #endregion execution-tests

// #region manager-tests

func TestManager_RunsLoopWhenCommandsArrive(t *testing.T) {
	driver := &fakeDriver{}
	q := queue.NewQueue()
	loop := NewLoop(testConfig(), driver, q, nil, nil, Deps{Clock: newFakeClock()})
	m := NewManager(loop, q, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	q.Enqueue(queue.New(queue.KindDeliverBolus, queue.Payload{Units: 0.2}, "user"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		outcome, runs := m.LastOutcome()
		if runs >= 1 {
			if outcome != OutcomeIdleDisconnect {
				t.Fatalf("expected idle disconnect, got %s", outcome)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("manager never ran the loop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestManager_ReadsStatusOnStart(t *testing.T) {
	driver := pump.NewVirtualDriver(pump.DefaultVirtualConfig())
	q := queue.NewQueue()
	state := pump.NewStateHolder()
	loop := NewLoop(testConfig(), driver, q, nil, state, Deps{Clock: newFakeClock()})
	m := NewManager(loop, q, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Serve(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, runs := m.LastOutcome(); runs >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("manager did not run on start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	executed := driver.Executed()
	if len(executed) != 1 || executed[0] != queue.KindReadStatus {
		t.Fatalf("expected a single startup status read, got %v", executed)
	}
	if state.Load().BaseBasalRate != pump.DefaultVirtualConfig().BaseBasalRate {
		t.Fatalf("expected base rate populated, got %v", state.Load().BaseBasalRate)
	}
}

// #endregion manager-tests
