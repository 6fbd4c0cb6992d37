package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/bus"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/config"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/dosing"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/executor"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/logging"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/metrics"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/observability"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/pump"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/remote"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/store"
)

// #region main
func main() {
	configPath := flag.String("config", "", "path to loop.yaml (optional)")
	virtual := flag.Bool("virtual", false, "drive the in-process virtual pump even when a bridge is configured")
	profileBasal := flag.Float64("profile-basal", 0, "flat profile basal in U/h; 0 uses the pump's base rate")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logCloser, err := logging.Init(cfg.Logging())
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing())
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Printf("[LOOPD] tracer shutdown: %v", err)
		}
	}()

	if err := run(ctx, cfg, *virtual, *profileBasal, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("loopd: %v", err)
	}
	log.Println("[LOOPD] stopped")
}

func run(ctx context.Context, cfg config.Config, virtual bool, profileBasal float64, in io.Reader) error {
	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	state := pump.NewStateHolder()
	if saved, ok, err := st.LoadDeviceState(ctx); err != nil {
		log.Printf("[LOOPD] restore device state: %v", err)
	} else if ok {
		saved.Phase = pump.PhaseDisconnected
		state.Store(saved)
		log.Printf("[LOOPD] restored device state from %s", saved.UpdatedAt.Format(time.RFC3339))
	}

	var sinks []pump.Sink
	var intake *bus.Intake
	if cfg.RedisURL != "" {
		rdb, err := bus.ConnectRedis(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		sinks = append(sinks, bus.NewStatusPublisher(rdb))
		host, _ := os.Hostname()
		intake = bus.NewIntake(rdb, "loopd-"+host, 5*time.Second)
		if err := intake.EnsureGroup(ctx); err != nil {
			return err
		}
	}
	notifier := pump.NewNotifier(sinks...)
	defer notifier.Close()

	var driver pump.Driver
	var adapter executor.Adapter
	if cfg.BridgeAddr == "" || virtual {
		vc := pump.DefaultVirtualConfig()
		if b := state.Load().BaseBasalRate; b > 0 {
			vc.BaseBasalRate = b
		}
		driver = pump.NewVirtualDriver(vc)
		log.Println("[LOOPD] using virtual pump")
	} else {
		bc, err := remote.NewClient(cfg.BridgeAddr)
		if err != nil {
			return err
		}
		defer bc.Close()
		bc.Seed(state.Load())
		driver, adapter = bc, bc
		log.Printf("[LOOPD] using pump bridge at %s", cfg.BridgeAddr)
	}

	seedFromDriver(state, driver, time.Now())

	q := queue.NewQueue()
	loop := executor.NewLoop(cfg.Executor(), driver, q, notifier, state, executor.Deps{
		Adapter:  adapter,
		Watchdog: st,
		History:  st,
	})
	mgr := executor.NewManager(loop, q, cfg.StatusRefresh())

	var profiles dosing.ProfileSource = orchestrator.DeviceProfile{State: state}
	if profileBasal > 0 {
		profiles = dosing.StaticSource{P: dosing.FlatProfile(profileBasal)}
	}
	orch := orchestrator.NewOrchestrator(dosing.NewEngine(cfg.Dosing(), profiles), profiles, q, state, st.DB())

	metrics.Register()
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Instrument(routes(state, notifier, q, mgr))}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[LOOPD] http: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go persistState(ctx, notifier, state, st)
	if intake != nil {
		go orch.Consume(ctx, intake)
	}
	go readRecommendations(ctx, in, orch)

	fmt.Printf("loopd ready. DB: %s | metrics: %s | closed loop: %v\n", cfg.DBPath, cfg.MetricsAddr, cfg.ClosedLoop)
	return mgr.Serve(ctx)
}

// seedFromDriver fills an unknown base rate and limits from the driver, so
// open-loop decisions have a profile before the first status read.
func seedFromDriver(state *pump.StateHolder, driver pump.Driver, now time.Time) {
	if state.Load().BaseBasalRate > 0 {
		return
	}
	snap := pump.Snapshot(driver, pump.PhaseDisconnected, now)
	if snap.BaseBasalRate <= 0 {
		return
	}
	state.Store(snap)
	log.Printf("[LOOPD] device state seeded from driver: base %.2f U/h", snap.BaseBasalRate)
}

// #endregion main

// #region stdin

// readRecommendations feeds one JSON recommendation per line to orch.
func readRecommendations(ctx context.Context, in io.Reader, orch *orchestrator.Orchestrator) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec dosing.Recommendation
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Printf("[LOOPD] bad recommendation: %v", err)
			continue
		}
		d := orch.HandleRecommendation(rec)
		fmt.Println(d.Summary())
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[LOOPD] stdin: %v", err)
	}
}

// #endregion stdin

// #region state

// persistState saves the device state whenever the link goes down, so a
// restart begins from the last known temp and limits.
func persistState(ctx context.Context, n *pump.Notifier, state *pump.StateHolder, st *store.Store) {
	for s := range n.Subscribe(ctx) {
		if s.Kind != pump.StatusDisconnected {
			continue
		}
		if err := st.SaveDeviceState(ctx, state.Load()); err != nil {
			log.Printf("[LOOPD] save device state: %v", err)
		}
	}
}

// #endregion state

// #region http

func routes(state *pump.StateHolder, n *pump.Notifier, q *queue.Queue, mgr *executor.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		outcome, runs := mgr.LastOutcome()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"device":       state.Load(),
			"status":       n.Latest(),
			"pending":      q.Pending(),
			"last_outcome": outcome,
			"runs":         runs,
		})
	})
	return mux
}

// #endregion http
