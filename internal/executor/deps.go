package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

var (
	ErrConnectionTimeout = errors.New("executor: connection timeout")
	ErrPermissionDenied  = errors.New("executor: transport permission denied")
	ErrCommandFailed     = errors.New("executor: command failed")
	ErrUnexpected        = errors.New("executor: unexpected failure")
)

// #region collaborators

// Clock is the loop's source of time. Sleep returns early with ctx.Err()
// when ctx is done.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// WakeLock keeps the host from sleeping while the loop runs.
type WakeLock interface {
	Acquire()
	Release()
}

// Permission reports whether the transport may be used, e.g. the radio
// permission on the host.
type Permission interface {
	Granted() bool
}

// Adapter is the wireless adapter the watchdog power-cycles.
type Adapter interface {
	PowerCycle(ctx context.Context) error
}

// WatchdogStore persists when the watchdog last fired.
type WatchdogStore interface {
	LastBark(ctx context.Context) (time.Time, error)
	RecordBark(ctx context.Context, at time.Time) error
}

// History records terminal commands.
type History interface {
	RecordCommand(ctx context.Context, cmd queue.Command) error
}

// #endregion collaborators

// #region defaults

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type noopWakeLock struct{}

func (noopWakeLock) Acquire() {}
func (noopWakeLock) Release() {}

// AlwaysGranted is a Permission for hosts without a transport permission model.
type AlwaysGranted struct{}

func (AlwaysGranted) Granted() bool { return true }

type noopAdapter struct{}

func (noopAdapter) PowerCycle(context.Context) error { return nil }

// MemoryWatchdog keeps the last bark in memory only.
type MemoryWatchdog struct {
	mu   sync.Mutex
	last time.Time
}

func (m *MemoryWatchdog) LastBark(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}

func (m *MemoryWatchdog) RecordBark(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = at
	return nil
}

// #endregion defaults
