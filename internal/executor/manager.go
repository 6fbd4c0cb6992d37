package executor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

// Manager owns the single executor goroutine. It starts a loop run when
// commands arrive or when a periodic status refresh is due.
type Manager struct {
	loop    *Loop
	queue   *queue.Queue
	refresh time.Duration

	mu   sync.Mutex
	last Outcome
	runs int
}

// NewManager creates a manager. A refresh of zero disables status refreshes.
func NewManager(loop *Loop, q *queue.Queue, refresh time.Duration) *Manager {
	return &Manager{loop: loop, queue: q, refresh: refresh}
}

// Serve blocks until ctx is done. It reads the pump status once on start so
// the device state is populated before the first refresh tick.
func (m *Manager) Serve(ctx context.Context) error {
	m.queue.Enqueue(queue.New(queue.KindReadStatus, queue.Payload{}, "startup"))

	var tick <-chan time.Time
	if m.refresh > 0 {
		t := time.NewTicker(m.refresh)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.queue.Ready():
		case <-tick:
			m.queue.Enqueue(queue.New(queue.KindReadStatus, queue.Payload{}, "refresh"))
		}
		if m.queue.Size() == 0 {
			continue
		}

		outcome, err := m.loop.Run(ctx)
		if err != nil {
			log.Printf("[EXEC] loop run: %s: %v", outcome, err)
		}
		m.mu.Lock()
		m.last = outcome
		m.runs++
		m.mu.Unlock()
	}
}

// LastOutcome returns the outcome of the latest run and how many runs
// have completed.
func (m *Manager) LastOutcome() (Outcome, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.runs
}
