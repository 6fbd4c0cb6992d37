package queue

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned by Finish when the command is not the one executing.
var ErrBusy = errors.New("queue: command is not the executing command")

// #region queue-struct

// Queue is a FIFO of pending commands with at most one executing command.
// Enqueue is safe from any goroutine; Pickup and Finish are meant for the
// single executor.
type Queue struct {
	mu         sync.Mutex
	pending    []*Command
	performing *Command
	seq        uint64
	ready      chan struct{}
	now        func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		now:   time.Now,
	}
}

// #endregion queue-struct

// #region enqueue

// Enqueue assigns identity to cmd and appends it. Pending commands that the
// new one supersedes are dropped first. Returns false when cmd was a
// duplicate status read and was not added.
func (q *Queue) Enqueue(cmd *Command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cmd.Kind == KindReadStatus && q.hasPendingLocked(KindReadStatus) {
		log.Printf("[QUEUE] status read already pending, skipping")
		return false
	}
	removed := q.removeSupersededLocked(cmd.Kind)
	if removed > 0 {
		log.Printf("[QUEUE] %s replaced %d pending command(s)", cmd.Kind, removed)
	}

	q.seq++
	cmd.ID = uuid.New().String()
	cmd.Seq = q.seq
	cmd.EnqueuedAt = q.now()
	cmd.Status = StatusPending
	q.pending = append(q.pending, cmd)

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) hasPendingLocked(kind Kind) bool {
	for _, c := range q.pending {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

func (q *Queue) removeSupersededLocked(kind Kind) int {
	supersedes := func(c *Command) bool {
		switch {
		case kind.IsTempBasal():
			return c.Kind.IsTempBasal()
		case kind.IsExtendedBolus():
			return c.Kind.IsExtendedBolus()
		case kind == KindSetProfile:
			return c.Kind == KindSetProfile
		}
		return false
	}
	kept := q.pending[:0]
	removed := 0
	for _, c := range q.pending {
		if supersedes(c) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	return removed
}

// Ready is signalled after every successful Enqueue.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// #endregion enqueue

// #region pickup

// Pickup moves the oldest pending command into the executing slot and
// returns it. Returns nil when the queue is empty or a command is already
// executing.
func (q *Queue) Pickup() *Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.performing != nil || len(q.pending) == 0 {
		return nil
	}
	cmd := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	cmd.Status = StatusExecuting
	cmd.StartedAt = q.now()
	q.performing = cmd
	return cmd
}

// Performing returns a copy of the executing command, or nil.
func (q *Queue) Performing() *Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.performing == nil {
		return nil
	}
	cp := q.performing.Snapshot()
	return &cp
}

// Finish marks the executing command terminal and frees the slot.
func (q *Queue) Finish(cmd *Command, ok bool, comment string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.performing == nil || q.performing != cmd {
		return ErrBusy
	}
	if ok {
		cmd.Status = StatusCompleted
	} else {
		cmd.Status = StatusFailed
	}
	cmd.Comment = comment
	cmd.FinishedAt = q.now()
	q.performing = nil
	return nil
}

// #endregion pickup

// #region inspect

// Size returns the number of pending commands, excluding the executing one.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Idle reports whether nothing is pending or executing.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && q.performing == nil
}

// Pending returns copies of the pending commands in FIFO order.
func (q *Queue) Pending() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Command, len(q.pending))
	for i, c := range q.pending {
		out[i] = c.Snapshot()
	}
	return out
}

// IsQueued reports whether a command of the given kind is pending or executing.
func (q *Queue) IsQueued(kind Kind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.performing != nil && q.performing.Kind == kind {
		return true
	}
	return q.hasPendingLocked(kind)
}

// Clear drops every pending command in one step and returns how many were
// removed. The executing command, if any, is left alone.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	for _, c := range q.pending {
		c.Status = StatusFailed
		c.Comment = "queue cleared"
	}
	q.pending = nil
	return n
}

// #endregion inspect
