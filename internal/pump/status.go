package pump

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// #region status

// StatusKind enumerates the values on the status stream.
type StatusKind string

const (
	StatusConnecting              StatusKind = "connecting"
	StatusHandshaking             StatusKind = "handshaking"
	StatusConnected               StatusKind = "connected"
	StatusDisconnecting           StatusKind = "disconnecting"
	StatusDisconnected            StatusKind = "disconnected"
	StatusWaitingForDisconnection StatusKind = "waiting_for_disconnection"
)

// Status is one notification on the status stream.
type Status struct {
	Kind           StatusKind `json:"kind"`
	ElapsedSeconds int        `json:"elapsed_seconds,omitempty"` // Connecting and Handshaking only
	Detail         string     `json:"detail,omitempty"`
	At             time.Time  `json:"at"`
}

func (s Status) String() string {
	switch s.Kind {
	case StatusConnecting, StatusHandshaking:
		return fmt.Sprintf("%s (%ds)", s.Kind, s.ElapsedSeconds)
	}
	if s.Detail != "" {
		return fmt.Sprintf("%s: %s", s.Kind, s.Detail)
	}
	return string(s.Kind)
}

// Phase maps a status kind to the link phase it implies.
func (k StatusKind) Phase() Phase {
	switch k {
	case StatusConnecting:
		return PhaseConnecting
	case StatusHandshaking:
		return PhaseHandshaking
	case StatusConnected, StatusWaitingForDisconnection:
		return PhaseConnected
	case StatusDisconnecting:
		return PhaseDisconnecting
	default:
		return PhaseDisconnected
	}
}

// #endregion status

// #region notifier

// sinkTimeout bounds one off-process publish.
const sinkTimeout = 2 * time.Second

// Sink receives published statuses, e.g. to forward them off-process. Each
// sink is drained by its own goroutine; a slow sink skips to the latest
// status and never delays the publisher.
type Sink interface {
	PublishStatus(ctx context.Context, s Status) error
}

// Notifier fans status out to subscribers and sinks. Each subscriber and
// sink channel holds at most one value; a slow reader sees only the latest
// status.
type Notifier struct {
	mu     sync.Mutex
	subs   []chan Status
	sinks  []chan Status
	hooks  []func(Status)
	latest Status
	closed bool
}

// NewNotifier creates a notifier whose latest status is Disconnected and
// starts one delivery goroutine per sink. Close stops them.
func NewNotifier(sinks ...Sink) *Notifier {
	n := &Notifier{latest: Status{Kind: StatusDisconnected}}
	for _, sink := range sinks {
		ch := make(chan Status, 1)
		n.sinks = append(n.sinks, ch)
		go drain(sink, ch)
	}
	return n
}

func drain(sink Sink, ch <-chan Status) {
	for s := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := sink.PublishStatus(ctx, s); err != nil {
			log.Printf("[STATUS] sink error: %v", err)
		}
		cancel()
	}
}

// OnPublish registers fn to run synchronously on every Publish, in order.
// fn must not block.
func (n *Notifier) OnPublish(fn func(Status)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hooks = append(n.hooks, fn)
}

// Subscribe returns a channel that always holds the most recent status not
// yet read. The channel is closed when ctx is done.
func (n *Notifier) Subscribe(ctx context.Context) <-chan Status {
	ch := make(chan Status, 1)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, c := range n.subs {
			if c == ch {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// Publish records s as the latest status and delivers it without blocking.
func (n *Notifier) Publish(s Status) {
	if s.At.IsZero() {
		s.At = time.Now().UTC()
	}
	n.mu.Lock()
	n.latest = s
	for _, ch := range n.subs {
		offer(ch, s)
	}
	if !n.closed {
		for _, ch := range n.sinks {
			offer(ch, s)
		}
	}
	hooks := n.hooks
	n.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
}

// offer puts s into a 1-buffered channel, replacing an unread value.
func offer(ch chan Status, s Status) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Latest returns the most recently published status.
func (n *Notifier) Latest() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latest
}

// Close stops sink delivery. A status already handed to a sink finishes.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for _, ch := range n.sinks {
		close(ch)
	}
}

// #endregion notifier
