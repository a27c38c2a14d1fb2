package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Timer is one cancellable piece of delayed work owned by a Group.
type Timer struct {
	group *Group
	t     *time.Timer
}

// Cancel stops the timer if it has not fired yet.
func (t *Timer) Cancel() {
	if t.t.Stop() {
		t.group.remove(t)
	}
}

// Group owns delayed work on behalf of a session or coordinator.
// Stopping the group cancels everything still pending, so disposal
// never lets a timer fire against a freed resource.
type Group struct {
	mu      sync.Mutex
	pending map[*Timer]struct{}
	stopped bool
}

func NewGroup() *Group {
	return &Group{pending: make(map[*Timer]struct{})}
}

// After schedules fn after d. Returns nil when the group is stopped.
func (g *Group) After(d time.Duration, fn func()) *Timer {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return nil
	}
	timer := &Timer{group: g}
	timer.t = time.AfterFunc(d, func() {
		g.remove(timer)
		fn()
	})
	g.pending[timer] = struct{}{}
	return timer
}

func (g *Group) remove(t *Timer) {
	g.mu.Lock()
	delete(g.pending, t)
	g.mu.Unlock()
}

// StopAll cancels all pending timers and rejects new ones.
func (g *Group) StopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopped = true
	for t := range g.pending {
		t.t.Stop()
	}
	g.pending = make(map[*Timer]struct{})
}

// Pending reports how many timers have not fired or been cancelled.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

type signal struct{}

// Periodic runs fn on demand and then at least every sleep interval,
// until stopped.
type Periodic struct {
	done   chan signal
	wakeCh chan signal
	cancel context.CancelFunc
}

// StartPeriodic launches the background loop. Run schedules an
// immediate extra pass.
func StartPeriodic(fn func(ctx context.Context), sleep time.Duration) *Periodic {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Periodic{
		done:   make(chan signal),
		wakeCh: make(chan signal, 1),
		cancel: cancel,
	}
	go func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.wakeCh:
			case <-time.After(sleep):
			}
			fn(ctx)
		}
	}()
	return p
}

// Run requests an immediate pass. No-op if one is already queued.
func (p *Periodic) Run() {
	select {
	case p.wakeCh <- signal{}:
	default:
	}
}

// Stop cancels the loop and waits for it to exit.
func (p *Periodic) Stop(timeout time.Duration) error {
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout")
	}
}
