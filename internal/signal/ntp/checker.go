// Package ntp watches the local clock against an NTP pool. Gossip merges
// tolerate clock skew below one sync interval; the checker makes violations
// of that assumption observable instead of silently losing a node's
// registry contributions.
package ntp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"processhub/internal/check"
	"processhub/internal/clock"
)

const (
	defaultPool     = "pool.ntp.org"
	defaultInterval = 60 * time.Second
)

// Phase is the checker's health state.
type Phase uint8

const (
	Unchecked Phase = iota + 1
	Healthy
	UnhealthyOffset
	Errored
)

func (p Phase) String() string {
	switch p {
	case Unchecked:
		return "unchecked"
	case Healthy:
		return "healthy"
	case UnhealthyOffset:
		return "unhealthy_offset"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Transition validates a phase change and returns the new phase.
func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case Unchecked:
		ok = to == Healthy || to == UnhealthyOffset || to == Errored
	case Healthy:
		ok = to == Healthy || to == UnhealthyOffset || to == Errored
	case UnhealthyOffset:
		ok = to == Healthy || to == UnhealthyOffset || to == Errored
	case Errored:
		ok = to == Healthy || to == UnhealthyOffset || to == Errored
	}
	check.Assertf(ok, "ntp transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

// Status is the last observation.
type Status struct {
	Offset    time.Duration
	Phase     Phase
	Error     string
	CheckedAt time.Time
}

// Checker periodically queries the pool and caches the result.
type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     clock.Clock

	// CheckFunc replaces the NTP query in tests.
	CheckFunc func() Status
}

// NewChecker builds a checker whose unhealthy threshold is derived from the
// hub's sync interval: skew beyond half the interval risks contribution
// loss under the per-node last-writer-wins merge.
func NewChecker(clk clock.Clock, syncInterval time.Duration) *Checker {
	check.Assert(clk != nil, "ntp.NewChecker: clock must not be nil")
	check.Assert(syncInterval > 0, "ntp.NewChecker: sync interval must be positive")
	return &Checker{
		pool:      defaultPool,
		interval:  defaultInterval,
		threshold: syncInterval / 2,
		status:    Status{Phase: Unchecked},
		clock:     clk,
	}
}

// Run checks once immediately, then on every interval tick until ctx ends.
func (n *Checker) Run(ctx context.Context) {
	n.check()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.check()
		}
	}
}

func (n *Checker) check() {
	if n.CheckFunc != nil {
		next := n.CheckFunc()
		n.mu.Lock()
		next.Phase = n.status.Phase.Transition(next.Phase)
		n.status = next
		n.mu.Unlock()
		return
	}

	resp, err := ntp.Query(n.pool)

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	if err != nil {
		n.status = Status{Error: err.Error(), Phase: n.status.Phase.Transition(Errored), CheckedAt: now}
		return
	}

	phase := UnhealthyOffset
	if resp.ClockOffset.Abs() < n.threshold {
		phase = Healthy
	} else {
		slog.Warn("clock offset exceeds gossip skew threshold",
			"offset", resp.ClockOffset, "threshold", n.threshold)
	}
	n.status = Status{Offset: resp.ClockOffset, Phase: n.status.Phase.Transition(phase), CheckedAt: now}
}

// Status returns the cached observation.
func (n *Checker) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}
