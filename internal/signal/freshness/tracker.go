// Package freshness tracks how recently each peer's registry contribution
// was applied locally, and how far its reported clock trailed ours. A peer
// whose contributions stop arriving goes stale well before the membership
// layer declares it dead, which makes gossip gaps visible in status output.
package freshness

import (
	"sync"
	"time"

	"processhub/internal/check"
	"processhub/internal/clock"
)

// Phase is a peer's gossip-freshness state.
type Phase uint8

const (
	Unknown Phase = iota + 1
	Fresh
	Stale
	Removed
)

func (p Phase) String() string {
	switch p {
	case Unknown:
		return "unknown"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Removed:
		return "removed"
	default:
		return "unknown_phase"
	}
}

// Transition validates a phase change and returns the new phase.
func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case Unknown:
		ok = to == Fresh || to == Stale || to == Removed
	case Fresh:
		ok = to == Stale || to == Removed
	case Stale:
		ok = to == Fresh || to == Removed
	case Removed:
		ok = to == Fresh
	}
	check.Assertf(ok, "freshness transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

type peerState struct {
	lastSeen       time.Time
	reportedAt     time.Time
	localClockAtRx time.Time
}

// PeerHealth is one peer's observed gossip health.
type PeerHealth struct {
	// Freshness is the age of the last applied contribution.
	Freshness time.Duration
	Phase     Phase
	// GossipLag is how far the peer's reported timestamp trailed the local
	// clock when its contribution arrived; sustained growth means clock
	// skew or a slow gossip path.
	GossipLag time.Duration
}

// Tracker records contribution arrivals per peer.
type Tracker struct {
	mu       sync.RWMutex
	peers    map[string]peerState
	self     string
	staleAge time.Duration
	clock    clock.Clock
}

// NewTracker builds a tracker; peers go stale after staleAge without a
// contribution (typically two sync intervals).
func NewTracker(self string, clk clock.Clock, staleAge time.Duration) *Tracker {
	check.Assert(clk != nil, "freshness.NewTracker: clock must not be nil")
	check.Assert(staleAge > 0, "freshness.NewTracker: staleAge must be positive")
	return &Tracker{
		peers:    make(map[string]peerState),
		self:     self,
		staleAge: staleAge,
		clock:    clk,
	}
}

// RecordSeen notes an applied contribution from node, reported at its own
// clock time reportedAt.
func (ft *Tracker) RecordSeen(node string, reportedAt time.Time) {
	if node == ft.self {
		return
	}

	now := ft.clock.Now()

	ft.mu.Lock()
	ft.peers[node] = peerState{
		lastSeen:       now,
		reportedAt:     reportedAt,
		localClockAtRx: now,
	}
	ft.mu.Unlock()
}

// Remove forgets a departed peer.
func (ft *Tracker) Remove(node string) {
	ft.mu.Lock()
	delete(ft.peers, node)
	ft.mu.Unlock()
}

// Snapshot reports every tracked peer's health.
func (ft *Tracker) Snapshot() map[string]PeerHealth {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	now := ft.clock.Now()
	out := make(map[string]PeerHealth, len(ft.peers))
	for node, p := range ft.peers {
		age := now.Sub(p.lastSeen)
		lag := p.localClockAtRx.Sub(p.reportedAt)
		if lag < 0 {
			lag = 0
		}
		phase := Fresh
		if age > ft.staleAge {
			phase = Stale
		}
		out[node] = PeerHealth{Freshness: age, Phase: phase, GossipLag: lag}
	}
	return out
}
