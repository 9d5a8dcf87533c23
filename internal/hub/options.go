package hub

import (
	"processhub/internal/clock"
	"processhub/internal/cluster"
	"processhub/internal/gossip"
	"processhub/internal/migration"
	"processhub/internal/signal/ntp"
	"processhub/internal/strategy/distribution"
	"processhub/internal/strategy/redundancy"
	"processhub/internal/transport"
)

// Option configures a Hub at construction.
type Option func(*Hub)

// WithView injects the cluster view. Required.
func WithView(v cluster.View) Option {
	return func(h *Hub) { h.view = v }
}

// WithTransport injects the node-to-node transport. Required.
func WithTransport(t transport.Transport) Option {
	return func(h *Hub) { h.tr = t }
}

// WithSupervisor injects the local process runtime. Required.
func WithSupervisor(s Supervisor) Option {
	return func(h *Hub) { h.sup = s }
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clk = c }
}

// WithDistribution overrides the placement strategy.
func WithDistribution(d distribution.Strategy) Option {
	return func(h *Hub) { h.dist = d }
}

// WithRedundancy overrides the redundancy strategy.
func WithRedundancy(r redundancy.Strategy) Option {
	return func(h *Hub) { h.red = r }
}

// WithSyncConfig overrides the gossip knobs.
func WithSyncConfig(cfg gossip.Config) Option {
	return func(h *Hub) { h.syncCfg = cfg }
}

// WithMigrationConfig overrides the migration knobs.
func WithMigrationConfig(cfg migration.Config) Option {
	return func(h *Hub) { h.migCfg = cfg }
}

// WithNTPChecker attaches a clock-skew checker, run for the hub's lifetime.
func WithNTPChecker(c *ntp.Checker) Option {
	return func(h *Hub) { h.ntp = c }
}
