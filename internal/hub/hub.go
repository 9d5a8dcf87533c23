// Package hub is the per-hub coordinator: it owns the registry, reacts to
// membership changes, drives gossip and migration, and exposes the child
// lifecycle operations to the host application.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"processhub/internal/clock"
	"processhub/internal/cluster"
	"processhub/internal/gossip"
	"processhub/internal/logging"
	"processhub/internal/migration"
	"processhub/internal/registry"
	"processhub/internal/signal/freshness"
	"processhub/internal/signal/ntp"
	"processhub/internal/strategy/distribution"
	"processhub/internal/strategy/redundancy"
	"processhub/internal/transport"
	"processhub/internal/worker"
)

// active tracks hubs per process, keyed by (hub, node): a duplicate is a
// configuration error and must abort startup loudly. The node qualifier
// lets one process host several nodes of the same hub, which the tests do.
var active = struct {
	mu sync.Mutex
	m  map[string]*Hub
}{m: make(map[string]*Hub)}

// Hub is one logical hub instance on one node.
type Hub struct {
	name string
	log  *slog.Logger
	trc  trace.Tracer

	view cluster.View
	tr   transport.Transport
	sup  Supervisor
	clk  clock.Clock
	dist distribution.Strategy
	red  redundancy.Strategy
	ntp  *ntp.Checker

	syncCfg gossip.Config
	migCfg  migration.Config

	reg     *registry.Registry
	fresh   *freshness.Tracker
	sync    *gossip.Synchronizer
	mig     *migration.Migrator
	caller  *transport.Caller
	pending *migration.PendingHandovers
	hooks   *Hooks

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a hub. The cluster view, transport, and supervisor are
// injected; strategies and knobs default to the spec values.
func New(name string, opts ...Option) (*Hub, error) {
	h := &Hub{
		name:    name,
		clk:     clock.Real{},
		red:     redundancy.Strategy{ReplicationFactor: 1},
		syncCfg: gossip.DefaultConfig(),
		migCfg:  migration.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(h)
	}

	if name == "" {
		return nil, fmt.Errorf("hub name is required")
	}
	if h.view == nil {
		return nil, fmt.Errorf("cluster view is required")
	}
	if h.tr == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if h.sup == nil {
		return nil, fmt.Errorf("supervisor is required")
	}
	if h.dist == nil {
		h.dist = distribution.NewConsistentHash()
	}
	if h.syncCfg.Interval <= 0 {
		h.syncCfg.Interval = gossip.DefaultConfig().Interval
	}
	if h.syncCfg.Fanout <= 0 {
		h.syncCfg.Fanout = gossip.DefaultConfig().Fanout
	}
	if h.migCfg.Retention <= 0 {
		h.migCfg.Retention = migration.DefaultConfig().Retention
	}
	if h.migCfg.StartTimeout <= 0 {
		h.migCfg.StartTimeout = migration.DefaultConfig().StartTimeout
	}
	if h.migCfg.ShutdownTimeout <= 0 {
		h.migCfg.ShutdownTimeout = migration.DefaultConfig().ShutdownTimeout
	}

	h.log = logging.Component("hub").With("hub", name, "node", h.tr.Self())
	h.trc = otel.Tracer("processhub")
	h.reg = registry.New(h.tr.Self())
	h.caller = transport.NewCaller(name, h.tr, h.migCfg.StartTimeout)
	h.pending = migration.NewPendingHandovers()
	h.hooks = newHooks(name, h.log)
	h.sync = gossip.New(name, h.view, h.tr, h.reg, h.clk, h.syncCfg, h.onGossipApplied)
	// Peers go stale after two missed sync intervals.
	h.fresh = freshness.NewTracker(h.tr.Self(), h.clk, 2*h.syncCfg.Interval)
	h.sync.Freshness = h.fresh
	h.mig = migration.New(name, h.reg, h.caller, h.sup, h.migCfg)
	h.mig.OnTerminated = func(cid string) {
		h.sync.Propagate([]registry.ChildUpdate{{CID: cid}}, registry.OpRem)
	}
	return h, nil
}

// Name returns the hub identifier.
func (h *Hub) Name() string { return h.name }

// Self returns the local node name.
func (h *Hub) Self() string { return h.tr.Self() }

// On registers a callback for the named hook.
func (h *Hub) On(hook string, cb func(HookEvent)) {
	h.hooks.On(hook, cb)
}

// Start wires the transport, subscribes to membership, and launches the
// hub's actors. A second hub with the same name on the same node in this
// process is refused.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return fmt.Errorf("hub %s already started", h.name)
	}

	key := h.name + "/" + h.tr.Self()
	active.mu.Lock()
	if _, dup := active.m[key]; dup {
		active.mu.Unlock()
		return fmt.Errorf("%w: %s", registry.ErrHubDuplicated, key)
	}
	active.m[key] = h
	active.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel

	h.tr.SetHandler(h.dispatch)
	events, cancelSub := h.view.Subscribe()

	h.wg.Add(3)
	go func() {
		defer h.wg.Done()
		defer cancelSub()
		h.eventLoop(runCtx, events)
	}()
	go func() {
		defer h.wg.Done()
		h.sync.Run(runCtx)
	}()
	go func() {
		defer h.wg.Done()
		h.hooks.run(runCtx)
	}()
	if h.ntp != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.ntp.Run(runCtx)
		}()
	}

	h.started = true
	h.log.Info("hub started")
	return nil
}

// Stop shuts the hub down. With handover enabled the graceful-leave path
// ships every local child's state to its next owner first.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	cancel := h.cancel
	h.mu.Unlock()

	if h.migCfg.Handover {
		err := h.mig.ShutdownHandover(ctx, h.view, h.dist, h.red.Factor(), h.shipHandover)
		if err != nil {
			h.log.Warn("shutdown handover incomplete", "err", err)
		}
	}

	cancel()
	h.wg.Wait()

	active.mu.Lock()
	delete(active.m, h.name+"/"+h.tr.Self())
	active.mu.Unlock()

	h.log.Info("hub stopped")
	return nil
}

// SendHandover implements worker.StateSender: it routes a worker's state to
// a replica on another node (or locally, when the owner is self).
func (h *Hub) SendHandover(node, cid string, state json.RawMessage) error {
	if node == h.tr.Self() {
		return h.sup.Deliver(cid, worker.Handover{State: state})
	}
	env, err := transport.NewEnvelope(h.name, h.tr.Self(), transport.KindHandover,
		transport.HandoverMessage{CID: cid, State: state})
	if err != nil {
		return err
	}
	return h.tr.Send(node, env)
}

func (h *Hub) shipHandover(node string, items []transport.HandoverItem) error {
	env, err := transport.NewEnvelope(h.name, h.tr.Self(), transport.KindHandoverShip,
		transport.HandoverShip{Items: items})
	if err != nil {
		return err
	}
	return h.tr.Send(node, env)
}

// onGossipApplied reacts to registry changes made by inbound gossip:
// redundancy transitions for replicas hosted here.
func (h *Hub) onGossipApplied(changes []registry.Change) {
	for _, ch := range changes {
		if ch.Removed {
			continue
		}
		h.signalRedundancy(ch.CID, ch.Locations)
	}
}

// signalRedundancy recomputes replica modes for cid. The ordering comes
// from the distribution strategy over the current location set, so every
// node reaches the same verdict and only signals its own replica.
func (h *Hub) signalRedundancy(cid string, locations []registry.Location) {
	if len(locations) == 0 {
		return
	}
	nodes := make([]string, 0, len(locations))
	for _, l := range locations {
		nodes = append(nodes, l.Node)
	}
	ordered := h.dist.BelongsTo(cid, nodes, len(nodes))
	modes := h.red.Modes(ordered)

	self := h.tr.Self()
	mode, hosted := modes[self]
	if !hosted {
		return
	}
	if _, local := h.reg.HasLocal(cid); !local {
		return
	}
	if err := h.sup.Deliver(cid, worker.RedundancySignal{Mode: mode}); err != nil {
		// The replica may have died between the registry update and the
		// signal; the next change will re-evaluate.
		h.log.Debug("redundancy signal not delivered", "cid", cid, "err", err)
		return
	}
	h.hooks.Dispatch(HookRedundancySignal, RedundancySignalData{CID: cid, Mode: string(mode)})
}
