// Package gossip converges the registry across the cluster: periodic sync
// rounds that accumulate every node's local snapshot before anyone applies,
// and out-of-band propagate messages that push individual registry
// mutations inside the ack window. No single round carries a correctness
// guarantee; convergence follows from periodic re-initiation and the
// per-node last-writer-wins merge.
package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"processhub/internal/check"
	"processhub/internal/clock"
	"processhub/internal/cluster"
	"processhub/internal/logging"
	"processhub/internal/registry"
	"processhub/internal/signal/freshness"
	"processhub/internal/transport"
)

// Config are the sync-strategy knobs.
type Config struct {
	// Interval between round initiations. Also bounds ref lifetime.
	Interval time.Duration
	// Fanout is how many peers each hop forwards to.
	Fanout int
	// RestrictedInit limits initiation to the first node in sort order.
	RestrictedInit bool
}

// DefaultConfig matches the spec defaults.
func DefaultConfig() Config {
	return Config{Interval: 15 * time.Second, Fanout: 3, RestrictedInit: true}
}

// Synchronizer runs the gossip protocol for one hub on one node.
type Synchronizer struct {
	hub  string
	view cluster.View
	tr   transport.Transport
	reg  *registry.Registry
	clk  clock.Clock
	cfg  Config
	log  *slog.Logger
	trc  trace.Tracer

	// onApplied observes registry changes made by inbound gossip, so the
	// coordinator can dispatch redundancy transitions.
	onApplied func([]registry.Change)

	// Freshness, when set, records each peer contribution as it is
	// applied. Set before Run.
	Freshness *freshness.Tracker

	mu   sync.Mutex
	refs map[string]*refState
	seq  uint64
}

type refState struct {
	nodesData   map[string]registry.Contribution
	acks        map[string]bool
	invalidated bool
	expires     time.Time
}

// New builds a synchronizer. onApplied may be nil.
func New(hub string, view cluster.View, tr transport.Transport, reg *registry.Registry, clk clock.Clock, cfg Config, onApplied func([]registry.Change)) *Synchronizer {
	check.Assert(view != nil, "gossip.New: view must not be nil")
	check.Assert(tr != nil, "gossip.New: transport must not be nil")
	check.Assert(reg != nil, "gossip.New: registry must not be nil")
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultConfig().Fanout
	}
	return &Synchronizer{
		hub:       hub,
		view:      view,
		tr:        tr,
		reg:       reg,
		clk:       clk,
		cfg:       cfg,
		log:       logging.Component("gossip").With("hub", hub),
		trc:       otel.Tracer("processhub"),
		onApplied: onApplied,
		refs:      make(map[string]*refState),
	}
}

// Run initiates rounds on every interval tick until ctx ends.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expireRefs()
			s.maybeInitiate(ctx)
		}
	}
}

func (s *Synchronizer) maybeInitiate(ctx context.Context) {
	nodes := s.view.Nodes(true)
	if len(nodes) < 2 {
		return
	}
	if s.cfg.RestrictedInit && nodes[0] != s.tr.Self() {
		return
	}
	s.InitiateRound(ctx)
}

// InitiateRound mints a ref, seeds it with the local snapshot, and sends it
// to fanout peers.
func (s *Synchronizer) InitiateRound(ctx context.Context) {
	_, span := s.trc.Start(ctx, "gossip.round.initiate")
	defer span.End()

	self := s.tr.Self()
	ref := s.mintRef()
	span.SetAttributes(attribute.String("ref", ref))

	data := map[string]registry.Contribution{
		self: s.reg.LocalSnapshot(s.clk.Now().UnixMicro()),
	}

	s.mu.Lock()
	s.refs[ref] = &refState{
		nodesData: data,
		acks:      make(map[string]bool),
		expires:   time.Now().Add(s.cfg.Interval),
	}
	s.mu.Unlock()

	msg := transport.SyncMessage{Ref: ref, NodesData: data, SyncAcks: nil}
	s.forward(transport.KindSync, msg, s.pickPeers(s.view.Nodes(false), s.cfg.Fanout))
	s.log.Debug("initiated sync round", "ref", ref)
}

// HandleSync processes one hop of a sync round.
//
// The merged nodes_data grows until it covers the cluster view; only then
// does each node apply it (once, tracked through sync_acks). When acks also
// cover the cluster the ref is invalidated and late echoes drop silently.
func (s *Synchronizer) HandleSync(env transport.Envelope) {
	var msg transport.SyncMessage
	if err := env.Decode(&msg); err != nil {
		s.log.Warn("dropping sync message", "err", err)
		return
	}

	_, span := s.trc.Start(context.Background(), "gossip.round.handle",
		trace.WithAttributes(attribute.String("ref", msg.Ref)))
	defer span.End()

	self := s.tr.Self()
	clusterNodes := s.view.Nodes(true)

	s.mu.Lock()
	st, ok := s.refs[msg.Ref]
	if ok && st.invalidated {
		s.mu.Unlock()
		s.log.Debug("dropping invalidated sync ref", "ref", msg.Ref)
		return
	}
	if !ok {
		st = &refState{
			nodesData: make(map[string]registry.Contribution),
			acks:      make(map[string]bool),
		}
		s.refs[msg.Ref] = st
	}
	st.expires = time.Now().Add(s.cfg.Interval)

	// Merge: per contributing node, the larger timestamp wins.
	for node, contrib := range msg.NodesData {
		if cached, ok := st.nodesData[node]; !ok || contrib.TS > cached.TS {
			st.nodesData[node] = contrib
		}
	}
	if _, ok := st.nodesData[self]; !ok {
		st.nodesData[self] = s.reg.LocalSnapshot(s.clk.Now().UnixMicro())
	}
	for _, node := range msg.SyncAcks {
		st.acks[node] = true
	}

	missing := subtract(clusterNodes, slices.Collect(maps.Keys(st.nodesData)))
	if len(missing) > 0 {
		data := maps.Clone(st.nodesData)
		acks := ackList(st.acks)
		s.mu.Unlock()
		s.forward(transport.KindSync, transport.SyncMessage{Ref: msg.Ref, NodesData: data, SyncAcks: acks},
			s.pickPeers(missing, s.cfg.Fanout))
		return
	}

	applied := st.acks[self]
	var data map[string]registry.Contribution
	if !applied {
		st.acks[self] = true
		data = maps.Clone(st.nodesData)
	}

	unacked := subtract(clusterNodes, ackList(st.acks))
	if len(unacked) == 0 {
		st.invalidated = true
	}
	fwdData := maps.Clone(st.nodesData)
	fwdAcks := ackList(st.acks)
	s.mu.Unlock()

	if data != nil {
		changes := s.reg.ApplyRemote(data)
		span.SetAttributes(attribute.Int("changes", len(changes)))
		if s.Freshness != nil {
			for node, contrib := range data {
				s.Freshness.RecordSeen(node, time.UnixMicro(contrib.TS))
			}
		}
		s.notify(changes)
	}
	if len(unacked) > 0 {
		s.forward(transport.KindSync, transport.SyncMessage{Ref: msg.Ref, NodesData: fwdData, SyncAcks: fwdAcks},
			s.pickPeers(unacked, s.cfg.Fanout))
	} else {
		s.log.Debug("sync round complete", "ref", msg.Ref)
	}
}

// Propagate gossips a local registry mutation without waiting for the next
// round. The local registry is already updated; the originator counts as
// acked from the start.
func (s *Synchronizer) Propagate(children []registry.ChildUpdate, op registry.UpdateOp) {
	if len(children) == 0 {
		return
	}
	self := s.tr.Self()
	ref := s.mintRef()

	s.mu.Lock()
	s.refs[ref] = &refState{
		acks:    map[string]bool{self: true},
		expires: time.Now().Add(s.cfg.Interval),
	}
	s.mu.Unlock()

	msg := transport.PropagateMessage{
		Ref:        ref,
		Acks:       []string{self},
		Children:   children,
		UpdateNode: self,
		Op:         op,
	}
	targets := s.pickPeers(s.view.Nodes(false), s.cfg.Fanout)
	s.forward(transport.KindPropagate, msg, targets)
}

// HandlePropagate applies and re-forwards an out-of-band mutation.
func (s *Synchronizer) HandlePropagate(env transport.Envelope) {
	var msg transport.PropagateMessage
	if err := env.Decode(&msg); err != nil {
		s.log.Warn("dropping propagate message", "err", err)
		return
	}

	self := s.tr.Self()
	clusterNodes := s.view.Nodes(true)

	s.mu.Lock()
	st, ok := s.refs[msg.Ref]
	if ok && st.invalidated {
		s.mu.Unlock()
		return
	}
	if !ok {
		st = &refState{acks: make(map[string]bool)}
		s.refs[msg.Ref] = st
	}
	st.expires = time.Now().Add(s.cfg.Interval)

	for _, node := range msg.Acks {
		st.acks[node] = true
	}
	apply := !st.acks[self] && msg.UpdateNode != self
	st.acks[self] = true

	unacked := subtract(clusterNodes, ackList(st.acks))
	if len(unacked) == 0 {
		st.invalidated = true
	}
	fwdAcks := ackList(st.acks)
	s.mu.Unlock()

	if apply {
		changes := s.reg.ApplyUpdate(msg.UpdateNode, msg.Children, msg.Op)
		s.notify(changes)
	}
	if len(unacked) > 0 {
		msg.Acks = fwdAcks
		s.forward(transport.KindPropagate, msg, s.pickPeers(unacked, s.cfg.Fanout))
	}
}

// Invalidated reports whether ref has been invalidated. Test hook.
func (s *Synchronizer) Invalidated(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.refs[ref]
	return ok && st.invalidated
}

func (s *Synchronizer) notify(changes []registry.Change) {
	if s.onApplied != nil && len(changes) > 0 {
		s.onApplied(changes)
	}
}

func (s *Synchronizer) forward(kind transport.Kind, payload any, targets []string) {
	if len(targets) == 0 {
		return
	}
	env, err := transport.NewEnvelope(s.hub, s.tr.Self(), kind, payload)
	if err != nil {
		s.log.Error("encode gossip message", "kind", string(kind), "err", err)
		return
	}
	for _, node := range targets {
		if err := s.tr.Send(node, env); err != nil {
			// A dead peer is re-covered by a later round; no retry here.
			s.log.Debug("gossip send failed", "node", node, "err", err)
		}
	}
}

// pickPeers selects up to n random distinct candidates.
func (s *Synchronizer) pickPeers(candidates []string, n int) []string {
	self := s.tr.Self()
	pool := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != self {
			pool = append(pool, c)
		}
	}
	if len(pool) <= n {
		return pool
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:n]
}

// expireRefs walks the memo cache: a live ref past its TTL becomes
// invalidated (suppressing late echoes for one more interval), an
// invalidated one is forgotten.
func (s *Synchronizer) expireRefs() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, st := range s.refs {
		if now.Before(st.expires) {
			continue
		}
		if st.invalidated {
			delete(s.refs, ref)
			continue
		}
		st.invalidated = true
		st.expires = now.Add(s.cfg.Interval)
	}
}

func (s *Synchronizer) mintRef() string {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	return fmt.Sprintf("%s/%d-%06x", s.tr.Self(), seq, rand.Uint32()&0xffffff)
}

func subtract(all, have []string) []string {
	var out []string
	for _, n := range all {
		if !slices.Contains(have, n) {
			out = append(out, n)
		}
	}
	return out
}

func ackList(acks map[string]bool) []string {
	return slices.Sorted(maps.Keys(acks))
}
