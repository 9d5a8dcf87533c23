// Package processhub is a distributed process manager and global process
// registry. A hub places named stateful workers across a cluster with a
// consistent-hash ring, keeps every node's view converging through gossip,
// and relocates live workers between nodes without dropping their state.
//
// Hosts embed the hub as a library: Start wires the memberlist cluster,
// the in-process worker supervisor, and the coordinator from one Config.
package processhub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"processhub/config"
	"processhub/internal/clock"
	"processhub/internal/cluster"
	"processhub/internal/gossip"
	"processhub/internal/hub"
	"processhub/internal/migration"
	"processhub/internal/registry"
	"processhub/internal/signal/ntp"
	"processhub/internal/strategy/distribution"
	"processhub/internal/strategy/redundancy"
	"processhub/internal/worker"
)

// Re-exported API types.
type (
	// ChildSpec identifies a child and its opaque start payload.
	ChildSpec = registry.ChildSpec
	// Location is one running replica.
	Location = registry.Location
	// HookEvent is delivered to hook callbacks.
	HookEvent = hub.HookEvent
	// StartOutcome is a per-child batch result.
	StartOutcome = hub.StartOutcome
	// Info is a hub snapshot.
	Info = hub.Info
)

// Hook names, re-exported for hosts.
const (
	HookChildStarted     = hub.HookChildStarted
	HookChildStopped     = hub.HookChildStopped
	HookChildrenMigrated = hub.HookChildrenMigrated
	HookRedundancySignal = hub.HookRedundancySignal
	HookClusterJoin      = hub.HookClusterJoin
	HookClusterLeave     = hub.HookClusterLeave
)

// Node is one running hub node: the cluster service, the local worker
// supervisor, and the coordinator wired together.
type Node struct {
	cfg *config.Config
	svc *cluster.Service
	sup *worker.Supervisor
	hub *hub.Hub
}

// handoverRelay breaks the construction cycle between the supervisor
// (which needs a state sender) and the hub (which needs the supervisor).
type handoverRelay struct {
	hub atomic.Pointer[hub.Hub]
}

func (r *handoverRelay) SendHandover(node, cid string, state json.RawMessage) error {
	h := r.hub.Load()
	if h == nil {
		return fmt.Errorf("hub not started")
	}
	return h.SendHandover(node, cid, state)
}

// Start brings a hub node up from cfg: create and join the cluster, start
// the coordinator, and return the running node.
func Start(ctx context.Context, cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	svc, err := cluster.NewService(cfg.Hub, cluster.Config{
		NodeName:      cfg.NodeName,
		BindAddr:      cfg.BindAddr,
		BindPort:      cfg.BindPort,
		AdvertiseAddr: cfg.AdvertiseAddr,
		AdvertisePort: cfg.AdvertisePort,
		EncryptionKey: cfg.EncryptionKey,
		Seeds:         cfg.Seeds,
	})
	if err != nil {
		return nil, err
	}

	relay := &handoverRelay{}
	sup := worker.NewSupervisor(svc.Self(), relay)

	opts := []hub.Option{
		hub.WithView(svc),
		hub.WithTransport(svc),
		hub.WithSupervisor(sup),
		hub.WithRedundancy(redundancy.Strategy{ReplicationFactor: cfg.ReplicationFactor}),
		hub.WithDistribution(distribution.ForKind(cfg.Distribution.Kind, cfg.Distribution.Guided)),
		hub.WithSyncConfig(gossip.Config{
			Interval:       cfg.Sync.Interval.Std(),
			Fanout:         cfg.Sync.Fanout,
			RestrictedInit: cfg.RestrictedInit(),
		}),
		hub.WithMigrationConfig(migration.Config{
			Retention:       cfg.Migration.Retention.Std(),
			Handover:        cfg.Migration.Handover,
			StartTimeout:    cfg.Migration.StartTimeout.Std(),
			ShutdownTimeout: cfg.Migration.ShutdownTimeout.Std(),
		}),
	}
	if cfg.NTPCheck {
		opts = append(opts, hub.WithNTPChecker(ntp.NewChecker(clock.Real{}, cfg.Sync.Interval.Std())))
	}

	h, err := hub.New(cfg.Hub, opts...)
	if err != nil {
		svc.Leave()
		return nil, err
	}
	relay.hub.Store(h)

	if err := h.Start(ctx); err != nil {
		svc.Leave()
		return nil, err
	}
	if err := svc.Join(cfg.Seeds); err != nil {
		h.Stop(ctx)
		svc.Leave()
		return nil, err
	}

	return &Node{cfg: cfg, svc: svc, sup: sup, hub: h}, nil
}

// Stop takes the node out of the cluster: graceful handover when enabled,
// then coordinator shutdown and cluster leave.
func (n *Node) Stop(ctx context.Context) error {
	err := n.hub.Stop(ctx)
	if lerr := n.svc.Leave(); err == nil {
		err = lerr
	}
	return err
}

// Self returns the local node name.
func (n *Node) Self() string { return n.hub.Self() }

// On registers a hook callback.
func (n *Node) On(hook string, cb func(HookEvent)) { n.hub.On(hook, cb) }

// StartChildren places and starts children across the cluster.
func (n *Node) StartChildren(ctx context.Context, specs []ChildSpec) []StartOutcome {
	return n.hub.StartChildren(ctx, specs)
}

// StopChildren terminates children cluster-wide.
func (n *Node) StopChildren(ctx context.Context, cids []string) []StartOutcome {
	return n.hub.StopChildren(ctx, cids)
}

// WhichChildren returns every known child and its replicas.
func (n *Node) WhichChildren() map[string][]Location { return n.hub.WhichChildren() }

// ChildLookup returns the replicas of cid.
func (n *Node) ChildLookup(cid string) ([]Location, error) { return n.hub.ChildLookup(cid) }

// Info snapshots the hub.
func (n *Node) Info() Info { return n.hub.Info() }

// Supervisor exposes the in-process worker supervisor, mainly so hosts can
// attach handlers to running workers.
func (n *Node) Supervisor() *worker.Supervisor { return n.sup }
