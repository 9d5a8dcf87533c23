package migration

import (
	"context"
	"slices"
	"time"

	"processhub/internal/cluster"
	"processhub/internal/registry"
	"processhub/internal/strategy/distribution"
	"processhub/internal/transport"
	"processhub/internal/worker"
)

// ShipFunc delivers a handover batch to a node.
type ShipFunc func(node string, items []transport.HandoverItem) error

// ShutdownHandover runs the graceful-leave path: collect every local
// child's state, compute each child's next owner with self excluded, and
// ship the states there for the target's pending-handover buffer. Workers
// that fail to answer within the shutdown timeout are left behind; their
// children restart elsewhere without state.
func (m *Migrator) ShutdownHandover(ctx context.Context, view cluster.View, dist distribution.Strategy, rf int, ship ShipFunc) error {
	self := m.reg.Self()
	cids := m.reg.LocalChildren()
	if len(cids) == 0 {
		return nil
	}

	peers := view.Nodes(false)
	if len(peers) == 0 {
		return nil
	}

	replies := make(chan worker.ProcessState, len(cids))
	expected := 0
	for _, cid := range cids {
		if err := m.control.Deliver(cid, worker.GetState{CID: cid, Reply: replies}); err != nil {
			m.log.Warn("state collection delivery failed", "cid", cid, "err", err)
			continue
		}
		expected++
	}

	states := make(map[string]worker.ProcessState, expected)
	deadline := time.NewTimer(m.cfg.ShutdownTimeout)
	defer deadline.Stop()
collect:
	for len(states) < expected {
		select {
		case ps := <-replies:
			states[ps.CID] = ps
		case <-deadline.C:
			m.log.Warn("shutdown handover collection timed out",
				"collected", len(states), "expected", expected)
			break collect
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Group shipments per target node.
	batches := make(map[string][]transport.HandoverItem)
	for _, cid := range cids {
		ps, ok := states[cid]
		if !ok {
			continue
		}
		target := m.pickShutdownTarget(cid, peers, dist, rf)
		if target == "" {
			m.log.Warn("no shutdown handover target", "cid", cid)
			continue
		}
		batches[target] = append(batches[target], transport.HandoverItem{
			CID:   cid,
			State: ps.State,
			Node:  self,
		})
	}

	for node, items := range batches {
		if err := ship(node, items); err != nil {
			m.log.Warn("handover ship failed", "node", node, "err", err)
		}
	}
	return nil
}

// pickShutdownTarget returns the first post-leave owner that does not
// already host the child, so the shipped state lands where a fresh start
// will consume it.
func (m *Migrator) pickShutdownTarget(cid string, peers []string, dist distribution.Strategy, rf int) string {
	owners := dist.BelongsTo(cid, peers, rf)
	locations := m.reg.Lookup(cid)
	for _, owner := range owners {
		hosted := slices.ContainsFunc(locations, func(l registry.Location) bool {
			return l.Node == owner
		})
		if !hosted {
			return owner
		}
	}
	if len(owners) > 0 {
		return owners[0]
	}
	return ""
}
