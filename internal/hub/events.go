package hub

import (
	"context"
	"slices"

	"processhub/internal/cluster"
	"processhub/internal/registry"
)

// eventLoop is the coordinator actor: it consumes membership events and
// turns them into placement work. Blocking work (migration rounds) runs on
// spawned goroutines so the loop keeps draining events.
func (h *Hub) eventLoop(ctx context.Context, events <-chan cluster.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case cluster.Joined:
				h.handleNodeJoined(ctx, ev.Node)
			case cluster.Left:
				h.handleNodeLeft(ctx, ev.Node)
			}
		}
	}
}

// handleNodeJoined recomputes placement for every local child. Children
// whose new owner set includes the joiner but no longer includes self are
// hot-swapped there; children that keep self as an owner get a replica
// started on the joiner (the evicted owner, wherever it is, runs the same
// logic and retires its own copy).
func (h *Hub) handleNodeJoined(ctx context.Context, node string) {
	h.hooks.Dispatch(HookClusterJoin, node)

	self := h.tr.Self()
	nodes := h.view.Nodes(true)
	rf := h.red.Factor()

	var moves []string
	for _, cid := range h.reg.LocalChildren() {
		owners := h.dist.BelongsTo(cid, nodes, rf)
		if !slices.Contains(owners, node) {
			continue
		}
		if slices.Contains(owners, self) {
			h.replicateTo(ctx, node, cid)
			continue
		}
		moves = append(moves, cid)
	}
	if len(moves) == 0 {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		outcomes := h.mig.MigrateChildren(ctx, node, moves)
		var migrated []string
		for _, o := range outcomes {
			if o.Moved {
				migrated = append(migrated, o.CID)
			}
		}
		h.log.Info("children migrated", "target", node, "count", len(migrated))
		h.hooks.Dispatch(HookChildrenMigrated, ChildrenMigratedData{Target: node, CIDs: migrated})
	}()
}

// replicateTo starts an additional replica of cid on node without touching
// the local one.
func (h *Hub) replicateTo(ctx context.Context, node, cid string) {
	locs := h.reg.Lookup(cid)
	if slices.ContainsFunc(locs, func(l registry.Location) bool { return l.Node == node }) {
		return
	}
	entry, ok := h.reg.Entry(cid)
	if !ok {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		res, err := h.caller.StartChild(ctx, node, entry.Spec)
		if err == nil && !res.Started() {
			err = &registry.StartError{CID: cid, Reason: res.Reason}
		}
		if err != nil {
			h.log.Warn("replica start failed", "cid", cid, "node", node, "err", err)
			return
		}
		h.reg.Insert(cid, entry.Spec, node, res.Pid)
		h.signalRedundancy(cid, h.reg.Lookup(cid))
	}()
}

// handleNodeLeft drops the leaver's registry assertions and adopts every
// child that now falls to self, consuming shipped handover state when the
// leaver said goodbye gracefully.
func (h *Hub) handleNodeLeft(ctx context.Context, node string) {
	h.hooks.Dispatch(HookClusterLeave, node)

	affected := h.reg.ChildrenOn(node)
	specs := make(map[string]registry.ChildSpec, len(affected))
	for _, cid := range affected {
		if entry, ok := h.reg.Entry(cid); ok {
			specs[cid] = entry.Spec
		}
	}

	changes := h.reg.DropNode(node)
	h.fresh.Remove(node)
	h.onGossipApplied(changes)

	self := h.tr.Self()
	nodes := h.view.Nodes(true)
	rf := h.red.Factor()

	var adds []registry.ChildUpdate
	for _, cid := range affected {
		if specs[cid].ID == "" {
			continue
		}
		owners := h.dist.BelongsTo(cid, nodes, rf)
		if !slices.Contains(owners, self) {
			continue
		}
		if _, running := h.reg.HasLocal(cid); running {
			continue
		}
		pid, err := h.startOn(ctx, self, specs[cid])
		if err != nil {
			h.log.Warn("takeover start failed", "cid", cid, "err", err)
			continue
		}
		adds = append(adds, registry.ChildUpdate{CID: cid, Spec: specs[cid], Pid: pid})
		h.signalRedundancy(cid, h.reg.Lookup(cid))
	}
	if len(adds) > 0 {
		h.sync.Propagate(adds, registry.OpAdd)
	}
}
