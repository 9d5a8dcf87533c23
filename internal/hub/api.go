package hub

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"processhub/internal/registry"
	"processhub/internal/transport"
	"processhub/internal/worker"
)

// StartOutcome is the per-child result of StartChildren.
type StartOutcome struct {
	CID   string
	Nodes []string
	Err   error
}

// StartChildren places and starts the given children on their owners.
// Failures are per child; the batch always returns one outcome per spec.
func (h *Hub) StartChildren(ctx context.Context, specs []registry.ChildSpec) []StartOutcome {
	ctx, span := h.trc.Start(ctx, "hub.start_children",
		trace.WithAttributes(attribute.Int("children", len(specs))))
	defer span.End()

	rf := h.red.Factor()
	nodes := h.view.Nodes(true)
	self := h.tr.Self()

	outcomes := make([]StartOutcome, 0, len(specs))
	var adds []registry.ChildUpdate
	for _, spec := range specs {
		if spec.ID == "" {
			outcomes = append(outcomes, StartOutcome{Err: fmt.Errorf("child id is required")})
			continue
		}
		if locs := h.reg.Lookup(spec.ID); len(locs) > 0 {
			outcomes = append(outcomes, StartOutcome{
				CID: spec.ID,
				Err: &registry.AlreadyStartedError{CID: spec.ID, Pid: locs[0].Pid},
			})
			continue
		}

		owners := h.dist.BelongsTo(spec.ID, nodes, rf)
		if len(owners) == 0 {
			outcomes = append(outcomes, StartOutcome{CID: spec.ID, Err: fmt.Errorf("no nodes to own %s", spec.ID)})
			continue
		}

		var placed []string
		var firstErr error
		for _, owner := range owners {
			pid, err := h.startOn(ctx, owner, spec)
			if err != nil {
				h.log.Warn("child start failed", "cid", spec.ID, "node", owner, "err", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			placed = append(placed, owner)
			if owner == self {
				adds = append(adds, registry.ChildUpdate{CID: spec.ID, Spec: spec, Pid: pid})
			}
		}
		if len(placed) == 0 {
			outcomes = append(outcomes, StartOutcome{CID: spec.ID, Err: firstErr})
			continue
		}
		outcomes = append(outcomes, StartOutcome{CID: spec.ID, Nodes: placed})
		h.signalRedundancy(spec.ID, h.reg.Lookup(spec.ID))
	}

	if len(adds) > 0 {
		h.sync.Propagate(adds, registry.OpAdd)
	}
	return outcomes
}

// startOn starts spec on one owner: locally through the supervisor, or
// remotely through the start-call channel. already_started counts as
// success with the existing pid.
func (h *Hub) startOn(ctx context.Context, owner string, spec registry.ChildSpec) (string, error) {
	if owner == h.tr.Self() {
		pid, err := h.sup.StartChild(spec)
		var as *registry.AlreadyStartedError
		if errors.As(err, &as) {
			pid, err = as.Pid, nil
		}
		if err != nil {
			return "", err
		}
		h.deliverPending(spec.ID)
		h.reg.InsertLocal(spec, pid)
		h.hooks.Dispatch(HookChildStarted, ChildStartedData{CID: spec.ID, Node: owner, Pid: pid})
		return pid, nil
	}

	res, err := h.caller.StartChild(ctx, owner, spec)
	if err != nil {
		return "", err
	}
	if !res.Started() {
		return "", &registry.StartError{CID: spec.ID, Reason: res.Reason}
	}
	// The owner asserts and propagates its own edge; this insert just makes
	// the placement visible locally before gossip echoes it back.
	h.reg.Insert(spec.ID, spec, owner, res.Pid)
	return res.Pid, nil
}

// StopChildren terminates every replica of the given children.
func (h *Hub) StopChildren(ctx context.Context, cids []string) []StartOutcome {
	_, span := h.trc.Start(ctx, "hub.stop_children",
		trace.WithAttributes(attribute.Int("children", len(cids))))
	defer span.End()

	self := h.tr.Self()
	outcomes := make([]StartOutcome, 0, len(cids))
	var rems []registry.ChildUpdate
	for _, cid := range cids {
		entry, ok := h.reg.Entry(cid)
		if !ok {
			outcomes = append(outcomes, StartOutcome{CID: cid, Err: fmt.Errorf("%w: %s", registry.ErrChildUnknown, cid)})
			continue
		}

		var stopped []string
		for node := range entry.Locations {
			if node == self {
				if err := h.sup.TerminateChild(cid); err != nil {
					h.log.Warn("terminate failed", "cid", cid, "err", err)
					continue
				}
				h.reg.RemoveLocal(cid)
				rems = append(rems, registry.ChildUpdate{CID: cid})
				h.hooks.Dispatch(HookChildStopped, ChildStoppedData{CID: cid, Node: node})
				stopped = append(stopped, node)
				continue
			}
			env, err := transport.NewEnvelope(h.name, self, transport.KindTerminate, transport.TerminateChild{CID: cid})
			if err == nil {
				err = h.tr.Send(node, env)
			}
			if err != nil {
				h.log.Warn("terminate send failed", "cid", cid, "node", node, "err", err)
				continue
			}
			h.reg.Remove(cid, node)
			stopped = append(stopped, node)
		}
		outcomes = append(outcomes, StartOutcome{CID: cid, Nodes: stopped})
	}

	if len(rems) > 0 {
		h.sync.Propagate(rems, registry.OpRem)
	}
	return outcomes
}

// WhichChildren returns every known child and its replicas.
func (h *Hub) WhichChildren() map[string][]registry.Location {
	return h.reg.Which()
}

// ChildLookup returns the replicas of cid.
func (h *Hub) ChildLookup(cid string) ([]registry.Location, error) {
	locs := h.reg.Lookup(cid)
	if len(locs) == 0 {
		return nil, fmt.Errorf("%w: %s", registry.ErrChildUnknown, cid)
	}
	return locs, nil
}

// Info is a point-in-time snapshot for introspection.
type Info struct {
	Hub      string                         `json:"hub"`
	Self     string                         `json:"self"`
	Nodes    []string                       `json:"nodes"`
	Children map[string][]registry.Location `json:"children"`
	// Peers maps each peer to its gossip-freshness phase.
	Peers    map[string]string `json:"peers,omitempty"`
	NTPPhase string            `json:"ntp_phase,omitempty"`
}

// Info snapshots the hub for the status surface.
func (h *Hub) Info() Info {
	info := Info{
		Hub:      h.name,
		Self:     h.tr.Self(),
		Nodes:    h.view.Nodes(true),
		Children: h.reg.Which(),
		Peers:    make(map[string]string),
	}
	for node, health := range h.fresh.Snapshot() {
		info.Peers[node] = health.Phase.String()
	}
	if h.ntp != nil {
		info.NTPPhase = h.ntp.Status().Phase.String()
	}
	return info
}

// deliverPending hands buffered handover state to a child that just
// started locally.
func (h *Hub) deliverPending(cid string) {
	state, ok := h.pending.Take(cid)
	if !ok {
		return
	}
	// Runs right after StartChild, so the state lands before any domain
	// traffic reaches the new replica.
	if err := h.sup.Deliver(cid, worker.Handover{State: state}); err != nil {
		h.log.Warn("pending handover delivery failed", "cid", cid, "err", err)
	}
}
