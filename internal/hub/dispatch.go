package hub

import (
	"errors"

	"processhub/internal/registry"
	"processhub/internal/transport"
	"processhub/internal/worker"
)

// dispatch routes inbound wire messages. It runs on the transport's
// delivery goroutine; every branch is quick (in-memory work plus
// fire-and-forget sends).
func (h *Hub) dispatch(env transport.Envelope) {
	switch env.Kind {
	case transport.KindSync:
		h.sync.HandleSync(env)
	case transport.KindPropagate:
		h.sync.HandlePropagate(env)
	case transport.KindStartChild:
		h.handleStartChild(env)
	case transport.KindStartResp:
		h.handleStartResp(env)
	case transport.KindHandoverShip:
		h.handleHandoverShip(env)
	case transport.KindHandover:
		h.handleHandover(env)
	case transport.KindTerminate:
		h.handleTerminate(env)
	default:
		h.log.Warn("unknown message kind", "kind", string(env.Kind), "from", env.From)
	}
}

// handleStartChild starts a child on behalf of a peer and answers with the
// outcome. The local node asserts (and propagates) its own new edge.
func (h *Hub) handleStartChild(env transport.Envelope) {
	var req transport.StartChildRequest
	if err := env.Decode(&req); err != nil {
		h.log.Warn("dropping start_child_req", "err", err)
		return
	}

	result := transport.StartResult{Status: transport.StatusOK}
	pid, err := h.sup.StartChild(req.Spec)
	var as *registry.AlreadyStartedError
	switch {
	case err == nil:
		h.deliverPending(req.CID)
		h.reg.InsertLocal(req.Spec, pid)
		h.sync.Propagate([]registry.ChildUpdate{{CID: req.CID, Spec: req.Spec, Pid: pid}}, registry.OpAdd)
		h.hooks.Dispatch(HookChildStarted, ChildStartedData{CID: req.CID, Node: h.tr.Self(), Pid: pid})
		h.signalRedundancy(req.CID, h.reg.Lookup(req.CID))
		result.Pid = pid
	case errors.As(err, &as):
		result = transport.StartResult{Status: transport.StatusAlreadyStarted, Pid: as.Pid}
	default:
		h.log.Warn("start on behalf of peer failed", "cid", req.CID, "from", env.From, "err", err)
		result = transport.StartResult{Status: transport.StatusError, Reason: err.Error()}
	}

	resp, err := transport.NewEnvelope(h.name, h.tr.Self(), transport.KindStartResp,
		transport.ChildStartResponse{ID: req.ID, CID: req.CID, Result: result})
	if err != nil {
		h.log.Error("encode child_start_resp", "err", err)
		return
	}
	if err := h.tr.Send(env.From, resp); err != nil {
		h.log.Warn("child_start_resp send failed", "to", env.From, "err", err)
	}
}

func (h *Hub) handleStartResp(env transport.Envelope) {
	var resp transport.ChildStartResponse
	if err := env.Decode(&resp); err != nil {
		h.log.Warn("dropping child_start_resp", "err", err)
		return
	}
	h.caller.Resolve(resp)
}

// handleHandoverShip buffers (or delivers, for already-running children)
// state shipped by a gracefully leaving node.
func (h *Hub) handleHandoverShip(env transport.Envelope) {
	var ship transport.HandoverShip
	if err := env.Decode(&ship); err != nil {
		h.log.Warn("dropping handover_ship", "err", err)
		return
	}
	for _, item := range ship.Items {
		if _, running := h.reg.HasLocal(item.CID); running {
			if err := h.sup.Deliver(item.CID, worker.Handover{State: item.State}); err != nil {
				h.log.Warn("shipped handover delivery failed", "cid", item.CID, "err", err)
			}
			continue
		}
		h.pending.Put(item.CID, item.State)
	}
	h.log.Debug("handover batch received", "from", env.From, "items", len(ship.Items))
}

// handleHandover delivers migration-path state to the local replica. An
// absent recipient is ignored: the worker may already be gone.
func (h *Hub) handleHandover(env transport.Envelope) {
	var msg transport.HandoverMessage
	if err := env.Decode(&msg); err != nil {
		h.log.Warn("dropping handover", "err", err)
		return
	}
	if err := h.sup.Deliver(msg.CID, worker.Handover{State: msg.State}); err != nil {
		h.log.Debug("handover recipient absent", "cid", msg.CID)
	}
}

func (h *Hub) handleTerminate(env transport.Envelope) {
	var msg transport.TerminateChild
	if err := env.Decode(&msg); err != nil {
		h.log.Warn("dropping terminate_child", "err", err)
		return
	}
	if err := h.sup.TerminateChild(msg.CID); err != nil {
		h.log.Debug("terminate for absent child", "cid", msg.CID, "from", env.From)
		return
	}
	h.reg.RemoveLocal(msg.CID)
	h.sync.Propagate([]registry.ChildUpdate{{CID: msg.CID}}, registry.OpRem)
	h.hooks.Dispatch(HookChildStopped, ChildStoppedData{CID: msg.CID, Node: h.tr.Self()})
}
