// Package transport frames the hub's wire protocol. Messages travel as a
// JSON envelope over whatever node-to-node channel the cluster layer
// provides; the payload formats here are the whole of the protocol.
package transport

import (
	"encoding/json"
	"fmt"

	"processhub/internal/registry"
)

// Kind discriminates wire messages.
type Kind string

const (
	KindSync         Kind = "sync"
	KindPropagate    Kind = "propagate"
	KindStartChild   Kind = "start_child_req"
	KindStartResp    Kind = "child_start_resp"
	KindHandoverShip Kind = "handover_ship"
	KindHandover     Kind = "handover"
	KindTerminate    Kind = "terminate_child"
)

// Envelope wraps one wire message.
type Envelope struct {
	Hub     string          `json:"hub"`
	From    string          `json:"from"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope around a payload value.
func NewEnvelope(hub, from string, kind Kind, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{Hub: hub, From: from, Kind: kind, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Marshal frames an envelope for the wire.
func Marshal(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Unmarshal reads an envelope off the wire.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// SyncMessage carries one gossip round.
type SyncMessage struct {
	Ref       string                           `json:"ref"`
	NodesData map[string]registry.Contribution `json:"nodes_data"`
	SyncAcks  []string                         `json:"sync_acks"`
}

// PropagateMessage carries an out-of-band registry mutation.
type PropagateMessage struct {
	Ref        string                 `json:"ref"`
	Acks       []string               `json:"acks"`
	Children   []registry.ChildUpdate `json:"children"`
	UpdateNode string                 `json:"update_node"`
	Op         registry.UpdateOp      `json:"op"`
}

// StartChildRequest asks the receiver to start a child locally.
type StartChildRequest struct {
	ID   uint64             `json:"id"`
	CID  string             `json:"cid"`
	Spec registry.ChildSpec `json:"spec"`
}

// Start result statuses.
const (
	StatusOK             = "ok"
	StatusAlreadyStarted = "already_started"
	StatusError          = "error"
)

// StartResult is the outcome of a start request.
type StartResult struct {
	Status string `json:"status"`
	Pid    string `json:"pid,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Started reports whether the child runs on the responder, counting
// already_started as success with the existing pid.
func (r StartResult) Started() bool {
	return r.Status == StatusOK || r.Status == StatusAlreadyStarted
}

// ChildStartResponse answers a StartChildRequest.
type ChildStartResponse struct {
	ID     uint64      `json:"id"`
	CID    string      `json:"cid"`
	Result StartResult `json:"result"`
}

// HandoverItem is one child's state shipped to its next owner. Node is the
// node that held the state.
type HandoverItem struct {
	CID   string          `json:"cid"`
	State json.RawMessage `json:"state,omitempty"`
	Node  string          `json:"node"`
}

// HandoverShip carries the shutdown-handover batch.
type HandoverShip struct {
	Items []HandoverItem `json:"items"`
}

// HandoverMessage delivers state to a running replica during migration.
type HandoverMessage struct {
	CID   string          `json:"cid"`
	State json.RawMessage `json:"state,omitempty"`
}

// TerminateChild asks the receiver to stop a local replica.
type TerminateChild struct {
	CID string `json:"cid"`
}
