package worker

import (
	"encoding/json"

	"processhub/internal/strategy/redundancy"
)

// Remote addresses a replica on another node.
type Remote struct {
	Node string
	Pid  string
}

// HandoverStart tells the outgoing replica that its successor is running.
// The worker ships its state to Remote and then acknowledges on Acked with
// its cid, which is the migrator's retention_handled signal.
type HandoverStart struct {
	CID    string
	Remote Remote
	Acked  chan<- string
}

// Handover delivers state for the worker to adopt.
type Handover struct {
	State json.RawMessage
}

// GetState asks the worker for its current state.
type GetState struct {
	CID   string
	Reply chan<- ProcessState
}

// ProcessState answers GetState: (cid, state, node) — the node field names
// where the state was held.
type ProcessState struct {
	CID   string
	State json.RawMessage
	Node  string
}

// RedundancySignal informs a replica of its mode. Workers may ignore it.
type RedundancySignal struct {
	Mode redundancy.Mode
}
