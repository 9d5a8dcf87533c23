package migration

import (
	"encoding/json"
	"sync"
)

// PendingHandovers buffers state shipped ahead of a child's local start.
// When the matching child starts, the state is taken and delivered as a
// handover; entries for children that never start are overwritten by the
// next ship or die with the hub.
type PendingHandovers struct {
	mu sync.Mutex
	m  map[string]json.RawMessage
}

// NewPendingHandovers returns an empty buffer.
func NewPendingHandovers() *PendingHandovers {
	return &PendingHandovers{m: make(map[string]json.RawMessage)}
}

// Put stores state for cid, replacing any previous entry.
func (p *PendingHandovers) Put(cid string, state json.RawMessage) {
	p.mu.Lock()
	p.m[cid] = state
	p.mu.Unlock()
}

// Take removes and returns the state for cid.
func (p *PendingHandovers) Take(cid string) (json.RawMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.m[cid]
	if ok {
		delete(p.m, cid)
	}
	return state, ok
}

// Len reports the number of buffered entries.
func (p *PendingHandovers) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
