package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"processhub/internal/registry"
)

// Caller correlates start_child_req / child_start_resp pairs over the
// async wire. One Caller serves a hub; calls are identified by a
// monotonically increasing id.
type Caller struct {
	hub     string
	tr      Transport
	timeout time.Duration

	mu      sync.Mutex
	next    uint64
	pending map[uint64]chan StartResult
}

// NewCaller builds a Caller with the per-call deadline (the migration
// timeout in spec terms).
func NewCaller(hub string, tr Transport, timeout time.Duration) *Caller {
	return &Caller{
		hub:     hub,
		tr:      tr,
		timeout: timeout,
		pending: make(map[uint64]chan StartResult),
	}
}

// StartChild asks node to start spec and waits for the response. A missing
// response within the deadline yields registry.ErrCallTimeout; the caller
// treats it as a per-child start failure.
func (c *Caller) StartChild(ctx context.Context, node string, spec registry.ChildSpec) (StartResult, error) {
	c.mu.Lock()
	c.next++
	id := c.next
	ch := make(chan StartResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env, err := NewEnvelope(c.hub, c.tr.Self(), KindStartChild, StartChildRequest{ID: id, CID: spec.ID, Spec: spec})
	if err != nil {
		return StartResult{}, err
	}
	if err := c.tr.Send(node, env); err != nil {
		return StartResult{}, fmt.Errorf("send start_child_req to %s: %w", node, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return StartResult{}, fmt.Errorf("start %s on %s: %w", spec.ID, node, registry.ErrCallTimeout)
	case <-ctx.Done():
		return StartResult{}, ctx.Err()
	}
}

// Resolve completes the pending call named by resp. Late responses for
// already-resolved or timed-out calls are dropped.
func (c *Caller) Resolve(resp ChildStartResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp.Result
	}
}
