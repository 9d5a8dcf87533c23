package worker

import (
	"fmt"
	"sync"

	"processhub/internal/registry"
)

// Supervisor runs workers in-process. It implements the hub's Supervisor
// port: pids are opaque strings unique within the supervisor's lifetime,
// and a started child's StartParams become the worker's initial state.
type Supervisor struct {
	node   string
	sender StateSender

	mu      sync.Mutex
	counter uint64
	workers map[string]*Worker
}

// NewSupervisor builds an empty supervisor for the given node name.
func NewSupervisor(node string, sender StateSender) *Supervisor {
	return &Supervisor{
		node:    node,
		sender:  sender,
		workers: make(map[string]*Worker),
	}
}

// StartChild spawns a worker for spec. Starting a running child returns
// *registry.AlreadyStartedError carrying the existing pid.
func (s *Supervisor) StartChild(spec registry.ChildSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.workers[spec.ID]; ok {
		return "", &registry.AlreadyStartedError{CID: spec.ID, Pid: w.pid}
	}
	s.counter++
	pid := fmt.Sprintf("%s.%d", spec.ID, s.counter)
	s.workers[spec.ID] = newWorker(spec.ID, pid, s.node, spec.StartParams, s.sender)
	return pid, nil
}

// TerminateChild stops and forgets the worker for cid.
func (s *Supervisor) TerminateChild(cid string) error {
	s.mu.Lock()
	w, ok := s.workers[cid]
	if ok {
		delete(s.workers, cid)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrChildUnknown, cid)
	}
	w.stop()
	return nil
}

// Deliver routes msg to the worker for cid.
func (s *Supervisor) Deliver(cid string, msg any) error {
	s.mu.Lock()
	w, ok := s.workers[cid]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrChildUnknown, cid)
	}
	return w.Deliver(msg)
}

// Children lists the running cids.
func (s *Supervisor) Children() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cids := make([]string, 0, len(s.workers))
	for cid := range s.workers {
		cids = append(cids, cid)
	}
	return cids
}

// Worker returns the running worker for cid, for hosts that want to attach
// handlers to it.
func (s *Supervisor) Worker(cid string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[cid]
	return w, ok
}
