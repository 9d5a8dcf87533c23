// Package worker is the library-side half of the worker protocol: a mailbox
// goroutine owning opaque state, answering the handover and state messages
// the hub sends, and an in-process Supervisor that runs such workers. Hosts
// with their own process runtime implement the hub's Supervisor port
// instead; this package is the default that the CLI daemon and the tests
// run on.
package worker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"processhub/internal/logging"
	"processhub/internal/registry"
	"processhub/internal/strategy/redundancy"
)

// mailboxCap is 32: protocol traffic per worker is a handful of messages
// per migration round; the buffer only absorbs bursts.
const mailboxCap = 32

// StateSender ships handover state to a replica on another node. The hub
// wires this to the transport.
type StateSender interface {
	SendHandover(node, cid string, state json.RawMessage) error
}

// Worker is one running replica: a goroutine over a mailbox, holding the
// child's state.
type Worker struct {
	cid    string
	pid    string
	node   string
	sender StateSender
	log    *slog.Logger

	mailbox chan any
	done    chan struct{}

	mu    sync.Mutex
	state json.RawMessage
	mode  redundancy.Mode

	// OnMessage receives messages the protocol does not consume.
	OnMessage func(msg any)
	// OnSignal observes redundancy mode transitions.
	OnSignal func(mode redundancy.Mode)
}

func newWorker(cid, pid, node string, initial json.RawMessage, sender StateSender) *Worker {
	w := &Worker{
		cid:     cid,
		pid:     pid,
		node:    node,
		sender:  sender,
		log:     logging.Component("worker").With("cid", cid, "pid", pid),
		mailbox: make(chan any, mailboxCap),
		done:    make(chan struct{}),
		state:   initial,
	}
	go w.run()
	return w
}

// Pid returns the worker's opaque local handle.
func (w *Worker) Pid() string { return w.pid }

// State returns a copy of the worker's current state.
func (w *Worker) State() json.RawMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append(json.RawMessage(nil), w.state...)
}

// Mode returns the last redundancy mode signaled to this replica.
func (w *Worker) Mode() redundancy.Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Deliver enqueues msg into the mailbox.
func (w *Worker) Deliver(msg any) error {
	select {
	case <-w.done:
		return fmt.Errorf("%w: %s", registry.ErrChildUnknown, w.cid)
	case w.mailbox <- msg:
		return nil
	}
}

func (w *Worker) stop() {
	close(w.done)
}

func (w *Worker) run() {
	for {
		select {
		case <-w.done:
			return
		case msg := <-w.mailbox:
			w.handle(msg)
		}
	}
}

func (w *Worker) handle(msg any) {
	switch m := msg.(type) {
	case HandoverStart:
		if err := w.sender.SendHandover(m.Remote.Node, w.cid, w.State()); err != nil {
			w.log.Warn("handover send failed", "target", m.Remote.Node, "err", err)
			return
		}
		if m.Acked != nil {
			m.Acked <- w.cid
		}
	case Handover:
		w.mu.Lock()
		w.state = append(json.RawMessage(nil), m.State...)
		w.mu.Unlock()
		w.log.Debug("adopted handover state")
	case GetState:
		if m.Reply != nil {
			m.Reply <- ProcessState{CID: w.cid, State: w.State(), Node: w.node}
		}
	case RedundancySignal:
		w.mu.Lock()
		w.mode = m.Mode
		w.mu.Unlock()
		if w.OnSignal != nil {
			w.OnSignal(m.Mode)
		}
	default:
		if w.OnMessage != nil {
			w.OnMessage(msg)
		}
	}
}
