package hub

import (
	"context"
	"log/slog"
	"sync"
)

// Hook names the host application can register callbacks for.
const (
	HookChildStarted     = "child_started"
	HookChildStopped     = "child_stopped"
	HookChildrenMigrated = "children_migrated"
	HookRedundancySignal = "redundancy_signal"
	HookClusterJoin      = "cluster_join"
	HookClusterLeave     = "cluster_leave"
)

// hookQueueCap is 256: hook traffic tracks registry churn; beyond this the
// host is too slow and events are dropped with a warning.
const hookQueueCap = 256

// HookEvent is delivered to registered callbacks.
type HookEvent struct {
	Hub  string
	Name string
	Data any
}

// ChildStartedData accompanies child_started.
type ChildStartedData struct {
	CID  string
	Node string
	Pid  string
}

// ChildStoppedData accompanies child_stopped.
type ChildStoppedData struct {
	CID  string
	Node string
}

// ChildrenMigratedData accompanies children_migrated.
type ChildrenMigratedData struct {
	Target string
	CIDs   []string
}

// RedundancySignalData accompanies redundancy_signal.
type RedundancySignalData struct {
	CID  string
	Mode string
}

// Hooks dispatches hub events to host callbacks from a dedicated goroutine,
// in registration order, off the hub's hot paths.
type Hooks struct {
	hub   string
	log   *slog.Logger
	queue chan HookEvent

	mu sync.Mutex
	m  map[string][]func(HookEvent)
}

func newHooks(hub string, log *slog.Logger) *Hooks {
	return &Hooks{
		hub:   hub,
		log:   log,
		queue: make(chan HookEvent, hookQueueCap),
		m:     make(map[string][]func(HookEvent)),
	}
}

// On registers cb for the named hook.
func (h *Hooks) On(name string, cb func(HookEvent)) {
	h.mu.Lock()
	h.m[name] = append(h.m[name], cb)
	h.mu.Unlock()
}

// Dispatch enqueues an event. Never blocks.
func (h *Hooks) Dispatch(name string, data any) {
	ev := HookEvent{Hub: h.hub, Name: name, Data: data}
	select {
	case h.queue <- ev:
	default:
		h.log.Warn("hook queue full, dropping event", "hook", name)
	}
}

func (h *Hooks) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.queue:
			h.mu.Lock()
			cbs := append([]func(HookEvent){}, h.m[ev.Name]...)
			h.mu.Unlock()
			for _, cb := range cbs {
				cb(ev)
			}
		}
	}
}
