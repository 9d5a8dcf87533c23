package worker_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"processhub/internal/registry"
	"processhub/internal/strategy/redundancy"
	"processhub/internal/worker"
)

type recordingSender struct {
	mu    sync.Mutex
	node  string
	cid   string
	state json.RawMessage
}

func (r *recordingSender) SendHandover(node, cid string, state json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.node, r.cid, r.state = node, cid, state
	return nil
}

func startOne(t *testing.T, sup *worker.Supervisor, cid, params string) string {
	t.Helper()
	pid, err := sup.StartChild(registry.ChildSpec{ID: cid, StartParams: json.RawMessage(params)})
	if err != nil {
		t.Fatalf("StartChild(%s): %v", cid, err)
	}
	return pid
}

func TestStartParamsBecomeInitialState(t *testing.T) {
	sup := worker.NewSupervisor("node-a", &recordingSender{})
	startOne(t, sup, "w1", `{"counter":42}`)

	reply := make(chan worker.ProcessState, 1)
	if err := sup.Deliver("w1", worker.GetState{CID: "w1", Reply: reply}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	ps := <-reply
	if ps.CID != "w1" || ps.Node != "node-a" || string(ps.State) != `{"counter":42}` {
		t.Fatalf("ProcessState = %+v", ps)
	}
}

func TestDuplicateStartReportsExistingPid(t *testing.T) {
	sup := worker.NewSupervisor("node-a", &recordingSender{})
	pid := startOne(t, sup, "w1", `{}`)

	_, err := sup.StartChild(registry.ChildSpec{ID: "w1"})
	var as *registry.AlreadyStartedError
	if !errors.As(err, &as) {
		t.Fatalf("err = %v, want AlreadyStartedError", err)
	}
	if as.Pid != pid {
		t.Fatalf("pid = %s, want %s", as.Pid, pid)
	}
}

func TestHandoverAdoptsState(t *testing.T) {
	sup := worker.NewSupervisor("node-a", &recordingSender{})
	startOne(t, sup, "w1", `{"counter":1}`)

	if err := sup.Deliver("w1", worker.Handover{State: json.RawMessage(`{"counter":9}`)}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	reply := make(chan worker.ProcessState, 1)
	_ = sup.Deliver("w1", worker.GetState{CID: "w1", Reply: reply})
	if ps := <-reply; string(ps.State) != `{"counter":9}` {
		t.Fatalf("state = %s", ps.State)
	}
}

func TestHandoverStartShipsStateThenAcks(t *testing.T) {
	sender := &recordingSender{}
	sup := worker.NewSupervisor("node-a", sender)
	startOne(t, sup, "w1", `{"counter":7}`)

	acked := make(chan string, 1)
	err := sup.Deliver("w1", worker.HandoverStart{
		CID:    "w1",
		Remote: worker.Remote{Node: "node-b", Pid: "w1.2"},
		Acked:  acked,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	select {
	case cid := <-acked:
		if cid != "w1" {
			t.Fatalf("acked cid = %s", cid)
		}
	case <-time.After(time.Second):
		t.Fatal("no retention_handled ack")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.node != "node-b" || sender.cid != "w1" || string(sender.state) != `{"counter":7}` {
		t.Fatalf("shipped = %s/%s/%s", sender.node, sender.cid, sender.state)
	}
}

func TestRedundancySignalObserved(t *testing.T) {
	sup := worker.NewSupervisor("node-a", &recordingSender{})
	startOne(t, sup, "w1", `{}`)

	w, _ := sup.Worker("w1")
	got := make(chan redundancy.Mode, 1)
	w.OnSignal = func(m redundancy.Mode) { got <- m }

	_ = sup.Deliver("w1", worker.RedundancySignal{Mode: redundancy.Passive})
	select {
	case m := <-got:
		if m != redundancy.Passive {
			t.Fatalf("mode = %s", m)
		}
	case <-time.After(time.Second):
		t.Fatal("signal not observed")
	}
	if w.Mode() != redundancy.Passive {
		t.Fatalf("Mode() = %s", w.Mode())
	}
}

func TestTerminateUnknownChild(t *testing.T) {
	sup := worker.NewSupervisor("node-a", &recordingSender{})
	if err := sup.TerminateChild("ghost"); !errors.Is(err, registry.ErrChildUnknown) {
		t.Fatalf("err = %v", err)
	}
}
