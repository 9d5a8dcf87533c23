package transport_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"processhub/internal/registry"
	"processhub/internal/transport"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := transport.NewEnvelope("main", "node-a", transport.KindSync, transport.SyncMessage{
		Ref: "node-a/1-abc",
		NodesData: map[string]registry.Contribution{
			"node-a": {TS: 42, Children: map[string]registry.ChildRecord{
				"w1": {Spec: registry.ChildSpec{ID: "w1"}, Pid: "w1.1"},
			}},
		},
		SyncAcks: []string{"node-a"},
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	b, err := transport.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := transport.Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Hub != "main" || got.From != "node-a" || got.Kind != transport.KindSync {
		t.Fatalf("envelope = %+v", got)
	}

	var msg transport.SyncMessage
	if err := got.Decode(&msg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Ref != "node-a/1-abc" || msg.NodesData["node-a"].TS != 42 {
		t.Fatalf("payload = %+v", msg)
	}
	if msg.NodesData["node-a"].Children["w1"].Pid != "w1.1" {
		t.Fatalf("child record lost: %+v", msg.NodesData["node-a"])
	}
}

// loopback answers every start request itself.
type loopback struct {
	mu      sync.Mutex
	handler transport.Handler
	drop    bool
}

func (l *loopback) Self() string { return "node-a" }
func (l *loopback) SetHandler(h transport.Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}
func (l *loopback) Send(node string, env transport.Envelope) error {
	l.mu.Lock()
	h := l.handler
	drop := l.drop
	l.mu.Unlock()
	if drop || h == nil {
		return nil
	}
	go h(env)
	return nil
}

func TestCallerResolvesResponse(t *testing.T) {
	tr := &loopback{}
	caller := transport.NewCaller("main", tr, time.Second)
	tr.SetHandler(func(env transport.Envelope) {
		var req transport.StartChildRequest
		if err := env.Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		caller.Resolve(transport.ChildStartResponse{
			ID:     req.ID,
			CID:    req.CID,
			Result: transport.StartResult{Status: transport.StatusOK, Pid: "w1.1"},
		})
	})

	res, err := caller.StartChild(t.Context(), "node-b", registry.ChildSpec{ID: "w1"})
	if err != nil {
		t.Fatalf("StartChild: %v", err)
	}
	if !res.Started() || res.Pid != "w1.1" {
		t.Fatalf("result = %+v", res)
	}
}

func TestCallerTimesOut(t *testing.T) {
	tr := &loopback{drop: true}
	caller := transport.NewCaller("main", tr, 50*time.Millisecond)

	_, err := caller.StartChild(t.Context(), "node-b", registry.ChildSpec{ID: "w1"})
	if !errors.Is(err, registry.ErrCallTimeout) {
		t.Fatalf("err = %v, want ErrCallTimeout", err)
	}
}

func TestCallerHonorsContext(t *testing.T) {
	tr := &loopback{drop: true}
	caller := transport.NewCaller("main", tr, time.Minute)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := caller.StartChild(ctx, "node-b", registry.ChildSpec{ID: "w1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestLateResolveIsDropped(t *testing.T) {
	tr := &loopback{drop: true}
	caller := transport.NewCaller("main", tr, 10*time.Millisecond)

	_, err := caller.StartChild(t.Context(), "node-b", registry.ChildSpec{ID: "w1"})
	if err == nil {
		t.Fatal("expected timeout")
	}
	// The late response must not panic or leak.
	caller.Resolve(transport.ChildStartResponse{ID: 1, CID: "w1",
		Result: transport.StartResult{Status: transport.StatusOK}})
}

func TestStartResultStarted(t *testing.T) {
	if !(transport.StartResult{Status: transport.StatusOK}).Started() {
		t.Fatal("ok should count as started")
	}
	if !(transport.StartResult{Status: transport.StatusAlreadyStarted}).Started() {
		t.Fatal("already_started should count as started")
	}
	if (transport.StartResult{Status: transport.StatusError}).Started() {
		t.Fatal("error must not count as started")
	}
}
