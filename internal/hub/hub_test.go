package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"processhub/internal/adapter/fake"
	"processhub/internal/gossip"
	"processhub/internal/hub"
	"processhub/internal/migration"
	"processhub/internal/registry"
	"processhub/internal/strategy/distribution"
	"processhub/internal/strategy/redundancy"
	"processhub/internal/worker"
)

// relay wires the supervisor's state sender to the hub built after it.
type relay struct {
	mu sync.Mutex
	h  *hub.Hub
}

func (r *relay) SendHandover(node, cid string, state json.RawMessage) error {
	r.mu.Lock()
	h := r.h
	r.mu.Unlock()
	if h == nil {
		return fmt.Errorf("hub not ready")
	}
	return h.SendHandover(node, cid, state)
}

type testNode struct {
	name string
	peer *fake.Peer
	sup  *worker.Supervisor
	hub  *hub.Hub
}

func fastSync() gossip.Config {
	return gossip.Config{Interval: 150 * time.Millisecond, Fanout: 8, RestrictedInit: true}
}

func startNode(t *testing.T, f *fake.Fabric, hubName, name string, rf int, migCfg migration.Config) *testNode {
	t.Helper()
	p := f.AddNode(name)
	r := &relay{}
	sup := worker.NewSupervisor(name, r)

	h, err := hub.New(hubName,
		hub.WithView(p),
		hub.WithTransport(p),
		hub.WithSupervisor(sup),
		hub.WithRedundancy(redundancy.Strategy{ReplicationFactor: rf}),
		hub.WithSyncConfig(fastSync()),
		hub.WithMigrationConfig(migCfg),
	)
	if err != nil {
		t.Fatalf("hub.New(%s): %v", name, err)
	}
	r.mu.Lock()
	r.h = h
	r.mu.Unlock()

	if err := h.Start(t.Context()); err != nil {
		t.Fatalf("hub.Start(%s): %v", name, err)
	}
	t.Cleanup(func() { _ = h.Stop(context.Background()) })
	return &testNode{name: name, peer: p, sup: sup, hub: h}
}

func waitFor(t *testing.T, d time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met: " + msg)
}

// findCID searches for a child id whose owner sets match the scenario's
// needs; placement is deterministic, so the search is too.
func findCID(t *testing.T, prefix string, ok func(cid string) bool) string {
	t.Helper()
	for i := 0; i < 500; i++ {
		cid := fmt.Sprintf("%s-%d", prefix, i)
		if ok(cid) {
			return cid
		}
	}
	t.Fatalf("no child id with the wanted placement under prefix %s", prefix)
	return ""
}

func owners(cid string, nodes []string, rf int) []string {
	return distribution.NewConsistentHash().BelongsTo(cid, nodes, rf)
}

func TestDuplicateHubRefused(t *testing.T) {
	f := fake.NewFabric()
	t.Cleanup(f.Close)
	first := startNode(t, f, "dup-hub", "node-a", 1, migration.DefaultConfig())

	// Same hub id on the same node must abort loudly.
	r := &relay{}
	sup := worker.NewSupervisor("node-a", r)
	second, err := hub.New("dup-hub",
		hub.WithView(first.peer),
		hub.WithTransport(first.peer),
		hub.WithSupervisor(sup),
	)
	if err != nil {
		t.Fatalf("hub.New: %v", err)
	}
	if err := second.Start(t.Context()); !errors.Is(err, registry.ErrHubDuplicated) {
		t.Fatalf("Start = %v, want ErrHubDuplicated", err)
	}
}

func TestBasicRegistrationConvergesAcrossCluster(t *testing.T) {
	f := fake.NewFabric()
	t.Cleanup(f.Close)
	a := startNode(t, f, "basic", "node-a", 1, migration.DefaultConfig())
	b := startNode(t, f, "basic", "node-b", 1, migration.DefaultConfig())
	c := startNode(t, f, "basic", "node-c", 1, migration.DefaultConfig())

	outcomes := a.hub.StartChildren(t.Context(), []registry.ChildSpec{
		{ID: "w1", StartParams: json.RawMessage(`{}`)},
	})
	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if len(outcomes[0].Nodes) != 1 {
		t.Fatalf("w1 placed on %v, want exactly one node", outcomes[0].Nodes)
	}
	owner := outcomes[0].Nodes[0]

	// Exactly one supervisor runs it.
	running := 0
	for _, n := range []*testNode{a, b, c} {
		if slices.Contains(n.sup.Children(), "w1") {
			running++
		}
	}
	if running != 1 {
		t.Fatalf("w1 running on %d nodes, want 1", running)
	}

	// Every node's registry agrees within a sync interval or two.
	waitFor(t, 2*time.Second, "all registries agree on w1", func() bool {
		for _, n := range []*testNode{a, b, c} {
			locs, err := n.hub.ChildLookup("w1")
			if err != nil || len(locs) != 1 || locs[0].Node != owner {
				return false
			}
		}
		return true
	})
}

func TestJoinTriggersHotSwapWithState(t *testing.T) {
	f := fake.NewFabric()
	t.Cleanup(f.Close)
	migCfg := migration.Config{Retention: 2 * time.Second, Handover: true, StartTimeout: 2 * time.Second}
	a := startNode(t, f, "hotswap", "node-a", 1, migCfg)
	startNode(t, f, "hotswap", "node-b", 1, migCfg)

	// A child owned by node-a in {a,b} whose ownership moves to node-c
	// once it joins.
	cid := findCID(t, "w2", func(cid string) bool {
		pre := owners(cid, []string{"node-a", "node-b"}, 1)
		post := owners(cid, []string{"node-a", "node-b", "node-c"}, 1)
		return pre[0] == "node-a" && post[0] == "node-c"
	})

	outcomes := a.hub.StartChildren(t.Context(), []registry.ChildSpec{
		{ID: cid, StartParams: json.RawMessage(`{"counter":42}`)},
	})
	if outcomes[0].Err != nil {
		t.Fatalf("start: %v", outcomes[0].Err)
	}

	// Drift the worker's state away from its start params so the test can
	// tell a real handover from a fresh start.
	if err := a.sup.Deliver(cid, worker.Handover{State: json.RawMessage(`{"counter":99}`)}); err != nil {
		t.Fatalf("mutate state: %v", err)
	}

	c := startNode(t, f, "hotswap", "node-c", 1, migCfg)

	waitFor(t, 5*time.Second, "child hot-swapped to node-c", func() bool {
		return slices.Contains(c.sup.Children(), cid) && !slices.Contains(a.sup.Children(), cid)
	})

	w, ok := c.sup.Worker(cid)
	if !ok {
		t.Fatal("worker missing on node-c")
	}
	waitFor(t, 2*time.Second, "state arrived with the worker", func() bool {
		return string(w.State()) == `{"counter":99}`
	})

	waitFor(t, 2*time.Second, "registries dropped node-a's edge", func() bool {
		locs, err := c.hub.ChildLookup(cid)
		return err == nil && len(locs) == 1 && locs[0].Node == "node-c"
	})
}

func TestGracefulLeaveHandsOverState(t *testing.T) {
	f := fake.NewFabric()
	t.Cleanup(f.Close)
	migCfg := migration.Config{Retention: 2 * time.Second, Handover: true, StartTimeout: 2 * time.Second, ShutdownTimeout: 2 * time.Second}
	a := startNode(t, f, "leave", "node-a", 2, migCfg)
	b := startNode(t, f, "leave", "node-b", 2, migCfg)
	c := startNode(t, f, "leave", "node-c", 2, migCfg)

	// Owners {a,b} before the leave, {b,c} after.
	cid := findCID(t, "w3", func(cid string) bool {
		pre := owners(cid, []string{"node-a", "node-b", "node-c"}, 2)
		return slices.Contains(pre, "node-a") && slices.Contains(pre, "node-b")
	})

	outcomes := a.hub.StartChildren(t.Context(), []registry.ChildSpec{
		{ID: cid, StartParams: json.RawMessage(`{"n":1}`)},
	})
	if outcomes[0].Err != nil {
		t.Fatalf("start: %v", outcomes[0].Err)
	}

	// The state node-a holds at shutdown is what node-c must receive.
	if err := a.sup.Deliver(cid, worker.Handover{State: json.RawMessage(`{"n":7}`)}); err != nil {
		t.Fatalf("mutate state: %v", err)
	}

	if err := a.hub.Stop(t.Context()); err != nil {
		t.Fatalf("graceful stop: %v", err)
	}
	// Let the shipped batch drain on node-c before it observes the leave.
	time.Sleep(100 * time.Millisecond)
	f.RemoveNode("node-a")

	waitFor(t, 5*time.Second, "node-c adopted the child", func() bool {
		return slices.Contains(c.sup.Children(), cid)
	})
	w, _ := c.sup.Worker(cid)
	waitFor(t, 2*time.Second, "node-a's state arrived on node-c", func() bool {
		return string(w.State()) == `{"n":7}`
	})
	if !slices.Contains(b.sup.Children(), cid) {
		t.Fatal("node-b should still host its replica")
	}
}

func TestReplicationModesAndFailover(t *testing.T) {
	f := fake.NewFabric()
	t.Cleanup(f.Close)
	nodes := map[string]*testNode{
		"node-a": startNode(t, f, "redund", "node-a", 2, migration.DefaultConfig()),
		"node-b": startNode(t, f, "redund", "node-b", 2, migration.DefaultConfig()),
		"node-c": startNode(t, f, "redund", "node-c", 2, migration.DefaultConfig()),
	}

	outcomes := nodes["node-a"].hub.StartChildren(t.Context(), []registry.ChildSpec{
		{ID: "w4", StartParams: json.RawMessage(`{}`)},
	})
	if outcomes[0].Err != nil {
		t.Fatalf("start: %v", outcomes[0].Err)
	}
	placed := outcomes[0].Nodes
	if len(placed) != 2 {
		t.Fatalf("placed on %v, want two owners", placed)
	}

	ordered := owners("w4", placed, 2)
	activeNode, passiveNode := ordered[0], ordered[1]

	waitFor(t, 3*time.Second, "modes assigned", func() bool {
		aw, aok := nodes[activeNode].sup.Worker("w4")
		pw, pok := nodes[passiveNode].sup.Worker("w4")
		return aok && pok &&
			aw.Mode() == redundancy.Active && pw.Mode() == redundancy.Passive
	})

	// Kill the active owner; the passive replica must take over.
	f.RemoveNode(activeNode)
	waitFor(t, 3*time.Second, "passive promoted", func() bool {
		w, ok := nodes[passiveNode].sup.Worker("w4")
		return ok && w.Mode() == redundancy.Active
	})
}

func TestPartitionedHubsConvergeAfterHeal(t *testing.T) {
	f := fake.NewFabric()
	t.Cleanup(f.Close)
	all := []*testNode{
		startNode(t, f, "part", "node-a", 1, migration.DefaultConfig()),
		startNode(t, f, "part", "node-b", 1, migration.DefaultConfig()),
		startNode(t, f, "part", "node-c", 1, migration.DefaultConfig()),
		startNode(t, f, "part", "node-d", 1, migration.DefaultConfig()),
	}
	a, d := all[0], all[3]

	f.Partition([]string{"node-a", "node-b"}, []string{"node-c", "node-d"})

	if out := a.hub.StartChildren(t.Context(), []registry.ChildSpec{{ID: "w5"}}); out[0].Err != nil {
		t.Fatalf("start w5: %v", out[0].Err)
	}
	if out := d.hub.StartChildren(t.Context(), []registry.ChildSpec{{ID: "w6"}}); out[0].Err != nil {
		t.Fatalf("start w6: %v", out[0].Err)
	}

	f.Heal()

	waitFor(t, 5*time.Second, "all nodes see both children", func() bool {
		for _, n := range all {
			if _, err := n.hub.ChildLookup("w5"); err != nil {
				return false
			}
			if _, err := n.hub.ChildLookup("w6"); err != nil {
				return false
			}
		}
		return true
	})
}

func TestStopChildrenRemovesEverywhere(t *testing.T) {
	f := fake.NewFabric()
	t.Cleanup(f.Close)
	a := startNode(t, f, "stop", "node-a", 1, migration.DefaultConfig())
	b := startNode(t, f, "stop", "node-b", 1, migration.DefaultConfig())

	if out := a.hub.StartChildren(t.Context(), []registry.ChildSpec{{ID: "w7"}}); out[0].Err != nil {
		t.Fatalf("start: %v", out[0].Err)
	}
	waitFor(t, 2*time.Second, "registered everywhere", func() bool {
		_, errA := a.hub.ChildLookup("w7")
		_, errB := b.hub.ChildLookup("w7")
		return errA == nil && errB == nil
	})

	out := b.hub.StopChildren(t.Context(), []string{"w7"})
	if out[0].Err != nil {
		t.Fatalf("stop: %v", out[0].Err)
	}

	waitFor(t, 2*time.Second, "gone everywhere", func() bool {
		_, errA := a.hub.ChildLookup("w7")
		_, errB := b.hub.ChildLookup("w7")
		return errors.Is(errA, registry.ErrChildUnknown) && errors.Is(errB, registry.ErrChildUnknown)
	})
	if slices.Contains(a.sup.Children(), "w7") || slices.Contains(b.sup.Children(), "w7") {
		t.Fatal("worker still running after stop")
	}
}

func TestStartChildrenReportsPerChildOutcomes(t *testing.T) {
	f := fake.NewFabric()
	t.Cleanup(f.Close)
	a := startNode(t, f, "batch", "node-a", 1, migration.DefaultConfig())

	if out := a.hub.StartChildren(t.Context(), []registry.ChildSpec{{ID: "w8"}}); out[0].Err != nil {
		t.Fatalf("first start: %v", out[0].Err)
	}

	out := a.hub.StartChildren(t.Context(), []registry.ChildSpec{
		{ID: "w8"},
		{ID: "w9"},
	})
	var as *registry.AlreadyStartedError
	if !errors.As(out[0].Err, &as) {
		t.Fatalf("w8 outcome = %+v, want AlreadyStartedError", out[0])
	}
	if out[1].Err != nil {
		t.Fatalf("w9 must not be poisoned by w8: %+v", out[1])
	}
}
