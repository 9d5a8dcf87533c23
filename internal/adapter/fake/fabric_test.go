package fake_test

import (
	"errors"
	"testing"
	"time"

	"processhub/internal/adapter/fake"
	"processhub/internal/cluster"
	"processhub/internal/registry"
	"processhub/internal/transport"
)

func TestClockAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := fake.NewClock(start)
	if !c.Now().Equal(start) {
		t.Fatalf("Now = %s", c.Now())
	}
	c.Advance(3 * time.Second)
	if got := c.Now().Sub(start); got != 3*time.Second {
		t.Fatalf("advanced by %s", got)
	}
}

func TestFabricDeliversFIFO(t *testing.T) {
	f := fake.NewFabric()
	t.Cleanup(f.Close)
	a := f.AddNode("node-a")
	b := f.AddNode("node-b")

	got := make(chan transport.Envelope, 16)
	b.SetHandler(func(env transport.Envelope) { got <- env })
	a.SetHandler(func(transport.Envelope) {})

	for _, kind := range []transport.Kind{transport.KindSync, transport.KindPropagate, transport.KindTerminate} {
		env, err := transport.NewEnvelope("main", "node-a", kind, transport.TerminateChild{CID: "w"})
		if err != nil {
			t.Fatal(err)
		}
		if err := a.Send("node-b", env); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	for _, want := range []transport.Kind{transport.KindSync, transport.KindPropagate, transport.KindTerminate} {
		select {
		case env := <-got:
			if env.Kind != want {
				t.Fatalf("kind = %s, want %s", env.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
}

func TestPartitionBlocksTrafficAndEmitsLeaves(t *testing.T) {
	f := fake.NewFabric()
	t.Cleanup(f.Close)
	a := f.AddNode("node-a")
	b := f.AddNode("node-b")
	b.SetHandler(func(transport.Envelope) {})
	a.SetHandler(func(transport.Envelope) {})

	events, cancel := a.Subscribe()
	defer cancel()

	f.Partition([]string{"node-a"}, []string{"node-b"})

	select {
	case ev := <-events:
		if ev.Kind != cluster.Left || ev.Node != "node-b" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no leave event")
	}

	env, _ := transport.NewEnvelope("main", "node-a", transport.KindSync, transport.SyncMessage{Ref: "r"})
	if err := a.Send("node-b", env); !errors.Is(err, registry.ErrNotInCluster) {
		t.Fatalf("Send across partition = %v", err)
	}
	if nodes := a.Nodes(true); len(nodes) != 1 {
		t.Fatalf("partitioned view = %v", nodes)
	}

	f.Heal()
	select {
	case ev := <-events:
		if ev.Kind != cluster.Joined || ev.Node != "node-b" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no join event after heal")
	}
	if err := a.Send("node-b", env); err != nil {
		t.Fatalf("Send after heal: %v", err)
	}
}
