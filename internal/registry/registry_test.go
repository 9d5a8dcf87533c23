package registry_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"processhub/internal/registry"
)

func spec(cid string) registry.ChildSpec {
	return registry.ChildSpec{ID: cid, StartParams: json.RawMessage(`{"n":1}`)}
}

func TestInsertAndLookup(t *testing.T) {
	r := registry.New("a")
	r.InsertLocal(spec("w1"), "w1.1")
	r.Insert("w1", spec("w1"), "b", "w1.9")

	locs := r.Lookup("w1")
	want := []registry.Location{{Node: "a", Pid: "w1.1"}, {Node: "b", Pid: "w1.9"}}
	if !reflect.DeepEqual(locs, want) {
		t.Fatalf("Lookup = %v, want %v", locs, want)
	}
}

func TestEntryDiesWithLastEdge(t *testing.T) {
	r := registry.New("a")
	r.InsertLocal(spec("w1"), "w1.1")

	ch, removed := r.RemoveLocal("w1")
	if !removed || !ch.Removed {
		t.Fatalf("RemoveLocal = (%+v, %v), want removed entry", ch, removed)
	}
	if locs := r.Lookup("w1"); locs != nil {
		t.Fatalf("Lookup after removal = %v, want nil", locs)
	}
}

func TestLocalSnapshotOnlyCoversSelf(t *testing.T) {
	r := registry.New("a")
	r.InsertLocal(spec("w1"), "w1.1")
	r.Insert("w2", spec("w2"), "b", "w2.1")

	snap := r.LocalSnapshot(100)
	if len(snap.Children) != 1 {
		t.Fatalf("snapshot children = %v, want only w1", snap.Children)
	}
	if rec, ok := snap.Children["w1"]; !ok || rec.Pid != "w1.1" {
		t.Fatalf("snapshot w1 = %+v", rec)
	}
	if snap.TS != 100 {
		t.Fatalf("snapshot TS = %d, want 100", snap.TS)
	}
}

func TestApplyRemoteAppendsAndDetaches(t *testing.T) {
	r := registry.New("a")
	r.Insert("w1", spec("w1"), "b", "w1.1")
	r.Insert("w2", spec("w2"), "b", "w2.1")

	// b's fresh contribution drops w2 and adds w3.
	r.ApplyRemote(map[string]registry.Contribution{
		"b": {TS: 10, Children: map[string]registry.ChildRecord{
			"w1": {Spec: spec("w1"), Pid: "w1.1"},
			"w3": {Spec: spec("w3"), Pid: "w3.1"},
		}},
	})

	if locs := r.Lookup("w2"); locs != nil {
		t.Fatalf("w2 should have been detached, got %v", locs)
	}
	if locs := r.Lookup("w3"); len(locs) != 1 || locs[0].Node != "b" {
		t.Fatalf("w3 = %v, want on b", locs)
	}
}

func TestApplyRemoteNeverTouchesOtherNodesEdges(t *testing.T) {
	r := registry.New("a")
	r.Insert("w1", spec("w1"), "b", "w1.b")
	r.Insert("w1", spec("w1"), "c", "w1.c")

	// b's contribution no longer lists w1; only b's edge may go.
	r.ApplyRemote(map[string]registry.Contribution{
		"b": {TS: 10, Children: map[string]registry.ChildRecord{}},
	})

	locs := r.Lookup("w1")
	if len(locs) != 1 || locs[0].Node != "c" {
		t.Fatalf("w1 = %v, want only c's edge", locs)
	}
}

func TestApplyRemoteStalenessGuard(t *testing.T) {
	r := registry.New("a")
	r.ApplyRemote(map[string]registry.Contribution{
		"b": {TS: 20, Children: map[string]registry.ChildRecord{
			"w1": {Spec: spec("w1"), Pid: "w1.new"},
		}},
	})
	// An older contribution from b must be ignored entirely.
	r.ApplyRemote(map[string]registry.Contribution{
		"b": {TS: 10, Children: map[string]registry.ChildRecord{
			"w1": {Spec: spec("w1"), Pid: "w1.old"},
			"w9": {Spec: spec("w9"), Pid: "w9.old"},
		}},
	})

	if locs := r.Lookup("w1"); locs[0].Pid != "w1.new" {
		t.Fatalf("w1 pid = %s, want w1.new", locs[0].Pid)
	}
	if locs := r.Lookup("w9"); locs != nil {
		t.Fatalf("stale w9 applied: %v", locs)
	}
}

func TestApplyRemoteOwnSnapshotIsNoop(t *testing.T) {
	r := registry.New("a")
	r.InsertLocal(spec("w1"), "w1.1")

	before := r.Which()
	r.ApplyRemote(map[string]registry.Contribution{"a": r.LocalSnapshot(999)})
	after := r.Which()

	if !reflect.DeepEqual(before, after) {
		t.Fatalf("apply of own snapshot changed registry: %v -> %v", before, after)
	}
}

func TestApplyUpdate(t *testing.T) {
	r := registry.New("a")
	r.ApplyUpdate("b", []registry.ChildUpdate{{CID: "w1", Spec: spec("w1"), Pid: "w1.1"}}, registry.OpAdd)
	if locs := r.Lookup("w1"); len(locs) != 1 || locs[0].Node != "b" {
		t.Fatalf("w1 = %v", locs)
	}

	r.ApplyUpdate("b", []registry.ChildUpdate{{CID: "w1"}}, registry.OpRem)
	if locs := r.Lookup("w1"); locs != nil {
		t.Fatalf("w1 after rem = %v", locs)
	}
}

func TestDropNode(t *testing.T) {
	r := registry.New("a")
	r.InsertLocal(spec("w1"), "w1.a")
	r.Insert("w1", spec("w1"), "b", "w1.b")
	r.Insert("w2", spec("w2"), "b", "w2.b")

	changes := r.DropNode("b")
	if len(changes) != 2 {
		t.Fatalf("changes = %v, want 2", changes)
	}
	if locs := r.Lookup("w1"); len(locs) != 1 || locs[0].Node != "a" {
		t.Fatalf("w1 = %v, want only a", locs)
	}
	if locs := r.Lookup("w2"); locs != nil {
		t.Fatalf("w2 = %v, want gone", locs)
	}

	// A rejoining b starts with a fresh staleness window.
	r.ApplyRemote(map[string]registry.Contribution{
		"b": {TS: 1, Children: map[string]registry.ChildRecord{
			"w2": {Spec: spec("w2"), Pid: "w2.b2"},
		}},
	})
	if locs := r.Lookup("w2"); len(locs) != 1 {
		t.Fatalf("w2 after rejoin = %v", locs)
	}
}

func TestSpecImmutableAfterFirstInsert(t *testing.T) {
	r := registry.New("a")
	first := registry.ChildSpec{ID: "w1", StartParams: json.RawMessage(`{"v":1}`)}
	second := registry.ChildSpec{ID: "w1", StartParams: json.RawMessage(`{"v":2}`)}

	r.Insert("w1", first, "a", "p1")
	r.Insert("w1", second, "b", "p2")

	entry, ok := r.Entry("w1")
	if !ok {
		t.Fatal("entry missing")
	}
	if string(entry.Spec.StartParams) != `{"v":1}` {
		t.Fatalf("spec mutated: %s", entry.Spec.StartParams)
	}
}
