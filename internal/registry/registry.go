// Package registry holds the per-node child registry: the local projection a
// node asserts about the children it supervises, merged with the projections
// gossiped by its peers.
//
// The registry is the only shared mutable state of a hub besides the gossip
// memo caches. It is owned by a single Registry value; readers get copied
// snapshots and never see internal maps.
package registry

import (
	"maps"
	"slices"
	"sync"

	"processhub/internal/check"
)

type entry struct {
	spec      ChildSpec
	locations map[string]string // node -> pid
}

// Registry is one hub's child registry on one node.
type Registry struct {
	mu      sync.Mutex
	self    string
	entries map[string]*entry
	lastTS  map[string]int64 // per contributing node, microseconds
}

// New creates an empty registry for the given local node.
func New(self string) *Registry {
	check.Assert(self != "", "registry.New: self node must not be empty")
	return &Registry{
		self:    self,
		entries: make(map[string]*entry),
		lastTS:  make(map[string]int64),
	}
}

// Self returns the local node identifier.
func (r *Registry) Self() string { return r.self }

// InsertLocal records a replica supervised by the local node.
func (r *Registry) InsertLocal(spec ChildSpec, pid string) Change {
	return r.Insert(spec.ID, spec, r.self, pid)
}

// RemoveLocal drops the local replica of cid. The second return is false
// when no local replica was recorded.
func (r *Registry) RemoveLocal(cid string) (Change, bool) {
	return r.Remove(cid, r.self)
}

// Insert upserts the (cid, node) edge. The spec is kept from the first
// insert; later inserts only update the pid.
func (r *Registry) Insert(cid string, spec ChildSpec, node, pid string) Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(cid, spec, node, pid)
}

func (r *Registry) insertLocked(cid string, spec ChildSpec, node, pid string) Change {
	e, ok := r.entries[cid]
	if !ok {
		e = &entry{spec: spec, locations: make(map[string]string)}
		r.entries[cid] = e
	}
	e.locations[node] = pid
	return r.changeLocked(cid, e)
}

// Remove drops the (cid, node) edge; the entry dies with its last edge.
func (r *Registry) Remove(cid, node string) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(cid, node)
}

func (r *Registry) removeLocked(cid, node string) (Change, bool) {
	e, ok := r.entries[cid]
	if !ok {
		return Change{CID: cid, Removed: true}, false
	}
	if _, ok := e.locations[node]; !ok {
		return r.changeLocked(cid, e), false
	}
	delete(e.locations, node)
	if len(e.locations) == 0 {
		delete(r.entries, cid)
		return Change{CID: cid, Removed: true}, true
	}
	return r.changeLocked(cid, e), true
}

// LocalSnapshot returns the self-asserted projection: every child with a
// replica supervised here, stamped with ts.
func (r *Registry) LocalSnapshot(ts int64) Contribution {
	r.mu.Lock()
	defer r.mu.Unlock()

	children := make(map[string]ChildRecord)
	for cid, e := range r.entries {
		if pid, ok := e.locations[r.self]; ok {
			children[cid] = ChildRecord{Spec: e.spec, Pid: pid}
		}
	}
	return Contribution{Children: children, TS: ts}
}

// ApplyRemote merges per-node contributions from a gossip round.
//
// For each contributing node the merge is append-then-detach: every child in
// the contribution gets its (cid, node) edge upserted, and every (cid, node)
// edge absent from the contribution is removed. Edges asserted by other
// nodes are never touched. A contribution older than the last one applied
// for that node is skipped (last-writer-wins on the contributor's clock).
func (r *Registry) ApplyRemote(contribs map[string]Contribution) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	touched := make(map[string]bool)
	for node, contrib := range contribs {
		if node == r.self {
			// The local projection is authoritative here; a round echo
			// must not overwrite it.
			continue
		}
		if last, ok := r.lastTS[node]; ok && contrib.TS < last {
			continue
		}
		r.lastTS[node] = contrib.TS

		for cid, rec := range contrib.Children {
			r.insertLocked(cid, rec.Spec, node, rec.Pid)
			touched[cid] = true
		}
		for cid, e := range r.entries {
			if _, ok := e.locations[node]; !ok {
				continue
			}
			if _, ok := contrib.Children[cid]; ok {
				continue
			}
			r.removeLocked(cid, node)
			touched[cid] = true
		}
	}

	changes := make([]Change, 0, len(touched))
	for _, cid := range slices.Sorted(maps.Keys(touched)) {
		if e, ok := r.entries[cid]; ok {
			changes = append(changes, r.changeLocked(cid, e))
		} else {
			changes = append(changes, Change{CID: cid, Removed: true})
		}
	}
	return changes
}

// ApplyUpdate applies an out-of-band propagate mutation asserted by node.
func (r *Registry) ApplyUpdate(node string, children []ChildUpdate, op UpdateOp) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	changes := make([]Change, 0, len(children))
	for _, cu := range children {
		switch op {
		case OpAdd:
			changes = append(changes, r.insertLocked(cu.CID, cu.Spec, node, cu.Pid))
		case OpRem:
			ch, _ := r.removeLocked(cu.CID, node)
			changes = append(changes, ch)
		default:
			check.Never("registry.ApplyUpdate: unknown op " + string(op))
		}
	}
	return changes
}

// DropNode removes every edge asserted by node, typically after the cluster
// view reported it gone. The node's staleness window is reset so a rejoin
// starts fresh.
func (r *Registry) DropNode(node string) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.lastTS, node)
	var changes []Change
	for _, cid := range slices.Sorted(maps.Keys(r.entries)) {
		e := r.entries[cid]
		if _, ok := e.locations[node]; !ok {
			continue
		}
		ch, _ := r.removeLocked(cid, node)
		changes = append(changes, ch)
	}
	return changes
}

// Lookup returns the replicas of cid in node-sorted order.
func (r *Registry) Lookup(cid string) []Location {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[cid]
	if !ok {
		return nil
	}
	return locationsOf(e)
}

// Entry returns a copy of the merged view of cid.
func (r *Registry) Entry(cid string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[cid]
	if !ok {
		return Entry{}, false
	}
	return Entry{Spec: e.spec, Locations: maps.Clone(e.locations)}, true
}

// Which returns every child and its replicas, all copied.
func (r *Registry) Which() map[string][]Location {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]Location, len(r.entries))
	for cid, e := range r.entries {
		out[cid] = locationsOf(e)
	}
	return out
}

// LocalChildren returns the cids with a replica supervised here, sorted.
func (r *Registry) LocalChildren() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cids []string
	for cid, e := range r.entries {
		if _, ok := e.locations[r.self]; ok {
			cids = append(cids, cid)
		}
	}
	slices.Sort(cids)
	return cids
}

// ChildrenOn returns the cids with a replica on node, sorted.
func (r *Registry) ChildrenOn(node string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cids []string
	for cid, e := range r.entries {
		if _, ok := e.locations[node]; ok {
			cids = append(cids, cid)
		}
	}
	slices.Sort(cids)
	return cids
}

// HasLocal reports the local pid of cid, if supervised here.
func (r *Registry) HasLocal(cid string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[cid]
	if !ok {
		return "", false
	}
	pid, ok := e.locations[r.self]
	return pid, ok
}

func (r *Registry) changeLocked(cid string, e *entry) Change {
	return Change{CID: cid, Locations: locationsOf(e)}
}

func locationsOf(e *entry) []Location {
	locs := make([]Location, 0, len(e.locations))
	for _, node := range slices.Sorted(maps.Keys(e.locations)) {
		locs = append(locs, Location{Node: node, Pid: e.locations[node]})
	}
	return locs
}
