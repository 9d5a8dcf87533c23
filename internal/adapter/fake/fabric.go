// Package fake holds the deterministic in-memory stand-ins the tests run
// on: a clock with manual advance, and a multi-node fabric that plays the
// roles of both the cluster view and the wire, including programmable
// partitions.
package fake

import (
	"fmt"
	"slices"
	"sync"

	"processhub/internal/cluster"
	"processhub/internal/registry"
	"processhub/internal/transport"
)

// peerInboxCap is 1024: big enough that tests never drop traffic unless a
// peer stopped draining entirely.
const peerInboxCap = 1024

// Fabric is an in-memory cluster of peers. Each peer implements
// cluster.View and transport.Transport; delivery is per-receiver FIFO.
type Fabric struct {
	mu    sync.Mutex
	peers map[string]*Peer
	group map[string]int // partition group; same group = reachable
}

// NewFabric returns an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		peers: make(map[string]*Peer),
		group: make(map[string]int),
	}
}

// AddNode creates a peer and announces the join to every reachable peer.
func (f *Fabric) AddNode(name string) *Peer {
	p := &Peer{
		fabric: f,
		name:   name,
		broker: cluster.NewBroker(),
		inbox:  make(chan transport.Envelope, peerInboxCap),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go p.drain()

	f.mu.Lock()
	f.peers[name] = p
	f.group[name] = 0
	others := f.reachableLocked(name)
	f.mu.Unlock()

	for _, other := range others {
		f.peer(other).broker.Publish(cluster.Event{Kind: cluster.Joined, Node: name})
		p.broker.Publish(cluster.Event{Kind: cluster.Joined, Node: other})
	}
	return p
}

// RemoveNode kills a peer without ceremony, as a crash would.
func (f *Fabric) RemoveNode(name string) {
	f.mu.Lock()
	p, ok := f.peers[name]
	if ok {
		delete(f.peers, name)
		delete(f.group, name)
	}
	survivors := f.reachableLocked(name)
	f.mu.Unlock()

	if !ok {
		return
	}
	p.stop()
	for _, other := range survivors {
		f.peer(other).broker.Publish(cluster.Event{Kind: cluster.Left, Node: name})
	}
}

// Partition splits the fabric into the given groups. Peers that lose sight
// of each other observe mutual leaves; traffic between groups is dropped.
func (f *Fabric) Partition(groups ...[]string) {
	f.apply(func(name string) int {
		for i, g := range groups {
			if slices.Contains(g, name) {
				return i
			}
		}
		return len(groups)
	})
}

// Heal reunites the fabric; reunited peers observe mutual joins.
func (f *Fabric) Heal() {
	f.apply(func(string) int { return 0 })
}

func (f *Fabric) apply(groupOf func(name string) int) {
	f.mu.Lock()
	before := make(map[string][]string, len(f.peers))
	for name := range f.peers {
		before[name] = f.reachableLocked(name)
	}
	for name := range f.peers {
		f.group[name] = groupOf(name)
	}
	after := make(map[string][]string, len(f.peers))
	for name := range f.peers {
		after[name] = f.reachableLocked(name)
	}
	f.mu.Unlock()

	for name := range before {
		p := f.peer(name)
		if p == nil {
			continue
		}
		for _, other := range before[name] {
			if !slices.Contains(after[name], other) {
				p.broker.Publish(cluster.Event{Kind: cluster.Left, Node: other})
			}
		}
		for _, other := range after[name] {
			if !slices.Contains(before[name], other) {
				p.broker.Publish(cluster.Event{Kind: cluster.Joined, Node: other})
			}
		}
	}
}

// Close stops every peer.
func (f *Fabric) Close() {
	f.mu.Lock()
	peers := make([]*Peer, 0, len(f.peers))
	for _, p := range f.peers {
		peers = append(peers, p)
	}
	f.peers = make(map[string]*Peer)
	f.mu.Unlock()

	for _, p := range peers {
		p.stop()
	}
}

func (f *Fabric) peer(name string) *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[name]
}

// reachableLocked lists the peers visible from name, excluding itself.
func (f *Fabric) reachableLocked(name string) []string {
	g, ok := f.group[name]
	if !ok {
		// A removed or never-added node saw everyone in group 0.
		g = 0
	}
	var out []string
	for other, og := range f.group {
		if other != name && og == g {
			out = append(out, other)
		}
	}
	slices.Sort(out)
	return out
}

// Peer is one fabric node.
type Peer struct {
	fabric *Fabric
	name   string
	broker *cluster.Broker
	inbox  chan transport.Envelope
	done   chan struct{}
	ready  chan struct{}

	mu      sync.Mutex
	handler transport.Handler
}

var _ cluster.View = (*Peer)(nil)
var _ transport.Transport = (*Peer)(nil)

// Self implements cluster.View and transport.Transport.
func (p *Peer) Self() string { return p.name }

// Nodes implements cluster.View.
func (p *Peer) Nodes(includeSelf bool) []string {
	p.fabric.mu.Lock()
	nodes := p.fabric.reachableLocked(p.name)
	p.fabric.mu.Unlock()
	if includeSelf {
		nodes = append(nodes, p.name)
		slices.Sort(nodes)
	}
	return nodes
}

// Subscribe implements cluster.View.
func (p *Peer) Subscribe() (<-chan cluster.Event, func()) {
	return p.broker.Subscribe()
}

// SetHandler implements transport.Transport. Delivery holds off until the
// first handler is installed, so traffic sent to a node that is still
// starting queues instead of dropping.
func (p *Peer) SetHandler(h transport.Handler) {
	p.mu.Lock()
	first := p.handler == nil
	p.handler = h
	p.mu.Unlock()
	if first {
		close(p.ready)
	}
}

// Send implements transport.Transport. Envelopes are round-tripped through
// the wire codec so payload encoding is exercised exactly as in production.
func (p *Peer) Send(node string, env transport.Envelope) error {
	p.fabric.mu.Lock()
	target := p.fabric.peers[node]
	reachable := slices.Contains(p.fabric.reachableLocked(p.name), node)
	p.fabric.mu.Unlock()

	if target == nil || !reachable {
		return fmt.Errorf("%w: %s", registry.ErrNotInCluster, node)
	}

	b, err := transport.Marshal(env)
	if err != nil {
		return err
	}
	decoded, err := transport.Unmarshal(b)
	if err != nil {
		return err
	}

	select {
	case target.inbox <- decoded:
		return nil
	case <-target.done:
		return fmt.Errorf("%w: %s", registry.ErrNotInCluster, node)
	}
}

func (p *Peer) drain() {
	select {
	case <-p.done:
		return
	case <-p.ready:
	}
	for {
		select {
		case <-p.done:
			return
		case env := <-p.inbox:
			p.mu.Lock()
			h := p.handler
			p.mu.Unlock()
			h(env)
		}
	}
}

func (p *Peer) stop() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.broker.Close()
}
