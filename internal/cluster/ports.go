package cluster

// View is the local node's picture of cluster membership.
//
// Node lists are snapshots; membership can change between reads, and
// consumers must tolerate that.
type View interface {
	// Self is the local node name.
	Self() string
	// Nodes returns the reachable members in lexicographic order,
	// optionally including the local node.
	Nodes(includeSelf bool) []string
	// Subscribe registers for membership events. The returned cancel
	// detaches the subscriber.
	Subscribe() (<-chan Event, func())
}
