// Package distribution decides which nodes own a child. Every strategy is a
// pure function of (cid, nodes, replication factor): identical inputs yield
// identical owner lists on every node, which is what lets each node act on
// placement independently.
package distribution

import "processhub/internal/check"

// Strategy maps a child to its owner nodes.
//
// BelongsTo returns at most rf distinct owners drawn from nodes, in priority
// order: the first owner hosts the active replica. The result must not
// depend on call site, call order, or local state.
type Strategy interface {
	BelongsTo(cid string, nodes []string, rf int) []string
}

// ForKind returns the strategy named by kind: "consistent_hash" (default),
// "uniform", or "guided" with the given child table.
func ForKind(kind string, guided map[string][]string) Strategy {
	switch kind {
	case "", KindConsistentHash:
		return NewConsistentHash()
	case KindUniform:
		return Uniform{}
	case KindGuided:
		return Guided{Table: guided, Fallback: NewConsistentHash()}
	default:
		check.Never("distribution.ForKind: unknown kind " + kind)
		return NewConsistentHash()
	}
}

const (
	KindConsistentHash = "consistent_hash"
	KindUniform        = "uniform"
	KindGuided         = "guided"
)

func clampRF(rf, n int) int {
	if rf < 1 {
		rf = 1
	}
	if rf > n {
		rf = n
	}
	return rf
}
