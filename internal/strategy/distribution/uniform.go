package distribution

import (
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Uniform spreads children evenly over the sorted node list: owners are the
// rf nodes starting at hash(cid) mod len(nodes). Cheaper than the ring but
// reshuffles more children on membership change.
type Uniform struct{}

// BelongsTo implements Strategy.
func (Uniform) BelongsTo(cid string, nodes []string, rf int) []string {
	if len(nodes) == 0 {
		return nil
	}
	sorted := slices.Sorted(slices.Values(nodes))
	sorted = slices.Compact(sorted)
	rf = clampRF(rf, len(sorted))

	start := int(xxhash.Sum64String(cid) % uint64(len(sorted)))
	owners := make([]string, 0, rf)
	for i := 0; i < rf; i++ {
		owners = append(owners, sorted[(start+i)%len(sorted)])
	}
	return owners
}
