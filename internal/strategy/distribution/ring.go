package distribution

import (
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// defaultVirtualPoints is 128: enough ring points per node for an even
// spread at small cluster sizes without making ring builds noticeable.
const defaultVirtualPoints = 128

// ConsistentHash walks a hash ring clockwise from hash(cid) and collects
// the first rf distinct nodes. Rings are derived from the nodes argument
// alone and memoized per node set, so the strategy stays a pure function.
type ConsistentHash struct {
	points int

	mu    sync.Mutex
	rings map[string]*ring
}

// NewConsistentHash returns a ring strategy with the default point count.
func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{points: defaultVirtualPoints, rings: make(map[string]*ring)}
}

type ring struct {
	hashes []uint64
	owners []string // parallel to hashes
}

// BelongsTo implements Strategy.
func (c *ConsistentHash) BelongsTo(cid string, nodes []string, rf int) []string {
	if len(nodes) == 0 {
		return nil
	}
	sorted := slices.Sorted(slices.Values(nodes))
	sorted = slices.Compact(sorted)
	rf = clampRF(rf, len(sorted))

	rg := c.ringFor(sorted)
	h := xxhash.Sum64String(cid)
	idx := sort.Search(len(rg.hashes), func(i int) bool { return rg.hashes[i] >= h })

	owners := make([]string, 0, rf)
	for i := 0; len(owners) < rf && i < len(rg.hashes); i++ {
		owner := rg.owners[(idx+i)%len(rg.hashes)]
		if !slices.Contains(owners, owner) {
			owners = append(owners, owner)
		}
	}
	return owners
}

func (c *ConsistentHash) ringFor(sorted []string) *ring {
	key := strings.Join(sorted, "\x00")

	c.mu.Lock()
	defer c.mu.Unlock()
	if rg, ok := c.rings[key]; ok {
		return rg
	}

	rg := &ring{
		hashes: make([]uint64, 0, len(sorted)*c.points),
		owners: make([]string, 0, len(sorted)*c.points),
	}
	for _, node := range sorted {
		for i := 0; i < c.points; i++ {
			rg.hashes = append(rg.hashes, xxhash.Sum64String(node+"#"+strconv.Itoa(i)))
			rg.owners = append(rg.owners, node)
		}
	}
	sort.Sort(byHash{rg})
	c.rings[key] = rg
	return rg
}

type byHash struct{ *ring }

func (b byHash) Len() int           { return len(b.hashes) }
func (b byHash) Less(i, j int) bool { return b.hashes[i] < b.hashes[j] }
func (b byHash) Swap(i, j int) {
	b.hashes[i], b.hashes[j] = b.hashes[j], b.hashes[i]
	b.owners[i], b.owners[j] = b.owners[j], b.owners[i]
}
