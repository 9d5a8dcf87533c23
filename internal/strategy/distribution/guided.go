package distribution

import "slices"

// Guided places children per an explicit child -> nodes table, filtered to
// live members and truncated to rf. Children missing from the table fall
// back to the Fallback strategy, so a partially guided hub still places
// everything.
type Guided struct {
	Table    map[string][]string
	Fallback Strategy
}

// BelongsTo implements Strategy.
func (g Guided) BelongsTo(cid string, nodes []string, rf int) []string {
	wanted, ok := g.Table[cid]
	if !ok {
		if g.Fallback == nil {
			return nil
		}
		return g.Fallback.BelongsTo(cid, nodes, rf)
	}

	rf = clampRF(rf, len(nodes))
	owners := make([]string, 0, rf)
	for _, node := range wanted {
		if len(owners) == rf {
			break
		}
		if slices.Contains(nodes, node) && !slices.Contains(owners, node) {
			owners = append(owners, node)
		}
	}
	return owners
}
