package query

import (
	"slices"
	"strings"

	"github.com/roach88/lofi/internal/ir"
)

// Matches reports whether an entity belongs to the spec's result set,
// ignoring order and limit. Tombstones never match.
func Matches(s Spec, e ir.Entity) bool {
	if e.Deleted || e.Collection != s.Collection {
		return false
	}
	if s.SyncStatus != "" && e.SyncStatus != s.SyncStatus {
		return false
	}
	return ir.MatchesAll(s.Where, e.Attributes)
}

// Compare orders two entities by the sort keys, then by id ascending.
// It never returns 0 for distinct ids.
func Compare(order []OrderKey, a, b ir.Entity) int {
	for _, k := range order {
		c := ir.Compare(field(a, k.Field), field(b, k.Field))
		if k.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID, b.ID)
}

// Less reports whether a sorts before b.
func Less(order []OrderKey, a, b ir.Entity) bool {
	return Compare(order, a, b) < 0
}

func field(e ir.Entity, name string) ir.Value {
	if v, ok := e.Attributes[name]; ok {
		return v
	}
	return ir.Null{}
}

// Evaluate filters, sorts and limits a snapshot of entities. The snapshot
// may contain entities of other collections and tombstones; they are
// skipped. The input slice is not modified.
func Evaluate(s Spec, snapshot []ir.Entity) []ir.Entity {
	out := make([]ir.Entity, 0, len(snapshot))
	for _, e := range snapshot {
		if Matches(s, e) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b ir.Entity) int { return Compare(s.Order, a, b) })
	if s.Limit > 0 && len(out) > s.Limit {
		out = out[:s.Limit]
	}
	return out
}

// IDs returns the ids of entities in order.
func IDs(entities []ir.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}
