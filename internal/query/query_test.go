package query

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
)

func msg(id, chatID string, createdAt int64) ir.Entity {
	return ir.Entity{
		Collection: "messages",
		ID:         id,
		Attributes: ir.Object{
			"id":        ir.String(id),
			"chatId":    ir.String(chatID),
			"createdAt": ir.Int(createdAt),
		},
		SyncStatus: ir.Synced,
	}
}

func TestEvaluate_ChatScenario(t *testing.T) {
	snapshot := []ir.Entity{
		{Collection: "chats", ID: "c1", Attributes: ir.Object{"id": ir.String("c1")}, SyncStatus: ir.Pending},
		msg("m1", "c1", 1000),
		msg("m2", "c1", 2000),
		msg("m3", "c2", 3000),
	}
	spec := Spec{
		Collection: "messages",
		Where:      []ir.Filter{{Field: "chatId", Op: ir.OpEq, Value: ir.String("c1")}},
		Order:      []OrderKey{Desc("createdAt")},
		Limit:      1,
	}

	assert.Equal(t, []string{"m2"}, IDs(Evaluate(spec, snapshot)))
	assert.Equal(t, []string{"m2", "m1"}, IDs(Evaluate(spec.WithLimit(2), snapshot)))
}

func TestEvaluate_TiesBrokenByID(t *testing.T) {
	snapshot := []ir.Entity{msg("b", "c", 1), msg("c", "c", 1), msg("a", "c", 1)}

	asc := Spec{Collection: "messages", Order: []OrderKey{Asc("createdAt")}}
	desc := Spec{Collection: "messages", Order: []OrderKey{Desc("createdAt")}}

	assert.Equal(t, []string{"a", "b", "c"}, IDs(Evaluate(asc, snapshot)))
	// Direction applies to the key, never to the id tie-break.
	assert.Equal(t, []string{"a", "b", "c"}, IDs(Evaluate(desc, snapshot)))
}

func TestEvaluate_MultiKeyOrder(t *testing.T) {
	snapshot := []ir.Entity{msg("m1", "b", 1), msg("m2", "a", 1), msg("m3", "a", 2), msg("m4", "b", 3)}
	spec := Spec{Collection: "messages", Order: []OrderKey{Asc("chatId"), Desc("createdAt")}}

	assert.Equal(t, []string{"m3", "m2", "m4", "m1"}, IDs(Evaluate(spec, snapshot)))
}

func TestEvaluate_MissingSortFieldSortsAsNull(t *testing.T) {
	noDate := msg("m0", "c", 0)
	delete(noDate.Attributes, "createdAt")
	snapshot := []ir.Entity{msg("m1", "c", 5), noDate}

	spec := Spec{Collection: "messages", Order: []OrderKey{Asc("createdAt")}}
	assert.Equal(t, []string{"m0", "m1"}, IDs(Evaluate(spec, snapshot)))
}

func TestEvaluate_SkipsTombstones(t *testing.T) {
	dead := msg("m1", "c", 1)
	dead.Deleted = true
	spec := Spec{Collection: "messages"}
	assert.Equal(t, []string{"m2"}, IDs(Evaluate(spec, []ir.Entity{dead, msg("m2", "c", 2)})))
}

func TestEvaluate_SyncStatusFilter(t *testing.T) {
	pending := msg("m1", "c", 1)
	pending.SyncStatus = ir.Pending
	snapshot := []ir.Entity{pending, msg("m2", "c", 2)}

	assert.Equal(t, []string{"m1"}, IDs(Evaluate(Spec{Collection: "messages", SyncStatus: ir.Pending}, snapshot)))
	assert.Equal(t, []string{"m2"}, IDs(Evaluate(Spec{Collection: "messages", SyncStatus: ir.Synced}, snapshot)))
	assert.Len(t, Evaluate(Spec{Collection: "messages"}, snapshot), 2)
}

func TestEvaluate_RangeFilters(t *testing.T) {
	snapshot := []ir.Entity{msg("m1", "c", 1), msg("m2", "c", 2), msg("m3", "c", 3)}
	spec := Spec{
		Collection: "messages",
		Where: []ir.Filter{
			{Field: "createdAt", Op: ir.OpGte, Value: ir.Int(2)},
			{Field: "createdAt", Op: ir.OpLt, Value: ir.Int(3)},
		},
	}
	assert.Equal(t, []string{"m2"}, IDs(Evaluate(spec, snapshot)))
}

func TestEvaluate_DoesNotModifyInput(t *testing.T) {
	snapshot := []ir.Entity{msg("b", "c", 1), msg("a", "c", 2)}
	Evaluate(Spec{Collection: "messages"}, snapshot)
	assert.Equal(t, "b", snapshot[0].ID)
}

// Pagination: limit N then N+K returns the same first N entries followed
// by exactly K more, for any data and any sort keys.
func TestEvaluate_PaginationIsStable(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		var snapshot []ir.Entity
		for i := 0; i < 40; i++ {
			// Few distinct sort values so ties are common.
			snapshot = append(snapshot, msg(fmt.Sprintf("m%02d", rng.Intn(1000)), "c", int64(rng.Intn(4))))
		}
		snapshot = dedupe(snapshot)
		spec := Spec{Collection: "messages", Order: []OrderKey{Desc("createdAt")}}
		full := Evaluate(spec, snapshot)

		for n := 0; n <= len(full); n++ {
			for k := 0; n+k <= len(full); k++ {
				if n == 0 {
					continue
				}
				first := IDs(Evaluate(spec.WithLimit(n), snapshot))
				more := IDs(Evaluate(spec.WithLimit(n+k), snapshot))
				require.Equal(t, first, more[:n], "trial %d n=%d k=%d", trial, n, k)
				require.Equal(t, IDs(full)[:n+k], more)
			}
		}
	}
}

func dedupe(entities []ir.Entity) []ir.Entity {
	seen := map[string]bool{}
	var out []ir.Entity
	for _, e := range entities {
		if !seen[e.ID] {
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	return out
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"valid", Spec{Collection: "messages", Order: []OrderKey{Desc("createdAt")}, Limit: 10}, false},
		{"missing collection", Spec{}, true},
		{"bad filter", Spec{Collection: "m", Where: []ir.Filter{{Field: "a", Op: "~"}}}, true},
		{"in without array", Spec{Collection: "m", Where: []ir.Filter{{Field: "a", Op: ir.OpIn, Value: ir.String("x")}}}, true},
		{"empty order field", Spec{Collection: "m", Order: []OrderKey{{}}}, true},
		{"negative limit", Spec{Collection: "m", Limit: -1}, true},
		{"bad sync status", Spec{Collection: "m", SyncStatus: "maybe"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.spec)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseOrder(t *testing.T) {
	k, err := ParseOrder("createdAt desc")
	require.NoError(t, err)
	assert.Equal(t, Desc("createdAt"), k)

	k, err = ParseOrder("name")
	require.NoError(t, err)
	assert.Equal(t, Asc("name"), k)

	_, err = ParseOrder("a b c")
	assert.Error(t, err)
}
