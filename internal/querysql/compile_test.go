package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
)

func TestCompile_CollectionOnly(t *testing.T) {
	sql, params, err := Compile("chats", nil)
	require.NoError(t, err)

	assert.Contains(t, sql, "FROM entities WHERE collection = ?")
	assert.Contains(t, sql, "ORDER BY id ASC COLLATE BINARY")
	assert.Equal(t, []any{"chats"}, params)
}

func TestCompile_EqualsIsParameterized(t *testing.T) {
	sql, params, err := Compile("messages", []ir.Filter{
		{Field: "chatId", Op: ir.OpEq, Value: ir.String("c1")},
	})
	require.NoError(t, err)

	assert.Contains(t, sql, `json_extract(attributes, '$.chatId') = ?`)
	assert.NotContains(t, sql, "c1")
	assert.Equal(t, []any{"messages", "c1"}, params)
}

func TestCompile_EqualsNull(t *testing.T) {
	sql, params, err := Compile("messages", []ir.Filter{
		{Field: "user", Op: ir.OpEq, Value: ir.Null{}},
	})
	require.NoError(t, err)

	assert.Contains(t, sql, `json_extract(attributes, '$.user') IS NULL`)
	assert.Equal(t, []any{"messages"}, params)
}

func TestCompile_BoolBindsAsInteger(t *testing.T) {
	_, params, err := Compile("todos", []ir.Filter{
		{Field: "done", Op: ir.OpEq, Value: ir.Bool(true)},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"todos", int64(1)}, params)
}

func TestCompile_In(t *testing.T) {
	sql, params, err := Compile("messages", []ir.Filter{
		{Field: "user", Op: ir.OpIn, Value: ir.Array{ir.String("ann"), ir.String("bob")}},
	})
	require.NoError(t, err)

	assert.Contains(t, sql, `json_extract(attributes, '$.user') IN (?, ?)`)
	assert.Equal(t, []any{"messages", "ann", "bob"}, params)
}

func TestCompile_EmptyInMatchesNothing(t *testing.T) {
	sql, _, err := Compile("messages", []ir.Filter{
		{Field: "user", Op: ir.OpIn, Value: ir.Array{}},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, "0 = 1")
}

func TestCompile_ResidualFiltersNotPushedDown(t *testing.T) {
	testCases := []struct {
		name   string
		filter ir.Filter
	}{
		{"range", ir.Filter{Field: "createdAt", Op: ir.OpGt, Value: ir.Int(5)}},
		{"not equal", ir.Filter{Field: "user", Op: ir.OpNeq, Value: ir.String("ann")}},
		{"not in", ir.Filter{Field: "user", Op: ir.OpNin, Value: ir.Array{ir.String("ann")}}},
		{"object value", ir.Filter{Field: "meta", Op: ir.OpEq, Value: ir.Object{"a": ir.Int(1)}}},
		{"unsafe field", ir.Filter{Field: "a'b", Op: ir.OpEq, Value: ir.String("x")}},
		{"mixed in", ir.Filter{Field: "user", Op: ir.OpIn, Value: ir.Array{ir.String("a"), ir.Array{}}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sql, params, err := Compile("messages", []ir.Filter{tc.filter})
			require.NoError(t, err)
			assert.NotContains(t, sql, "json_extract")
			assert.Equal(t, []any{"messages"}, params)
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	_, _, err := Compile("", nil)
	assert.Error(t, err)

	_, _, err = Compile("messages", []ir.Filter{{Field: "x", Op: "like", Value: ir.String("a")}})
	assert.Error(t, err)
}

func TestIndexDDL(t *testing.T) {
	ddl, err := IndexDDL("messages", "chatId")
	require.NoError(t, err)
	assert.Equal(t,
		`CREATE INDEX IF NOT EXISTS idx_messages_chatId ON entities(collection, json_extract(attributes, '$.chatId'))`,
		ddl)

	_, err = IndexDDL("messages", "bad field")
	assert.Error(t, err)
}

func TestCompile_StringsBindNFC(t *testing.T) {
	_, params, err := Compile("messages", []ir.Filter{
		{Field: "chatId", Op: ir.OpEq, Value: ir.String("cafe\u0301")},
		{Field: "user", Op: ir.OpIn, Value: ir.Array{ir.String("Zoe\u0308")}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"messages", "caf\u00e9", "Zo\u00eb"}, params)
}
