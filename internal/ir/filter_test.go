package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	attrs := Object{
		"chatId":    String("c1"),
		"createdAt": Int(100),
		"user":      String("ana"),
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq match", Filter{"chatId", OpEq, String("c1")}, true},
		{"eq miss", Filter{"chatId", OpEq, String("c2")}, false},
		{"neq", Filter{"chatId", OpNeq, String("c2")}, true},
		{"lt", Filter{"createdAt", OpLt, Int(101)}, true},
		{"lte equal", Filter{"createdAt", OpLte, Int(100)}, true},
		{"gt miss", Filter{"createdAt", OpGt, Int(100)}, false},
		{"gte", Filter{"createdAt", OpGte, Int(100)}, true},
		{"range kind mismatch", Filter{"createdAt", OpGt, String("0")}, false},
		{"in", Filter{"user", OpIn, Array{String("bob"), String("ana")}}, true},
		{"nin", Filter{"user", OpNin, Array{String("bob")}}, true},
		{"missing field equals null", Filter{"text", OpEq, Null{}}, true},
		{"missing field neq value", Filter{"text", OpNeq, String("hi")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(attrs))
		})
	}
}

func TestMatchesAll_Conjunctive(t *testing.T) {
	attrs := Object{"a": Int(1), "b": Int(2)}
	assert.True(t, MatchesAll([]Filter{{"a", OpEq, Int(1)}, {"b", OpEq, Int(2)}}, attrs))
	assert.False(t, MatchesAll([]Filter{{"a", OpEq, Int(1)}, {"b", OpEq, Int(3)}}, attrs))
	assert.True(t, MatchesAll(nil, attrs))
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, Filter{"a", OpEq, Int(1)}.Validate())
	assert.Error(t, Filter{"", OpEq, Int(1)}.Validate())
	assert.Error(t, Filter{"a", Operator("~"), Int(1)}.Validate())
	assert.Error(t, Filter{"a", OpIn, Int(1)}.Validate())
}

func TestParseOperator(t *testing.T) {
	op, err := ParseOperator("==")
	require.NoError(t, err)
	assert.Equal(t, OpEq, op)

	op, err = ParseOperator(" IN ")
	require.NoError(t, err)
	assert.Equal(t, OpIn, op)

	_, err = ParseOperator("like")
	assert.Error(t, err)
}

func TestCompare_TotalOrder(t *testing.T) {
	ordered := []Value{Null{}, Bool(false), Bool(true), Int(-1), Int(5), String("a"), String("b"), Array{Int(1)}, Object{"a": Int(1)}}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Negative(t, Compare(ordered[i], ordered[i+1]), "%v < %v", ordered[i], ordered[i+1])
		assert.Positive(t, Compare(ordered[i+1], ordered[i]))
		assert.Zero(t, Compare(ordered[i], ordered[i]))
	}
}

func TestFilterJSON(t *testing.T) {
	f := Filter{Field: "chatId", Op: OpEq, Value: String("c1")}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"field":"chatId","op":"=","value":"c1"}`, string(data))

	var back Filter
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, f, back)
}

func TestCompare_AgreesWithEqualOnNormalization(t *testing.T) {
	composed, decomposed := String("caf\u00e9"), String("cafe\u0301")
	assert.True(t, Equal(composed, decomposed))
	assert.Equal(t, 0, Compare(composed, decomposed))

	f := Filter{Field: "s", Op: OpLte, Value: decomposed}
	assert.True(t, f.Matches(Object{"s": composed}))
}
