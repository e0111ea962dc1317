package ir

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Operator is a filter comparison operator.
type Operator string

const (
	OpEq  Operator = "="
	OpNeq Operator = "!="
	OpLt  Operator = "<"
	OpLte Operator = "<="
	OpGt  Operator = ">"
	OpGte Operator = ">="
	OpIn  Operator = "in"
	OpNin Operator = "nin"
)

var validOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpLt: true, OpLte: true,
	OpGt: true, OpGte: true, OpIn: true, OpNin: true,
}

// ParseOperator accepts the operator spellings used at the query surface.
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(s)))
	if op == "==" {
		op = OpEq
	}
	if !validOperators[op] {
		return "", fmt.Errorf("unknown operator %q", s)
	}
	return op, nil
}

// Filter is one (field, operator, value) predicate. Filters in a query
// are conjunctive.
type Filter struct {
	Field string   `json:"field" yaml:"field"`
	Op    Operator `json:"op" yaml:"op"`
	Value Value    `json:"value" yaml:"-"`
}

type filterJSON struct {
	Field string          `json:"field"`
	Op    Operator        `json:"op"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (f Filter) MarshalJSON() ([]byte, error) {
	val, err := MarshalValue(f.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(filterJSON{Field: f.Field, Op: f.Op, Value: val})
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw filterJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	val := Value(Null{})
	if len(raw.Value) > 0 {
		v, err := unmarshalValue(raw.Value)
		if err != nil {
			return fmt.Errorf("filter value: %w", err)
		}
		val = v
	}
	*f = Filter{Field: raw.Field, Op: raw.Op, Value: val}
	return nil
}

// Validate checks the operator and the value shape it requires.
func (f Filter) Validate() error {
	if f.Field == "" {
		return fmt.Errorf("filter field is required")
	}
	if !validOperators[f.Op] {
		return fmt.Errorf("filter on %q: unknown operator %q", f.Field, f.Op)
	}
	if f.Op == OpIn || f.Op == OpNin {
		if _, ok := f.Value.(Array); !ok {
			return fmt.Errorf("filter on %q: %s requires an array value", f.Field, f.Op)
		}
	}
	return nil
}

// Matches evaluates the filter against an attribute map.
// A missing field compares as Null. Range operators only match values of
// the same kind.
func (f Filter) Matches(attrs Object) bool {
	got, ok := attrs[f.Field]
	if !ok {
		got = Null{}
	}

	switch f.Op {
	case OpEq:
		return Equal(got, f.Value)
	case OpNeq:
		return !Equal(got, f.Value)
	case OpIn, OpNin:
		arr, _ := f.Value.(Array)
		found := false
		for _, candidate := range arr {
			if Equal(got, candidate) {
				found = true
				break
			}
		}
		return found == (f.Op == OpIn)
	}

	if KindOf(got) != KindOf(f.Value) {
		return false
	}
	c := Compare(got, f.Value)
	switch f.Op {
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	}
	return false
}

// MatchesAll reports whether attrs satisfies every filter.
func MatchesAll(filters []Filter, attrs Object) bool {
	for _, f := range filters {
		if !f.Matches(attrs) {
			return false
		}
	}
	return true
}

// kindRank orders values of different kinds: null < bool < int < string < array < object.
var kindRank = map[Kind]int{
	KindNull:   0,
	KindBool:   1,
	KindInt:    2,
	KindString: 3,
	KindArray:  4,
	KindObject: 5,
}

// Compare is a total order over values. Values of different kinds order by
// kind rank; strings compare by the UTF-16 code units of their NFC form,
// so Compare agrees with Equal.
func Compare(a, b Value) int {
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		return cmp.Compare(kindRank[ka], kindRank[kb])
	}

	switch av := a.(type) {
	case Bool:
		bv := b.(Bool)
		switch {
		case av == bv:
			return 0
		case !bool(av):
			return -1
		default:
			return 1
		}
	case Int:
		return cmp.Compare(av, b.(Int))
	case String:
		return compareKeysRFC8785(norm.NFC.String(string(av)), norm.NFC.String(string(b.(String))))
	case Array:
		bv := b.(Array)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := Compare(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(av), len(bv))
	case Object:
		ab, _ := MarshalCanonical(av)
		bb, _ := MarshalCanonical(b)
		return strings.Compare(string(ab), string(bb))
	default:
		return 0
	}
}
