// Package querysql compiles collection scans with filters to parameterized
// SQL over the entities table.
//
// Only predicates SQLite can evaluate exactly or conservatively are pushed
// down (equality and membership on scalar values). Every pushed-down
// predicate selects a superset of the matching rows; callers always
// re-check the full filter list in Go.
package querysql

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/lofi/internal/ir"
)

// entityColumns is the column list every compiled scan selects.
const entityColumns = "id, attributes, local_version, server_version, sync_status, deleted"

// safeField matches field names that can be embedded in a JSON path literal.
var safeField = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Compile converts a collection scan to parameterized SQL.
// Returns (sql, params, error).
//
// Every query includes ORDER BY id with COLLATE BINARY for deterministic
// results. Values are never interpolated; only validated field names are
// embedded, as JSON path literals, so expression indexes apply.
func Compile(collection string, filters []ir.Filter) (string, []any, error) {
	if collection == "" {
		return "", nil, fmt.Errorf("cannot compile scan without collection")
	}

	where := []string{"collection = ?"}
	params := []any{collection}
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return "", nil, err
		}
		sql, fParams, ok := compileFilter(f)
		if !ok {
			continue
		}
		where = append(where, sql)
		params = append(params, fParams...)
	}

	sql := fmt.Sprintf("SELECT %s FROM entities WHERE %s ORDER BY id ASC COLLATE BINARY",
		entityColumns,
		strings.Join(where, " AND "))
	return sql, params, nil
}

// compileFilter returns the SQL fragment for one filter, or ok=false when
// the filter must be evaluated in Go only.
func compileFilter(f ir.Filter) (string, []any, bool) {
	expr, ok := FieldExpr(f.Field)
	if !ok {
		return "", nil, false
	}

	switch f.Op {
	case ir.OpEq:
		if _, isNull := f.Value.(ir.Null); isNull {
			return expr + " IS NULL", nil, true
		}
		param, ok := valueToParam(f.Value)
		if !ok {
			return "", nil, false
		}
		return expr + " = ?", []any{param}, true

	case ir.OpIn:
		arr, _ := f.Value.(ir.Array)
		if len(arr) == 0 {
			return "0 = 1", nil, true
		}
		params := make([]any, 0, len(arr))
		for _, elem := range arr {
			param, ok := valueToParam(elem)
			if !ok {
				return "", nil, false
			}
			params = append(params, param)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(params)), ", ")
		return fmt.Sprintf("%s IN (%s)", expr, placeholders), params, true
	}

	return "", nil, false
}

// FieldExpr returns the json_extract expression for an attribute field.
// The same text is used for expression indexes and for queries, which
// SQLite requires to match an index.
func FieldExpr(field string) (string, bool) {
	if !safeField.MatchString(field) {
		return "", false
	}
	return fmt.Sprintf(`json_extract(attributes, '$.%s')`, field), true
}

// IndexDDL returns the CREATE INDEX statement for a secondary index.
func IndexDDL(collection, field string) (string, error) {
	expr, ok := FieldExpr(field)
	if !ok {
		return "", fmt.Errorf("index %s.%s: field name cannot be indexed", collection, field)
	}
	if !safeField.MatchString(collection) {
		return "", fmt.Errorf("index %s.%s: collection name cannot be indexed", collection, field)
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON entities(collection, %s)",
		collection, field, expr), nil
}

// valueToParam converts a scalar value to a SQL parameter. Strings bind in
// NFC form, matching the canonical attribute text. Bools bind as 0/1
// because json_extract returns JSON booleans as integers.
func valueToParam(v ir.Value) (any, bool) {
	switch val := v.(type) {
	case ir.String:
		return norm.NFC.String(string(val)), true
	case ir.Int:
		return int64(val), true
	case ir.Bool:
		if val {
			return int64(1), true
		}
		return int64(0), true
	default:
		return nil, false
	}
}
