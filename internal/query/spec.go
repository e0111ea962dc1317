package query

import (
	"fmt"
	"strings"

	"github.com/roach88/lofi/internal/ir"
)

// OrderKey is one sort key.
type OrderKey struct {
	Field string `json:"field" yaml:"field"`
	Desc  bool   `json:"desc,omitempty" yaml:"desc,omitempty"`
}

// Asc sorts ascending by field.
func Asc(field string) OrderKey { return OrderKey{Field: field} }

// Desc sorts descending by field.
func Desc(field string) OrderKey { return OrderKey{Field: field, Desc: true} }

// ParseOrder accepts "field", "field asc" or "field desc".
func ParseOrder(s string) (OrderKey, error) {
	parts := strings.Fields(s)
	switch {
	case len(parts) == 1:
		return Asc(parts[0]), nil
	case len(parts) == 2 && strings.EqualFold(parts[1], "asc"):
		return Asc(parts[0]), nil
	case len(parts) == 2 && strings.EqualFold(parts[1], "desc"):
		return Desc(parts[0]), nil
	default:
		return OrderKey{}, fmt.Errorf("invalid order %q: want \"field [asc|desc]\"", s)
	}
}

func (k OrderKey) String() string {
	if k.Desc {
		return k.Field + " desc"
	}
	return k.Field + " asc"
}

// Spec is a declarative query over one collection.
type Spec struct {
	Collection string      `json:"collection"`
	Where      []ir.Filter `json:"where,omitempty"`
	Order      []OrderKey  `json:"order,omitempty"`

	// Limit truncates the sorted result. Zero means no limit.
	Limit int `json:"limit,omitempty"`

	// SyncStatus restricts results to pending or synced entities.
	// Empty selects both.
	SyncStatus ir.SyncStatus `json:"sync_status,omitempty"`
}

// WithLimit returns a copy of the spec with a different limit.
func (s Spec) WithLimit(limit int) Spec {
	s.Limit = limit
	return s
}

// Validate rejects specs that cannot be evaluated.
func Validate(s Spec) error {
	if s.Collection == "" {
		return fmt.Errorf("query: collection is required")
	}
	for i, f := range s.Where {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("query %s: where[%d]: %w", s.Collection, i, err)
		}
	}
	for i, k := range s.Order {
		if k.Field == "" {
			return fmt.Errorf("query %s: order[%d]: field is required", s.Collection, i)
		}
	}
	if s.Limit < 0 {
		return fmt.Errorf("query %s: limit must be positive, got %d", s.Collection, s.Limit)
	}
	if s.SyncStatus != "" {
		if _, err := ir.ParseSyncStatus(string(s.SyncStatus)); err != nil {
			return fmt.Errorf("query %s: %w", s.Collection, err)
		}
	}
	return nil
}
