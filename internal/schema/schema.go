package schema

import (
	"fmt"
	"sort"
	"time"

	"github.com/roach88/lofi/internal/ir"
)

// FieldType is the declared type of a field.
type FieldType string

const (
	TypeID     FieldType = "id"
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeBool   FieldType = "bool"
	TypeDate   FieldType = "date" // Unix milliseconds
	TypeArray  FieldType = "array"
	TypeObject FieldType = "object"
)

var validTypes = map[FieldType]ir.Kind{
	TypeID:     ir.KindString,
	TypeString: ir.KindString,
	TypeInt:    ir.KindInt,
	TypeBool:   ir.KindBool,
	TypeDate:   ir.KindInt,
	TypeArray:  ir.KindArray,
	TypeObject: ir.KindObject,
}

// IDField is the attribute that carries an entity's id.
const IDField = "id"

// Field describes one attribute of a collection.
type Field struct {
	Name     string
	Type     FieldType
	Optional bool
	Indexed  bool

	// Default is applied on insert when the field is absent.
	Default ir.Value
	// DefaultNow fills a date field with the insert time.
	DefaultNow bool
}

// Collection describes the fields of one collection.
type Collection struct {
	Name   string
	Fields map[string]Field
}

// FieldNames returns field names in sorted order.
func (c *Collection) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema is the set of known collections.
type Schema struct {
	Collections map[string]*Collection
}

// Index names an indexed field.
type Index struct {
	Collection string
	Field      string
}

// Collection looks up a collection by name.
func (s *Schema) Collection(name string) (*Collection, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.Collections[name]
	return c, ok
}

// Names returns the collection names in sorted order.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.Collections))
	for name := range s.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Indexes lists every indexed field, ordered by collection then field.
func (s *Schema) Indexes() []Index {
	var out []Index
	for _, name := range s.Names() {
		c := s.Collections[name]
		for _, field := range c.FieldNames() {
			if c.Fields[field].Indexed {
				out = append(out, Index{Collection: name, Field: field})
			}
		}
	}
	return out
}

// PrepareInsert returns a validated copy of attrs with defaults applied.
// The id attribute is left untouched; callers assign it.
func (c *Collection) PrepareInsert(attrs ir.Object, now time.Time) (ir.Object, error) {
	out := attrs.Clone()
	for name, f := range c.Fields {
		if _, ok := out[name]; ok || name == IDField {
			continue
		}
		switch {
		case f.DefaultNow:
			out[name] = ir.Int(now.UnixMilli())
		case f.Default != nil:
			out[name] = ir.CloneValue(f.Default)
		}
	}
	if err := c.Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks a complete attribute set: no unknown fields, no missing
// required fields, every value of its declared type.
func (c *Collection) Validate(attrs ir.Object) error {
	for _, name := range attrs.SortedKeys() {
		f, ok := c.Fields[name]
		if !ok && name == IDField {
			f, ok = Field{Name: IDField, Type: TypeID}, true
		}
		if !ok {
			return &ValidationError{Collection: c.Name, Field: name, Message: "unknown field"}
		}
		val := attrs[name]
		if _, isNull := val.(ir.Null); isNull {
			if f.Optional {
				continue
			}
			return &ValidationError{Collection: c.Name, Field: name, Message: "null is not allowed for a required field"}
		}
		if want := validTypes[f.Type]; ir.KindOf(val) != want {
			return &ValidationError{
				Collection: c.Name,
				Field:      name,
				Message:    fmt.Sprintf("expected %s, got %s", f.Type, ir.KindOf(val)),
			}
		}
	}
	for _, name := range c.FieldNames() {
		f := c.Fields[name]
		if f.Optional || name == IDField {
			continue
		}
		if _, ok := attrs[name]; !ok {
			return &ValidationError{Collection: c.Name, Field: name, Message: "required field is missing"}
		}
	}
	return nil
}

// ValidationError reports attributes that fail the collection schema.
type ValidationError struct {
	Collection string
	Field      string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Collection, e.Message)
	}
	return fmt.Sprintf("%s.%s: %s", e.Collection, e.Field, e.Message)
}
