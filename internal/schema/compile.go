package schema

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/lofi/internal/ir"
)

// Load reads and compiles a CUE schema file.
func Load(path string) (*Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(path))
	return Compile(v)
}

// CompileString compiles CUE source into a Schema.
func CompileString(src string) (*Schema, error) {
	ctx := cuecontext.New()
	return Compile(ctx.CompileString(src))
}

// Compile parses a CUE value holding a top-level `collections` struct.
// Uses the CUE SDK's Go API directly (not a CLI subprocess).
func Compile(v cue.Value) (*Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	colsVal := v.LookupPath(cue.ParsePath("collections"))
	if !colsVal.Exists() {
		return nil, &CompileError{Field: "collections", Message: "collections is required", Pos: v.Pos()}
	}

	iter, err := colsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	s := &Schema{Collections: make(map[string]*Collection)}
	for iter.Next() {
		c, err := compileCollection(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		s.Collections[c.Name] = c
	}
	if len(s.Collections) == 0 {
		return nil, &CompileError{Field: "collections", Message: "at least one collection is required", Pos: colsVal.Pos()}
	}
	return s, nil
}

func compileCollection(name string, v cue.Value) (*Collection, error) {
	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, &CompileError{Field: name + ".fields", Message: "fields are required", Pos: v.Pos()}
	}

	iter, err := fieldsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	c := &Collection{Name: name, Fields: make(map[string]Field)}
	for iter.Next() {
		f, err := compileField(name, iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		c.Fields[f.Name] = f
	}
	return c, nil
}

func compileField(collection, name string, v cue.Value) (Field, error) {
	path := collection + "." + name
	f := Field{Name: name}

	typeVal := v.LookupPath(cue.ParsePath("type"))
	if !typeVal.Exists() {
		return f, &CompileError{Field: path, Message: "type is required", Pos: v.Pos()}
	}
	typ, err := typeVal.String()
	if err != nil {
		return f, formatCUEError(err)
	}
	f.Type = FieldType(typ)
	if _, ok := validTypes[f.Type]; !ok {
		return f, &CompileError{Field: path, Message: fmt.Sprintf("unsupported type %q", typ), Pos: typeVal.Pos()}
	}

	if f.Optional, err = lookupBool(v, "optional"); err != nil {
		return f, err
	}
	if f.Indexed, err = lookupBool(v, "index"); err != nil {
		return f, err
	}

	defVal := v.LookupPath(cue.ParsePath("default"))
	if defVal.Exists() {
		if s, err := defVal.String(); err == nil && s == "now" && f.Type == TypeDate {
			f.DefaultNow = true
			return f, nil
		}
		def, err := cueToValue(defVal)
		if err != nil {
			return f, &CompileError{Field: path + ".default", Message: err.Error(), Pos: defVal.Pos()}
		}
		if ir.KindOf(def) != validTypes[f.Type] {
			return f, &CompileError{
				Field:   path + ".default",
				Message: fmt.Sprintf("default does not match type %s", f.Type),
				Pos:     defVal.Pos(),
			}
		}
		f.Default = def
	}
	return f, nil
}

func lookupBool(v cue.Value, key string) (bool, error) {
	b := v.LookupPath(cue.ParsePath(key))
	if !b.Exists() {
		return false, nil
	}
	out, err := b.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return out, nil
}

// cueToValue converts a concrete CUE scalar into an attribute value.
func cueToValue(v cue.Value) (ir.Value, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		s, err := v.String()
		return ir.String(s), err
	case cue.IntKind:
		n, err := v.Int64()
		return ir.Int(n), err
	case cue.BoolKind:
		b, err := v.Bool()
		return ir.Bool(b), err
	case cue.FloatKind, cue.NumberKind:
		return nil, fmt.Errorf("float defaults are forbidden - use int instead")
	default:
		var raw any
		if err := v.Decode(&raw); err != nil {
			return nil, err
		}
		return ir.FromGo(raw)
	}
}

// CompileError represents a schema compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
