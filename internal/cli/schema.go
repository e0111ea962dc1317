package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/schema"
)

// SchemaReport describes a schema that compiled.
type SchemaReport struct {
	Source      string             `json:"source"`
	Collections []CollectionReport `json:"collections"`
}

// CollectionReport describes one collection.
type CollectionReport struct {
	Name   string        `json:"name"`
	Fields []FieldReport `json:"fields"`
}

// FieldReport describes one field.
type FieldReport struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Optional bool   `json:"optional,omitempty"`
	Indexed  bool   `json:"indexed,omitempty"`
	Default  string `json:"default,omitempty"`
}

func (r SchemaReport) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "✓ %s: %d collections\n", r.Source, len(r.Collections)); err != nil {
		return err
	}
	for _, c := range r.Collections {
		if _, err := fmt.Fprintf(w, "  %s\n", c.Name); err != nil {
			return err
		}
		for _, f := range c.Fields {
			line := fmt.Sprintf("    %-12s %s", f.Name, f.Type)
			if f.Optional {
				line += " optional"
			}
			if f.Indexed {
				line += " indexed"
			}
			if f.Default != "" {
				line += " default=" + f.Default
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
	}
	return nil
}

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect collection schemas",
	}
	cmd.AddCommand(newSchemaCheckCommand(rootOpts))
	return cmd
}

func newSchemaCheckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check [schema.cue]",
		Short: "Compile a CUE schema and print its collections",
		Long: `Compile a CUE schema file and print its collections and fields.
Without an argument the --schema flag is used, then the built-in chat
schema.

Exit codes:
  0 - Schema compiled
  1 - Schema has errors`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			path := opts.Schema
			if len(args) == 1 {
				path = args[0]
			}

			var (
				sch *schema.Schema
				err error
			)
			source := path
			if path == "" {
				source = "built-in chat schema"
				sch, err = schema.Chat()
			} else {
				sch, err = schema.Load(path)
			}
			if err != nil {
				if f.Format == "json" {
					_ = f.Error(CodeSchema, err.Error(), map[string]string{"source": source})
				}
				return WrapExitError(ExitFailure, "schema check failed", err)
			}
			return f.Success(reportSchema(source, sch))
		},
	}
}

func reportSchema(source string, sch *schema.Schema) SchemaReport {
	report := SchemaReport{Source: source, Collections: []CollectionReport{}}
	for _, name := range sch.Names() {
		c, _ := sch.Collection(name)
		cr := CollectionReport{Name: name, Fields: []FieldReport{}}
		for _, fieldName := range c.FieldNames() {
			field := c.Fields[fieldName]
			fr := FieldReport{
				Name:     fieldName,
				Type:     string(field.Type),
				Optional: field.Optional,
				Indexed:  field.Indexed,
			}
			switch {
			case field.DefaultNow:
				fr.Default = "now"
			case field.Default != nil:
				if b, err := ir.MarshalCanonical(field.Default); err == nil {
					fr.Default = string(b)
				}
			}
			cr.Fields = append(cr.Fields, fr)
		}
		report.Collections = append(report.Collections, cr)
	}
	return report
}
