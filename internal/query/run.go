package query

import (
	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/store"
)

// Candidates returns the entities a spec can select from, using the
// backend's secondary indexes where the filters allow.
func Candidates(tx store.ReadTx, s Spec) ([]ir.Entity, error) {
	return tx.ScanWhere(s.Collection, s.Where)
}

// Run evaluates a spec inside a read transaction.
func Run(tx store.ReadTx, s Spec) ([]ir.Entity, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	candidates, err := Candidates(tx, s)
	if err != nil {
		return nil, err
	}
	return Evaluate(s, candidates), nil
}
