package authority

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/wire"
)

// Journal persists the authority's state.
type Journal interface {
	// Load returns everything committed so far.
	Load(ctx context.Context) (State, error)

	// Commit durably records a changed entity and/or a mutation outcome
	// in one transaction. Either may be nil.
	Commit(ctx context.Context, changed *wire.ServerEntity, outcome *Applied) error

	Close() error
}

// State is a journal's full contents.
type State struct {
	Entities []wire.ServerEntity
	Applied  []Applied
}

//go:embed schema.sql
var schemaSQL string

// SQLiteJournal stores authority state in SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

var _ Journal = (*SQLiteJournal)(nil)

// OpenSQLite creates or opens a journal database at path.
func OpenSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Load implements Journal.
func (j *SQLiteJournal) Load(ctx context.Context) (State, error) {
	var state State

	rows, err := j.db.QueryContext(ctx, `
		SELECT collection, id, attributes, version, deleted
		FROM server_entities
		ORDER BY version ASC`)
	if err != nil {
		return State{}, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e       wire.ServerEntity
			attrs   string
			deleted int
		)
		if err := rows.Scan(&e.Collection, &e.ID, &attrs, &e.Version, &deleted); err != nil {
			return State{}, fmt.Errorf("scan entity: %w", err)
		}
		obj, err := ir.ParseObject([]byte(attrs))
		if err != nil {
			return State{}, fmt.Errorf("decode %s/%s: %w", e.Collection, e.ID, err)
		}
		e.Attributes = obj
		e.Deleted = deleted != 0
		state.Entities = append(state.Entities, e)
	}
	if err := rows.Err(); err != nil {
		return State{}, fmt.Errorf("iterate entities: %w", err)
	}

	applied, err := j.db.QueryContext(ctx, `SELECT client_id, seq, acked, reason FROM applied`)
	if err != nil {
		return State{}, fmt.Errorf("query applied: %w", err)
	}
	defer applied.Close()
	for applied.Next() {
		var (
			a     Applied
			acked int
		)
		if err := applied.Scan(&a.ClientID, &a.Seq, &acked, &a.Reason); err != nil {
			return State{}, fmt.Errorf("scan applied: %w", err)
		}
		a.Acked = acked != 0
		state.Applied = append(state.Applied, a)
	}
	if err := applied.Err(); err != nil {
		return State{}, fmt.Errorf("iterate applied: %w", err)
	}
	return state, nil
}

// Commit implements Journal.
func (j *SQLiteJournal) Commit(ctx context.Context, changed *wire.ServerEntity, outcome *Applied) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if changed != nil {
		attrs, err := ir.MarshalCanonical(changed.Attributes)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", changed.Collection, changed.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO server_entities (collection, id, attributes, version, deleted)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (collection, id) DO UPDATE SET
				attributes = excluded.attributes,
				version = excluded.version,
				deleted = excluded.deleted`,
			changed.Collection, changed.ID, string(attrs), changed.Version, boolInt(changed.Deleted))
		if err != nil {
			return fmt.Errorf("write entity: %w", err)
		}
	}
	if outcome != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO applied (client_id, seq, acked, reason) VALUES (?, ?, ?, ?)`,
			outcome.ClientID, outcome.Seq, boolInt(outcome.Acked), outcome.Reason)
		if err != nil {
			return fmt.Errorf("write outcome: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
