package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/querysql"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added idx_outbox_entity for per-entity outbox lookups
const currentSchemaVersion = 1

// SQLite is the durable Backend. Uses SQLite with WAL mode for concurrent
// read access.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Backend = (*SQLite)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas, migrations and secondary indexes automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*SQLite, error) {
	o := applyOptions(opts)

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	for _, idx := range o.indexes {
		ddl, err := querysql.IndexDDL(idx.Collection, idx.Field)
		if err != nil {
			// Unindexable names still work through the Go-side filter.
			o.logger.Warn("skipping secondary index", "collection", idx.Collection, "field", idx.Field, "error", err)
			continue
		}
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}

	return &SQLite{db: db, logger: o.logger}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// View implements Backend. The transaction is always rolled back.
func (s *SQLite) View(ctx context.Context, fn func(tx ReadTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	return fn(&sqliteTx{ctx: ctx, tx: tx})
}

// Update implements Backend.
func (s *SQLite) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin", Err: err}
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the per-entity outbox index for databases created
// before it was part of schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(collection, id, seq)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

var _ Tx = (*sqliteTx)(nil)

func (t *sqliteTx) Get(collection, id string) (ir.Entity, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT id, attributes, local_version, server_version, sync_status, deleted
		FROM entities
		WHERE collection = ? AND id = ?
	`, collection, id)
	e, err := scanEntity(row, collection)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Entity{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	return e, err
}

func (t *sqliteTx) Scan(collection string) ([]ir.Entity, error) {
	return t.ScanWhere(collection, nil)
}

// ScanWhere pushes eligible filters into SQL, then re-checks every filter
// in Go so results are identical to the other backends.
func (t *sqliteTx) ScanWhere(collection string, filters []ir.Filter) ([]ir.Entity, error) {
	query, params, err := querysql.Compile(collection, filters)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	rows, err := t.tx.QueryContext(t.ctx, query, params...)
	if err != nil {
		return nil, &StorageError{Op: "scan", Err: err}
	}
	defer rows.Close()

	out := []ir.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows, collection)
		if err != nil {
			return nil, err
		}
		if ir.MatchesAll(filters, e.Attributes) {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "scan", Err: err}
	}
	return out, nil
}

func (t *sqliteTx) ListOutbox() ([]ir.OutboxRecord, error) {
	return t.queryOutbox(`
		SELECT seq, collection, id, op, payload, attempts
		FROM outbox
		ORDER BY seq ASC
	`)
}

func (t *sqliteTx) OutboxFor(collection, id string) ([]ir.OutboxRecord, error) {
	return t.queryOutbox(`
		SELECT seq, collection, id, op, payload, attempts
		FROM outbox
		WHERE collection = ? AND id = ?
		ORDER BY seq ASC
	`, collection, id)
}

func (t *sqliteTx) GetOutbox(seq uint64) (ir.OutboxRecord, error) {
	recs, err := t.queryOutbox(`
		SELECT seq, collection, id, op, payload, attempts
		FROM outbox
		WHERE seq = ?
	`, seq)
	if err != nil {
		return ir.OutboxRecord{}, err
	}
	if len(recs) == 0 {
		return ir.OutboxRecord{}, fmt.Errorf("outbox %d: %w", seq, ErrNotFound)
	}
	return recs[0], nil
}

func (t *sqliteTx) queryOutbox(query string, args ...any) ([]ir.OutboxRecord, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "outbox", Err: err}
	}
	defer rows.Close()

	out := []ir.OutboxRecord{}
	for rows.Next() {
		var (
			rec     ir.OutboxRecord
			op      string
			payload string
		)
		if err := rows.Scan(&rec.Seq, &rec.Collection, &rec.ID, &op, &payload, &rec.Attempts); err != nil {
			return nil, &StorageError{Op: "outbox", Err: err}
		}
		rec.Op = ir.Op(op)
		if rec.Payload, err = unmarshalObject(payload); err != nil {
			return nil, fmt.Errorf("outbox %d: %w", rec.Seq, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "outbox", Err: err}
	}
	return out, nil
}

func (t *sqliteTx) Meta(key string) (string, bool, error) {
	var value string
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &StorageError{Op: "meta", Err: err}
	}
	return value, true, nil
}

func (t *sqliteTx) Put(e ir.Entity) error {
	if err := validateEntity(e); err != nil {
		return err
	}
	attrs, err := marshalObject(e.Attributes)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", e.Collection, e.ID, err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO entities
		(collection, id, attributes, local_version, server_version, sync_status, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			attributes = excluded.attributes,
			local_version = excluded.local_version,
			server_version = excluded.server_version,
			sync_status = excluded.sync_status,
			deleted = excluded.deleted
	`,
		e.Collection,
		e.ID,
		attrs,
		e.LocalVersion,
		e.ServerVersion,
		string(e.SyncStatus),
		e.Deleted,
	)
	if err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	return nil
}

func (t *sqliteTx) Delete(collection, id string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM entities WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	return nil
}

func (t *sqliteTx) AppendOutbox(rec ir.OutboxRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	payload, err := marshalObject(rec.Payload)
	if err != nil {
		return fmt.Errorf("append outbox %d: %w", rec.Seq, err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO outbox (seq, collection, id, op, payload, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.Seq, rec.Collection, rec.ID, string(rec.Op), payload, rec.Attempts)
	if err != nil {
		return &StorageError{Op: "append outbox", Err: err}
	}
	return nil
}

func (t *sqliteTx) RemoveOutbox(seq uint64) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM outbox WHERE seq = ?`, seq); err != nil {
		return &StorageError{Op: "remove outbox", Err: err}
	}
	return nil
}

func (t *sqliteTx) BumpAttempts(seq uint64) error {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE seq = ?`, seq)
	if err != nil {
		return &StorageError{Op: "bump attempts", Err: err}
	}
	return requireAffected(res, fmt.Sprintf("bump attempts %d", seq))
}

func (t *sqliteTx) SetSyncStatus(collection, id string, status ir.SyncStatus) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE entities SET sync_status = ? WHERE collection = ? AND id = ?`,
		string(status), collection, id)
	if err != nil {
		return &StorageError{Op: "set sync status", Err: err}
	}
	return requireAffected(res, fmt.Sprintf("set sync status %s/%s", collection, id))
}

func (t *sqliteTx) SetMeta(key, value string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return &StorageError{Op: "set meta", Err: err}
	}
	return nil
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner, collection string) (ir.Entity, error) {
	var (
		e      ir.Entity
		attrs  string
		status string
	)
	if err := row.Scan(&e.ID, &attrs, &e.LocalVersion, &e.ServerVersion, &status, &e.Deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Entity{}, err
		}
		return ir.Entity{}, &StorageError{Op: "scan entity", Err: err}
	}
	e.Collection = collection
	e.SyncStatus = ir.SyncStatus(status)

	var err error
	if e.Attributes, err = unmarshalObject(attrs); err != nil {
		return ir.Entity{}, fmt.Errorf("entity %s/%s: %w", collection, e.ID, err)
	}
	return e, nil
}
