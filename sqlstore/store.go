package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/airheartdev/versync"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - index on changes(resource, entity_id)
// 2 - idempotency.fingerprint
const currentSchemaVersion = 2

const DefaultPollInterval = 100 * time.Millisecond

type (
	// Store is a SQLite entity store and change feed. It holds a single
	// connection, so transactions are serialized by SQLite itself.
	Store struct {
		db           *sql.DB
		pollInterval time.Duration
		now          func() time.Time
		idField      string
	}

	Option func(s *Store)

	// querier is satisfied by *sql.DB and *sql.Tx.
	querier interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
		QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
		QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	}
)

var (
	_ versync.Store = &Store{}
	_ versync.Feed  = &Store{}
)

// WithPollInterval sets how often WaitForChanges checks for new changes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithIDField(field string) Option {
	return func(s *Store) {
		s.idField = field
	}
}

// Open creates or opens a SQLite database at the given path and applies
// pragmas and migrations.
func Open(path string, options ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
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

	s := &Store{
		db:           db,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		idField:      versync.DefaultIDField,
	}
	for _, option := range options {
		option(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

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
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_changes_entity ON changes(resource, entity_id)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if version < 2 {
		has, err := hasColumn(db, "idempotency", "fingerprint")
		if err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		if !has {
			if _, err := db.Exec(`ALTER TABLE idempotency ADD COLUMN fingerprint TEXT NOT NULL DEFAULT ''`); err != nil {
				return fmt.Errorf("migrate to v2: %w", err)
			}
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *Store) FindMany(ctx context.Context, resource string, opts versync.FindOptions) ([]versync.Row, error) {
	return s.findMany(ctx, s.db, resource, opts)
}

func (s *Store) Count(ctx context.Context, resource string, filter versync.Filter) (int, error) {
	return s.count(ctx, s.db, resource, filter)
}

func (s *Store) Get(ctx context.Context, resource, id string, sel []string) (versync.Row, error) {
	return s.get(ctx, s.db, resource, id, sel)
}

// Transact runs fn inside a SQL transaction, committing when fn returns nil.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, tx versync.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &Tx{store: s, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) findMany(ctx context.Context, q querier, resource string, opts versync.FindOptions) ([]versync.Row, error) {
	c := newCompiler(s.idField)
	query, args, err := c.compileFind(resource, opts)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", resource, err)
	}
	defer rows.Close()

	out := make([]versync.Row, 0)
	for rows.Next() {
		row, err := s.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", resource, err)
		}
		out = append(out, row.Project(opts.Select))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find %s: %w", resource, err)
	}
	return out, nil
}

func (s *Store) count(ctx context.Context, q querier, resource string, filter versync.Filter) (int, error) {
	c := newCompiler(s.idField)
	query, args, err := c.compileCount(resource, filter)
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", resource, err)
	}
	return n, nil
}

func (s *Store) get(ctx context.Context, q querier, resource, id string, sel []string) (versync.Row, error) {
	row, err := s.scanRow(q.QueryRowContext(ctx,
		`SELECT id, version, data FROM entities WHERE resource = ? AND id = ?`, resource, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, versync.ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %q: %w", resource, id, err)
	}
	return row.Project(sel), nil
}

// Tx is the transaction handle passed to Transact bodies.
type Tx struct {
	store *Store
	tx    *sql.Tx
}

var (
	_ versync.Tx      = &Tx{}
	_ versync.Creator = &Tx{}
	_ versync.Updater = &Tx{}
	_ versync.Deleter = &Tx{}
)

func (t *Tx) FindMany(ctx context.Context, resource string, opts versync.FindOptions) ([]versync.Row, error) {
	return t.store.findMany(ctx, t.tx, resource, opts)
}

func (t *Tx) Count(ctx context.Context, resource string, filter versync.Filter) (int, error) {
	return t.store.count(ctx, t.tx, resource, filter)
}

func (t *Tx) Get(ctx context.Context, resource, id string, sel []string) (versync.Row, error) {
	return t.store.get(ctx, t.tx, resource, id, sel)
}

// Create assigns a UUID when the row has no id.
func (t *Tx) Create(ctx context.Context, resource string, row versync.Row, opts versync.WriteOptions) (versync.Row, error) {
	idField := t.store.idField
	row = row.Clone()
	id, ok := versync.RowID(row, idField)
	if !ok {
		id = uuid.NewString()
	}
	row[idField] = id
	version, ok := versync.RowVersion(row)
	if !ok {
		return nil, fmt.Errorf("create %s %q: row has no integer version", resource, id)
	}

	data, err := encodeRow(row)
	if err != nil {
		return nil, fmt.Errorf("create %s %q: %w", resource, id, err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO entities (resource, id, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, resource, id, version, data, t.store.now().UnixMilli())
	if isConstraint(err) {
		return nil, versync.ErrDuplicateID
	}
	if err != nil {
		return nil, fmt.Errorf("create %s %q: %w", resource, id, err)
	}
	return returning(row, opts), nil
}

func (t *Tx) Update(ctx context.Context, resource, id string, row versync.Row, opts versync.WriteOptions) (versync.Row, error) {
	row = row.Clone()
	row[t.store.idField] = id
	version, ok := versync.RowVersion(row)
	if !ok {
		return nil, fmt.Errorf("update %s %q: row has no integer version", resource, id)
	}
	data, err := encodeRow(row)
	if err != nil {
		return nil, fmt.Errorf("update %s %q: %w", resource, id, err)
	}

	query := `UPDATE entities SET version = ?, data = ?, updated_at = ? WHERE resource = ? AND id = ?`
	args := []any{version, data, t.store.now().UnixMilli(), resource, id}
	if opts.ExpectVersion != nil {
		query += ` AND version = ?`
		args = append(args, *opts.ExpectVersion)
	}
	if err := t.exec(ctx, resource, id, query, args...); err != nil {
		return nil, err
	}
	return returning(row, opts), nil
}

func (t *Tx) Delete(ctx context.Context, resource, id string, opts versync.WriteOptions) error {
	query := `DELETE FROM entities WHERE resource = ? AND id = ?`
	args := []any{resource, id}
	if opts.ExpectVersion != nil {
		query += ` AND version = ?`
		args = append(args, *opts.ExpectVersion)
	}
	return t.exec(ctx, resource, id, query, args...)
}

// exec runs a keyed write and tells a missing row from a version mismatch
// when nothing was affected.
func (t *Tx) exec(ctx context.Context, resource, id, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("write %s %q: %w", resource, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write %s %q: %w", resource, id, err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = t.tx.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE resource = ? AND id = ?`, resource, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return versync.ErrRowNotFound
	}
	if err != nil {
		return fmt.Errorf("write %s %q: %w", resource, id, err)
	}
	return versync.ErrVersionMismatch
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func returning(row versync.Row, opts versync.WriteOptions) versync.Row {
	if !opts.Returning {
		return nil
	}
	return row.Project(opts.Select)
}
