// Package sqlite provides a SQLite backend for service stores using the
// pure-Go modernc.org/sqlite driver. Records are JSON documents in a single
// table keyed by (service, id).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/debug"
	"github.com/rhuss/plume/pkg/service"
	"github.com/rhuss/plume/pkg/storage"
)

// Store is a SQLite-backed storage.Backend.
type Store struct {
	db *sql.DB
}

// Ensure Store implements storage.Backend at compile time.
var _ storage.Backend = (*Store)(nil)

// New opens the database at dbPath and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection serializes writes
	// instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			service TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (service, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_service ON records(service, seq)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

var collectionPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// Collection returns the store for one service. Unique fields are enforced
// with partial expression indexes scoped to the service.
func (s *Store) Collection(ctx context.Context, name string, opts storage.CollectionOptions) (service.Store, error) {
	if !collectionPattern.MatchString(name) {
		return nil, fmt.Errorf("invalid collection name %q", name)
	}
	for _, field := range opts.Unique {
		if err := storage.ValidateFieldName(field); err != nil {
			return nil, err
		}
		stmt := fmt.Sprintf(
			`CREATE UNIQUE INDEX IF NOT EXISTS "records_uniq_%s_%s" ON records(json_extract(data, '$.%s')) WHERE service = '%s'`,
			indexSafe(name), field, field, name,
		)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("creating unique index on %s.%s: %w", name, field, err)
		}
	}
	return &Collection{db: s.db, service: name}, nil
}

// HealthCheck verifies the database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Collection is the service.Store for a single service path.
type Collection struct {
	db      *sql.DB
	service string
}

// Ensure Collection implements service.Store at compile time.
var _ service.Store = (*Collection)(nil)

// Find evaluates q over the service's records in insertion order, pushing
// string equality filters and exact row limits into SQL.
func (c *Collection) Find(ctx context.Context, q api.Query) ([]api.Record, error) {
	p, err := storage.ParseQuery(q)
	if err != nil {
		return nil, err
	}

	stmt, args := findStatement(c.service, p)
	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []api.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec, err := decode(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return p.Apply(records), nil
}

// findStatement builds the SELECT for p, filtering string equality
// conditions with the JSON1 functions.
func findStatement(service string, p *storage.Params) (string, []any) {
	conds, rowLimit := p.Pushdown()

	var b strings.Builder
	b.WriteString("SELECT data FROM records WHERE service = ?")
	args := []any{service}
	for _, cond := range conds {
		path := "$." + cond.Field
		b.WriteString(" AND json_type(data, ?) = 'text' AND json_extract(data, ?) = ?")
		args = append(args, path, path, cond.Value)
	}
	b.WriteString(" ORDER BY seq")
	if rowLimit >= 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, rowLimit)
	}
	return b.String(), args
}

// Get retrieves a record by ID.
func (c *Collection) Get(ctx context.Context, id string) (api.Record, error) {
	var raw string
	err := c.db.QueryRowContext(ctx,
		"SELECT data FROM records WHERE service = ? AND id = ?",
		c.service, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return decode(raw)
}

// Create inserts a new record. A missing id is generated.
func (c *Collection) Create(ctx context.Context, data api.Record) (api.Record, error) {
	rec := data.Clone()
	if rec == nil {
		rec = api.Record{}
	}
	id := rec.ID()
	if id == "" {
		id = api.NewRecordID()
	}
	rec[api.IDField] = id

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := c.db.ExecContext(ctx,
		"INSERT INTO records (service, id, data) VALUES (?, ?, ?)",
		c.service, id, string(raw),
	); err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrConflict
		}
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}
	debug.Log("storage", "sqlite create", "service", c.service, "id", id)
	return decode(string(raw))
}

// Update replaces a record. The id is preserved.
func (c *Collection) Update(ctx context.Context, id string, data api.Record) (api.Record, error) {
	return c.modify(ctx, id, func(api.Record) api.Record {
		rec := data.Clone()
		if rec == nil {
			rec = api.Record{}
		}
		return rec
	})
}

// Patch merges top-level fields into a record. The id cannot change.
func (c *Collection) Patch(ctx context.Context, id string, data api.Record) (api.Record, error) {
	return c.modify(ctx, id, func(old api.Record) api.Record {
		for k, v := range data.Clone() {
			old[k] = v
		}
		return old
	})
}

// modify reads, transforms, and writes a record in one transaction.
func (c *Collection) modify(ctx context.Context, id string, fn func(api.Record) api.Record) (api.Record, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		"SELECT data FROM records WHERE service = ? AND id = ?",
		c.service, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	old, err := decode(raw)
	if err != nil {
		return nil, err
	}

	rec := fn(old)
	rec[api.IDField] = id
	updated, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE records SET data = ?, updated_at = CURRENT_TIMESTAMP WHERE service = ? AND id = ?",
		string(updated), c.service, id,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrConflict
		}
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return decode(string(updated))
}

// Remove deletes a record and returns it.
func (c *Collection) Remove(ctx context.Context, id string) (api.Record, error) {
	var raw string
	err := c.db.QueryRowContext(ctx,
		"DELETE FROM records WHERE service = ? AND id = ? RETURNING data",
		c.service, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete record: %w", err)
	}
	return decode(raw)
}

func decode(raw string) (api.Record, error) {
	var rec api.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT:
			return true
		}
	}
	return false
}

func indexSafe(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, name)
}
