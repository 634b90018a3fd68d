// Package postgres provides a PostgreSQL backend for service stores.
// It uses pgx/v5 for connection pooling and keeps every record as a JSONB
// document in a single table keyed by (service, id).
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/debug"
	"github.com/rhuss/plume/pkg/service"
	"github.com/rhuss/plume/pkg/storage"
)

// Store is a PostgreSQL-backed storage.Backend.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements storage.Backend at compile time.
var _ storage.Backend = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
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
		idx := pgx.Identifier{"records_uniq_" + indexSafe(name) + "_" + field}.Sanitize()
		stmt := fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON records ((data->>'%s')) WHERE service = '%s'",
			idx, field, name,
		)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("creating unique index on %s.%s: %w", name, field, err)
		}
	}
	return &Collection{pool: s.pool, service: name}, nil
}

// HealthCheck verifies database connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Collection is the service.Store for a single service path.
type Collection struct {
	pool    *pgxpool.Pool
	service string
}

// Ensure Collection implements service.Store at compile time.
var _ service.Store = (*Collection)(nil)

// Find evaluates q over the service's records in insertion order. String
// equality filters and, when exact, the row limit run in SQL; the rest of
// the query is applied to the fetched records.
func (c *Collection) Find(ctx context.Context, q api.Query) ([]api.Record, error) {
	p, err := storage.ParseQuery(q)
	if err != nil {
		return nil, err
	}

	stmt, args := findStatement(c.service, p)
	rows, err := c.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []api.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		rec, err := decode(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}

	return p.Apply(records), nil
}

// Get retrieves a record by ID.
func (c *Collection) Get(ctx context.Context, id string) (api.Record, error) {
	var raw []byte
	err := c.pool.QueryRow(ctx,
		"SELECT data FROM records WHERE service = $1 AND id = $2",
		c.service, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying record: %w", err)
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
		return nil, fmt.Errorf("marshaling record: %w", err)
	}

	var stored []byte
	err = c.pool.QueryRow(ctx,
		"INSERT INTO records (service, id, data) VALUES ($1, $2, $3) RETURNING data",
		c.service, id, raw,
	).Scan(&stored)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, storage.ErrConflict
		}
		return nil, fmt.Errorf("inserting record: %w", err)
	}
	debug.Log("storage", "postgres create", "service", c.service, "id", id)
	return decode(stored)
}

// Update replaces a record. The id is preserved.
func (c *Collection) Update(ctx context.Context, id string, data api.Record) (api.Record, error) {
	rec := data.Clone()
	if rec == nil {
		rec = api.Record{}
	}
	rec[api.IDField] = id
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}
	return c.write(ctx,
		"UPDATE records SET data = $3, updated_at = now() WHERE service = $1 AND id = $2 RETURNING data",
		id, raw,
	)
}

// Patch merges top-level fields into a record with JSONB concatenation.
// The id cannot change.
func (c *Collection) Patch(ctx context.Context, id string, data api.Record) (api.Record, error) {
	raw, err := json.Marshal(data.Without(api.IDField))
	if err != nil {
		return nil, fmt.Errorf("marshaling patch: %w", err)
	}
	return c.write(ctx,
		"UPDATE records SET data = data || $3::jsonb, updated_at = now() WHERE service = $1 AND id = $2 RETURNING data",
		id, raw,
	)
}

func (c *Collection) write(ctx context.Context, stmt, id string, raw []byte) (api.Record, error) {
	var stored []byte
	err := c.pool.QueryRow(ctx, stmt, c.service, id, raw).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrConflict, constraintName(err))
		}
		return nil, fmt.Errorf("updating record: %w", err)
	}
	return decode(stored)
}

// Remove deletes a record and returns it.
func (c *Collection) Remove(ctx context.Context, id string) (api.Record, error) {
	var raw []byte
	err := c.pool.QueryRow(ctx,
		"DELETE FROM records WHERE service = $1 AND id = $2 RETURNING data",
		c.service, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("deleting record: %w", err)
	}
	return decode(raw)
}

// findStatement builds the SELECT for p. Field names are validated by
// Pushdown, values are bound as parameters.
func findStatement(service string, p *storage.Params) (string, []any) {
	conds, rowLimit := p.Pushdown()

	var b strings.Builder
	b.WriteString("SELECT data FROM records WHERE service = $1")
	args := []any{service}
	for _, cond := range conds {
		args = append(args, cond.Value)
		fmt.Fprintf(&b, " AND jsonb_typeof(data->'%s') = 'string' AND data->>'%s' = $%d", cond.Field, cond.Field, len(args))
	}
	b.WriteString(" ORDER BY seq")
	if rowLimit >= 0 {
		args = append(args, rowLimit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func decode(raw []byte) (api.Record, error) {
	var rec api.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	return rec, nil
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
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
