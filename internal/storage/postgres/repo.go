// Package postgres implements the storage.Repository on pgx v5. Properties
// are appended with COPY; lookup entries are upserted through a temporary
// staging table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TheStrul/Sacks-new-sub007/internal/storage"
)

// Config holds Postgres repository configuration.
type Config struct {
	DSN         string // connection string for pgxpool
	Table       string // property table, optionally schema qualified
	LookupTable string // lookup source table
}

// pool is the subset of *pgxpool.Pool the repository uses.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Repository is a Postgres-backed storage.Repository.
type Repository struct {
	pool pool
	cfg  Config
}

// NewRepository connects a pool and returns the repository plus a close
// function.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	p, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	r := newWithPool(p, cfg)
	return r, p.Close, nil
}

func newWithPool(p pool, cfg Config) *Repository {
	if cfg.Table == "" {
		cfg.Table = storage.DefaultTable
	}
	if cfg.LookupTable == "" {
		cfg.LookupTable = storage.DefaultLookupTable
	}
	return &Repository{pool: p, cfg: cfg}
}

// EnsureTable creates the property and lookup tables when missing.
func (r *Repository) EnsureTable(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	row_index bigint NOT NULL,
	property text NOT NULL,
	value text NOT NULL,
	source_column text NOT NULL,
	rule text NOT NULL,
	step bigint NOT NULL,
	op text NOT NULL,
	fingerprint text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
)`, pgFQN(r.cfg.Table)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	table_name text NOT NULL,
	input text NOT NULL,
	output text NOT NULL,
	PRIMARY KEY (table_name, input)
)`, pgFQN(r.cfg.LookupTable)),
	}
	for _, s := range stmts {
		if _, err := r.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("postgres: ensure table: %w", err)
		}
	}
	return nil
}

// WriteProperties appends rows with COPY.
func (r *Repository) WriteProperties(ctx context.Context, rows []storage.PropertyRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	vals := make([][]any, len(rows))
	for i, row := range rows {
		vals[i] = row.Values()
	}
	n, err := r.pool.CopyFrom(ctx, splitFQN(r.cfg.Table), storage.PropertyColumns, pgx.CopyFromRows(vals))
	if err != nil {
		return n, copyErr("copy properties", err)
	}
	return n, nil
}

// LoadLookups reads the lookup source table grouped by table name.
func (r *Repository) LoadLookups(ctx context.Context) (map[string]map[string]string, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s",
		strings.Join(mapIdent(storage.LookupColumns), ", "),
		pgFQN(r.cfg.LookupTable),
	))
	if err != nil {
		return nil, fmt.Errorf("postgres: load lookups: %w", err)
	}
	defer rows.Close()

	out := map[string]map[string]string{}
	for rows.Next() {
		var table, input, output string
		if err := rows.Scan(&table, &input, &output); err != nil {
			return nil, fmt.Errorf("postgres: scan lookup: %w", err)
		}
		storage.AddLookup(out, table, input, output)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load lookups: %w", err)
	}
	return out, nil
}

// SaveLookups copies entries into a staging table and upserts them into the
// lookup table in one transaction.
func (r *Repository) SaveLookups(ctx context.Context, tables map[string]map[string]string) (int64, error) {
	vals := storage.LookupRows(tables)
	if len(vals) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	fail := func(err error) (int64, error) {
		_ = tx.Rollback(ctx)
		return 0, err
	}

	tmp := "tmp_" + strings.ReplaceAll(r.cfg.LookupTable, ".", "_")
	cols := strings.Join(mapIdent(storage.LookupColumns), ", ")

	create := fmt.Sprintf(
		"CREATE TEMP TABLE %s (table_name text, input text, output text) ON COMMIT DROP",
		pgIdent(tmp),
	)
	if _, err := tx.Exec(ctx, create); err != nil {
		return fail(fmt.Errorf("postgres: create temp: %w", err))
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{tmp}, storage.LookupColumns, pgx.CopyFromRows(vals))
	if err != nil {
		return fail(copyErr("copy into temp", err))
	}

	upsert := fmt.Sprintf(
		`INSERT INTO %s (%s)
SELECT %s FROM %s
ON CONFLICT (table_name, input) DO UPDATE SET output = EXCLUDED.output`,
		pgFQN(r.cfg.LookupTable), cols, cols, pgIdent(tmp),
	)
	if _, err := tx.Exec(ctx, upsert); err != nil {
		return fail(fmt.Errorf("postgres: upsert lookups: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit: %w", err)
	}
	return n, nil
}

// copyErr surfaces the server detail of a COPY failure when present.
func copyErr(what string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Detail != "" {
		return fmt.Errorf("postgres: %s: %s (%s)", what, pgErr.Detail, pgErr.SQLState())
	}
	return fmt.Errorf("postgres: %s: %w", what, err)
}

// pgIdent safely quotes a single identifier segment.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// pgFQN quotes "public.props" as "public"."props".
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}

// splitFQN converts "schema.table" into a pgx.Identifier.
func splitFQN(fqn string) pgx.Identifier {
	parts := strings.Split(fqn, ".")
	id := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			id = append(id, p)
		}
	}
	return id
}
