// Package sqlite implements a SQLite-backed storage.Repository using
// database/sql and the pure Go modernc driver. Writes are batched INSERTs
// inside one transaction per batch; SQLite has no bulk-load API like COPY.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/TheStrul/Sacks-new-sub007/internal/storage"
)

// Config holds SQLite repository configuration derived from storage.Config.
type Config struct {
	// DSN is a file path or URI understood by the driver, e.g.
	// "normalize.db" or "file:normalize.db?_pragma=busy_timeout(5000)".
	DSN         string
	Table       string
	LookupTable string
}

// Repository is a SQLite-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg Config
}

// NewRepository opens the database and returns the repository plus a close
// function.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	r := New(db, cfg)
	return r, func() { _ = db.Close() }, nil
}

// New wraps an open database. Empty table names take the storage defaults.
func New(db *sql.DB, cfg Config) *Repository {
	if cfg.Table == "" {
		cfg.Table = storage.DefaultTable
	}
	if cfg.LookupTable == "" {
		cfg.LookupTable = storage.DefaultLookupTable
	}
	return &Repository{db: db, cfg: cfg}
}

// EnsureTable creates the property and lookup tables when missing.
func (r *Repository) EnsureTable(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	row_index INTEGER NOT NULL,
	property TEXT NOT NULL,
	value TEXT NOT NULL,
	source_column TEXT NOT NULL,
	rule TEXT NOT NULL,
	step INTEGER NOT NULL,
	op TEXT NOT NULL,
	fingerprint TEXT NOT NULL
)`, quoteFQN(r.cfg.Table)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	table_name TEXT NOT NULL,
	input TEXT NOT NULL,
	output TEXT NOT NULL,
	PRIMARY KEY (table_name, input)
)`, quoteFQN(r.cfg.LookupTable)),
	}
	for _, s := range stmts {
		if err := r.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// WriteProperties inserts rows in one transaction.
func (r *Repository) WriteProperties(ctx context.Context, rows []storage.PropertyRow) (int64, error) {
	vals := make([][]any, len(rows))
	for i, row := range rows {
		vals[i] = row.Values()
	}
	return r.CopyFrom(ctx, r.cfg.Table, storage.PropertyColumns, vals, "")
}

// SaveLookups upserts entries; an existing (table_name, input) pair gets the
// new output.
func (r *Repository) SaveLookups(ctx context.Context, tables map[string]map[string]string) (int64, error) {
	return r.CopyFrom(ctx, r.cfg.LookupTable, storage.LookupColumns, storage.LookupRows(tables),
		" ON CONFLICT (table_name, input) DO UPDATE SET output = excluded.output")
}

// LoadLookups reads the whole lookup source table.
func (r *Repository) LoadLookups(ctx context.Context) (map[string]map[string]string, error) {
	q := fmt.Sprintf("SELECT table_name, input, output FROM %s", quoteFQN(r.cfg.LookupTable))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load lookups: %w", err)
	}
	defer rows.Close()

	out := map[string]map[string]string{}
	for rows.Next() {
		var table, input, output string
		if err := rows.Scan(&table, &input, &output); err != nil {
			return nil, fmt.Errorf("sqlite: scan lookup: %w", err)
		}
		storage.AddLookup(out, table, input, output)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load lookups: %w", err)
	}
	return out, nil
}

// CopyFrom inserts rows into table through one prepared statement inside a
// transaction. suffix is appended to the INSERT (for example an ON CONFLICT
// clause).
func (r *Repository) CopyFrom(
	ctx context.Context,
	table string,
	columns []string,
	rows [][]any,
	suffix string,
) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("sqlite: CopyFrom: columns must not be empty")
	}
	if len(rows) == 0 {
		return 0, nil
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	stmtSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)%s",
		quoteFQN(table),
		strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "),
		suffix,
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, row := range rows {
		if len(row) != len(columns) {
			_ = tx.Rollback()
			return 0, fmt.Errorf("sqlite: CopyFrom: row length %d != columns length %d", len(row), len(columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("sqlite: insert: %w", err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return inserted, nil
}

// Exec runs one statement, typically DDL.
func (r *Repository) Exec(ctx context.Context, stmt string) error {
	if strings.TrimSpace(stmt) == "" {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("sqlite: exec: %w", err)
	}
	return nil
}

func quoteIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// quoteFQN quotes "schema.table" segment by segment.
func quoteFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}
