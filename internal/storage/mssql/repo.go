// Package mssql implements a Microsoft SQL Server repository using the
// go-mssqldb bulk copy API. Properties are bulk-copied straight into the
// target table; lookups go through a session temp table (#tmp) and a MERGE.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"github.com/TheStrul/Sacks-new-sub007/internal/storage"
)

// Config holds MSSQL repository configuration.
type Config struct {
	DSN         string
	Table       string
	LookupTable string
}

// Repository is an MSSQL-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg Config
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	// Fail fast on obvious DSN mistakes before dialing.
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	return New(db, cfg), func() { _ = db.Close() }, nil
}

// New wraps an open database. Empty table names take the storage defaults
// in the dbo schema.
func New(db *sql.DB, cfg Config) *Repository {
	if cfg.Table == "" {
		cfg.Table = "dbo." + storage.DefaultTable
	}
	if cfg.LookupTable == "" {
		cfg.LookupTable = "dbo." + storage.DefaultLookupTable
	}
	return &Repository{db: db, cfg: cfg}
}

// EnsureTable creates the property and lookup tables when missing.
func (r *Repository) EnsureTable(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`IF OBJECT_ID(N'%s', N'U') IS NULL
CREATE TABLE %s (
	[row_index] BIGINT NOT NULL,
	[property] NVARCHAR(256) NOT NULL,
	[value] NVARCHAR(MAX) NOT NULL,
	[source_column] NVARCHAR(256) NOT NULL,
	[rule] NVARCHAR(256) NOT NULL,
	[step] INT NOT NULL,
	[op] NVARCHAR(64) NOT NULL,
	[fingerprint] NVARCHAR(32) NOT NULL,
	[created_at] DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()
)`, objectName(r.cfg.Table), msFQN(r.cfg.Table)),
		fmt.Sprintf(`IF OBJECT_ID(N'%s', N'U') IS NULL
CREATE TABLE %s (
	[table_name] NVARCHAR(256) NOT NULL,
	[input] NVARCHAR(450) NOT NULL,
	[output] NVARCHAR(MAX) NOT NULL,
	PRIMARY KEY ([table_name], [input])
)`, objectName(r.cfg.LookupTable), msFQN(r.cfg.LookupTable)),
	}
	for _, s := range stmts {
		if err := r.Exec(ctx, s); err != nil {
			return fmt.Errorf("mssql: ensure table: %w", err)
		}
	}
	return nil
}

// WriteProperties bulk-copies rows into the property table.
func (r *Repository) WriteProperties(ctx context.Context, rows []storage.PropertyRow) (int64, error) {
	vals := make([][]any, len(rows))
	for i, row := range rows {
		vals[i] = row.Values()
	}
	return r.CopyFrom(ctx, r.cfg.Table, storage.PropertyColumns, vals)
}

// LoadLookups reads the whole lookup source table.
func (r *Repository) LoadLookups(ctx context.Context) (map[string]map[string]string, error) {
	q := fmt.Sprintf("SELECT %s FROM %s",
		strings.Join(mapIdent(storage.LookupColumns), ", "), msFQN(r.cfg.LookupTable))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("mssql: load lookups: %w", err)
	}
	defer rows.Close()

	out := map[string]map[string]string{}
	for rows.Next() {
		var table, input, output string
		if err := rows.Scan(&table, &input, &output); err != nil {
			return nil, fmt.Errorf("mssql: scan lookup: %w", err)
		}
		storage.AddLookup(out, table, input, output)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mssql: load lookups: %w", err)
	}
	return out, nil
}

// SaveLookups bulk-copies entries into a session temp table and merges them
// into the lookup table: existing (table_name, input) pairs get the new
// output, new pairs are inserted.
func (r *Repository) SaveLookups(ctx context.Context, tables map[string]map[string]string) (int64, error) {
	rows := storage.LookupRows(tables)
	if len(rows) == 0 {
		return 0, nil
	}
	tmp := "#tmp_" + strings.ReplaceAll(r.cfg.LookupTable, ".", "_")

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	create := fmt.Sprintf(
		"CREATE TABLE %s ([table_name] NVARCHAR(256) NOT NULL, [input] NVARCHAR(450) NOT NULL, [output] NVARCHAR(MAX) NOT NULL)",
		msIdent(tmp),
	)
	if _, err := tx.ExecContext(ctx, create); err != nil {
		rollback()
		return 0, fmt.Errorf("create temp: %w", err)
	}

	copied, err := bulkCopy(ctx, tx, tmp, storage.LookupColumns, rows)
	if err != nil {
		rollback()
		return 0, err
	}

	merge := fmt.Sprintf(`MERGE %s AS T
USING %s AS S
	ON %s
WHEN MATCHED THEN UPDATE SET T.[output] = S.[output]
WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);`,
		msFQN(r.cfg.LookupTable),
		msIdent(tmp),
		buildJoinCondition([]string{"table_name", "input"}),
		strings.Join(mapIdent(storage.LookupColumns), ", "),
		strings.Join(prefixed("S.", storage.LookupColumns), ", "),
	)
	if _, err := tx.ExecContext(ctx, merge); err != nil {
		rollback()
		return 0, fmt.Errorf("merge lookups: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE "+msIdent(tmp)); err != nil {
		rollback()
		return 0, fmt.Errorf("drop temp: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return copied, nil
}

// CopyFrom performs a bulk insert into table in its own transaction.
func (r *Repository) CopyFrom(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	n, err := bulkCopy(ctx, tx, table, columns, rows)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// bulkCopy streams rows through a CopyIn statement; the final argument-less
// Exec flushes the batch and reports the copied count.
func bulkCopy(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(table, mssql.BulkOptions{}, columns...))
	if err != nil {
		return 0, fmt.Errorf("prepare bulk: %w", err)
	}
	for i := range rows {
		if len(rows[i]) != len(columns) {
			_ = stmt.Close()
			return 0, fmt.Errorf("bulk row %d: %d values for %d columns", i, len(rows[i]), len(columns))
		}
		if _, err := stmt.ExecContext(ctx, rows[i]...); err != nil {
			_ = stmt.Close()
			return 0, fmt.Errorf("bulk row %d: %w", i, err)
		}
	}
	res, err := stmt.ExecContext(ctx)
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("bulk finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Exec executes a SQL statement against the pool.
func (r *Repository) Exec(ctx context.Context, sqlText string) error {
	_, err := r.db.ExecContext(ctx, sqlText)
	return err
}

// buildJoinCondition builds the T=S equality join for the provided key columns.
func buildJoinCondition(keyColumns []string) string {
	conds := make([]string, 0, len(keyColumns))
	for _, col := range keyColumns {
		conds = append(conds, fmt.Sprintf("T.%s = S.%s", msIdent(col), msIdent(col)))
	}
	return strings.Join(conds, " AND ")
}

func prefixed(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + msIdent(c)
	}
	return out
}

// objectName renders name for OBJECT_ID, escaping single quotes.
func objectName(name string) string {
	return strings.ReplaceAll(msFQN(name), "'", "''")
}

// msIdent safely quotes a SQL Server identifier using [brackets], escaping ].
func msIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

// msFQN quotes a possibly schema-qualified name like "dbo.hr_events" to
// "[dbo].[hr_events]". If no dot is present, returns a single quoted ident.
func msFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = msIdent(p)
	}
	return strings.Join(parts, ".")
}

// mapIdent maps a list of column names to their bracket-quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = msIdent(c)
	}
	return out
}
