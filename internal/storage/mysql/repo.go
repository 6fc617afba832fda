// Package mysql implements a MySQL-backed storage.Repository using
// database/sql and go-sql-driver/mysql. Writes are multi-row INSERTs in one
// transaction; lookups upsert with ON DUPLICATE KEY UPDATE.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/TheStrul/Sacks-new-sub007/internal/storage"
)

// rowsPerInsert keeps each statement well under the 65535 placeholder cap.
const rowsPerInsert = 500

// Config holds MySQL repository configuration.
type Config struct {
	// DSN uses the driver format, e.g. "user:pass@tcp(host:3306)/db".
	DSN         string
	Table       string
	LookupTable string
}

// Repository is a MySQL-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg Config
}

// NewRepository parses the DSN, connects, and returns the repository plus a
// close function.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("mysql dsn: %w", err)
	}
	mc.ParseTime = true
	conn, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(conn)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return New(db, cfg), func() { _ = db.Close() }, nil
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
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n"+
			"  `row_index` BIGINT NOT NULL,\n"+
			"  `property` VARCHAR(255) NOT NULL,\n"+
			"  `value` TEXT NOT NULL,\n"+
			"  `source_column` VARCHAR(255) NOT NULL,\n"+
			"  `rule` VARCHAR(255) NOT NULL,\n"+
			"  `step` INT NOT NULL,\n"+
			"  `op` VARCHAR(64) NOT NULL,\n"+
			"  `fingerprint` CHAR(16) NOT NULL,\n"+
			"  `created_at` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,\n"+
			"  KEY `idx_row` (`row_index`)\n"+
			") CHARACTER SET utf8mb4", myFQN(r.cfg.Table)),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n"+
			"  `table_name` VARCHAR(255) NOT NULL,\n"+
			"  `input` VARCHAR(255) NOT NULL,\n"+
			"  `output` TEXT NOT NULL,\n"+
			"  PRIMARY KEY (`table_name`, `input`)\n"+
			") CHARACTER SET utf8mb4", myFQN(r.cfg.LookupTable)),
	}
	for _, s := range stmts {
		if _, err := r.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("mysql: ensure table: %w", err)
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
		" ON DUPLICATE KEY UPDATE `output` = VALUES(`output`)")
}

// LoadLookups reads the whole lookup source table.
func (r *Repository) LoadLookups(ctx context.Context) (map[string]map[string]string, error) {
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(mapIdent(storage.LookupColumns), ", "), myFQN(r.cfg.LookupTable))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("mysql: load lookups: %w", err)
	}
	defer rows.Close()

	out := map[string]map[string]string{}
	for rows.Next() {
		var table, input, output string
		if err := rows.Scan(&table, &input, &output); err != nil {
			return nil, fmt.Errorf("mysql: scan lookup: %w", err)
		}
		storage.AddLookup(out, table, input, output)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: load lookups: %w", err)
	}
	return out, nil
}

// CopyFrom inserts rows into table as multi-row INSERT statements inside one
// transaction. suffix is appended to each statement.
func (r *Repository) CopyFrom(
	ctx context.Context,
	table string,
	columns []string,
	rows [][]any,
	suffix string,
) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("mysql: CopyFrom: columns must not be empty")
	}
	if len(rows) == 0 {
		return 0, nil
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("mysql: CopyFrom: row %d has %d values for %d columns", i, len(row), len(columns))
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mysql: begin tx: %w", err)
	}
	var written int64
	for start := 0; start < len(rows); start += rowsPerInsert {
		end := min(start+rowsPerInsert, len(rows))
		chunk := rows[start:end]

		args := make([]any, 0, len(chunk)*len(columns))
		for _, row := range chunk {
			args = append(args, row...)
		}
		if _, err := tx.ExecContext(ctx, insertSQL(table, columns, len(chunk), suffix), args...); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("mysql: insert: %w", err)
		}
		written += int64(len(chunk))
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mysql: commit: %w", err)
	}
	return written, nil
}

// insertSQL renders "INSERT INTO t (cols) VALUES (?,..),(?,..)" for n rows.
func insertSQL(table string, columns []string, n int, suffix string) string {
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", myFQN(table), strings.Join(mapIdent(columns), ","))
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(tuple)
	}
	b.WriteString(suffix)
	return b.String()
}

func myIdent(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }

// myFQN quotes "db.table" segment by segment.
func myFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = myIdent(p)
	}
	return strings.Join(parts, ".")
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = myIdent(c)
	}
	return out
}
