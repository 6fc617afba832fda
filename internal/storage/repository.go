// Package storage holds the backend-agnostic contracts for persisting
// normalized properties and for loading lookup tables from a database.
//
// Backends register a Factory under a kind name from their init function;
// callers obtain a Repository through New without importing the backend
// package directly (a blank import is enough).
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Default table names used when Config leaves them empty.
const (
	DefaultTable       = "normalized_properties"
	DefaultLookupTable = "lookup_entries"
)

// PropertyColumns is the sink column order shared by every backend.
var PropertyColumns = []string{
	"row_index",
	"property",
	"value",
	"source_column",
	"rule",
	"step",
	"op",
	"fingerprint",
}

// LookupColumns is the column order of the lookup source table.
var LookupColumns = []string{"table_name", "input", "output"}

// PropertyRow is one normalized property of one input row.
type PropertyRow struct {
	RowIndex    int
	Property    string
	Value       string
	Column      string
	Rule        string
	Step        int
	Op          string
	Fingerprint string
}

// Values returns the row aligned to PropertyColumns.
func (p PropertyRow) Values() []any {
	return []any{
		int64(p.RowIndex),
		p.Property,
		p.Value,
		p.Column,
		p.Rule,
		int64(p.Step),
		p.Op,
		p.Fingerprint,
	}
}

// Repository is implemented by every storage backend.
type Repository interface {
	// EnsureTable creates the property and lookup tables when missing.
	EnsureTable(ctx context.Context) error
	// WriteProperties appends rows and reports how many were written.
	WriteProperties(ctx context.Context, rows []PropertyRow) (int64, error)
	// LoadLookups reads the lookup source table grouped by table name.
	LoadLookups(ctx context.Context) (map[string]map[string]string, error)
	// SaveLookups upserts entries into the lookup source table.
	SaveLookups(ctx context.Context, tables map[string]map[string]string) (int64, error)
	Close()
}

// Config carries the backend-neutral connection settings.
type Config struct {
	DSN         string
	Table       string
	LookupTable string
}

// WithDefaults fills empty table names.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = DefaultTable
	}
	if strings.TrimSpace(c.LookupTable) == "" {
		c.LookupTable = DefaultLookupTable
	}
	return c
}

// Factory constructs a Repository for one backend kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register installs f under kind. Registering the same kind twice replaces
// the previous factory.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[strings.ToLower(kind)] = f
}

// New builds the repository registered for kind.
func New(ctx context.Context, kind string, cfg Config) (Repository, error) {
	regMu.RLock()
	f, ok := registry[strings.ToLower(kind)]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %s)", kind, strings.Join(ListKinds(), ","))
	}
	return f(ctx, cfg.WithDefaults())
}

// ListKinds returns the registered kinds in sorted order.
func ListKinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LookupRows flattens tables into rows aligned to LookupColumns, sorted by
// table then input so writes are deterministic.
func LookupRows(tables map[string]map[string]string) [][]any {
	names := make([]string, 0, len(tables))
	for n := range tables {
		names = append(names, n)
	}
	sort.Strings(names)

	var out [][]any
	for _, n := range names {
		entries := tables[n]
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, []any{n, k, entries[k]})
		}
	}
	return out
}

// AddLookup records one scanned lookup row into dst.
func AddLookup(dst map[string]map[string]string, table, input, output string) {
	t, ok := dst[table]
	if !ok {
		t = map[string]string{}
		dst[table] = t
	}
	t[input] = output
}
