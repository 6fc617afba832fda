// Package lookup holds the named reference tables used by the rule engine
// (brand canonicalization, gender/type classification, unit aliases, ...).
//
// Tables are case-insensitive on input keys. Every action receives a
// read-only Reader, except the Map action configured with add-if-not-found,
// which is handed the *Table itself and may Add entries at runtime. Tables
// are internally synchronized, so that single mutation path stays safe when
// rows are processed in parallel.
package lookup

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/TheStrul/Sacks-new-sub007/internal/textutil"
)

// ErrUnknownTable is returned when a rule references a table that was never
// loaded.
var ErrUnknownTable = errors.New("lookup: unknown table")

// Reader is the read-only view of a lookup table.
type Reader interface {
	// Lookup returns the mapped output for input (case-insensitive).
	Lookup(input string) (string, bool)
	Name() string
	Len() int
}

// Table is a named, case-insensitive string -> string mapping.
type Table struct {
	name string

	mu      sync.RWMutex
	entries map[string]string // folded input -> output
	added   int
}

// NewTable builds a table from raw input -> output pairs. When two inputs
// fold to the same key, the lexically smaller raw input wins so that loading
// is deterministic regardless of map iteration order.
func NewTable(name string, raw map[string]string) *Table {
	t := &Table{name: name, entries: make(map[string]string, len(raw))}
	inputs := make([]string, 0, len(raw))
	for in := range raw {
		inputs = append(inputs, in)
	}
	sort.Strings(inputs)
	for _, in := range inputs {
		k := textutil.Key(in)
		if k == "" {
			continue
		}
		if _, dup := t.entries[k]; dup {
			continue
		}
		t.entries[k] = raw[in]
	}
	return t
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Lookup implements Reader.
func (t *Table) Lookup(input string) (string, bool) {
	k := textutil.Key(input)
	if k == "" {
		return "", false
	}
	t.mu.RLock()
	v, ok := t.entries[k]
	t.mu.RUnlock()
	return v, ok
}

// Add inserts input -> output unless the input is already present, and
// returns the value now stored for input. This is the only mutation path and
// is used exclusively by the Map action's add-if-not-found mode.
func (t *Table) Add(input, output string) string {
	k := textutil.Key(input)
	if k == "" {
		return output
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.entries[k]; ok {
		return v
	}
	t.entries[k] = output
	t.added++
	return output
}

// Added reports how many entries were inserted at runtime.
func (t *Table) Added() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.added
}

// Snapshot returns a copy of the table keyed by folded input.
func (t *Table) Snapshot() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Set is the collection of tables loaded for one engine.
type Set struct {
	tables map[string]*Table // folded name -> table
}

// NewSet builds a Set from a mapping-of-mappings (table -> input -> output).
func NewSet(raw map[string]map[string]string) *Set {
	s := &Set{tables: make(map[string]*Table, len(raw))}
	for name, entries := range raw {
		s.Put(NewTable(name, entries))
	}
	return s
}

// Put adds or replaces a table.
func (s *Set) Put(t *Table) {
	if s.tables == nil {
		s.tables = map[string]*Table{}
	}
	s.tables[textutil.Key(t.name)] = t
}

// Merge copies every table of other into s, replacing same-named tables.
func (s *Set) Merge(other *Set) {
	if other == nil {
		return
	}
	for _, t := range other.tables {
		s.Put(t)
	}
}

// Reader returns the read-only view of the named table.
func (s *Set) Reader(name string) (Reader, error) {
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Mutable returns the named table's mutable handle. Only the Map action's
// add-if-not-found mode should ask for it.
func (s *Set) Mutable(name string) (*Table, error) {
	return s.table(name)
}

// Has reports whether the named table exists.
func (s *Set) Has(name string) bool {
	_, ok := s.tables[textutil.Key(name)]
	return ok
}

// Names returns the table names in sorted order.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t.name)
	}
	sort.Strings(out)
	return out
}

func (s *Set) table(name string) (*Table, error) {
	t, ok := s.tables[textutil.Key(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}
