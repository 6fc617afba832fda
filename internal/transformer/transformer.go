// Package transformer defines the action contract used by normalization rules
// and the runner that executes one rule's steps against a cell.
//
// An Action reads and writes a per-cell working state (state.Bag). Actions
// are built once per rule by the builtin factory and reused for every cell;
// they must not keep per-call mutable state.
package transformer

import (
	"strings"

	"github.com/TheStrul/Sacks-new-sub007/internal/state"
)

// Cell identifies the value being normalized. Row is the full input row and
// must be treated as read-only.
type Cell struct {
	Column   string
	RowIndex int
	Row      map[string]string
}

// Action is one step of a rule.
//
// Execute returns true when the action produced its output. A false result
// is a plain no-match and must leave the assignment journal untouched. A
// non-nil error is a runtime fault; the runner records it and rolls back any
// assignment the step wrote.
type Action interface {
	Execute(bag *state.Bag, cell Cell) (bool, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(bag *state.Bag, cell Cell) (bool, error)

// Execute implements Action.
func (f ActionFunc) Execute(bag *state.Bag, cell Cell) (bool, error) { return f(bag, cell) }

// Op is the closed set of operation kinds.
type Op uint8

const (
	OpPassthrough Op = iota
	OpAssign
	OpFind
	OpSplit
	OpCondMap
	OpMap
	OpSwitch
	OpConvert
	OpConcat
	OpClear
	OpRemoveLeading
)

// OpStatic labels the rule's constant assignments in provenance.
const OpStatic = "static"

var opNames = [...]string{
	OpPassthrough:   "passthrough",
	OpAssign:        "assign",
	OpFind:          "find",
	OpSplit:         "split",
	OpCondMap:       "condmap",
	OpMap:           "map",
	OpSwitch:        "switch",
	OpConvert:       "convert",
	OpConcat:        "concat",
	OpClear:         "clear",
	OpRemoveLeading: "remove_leading",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// ParseOp resolves an operation name. Matching ignores case and treats '-'
// like '_'. The boolean is false for unknown names.
func ParseOp(name string) (Op, bool) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for i, s := range opNames {
		if s == n {
			return Op(i), true
		}
	}
	return OpPassthrough, false
}

// AllOps returns every operation kind in declaration order.
func AllOps() []Op {
	out := make([]Op, len(opNames))
	for i := range opNames {
		out[i] = Op(i)
	}
	return out
}
