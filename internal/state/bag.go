// Package state implements the per-cell working state ("bag") that threads
// values between the steps of one rule.
//
// The bag has two namespaces:
//
//   - variables: logical name -> Result, the typed intermediate results of
//     earlier steps (scalar value, ordered values, named groups per match,
//     residual text, validity);
//   - assignments: an append-only journal of final output properties,
//     harvested when the rule finishes.
//
// Under first-wins a write to a property that already holds a value stays in
// the journal marked Rejected and never becomes visible.
//
// Both are case-insensitive on names. A Bag is created per cell and is not
// safe for concurrent use.
package state

import (
	"strconv"

	"github.com/TheStrul/Sacks-new-sub007/internal/textutil"
)

// TextVar is the variable seeded with the raw cell text.
const TextVar = "Text"

// Result is the typed outcome of one step. List-like actions always write the
// whole Result at once; a miss is an explicit Result with Valid=false and no
// values, never an absent key.
type Result struct {
	// Value is the scalar form (the first value for list results).
	Value string
	// Values are the ordered results (matches, split parts, ...).
	Values []string
	// Groups holds the named capture groups of each value, aligned with
	// Values. Nil when the producing action has no groups.
	Groups []map[string]string
	// Clean is the residual text after matched content was removed.
	Clean    string
	HasClean bool
	Valid    bool
}

// Scalar returns a valid single-value Result.
func Scalar(v string) Result {
	return Result{Value: v, Values: []string{v}, Valid: true}
}

// List returns a valid list Result whose scalar value is the first element.
func List(values []string) Result {
	r := Result{Values: values, Valid: len(values) > 0}
	if len(values) > 0 {
		r.Value = values[0]
	}
	return r
}

// Miss returns the explicit no-match marker.
func Miss() Result { return Result{} }

// WithClean returns r with its residual text set.
func (r Result) WithClean(clean string) Result {
	r.Clean = clean
	r.HasClean = true
	return r
}

// Len returns the number of values.
func (r Result) Len() int { return len(r.Values) }

// Assignment is one write of a final output property.
type Assignment struct {
	Property string
	Value    string
	// Step is the index of the step that wrote the value; -1 for the rule's
	// static assignments.
	Step int
	Op   string
	// Rejected marks a first-wins write to an already assigned property.
	Rejected bool
}

type variable struct {
	name string
	res  Result
}

// Bag is the working state of one cell.
type Bag struct {
	vars      map[string]variable
	journal   []Assignment
	firstWins bool
}

// NewBag returns a bag seeded with the raw cell text under TextVar.
func NewBag(text string) *Bag {
	b := &Bag{vars: make(map[string]variable, 8)}
	b.SetValue(TextVar, text)
	return b
}

// SetFirstWins switches the assignment policy. The default is last-wins.
func (b *Bag) SetFirstWins(on bool) { b.firstWins = on }

// Get resolves ref. The boolean is false when the addressed key (or index,
// or group) does not exist, which is distinct from an existing empty string.
func (b *Bag) Get(ref Ref) (string, bool) {
	if ref.Assignment {
		if ref.Field != FieldValue {
			return "", false
		}
		return b.Assigned(ref.Name)
	}

	v, ok := b.vars[textutil.Key(ref.Name)]
	if !ok {
		return "", false
	}
	res := v.res
	switch ref.Field {
	case FieldValue:
		return res.Value, true
	case FieldIndex:
		if ref.Index < len(res.Values) {
			return res.Values[ref.Index], true
		}
		return "", false
	case FieldGroup:
		if ref.Index < len(res.Groups) {
			g, ok := res.Groups[ref.Index][ref.Group]
			return g, ok
		}
		return "", false
	case FieldClean:
		if !res.HasClean {
			return "", false
		}
		return res.Clean, true
	case FieldLength:
		return strconv.Itoa(len(res.Values)), true
	case FieldValid:
		return strconv.FormatBool(res.Valid), true
	}
	return "", false
}

// Result returns the whole variable result for name.
func (b *Bag) Result(name string) (Result, bool) {
	v, ok := b.vars[textutil.Key(name)]
	return v.res, ok
}

// Put stores a complete result under name, replacing any previous one.
func (b *Bag) Put(name string, r Result) {
	b.vars[textutil.Key(name)] = variable{name: name, res: r}
}

// SetValue stores a scalar variable.
func (b *Bag) SetValue(name, value string) {
	b.Put(name, Scalar(value))
}

// Assign appends an assignment of property to the journal. It reports false
// when first-wins rejected the write.
func (b *Bag) Assign(property, value string, step int, op string) bool {
	a := Assignment{Property: property, Value: value, Step: step, Op: op}
	if b.firstWins {
		_, a.Rejected = b.Assigned(property)
	}
	b.journal = append(b.journal, a)
	return !a.Rejected
}

// Write stores value either as an assignment or as a scalar variable.
func (b *Bag) Write(name string, assign bool, value string, step int, op string) {
	if assign {
		b.Assign(name, value, step, op)
		return
	}
	b.SetValue(name, value)
}

// Assigned returns the current value of property.
func (b *Bag) Assigned(property string) (string, bool) {
	k := textutil.Key(property)
	for i := len(b.journal) - 1; i >= 0; i-- {
		if !b.journal[i].Rejected && textutil.Key(b.journal[i].Property) == k {
			return b.journal[i].Value, true
		}
	}
	return "", false
}

// Mark returns a checkpoint of the assignment journal.
func (b *Bag) Mark() int { return len(b.journal) }

// Rollback discards every assignment written after mark.
func (b *Bag) Rollback(mark int) {
	if mark >= 0 && mark < len(b.journal) {
		b.journal = b.journal[:mark]
	}
}

// Since returns the assignments written after mark.
func (b *Bag) Since(mark int) []Assignment {
	if mark < 0 || mark >= len(b.journal) {
		return nil
	}
	out := make([]Assignment, len(b.journal)-mark)
	copy(out, b.journal[mark:])
	return out
}

// Journal returns every assignment in write order, including overwritten
// and rejected ones.
func (b *Bag) Journal() []Assignment {
	out := make([]Assignment, len(b.journal))
	copy(out, b.journal)
	return out
}

// Assignments harvests the journal: one entry per property carrying its
// current value and writer, ordered by the property's first assignment.
func (b *Bag) Assignments() []Assignment {
	if len(b.journal) == 0 {
		return nil
	}
	pos := make(map[string]int, len(b.journal))
	out := make([]Assignment, 0, len(b.journal))
	for _, a := range b.journal {
		if a.Rejected {
			continue
		}
		k := textutil.Key(a.Property)
		if i, ok := pos[k]; ok {
			out[i] = a
			continue
		}
		pos[k] = len(out)
		out = append(out, a)
	}
	return out
}

// VarNames returns the original names of all variables, for diagnostics.
func (b *Bag) VarNames() []string {
	out := make([]string, 0, len(b.vars))
	for _, v := range b.vars {
		out = append(out, v.name)
	}
	return out
}
