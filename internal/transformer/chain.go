package transformer

import (
	"errors"
	"fmt"

	"github.com/TheStrul/Sacks-new-sub007/internal/condition"
	"github.com/TheStrul/Sacks-new-sub007/internal/state"
)

// ErrPanic wraps a panic raised by an action.
var ErrPanic = errors.New("transformer: action panicked")

// Status is the outcome of one step in a chain run.
type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusMatched   Status = "matched"
	StatusUnmatched Status = "unmatched"
	StatusFault     Status = "fault"
)

// Step is a compiled rule step.
type Step struct {
	Index int
	Op    Op
	// Guard is nil when the step is unconditional.
	Guard  *condition.Expr
	Action Action
	// In and Out are kept for traces and diagnostics.
	In  string
	Out string
}

// TraceEntry records what happened to one step.
type TraceEntry struct {
	Step   int    `json:"step"`
	Op     string `json:"op"`
	Status Status `json:"status"`
	Err    error  `json:"-"`

	// Message is Err's text, for serialized traces.
	Message string `json:"error,omitempty"`
}

// Outcome is the harvested result of a chain run.
type Outcome struct {
	Assignments []state.Assignment
	// Journal is every surviving write in order, including overwritten and
	// rejected ones.
	Journal []state.Assignment
	// Matched reports that at least one assignment was harvested.
	Matched bool
	Trace   []TraceEntry
}

// Faults counts the fault entries of the trace.
func (o Outcome) Faults() int {
	n := 0
	for _, t := range o.Trace {
		if t.Status == StatusFault {
			n++
		}
	}
	return n
}

// Chain is a compiled rule: constant seed assignments followed by an ordered
// list of steps. A Chain is immutable after construction and may be run
// concurrently with distinct bags.
type Chain struct {
	Name  string
	Seed  []state.Assignment
	Steps []Step
}

// Run executes the chain against bag. A failing step never stops later
// steps: a false result or a fault rolls back the step's assignments and the
// runner moves on.
func (c *Chain) Run(bag *state.Bag, cell Cell) Outcome {
	for _, s := range c.Seed {
		bag.Assign(s.Property, s.Value, -1, OpStatic)
	}

	trace := make([]TraceEntry, 0, len(c.Steps))
	for i := range c.Steps {
		trace = append(trace, c.Steps[i].run(bag, cell))
	}

	as := bag.Assignments()
	return Outcome{Assignments: as, Journal: bag.Journal(), Matched: len(as) > 0, Trace: trace}
}

func (s *Step) run(bag *state.Bag, cell Cell) TraceEntry {
	te := TraceEntry{Step: s.Index, Op: s.Op.String()}
	if !s.Guard.Eval(bag) {
		te.Status = StatusSkipped
		return te
	}

	mark := bag.Mark()
	ok, err := s.execute(bag, cell)
	switch {
	case err != nil:
		bag.Rollback(mark)
		te.Status = StatusFault
		te.Err = fmt.Errorf("step %d (%s): %w", s.Index, s.Op, err)
		te.Message = te.Err.Error()
	case !ok:
		bag.Rollback(mark)
		te.Status = StatusUnmatched
	default:
		te.Status = StatusMatched
	}
	return te
}

func (s *Step) execute(bag *state.Bag, cell Cell) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	if s.Action == nil {
		return false, errors.New("no action")
	}
	return s.Action.Execute(bag, cell)
}
