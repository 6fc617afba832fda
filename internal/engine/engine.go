// Package engine compiles a rule set into per-column plans and applies them
// to rows.
//
// Each configured column present in a row runs its rules in configuration
// order. Every rule gets a fresh working state seeded with the cell text, so
// rows and rules never share mutable state apart from lookup tables, which
// are internally synchronized. Every write in a rule's assignment journal is
// merged into the row's Result under the rule set's conflict policy, so
// overwrites and rejects inside one rule are traced like those between rules.
package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheStrul/Sacks-new-sub007/internal/config"
	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
	"github.com/TheStrul/Sacks-new-sub007/internal/lookup"
	"github.com/TheStrul/Sacks-new-sub007/internal/metrics"
	"github.com/TheStrul/Sacks-new-sub007/internal/state"
	"github.com/TheStrul/Sacks-new-sub007/internal/textutil"
	"github.com/TheStrul/Sacks-new-sub007/internal/transformer"
	"github.com/TheStrul/Sacks-new-sub007/internal/transformer/builtin"
)

// DefaultJob labels metrics when WithJob is not given.
const DefaultJob = "normalize"

// plan is the compiled form of one ColumnRule.
type plan struct {
	column string
	key    string
	chains []*transformer.Chain
}

// Engine is a compiled rule set. It is safe for concurrent use.
type Engine struct {
	plans       []plan
	firstWins   bool
	stopOnFirst bool
	tables      *lookup.Set
	issues      []config.Issue
	fingerprint string

	log     logger.Logger
	job     string
	extra   *lookup.Set
	regexps *builtin.RegexCache
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for build warnings and runtime faults.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTables adds lookup tables loaded from an external source. They replace
// same-named tables of the rule set.
func WithTables(s *lookup.Set) Option {
	return func(e *Engine) { e.extra = s }
}

// WithLookups is WithTables for a plain table -> input -> output mapping.
func WithLookups(raw map[string]map[string]string) Option {
	return WithTables(lookup.NewSet(raw))
}

// WithJob sets the job label of recorded metrics.
func WithJob(job string) Option {
	return func(e *Engine) {
		if job != "" {
			e.job = job
		}
	}
}

// WithRegexCache shares a compiled-pattern cache between engines.
func WithRegexCache(c *builtin.RegexCache) Option {
	return func(e *Engine) { e.regexps = c }
}

// New lints rs, loads its lookup tables and compiles every column's rules.
// Lint errors and build errors fail construction; warnings are logged and
// kept in Issues.
func New(rs *config.RuleSet, opts ...Option) (*Engine, error) {
	e := &Engine{log: logger.GetDefault(), job: DefaultJob}
	for _, opt := range opts {
		opt(e)
	}

	issues := config.Validate(rs)
	if err := config.Err(issues); err != nil {
		return nil, err
	}

	e.tables = lookup.NewSet(rs.Lookups)
	e.tables.Merge(e.extra)
	e.firstWins = rs.Settings.Policy() == config.FirstWins
	e.stopOnFirst = rs.Settings.StopOnFirstMatch
	e.fingerprint = rs.Fingerprint()

	env := builtin.Env{
		Tables:  e.tables,
		Culture: textutil.Culture(rs.Settings.Culture),
		Strict:  rs.Settings.Strict,
		Regexps: e.regexps,
	}
	for i, col := range rs.Columns {
		p := plan{column: col.Column, key: textutil.Key(col.Column)}
		for _, r := range rulesOf(i, col) {
			c, iss, err := builtin.BuildChain(r.path, r.rule, env)
			issues = append(issues, iss...)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", config.ErrInvalidRuleSet, err)
			}
			p.chains = append(p.chains, c)
		}
		e.plans = append(e.plans, p)
	}

	e.issues = issues
	for _, iss := range issues {
		e.log.Warn("rule set warning", "path", iss.Path, "message", iss.Message)
	}
	e.log.Debug("engine ready",
		"columns", len(e.plans),
		"tables", len(e.tables.Names()),
		"policy", rs.Settings.Policy(),
		"fingerprint", e.fingerprint,
	)
	return e, nil
}

// Issues returns the warnings collected while linting and building.
func (e *Engine) Issues() []config.Issue { return e.issues }

// Fingerprint returns the rule set's fingerprint.
func (e *Engine) Fingerprint() string { return e.fingerprint }

// Tables returns the engine's lookup tables, including entries added by
// map steps at run time.
func (e *Engine) Tables() *lookup.Set { return e.tables }

// Columns returns the configured column names in processing order.
func (e *Engine) Columns() []string {
	out := make([]string, len(e.plans))
	for i, p := range e.plans {
		out[i] = p.column
	}
	return out
}

// Process normalizes one row.
func (e *Engine) Process(row Row) *Result {
	return e.ProcessAt(0, row)
}

// ProcessAt normalizes one row; index is exposed to actions and recorded in
// the Result.
func (e *Engine) ProcessAt(index int, row Row) *Result {
	res := newResult(index)
	folded := foldRow(row)
	actions := map[[2]string]int64{}
	merges := map[MergeKind]int64{}

	for _, p := range e.plans {
		text, ok := row[p.column]
		if !ok {
			text, ok = folded[p.key]
		}
		if !ok {
			continue
		}
		cell := transformer.Cell{Column: p.column, RowIndex: index, Row: row}

		for _, c := range p.chains {
			bag := state.NewBag(text)
			bag.SetFirstWins(e.firstWins)
			out := c.Run(bag, cell)
			res.Traces = append(res.Traces, ChainTrace{Column: p.column, Rule: c.Name, Matched: out.Matched, Steps: out.Trace})

			for _, te := range out.Trace {
				actions[[2]string{te.Op, string(te.Status)}]++
				if te.Status == transformer.StatusFault {
					e.log.Debug("step fault", "row", index, "column", p.column, "rule", c.Name, "step", te.Step, "op", te.Op, "err", te.Err)
				}
			}
			for _, a := range out.Journal {
				src := Provenance{Column: p.column, Rule: c.Name, Step: a.Step, Op: a.Op}
				merges[res.merge(a.Property, a.Value, src, e.firstWins)]++
			}
			if out.Matched && e.stopOnFirst {
				break
			}
		}
	}

	for k, n := range actions {
		metrics.RecordAction(e.job, k[0], k[1], n)
	}
	for k, n := range merges {
		metrics.RecordMerge(e.job, string(k), n)
	}
	return res
}

// ProcessRows normalizes rows with up to workers goroutines and returns the
// results in input order. Cancellation is observed between rows.
func (e *Engine) ProcessRows(ctx context.Context, rows []Row, workers int) ([]*Result, error) {
	return e.ProcessBatch(ctx, 0, rows, workers)
}

// ProcessBatch is ProcessRows for a slice of a longer stream; rows[i] gets
// row index base+i.
func (e *Engine) ProcessBatch(ctx context.Context, base int, rows []Row, workers int) ([]*Result, error) {
	start := time.Now()
	out := make([]*Result, len(rows))
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range rows {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = e.ProcessAt(base+i, rows[i])
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	metrics.RecordStep(e.job, "process", err, time.Since(start))
	if err != nil {
		return nil, err
	}

	var matched, faulted int64
	for _, r := range out {
		if r.Matched() {
			matched++
		}
		if r.Faults() > 0 {
			faulted++
		}
	}
	metrics.RecordRow(e.job, "processed", int64(len(out)))
	metrics.RecordRow(e.job, "matched", matched)
	metrics.RecordRow(e.job, "unmatched", int64(len(out))-matched)
	metrics.RecordRow(e.job, "faulted", faulted)
	return out, nil
}

type pathRule struct {
	path string
	rule config.Rule
}

// rulesOf lists a column's rules with their issue paths.
func rulesOf(i int, col config.ColumnRule) []pathRule {
	var out []pathRule
	if col.Rule != nil {
		out = append(out, pathRule{fmt.Sprintf("columns[%d].rule", i), *col.Rule})
	}
	for j, r := range col.Rules {
		out = append(out, pathRule{fmt.Sprintf("columns[%d].rules[%d]", i, j), r})
	}
	return out
}

func foldRow(row Row) map[string]string {
	out := make(map[string]string, len(row))
	for k, v := range row {
		out[textutil.Key(k)] = v
	}
	return out
}
