package builtin

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/TheStrul/Sacks-new-sub007/internal/condition"
	"github.com/TheStrul/Sacks-new-sub007/internal/config"
	"github.com/TheStrul/Sacks-new-sub007/internal/state"
	"github.com/TheStrul/Sacks-new-sub007/internal/transformer"
)

// BuildChain compiles a rule. path prefixes the paths of returned issues
// (for example "columns[0].rule").
func BuildChain(path string, r config.Rule, env Env) (*transformer.Chain, []config.Issue, error) {
	name := r.Name
	if name == "" {
		name = path
	}
	c := &transformer.Chain{Name: name, Steps: make([]transformer.Step, 0, len(r.Steps))}

	props := make([]string, 0, len(r.Assign))
	for p := range r.Assign {
		props = append(props, p)
	}
	sort.Strings(props)
	for _, p := range props {
		c.Seed = append(c.Seed, state.Assignment{Property: p, Value: r.Assign[p], Step: -1, Op: transformer.OpStatic})
	}

	var issues []config.Issue
	for i, s := range r.Steps {
		st, iss, err := Build(s, i, env)
		for _, is := range iss {
			is.Path = joinPath(path, is.Path)
			issues = append(issues, is)
		}
		if err != nil {
			return nil, issues, fmt.Errorf("%s: %w", path, err)
		}
		c.Steps = append(c.Steps, st)
	}
	return c, issues, nil
}

func joinPath(prefix, p string) string {
	switch {
	case prefix == "":
		return p
	case p == "":
		return prefix
	}
	return prefix + "." + p
}

// Build compiles the step at index. Missing required parameters and unknown
// tables are errors; an unknown operation degrades to passthrough and an
// invalid pattern builds a faulting action, both with a warning, unless
// env.Strict is set.
func Build(s config.Step, index int, env Env) (transformer.Step, []config.Issue, error) {
	path := fmt.Sprintf("steps[%d]", index)
	b := &builder{step: s, index: index, env: env, path: path}

	st, err := b.build()
	if err != nil {
		return transformer.Step{}, b.issues, fmt.Errorf("step %d (%s): %w", index, s.Op, err)
	}
	return st, b.issues, nil
}

type builder struct {
	step   config.Step
	index  int
	env    Env
	path   string
	issues []config.Issue
}

func (b *builder) warnf(sub, format string, args ...any) {
	b.issues = append(b.issues, config.Warnf(joinPath(b.path, sub), format, args...))
}

func (b *builder) build() (transformer.Step, error) {
	op, known := transformer.ParseOp(b.step.Op)
	if !known {
		if b.env.Strict {
			return transformer.Step{}, fmt.Errorf("%w: %q", ErrUnknownOp, b.step.Op)
		}
		b.warnf("op", "unknown operation %q; the step copies its input unchanged", b.step.Op)
	}

	guard, err := condition.Parse(b.step.Condition)
	if err != nil {
		return transformer.Step{}, err
	}
	if guard != nil && guard.Op == condition.OpNone {
		b.warnf("condition", "condition %q has no == or != operator; the step will never run", b.step.Condition)
	}
	for _, tok := range guard.Unresolved() {
		b.warnf("condition", "condition %q: operand %q is not a literal or reference and evaluates to empty", b.step.Condition, tok)
	}

	t, err := b.target(op)
	if err != nil {
		return transformer.Step{}, err
	}

	var act transformer.Action
	var unused []string
	switch op {
	case transformer.OpAssign:
		act, unused, err = b.assign(t)
	case transformer.OpFind:
		act, unused, err = b.find(t)
	case transformer.OpSplit:
		act, unused, err = b.split(t)
	case transformer.OpCondMap:
		act, unused, err = b.condMap(t)
	case transformer.OpMap:
		act, unused, err = b.mapAction(t)
	case transformer.OpSwitch:
		act, unused, err = b.switchAction(t)
	case transformer.OpConvert:
		act, unused, err = b.convert(t)
	case transformer.OpConcat:
		act, unused, err = b.concat(t)
	case transformer.OpClear:
		act = &Clear{target: t}
	case transformer.OpRemoveLeading:
		act, unused, err = b.removeLeading(t)
	case transformer.OpPassthrough:
		act = &Passthrough{target: t}
	default:
		return transformer.Step{}, fmt.Errorf("%w: %q", ErrUnknownOp, b.step.Op)
	}
	if err != nil {
		return transformer.Step{}, err
	}
	if known && op != transformer.OpClear && op != transformer.OpPassthrough {
		sort.Strings(unused)
		for _, k := range unused {
			b.warnf("params."+k, "parameter %q is not used by %s", k, op)
		}
	}

	return transformer.Step{
		Index:  b.index,
		Op:     op,
		Guard:  guard,
		Action: act,
		In:     b.step.In,
		Out:    b.step.Out,
	}, nil
}

// target resolves the step's input and output bindings.
func (b *builder) target(op transformer.Op) (target, error) {
	t := target{step: b.index, op: op.String(), assign: b.step.Assign}

	in := b.step.In
	if strings.TrimSpace(in) == "" {
		in = state.TextVar
	}
	ref, err := state.ParseRef(in)
	if err != nil {
		return t, fmt.Errorf("in: %w", err)
	}
	t.in = ref

	if strings.TrimSpace(b.step.Out) == "" {
		if op == transformer.OpCondMap {
			return t, nil
		}
		return t, fmt.Errorf("%w: out", ErrMissingParam)
	}
	out, err := state.ParseRef(b.step.Out)
	if err != nil {
		return t, fmt.Errorf("out: %w", err)
	}
	if !out.Plain() {
		return t, fmt.Errorf("%w: out %q must be a plain name", ErrBadParam, b.step.Out)
	}
	t.out = out.Name
	t.assign = t.assign || out.Assignment
	return t, nil
}

func (b *builder) assign(t target) (transformer.Action, []string, error) {
	var p assignParams
	unused, err := decodeParams(b.step.Params, &p)
	if err != nil {
		return nil, nil, err
	}
	a := &Assign{target: t}
	if p.Value != nil {
		a.value, a.hasValue = *p.Value, true
	}
	return a, unused, nil
}

// compile compiles pattern, degrading to a faulting action outside strict
// mode.
func (b *builder) compile(pattern string, ignoreCase bool, anchor bool) (*regexpResult, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: pattern", ErrMissingParam)
	}
	p := pattern
	if anchor {
		p = anchored(pattern, ignoreCase)
	} else if ignoreCase {
		p = "(?i)" + p
	}
	re, err := b.env.regexps().Compile(p)
	if err != nil {
		if b.env.Strict {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrBadParam, pattern, err)
		}
		b.warnf("params.pattern", "invalid pattern %q: %v; the step will fault at run time", pattern, err)
		return &regexpResult{fault: fmt.Errorf("invalid pattern %q: %w", pattern, err)}, nil
	}
	return &regexpResult{re: re}, nil
}

func (b *builder) find(t target) (transformer.Action, []string, error) {
	var p findParams
	unused, err := decodeParams(b.step.Params, &p)
	if err != nil {
		return nil, nil, err
	}
	opts := options(p.Options)
	for o := range opts {
		if !findOptions[o] {
			b.warnf("params.options", "unknown find option %q", o)
		}
	}
	f := &Find{target: t, remove: opts["remove"]}
	switch {
	case opts["all"]:
		f.mode = FindAll
	case opts["last"]:
		f.mode = FindLast
	default:
		f.mode = FindFirst
	}
	r, err := b.compile(p.Pattern, opts["ignorecase"], false)
	if err != nil {
		return nil, nil, err
	}
	f.re, f.fault = r.re, r.fault
	return f, unused, nil
}

func (b *builder) removeLeading(t target) (transformer.Action, []string, error) {
	var p removeLeadingParams
	unused, err := decodeParams(b.step.Params, &p)
	if err != nil {
		return nil, nil, err
	}
	if p.MaxTokens < 0 {
		return nil, nil, fmt.Errorf("%w: maxTokens must not be negative", ErrBadParam)
	}
	r, err := b.compile(p.Pattern, options(p.Options)["ignorecase"], true)
	if err != nil {
		return nil, nil, err
	}
	return &RemoveLeading{target: t, re: r.re, fault: r.fault, maxTokens: p.MaxTokens}, unused, nil
}

func (b *builder) split(t target) (transformer.Action, []string, error) {
	var p splitParams
	unused, err := decodeParams(b.step.Params, &p)
	if err != nil {
		return nil, nil, err
	}
	if p.Delimiter == "" {
		return nil, nil, fmt.Errorf("%w: delimiter", ErrMissingParam)
	}
	return &Split{target: t, delimiter: p.Delimiter}, unused, nil
}

func (b *builder) condMap(t target) (transformer.Action, []string, error) {
	var p condMapParams
	unused, err := decodeParams(b.step.Params, &p)
	if err != nil {
		return nil, nil, err
	}
	if p.Delimiter == "" {
		return nil, nil, fmt.Errorf("%w: delimiter", ErrMissingParam)
	}
	keys := splitList(p.Keys)
	if len(keys) == 0 {
		return nil, nil, fmt.Errorf("%w: keys", ErrMissingParam)
	}
	c := &CondMap{target: t, delimiter: p.Delimiter, subDelimiter: p.SubDelimiter, keys: keys}

	mapped := false
	for _, k := range keys {
		mapped = mapped || k == MappedKey
	}
	if !mapped {
		return c, unused, nil
	}
	if c.subDelimiter == "" {
		return nil, nil, fmt.Errorf("%w: subDelimiter", ErrMissingParam)
	}
	if len(p.Mappings) == 0 {
		return nil, nil, fmt.Errorf("%w: mappings", ErrMissingParam)
	}
	for i, m := range p.Mappings {
		if m.Table == "" || m.Out == "" {
			return nil, nil, fmt.Errorf("%w: mappings[%d] needs table and out", ErrMissingParam, i)
		}
		r, err := b.env.tables().Reader(m.Table)
		if err != nil {
			return nil, nil, err
		}
		c.mappings = append(c.mappings, tableOut{table: r, out: m.Out})
	}
	return c, unused, nil
}

func (b *builder) mapAction(t target) (transformer.Action, []string, error) {
	var p mapParams
	unused, err := decodeParams(b.step.Params, &p)
	if err != nil {
		return nil, nil, err
	}
	if p.Table == "" {
		return nil, nil, fmt.Errorf("%w: table", ErrMissingParam)
	}
	m := &Map{target: t, culture: b.env.Culture}
	if p.AddIfNotFound {
		tbl, err := b.env.tables().Mutable(p.Table)
		if err != nil {
			return nil, nil, err
		}
		m.table, m.mutable = tbl, tbl
		return m, unused, nil
	}
	r, err := b.env.tables().Reader(p.Table)
	if err != nil {
		return nil, nil, err
	}
	m.table = r
	return m, unused, nil
}

func (b *builder) switchAction(t target) (transformer.Action, []string, error) {
	var p switchParams
	unused, err := decodeParams(b.step.Params, &p)
	if err != nil {
		return nil, nil, err
	}
	s := &Switch{target: t, ignoreCase: p.IgnoreCase, cases: map[string]string{}}
	if p.Default != nil {
		s.def, s.hasDefault = *p.Default, true
	}
	for k, v := range p.Cases {
		s.cases[s.key(k)] = v
	}
	keys := make([]string, 0, len(p.Rest))
	for k := range p.Rest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(k) < len(WhenPrefix) || !strings.EqualFold(k[:len(WhenPrefix)], WhenPrefix) {
			unused = append(unused, k)
			continue
		}
		v, ok := p.Rest[k].(string)
		if !ok {
			v = fmt.Sprint(p.Rest[k])
		}
		s.cases[s.key(k[len(WhenPrefix):])] = v
	}
	if len(s.cases) == 0 && !s.hasDefault {
		return nil, nil, fmt.Errorf("%w: at least one %s<value> case or default", ErrMissingParam, WhenPrefix)
	}
	return s, unused, nil
}

func (b *builder) convert(t target) (transformer.Action, []string, error) {
	var p convertParams
	unused, err := decodeParams(b.step.Params, &p)
	if err != nil {
		return nil, nil, err
	}
	c := &Convert{
		target:    t,
		factor:    decimal.NewFromInt(1),
		tolerance: decimal.NewFromInt(1),
		fromUnit:  normalizeUnit(p.FromUnit),
		toUnit:    strings.TrimSpace(p.ToUnit),
	}
	if p.Factor != "" {
		if c.factor, err = parseDecimal(p.Factor); err != nil {
			return nil, nil, fmt.Errorf("%w: factor %q", ErrBadParam, p.Factor)
		}
	}
	if p.Tolerance != "" {
		if c.tolerance, err = parseDecimal(p.Tolerance); err != nil || c.tolerance.IsNegative() {
			return nil, nil, fmt.Errorf("%w: tolerance %q", ErrBadParam, p.Tolerance)
		}
	}
	if p.Decimals != nil {
		if *p.Decimals < 0 {
			return nil, nil, fmt.Errorf("%w: decimals must not be negative", ErrBadParam)
		}
		c.decimals = int32(*p.Decimals)
	}
	if c.snap, err = snapValues(p.Snap); err != nil {
		return nil, nil, err
	}
	if p.UnitKey != "" {
		ref, err := state.ParseRef(p.UnitKey)
		if err != nil {
			return nil, nil, fmt.Errorf("unitKey: %w", err)
		}
		c.unitKey, c.hasUnit = ref, true
		if c.toUnit != "" && !ref.Plain() {
			b.warnf("params.unitKey", "unitKey %q is not a plain name; toUnit is not written back", p.UnitKey)
			c.toUnit = ""
		}
	} else if c.toUnit != "" {
		b.warnf("params.toUnit", "toUnit without unitKey has no effect")
	}
	return c, unused, nil
}

func (b *builder) concat(t target) (transformer.Action, []string, error) {
	var p concatParams
	unused, err := decodeParams(b.step.Params, &p)
	if err != nil {
		return nil, nil, err
	}
	keys := splitList(p.Keys)
	if len(keys) == 0 {
		return nil, nil, fmt.Errorf("%w: keys", ErrMissingParam)
	}
	c := &Concat{target: t, separator: " "}
	if p.Separator != nil {
		c.separator = *p.Separator
	}
	for _, k := range keys {
		ref, err := state.ParseRef(k)
		if err != nil {
			return nil, nil, fmt.Errorf("keys: %w", err)
		}
		c.keys = append(c.keys, ref)
	}
	return c, unused, nil
}

// regexpResult is a compiled pattern or the fault to report instead.
type regexpResult struct {
	re    *regexp.Regexp
	fault error
}
