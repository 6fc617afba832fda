// Package probe samples an input and profiles its columns so a first rule
// set can be drafted from real data: one column rule per header that copies
// the trimmed cell into a property named after the header.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/goccy/go-yaml"
	"github.com/shopspring/decimal"

	"github.com/TheStrul/Sacks-new-sub007/internal/config"
	"github.com/TheStrul/Sacks-new-sub007/internal/parser"
	"github.com/TheStrul/Sacks-new-sub007/internal/state"
	"github.com/TheStrul/Sacks-new-sub007/internal/textutil"
)

// Kinds reported per column, narrowest first.
const (
	KindEmpty     = "empty"
	KindInteger   = "integer"
	KindBoolean   = "boolean"
	KindDecimal   = "decimal"
	KindDate      = "date"
	KindTimestamp = "timestamp"
	KindText      = "text"
)

// maxDistinct caps the per-column distinct set.
const maxDistinct = 1000

// Options bound the sample.
type Options struct {
	// MaxRows stops reading after this many data rows. Zero means 1000.
	MaxRows int
	// Samples is the number of distinct example values kept per column.
	Samples int
}

// Column is the profile of one header.
type Column struct {
	Name     string   `json:"name"`
	Property string   `json:"property"`
	Kind     string   `json:"kind"`
	NonEmpty int      `json:"non_empty"`
	Distinct int      `json:"distinct"`
	Capped   bool     `json:"distinct_capped,omitempty"`
	Samples  []string `json:"samples,omitempty"`
}

// Result is the profile of a sampled input.
type Result struct {
	Rows        int      `json:"rows"`
	ParseErrors int      `json:"parse_errors"`
	Truncated   bool     `json:"truncated"`
	Columns     []Column `json:"columns"`
}

type colStats struct {
	values   []string
	distinct map[string]struct{}
	samples  []string
}

// Profile reads up to opt.MaxRows rows from r and profiles each header
// column. Reading stops early without error once the limit is reached.
func Profile(ctx context.Context, r parser.RowReader, opt Options) (Result, error) {
	if opt.MaxRows <= 0 {
		opt.MaxRows = 1000
	}
	if opt.Samples < 0 {
		opt.Samples = 0
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		res       Result
		parseErrs atomic.Int64
	)
	rows := make(chan parser.Row, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(rows)
		errc <- r.Stream(sctx, rows, func(int, error) { parseErrs.Add(1) })
	}()

	stats := map[string]*colStats{}
	for row := range rows {
		if res.Rows >= opt.MaxRows {
			res.Truncated = true
			cancel()
			continue
		}
		res.Rows++
		for name, v := range row.Cells {
			st := stats[name]
			if st == nil {
				st = &colStats{distinct: map[string]struct{}{}}
				stats[name] = st
			}
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			st.values = append(st.values, v)
			if _, seen := st.distinct[v]; !seen && len(st.distinct) < maxDistinct {
				st.distinct[v] = struct{}{}
				if len(st.samples) < opt.Samples {
					st.samples = append(st.samples, v)
				}
			}
		}
	}
	res.ParseErrors = int(parseErrs.Load())
	if err := <-errc; err != nil && !(res.Truncated && errors.Is(err, context.Canceled)) {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	used := map[string]int{}
	for _, h := range r.Header() {
		c := Column{Name: h, Property: uniqueProperty(PropertyName(h), used), Kind: KindEmpty}
		if st := stats[h]; st != nil {
			c.NonEmpty = len(st.values)
			c.Distinct = len(st.distinct)
			c.Capped = len(st.distinct) >= maxDistinct
			c.Samples = st.samples
			c.Kind = InferKind(st.values)
		}
		res.Columns = append(res.Columns, c)
	}
	return res, nil
}

func uniqueProperty(p string, used map[string]int) string {
	used[p]++
	if n := used[p]; n > 1 {
		return p + strconv.Itoa(n)
	}
	return p
}

// InferKind picks the narrowest kind every non-empty value satisfies.
func InferKind(values []string) string {
	if len(values) == 0 {
		return KindEmpty
	}
	switch {
	case allMatch(values, isInt):
		return KindInteger
	case allMatch(values, isBool):
		return KindBoolean
	case allMatch(values, isDecimal):
		return KindDecimal
	}
	allDate, anyTime := true, false
	for _, v := range values {
		ok, hasTime := parseDateOrTimestamp(v)
		if !ok {
			allDate = false
			break
		}
		anyTime = anyTime || hasTime
	}
	if allDate {
		if anyTime {
			return KindTimestamp
		}
		return KindDate
	}
	return KindText
}

func allMatch(vals []string, fn func(string) bool) bool {
	for _, v := range vals {
		if !fn(v) {
			return false
		}
	}
	return true
}

func isBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false", "yes", "no", "y", "n":
		return true
	}
	return false
}

func isInt(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// isDecimal accepts plain decimals with either separator.
func isDecimal(s string) bool {
	_, err := decimal.NewFromString(strings.Replace(s, ",", ".", 1))
	return err == nil
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"01/02/2006",
	"2 Jan 2006",
	"02-Jan-2006",
	"2006/01/02",
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"02/01/2006 15:04:05",
	"01/02/2006 15:04:05",
}

func parseDateOrTimestamp(s string) (ok bool, hasTime bool) {
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true, true
		}
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true, false
		}
	}
	return false, false
}

// PropertyName turns header text into a PascalCase ASCII identifier:
// accents are stripped, runs of other characters become word breaks, and
// a leading digit gets a "Col" prefix. An empty result is "Column".
func PropertyName(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range textutil.FieldName(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if upper {
				r = unicode.ToUpper(r)
				upper = false
			}
			b.WriteRune(r)
		default:
			upper = true
		}
	}
	name := b.String()
	if name == "" {
		return "Column"
	}
	if name[0] >= '0' && name[0] <= '9' {
		return "Col" + name
	}
	return name
}

// Skeleton drafts a rule set from a profile. Empty columns and headers that
// repeat an earlier one case-insensitively are skipped; every other column
// gets one rule that assigns the cell text to its property.
func Skeleton(res Result) *config.RuleSet {
	rs := &config.RuleSet{
		Settings: config.Settings{ConflictPolicy: config.FirstWins},
	}
	seen := map[string]bool{}
	for _, c := range res.Columns {
		k := textutil.Key(c.Name)
		if c.Kind == KindEmpty || seen[k] {
			continue
		}
		seen[k] = true
		rs.Columns = append(rs.Columns, config.ColumnRule{
			Column: c.Name,
			Rule: &config.Rule{
				Name: strings.ToLower(c.Property),
				Steps: []config.Step{{
					Op:     "assign",
					In:     state.TextVar,
					Out:    c.Property,
					Assign: true,
				}},
			},
		})
	}
	return rs
}

// MarshalYAML renders a rule set in the same field names the loader reads.
func MarshalYAML(rs *config.RuleSet) ([]byte, error) {
	js, err := json.Marshal(rs)
	if err != nil {
		return nil, err
	}
	return yaml.JSONToYAML(js)
}
