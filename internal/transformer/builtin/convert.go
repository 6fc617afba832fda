package builtin

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/TheStrul/Sacks-new-sub007/internal/state"
	"github.com/TheStrul/Sacks-new-sub007/internal/textutil"
	"github.com/TheStrul/Sacks-new-sub007/internal/transformer"
)

// RetailML is the name of the built-in snap set of common retail fragrance
// sizes in millilitres.
const RetailML = "retail_ml"

// retailML holds the canonical sizes. Neighbouring sizes are far enough apart
// that the default tolerance never makes a value ambiguous.
var retailML = []string{
	"5", "7.5", "10", "15", "20", "25", "30", "35", "40", "45", "50", "60",
	"75", "80", "90", "100", "110", "120", "125", "150", "200", "250", "300",
}

var snapSets = map[string][]decimal.Decimal{
	RetailML: mustDecimals(retailML),
}

func mustDecimals(in []string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(in))
	for i, s := range in {
		out[i] = decimal.RequireFromString(s)
	}
	return out
}

// numberUnit splits "1.0 oz", "3,4oz" or "100" into number and unit.
var numberUnit = regexp.MustCompile(`^\s*([+-]?(?:\d+(?:[.,]\d*)?|[.,]\d+))\s*(.*?)\s*$`)

type convertParams struct {
	Factor    string `mapstructure:"factor"`
	FromUnit  string `mapstructure:"fromUnit"`
	ToUnit    string `mapstructure:"toUnit"`
	UnitKey   string `mapstructure:"unitKey"`
	Snap      any    `mapstructure:"snap"`
	Tolerance string `mapstructure:"tolerance"`
	Decimals  *int   `mapstructure:"decimals"`
}

// Convert parses a decimal, applies a unit-gated factor and snaps or rounds
// the result.
//
// The current unit comes from unitKey when set, otherwise from the text
// trailing the number. When fromUnit is set and the current unit is known
// but different, the step is false. Every false result writes the
// no-match marker, except that an in-place conversion (output is the input
// variable) keeps its value. A value within tolerance of a snap
// value becomes that value; anything else is rounded to decimals places.
// When the factor applied and toUnit is set, the unitKey target is rewritten
// with toUnit.
type Convert struct {
	target
	factor    decimal.Decimal
	fromUnit  string
	toUnit    string
	unitKey   state.Ref
	hasUnit   bool
	snap      []decimal.Decimal
	tolerance decimal.Decimal
	decimals  int32
}

// Execute implements transformer.Action.
func (c *Convert) Execute(bag *state.Bag, _ transformer.Cell) (bool, error) {
	in, _ := c.input(bag)
	m := numberUnit.FindStringSubmatch(in)
	if m == nil {
		return c.fail(bag)
	}
	n, err := parseDecimal(m[1])
	if err != nil {
		return c.fail(bag)
	}

	unit := m[2]
	if c.hasUnit {
		unit, _ = bag.Get(c.unitKey)
	}
	if c.fromUnit != "" {
		if u := normalizeUnit(unit); u != "" && u != c.fromUnit {
			return c.fail(bag)
		}
	}

	c.write(bag, c.round(n.Mul(c.factor)))
	if c.toUnit != "" && c.hasUnit {
		bag.Write(c.unitKey.Name, c.unitKey.Assignment, c.toUnit, c.step, c.op)
	}
	return true, nil
}

func (c *Convert) fail(bag *state.Bag) (bool, error) {
	inPlace := !c.assign && !c.in.Assignment && c.in.Plain() && textutil.Key(c.in.Name) == textutil.Key(c.out)
	if !inPlace {
		c.miss(bag)
	}
	return false, nil
}

func (c *Convert) round(n decimal.Decimal) string {
	best := -1
	var bestDiff decimal.Decimal
	for i, s := range c.snap {
		d := n.Sub(s).Abs()
		if d.GreaterThan(c.tolerance) {
			continue
		}
		if best < 0 || d.LessThan(bestDiff) {
			best, bestDiff = i, d
		}
	}
	if best >= 0 {
		return c.snap[best].String()
	}
	return n.Round(c.decimals).StringFixed(c.decimals)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	return decimal.NewFromString(s)
}

// normalizeUnit folds unit spellings so "fl. oz", "FL OZ" and "oz." compare
// equal to "oz".
func normalizeUnit(u string) string {
	u = textutil.Fold(strings.TrimSpace(u))
	u = strings.NewReplacer(".", "", " ", "").Replace(u)
	if strings.HasPrefix(u, "fl") && len(u) > 2 {
		u = u[2:]
	}
	return u
}

// snapValues decodes the snap parameter: either the name of a built-in set
// or a list of numbers.
func snapValues(v any) ([]decimal.Decimal, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		if set, ok := snapSets[strings.ToLower(s)]; ok {
			return set, nil
		}
		var out []decimal.Decimal
		for _, p := range strings.Split(s, ",") {
			d, err := parseDecimal(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("%w: snap %q: %v", ErrBadParam, s, err)
			}
			out = append(out, d)
		}
		return out, nil
	case []any:
		out := make([]decimal.Decimal, 0, len(s))
		for _, x := range s {
			d, err := parseDecimal(fmt.Sprint(x))
			if err != nil {
				return nil, fmt.Errorf("%w: snap value %v: %v", ErrBadParam, x, err)
			}
			out = append(out, d)
		}
		return out, nil
	case []string:
		return snapValues(toAny(s))
	default:
		return nil, fmt.Errorf("%w: snap must be a list or %q", ErrBadParam, RetailML)
	}
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
