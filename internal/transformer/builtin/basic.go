package builtin

import (
	"strings"

	"github.com/TheStrul/Sacks-new-sub007/internal/state"
	"github.com/TheStrul/Sacks-new-sub007/internal/transformer"
)

// Assign copies its input, or a constant, to its output.
type Assign struct {
	target
	value    string
	hasValue bool
}

type assignParams struct {
	Value *string `mapstructure:"value"`
}

// Execute implements transformer.Action.
func (a *Assign) Execute(bag *state.Bag, _ transformer.Cell) (bool, error) {
	v := a.value
	if !a.hasValue {
		var ok bool
		if v, ok = a.input(bag); !ok {
			a.miss(bag)
			return false, nil
		}
	}
	if strings.TrimSpace(v) == "" {
		a.miss(bag)
		return false, nil
	}
	a.write(bag, v)
	return true, nil
}

// Split breaks its input on a literal delimiter. Parts are trimmed and keep
// their positions, so Name[i] addresses the i-th field even when earlier
// fields are empty.
type Split struct {
	target
	delimiter string
}

type splitParams struct {
	Delimiter string `mapstructure:"delimiter"`
}

// Execute implements transformer.Action.
func (s *Split) Execute(bag *state.Bag, _ transformer.Cell) (bool, error) {
	in, present := s.input(bag)
	if strings.TrimSpace(in) == "" {
		s.publish(bag, missOf(in, present))
		return false, nil
	}
	parts := strings.Split(in, s.delimiter)
	nonEmpty := false
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
		nonEmpty = nonEmpty || parts[i] != ""
	}
	if !nonEmpty {
		s.publish(bag, state.Miss().WithClean(in))
		return false, nil
	}
	s.publish(bag, state.List(parts).WithClean(in))
	return true, nil
}

// Concat joins several references with a separator, skipping blank parts.
type Concat struct {
	target
	keys      []state.Ref
	separator string
}

type concatParams struct {
	Keys      []string `mapstructure:"keys"`
	Separator *string  `mapstructure:"separator"`
}

// Execute implements transformer.Action.
func (c *Concat) Execute(bag *state.Bag, _ transformer.Cell) (bool, error) {
	parts := make([]string, 0, len(c.keys))
	for _, k := range c.keys {
		v, _ := bag.Get(k)
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		c.miss(bag)
		return false, nil
	}
	c.write(bag, strings.Join(parts, c.separator))
	return true, nil
}

// Clear forces its output to the empty string.
type Clear struct {
	target
}

// Execute implements transformer.Action.
func (c *Clear) Execute(bag *state.Bag, _ transformer.Cell) (bool, error) {
	c.write(bag, "")
	return true, nil
}

// Passthrough copies its input verbatim. The factory substitutes it for
// unknown operations outside strict mode.
type Passthrough struct {
	target
}

// Execute implements transformer.Action.
func (p *Passthrough) Execute(bag *state.Bag, _ transformer.Cell) (bool, error) {
	v, ok := p.input(bag)
	if !ok || v == "" {
		p.miss(bag)
		return false, nil
	}
	p.write(bag, v)
	return true, nil
}
