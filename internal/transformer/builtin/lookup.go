package builtin

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/TheStrul/Sacks-new-sub007/internal/lookup"
	"github.com/TheStrul/Sacks-new-sub007/internal/state"
	"github.com/TheStrul/Sacks-new-sub007/internal/textutil"
	"github.com/TheStrul/Sacks-new-sub007/internal/transformer"
)

// MappedKey marks a condmap segment whose pieces go through the mapping
// tables instead of being written directly.
const MappedKey = "*"

type mappingParam struct {
	Table string `mapstructure:"table"`
	Out   string `mapstructure:"out"`
}

type condMapParams struct {
	Delimiter    string         `mapstructure:"delimiter"`
	SubDelimiter string         `mapstructure:"subDelimiter"`
	Keys         []string       `mapstructure:"keys"`
	Mappings     []mappingParam `mapstructure:"mappings"`
}

type tableOut struct {
	table lookup.Reader
	out   string
}

// CondMap splits its input into positional segments. Each segment is written
// to the output named by the key at the same position; a segment whose key
// is "*" is split again on the sub-delimiter and every piece is looked up in
// the mapping tables in order, the first hit assigning that table's output.
//
//	input  "CHANEL:MENS|TESTER:T123"
//	keys   [Brand, *, Ref]
//	maps   [{gender -> Gender}, {type -> Type}]
//	yields Brand=CHANEL Gender=M Type=Tester Ref=T123
//
// Empty segments and pieces found in no table are skipped. The segment list
// is stored under the step's output name when one is given.
type CondMap struct {
	target
	delimiter    string
	subDelimiter string
	keys         []string
	mappings     []tableOut
}

// Execute implements transformer.Action.
func (c *CondMap) Execute(bag *state.Bag, _ transformer.Cell) (bool, error) {
	in, _ := c.input(bag)
	if strings.TrimSpace(in) == "" {
		if c.out != "" {
			bag.Put(c.out, state.Miss().WithClean(in))
		}
		return false, nil
	}

	segs := strings.Split(in, c.delimiter)
	for i := range segs {
		segs[i] = strings.TrimSpace(segs[i])
	}
	if c.out != "" {
		bag.Put(c.out, state.List(segs).WithClean(in))
	}

	written := map[string]bool{}
	emit := func(name, v string) {
		k := textutil.Key(name)
		if written[k] {
			return
		}
		written[k] = true
		bag.Write(name, c.assign, v, c.step, c.op)
	}

	for i, seg := range segs {
		if i >= len(c.keys) || seg == "" {
			continue
		}
		key := c.keys[i]
		switch key {
		case "", "-":
			continue
		case MappedKey:
			for _, piece := range strings.Split(seg, c.subDelimiter) {
				piece = strings.TrimSpace(piece)
				if piece == "" {
					continue
				}
				for _, m := range c.mappings {
					if v, ok := m.table.Lookup(piece); ok && v != "" {
						emit(m.out, v)
						break
					}
				}
			}
		default:
			emit(key, seg)
		}
	}
	return len(written) > 0, nil
}

type mapParams struct {
	Table         string `mapstructure:"table"`
	AddIfNotFound bool   `mapstructure:"addIfNotFound"`
}

// Map looks its input up in a table, ignoring case.
//
// With add-if-not-found the action is stateful: a miss is title-cased with
// the configured culture, inserted into the shared table and written as the
// result, so later rows resolve it by lookup. This is the only action that
// mutates shared state and it does so through the table's own lock.
type Map struct {
	target
	table   lookup.Reader
	mutable *lookup.Table
	culture language.Tag
}

// Execute implements transformer.Action.
func (m *Map) Execute(bag *state.Bag, _ transformer.Cell) (bool, error) {
	in, _ := m.input(bag)
	if strings.TrimSpace(in) == "" {
		m.miss(bag)
		return false, nil
	}
	if v, ok := m.table.Lookup(in); ok && v != "" {
		m.write(bag, v)
		return true, nil
	}
	var v string
	if m.mutable != nil {
		v = m.mutable.Add(in, textutil.Title(m.culture, in))
	}
	if v == "" {
		m.miss(bag)
		return false, nil
	}
	m.write(bag, v)
	return true, nil
}

// WhenPrefix introduces a switch case key ("when:EDP").
const WhenPrefix = "when:"

type switchParams struct {
	Default    *string           `mapstructure:"default"`
	IgnoreCase bool              `mapstructure:"ignoreCase"`
	Cases      map[string]string `mapstructure:"cases"`
	Rest       map[string]any    `mapstructure:",remain"`
}

// Switch dispatches on the exact input value. A missing input is matched as
// the empty string, so the default still applies.
type Switch struct {
	target
	cases      map[string]string
	def        string
	hasDefault bool
	ignoreCase bool
}

func (s *Switch) key(v string) string {
	if s.ignoreCase {
		return textutil.Fold(v)
	}
	return v
}

// Execute implements transformer.Action.
func (s *Switch) Execute(bag *state.Bag, _ transformer.Cell) (bool, error) {
	in, _ := s.input(bag)
	v, ok := s.cases[s.key(in)]
	if !ok {
		v = s.def
	}
	if v == "" {
		s.miss(bag)
		return false, nil
	}
	s.write(bag, v)
	return true, nil
}
