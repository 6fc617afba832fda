package builtin

import (
	"regexp"
	"strings"

	"github.com/TheStrul/Sacks-new-sub007/internal/state"
	"github.com/TheStrul/Sacks-new-sub007/internal/textutil"
	"github.com/TheStrul/Sacks-new-sub007/internal/transformer"
)

// FindMode selects which matches Find keeps.
type FindMode uint8

const (
	FindFirst FindMode = iota
	FindLast
	FindAll
)

// findOptions are the names accepted in a find step's "options" list.
var findOptions = map[string]bool{"first": true, "last": true, "all": true, "remove": true, "ignorecase": true}

type findParams struct {
	Pattern string `mapstructure:"pattern"`
	Options string `mapstructure:"options"`
}

// Find runs a regular expression over its input.
//
// The result's Values are the selected matches, Groups holds the named
// groups of each match and Clean is the input with the selected matches cut
// out (when remove is set) or the untouched input otherwise. A miss stores
// an invalid result whose Clean is the input; when the input itself is
// absent the miss carries no Clean either.
type Find struct {
	target
	re     *regexp.Regexp
	mode   FindMode
	remove bool
	// fault is set when the pattern did not compile; Execute reports it.
	fault error
}

// Execute implements transformer.Action.
func (f *Find) Execute(bag *state.Bag, _ transformer.Cell) (bool, error) {
	in, present := f.input(bag)
	if f.fault != nil {
		f.publish(bag, missOf(in, present))
		return false, f.fault
	}

	all := f.re.FindAllStringSubmatchIndex(in, -1)
	matches := all[:0]
	for _, m := range all {
		if m[1] > m[0] {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		f.publish(bag, missOf(in, present))
		return false, nil
	}

	switch f.mode {
	case FindFirst:
		matches = matches[:1]
	case FindLast:
		matches = matches[len(matches)-1:]
	}

	names := f.re.SubexpNames()
	res := state.Result{
		Values: make([]string, 0, len(matches)),
		Valid:  true,
	}
	hasGroups := false
	for _, n := range names {
		if n != "" {
			hasGroups = true
			break
		}
	}
	if hasGroups {
		res.Groups = make([]map[string]string, 0, len(matches))
	}
	for _, m := range matches {
		res.Values = append(res.Values, in[m[0]:m[1]])
		if !hasGroups {
			continue
		}
		g := make(map[string]string, len(names))
		for i, n := range names {
			if n == "" || m[2*i] < 0 {
				continue
			}
			g[n] = in[m[2*i]:m[2*i+1]]
		}
		res.Groups = append(res.Groups, g)
	}
	res.Value = res.Values[0]

	clean := in
	if f.remove {
		clean = excise(in, matches)
	}
	f.publish(bag, res.WithClean(clean))
	return true, nil
}

// missOf is the no-match marker for input in. The input survives as Clean
// only when it exists.
func missOf(in string, present bool) state.Result {
	if !present {
		return state.Miss()
	}
	return state.Miss().WithClean(in)
}

// excise removes the given match spans from s and collapses whitespace.
func excise(s string, spans [][]int) string {
	var b strings.Builder
	b.Grow(len(s))
	prev := 0
	for _, m := range spans {
		b.WriteString(s[prev:m[0]])
		b.WriteByte(' ')
		prev = m[1]
	}
	b.WriteString(s[prev:])
	return textutil.CollapseWhitespace(b.String())
}

// RemoveLeading scans space separated tokens from the start of its input and
// removes the first one that fully matches the pattern. The removed token is
// the result value; the remaining tokens form Clean.
type RemoveLeading struct {
	target
	re        *regexp.Regexp
	maxTokens int
	fault     error
}

type removeLeadingParams struct {
	Pattern   string `mapstructure:"pattern"`
	Options   string `mapstructure:"options"`
	MaxTokens int    `mapstructure:"maxTokens"`
}

// Execute implements transformer.Action.
func (r *RemoveLeading) Execute(bag *state.Bag, _ transformer.Cell) (bool, error) {
	in, present := r.input(bag)
	if r.fault != nil {
		r.publish(bag, missOf(in, present))
		return false, r.fault
	}

	tokens := strings.Fields(in)
	limit := len(tokens)
	if r.maxTokens > 0 && r.maxTokens < limit {
		limit = r.maxTokens
	}
	for i := 0; i < limit; i++ {
		if !r.re.MatchString(tokens[i]) {
			continue
		}
		removed := tokens[i]
		rest := make([]string, 0, len(tokens)-1)
		rest = append(rest, tokens[:i]...)
		rest = append(rest, tokens[i+1:]...)
		r.publish(bag, state.Scalar(removed).WithClean(strings.Join(rest, " ")))
		return true, nil
	}
	r.publish(bag, missOf(textutil.CollapseWhitespace(in), present))
	return false, nil
}

// anchored wraps pattern so it must match a whole token.
func anchored(pattern string, ignoreCase bool) string {
	p := "^(?:" + pattern + ")$"
	if ignoreCase {
		p = "(?i)" + p
	}
	return p
}
