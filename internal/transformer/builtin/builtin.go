// Package builtin implements the fixed action vocabulary of normalization
// rules and the factory that compiles declarative steps into actions.
//
// Actions are built once per rule and reused across rows. Regular
// expressions are compiled at build time and lookup tables are resolved at
// build time, so a rule that builds successfully never fails for
// configuration reasons while processing rows.
package builtin

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/text/language"

	"github.com/TheStrul/Sacks-new-sub007/internal/config"
	"github.com/TheStrul/Sacks-new-sub007/internal/lookup"
	"github.com/TheStrul/Sacks-new-sub007/internal/state"
)

var (
	// ErrMissingParam is returned when a step lacks a required parameter.
	ErrMissingParam = errors.New("builtin: missing required parameter")
	// ErrUnknownTable is returned when a step references a lookup table that
	// was never loaded. It is the lookup package's sentinel, so errors.Is
	// works with either name.
	ErrUnknownTable = lookup.ErrUnknownTable
	// ErrUnknownOp is returned in strict mode for unknown operation names.
	ErrUnknownOp = errors.New("builtin: unknown operation")
	// ErrBadParam is returned for parameters of the wrong shape.
	ErrBadParam = errors.New("builtin: invalid parameter")
)

// DefaultRegexCacheSize bounds the shared compile cache.
const DefaultRegexCacheSize = 512

// Env carries the build-time collaborators of the factory.
type Env struct {
	// Tables resolves map/condmap table names. Nil means no tables.
	Tables *lookup.Set
	// Culture drives title casing for Map's add-if-not-found mode.
	Culture language.Tag
	// Strict turns degradations into build errors.
	Strict bool
	// Regexps caches compiled patterns. Nil uses a process-wide cache.
	Regexps *RegexCache
}

func (e Env) regexps() *RegexCache {
	if e.Regexps != nil {
		return e.Regexps
	}
	return sharedRegexps()
}

func (e Env) tables() *lookup.Set {
	if e.Tables != nil {
		return e.Tables
	}
	return lookup.NewSet(nil)
}

// RegexCache is an LRU of compiled patterns. Compilation errors are not
// cached.
type RegexCache struct {
	cache *lru.Cache[string, *regexp.Regexp]
}

// NewRegexCache returns a cache holding at most size patterns.
func NewRegexCache(size int) (*RegexCache, error) {
	c, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		return nil, fmt.Errorf("regex cache: %w", err)
	}
	return &RegexCache{cache: c}, nil
}

// Compile returns the compiled form of pattern.
func (c *RegexCache) Compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := c.cache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.cache.Add(pattern, re)
	return re, nil
}

// Len returns the number of cached patterns.
func (c *RegexCache) Len() int { return c.cache.Len() }

var (
	sharedOnce sync.Once
	shared     *RegexCache
)

func sharedRegexps() *RegexCache {
	sharedOnce.Do(func() {
		shared, _ = NewRegexCache(DefaultRegexCacheSize)
	})
	return shared
}

// target is the input/output binding shared by every action.
type target struct {
	in     state.Ref
	out    string
	assign bool
	step   int
	op     string
}

func (t target) input(bag *state.Bag) (string, bool) {
	return bag.Get(t.in)
}

// write stores a scalar output as an assignment or a variable.
func (t target) write(bag *state.Bag, v string) {
	bag.Write(t.out, t.assign, v, t.step, t.op)
}

// miss records the explicit no-match marker in variable mode. Assignments
// are never written on a miss.
func (t target) miss(bag *state.Bag) {
	if !t.assign {
		bag.Put(t.out, state.Miss())
	}
}

// publish stores a list-like result in one Put and, in assignment mode, also
// assigns its scalar value. Invalid results are never assigned.
func (t target) publish(bag *state.Bag, r state.Result) {
	bag.Put(t.out, r)
	if t.assign && r.Valid && r.Value != "" {
		bag.Assign(t.out, r.Value, t.step, t.op)
	}
}

// decodeParams decodes a step's params into out and reports keys that no
// field consumed.
func decodeParams(p config.Options, out any) ([]string, error) {
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           out,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(map[string]any(p)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadParam, err)
	}
	return md.Unused, nil
}

// options parses a comma separated option list into a lower-cased set.
func options(s string) map[string]bool {
	out := map[string]bool{}
	for _, o := range strings.Split(s, ",") {
		o = strings.ToLower(strings.TrimSpace(o))
		if o != "" {
			out[o] = true
		}
	}
	return out
}

// splitList flattens a list parameter, accepting either a real list or a
// single comma separated string.
func splitList(in []string) []string {
	if len(in) != 1 || !strings.Contains(in[0], ",") {
		return in
	}
	parts := strings.Split(in[0], ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
