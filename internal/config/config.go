// Package config defines the canonical, JSON-serializable rule-set model for
// the normalization engine and the helpers to load it.
//
// A rule set has three sections:
//
//	{
//	  "settings": { "conflict_policy": "first_wins", "culture": "en-US", "stop_on_first_match": false },
//	  "lookups":  { "gender": { "MENS": "M", "WOMENS": "W" } },
//	  "columns":  [
//	    { "column": "Description",
//	      "rule": {
//	        "assign": { "Source": "supplier-a" },
//	        "steps": [
//	          { "op": "find", "in": "Text", "out": "Size", "params": { "pattern": "(?<value>\\d+)\\s*(?<unit>ml)", "options": "first,remove,ignorecase" } },
//	          { "op": "assign", "in": "Size[0].value", "out": "SizeValue", "assign": true, "condition": "Size.Valid == true" }
//	        ] } }
//	  ]
//	}
//
// JSON is the canonical encoding; YAML documents are converted to JSON before
// decoding so both share one set of struct tags. Structural keys are
// snake_case; action parameter keys (inside "params") use the action's own
// names (pattern, fromUnit, subDelimiter, ...).
package config

import (
	"encoding/json"
	"fmt"

	"github.com/zeebo/xxh3"
)

// ConflictPolicy decides what happens when two rules assign the same output
// property for one row.
type ConflictPolicy string

const (
	// FirstWins keeps the first value and rejects later ones.
	FirstWins ConflictPolicy = "first_wins"
	// LastWins lets a later value replace an earlier one.
	LastWins ConflictPolicy = "last_wins"
)

// RuleSet is the top-level object decoded from a rules file.
type RuleSet struct {
	Settings Settings `json:"settings"`

	// Lookups are the named tables (table -> input -> output) referenced by
	// map/condmap steps. Additional tables may be supplied at engine
	// construction time from an external source.
	Lookups map[string]map[string]string `json:"lookups,omitempty"`

	// Columns binds spreadsheet columns to rules, in processing order.
	Columns []ColumnRule `json:"columns" validate:"required,min=1,dive"`
}

// Settings are the engine-wide knobs.
type Settings struct {
	// ConflictPolicy is first_wins or last_wins. Empty means last_wins.
	ConflictPolicy ConflictPolicy `json:"conflict_policy,omitempty" validate:"omitempty,oneof=first_wins last_wins"`

	// Culture is a BCP 47 tag used for culture-aware casing (e.g. "en-US").
	Culture string `json:"culture,omitempty" validate:"omitempty,bcp47_language_tag"`

	// StopOnFirstMatch stops a column's rule list at the first rule that
	// produced at least one assignment.
	StopOnFirstMatch bool `json:"stop_on_first_match,omitempty"`

	// Strict turns degradations (unknown operation -> passthrough, invalid
	// regular expression -> faulting step) into build errors.
	Strict bool `json:"strict,omitempty"`
}

// Policy returns the effective conflict policy.
func (s Settings) Policy() ConflictPolicy {
	if s.ConflictPolicy == "" {
		return LastWins
	}
	return s.ConflictPolicy
}

// ColumnRule binds one column to either a single rule or an ordered list of
// rules.
type ColumnRule struct {
	// Column is the spreadsheet column name, matched case-insensitively.
	Column string `json:"column" validate:"required"`

	Rule  *Rule  `json:"rule,omitempty"`
	Rules []Rule `json:"rules,omitempty" validate:"dive"`
}

// AllRules returns the column's rules in execution order.
func (c ColumnRule) AllRules() []Rule {
	out := make([]Rule, 0, len(c.Rules)+1)
	if c.Rule != nil {
		out = append(out, *c.Rule)
	}
	return append(out, c.Rules...)
}

// Rule is one ordered chain of steps plus constant seed assignments.
type Rule struct {
	// Name identifies the rule in provenance and traces. Optional.
	Name string `json:"name,omitempty"`

	// Assign holds constants written as output properties before the first
	// step runs.
	Assign map[string]string `json:"assign,omitempty"`

	Steps []Step `json:"steps" validate:"dive"`
}

// Step is the declarative form of one action.
type Step struct {
	// Op names the operation (assign, find, split, condmap, map, switch,
	// convert, concat, clear, remove_leading).
	Op string `json:"op" validate:"required"`

	// In is the working-state reference read by the action.
	In string `json:"in,omitempty"`

	// Out is the variable or property written by the action. An "assign:"
	// prefix is equivalent to Assign=true.
	Out string `json:"out,omitempty"`

	// Assign marks Out as a final output property rather than a variable.
	Assign bool `json:"assign,omitempty"`

	// Condition is an optional guard expression; the step runs only when it
	// evaluates to true.
	Condition string `json:"condition,omitempty"`

	// Params is interpreted by the selected operation.
	Params Options `json:"params,omitempty"`
}

// Fingerprint returns a stable hash of the rule set, used to tag outputs
// with the exact configuration that produced them.
func (rs *RuleSet) Fingerprint() string {
	b, err := json.Marshal(rs)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxh3.Hash(b))
}

// Options is a small helper to fetch typed values from arbitrary JSON maps.
// It performs only minimal type coercion and returns provided defaults when a
// key is absent or of an unexpected type.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers are decoded as
// float64 by encoding/json, so this method accepts float64 and casts to int.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// StringMap returns a map[string]string for key when the value is an object
// whose values are strings. Non-string values are ignored.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	if v, ok := o[key]; ok {
		if m, ok := v.(map[string]any); ok {
			for k, vv := range m {
				if s, ok := vv.(string); ok {
					res[k] = s
				}
			}
		}
	}
	return res
}

// StringSlice returns a []string for key when the value is an array of
// strings. Returns nil when the key is missing or the value is not an array.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// Has reports whether key is present.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// Any returns the raw value for key.
func (o Options) Any(key string) any {
	if v, ok := o[key]; ok {
		return v
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler so that a missing or null
// "params" object decodes to a non-nil, empty Options map.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
