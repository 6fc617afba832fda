package engine

import (
	"github.com/TheStrul/Sacks-new-sub007/internal/textutil"
	"github.com/TheStrul/Sacks-new-sub007/internal/transformer"
)

// Row is one input row: column name -> raw cell text. A column missing from
// the map is absent and is not processed; an empty string is processed.
type Row map[string]string

// Provenance identifies the step that produced a property value. Static
// assignments carry Step -1 and Op "static".
type Provenance struct {
	Column string `json:"column"`
	Rule   string `json:"rule"`
	Step   int    `json:"step"`
	Op     string `json:"op"`
}

// Property is one output property of a row.
type Property struct {
	Name   string     `json:"name"`
	Value  string     `json:"value"`
	Source Provenance `json:"source"`
}

// MergeKind classifies a conflict-policy decision.
type MergeKind string

const (
	MergeSet       MergeKind = "set"
	MergeOverwrite MergeKind = "overwrite"
	MergeReject    MergeKind = "reject"
)

// MergeEvent records how one harvested assignment was merged into the row.
type MergeEvent struct {
	Property string     `json:"property"`
	Value    string     `json:"value"`
	Source   Provenance `json:"source"`
	Kind     MergeKind  `json:"kind"`
}

// ChainTrace is the step trace of one rule run against one column.
type ChainTrace struct {
	Column  string                   `json:"column"`
	Rule    string                   `json:"rule"`
	Matched bool                     `json:"matched"`
	Steps   []transformer.TraceEntry `json:"steps"`
}

// Result holds the merged properties of one row in first-assignment order,
// together with the merge decisions and chain traces that produced them.
type Result struct {
	RowIndex int          `json:"row"`
	Merges   []MergeEvent `json:"merges,omitempty"`
	Traces   []ChainTrace `json:"traces,omitempty"`

	props []Property
	index map[string]int // folded property name -> position in props
}

func newResult(rowIndex int) *Result {
	return &Result{RowIndex: rowIndex, index: map[string]int{}}
}

// merge applies the conflict policy to one assignment.
func (r *Result) merge(name, value string, src Provenance, firstWins bool) MergeKind {
	k := textutil.Key(name)
	i, exists := r.index[k]
	kind := MergeSet
	switch {
	case !exists:
		r.index[k] = len(r.props)
		r.props = append(r.props, Property{Name: name, Value: value, Source: src})
	case firstWins:
		kind = MergeReject
	default:
		kind = MergeOverwrite
		r.props[i].Value = value
		r.props[i].Source = src
	}
	r.Merges = append(r.Merges, MergeEvent{Property: name, Value: value, Source: src, Kind: kind})
	return kind
}

// Get returns the value of the named property (case-insensitive).
func (r *Result) Get(name string) (string, bool) {
	p, ok := r.Property(name)
	return p.Value, ok
}

// Property returns the named property with its provenance.
func (r *Result) Property(name string) (Property, bool) {
	i, ok := r.index[textutil.Key(name)]
	if !ok {
		return Property{}, false
	}
	return r.props[i], true
}

// Properties returns a copy of the properties in first-assignment order.
func (r *Result) Properties() []Property {
	out := make([]Property, len(r.props))
	copy(out, r.props)
	return out
}

// Values returns the properties as a name -> value map.
func (r *Result) Values() map[string]string {
	out := make(map[string]string, len(r.props))
	for _, p := range r.props {
		out[p.Name] = p.Value
	}
	return out
}

// Len returns the number of properties.
func (r *Result) Len() int { return len(r.props) }

// Matched reports whether the row produced at least one property.
func (r *Result) Matched() bool { return len(r.props) > 0 }

// Faults counts fault entries across all chain traces.
func (r *Result) Faults() int {
	n := 0
	for _, t := range r.Traces {
		for _, s := range t.Steps {
			if s.Status == transformer.StatusFault {
				n++
			}
		}
	}
	return n
}
