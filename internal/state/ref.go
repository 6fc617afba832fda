package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// AssignPrefix marks a reference to a final output property instead of a
// scratch variable ("assign:Brand").
const AssignPrefix = "assign:"

// ErrBadRef is returned by ParseRef for malformed references.
var ErrBadRef = errors.New("state: malformed reference")

// Field selects which part of a Result a Ref addresses.
type Field int

const (
	// FieldValue is the scalar value ("Name").
	FieldValue Field = iota
	// FieldIndex is one element of a list result ("Name[i]").
	FieldIndex
	// FieldGroup is a named capture group of one match ("Name[i].group").
	FieldGroup
	// FieldClean is the residual text ("Name.Clean").
	FieldClean
	// FieldLength is the number of values ("Name.Length").
	FieldLength
	// FieldValid is the validity flag ("Name.Valid").
	FieldValid
)

func (f Field) String() string {
	switch f {
	case FieldValue:
		return "value"
	case FieldIndex:
		return "index"
	case FieldGroup:
		return "group"
	case FieldClean:
		return "clean"
	case FieldLength:
		return "length"
	case FieldValid:
		return "valid"
	default:
		return "unknown"
	}
}

// Ref is a parsed working-state address. Refs are parsed once when a rule is
// built; execution never re-parses key strings.
type Ref struct {
	Name       string
	Assignment bool
	Field      Field
	Index      int
	Group      string
}

// Var returns a plain variable reference.
func Var(name string) Ref { return Ref{Name: name} }

// Prop returns a plain assignment reference.
func Prop(name string) Ref { return Ref{Name: name, Assignment: true} }

// Plain reports whether r addresses a whole scalar and can therefore be
// written to.
func (r Ref) Plain() bool { return r.Field == FieldValue }

// IsZero reports whether r is the zero Ref (no name).
func (r Ref) IsZero() bool { return r.Name == "" }

// String renders r back to its textual form.
func (r Ref) String() string {
	var b strings.Builder
	if r.Assignment {
		b.WriteString(AssignPrefix)
	}
	b.WriteString(r.Name)
	switch r.Field {
	case FieldIndex:
		fmt.Fprintf(&b, "[%d]", r.Index)
	case FieldGroup:
		fmt.Fprintf(&b, "[%d].%s", r.Index, r.Group)
	case FieldClean:
		b.WriteString(".Clean")
	case FieldLength:
		b.WriteString(".Length")
	case FieldValid:
		b.WriteString(".Valid")
	}
	return b.String()
}

// ParseRef parses the textual address forms:
//
//	Name            scalar value
//	Name[i]         i-th value
//	Name[i].group   named group of the i-th match
//	Name.group      named group of the first match
//	Name.Clean      residual text
//	Name.Length     value count
//	Name.Valid      validity flag
//	assign:Name     final output property
//
// The accessor names Clean, Length and Valid are case-insensitive.
func ParseRef(s string) (Ref, error) {
	raw := s
	s = strings.TrimSpace(s)
	var r Ref
	if len(s) >= len(AssignPrefix) && strings.EqualFold(s[:len(AssignPrefix)], AssignPrefix) {
		r.Assignment = true
		s = strings.TrimSpace(s[len(AssignPrefix):])
	}

	end := strings.IndexAny(s, "[.")
	if end < 0 {
		end = len(s)
	}
	r.Name = strings.TrimSpace(s[:end])
	if r.Name == "" || strings.ContainsRune(r.Name, ']') {
		return Ref{}, fmt.Errorf("%w: %q: missing name", ErrBadRef, raw)
	}
	rest := s[end:]

	indexed := false
	if strings.HasPrefix(rest, "[") {
		closeAt := strings.IndexByte(rest, ']')
		if closeAt < 0 {
			return Ref{}, fmt.Errorf("%w: %q: unterminated index", ErrBadRef, raw)
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest[1:closeAt]))
		if err != nil || n < 0 {
			return Ref{}, fmt.Errorf("%w: %q: index must be a non-negative integer", ErrBadRef, raw)
		}
		r.Field = FieldIndex
		r.Index = n
		indexed = true
		rest = rest[closeAt+1:]
	}

	if rest == "" {
		return r.checkAssignment(raw)
	}
	if !strings.HasPrefix(rest, ".") || len(rest) == 1 {
		return Ref{}, fmt.Errorf("%w: %q: unexpected %q", ErrBadRef, raw, rest)
	}
	acc := rest[1:]
	if strings.ContainsAny(acc, "[].") {
		return Ref{}, fmt.Errorf("%w: %q: unexpected %q", ErrBadRef, raw, rest)
	}

	if !indexed {
		switch strings.ToLower(acc) {
		case "clean":
			r.Field = FieldClean
			return r.checkAssignment(raw)
		case "length":
			r.Field = FieldLength
			return r.checkAssignment(raw)
		case "valid":
			r.Field = FieldValid
			return r.checkAssignment(raw)
		}
	}
	r.Field = FieldGroup
	r.Group = acc
	return r.checkAssignment(raw)
}

// MustRef is ParseRef for constants known to be valid.
func MustRef(s string) Ref {
	r, err := ParseRef(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Ref) checkAssignment(raw string) (Ref, error) {
	if r.Assignment && r.Field != FieldValue {
		return Ref{}, fmt.Errorf("%w: %q: assignments only have a scalar value", ErrBadRef, raw)
	}
	return r, nil
}
