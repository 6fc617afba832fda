// Package textutil provides the small text primitives shared by the rule
// engine and the row readers:
//
//   - Fold / Key: culture-neutral case folding used for case-insensitive
//     keys (working state, lookup tables, column names).
//   - Title: culture-aware title casing used when a lookup miss is promoted
//     to a canonical value.
//   - CollapseWhitespace / StripHTML: cleanup of supplier free text.
//   - FieldName: header normalization for spreadsheet columns.
//
// Casers from golang.org/x/text are stateful and not safe for concurrent use,
// so every call builds its own.
package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold returns the case-folded form of s.
func Fold(s string) string {
	if s == "" {
		return s
	}
	return cases.Fold().String(s)
}

// Key returns the lookup key for s: NFC-normalized, trimmed, case-folded.
func Key(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	return cases.Fold().String(norm.NFC.String(s))
}

// Culture parses a BCP 47 tag, falling back to language.Und when the tag is
// empty or malformed.
func Culture(tag string) language.Tag {
	if strings.TrimSpace(tag) == "" {
		return language.Und
	}
	t, err := language.Parse(tag)
	if err != nil {
		return language.Und
	}
	return t
}

// Title title-cases s for the given culture ("DOLCE & GABBANA" ->
// "Dolce & Gabbana"). Whitespace is collapsed first.
func Title(tag language.Tag, s string) string {
	s = CollapseWhitespace(s)
	if s == "" {
		return s
	}
	return cases.Title(tag).String(s)
}

// StripHTML removes simplistic markup tags of the form <...> from s.
// The delimiters themselves are also removed. This is a lightweight
// heuristic, not an HTML parser.
func StripHTML(s string) string {
	if s == "" || !strings.ContainsRune(s, '<') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	inTag := false
	for _, r := range s {
		switch r {
		case '<':
			inTag = true
		case '>':
			inTag = false
		default:
			if !inTag {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// CollapseWhitespace replaces runs of Unicode whitespace with a single ASCII
// space and trims both ends.
func CollapseWhitespace(s string) string {
	if s == "" {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	seenSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !seenSpace {
				b.WriteByte(' ')
				seenSpace = true
			}
			continue
		}
		b.WriteRune(r)
		seenSpace = false
	}

	return strings.TrimSpace(b.String())
}

// NormalizeText strips markup and collapses whitespace.
func NormalizeText(s string) string {
	if s == "" {
		return s
	}
	return CollapseWhitespace(StripHTML(s))
}

// FieldName normalizes a spreadsheet header into a stable column name:
//
//  1. trim and strip a leading BOM
//  2. strip accents (NFD -> remove Mn -> NFC)
//  3. collapse inner whitespace to a single space
//
// Case is preserved; column matching is case-insensitive elsewhere.
func FieldName(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "\uFEFF")
	if s == "" {
		return s
	}
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	plain, _, err := transform.String(t, s)
	if err != nil {
		plain = s
	}
	return CollapseWhitespace(plain)
}

// HasEdgeSpace reports whether s starts or ends with an ASCII space or tab,
// letting hot paths skip strings.TrimSpace for already-clean cells.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return first == ' ' || first == '\t' || last == ' ' || last == '\t' ||
		first == '\n' || last == '\n' || first == '\r' || last == '\r'
}
