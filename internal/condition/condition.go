// Package condition implements the guard expressions attached to rule steps.
//
// The language is deliberately tiny:
//
//	<operand> ('==' | '!=') <operand>
//
// Operands are quoted literals ('x' or "x"), integers, booleans (true/false),
// or working-state references (Name, Name[i], Name[i].group, Name.Clean,
// Name.Length, Name.Valid, assign:Name). References that cannot be resolved,
// and tokens that are not valid operands at all, evaluate to the empty
// string. Comparison is exact string equality. The only parse error is an
// unterminated quote.
//
// Expressions are parsed once, when the rule is built, and evaluated many
// times. Evaluation never mutates the working state.
package condition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/TheStrul/Sacks-new-sub007/internal/state"
)

// ErrSyntax is returned for expressions that cannot be parsed.
var ErrSyntax = errors.New("condition: syntax error")

// Op is a comparison operator.
type Op int

const (
	// OpNone marks an expression without a recognized operator; it always
	// evaluates to false.
	OpNone Op = iota
	OpEqual
	OpNotEqual
)

func (o Op) String() string {
	switch o {
	case OpEqual:
		return "=="
	case OpNotEqual:
		return "!="
	default:
		return ""
	}
}

// Getter is the read side of the working state.
type Getter interface {
	Get(ref state.Ref) (string, bool)
}

// Operand is one side of a comparison.
type Operand interface {
	Resolve(g Getter) string
	String() string
}

// Literal is a constant operand.
type Literal struct {
	Value string
	// Quoted records whether the literal was written with quotes; it only
	// matters for String.
	Quoted bool
}

// Resolve implements Operand.
func (l Literal) Resolve(Getter) string { return l.Value }

func (l Literal) String() string {
	if l.Quoted {
		return strconv.Quote(l.Value)
	}
	return l.Value
}

// Reference is a working-state lookup operand.
type Reference struct {
	Ref state.Ref
}

// Resolve implements Operand. Missing keys resolve to "".
func (r Reference) Resolve(g Getter) string {
	v, _ := g.Get(r.Ref)
	return v
}

func (r Reference) String() string { return r.Ref.String() }

// Unresolved is a token that is neither a literal nor a valid reference. It
// resolves to "".
type Unresolved struct {
	Text string
}

// Resolve implements Operand.
func (Unresolved) Resolve(Getter) string { return "" }

func (u Unresolved) String() string { return u.Text }

// Expr is a parsed guard expression.
type Expr struct {
	Left  Operand
	Op    Op
	Right Operand
	src   string
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.src }

func (e *Expr) String() string {
	if e.Op == OpNone {
		return e.src
	}
	return fmt.Sprintf("%s %s %s", e.Left, e.Op, e.Right)
}

// Unresolved returns the text of every operand that could not be parsed as a
// literal or reference.
func (e *Expr) Unresolved() []string {
	if e == nil {
		return nil
	}
	var out []string
	for _, o := range []Operand{e.Left, e.Right} {
		if u, ok := o.(Unresolved); ok {
			out = append(out, u.Text)
		}
	}
	return out
}

// Eval evaluates the expression. A nil expression is always true (no guard);
// an expression without an operator is always false.
func (e *Expr) Eval(g Getter) bool {
	if e == nil {
		return true
	}
	switch e.Op {
	case OpEqual:
		return e.Left.Resolve(g) == e.Right.Resolve(g)
	case OpNotEqual:
		return e.Left.Resolve(g) != e.Right.Resolve(g)
	default:
		return false
	}
}

// Parse parses src. Empty text yields a nil expression (no guard). Text with
// no operator yields an expression that evaluates to false, so the guarded
// step is skipped rather than the rule being rejected.
func Parse(src string) (*Expr, error) {
	text := strings.TrimSpace(src)
	if text == "" {
		return nil, nil
	}

	at, op, err := findOperator(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrSyntax, src, err)
	}
	if op == OpNone {
		return &Expr{Op: OpNone, src: src}, nil
	}

	return &Expr{Left: parseOperand(text[:at]), Op: op, Right: parseOperand(text[at+2:]), src: src}, nil
}

// MustParse is Parse for expressions known to be valid.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

// findOperator returns the byte offset of the first '==' or '!=' outside of
// quotes.
func findOperator(s string) (int, Op, error) {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '=', '!':
			if i+1 < len(s) && s[i+1] == '=' {
				if c == '=' {
					return i, OpEqual, nil
				}
				return i, OpNotEqual, nil
			}
		}
	}
	if quote != 0 {
		return 0, OpNone, errors.New("unterminated quote")
	}
	return 0, OpNone, nil
}

func parseOperand(s string) Operand {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unresolved{}
	}

	if q := s[0]; q == '\'' || q == '"' {
		if len(s) < 2 || s[len(s)-1] != q {
			return Unresolved{Text: s}
		}
		body := s[1 : len(s)-1]
		if strings.IndexByte(body, q) >= 0 {
			return Unresolved{Text: s}
		}
		return Literal{Value: body, Quoted: true}
	}

	if _, err := strconv.Atoi(s); err == nil {
		return Literal{Value: s}
	}
	switch strings.ToLower(s) {
	case "true", "false":
		return Literal{Value: strings.ToLower(s)}
	}

	ref, err := state.ParseRef(s)
	if err != nil {
		return Unresolved{Text: s}
	}
	return Reference{Ref: ref}
}
