package config

// This file adds the linter for RuleSet values. It performs static checks
// over a decoded RuleSet and returns a list of issues (errors and warnings)
// that callers can surface in a CLI or tests. Operation-specific parameter
// checks live with the action factory, which knows the operations.

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/TheStrul/Sacks-new-sub007/internal/condition"
	"github.com/TheStrul/Sacks-new-sub007/internal/state"
	"github.com/TheStrul/Sacks-new-sub007/internal/textutil"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding that should be surfaced to users
	// but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding.
//
// Path is a dotted path into the config (e.g. "columns[0].rule.steps[2].params.pattern").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// Errorf builds an error-severity issue.
func Errorf(path, format string, args ...any) Issue {
	return Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)}
}

// Warnf builds a warning-severity issue.
func Warnf(path, format string, args ...any) Issue {
	return Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)}
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Err folds the error-severity issues into one error wrapping
// ErrInvalidRuleSet, or returns nil when there are none.
func Err(issues []Issue) error {
	var errs []error
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			errs = append(errs, iss)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidRuleSet, errors.Join(errs...))
}

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

func getValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		structValidator = v
	})
	return structValidator
}

// Validate performs static validation / linting of a RuleSet. It does not
// mutate the rule set.
//
// Example:
//
//	rs, err := config.Decode(data, config.FormatAuto)
//	if err != nil { ... }
//	for _, iss := range config.Validate(rs) {
//	    fmt.Printf("%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
//	}
func Validate(rs *RuleSet) []Issue {
	if rs == nil {
		return []Issue{Errorf("", "rule set is nil")}
	}

	issues := validateStruct(rs)
	issues = append(issues, validateLookups(rs.Lookups)...)
	issues = append(issues, validateColumns(rs.Columns)...)
	return issues
}

// validateStruct runs the tag-based checks and converts validator errors to
// issues whose paths use the JSON names.
func validateStruct(rs *RuleSet) []Issue {
	err := getValidator().Struct(rs)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Issue{Errorf("", "%v", err)}
	}
	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if _, rest, ok := strings.Cut(path, "."); ok {
			path = rest
		}
		issues = append(issues, Errorf(path, "failed %q validation (value %v)", fe.Tag(), fe.Value()))
	}
	return issues
}

func validateLookups(lookups map[string]map[string]string) []Issue {
	var issues []Issue
	seen := map[string]string{}
	for name, entries := range lookups {
		path := fmt.Sprintf("lookups.%s", name)
		if strings.TrimSpace(name) == "" {
			issues = append(issues, Errorf(path, "lookup table name must not be empty"))
			continue
		}
		k := textutil.Key(name)
		if other, dup := seen[k]; dup {
			issues = append(issues, Errorf(path, "lookup table name collides with %q (names are case-insensitive)", other))
		}
		seen[k] = name
		if len(entries) == 0 {
			issues = append(issues, Warnf(path, "lookup table is empty"))
		}
	}
	return issues
}

func validateColumns(cols []ColumnRule) []Issue {
	var issues []Issue
	seen := map[string]int{}
	for i, c := range cols {
		path := fmt.Sprintf("columns[%d]", i)
		if k := textutil.Key(c.Column); k != "" {
			if prev, dup := seen[k]; dup {
				issues = append(issues, Errorf(path+".column", "column %q already configured at columns[%d]", c.Column, prev))
			}
			seen[k] = i
		}

		if c.Rule == nil && len(c.Rules) == 0 {
			issues = append(issues, Errorf(path, "column %q has no rule", c.Column))
			continue
		}
		if c.Rule != nil && len(c.Rules) > 0 {
			issues = append(issues, Warnf(path, "both rule and rules are set; rule runs first"))
		}

		if c.Rule != nil {
			issues = append(issues, validateRule(path+".rule", *c.Rule)...)
		}
		for j, r := range c.Rules {
			issues = append(issues, validateRule(fmt.Sprintf("%s.rules[%d]", path, j), r)...)
		}
	}
	return issues
}

func validateRule(path string, r Rule) []Issue {
	var issues []Issue
	if len(r.Steps) == 0 && len(r.Assign) == 0 {
		issues = append(issues, Warnf(path, "rule has neither steps nor static assignments"))
	}
	for prop := range r.Assign {
		if strings.TrimSpace(prop) == "" {
			issues = append(issues, Errorf(path+".assign", "static assignment property must not be empty"))
		}
	}
	for i, s := range r.Steps {
		issues = append(issues, validateStep(fmt.Sprintf("%s.steps[%d]", path, i), s)...)
	}
	return issues
}

func validateStep(path string, s Step) []Issue {
	var issues []Issue
	if strings.TrimSpace(s.Op) == "" {
		// Reported by the struct validator.
		return nil
	}

	if s.In != "" {
		if _, err := state.ParseRef(s.In); err != nil {
			issues = append(issues, Errorf(path+".in", "%v", err))
		}
	}
	if s.Out != "" {
		ref, err := state.ParseRef(s.Out)
		switch {
		case err != nil:
			issues = append(issues, Errorf(path+".out", "%v", err))
		case !ref.Plain():
			issues = append(issues, Errorf(path+".out", "output %q must be a plain name", s.Out))
		}
	}
	if s.Condition != "" {
		e, err := condition.Parse(s.Condition)
		switch {
		case err != nil:
			issues = append(issues, Errorf(path+".condition", "%v", err))
		case e != nil && e.Op == condition.OpNone:
			issues = append(issues, Warnf(path+".condition", "condition %q has no == or != operator; the step will never run", s.Condition))
		}
	}
	return issues
}
