package config

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// RuleSet decoding tests
// -----------------------------------------------------------------------------
//
// These tests validate that rule documents in both encodings decode into the
// intended Go struct graph. They parse from inline strings to stay hermetic.

const ruleSetJSON = `{
  "settings": { "conflict_policy": "first_wins", "culture": "en-US", "stop_on_first_match": true },
  "lookups": { "gender": { "MENS": "M", "WOMENS": "W" } },
  "columns": [
    {
      "column": "Description",
      "rule": {
        "name": "desc",
        "assign": { "Source": "supplier-a" },
        "steps": [
          { "op": "find", "in": "Text", "out": "Size",
            "params": { "pattern": "(\\d+)\\s*ml", "options": "first,remove" } },
          { "op": "assign", "in": "Size[0]", "out": "SizeValue", "assign": true,
            "condition": "Size.Valid == true" }
        ]
      }
    },
    { "column": "Price", "rules": [ { "steps": [ { "op": "assign", "in": "Text", "out": "Price", "assign": true } ] } ] }
  ]
}`

const ruleSetYAML = `
settings:
  conflict_policy: first_wins
  culture: en-US
  stop_on_first_match: true
lookups:
  gender:
    MENS: M
    WOMENS: W
columns:
  - column: Description
    rule:
      name: desc
      assign:
        Source: supplier-a
      steps:
        - op: find
          in: Text
          out: Size
          params:
            pattern: '(\d+)\s*ml'
            options: first,remove
        - op: assign
          in: Size[0]
          out: SizeValue
          assign: true
          condition: "Size.Valid == true"
  - column: Price
    rules:
      - steps:
          - op: assign
            in: Text
            out: Price
            assign: true
`

func checkDecoded(t *testing.T, rs *RuleSet) {
	t.Helper()

	assert.Equal(t, FirstWins, rs.Settings.Policy())
	assert.Equal(t, "en-US", rs.Settings.Culture)
	assert.True(t, rs.Settings.StopOnFirstMatch)
	assert.Equal(t, "M", rs.Lookups["gender"]["MENS"])

	require.Len(t, rs.Columns, 2)
	desc := rs.Columns[0]
	assert.Equal(t, "Description", desc.Column)
	require.NotNil(t, desc.Rule)
	assert.Equal(t, "desc", desc.Rule.Name)
	assert.Equal(t, map[string]string{"Source": "supplier-a"}, desc.Rule.Assign)
	require.Len(t, desc.Rule.Steps, 2)

	find := desc.Rule.Steps[0]
	assert.Equal(t, "find", find.Op)
	assert.Equal(t, `(\d+)\s*ml`, find.Params.String("pattern", ""))
	assert.Equal(t, "first,remove", find.Params.String("options", ""))

	asg := desc.Rule.Steps[1]
	assert.True(t, asg.Assign)
	assert.Equal(t, "Size.Valid == true", asg.Condition)

	price := rs.Columns[1]
	assert.Nil(t, price.Rule)
	require.Len(t, price.AllRules(), 1)
}

func TestDecode_JSON(t *testing.T) {
	t.Parallel()

	rs, err := Decode([]byte(ruleSetJSON), FormatAuto)
	require.NoError(t, err)
	checkDecoded(t, rs)
}

func TestDecode_YAML(t *testing.T) {
	t.Parallel()

	rs, err := Decode([]byte(ruleSetYAML), FormatAuto)
	require.NoError(t, err)
	checkDecoded(t, rs)
}

func TestDecode_SameFingerprintForBothEncodings(t *testing.T) {
	t.Parallel()

	a, err := Decode([]byte(ruleSetJSON), FormatJSON)
	require.NoError(t, err)
	b, err := Decode([]byte(ruleSetYAML), FormatYAML)
	require.NoError(t, err)

	assert.NotEmpty(t, a.Fingerprint())
	assert.Len(t, a.Fingerprint(), 16)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Settings.Strict = true
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"columns": [`), FormatAuto)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRuleSet))

	_, err = Decode([]byte("columns: [unclosed\n"), FormatYAML)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRuleSet))
}

func TestFormatFromName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FormatYAML, FormatFromName("rules/fragrance.YAML"))
	assert.Equal(t, FormatYAML, FormatFromName("https://host/rules.yml?rev=3"))
	assert.Equal(t, FormatJSON, FormatFromName("rules.json"))
	assert.Equal(t, FormatAuto, FormatFromName("rules"))
}

type stringSource struct {
	body string
	err  error
}

func (s stringSource) Open(context.Context) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.body)), nil
}

func TestLoad(t *testing.T) {
	t.Parallel()

	rs, err := Load(context.Background(), stringSource{body: ruleSetYAML}, "rules.yaml")
	require.NoError(t, err)
	checkDecoded(t, rs)

	boom := errors.New("boom")
	_, err = Load(context.Background(), stringSource{err: boom}, "rules.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

func TestOptions_Accessors(t *testing.T) {
	t.Parallel()

	o := Options{
		"s":   "x",
		"b":   true,
		"f":   float64(3),
		"i":   7,
		"m":   map[string]any{"a": "1", "n": 2.0},
		"arr": []any{"a", 1.0, "b"},
		"ss":  []string{"z"},
	}
	assert.Equal(t, "x", o.String("s", "d"))
	assert.Equal(t, "d", o.String("b", "d"))
	assert.True(t, o.Bool("b", false))
	assert.False(t, o.Bool("s", false))
	assert.Equal(t, 3, o.Int("f", 0))
	assert.Equal(t, 7, o.Int("i", 0))
	assert.Equal(t, 9, o.Int("s", 9))
	assert.Equal(t, map[string]string{"a": "1"}, o.StringMap("m"))
	assert.Equal(t, []string{"a", "b"}, o.StringSlice("arr"))
	assert.Equal(t, []string{"z"}, o.StringSlice("ss"))
	assert.Nil(t, o.StringSlice("missing"))
	assert.True(t, o.Has("s"))
	assert.Nil(t, o.Any("missing"))

	var nilOpts Options
	assert.Equal(t, "d", nilOpts.String("x", "d"))
}

func TestOptions_UnmarshalNull(t *testing.T) {
	t.Parallel()

	rs, err := Decode([]byte(`{"columns":[{"column":"A","rule":{"steps":[{"op":"clear","out":"X","params":null}]}}]}`), FormatJSON)
	require.NoError(t, err)
	p := rs.Columns[0].Rule.Steps[0].Params
	assert.NotNil(t, p)
	assert.Empty(t, p)
}

func TestSettings_DefaultPolicy(t *testing.T) {
	t.Parallel()

	assert.Equal(t, LastWins, Settings{}.Policy())
}
