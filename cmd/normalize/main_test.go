package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/TheStrul/Sacks-new-sub007/internal/datasource/file"
	"github.com/TheStrul/Sacks-new-sub007/internal/datasource/httpds"
	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
	"github.com/TheStrul/Sacks-new-sub007/internal/parser"
	"github.com/TheStrul/Sacks-new-sub007/internal/storage"
)

const sampleRules = "../../configs/rules/fragrance.yaml"

const brandRules = `{
  "settings": {"culture": "en-US"},
  "lookups": {"brands": {"chanel": "Chanel"}},
  "columns": [{"column": "Brand", "rule": {"name": "brand", "steps": [
    {"op": "map", "out": "assign:Brand", "params": {"table": "brands", "addIfNotFound": %s}}]}}]
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func baseOptions() runOptions {
	return runOptions{
		workers:        2,
		chunkSize:      2,
		buffer:         4,
		batchSize:      2,
		out:            "-",
		job:            "test",
		metricsBackend: "none",
		reader:         readerOptions{format: "auto"},
	}
}

func decodeLines(t *testing.T, out []byte) []outputLine {
	t.Helper()
	var lines []outputLine
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		var l outputLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l), sc.Text())
		lines = append(lines, l)
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestRun_CSVToJSONLinesAndSQLite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	input := writeFile(t, dir, "offers.csv", strings.Join([]string{
		"Description,Code,Gender",
		`CHANEL Bleu EDT 3.4 oz TESTER,CHANEL:MENS|TESTER:T123,`,
		`Dolce and Gabbana One Man Intense EDP 100 mL,,`,
		`gift card,,Women`,
	}, "\n")+"\n")

	o := baseOptions()
	o.rules = sampleRules
	o.input = input
	o.sink = "sqlite"
	o.dsn = filepath.Join(dir, "out.db")
	o.table = storage.DefaultTable
	o.lookupTable = storage.DefaultLookupTable

	var out bytes.Buffer
	sum, err := runNormalize(context.Background(), o, &out, logger.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Inputs)
	assert.EqualValues(t, 3, sum.Rows)
	assert.EqualValues(t, 3, sum.Matched)
	assert.Zero(t, sum.ParseErrors)
	assert.EqualValues(t, 8+5+1, sum.Written)

	lines := decodeLines(t, out.Bytes())
	require.Len(t, lines, 3)
	for i, l := range lines {
		assert.Equal(t, i, l.Row, "output keeps input order")
		assert.Equal(t, input, l.Input)
		assert.Equal(t, i+2, l.Line)
		assert.Empty(t, l.Trace)
	}
	assert.Equal(t, "Chanel", lines[0].Properties["Brand"])
	assert.Equal(t, "100", lines[0].Properties["SizeValue"])
	assert.Equal(t, "T123", lines[0].Properties["Ref"])
	assert.Equal(t, "Code", lines[0].Sources["Ref"].Column)
	assert.Equal(t, "Dolce & Gabbana", lines[1].Properties["Brand"])
	assert.Equal(t, map[string]string{"Gender": "W"}, lines[2].Properties)
	assert.Equal(t, "switch", lines[2].Sources["Gender"].Op)
}

func TestRun_TraceAndOutputFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	o := baseOptions()
	o.rules = sampleRules
	o.input = writeFile(t, dir, "in.csv", "Description\nDior Sauvage EDT 100 ml\n")
	o.out = filepath.Join(dir, "out.jsonl")
	o.trace = true

	var stdout bytes.Buffer
	_, err := runNormalize(context.Background(), o, &stdout, logger.NewNop())
	require.NoError(t, err)
	assert.Empty(t, stdout.String())

	data, err := os.ReadFile(o.out)
	require.NoError(t, err)
	lines := decodeLines(t, data)
	require.Len(t, lines, 1)
	assert.Equal(t, "Dior", lines[0].Properties["Brand"])
	require.Len(t, lines[0].Trace, 1)
	assert.Equal(t, "description", lines[0].Trace[0].Rule)
	assert.NotEmpty(t, lines[0].Merges)
}

func TestRun_XLSXInputList(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Description", "Gender"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"YSL Libre EDP 50 ml", "women"}))
	book := filepath.Join(dir, "offers.xlsx")
	require.NoError(t, f.SaveAs(book))
	require.NoError(t, f.Close())

	csvIn := writeFile(t, dir, "more.csv", "Description\nChanel No 5 EDP 100 ml\n")
	list := writeFile(t, dir, "inputs.txt", "# supplier drops\n"+book+"\n\n"+csvIn+"\n")

	o := baseOptions()
	o.rules = sampleRules
	o.inputList = list

	var out bytes.Buffer
	sum, err := runNormalize(context.Background(), o, &out, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Inputs)

	lines := decodeLines(t, out.Bytes())
	require.Len(t, lines, 2)
	assert.Equal(t, "Yves Saint Laurent", lines[0].Properties["Brand"])
	assert.Equal(t, "W", lines[0].Properties["Gender"])
	assert.Equal(t, book, lines[0].Input)
	assert.Equal(t, 1, lines[1].Row, "row index continues across inputs")
	assert.Equal(t, "Chanel", lines[1].Properties["Brand"])
}

func TestRun_HTTPRulesAndSniffedInput(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rules.json":
			_, _ = w.Write([]byte(strings.Replace(brandRules, "%s", "false", 1)))
		case "/export":
			_, _ = w.Write([]byte("Brand\nCHANEL\nunknown\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	o := baseOptions()
	o.rules = srv.URL + "/rules.json"
	o.input = srv.URL + "/export"

	var out bytes.Buffer
	sum, err := runNormalize(context.Background(), o, &out, logger.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 2, sum.Rows)
	assert.EqualValues(t, 1, sum.Matched)

	lines := decodeLines(t, out.Bytes())
	require.Len(t, lines, 2)
	assert.Equal(t, "Chanel", lines[0].Properties["Brand"])
	assert.Empty(t, lines[1].Properties)
}

func TestRun_SaveAndReloadLookups(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	input := writeFile(t, dir, "brands.csv", "Brand\nCHANEL\nHOUSE ONE\n")
	dsn := filepath.Join(dir, "lookups.db")

	o := baseOptions()
	o.rules = writeFile(t, dir, "grow.json", strings.Replace(brandRules, "%s", "true", 1))
	o.input = input
	o.out = ""
	o.sink = "sqlite"
	o.dsn = dsn
	o.saveLookups = true

	sum, err := runNormalize(context.Background(), o, nil, logger.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 2, sum.SavedLookup)

	repo, err := storage.New(context.Background(), "sqlite", storage.Config{DSN: dsn})
	require.NoError(t, err)
	saved, err := repo.LoadLookups(context.Background())
	repo.Close()
	require.NoError(t, err)
	require.Contains(t, saved, "brands")
	assert.Len(t, saved["brands"], 2)
	assert.Contains(t, saved["brands"], "chanel")

	// A second run without addIfNotFound resolves the learned brand from
	// the sink.
	o.rules = writeFile(t, dir, "fixed.json", strings.Replace(brandRules, "%s", "false", 1))
	o.saveLookups = false
	o.lookupsFromSink = true
	o.out = "-"

	var out bytes.Buffer
	sum, err = runNormalize(context.Background(), o, &out, logger.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 2, sum.Matched)
	lines := decodeLines(t, out.Bytes())
	require.Len(t, lines, 2)
	assert.Equal(t, "House One", lines[1].Properties["Brand"])
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rules := writeFile(t, dir, "r.json", strings.Replace(brandRules, "%s", "false", 1))
	input := writeFile(t, dir, "in.csv", "Brand\nchanel\n")

	tests := []struct {
		name    string
		mutate  func(*runOptions)
		wantErr string
	}{
		{"no rules", func(o *runOptions) { o.rules = "" }, "--rules"},
		{"no input", func(o *runOptions) { o.input = "" }, "--input"},
		{"missing rules file", func(o *runOptions) { o.rules = filepath.Join(dir, "nope.json") }, "nope.json"},
		{"missing input file", func(o *runOptions) { o.input = filepath.Join(dir, "nope.csv") }, "nope.csv"},
		{"unknown sink", func(o *runOptions) { o.sink = "oracle" }, "unsupported storage.kind=oracle"},
		{"lookups need sink", func(o *runOptions) { o.lookupsFromSink = true }, "--lookups-from-sink"},
		{"bad format", func(o *runOptions) { o.reader.format = "json" }, "unknown input format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			o := baseOptions()
			o.rules = rules
			o.input = input
			tc.mutate(&o)

			_, err := runNormalize(context.Background(), o, &bytes.Buffer{}, logger.NewNop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRun_HeaderlessSemicolonCSV(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	rules := strings.Replace(strings.Replace(brandRules, "%s", "false", 1), `"column": "Brand"`, `"column": "col_1"`, 1)
	o := baseOptions()
	o.rules = writeFile(t, dir, "r.json", rules)
	o.input = writeFile(t, dir, "in.txt", "A-1;chanel\nA-2;dior\n")
	o.reader.noHeader = true
	o.reader.delimiter = "semicolon"

	var out bytes.Buffer
	sum, err := runNormalize(context.Background(), o, &out, logger.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 2, sum.Rows)
	assert.EqualValues(t, 1, sum.Matched)

	lines := decodeLines(t, out.Bytes())
	require.Len(t, lines, 2)
	assert.Equal(t, 1, lines[0].Line)
	assert.Equal(t, "Chanel", lines[0].Properties["Brand"])
	assert.Equal(t, "col_1", lines[0].Sources["Brand"].Column)
}

func TestRun_Canceled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	o := baseOptions()
	o.rules = writeFile(t, dir, "r.json", strings.Replace(brandRules, "%s", "false", 1))
	o.input = writeFile(t, dir, "in.csv", "Brand\nchanel\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runNormalize(ctx, o, &bytes.Buffer{}, logger.NewNop())
	require.ErrorIs(t, err, context.Canceled)
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()

	run := func(args ...string) (string, error) {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(args)
		err := cmd.ExecuteContext(context.Background())
		return out.String(), err
	}

	out, err := run("validate", "--rules", sampleRules, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "ok: "+sampleRules+" columns=3")

	bad := writeFile(t, dir, "bad.json", `{"columns": [{"column": "A", "rule": {"steps": [{"op": "map", "params": {"table": "nope"}}]}}]}`)
	_, err = run("validate", "--rules", bad, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	empty := writeFile(t, dir, "empty.json", `{"columns": []}`)
	out, err = run("validate", "--rules", empty, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, out, "error: ")

	_, err = run("validate", "--log-level", "error")
	require.ErrorIs(t, err, errRulesRequired)
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	book := excelize.NewFile()
	blob, err := book.WriteToBuffer()
	require.NoError(t, err)
	noExt := writeFile(t, dir, "download", blob.String())
	text := writeFile(t, dir, "feed", "a,b\n1,2\n")

	f, err := detectFormat(ctx, noExt, file.NewLocal(noExt), "auto")
	require.NoError(t, err)
	assert.Equal(t, parser.FormatXLSX, f)

	f, err = detectFormat(ctx, text, file.NewLocal(text), "")
	require.NoError(t, err)
	assert.Equal(t, parser.FormatCSV, f)

	f, err = detectFormat(ctx, "x.xlsx", nil, "csv")
	require.NoError(t, err)
	assert.Equal(t, parser.FormatCSV, f, "explicit format wins")

	f, err = detectFormat(ctx, file.StdinPath, nil, "auto")
	require.NoError(t, err)
	assert.Equal(t, parser.FormatCSV, f)
}

func TestDelimiterRune(t *testing.T) {
	t.Parallel()
	assert.Equal(t, rune(0), delimiterRune(""))
	assert.Equal(t, '\t', delimiterRune("tab"))
	assert.Equal(t, ';', delimiterRune("semicolon"))
	assert.Equal(t, '|', delimiterRune("|"))
}

func TestOpenSource(t *testing.T) {
	t.Parallel()
	_, ok := openSource("https://x.test/a.csv", nil).(*httpds.Source)
	assert.True(t, ok)
	_, ok = openSource("a.csv", nil).(*file.Local)
	assert.True(t, ok)
}

func TestProbeCommand(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "prices.csv", "Brand,Unit Price\nchanel,12.5\ndior,9\n")

	run := func(args ...string) string {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(append(args, "--log-level", "error"))
		require.NoError(t, cmd.ExecuteContext(context.Background()))
		return out.String()
	}

	var profile struct {
		Rows    int `json:"rows"`
		Columns []struct {
			Name     string `json:"name"`
			Property string `json:"property"`
			Kind     string `json:"kind"`
		} `json:"columns"`
	}
	require.NoError(t, json.Unmarshal([]byte(run("probe", "--input", input)), &profile))
	assert.Equal(t, 2, profile.Rows)
	require.Len(t, profile.Columns, 2)
	assert.Equal(t, "UnitPrice", profile.Columns[1].Property)
	assert.Equal(t, "decimal", profile.Columns[1].Kind)

	rules := writeFile(t, dir, "draft.yaml", run("probe", "--input", input, "--rules"))
	o := baseOptions()
	o.rules = rules
	o.input = input
	var out bytes.Buffer
	sum, err := runNormalize(context.Background(), o, &out, logger.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 2, sum.Matched)

	lines := decodeLines(t, out.Bytes())
	require.Len(t, lines, 2)
	assert.Equal(t, map[string]string{"Brand": "chanel", "UnitPrice": "12.5"}, lines[0].Properties)
}

func TestProbeCommand_RequiresInput(t *testing.T) {
	err := runProbe(context.Background(), probeOptions{}, httpds.NewClient(httpds.Config{}), &bytes.Buffer{}, logger.NewNop())
	require.Error(t, err)
}

func TestRun_StripMarkup(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "rules.json", `{"columns": [{"column": "Name", "rule": {"steps": [
  {"op": "assign", "in": "Text", "out": "assign:Name"}]}}]}`)
	input := writeFile(t, dir, "in.csv", "Name\n\"<b>Bleu</b>   de <i>Chanel</i>\"\n")

	o := baseOptions()
	o.rules = rules
	o.input = input
	o.reader.stripMarkup = true
	var out bytes.Buffer
	_, err := runNormalize(context.Background(), o, &out, logger.NewNop())
	require.NoError(t, err)

	lines := decodeLines(t, out.Bytes())
	require.Len(t, lines, 1)
	assert.Equal(t, "Bleu de Chanel", lines[0].Properties["Name"])
}
