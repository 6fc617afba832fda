package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TheStrul/Sacks-new-sub007/internal/datasource/httpds"
	"github.com/TheStrul/Sacks-new-sub007/internal/engine"
	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
	"github.com/TheStrul/Sacks-new-sub007/internal/metrics"
	"github.com/TheStrul/Sacks-new-sub007/internal/parser"
	"github.com/TheStrul/Sacks-new-sub007/internal/storage"
)

// errSampleLimit caps the row errors kept for the end-of-run report.
const errSampleLimit = 10

type runOptions struct {
	rules     string
	input     string
	inputList string
	reader    readerOptions

	workers   int
	chunkSize int
	buffer    int
	out       string
	trace     bool

	sink            string
	dsn             string
	table           string
	lookupTable     string
	batchSize       int
	lookupsFromSink bool
	saveLookups     bool

	job            string
	metricsBackend string
	pushgatewayURL string
	datadogAddr    string
	httpTimeout    time.Duration
}

func newRunCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Normalize input rows and emit JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := runNormalize(cmd.Context(), o, cmd.OutOrStdout(), logger.GetDefault())
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.rules, "rules", envOr("NORMALIZE_RULES", ""), "rule set path or URL (.json, .yaml)")
	f.StringVar(&o.input, "input", envOr("NORMALIZE_INPUT", ""), "input path, URL or - for stdin")
	f.StringVar(&o.inputList, "input-list", "", "file or URL listing one input per line")
	f.StringVar(&o.reader.format, "format", "auto", "input format: auto, csv, xlsx")
	f.StringVar(&o.reader.delimiter, "delimiter", "", "CSV delimiter (character, tab or semicolon)")
	f.BoolVar(&o.reader.noHeader, "no-header", false, "inputs have no header row; columns are col_0, col_1, ...")
	f.StringVar(&o.reader.sheet, "sheet", "", "XLSX worksheet name (default: first sheet)")
	f.StringVar(&o.reader.password, "sheet-password", os.Getenv("NORMALIZE_SHEET_PASSWORD"), "password of encrypted workbooks")
	f.BoolVar(&o.reader.stripMarkup, "strip-markup", envBool("NORMALIZE_STRIP_MARKUP", false), "remove <...> tags and collapse whitespace in cells")

	f.IntVar(&o.workers, "workers", envInt("NORMALIZE_WORKERS", 4), "rows normalized concurrently")
	f.IntVar(&o.chunkSize, "chunk", envInt("NORMALIZE_CHUNK", 512), "rows per processing chunk")
	f.IntVar(&o.buffer, "buffer", envInt("NORMALIZE_BUFFER", 1024), "channel buffer between stages")
	f.StringVar(&o.out, "out", envOr("NORMALIZE_OUT", "-"), "JSON lines output file, - for stdout, empty to disable")
	f.BoolVar(&o.trace, "trace", false, "include per-step traces and merge events")

	f.StringVar(&o.sink, "sink", envOr("NORMALIZE_SINK", ""), "result sink: "+fmt.Sprint(storage.ListKinds()))
	f.StringVar(&o.dsn, "dsn", os.Getenv("NORMALIZE_DSN"), "sink connection string")
	f.StringVar(&o.table, "table", envOr("NORMALIZE_TABLE", storage.DefaultTable), "sink property table")
	f.StringVar(&o.lookupTable, "lookup-table", envOr("NORMALIZE_LOOKUP_TABLE", storage.DefaultLookupTable), "sink lookup table")
	f.IntVar(&o.batchSize, "batch", envInt("NORMALIZE_BATCH", storage.DefaultBatchSize), "sink batch size")
	f.BoolVar(&o.lookupsFromSink, "lookups-from-sink", false, "merge lookup tables stored in the sink")
	f.BoolVar(&o.saveLookups, "save-lookups", false, "write lookup tables grown by addIfNotFound back to the sink")

	f.StringVar(&o.job, "job", envOr("NORMALIZE_JOB", engine.DefaultJob), "job label for logs and metrics")
	f.StringVar(&o.metricsBackend, "metrics-backend", envOr("METRICS_BACKEND", "none"), "metrics backend: none, pushgateway, datadog")
	f.StringVar(&o.pushgatewayURL, "pushgateway-url", envOr("PUSHGATEWAY_URL", "http://localhost:9091"), "Pushgateway base URL")
	f.StringVar(&o.datadogAddr, "datadog-addr", envOr("DD_AGENT_ADDR", "127.0.0.1:8125"), "DogStatsD address")
	f.DurationVar(&o.httpTimeout, "http-timeout", 30*time.Second, "timeout for HTTP rule sets and inputs")
	return cmd
}

// runSummary is logged at the end of a run and returned for tests.
type runSummary struct {
	Inputs      int
	Rows        int64
	Matched     int64
	Faulted     int64
	ParseErrors int64
	Written     int64
	SavedLookup int64
	Duration    time.Duration
}

// counters are shared by the pipeline stages.
type counters struct {
	rows        atomic.Int64
	matched     atomic.Int64
	faulted     atomic.Int64
	parseErrors atomic.Int64
	written     atomic.Int64
}

// errAgg keeps the first few row errors and a total count.
type errAgg struct {
	mu    sync.Mutex
	limit int
	count int
	first []string
}

func (a *errAgg) add(msg string) {
	a.mu.Lock()
	if a.count < a.limit {
		a.first = append(a.first, msg)
	}
	a.count++
	a.mu.Unlock()
}

// inputRow is a parsed row tagged with the input it came from.
type inputRow struct {
	input string
	parser.Row
}

// outputLine is one JSON line of the run output.
type outputLine struct {
	Row        int                          `json:"row"`
	Input      string                       `json:"input,omitempty"`
	Line       int                          `json:"line,omitempty"`
	Properties map[string]string            `json:"properties"`
	Sources    map[string]engine.Provenance `json:"sources"`
	Merges     []engine.MergeEvent          `json:"merges,omitempty"`
	Trace      []engine.ChainTrace          `json:"trace,omitempty"`
}

func runNormalize(ctx context.Context, o runOptions, stdout io.Writer, log logger.Logger) (runSummary, error) {
	start := time.Now()
	if o.job == "" {
		o.job = engine.DefaultJob
	}
	log = log.With("job", o.job)
	ctx = logger.ContextWithLogger(ctx, log)

	flush := setupMetrics(o, log)
	defer flush()

	sum, err := execute(ctx, o, stdout, log)
	sum.Duration = time.Since(start)
	metrics.RecordStep(o.job, "run", err, sum.Duration)
	if err != nil {
		return sum, err
	}

	log.Info("run summary",
		"inputs", sum.Inputs,
		"rows", sum.Rows,
		"matched", sum.Matched,
		"unmatched", sum.Rows-sum.Matched,
		"faulted", sum.Faulted,
		"parse_errors", sum.ParseErrors,
		"written", sum.Written,
		"duration", sum.Duration.Truncate(time.Millisecond),
	)
	return sum, nil
}

func execute(ctx context.Context, o runOptions, stdout io.Writer, log logger.Logger) (runSummary, error) {
	var sum runSummary
	if o.rules == "" {
		return sum, errRulesRequired
	}
	client := httpds.NewClient(httpds.Config{Timeout: o.httpTimeout, Logger: log})

	rs, err := loadRules(ctx, o.rules, client, o.job)
	if err != nil {
		return sum, err
	}
	inputs, err := resolveInputs(ctx, o.input, o.inputList, client)
	if err != nil {
		return sum, err
	}
	sum.Inputs = len(inputs)

	repo, err := openSink(ctx, o, log)
	if err != nil {
		return sum, err
	}
	if repo != nil {
		defer repo.Close()
	}

	opts := []engine.Option{engine.WithLogger(log), engine.WithJob(o.job)}
	if o.lookupsFromSink {
		if repo == nil {
			return sum, fmt.Errorf("--lookups-from-sink needs --sink")
		}
		raw, err := repo.LoadLookups(ctx)
		if err != nil {
			return sum, err
		}
		log.Info("lookups loaded from sink", "tables", len(raw))
		opts = append(opts, engine.WithLookups(raw))
	}

	buildStart := time.Now()
	eng, err := engine.New(rs, opts...)
	metrics.RecordStep(o.job, "build_engine", err, time.Since(buildStart))
	if err != nil {
		return sum, err
	}
	log.Info("rule set ready", "rules", o.rules, "columns", len(eng.Columns()), "fingerprint", eng.Fingerprint(), "inputs", len(inputs))

	out, closeOut, err := openOutput(o.out, stdout)
	if err != nil {
		return sum, err
	}
	var st counters
	runErr := pipeline(ctx, o, inputs, client, eng, repo, out, &st, log)
	if err := closeOut(); err != nil && runErr == nil {
		runErr = fmt.Errorf("write output: %w", err)
	}

	sum.Rows = st.rows.Load()
	sum.Matched = st.matched.Load()
	sum.Faulted = st.faulted.Load()
	sum.ParseErrors = st.parseErrors.Load()
	sum.Written = st.written.Load()
	metrics.RecordRow(o.job, "written", sum.Written)
	if runErr != nil {
		return sum, runErr
	}

	if o.saveLookups && repo != nil {
		n, err := saveGrownLookups(ctx, eng, repo)
		if err != nil {
			return sum, err
		}
		sum.SavedLookup = n
	}
	return sum, nil
}

// openSink connects the configured sink and creates its tables.
func openSink(ctx context.Context, o runOptions, log logger.Logger) (storage.Repository, error) {
	if o.sink == "" {
		return nil, nil
	}
	repo, err := storage.New(ctx, o.sink, storage.Config{
		DSN:         o.dsn,
		Table:       o.table,
		LookupTable: o.lookupTable,
	})
	if err != nil {
		return nil, err
	}
	start := time.Now()
	err = repo.EnsureTable(ctx)
	metrics.RecordStep(o.job, "ensure_table", err, time.Since(start))
	if err != nil {
		repo.Close()
		return nil, err
	}
	log.Info("sink ready", "kind", o.sink, "table", o.table)
	return repo, nil
}

// openOutput returns the JSON lines destination; empty path discards rows.
func openOutput(path string, stdout io.Writer) (*json.Encoder, func() error, error) {
	var (
		w       io.Writer
		closeFn = func() error { return nil }
	)
	switch path {
	case "":
		return nil, closeFn, nil
	case "-":
		w = stdout
	default:
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, fmt.Errorf("create output: %w", err)
		}
		w = f
		closeFn = f.Close
	}
	bw := bufio.NewWriterSize(w, 64<<10)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return enc, func() error {
		if err := bw.Flush(); err != nil {
			_ = closeFn()
			return err
		}
		return closeFn()
	}, nil
}

// pipeline wires reader → engine → (JSON lines, sink). Rows keep input order.
func pipeline(
	ctx context.Context,
	o runOptions,
	inputs []string,
	client *httpds.Client,
	eng *engine.Engine,
	repo storage.Repository,
	enc *json.Encoder,
	st *counters,
	log logger.Logger,
) error {
	buffer := max(o.buffer, 1)
	rows := make(chan inputRow, buffer)
	rowErrs := &errAgg{limit: errSampleLimit}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(rows)
		start := time.Now()
		for _, in := range inputs {
			if err := streamInput(gctx, in, client, o.reader, rows, st, rowErrs, log); err != nil {
				metrics.RecordStep(o.job, "read_input", err, time.Since(start))
				return fmt.Errorf("%s: %w", in, err)
			}
		}
		metrics.RecordStep(o.job, "read_input", nil, time.Since(start))
		return nil
	})

	var sinkCh chan storage.PropertyRow
	if repo != nil {
		sinkCh = make(chan storage.PropertyRow, buffer)
		g.Go(func() error {
			start := time.Now()
			n, err := storage.LoadBatches(gctx, sinkCh, repo.WriteProperties, storage.LoaderOptions{
				BatchSize: o.batchSize,
				Job:       o.job,
				Logger:    log,
			})
			st.written.Store(n)
			metrics.RecordStep(o.job, "write_sink", err, time.Since(start))
			return err
		})
	}

	g.Go(func() error {
		if sinkCh != nil {
			defer close(sinkCh)
		}
		return process(gctx, o, eng, rows, enc, sinkCh, st)
	})

	err := g.Wait()
	if rowErrs.count > 0 {
		log.Warn("row errors", "count", rowErrs.count, "shown", len(rowErrs.first))
		for i, s := range rowErrs.first {
			log.Warn(fmt.Sprintf("  #%03d: %s", i+1, s))
		}
	}
	return err
}

// streamInput opens one input and forwards its rows tagged with the input
// name.
func streamInput(
	ctx context.Context,
	name string,
	client *httpds.Client,
	ro readerOptions,
	out chan<- inputRow,
	st *counters,
	rowErrs *errAgg,
	log logger.Logger,
) error {
	rr, format, err := openRowReader(ctx, name, client, ro, log)
	if err != nil {
		return err
	}
	log.Info("reading input", "input", name, "format", format)

	onErr := func(line int, err error) {
		st.parseErrors.Add(1)
		rowErrs.add(fmt.Sprintf("%s line=%d: %v", name, line, err))
	}

	rows := make(chan parser.Row, cap(out))
	errc := make(chan error, 1)
	go func() {
		errc <- rr.Stream(ctx, rows, onErr)
		close(rows)
	}()
	for r := range rows {
		if ctx.Err() != nil {
			continue
		}
		select {
		case out <- inputRow{input: name, Row: r}:
		case <-ctx.Done():
		}
	}
	return <-errc
}

// process normalizes rows chunk by chunk so output order matches input
// order while each chunk runs on o.workers goroutines.
func process(
	ctx context.Context,
	o runOptions,
	eng *engine.Engine,
	in <-chan inputRow,
	enc *json.Encoder,
	sinkCh chan<- storage.PropertyRow,
	st *counters,
) error {
	chunk := max(o.chunkSize, 1)
	pending := make([]inputRow, 0, chunk)
	next := 0

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		rows := make([]engine.Row, len(pending))
		for i, r := range pending {
			rows[i] = r.Cells
		}
		results, err := eng.ProcessBatch(ctx, next, rows, o.workers)
		if err != nil {
			return err
		}
		for i, res := range results {
			st.rows.Add(1)
			if res.Matched() {
				st.matched.Add(1)
			}
			if res.Faults() > 0 {
				st.faulted.Add(1)
			}
			if enc != nil {
				if err := enc.Encode(toOutputLine(pending[i], res, o.trace)); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
			}
			if sinkCh == nil {
				continue
			}
			for _, pr := range propertyRows(eng.Fingerprint(), res) {
				select {
				case sinkCh <- pr:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		next += len(pending)
		pending = pending[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-in:
			if !ok {
				return flush()
			}
			pending = append(pending, r)
			if len(pending) >= chunk {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}

func toOutputLine(in inputRow, res *engine.Result, trace bool) outputLine {
	line := outputLine{
		Row:        res.RowIndex,
		Input:      in.input,
		Line:       in.Line,
		Properties: res.Values(),
		Sources:    make(map[string]engine.Provenance, res.Len()),
	}
	for _, p := range res.Properties() {
		line.Sources[p.Name] = p.Source
	}
	if trace {
		line.Merges = res.Merges
		line.Trace = res.Traces
	}
	return line
}

// propertyRows flattens a Result into sink rows in property order.
func propertyRows(fingerprint string, res *engine.Result) []storage.PropertyRow {
	props := res.Properties()
	out := make([]storage.PropertyRow, len(props))
	for i, p := range props {
		out[i] = storage.PropertyRow{
			RowIndex:    res.RowIndex,
			Property:    p.Name,
			Value:       p.Value,
			Column:      p.Source.Column,
			Rule:        p.Source.Rule,
			Step:        p.Source.Step,
			Op:          p.Source.Op,
			Fingerprint: fingerprint,
		}
	}
	return out
}

// saveGrownLookups upserts every table that addIfNotFound extended.
func saveGrownLookups(ctx context.Context, eng *engine.Engine, repo storage.Repository) (int64, error) {
	grown := map[string]map[string]string{}
	for _, name := range eng.Tables().Names() {
		t, err := eng.Tables().Mutable(name)
		if err != nil {
			return 0, err
		}
		if t.Added() > 0 {
			grown[t.Name()] = t.Snapshot()
		}
	}
	if len(grown) == 0 {
		return 0, nil
	}
	n, err := repo.SaveLookups(ctx, grown)
	if err != nil {
		return 0, fmt.Errorf("save lookups: %w", err)
	}
	logger.FromContext(ctx).Info("lookups saved", "tables", len(grown), "entries", n)
	return n, nil
}
