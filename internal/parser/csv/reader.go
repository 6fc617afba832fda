// Package csv streams delimited supplier files as header-keyed rows.
//
// The reader never buffers the whole input: records are decoded one at a
// time with a reused csv.Reader buffer and sent on a channel. Malformed
// records are reported through the error callback and skipped.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
	"github.com/TheStrul/Sacks-new-sub007/internal/parser"
	"github.com/TheStrul/Sacks-new-sub007/internal/textutil"
)

// Options configures a Reader. The zero value reads comma separated input
// without a header row; DefaultOptions is what the CLI uses.
type Options struct {
	// Comma is the field delimiter; zero means ','.
	Comma rune
	// HasHeader treats the first record as column names.
	HasHeader bool
	// TrimSpace trims cell values.
	TrimSpace bool
	// LazyQuotes tolerates bare quotes inside fields.
	LazyQuotes bool
	// StrictWidth skips records whose field count differs from the header.
	StrictWidth bool
	// HeaderMap renames source headers (after trimming) to column names.
	HeaderMap map[string]string
	// Replace lists byte rewrites applied before decoding.
	Replace []Replacement
	// Logger receives progress heartbeats; nil means the default logger.
	Logger logger.Logger
}

// DefaultOptions returns the options for a typical supplier export.
func DefaultOptions() Options {
	return Options{Comma: ',', HasHeader: true, TrimSpace: true, LazyQuotes: true}
}

// Reader streams one CSV source. It is not safe for concurrent use.
type Reader struct {
	src    io.ReadCloser
	opt    Options
	header []string
}

var _ parser.RowReader = (*Reader)(nil)

// NewReader returns a Reader over src. Stream closes src.
func NewReader(src io.ReadCloser, opt Options) *Reader {
	if opt.Comma == 0 {
		opt.Comma = ','
	}
	if opt.Logger == nil {
		opt.Logger = logger.GetDefault()
	}
	return &Reader{src: src, opt: opt}
}

// Header returns the normalized header, or nil before Stream has run.
func (r *Reader) Header() []string { return r.header }

const heartbeatEvery = 50_000

// Stream decodes records and sends them to out until EOF, a fatal read error
// or cancellation. An unreadable header is fatal; bad records go to onErr.
func (r *Reader) Stream(ctx context.Context, out chan<- parser.Row, onErr parser.ErrorFunc) error {
	defer r.src.Close()

	cr := csv.NewReader(wrapReplacements(r.src, r.opt.Replace))
	cr.Comma = r.opt.Comma
	cr.LazyQuotes = r.opt.LazyQuotes
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	if r.opt.HasHeader {
		hdr, err := cr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read csv header: %w", err)
		}
		r.header = parser.NormalizeHeader(hdr, r.opt.HeaderMap)
	}

	emitted := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return fmt.Errorf("read csv: %w", err)
			}
			report(onErr, perr.StartLine, err)
			continue
		}
		line, _ := cr.FieldPos(0)
		if blank(rec) {
			continue
		}
		if !r.opt.HasHeader && len(r.header) < len(rec) {
			r.header = extendHeader(r.header, len(rec))
		}
		if r.opt.StrictWidth && len(rec) != len(r.header) {
			report(onErr, line, fmt.Errorf("incorrect number of fields: expected %d, got %d", len(r.header), len(rec)))
			continue
		}

		row := parser.Row{Line: line, Cells: make(map[string]string, len(rec))}
		for i, v := range rec {
			if i >= len(r.header) {
				break
			}
			if r.opt.TrimSpace && textutil.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			row.Cells[r.header[i]] = v
		}

		select {
		case out <- row:
		case <-ctx.Done():
			return ctx.Err()
		}
		emitted++
		if emitted%heartbeatEvery == 0 {
			r.opt.Logger.Debug("csv progress", "line", line, "rows", emitted)
		}
	}
}

func report(onErr parser.ErrorFunc, line int, err error) {
	if onErr != nil {
		onErr(line, err)
	}
}

func extendHeader(h []string, n int) []string {
	for i := len(h); i < n; i++ {
		h = append(h, parser.ColumnName(i))
	}
	return h
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
