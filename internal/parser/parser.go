// Package parser defines the row contract shared by the input readers: a
// reader streams rows keyed by header name, and soft per-row problems are
// reported through a callback without stopping the stream.
package parser

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
)

// Row is one data row. Cells maps header name to raw cell text; cells beyond
// the header or missing from a short row are absent.
type Row struct {
	// Line is the 1-based physical line (CSV) or sheet row (XLSX).
	Line  int
	Cells map[string]string
}

// ErrorFunc receives recoverable row errors.
type ErrorFunc func(line int, err error)

// RowReader streams rows into out. Stream does not close out. Header is
// available once Stream has read the header row.
type RowReader interface {
	Header() []string
	Stream(ctx context.Context, out chan<- Row, onErr ErrorFunc) error
}

// Format names an input encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// FormatFromName picks the format from a file name or URL extension;
// anything that is not a spreadsheet is read as CSV.
func FormatFromName(name string) Format {
	f, _ := LookupFormat(name)
	return f
}

// LookupFormat is FormatFromName that also reports whether the extension
// was recognized, so callers can sniff content otherwise.
func LookupFormat(name string) (Format, bool) {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return FormatXLSX, true
	case ".csv", ".tsv", ".txt":
		return FormatCSV, true
	default:
		return FormatCSV, false
	}
}

// zipMagic starts every OOXML workbook.
const zipMagic = "PK\x03\x04"

// Sniff picks the format from the leading bytes of an input.
func Sniff(head []byte) Format {
	if strings.HasPrefix(string(head), zipMagic) {
		return FormatXLSX
	}
	return FormatCSV
}

// ColumnName is the synthesized header of column i when a file has no
// header row.
func ColumnName(i int) string {
	return "col_" + strconv.Itoa(i)
}

const utf8BOM = "\uFEFF"

// NormalizeHeader trims names, strips a UTF-8 BOM from the first one and
// applies the rename map. Blank names become ColumnName(i). Case is
// preserved; the engine matches columns case-insensitively.
func NormalizeHeader(h []string, rename map[string]string) []string {
	out := make([]string, len(h))
	for i, name := range h {
		if i == 0 {
			name = strings.TrimPrefix(name, utf8BOM)
		}
		name = strings.TrimSpace(name)
		if m, ok := rename[name]; ok && m != "" {
			name = m
		}
		if name == "" {
			name = ColumnName(i)
		}
		out[i] = name
	}
	return out
}

// MapCells wraps r so every cell value passes through fn before it is
// emitted. Header and soft errors are those of r.
func MapCells(r RowReader, fn func(string) string) RowReader {
	return cellMapper{RowReader: r, fn: fn}
}

type cellMapper struct {
	RowReader
	fn func(string) string
}

func (m cellMapper) Stream(ctx context.Context, out chan<- Row, onErr ErrorFunc) error {
	inner := make(chan Row, cap(out))
	errc := make(chan error, 1)
	go func() {
		errc <- m.RowReader.Stream(ctx, inner, onErr)
		close(inner)
	}()
	for row := range inner {
		for k, v := range row.Cells {
			row.Cells[k] = m.fn(v)
		}
		select {
		case out <- row:
		case <-ctx.Done():
		}
	}
	return <-errc
}
