// Package xlsx streams the rows of one worksheet of an Excel workbook as
// header-keyed rows.
package xlsx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
	"github.com/TheStrul/Sacks-new-sub007/internal/parser"
	"github.com/TheStrul/Sacks-new-sub007/internal/textutil"
)

// ErrNoSheet is returned when the requested worksheet does not exist or the
// workbook has none.
var ErrNoSheet = errors.New("xlsx: worksheet not found")

// Options configures a Reader.
type Options struct {
	// Sheet selects the worksheet by name; empty means the first sheet.
	Sheet string
	// HasHeader treats the first non-blank row as column names.
	HasHeader bool
	// TrimSpace trims cell values.
	TrimSpace bool
	// HeaderMap renames source headers (after trimming) to column names.
	HeaderMap map[string]string
	// Password opens an encrypted workbook.
	Password string
	Logger   logger.Logger
}

// DefaultOptions reads the first sheet with a header row.
func DefaultOptions() Options {
	return Options{HasHeader: true, TrimSpace: true}
}

// Reader streams one workbook. The workbook is opened from src when Stream
// runs; excelize needs the whole archive, rows are then iterated lazily.
type Reader struct {
	src    io.ReadCloser
	opt    Options
	header []string
	sheet  string
}

var _ parser.RowReader = (*Reader)(nil)

// NewReader returns a Reader over src. Stream closes src.
func NewReader(src io.ReadCloser, opt Options) *Reader {
	if opt.Logger == nil {
		opt.Logger = logger.GetDefault()
	}
	return &Reader{src: src, opt: opt}
}

// Header returns the normalized header, or nil before Stream has run.
func (r *Reader) Header() []string { return r.header }

// Sheet returns the name of the worksheet that was read.
func (r *Reader) Sheet() string { return r.sheet }

// Stream sends the rows of the selected worksheet to out.
func (r *Reader) Stream(ctx context.Context, out chan<- parser.Row, onErr parser.ErrorFunc) error {
	defer r.src.Close()

	f, err := excelize.OpenReader(r.src, excelize.Options{Password: r.opt.Password})
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet, err := pickSheet(f, r.opt.Sheet)
	if err != nil {
		return err
	}
	r.sheet = sheet

	rows, err := f.Rows(sheet)
	if err != nil {
		return fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	defer rows.Close()

	line, emitted := 0, 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++

		cols, err := rows.Columns()
		if err != nil {
			if onErr != nil {
				onErr(line, err)
			}
			continue
		}
		if blank(cols) {
			continue
		}
		if r.opt.HasHeader && r.header == nil {
			r.header = parser.NormalizeHeader(cols, r.opt.HeaderMap)
			continue
		}
		if !r.opt.HasHeader {
			for i := len(r.header); i < len(cols); i++ {
				r.header = append(r.header, parser.ColumnName(i))
			}
		}

		row := parser.Row{Line: line, Cells: make(map[string]string, len(cols))}
		for i, v := range cols {
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
	}
	if err := rows.Error(); err != nil {
		return fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	r.opt.Logger.Debug("xlsx sheet read", "sheet", sheet, "rows", emitted)
	return nil
}

func pickSheet(f *excelize.File, want string) (string, error) {
	if want == "" {
		list := f.GetSheetList()
		if len(list) == 0 {
			return "", ErrNoSheet
		}
		return list[0], nil
	}
	idx, err := f.GetSheetIndex(want)
	if err != nil || idx < 0 {
		return "", fmt.Errorf("%w: %q", ErrNoSheet, want)
	}
	return want, nil
}

func blank(cols []string) bool {
	for _, v := range cols {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
