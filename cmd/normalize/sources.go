package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/TheStrul/Sacks-new-sub007/internal/config"
	"github.com/TheStrul/Sacks-new-sub007/internal/datasource"
	"github.com/TheStrul/Sacks-new-sub007/internal/datasource/file"
	"github.com/TheStrul/Sacks-new-sub007/internal/datasource/httpds"
	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
	"github.com/TheStrul/Sacks-new-sub007/internal/metrics"
	"github.com/TheStrul/Sacks-new-sub007/internal/parser"
	"github.com/TheStrul/Sacks-new-sub007/internal/parser/csv"
	"github.com/TheStrul/Sacks-new-sub007/internal/parser/xlsx"
	"github.com/TheStrul/Sacks-new-sub007/internal/textutil"
)

var (
	errRulesRequired = errors.New("--rules is required")
	errNoInput       = errors.New("--input or --input-list is required")
)

// sniffBytes is enough to recognize a zip (XLSX) header.
const sniffBytes = 8

// openSource maps a CLI name onto a local file, stdin or an HTTP source.
func openSource(name string, client *httpds.Client) datasource.Source {
	if datasource.IsURL(name) {
		return httpds.NewSource(client, name, nil)
	}
	return file.NewLocal(name)
}

// loadRules reads and decodes a rule set; job labels the load_rules metric.
func loadRules(ctx context.Context, name string, client *httpds.Client, job string) (*config.RuleSet, error) {
	start := time.Now()
	rs, err := config.Load(ctx, openSource(name, client), name)
	metrics.RecordStep(job, "load_rules", err, time.Since(start))
	return rs, err
}

// resolveInputs returns --input followed by the entries of --input-list.
func resolveInputs(ctx context.Context, input, list string, client *httpds.Client) ([]string, error) {
	var out []string
	if input != "" {
		out = append(out, input)
	}
	if list != "" {
		names, err := file.ReadList(ctx, openSource(list, client))
		if err != nil {
			return nil, fmt.Errorf("read input list %s: %w", list, err)
		}
		out = append(out, names...)
	}
	if len(out) == 0 {
		return nil, errNoInput
	}
	return out, nil
}

// readerOptions are the CLI-level knobs shared by both row readers.
type readerOptions struct {
	format    string // "", "auto", "csv" or "xlsx"
	delimiter string
	noHeader  bool
	sheet     string
	password  string

	// stripMarkup removes <...> tags and collapses whitespace in every cell.
	stripMarkup bool
}

// detectFormat resolves the input format: explicit flag, then extension,
// then the leading bytes. stdin without a flag is CSV.
func detectFormat(ctx context.Context, name string, src datasource.Source, explicit string) (parser.Format, error) {
	switch strings.ToLower(explicit) {
	case "csv":
		return parser.FormatCSV, nil
	case "xlsx":
		return parser.FormatXLSX, nil
	case "", "auto":
	default:
		return "", fmt.Errorf("unknown input format %q", explicit)
	}
	if f, ok := parser.LookupFormat(name); ok || name == file.StdinPath {
		return f, nil
	}

	var head []byte
	if p, ok := src.(interface {
		Peek(ctx context.Context, n int) ([]byte, error)
	}); ok {
		b, err := p.Peek(ctx, sniffBytes)
		if err != nil {
			return "", fmt.Errorf("sniff %s: %w", name, err)
		}
		head = b
	} else {
		rc, err := src.Open(ctx)
		if err != nil {
			return "", err
		}
		head = make([]byte, sniffBytes)
		n, err := io.ReadFull(rc, head)
		_ = rc.Close()
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("sniff %s: %w", name, err)
		}
		head = head[:n]
	}
	return parser.Sniff(head), nil
}

// openRowReader opens name and wraps it in the matching row reader.
func openRowReader(
	ctx context.Context,
	name string,
	client *httpds.Client,
	opt readerOptions,
	log logger.Logger,
) (parser.RowReader, parser.Format, error) {
	src := openSource(name, client)
	format, err := detectFormat(ctx, name, src, opt.format)
	if err != nil {
		return nil, "", err
	}
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, "", err
	}

	var rr parser.RowReader
	if format == parser.FormatXLSX {
		xo := xlsx.DefaultOptions()
		xo.Sheet = opt.sheet
		xo.HasHeader = !opt.noHeader
		xo.Password = opt.password
		xo.Logger = log
		rr = xlsx.NewReader(rc, xo)
	} else {
		co := csv.DefaultOptions()
		co.HasHeader = !opt.noHeader
		co.Logger = log
		if d := delimiterRune(opt.delimiter); d != 0 {
			co.Comma = d
		}
		rr = csv.NewReader(rc, co)
	}
	if opt.stripMarkup {
		rr = parser.MapCells(rr, textutil.NormalizeText)
	}
	return rr, format, nil
}

// delimiterRune accepts a single character or the names "tab" and
// "semicolon".
func delimiterRune(s string) rune {
	switch strings.ToLower(s) {
	case "":
		return 0
	case "tab", `\t`:
		return '\t'
	case "semicolon":
		return ';'
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r
}
