package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheStrul/Sacks-new-sub007/internal/datasource/httpds"
	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
	"github.com/TheStrul/Sacks-new-sub007/internal/probe"
)

type probeOptions struct {
	input       string
	reader      readerOptions
	rows        int
	samples     int
	emitRules   bool
	httpTimeout time.Duration
}

func newProbeCmd() *cobra.Command {
	var o probeOptions
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Profile an input and draft a starter rule set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := httpds.NewClient(httpds.Config{Timeout: o.httpTimeout, Logger: logger.GetDefault()})
			return runProbe(cmd.Context(), o, client, cmd.OutOrStdout(), logger.GetDefault())
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.input, "input", "", "input path or URL; - reads stdin")
	f.StringVar(&o.reader.format, "format", "auto", "input format (auto, csv, xlsx)")
	f.StringVar(&o.reader.delimiter, "delimiter", "", "CSV delimiter (single character, tab or semicolon)")
	f.BoolVar(&o.reader.noHeader, "no-header", false, "input has no header row")
	f.StringVar(&o.reader.sheet, "sheet", "", "XLSX sheet name (default first sheet)")
	f.StringVar(&o.reader.password, "sheet-password", "", "XLSX workbook password")
	f.BoolVar(&o.reader.stripMarkup, "strip-markup", false, "remove <...> tags and collapse whitespace in cells")
	f.IntVar(&o.rows, "rows", 1000, "maximum data rows to sample")
	f.IntVar(&o.samples, "samples", 3, "example values kept per column")
	f.BoolVar(&o.emitRules, "rules", false, "print a YAML rule set instead of the JSON profile")
	f.DurationVar(&o.httpTimeout, "http-timeout", 30*time.Second, "HTTP request timeout")
	return cmd
}

// runProbe writes either the JSON profile or the drafted YAML rule set.
func runProbe(ctx context.Context, o probeOptions, client *httpds.Client, w io.Writer, log logger.Logger) error {
	if o.input == "" {
		return errors.New("--input is required")
	}
	rr, format, err := openRowReader(ctx, o.input, client, o.reader, log)
	if err != nil {
		return err
	}
	res, err := probe.Profile(ctx, rr, probe.Options{MaxRows: o.rows, Samples: o.samples})
	if err != nil {
		return err
	}
	log.Info("probe complete", "input", o.input, "format", format, "rows", res.Rows, "columns", len(res.Columns), "truncated", res.Truncated)

	if o.emitRules {
		b, err := probe.MarshalYAML(probe.Skeleton(res))
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
