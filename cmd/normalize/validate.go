package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/TheStrul/Sacks-new-sub007/internal/config"
	"github.com/TheStrul/Sacks-new-sub007/internal/datasource/httpds"
	"github.com/TheStrul/Sacks-new-sub007/internal/engine"
	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
)

func newValidateCmd() *cobra.Command {
	var rules string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Lint and compile a rule set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := httpds.NewClient(httpds.Config{Logger: logger.GetDefault()})
			return runValidate(cmd.Context(), rules, client, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&rules, "rules", envOr("NORMALIZE_RULES", ""), "rule set path or URL (.json, .yaml)")
	return cmd
}

// runValidate prints every issue as "severity: path: message". Lint errors
// stop before compilation; compilation also reports unknown tables and bad
// step parameters.
func runValidate(ctx context.Context, rules string, client *httpds.Client, w io.Writer) error {
	if rules == "" {
		return errRulesRequired
	}
	rs, err := loadRules(ctx, rules, client, engine.DefaultJob)
	if err != nil {
		return err
	}

	issues := config.Validate(rs)
	if config.HasErrors(issues) {
		printIssues(w, issues)
		return config.Err(issues)
	}

	e, err := engine.New(rs, engine.WithLogger(logger.NewNop()))
	if err != nil {
		printIssues(w, issues)
		return err
	}
	printIssues(w, e.Issues())
	fmt.Fprintf(w, "ok: %s columns=%d warnings=%d fingerprint=%s\n", rules, len(e.Columns()), len(e.Issues()), e.Fingerprint())
	return nil
}

func printIssues(w io.Writer, issues []config.Issue) {
	for _, iss := range issues {
		fmt.Fprintf(w, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
}
