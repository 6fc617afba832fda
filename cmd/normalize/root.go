package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
)

func newRootCmd() *cobra.Command {
	var (
		logLevel  string
		logJSON   bool
		logSource bool
	)

	root := &cobra.Command{
		Use:           "normalize",
		Short:         "Config-driven cell normalization",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logger.Setup(logLevel, logJSON, logSource)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", envOr("NORMALIZE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	pf.BoolVar(&logJSON, "log-json", envBool("NORMALIZE_LOG_JSON", false), "emit logs as JSON")
	pf.BoolVar(&logSource, "log-source", false, "include caller location in logs")

	root.AddCommand(newValidateCmd(), newRunCmd(), newProbeCmd())
	return root
}

// envOr returns the environment value of k, or def when unset.
func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

// envInt reads an int from the environment, returning def when unset or
// invalid.
func envInt(k string, def int) int {
	if s := os.Getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if s := os.Getenv(k); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return def
}
