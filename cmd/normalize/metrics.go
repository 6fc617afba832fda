package main

import (
	"strings"

	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
	"github.com/TheStrul/Sacks-new-sub007/internal/metrics"
	"github.com/TheStrul/Sacks-new-sub007/internal/metrics/datadog"
	"github.com/TheStrul/Sacks-new-sub007/internal/metrics/prompush"
)

// setupMetrics installs the selected backend and returns the function that
// flushes it at the end of the run. A backend that fails to initialize is
// logged and metrics stay disabled; the run itself does not fail.
func setupMetrics(o runOptions, log logger.Logger) func() {
	noop := func() {}

	var (
		b   metrics.Backend
		err error
	)
	switch name := strings.ToLower(o.metricsBackend); name {
	case "", "none":
		log.Debug("metrics disabled")
		return noop

	case "pushgateway":
		b, err = prompush.NewBackend(o.job, o.pushgatewayURL)
		if err == nil {
			log.Info("metrics enabled", "backend", name, "url", o.pushgatewayURL)
		}

	case "datadog":
		b, err = datadog.NewBackend(datadog.Config{
			Addr:       o.datadogAddr,
			GlobalTags: []string{"job:" + o.job},
		})
		if err == nil {
			log.Info("metrics enabled", "backend", name, "addr", o.datadogAddr)
		}

	default:
		log.Warn("unknown metrics backend; metrics disabled", "backend", o.metricsBackend)
		return noop
	}

	if err != nil {
		log.Warn("metrics backend init failed; metrics disabled", "backend", o.metricsBackend, "err", err)
		return noop
	}
	metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn("metrics flush failed", "err", err)
		}
	}
}
